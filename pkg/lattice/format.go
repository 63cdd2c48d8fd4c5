package lattice

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Store file format (external interface; stable across versions of this
// package that share majorVersion). All multi-byte fields are little-endian.
//
//	offset  size  field
//	0       4     magic "LTC1"
//	4       2     major version
//	6       2     minor version
//	8       8     device id
//	16      8     next local id
//	24      8     total nodes
//	32      8     slot size (must equal NodeRecordSize)
//	40      8     reserved
//
// followed immediately by a dense array of NodeRecordSize-byte slots.
const (
	storeMagic        = "LTC1"
	storeMajorVersion = uint16(1)
	storeMinorVersion = uint16(0)

	storeHeaderSize = 48

	offHdrMagic       = 0
	offHdrMajorVer    = 4
	offHdrMinorVer    = 6
	offHdrDeviceID    = 8
	offHdrNextLocalID = 16
	offHdrTotalNodes  = 24
	offHdrSlotSize    = 32
	offHdrReserved    = 40
)

type storeHeader struct {
	majorVersion uint16
	minorVersion uint16
	deviceID     uint32
	nextLocalID  uint32
	totalNodes   uint64
	slotSize     uint64
}

func encodeStoreHeader(buf []byte, h storeHeader) {
	if len(buf) < storeHeaderSize {
		panic("lattice: header buffer too small")
	}
	copy(buf[offHdrMagic:], storeMagic)
	binary.LittleEndian.PutUint16(buf[offHdrMajorVer:], h.majorVersion)
	binary.LittleEndian.PutUint16(buf[offHdrMinorVer:], h.minorVersion)
	binary.LittleEndian.PutUint64(buf[offHdrDeviceID:], uint64(h.deviceID))
	binary.LittleEndian.PutUint64(buf[offHdrNextLocalID:], uint64(h.nextLocalID))
	binary.LittleEndian.PutUint64(buf[offHdrTotalNodes:], h.totalNodes)
	binary.LittleEndian.PutUint64(buf[offHdrSlotSize:], h.slotSize)
	binary.LittleEndian.PutUint64(buf[offHdrReserved:], 0)
}

func decodeStoreHeader(buf []byte) (storeHeader, error) {
	if len(buf) < storeHeaderSize {
		return storeHeader{}, fmt.Errorf("%w: header truncated", ErrCorrupt)
	}
	if string(buf[offHdrMagic:offHdrMagic+4]) != storeMagic {
		return storeHeader{}, fmt.Errorf("%w: bad magic", ErrIncompatible)
	}
	h := storeHeader{
		majorVersion: binary.LittleEndian.Uint16(buf[offHdrMajorVer:]),
		minorVersion: binary.LittleEndian.Uint16(buf[offHdrMinorVer:]),
		deviceID:     uint32(binary.LittleEndian.Uint64(buf[offHdrDeviceID:])),
		nextLocalID:  uint32(binary.LittleEndian.Uint64(buf[offHdrNextLocalID:])),
		totalNodes:   binary.LittleEndian.Uint64(buf[offHdrTotalNodes:]),
		slotSize:     binary.LittleEndian.Uint64(buf[offHdrSlotSize:]),
	}
	if h.majorVersion != storeMajorVersion {
		return storeHeader{}, fmt.Errorf("%w: major version %d", ErrIncompatible, h.majorVersion)
	}
	if h.slotSize != NodeRecordSize {
		return storeHeader{}, fmt.Errorf("%w: slot size %d != %d", ErrIncompatible, h.slotSize, NodeRecordSize)
	}
	return h, nil
}

// Node record layout within one NodeRecordSize-byte slot. All multi-byte
// fields little-endian.
const (
	offNodeID         = 0
	offNodeParentID   = 8
	offNodeType       = 16
	offNodeFlags      = 17
	offNodeNameLen    = 18
	offNodeChildCount = 19
	offNodeReserved0  = 20 // 4 bytes
	offNodeConfidence = 24
	offNodeTimestamp  = 32
	offNodeChildren   = 40 // maxInlineChildren * 8 bytes
	offNodeName       = offNodeChildren + maxInlineChildren*8
	offNodePayload    = offNodeName + MaxNameLen
	offNodeData       = offNodePayload + PayloadEnvelopeLen
	offNodeExpansion  = offNodeData + MaxDataLen
	offNodeReserved1  = offNodeExpansion + ExpansionLen
)

const flagTombstone = 1 << 0

func init() {
	if offNodeReserved1 > NodeRecordSize {
		panic("lattice: node record layout overflows NodeRecordSize")
	}
}

// encodeSlot marshals n into a NodeRecordSize-byte slot. The slot's raw
// binary framing (text/binary mode, compression flag) must already be
// reflected in rawData, which is what actually lands in the data field; n.Data
// is the caller-facing decoded view and is not re-encoded here.
func encodeSlot(buf []byte, n *Node, rawData []byte) error {
	if len(buf) != NodeRecordSize {
		return fmt.Errorf("lattice: slot buffer must be %d bytes", NodeRecordSize)
	}
	if len(n.Name) > MaxNameLen {
		return fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidNode, MaxNameLen)
	}
	if len(rawData) > MaxDataLen {
		return fmt.Errorf("%w: data exceeds %d bytes", ErrInvalidNode, MaxDataLen)
	}
	if !n.Type.valid() {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidNode, n.Type)
	}
	if len(n.Children) > maxInlineChildren {
		n.Children = n.Children[:maxInlineChildren]
	}

	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint64(buf[offNodeID:], uint64(n.ID))
	binary.LittleEndian.PutUint64(buf[offNodeParentID:], uint64(n.ParentID))
	buf[offNodeType] = byte(n.Type)
	buf[offNodeNameLen] = byte(len(n.Name))
	buf[offNodeChildCount] = byte(len(n.Children))
	binary.LittleEndian.PutUint64(buf[offNodeConfidence:], math.Float64bits(n.Confidence))
	binary.LittleEndian.PutUint64(buf[offNodeTimestamp:], uint64(n.TimestampMicros))

	for i, c := range n.Children {
		binary.LittleEndian.PutUint64(buf[offNodeChildren+i*8:], uint64(c))
	}

	copy(buf[offNodeName:offNodeName+MaxNameLen], n.Name)
	copy(buf[offNodePayload:offNodePayload+PayloadEnvelopeLen], n.Payload[:])
	copy(buf[offNodeData:offNodeData+MaxDataLen], rawData)

	return nil
}

func setTombstone(buf []byte) {
	buf[offNodeFlags] |= flagTombstone
	for i := 0; i < MaxNameLen; i++ {
		buf[offNodeName+i] = 0
	}
	buf[offNodeNameLen] = 0
}

func slotIsTombstone(buf []byte) bool {
	if buf[offNodeFlags]&flagTombstone != 0 {
		return true
	}
	return buf[offNodeNameLen] == 0
}

// decodeSlot unmarshals a NodeRecordSize-byte slot. rawData is the undecoded
// contents of the data field (dual-mode framing still intact); callers decode
// it with decodePayload to obtain Node.Data/Binary/Compressed.
func decodeSlot(buf []byte) (n Node, rawData []byte, err error) {
	if len(buf) != NodeRecordSize {
		return Node{}, nil, fmt.Errorf("lattice: slot buffer must be %d bytes", NodeRecordSize)
	}

	n.ID = NodeID(binary.LittleEndian.Uint64(buf[offNodeID:]))
	n.ParentID = NodeID(binary.LittleEndian.Uint64(buf[offNodeParentID:]))
	n.Type = NodeType(buf[offNodeType])
	n.Confidence = math.Float64frombits(binary.LittleEndian.Uint64(buf[offNodeConfidence:]))
	n.TimestampMicros = int64(binary.LittleEndian.Uint64(buf[offNodeTimestamp:]))

	childCount := int(buf[offNodeChildCount])
	if childCount > maxInlineChildren {
		childCount = maxInlineChildren
	}
	if childCount > 0 {
		n.Children = make([]NodeID, childCount)
		for i := 0; i < childCount; i++ {
			n.Children[i] = NodeID(binary.LittleEndian.Uint64(buf[offNodeChildren+i*8:]))
		}
	}

	nameLen := int(buf[offNodeNameLen])
	if nameLen > MaxNameLen {
		nameLen = MaxNameLen
	}
	n.Name = string(buf[offNodeName : offNodeName+nameLen])

	copy(n.Payload[:], buf[offNodePayload:offNodePayload+PayloadEnvelopeLen])

	rawData = append([]byte(nil), buf[offNodeData:offNodeData+MaxDataLen]...)

	return n, rawData, nil
}
