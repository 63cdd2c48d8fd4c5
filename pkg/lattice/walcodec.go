package lattice

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeWALAddPayload packs everything recovery needs to reconstruct a node
// from scratch into one WAL entry payload: the add-node op's target_node_id
// field (spec §6) only identifies the node, so the fields that make up the
// rest of the record travel in the payload.
func encodeWALAddPayload(n Node, rawData []byte) []byte {
	buf := make([]byte, 0, 1+1+8+8+8+1+len(n.Children)*8+len(n.Name)+PayloadEnvelopeLen+2+len(rawData))

	buf = append(buf, byte(n.Type))
	buf = append(buf, byte(len(n.Name)))
	buf = appendUint64(buf, uint64(n.ParentID))
	buf = appendUint64(buf, math.Float64bits(n.Confidence))
	buf = appendUint64(buf, uint64(n.TimestampMicros))
	buf = append(buf, byte(len(n.Children)))
	for _, c := range n.Children {
		buf = appendUint64(buf, uint64(c))
	}
	buf = append(buf, []byte(n.Name)...)
	buf = append(buf, n.Payload[:]...)
	buf = appendUint16(buf, uint16(len(rawData)))
	buf = append(buf, rawData...)

	return buf
}

func decodeWALAddPayload(id NodeID, payload []byte) (Node, []byte, error) {
	const minLen = 1 + 1 + 8 + 8 + 8 + 1
	if len(payload) < minLen {
		return Node{}, nil, fmt.Errorf("%w: add-node payload too short", ErrWALCorrupt)
	}

	n := Node{ID: id}
	off := 0
	n.Type = NodeType(payload[off])
	off++
	nameLen := int(payload[off])
	off++
	n.ParentID = NodeID(readUint64(payload, off))
	off += 8
	n.Confidence = math.Float64frombits(readUint64(payload, off))
	off += 8
	n.TimestampMicros = int64(readUint64(payload, off))
	off += 8
	childCount := int(payload[off])
	off++

	if childCount > maxInlineChildren || len(payload) < off+childCount*8 {
		return Node{}, nil, fmt.Errorf("%w: add-node payload child count", ErrWALCorrupt)
	}
	if childCount > 0 {
		n.Children = make([]NodeID, childCount)
		for i := 0; i < childCount; i++ {
			n.Children[i] = NodeID(readUint64(payload, off))
			off += 8
		}
	}

	if len(payload) < off+nameLen+PayloadEnvelopeLen+2 {
		return Node{}, nil, fmt.Errorf("%w: add-node payload truncated", ErrWALCorrupt)
	}
	n.Name = string(payload[off : off+nameLen])
	off += nameLen

	copy(n.Payload[:], payload[off:off+PayloadEnvelopeLen])
	off += PayloadEnvelopeLen

	rawLen := int(binary.LittleEndian.Uint16(payload[off:]))
	off += 2
	if len(payload) < off+rawLen {
		return Node{}, nil, fmt.Errorf("%w: add-node raw data truncated", ErrWALCorrupt)
	}
	rawData := append([]byte(nil), payload[off:off+rawLen]...)

	return n, rawData, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func readUint64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}
