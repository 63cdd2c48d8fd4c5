package lattice

import (
	"encoding/binary"
	"fmt"
)

// Dual-mode payload framing (spec §4.4.3). A node's data slot carries either
// text (NUL-terminated) or binary (2-byte little-endian length header
// followed by raw bytes; bit 15 of the length word flags dictionary
// compression, in which case the low 15 bits hold 1+compressed_len and the
// byte immediately after the length word is a compression-type tag).

const binaryCompressedFlag = uint16(1 << 15)

// encodeText frames s as a NUL-terminated text payload. s must not itself
// contain a NUL byte; callers with arbitrary bytes must use encodeBinary.
func encodeText(s string) ([]byte, error) {
	if len(s)+1 > MaxDataLen {
		return nil, fmt.Errorf("%w: text payload exceeds %d bytes", ErrInvalidNode, MaxDataLen-1)
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	buf[len(s)] = 0
	return buf, nil
}

// encodeBinary frames data as an uncompressed binary payload.
func encodeBinary(data []byte) ([]byte, error) {
	if len(data) > maxBinaryPayloadLen {
		return nil, fmt.Errorf("%w: binary payload exceeds %d bytes", ErrInvalidNode, maxBinaryPayloadLen)
	}
	buf := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	return buf, nil
}

// encodeBinaryCompressed frames already-compressed bytes with the
// compression flag and a 1-byte compression-type tag.
func encodeBinaryCompressed(compressionType byte, compressed []byte) ([]byte, error) {
	// low 15 bits store 1+len(compressed) (the +1 accounts for the tag byte).
	encodedLen := 1 + len(compressed)
	if encodedLen > int(^binaryCompressedFlag) {
		return nil, fmt.Errorf("%w: compressed payload too large", ErrInvalidNode)
	}
	buf := make([]byte, 2+1+len(compressed))
	binary.LittleEndian.PutUint16(buf, binaryCompressedFlag|uint16(encodedLen))
	buf[2] = compressionType
	copy(buf[3:], compressed)
	if len(buf) > MaxDataLen {
		return nil, fmt.Errorf("%w: compressed payload exceeds %d bytes", ErrInvalidNode, MaxDataLen)
	}
	return buf, nil
}

// decodedPayload is the fully-interpreted form of a node's raw data field.
type decodedPayload struct {
	binary          bool
	compressed      bool
	compressionType byte
	data            []byte // text: bytes before the NUL; binary: the raw (possibly still compressed) payload
}

// looksBinary applies the heuristic from spec §4.4.3: a 2-byte length header
// whose value fits within raw is treated as binary framing. Any input whose
// first two bytes pass that check is reported as binary, including short
// text (an empty or one-byte string leaves a small length word); callers
// that know the mode should use decodePayload instead of this guess.
func looksBinary(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	lenWord := binary.LittleEndian.Uint16(raw)
	length := lenWord &^ binaryCompressedFlag
	if lenWord&binaryCompressedFlag != 0 {
		// compressed: low bits are 1+compressed_len, plus the 2-byte header.
		return int(length)+2 <= len(raw) && length >= 1
	}
	return int(length)+2 <= len(raw)
}

// decodePayload interprets raw according to isBinary, which the caller
// chooses: the slot records no per-node text/binary mode, and GetBinary
// always passes true.
func decodePayload(raw []byte, isBinary bool) decodedPayload {
	if !isBinary {
		nul := indexByte(raw, 0)
		if nul < 0 {
			nul = len(raw)
		}
		return decodedPayload{data: raw[:nul]}
	}

	if len(raw) < 2 {
		return decodedPayload{binary: true}
	}

	lenWord := binary.LittleEndian.Uint16(raw)
	compressed := lenWord&binaryCompressedFlag != 0
	length := int(lenWord &^ binaryCompressedFlag)

	if !compressed {
		if length+2 > len(raw) {
			length = len(raw) - 2
		}
		return decodedPayload{binary: true, data: raw[2 : 2+length]}
	}

	// length here is 1 (tag byte) + compressed_len.
	if length < 1 {
		return decodedPayload{binary: true, compressed: true}
	}
	compressedLen := length - 1
	if 3+compressedLen > len(raw) {
		compressedLen = len(raw) - 3
	}
	if compressedLen < 0 {
		compressedLen = 0
	}
	return decodedPayload{
		binary:          true,
		compressed:      true,
		compressionType: raw[2],
		data:            raw[3 : 3+compressedLen],
	}
}

// decodeAsText reads raw via the text API regardless of how it was written.
// Per spec §4.4.3 and the scenario in §8.5, reading a binary node through the
// text API is not an error but returns a warning (surfaced here as a boolean)
// and a result truncated at the first zero byte.
func decodeAsText(raw []byte) (text []byte, warn bool) {
	nul := indexByte(raw, 0)
	if nul < 0 {
		return raw, looksBinary(raw)
	}
	return raw[:nul], looksBinary(raw) && nul < len(raw)-1
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
