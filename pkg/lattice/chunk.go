package lattice

import (
	"fmt"
	"strconv"
	"strings"
)

// Chunked large payloads (spec §4.4.4). Payloads that do not fit one
// text-mode data slot (more than MaxDataLen-1 bytes) are split by the caller into an ordered chain: a chunk-header node named
// "CHUNKED:<original>" whose data records the total length and chunk count,
// followed by chunk-data nodes named "CHUNK:<parent_local_id>:<index>:<total>".
//
// Reassembly locates the header by id, then discovers chunks by name
// convention. The spec flags the header's side-list as a second, inconsistent
// discovery path (§9, open questions); this package treats name-based
// discovery as the sole authoritative path and the side list (when present)
// as an unread performance hint, so both paths can never disagree here.

const (
	chunkHeaderPrefix = "CHUNKED:"
	chunkDataPrefix   = "CHUNK:"
)

func chunkHeaderName(original string) string {
	return chunkHeaderPrefix + original
}

func chunkDataName(parentLocal uint32, index, total int) string {
	return fmt.Sprintf("%s%d:%d:%d", chunkDataPrefix, parentLocal, index, total)
}

// encodeChunkHeaderPayload returns the fixed text encoding stored in a chunk-header
// node's data field: "<total_length>:<chunk_count>".
func encodeChunkHeaderPayload(totalLength, chunkCount int) string {
	return strconv.Itoa(totalLength) + ":" + strconv.Itoa(chunkCount)
}

// parseChunkDataName splits a "CHUNK:<parent_local_id>:<index>:<total>" name
// back into its fields.
func parseChunkDataName(name string) (parentLocal uint32, index, total int, err error) {
	if !strings.HasPrefix(name, chunkDataPrefix) {
		return 0, 0, 0, fmt.Errorf("%w: %q is not a chunk-data name", ErrCorrupt, name)
	}
	parts := strings.Split(strings.TrimPrefix(name, chunkDataPrefix), ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: malformed chunk-data name %q", ErrCorrupt, name)
	}
	p, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: malformed chunk-data parent id: %v", ErrCorrupt, err)
	}
	index, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: malformed chunk-data index: %v", ErrCorrupt, err)
	}
	total, err = strconv.Atoi(parts[2])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: malformed chunk-data total: %v", ErrCorrupt, err)
	}
	return uint32(p), index, total, nil
}

func decodeChunkHeaderPayload(s string) (totalLength, chunkCount int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: malformed chunk header payload %q", ErrCorrupt, s)
	}
	totalLength, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed chunk header length: %v", ErrCorrupt, err)
	}
	chunkCount, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: malformed chunk header count: %v", ErrCorrupt, err)
	}
	return totalLength, chunkCount, nil
}

// planChunks splits data into the ordered list of per-chunk byte slices that
// will become chunk-data node payloads, each small enough to fit a single
// binary-mode data slot (two bytes reserved for the length header).
func planChunks(data []byte) [][]byte {
	const perChunk = maxBinaryPayloadLen
	if len(data) == 0 {
		return nil
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += perChunk {
		end := off + perChunk
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}
