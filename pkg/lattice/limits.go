package lattice

const (
	// MaxNameLen is the maximum length, in bytes, of a node's name. A name of
	// exactly this length is stored without a terminator; the record tracks
	// the length explicitly rather than scanning for NUL.
	MaxNameLen = 64

	// MaxDataLen is the size, in bytes, of a node's data slot.
	MaxDataLen = 512

	// maxBinaryPayloadLen is the largest binary-mode payload that fits after
	// the 2-byte length header: 512 - 2.
	maxBinaryPayloadLen = MaxDataLen - 2

	// maxInlineChildren bounds the in-memory/on-disk inline children slice.
	// Overflow is silently capped per spec; callers are expected to encode
	// deeper hierarchies via name conventions instead.
	maxInlineChildren = 7

	// PayloadEnvelopeLen is the size, in bytes, of the tagged-union payload
	// envelope (performance counters, learning stats, sidecar records, ...).
	PayloadEnvelopeLen = 64

	// ExpansionLen is the size, in bytes, of the reserved expansion header.
	ExpansionLen = 128

	// NodeRecordSize is the fixed on-disk size of one node record (slot-size
	// in the store header). This value is constitutional: migrations reject
	// any file whose header reports a different slot size.
	NodeRecordSize = 1024

	// defaultEvalNodeCap is the default evaluation-mode cap on total live
	// nodes when no license verifier accepts a tier. The spec leaves this as
	// a construction-time parameter rather than a hardcoded constant because
	// observed build profiles disagree (25_000 vs 100_000); see Options.NodeCap.
	defaultEvalNodeCap = 25_000

	// maxWALEntryDataLen bounds a single WAL entry's payload. It must be at
	// least MaxDataLen since update-node entries carry a full data slot.
	maxWALEntryDataLen = 1 << 20
)
