package lattice

import "fmt"

// NodeType is a closed enumeration tagging the semantic role of a node and
// selecting how its payload envelope is interpreted.
type NodeType uint8

const (
	TypePrimitive NodeType = iota + 1
	TypeKernel
	TypePattern
	TypePerformance
	TypeLearning
	TypeAntiPattern
	TypeSidecarMapping
	TypeSidecarEvent
	TypeSidecarSuggestion
	TypeSidecarState
	TypeMetadata
	TypeChunkHeader
	TypeChunkData
)

func (t NodeType) String() string {
	switch t {
	case TypePrimitive:
		return "primitive"
	case TypeKernel:
		return "kernel"
	case TypePattern:
		return "pattern"
	case TypePerformance:
		return "performance"
	case TypeLearning:
		return "learning"
	case TypeAntiPattern:
		return "anti-pattern"
	case TypeSidecarMapping:
		return "sidecar-mapping"
	case TypeSidecarEvent:
		return "sidecar-event"
	case TypeSidecarSuggestion:
		return "sidecar-suggestion"
	case TypeSidecarState:
		return "sidecar-state"
	case TypeMetadata:
		return "metadata"
	case TypeChunkHeader:
		return "chunk-header"
	case TypeChunkData:
		return "chunk-data"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t NodeType) valid() bool {
	return t >= TypePrimitive && t <= TypeChunkData
}

// NodeID is a 64-bit node identifier: the high 32 bits are a device id (0 on
// a single-machine deployment), the low 32 bits are a local id monotonically
// issued by the allocator of that device.
type NodeID uint64

// ComposeID builds a NodeID from a device id and a local id.
func ComposeID(device, local uint32) NodeID {
	return NodeID(uint64(device)<<32 | uint64(local))
}

// DeviceID returns the high 32 bits of the id.
func (id NodeID) DeviceID() uint32 { return uint32(id >> 32) }

// LocalID returns the low 32 bits of the id.
func (id NodeID) LocalID() uint32 { return uint32(id) }

func (id NodeID) String() string {
	return fmt.Sprintf("%d:%d", id.DeviceID(), id.LocalID())
}

// Node is the decoded, in-memory form of one 1 KiB on-disk record. Node
// values returned by Lattice are always copies; none alias the mapped file.
type Node struct {
	ID         NodeID
	Type       NodeType
	Name       string
	Data       []byte // payload as decoded by Get's text API (see TextReadWarning)
	Binary     bool   // always false from Get, which decodes as text; see GetBinary
	Compressed bool
	CompressionType byte

	// TextReadWarning is set by Get when the data field's first two bytes read
	// as a plausible binary length header (looksBinary) and a zero byte ends
	// the text before the field's last byte (spec §4.4.3, §8 scenario 5). A
	// payload written through AddBinary sets it, and so does a short text
	// payload whose first two bytes pass that check, such as one of zero or
	// one byte. Data is then the field's bytes up to the first zero byte,
	// length header included. GetBinary never sets this.
	TextReadWarning bool

	ParentID NodeID
	Children []NodeID // inline convenience only; never authoritative, see doc.go

	Confidence float64
	// TimestampMicros is microseconds since the Unix epoch.
	TimestampMicros int64

	// Payload is the raw tagged-union envelope; callers interpret it
	// according to Type. No typed accessors exist in this package.
	Payload [PayloadEnvelopeLen]byte
}

// Filters narrows a prefix scan. A zero value matches everything.
type Filters struct {
	MinConfidence float64 // node.Confidence must be >= this
	TimestampFrom int64   // inclusive, microseconds since epoch; 0 means unbounded
	TimestampTo   int64   // inclusive, microseconds since epoch; 0 means unbounded
}

func (f Filters) matches(n *Node) bool {
	if n.Confidence < f.MinConfidence {
		return false
	}
	if f.TimestampFrom != 0 && n.TimestampMicros < f.TimestampFrom {
		return false
	}
	if f.TimestampTo != 0 && n.TimestampMicros > f.TimestampTo {
		return false
	}
	return true
}

// CacheMode selects how the node array relates to the on-disk file.
type CacheMode uint8

const (
	// ModeDisk maps the entire store file; the OS page cache serves reads
	// and writes and no eviction happens at this layer.
	ModeDisk CacheMode = iota
	// ModeRAMCache maps the entire store file, like ModeDisk, and also keeps
	// access-recency metadata for up to RAMCacheSlots nodes. Nothing is
	// evicted at this layer: the metadata does not drop nodes from memory.
	ModeRAMCache
)

// License is the narrow boundary Lattice uses to decide whether a mutation
// that would grow the live node count beyond NodeCap is permitted. Ed25519
// signature verification of a license token is explicitly out of scope for
// this package (it belongs to a collaborator above the core); callers that
// need it supply a License implementation that performs it and returns the
// resulting tier.
type License interface {
	// Tier reports the maximum number of live nodes currently licensed, and
	// whether the license is valid. A nil License means "no license
	// configured": Lattice runs in evaluation mode using Options.NodeCap.
	//
	// err should wrap ErrLicenseExpired or ErrLicenseInvalid when the
	// verifier can make that determination; Open propagates such errors
	// directly rather than falling back to a cached or evaluation-mode cap.
	// Any other non-nil err is treated as a transient verification failure.
	Tier() (cap int, err error)
}

// Options configures a Lattice store at construction time.
type Options struct {
	// DeviceID disambiguates ids issued by this store from ids issued by the
	// same logical store opened on another machine. Zero means
	// single-machine deployment.
	DeviceID uint32

	// Mode selects disk-mapped vs RAM-cache operation. Defaults to ModeDisk.
	Mode CacheMode

	// RAMCacheSlots bounds how many nodes the ModeRAMCache access-recency
	// tracker remembers (default 4096); past that, the least recently touched
	// entry leaves the tracker. It does not bound the mapping's memory use.
	// Ignored unless Mode is ModeRAMCache.
	RAMCacheSlots int

	// NodeCap is the evaluation-mode cap on total live nodes used when
	// License is nil or returns an error. The spec deliberately leaves this
	// as a construction parameter rather than a hardcoded constant (build
	// variants have disagreed: 25_000 vs 100_000). Zero means
	// defaultEvalNodeCap.
	NodeCap int

	// License, if non-nil, is consulted for the live-node cap in place of
	// NodeCap. See the License interface doc.
	License License

	// InitialSlots is the number of node slots to preallocate when creating
	// a new store file. Zero means a small default; the store grows
	// geometrically (unmap/extend/remap) as needed.
	InitialSlots uint64

	// WAL sets the write-ahead log's batch-size tracking (see WALOptions).
	// Zero values take the defaults in wal.go.
	WAL WALOptions

	// DebugValidatePrefixIndex makes FindByPrefix, when its prefix exactly
	// equals a catalogued token, compare the token map's ids with the
	// sorted-name index's result and panic if they differ. Intended for
	// tests only.
	DebugValidatePrefixIndex bool
}
