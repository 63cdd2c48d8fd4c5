package lattice

import "errors"

// Error classification. Implementations and callers MAY wrap these with
// additional context via fmt.Errorf("...: %w", ...); tests and callers MUST
// classify using errors.Is.
var (
	// ErrNullArgument is returned when a required argument is missing (e.g.
	// empty name, nil data where data is mandatory).
	ErrNullArgument = errors.New("lattice: null argument")

	// ErrInvalidPath is returned when the store path is unusable (unwritable
	// parent directory, path refers to a directory, etc).
	ErrInvalidPath = errors.New("lattice: invalid path")

	// ErrAllocationFailed is returned when the id allocator or the slot
	// allocator cannot satisfy a request (e.g. reservation overflow).
	ErrAllocationFailed = errors.New("lattice: allocation failed")

	// ErrIO wraps failures in the underlying file operations.
	ErrIO = errors.New("lattice: io error")

	// ErrInvalidNode is returned for malformed node arguments: a name longer
	// than MaxNameLen, data too long for the data slot, or an unknown
	// NodeType.
	ErrInvalidNode = errors.New("lattice: invalid node")

	// ErrNotFound is returned when an id does not name a live node.
	ErrNotFound = errors.New("lattice: not found")

	// ErrQuotaExceeded is returned when an evaluation-mode node cap would be
	// exceeded by a mutation. The mutation is rejected; store state, including
	// the live node count, is unchanged.
	ErrQuotaExceeded = errors.New("lattice: quota exceeded")

	// ErrLicenseExpired and ErrLicenseInvalid surface the outcome of an
	// external license verifier supplied via Options.License. Lattice itself
	// performs no signature verification; see license.go.
	ErrLicenseExpired = errors.New("lattice: license expired")
	ErrLicenseInvalid = errors.New("lattice: license invalid")

	// ErrCorrupt indicates the store or WAL file failed validation in a way
	// that is not explained by a concurrent writer (rebuild-class).
	ErrCorrupt = errors.New("lattice: corrupt")

	// ErrIncompatible indicates a store file written by an incompatible
	// major version, or with a slot size other than NodeRecordSize.
	ErrIncompatible = errors.New("lattice: incompatible format")

	// ErrBusy is returned by readers that exceed their seqlock retry budget
	// while a writer holds the generation counter. Transient: callers should
	// back off and retry.
	ErrBusy = errors.New("lattice: busy")

	// ErrTimeout is returned by a writer that exceeds its spin budget
	// acquiring the generation counter. WaitFlushed takes no deadline and
	// never returns it. The store's state machine is left unmodified.
	ErrTimeout = errors.New("lattice: timeout")

	// ErrClosed is returned by any operation on a Lattice or Store after Close.
	ErrClosed = errors.New("lattice: closed")

	// ErrWriterConflict is returned when a second writer attempts to acquire
	// the writer role on a store file another writer already holds, whether
	// in this process or another.
	ErrWriterConflict = errors.New("lattice: writer conflict")

	// ErrWALCorrupt indicates the WAL failed header or entry validation.
	ErrWALCorrupt = errors.New("lattice: wal corrupt")
)
