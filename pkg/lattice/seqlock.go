package lattice

import (
	"sync/atomic"
	"time"
)

// seqlock is the single-writer/multi-reader synchronization primitive
// described in spec §4.2. The generation counter lives purely in process
// memory (it is never persisted): each process that opens a store starts its
// own generation at zero, because only one process is ever the writer for a
// given file at a time.
type seqlock struct {
	generation atomic.Uint64
}

const (
	readerMaxRetries  = 64
	readerInitialWait = time.Microsecond
	readerMaxWait     = time.Millisecond

	writerMaxSpins = 1 << 20
)

// readerRetry implements the reader side of the protocol: snapshot, read,
// revalidate. fn is called with the snapshot sequence and must return
// whether the read it just performed should be trusted structurally (e.g. it
// saw internally consistent lengths); readerRetry itself only handles the
// seqlock overlap detection, not structural validation.
//
// fn may be invoked more than once; it must be idempotent and side-effect
// free beyond populating its own output.
func (s *seqlock) readerRetry(fn func(snapshot uint64) bool) (snapshot uint64, err error) {
	wait := readerInitialWait

	for attempt := 0; attempt < readerMaxRetries; attempt++ {
		seq := s.generation.Load()
		if seq%2 == 1 {
			// Writer active: back off and retry without even attempting fn.
			time.Sleep(wait)
			wait = backoff(wait)
			continue
		}

		if !fn(seq) {
			time.Sleep(wait)
			wait = backoff(wait)
			continue
		}

		if s.generation.Load() != seq {
			// Writer ran concurrently with our read; retry from scratch.
			continue
		}

		return seq, nil
	}

	return 0, ErrBusy
}

func backoff(d time.Duration) time.Duration {
	d *= 2
	if d > readerMaxWait {
		return readerMaxWait
	}
	return d
}

// writerAcquire spins until the generation is even, then CASes it to odd,
// marking a write in progress. Returns the pre-increment (even) sequence.
func (s *seqlock) writerAcquire() (uint64, error) {
	for spins := 0; spins < writerMaxSpins; spins++ {
		seq := s.generation.Load()
		if seq%2 != 0 {
			continue
		}
		if s.generation.CompareAndSwap(seq, seq+1) {
			return seq, nil
		}
	}
	return 0, ErrTimeout
}

// writerRelease publishes the write by storing the next even generation.
func (s *seqlock) writerRelease() {
	s.generation.Add(1)
}

// Load returns the current generation without participating in the
// read/retry protocol. Useful for reporting "the version as of now" to a
// caller that does not need to read node data atomically with it.
func (s *seqlock) Load() uint64 {
	return s.generation.Load()
}
