package lattice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	latticefs "github.com/latticedb/lattice/pkg/fs"
)

// Locking architecture (spec §4.2, §5, §9: single-writer is constitutional,
// enforcement is advisory):
//
//  1. Lattice.stateMu — per-handle open/closed state.
//  2. registryEntry.mu — per-file in-process guard around Open/Close
//     bookkeeping (activeWriter, openCount), not around individual reads or
//     writes to the mapping itself. Needed because the cross-process lock
//     below is per-process: two handles in one process would otherwise race
//     on the same registry entry when opening or closing concurrently.
//  3. cross-process writer lock — advisory lock file at path+".lock",
//     acquired only by the writer for the lifetime of the Lattice handle.
//  4. the seqlock generation counter (seqlock.go) — lets readers validate
//     that they did not race a write at the byte level.
//
// Acquisition order in Open: cross-process lock -> registryEntry.mu;
// Lattice.stateMu is never held while taking either.

var fileLocker = latticefs.NewLocker(latticefs.NewReal())

var fileRegistry sync.Map // map[fileIdentity]*fileRegistryEntry

type fileIdentity struct {
	dev uint64
	ino uint64
}

// fileRegistryEntry coordinates all Lattice handles in this process backed
// by the same file.
type fileRegistryEntry struct {
	mu           sync.RWMutex
	activeWriter *Lattice
	openCount    atomic.Int32
}

func tryAcquireCrossProcessWriteLock(path string) (*latticefs.Lock, error) {
	lk, err := fileLocker.TryLock(path + ".lock")
	if err != nil {
		if errors.Is(err, latticefs.ErrWouldBlock) {
			return nil, ErrWriterConflict
		}
		return nil, fmt.Errorf("%w: acquire writer lock: %v", ErrIO, err)
	}
	return lk, nil
}

func releaseCrossProcessWriteLock(lk *latticefs.Lock) {
	if lk == nil {
		return
	}
	_ = lk.Close()
}

func getOrCreateRegistryEntry(id fileIdentity) *fileRegistryEntry {
	for {
		if val, loaded := fileRegistry.Load(id); loaded {
			entry := val.(*fileRegistryEntry)
			for {
				old := entry.openCount.Load()
				if old <= 0 {
					break
				}
				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}
		}

		entry := &fileRegistryEntry{}
		entry.openCount.Store(1)

		if _, loaded := fileRegistry.LoadOrStore(id, entry); !loaded {
			return entry
		}
	}
}

func releaseRegistryEntry(id fileIdentity) {
	val, ok := fileRegistry.Load(id)
	if !ok {
		return
	}
	entry := val.(*fileRegistryEntry)
	if entry.openCount.Add(-1) <= 0 {
		fileRegistry.CompareAndDelete(id, entry)
	}
}
