package lattice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Write-ahead log on-disk format (spec §6, external interface):
//
//	header (24 bytes, little-endian):
//	  offset 0   4   magic "WAL0"
//	  offset 4   4   version
//	  offset 8   8   checkpointed_sequence
//	  offset 16  8   next_sequence
//
//	entries, each little-endian:
//	  8   sequence
//	  4   op
//	  8   node_id
//	  4   data_len
//	  data_len bytes of payload
const (
	walMagic   = "WAL0"
	walVersion = uint32(1)

	walHeaderSize = 24

	offWALMagic       = 0
	offWALVersion     = 4
	offWALCheckptSeq  = 8
	offWALNextSeq     = 16

	walEntryFixedSize = 8 + 4 + 8 + 4 // seq + op + node_id + data_len
)

type walOp uint32

const (
	walOpAddNode walOp = iota + 1
	walOpUpdateNode
	walOpDeleteNode
	walOpAddChild
	walOpCheckpointMarker
)

// walApplyFns routes recovered/live entries to the node store, one callback
// per op code. recovering is true during Open's recovery pass; the add-node
// and add-child appliers use it to leave alone a record or a child that
// already reached the store before the restart.
type walApplyFns struct {
	AddNode    func(nodeID NodeID, payload []byte, recovering bool) error
	UpdateNode func(nodeID NodeID, payload []byte, recovering bool) error
	DeleteNode func(nodeID NodeID, recovering bool) error
	AddChild   func(parentID NodeID, payload []byte, recovering bool) error
}

// WALOptions sets the bounds and rate window of the flusher's batch-size
// tracking (spec §4.3). The tracked size does not limit how many entries a
// flush writes; see flushLoop.
type WALOptions struct {
	MinBatchEntries int           // default 1
	MaxBatchEntries int           // default 256
	RateWindow      time.Duration // default 1s
}

func (o WALOptions) withDefaults() WALOptions {
	if o.MinBatchEntries <= 0 {
		o.MinBatchEntries = 1
	}
	if o.MaxBatchEntries <= 0 {
		o.MaxBatchEntries = 256
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Second
	}
	return o
}

type walRequest struct {
	seq     uint64
	op      walOp
	nodeID  NodeID
	payload []byte
}

// wal is the append-only log. The writer (through Lattice) calls Append
// synchronously; a background goroutine (flusher) batches pending requests
// and fsyncs them, then publishes durableSeq so WaitFlushed callers can wake.
type wal struct {
	path string
	file *os.File
	opts WALOptions

	mu              sync.Mutex // guards the fields below and the request queue
	checkpointedSeq uint64
	nextSeq         uint64
	pending         []walRequest
	cond            *sync.Cond // signaled on new pending entries and on stop

	durableSeq atomic.Uint64

	// rate tracking for adaptive batching
	windowStart  time.Time
	windowCount  int
	currentBatch int

	stop     atomic.Bool
	flushed  chan struct{} // closed+replaced each time a flush round completes, to wake WaitFlushed
	flushedMu sync.Mutex

	wg sync.WaitGroup
}

func openOrCreateWAL(path string, opts WALOptions) (*wal, error) {
	opts = opts.withDefaults()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal %s: %v", ErrIO, path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat wal: %v", ErrIO, err)
	}

	w := &wal{path: path, file: f, opts: opts, currentBatch: opts.MinBatchEntries}
	w.cond = sync.NewCond(&w.mu)
	w.flushed = make(chan struct{})

	if fi.Size() == 0 {
		w.nextSeq = 1
		w.checkpointedSeq = 0
		if err := w.writeHeaderLocked(); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: fsync new wal: %v", ErrIO, err)
		}
	} else {
		hdr := make([]byte, walHeaderSize)
		if _, err := f.ReadAt(hdr, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: read wal header: %v", ErrWALCorrupt, err)
		}
		if string(hdr[offWALMagic:offWALMagic+4]) != walMagic {
			_ = f.Close()
			return nil, fmt.Errorf("%w: bad wal magic", ErrWALCorrupt)
		}
		w.checkpointedSeq = binary.LittleEndian.Uint64(hdr[offWALCheckptSeq:])
		w.nextSeq = binary.LittleEndian.Uint64(hdr[offWALNextSeq:])
		if w.nextSeq == 0 {
			w.nextSeq = 1
		}
	}

	w.durableSeq.Store(w.checkpointedSeq)
	w.windowStart = timeNow()

	w.wg.Add(1)
	go w.flushLoop()

	return w, nil
}

// recover replays entries whose sequence exceeds checkpointedSeq, applying
// each through fns with recovering set. Replaying an op whose effect already
// reached the store changes nothing: add-node and update-node rewrite the
// node's slot with the logged values, an add-child whose child is already in
// the parent's inline slice is skipped, and an op whose target node is no
// longer live (a later entry deleted it) is skipped.
//
// A malformed or short entry terminates the scan; everything from that point
// on is treated as torn-write garbage and the WAL is truncated to the last
// intact boundary (spec §4.3, §7).
func (w *wal) recover(fns walApplyFns) (lostEntries int, err error) {
	off := int64(walHeaderSize)
	maxSeq := w.checkpointedSeq
	var lastGoodOffset = off

	for {
		entry, entryLen, ok, readErr := w.readEntryAt(off)
		if readErr != nil {
			return 0, readErr
		}
		if !ok {
			break
		}

		if entry.seq <= w.checkpointedSeq {
			off += entryLen
			lastGoodOffset = off
			continue
		}
		if entry.seq != maxSeq+1 {
			// Non-monotonic sequence: torn write, stop here.
			break
		}

		if err := w.applyEntry(entry, fns, true); err != nil {
			// ErrNotFound: a later entry, already reflected in the store,
			// deleted the target, so this op has nothing left to change.
			if !errors.Is(err, ErrNotFound) {
				return 0, err
			}
		}

		maxSeq = entry.seq
		off += entryLen
		lastGoodOffset = off
	}

	fi, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat wal: %v", ErrIO, err)
	}
	if fi.Size() > lastGoodOffset {
		lostEntries = 1 // at least one torn/garbage entry truncated; exact count not tracked
		if err := platformTruncateAndFinalize(w.file, lastGoodOffset); err != nil {
			return 0, err
		}
	}

	if maxSeq+1 > w.nextSeq {
		w.nextSeq = maxSeq + 1
	}
	w.durableSeq.Store(maxSeq)

	return lostEntries, nil
}

func (w *wal) applyEntry(e walRequest, fns walApplyFns, recovering bool) error {
	switch e.op {
	case walOpAddNode:
		return fns.AddNode(e.nodeID, e.payload, recovering)
	case walOpUpdateNode:
		return fns.UpdateNode(e.nodeID, e.payload, recovering)
	case walOpDeleteNode:
		return fns.DeleteNode(e.nodeID, recovering)
	case walOpAddChild:
		return fns.AddChild(e.nodeID, e.payload, recovering)
	case walOpCheckpointMarker:
		return nil
	default:
		return fmt.Errorf("%w: unknown wal op %d", ErrWALCorrupt, e.op)
	}
}

// readEntryAt reads one entry at a byte offset. ok=false with err=nil means
// "no more well-formed entries here" (EOF or a header straddling EOF), which
// callers treat as the torn-write boundary, not a hard error.
func (w *wal) readEntryAt(off int64) (entry walRequest, entryLen int64, ok bool, err error) {
	fixed := make([]byte, walEntryFixedSize)
	n, readErr := w.file.ReadAt(fixed, off)
	if n < walEntryFixedSize {
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return walRequest{}, 0, false, fmt.Errorf("%w: read wal entry: %v", ErrIO, readErr)
		}
		return walRequest{}, 0, false, nil
	}

	seq := binary.LittleEndian.Uint64(fixed[0:])
	op := walOp(binary.LittleEndian.Uint32(fixed[8:]))
	nodeID := NodeID(binary.LittleEndian.Uint64(fixed[12:]))
	dataLen := binary.LittleEndian.Uint32(fixed[20:])

	if dataLen > maxWALEntryDataLen {
		return walRequest{}, 0, false, nil
	}

	payload := make([]byte, dataLen)
	if dataLen > 0 {
		pn, _ := w.file.ReadAt(payload, off+walEntryFixedSize)
		if pn < int(dataLen) {
			return walRequest{}, 0, false, nil
		}
	}

	return walRequest{seq: seq, op: op, nodeID: nodeID, payload: payload}, walEntryFixedSize + int64(dataLen), true, nil
}

// Append assigns the next sequence number and enqueues the entry for the
// background flusher. It does not block for durability; callers that need a
// durability guarantee call WaitFlushed(seq) afterward (spec §4.4.5: "every
// mutation the caller elected to perform durably must be followed by
// wait_flushed").
func (w *wal) Append(op walOp, nodeID NodeID, payload []byte) (uint64, error) {
	if len(payload) > maxWALEntryDataLen {
		return 0, fmt.Errorf("%w: wal payload too large", ErrInvalidNode)
	}

	w.mu.Lock()
	seq := w.nextSeq
	w.nextSeq++
	w.pending = append(w.pending, walRequest{seq: seq, op: op, nodeID: nodeID, payload: payload})
	w.cond.Signal()
	w.mu.Unlock()

	return seq, nil
}

// Flush blocks until all currently-enqueued entries are durable.
func (w *wal) Flush() error {
	w.mu.Lock()
	target := w.nextSeq - 1
	w.mu.Unlock()
	return w.WaitFlushed(target)
}

// WaitFlushed blocks until the flusher has fsynced at least sequence.
func (w *wal) WaitFlushed(sequence uint64) error {
	if sequence == 0 {
		return nil
	}
	for {
		// Take the channel before checking durableSeq, so a flush that
		// completes between the check and the wait still closes it.
		ch := w.waitChan()
		if w.durableSeq.Load() >= sequence {
			return nil
		}
		if w.stop.Load() {
			return fmt.Errorf("%w: wal flusher stopped", ErrIO)
		}
		w.mu.Lock()
		w.cond.Signal()
		w.mu.Unlock()
		<-ch
	}
}

func (w *wal) waitChan() <-chan struct{} {
	w.flushedMu.Lock()
	defer w.flushedMu.Unlock()
	return w.flushed
}

func (w *wal) notifyFlushed() {
	w.flushedMu.Lock()
	close(w.flushed)
	w.flushed = make(chan struct{})
	w.flushedMu.Unlock()
}

// flushLoop is the background flusher thread (spec §5). It sleeps on w.cond
// until Append, WaitFlushed or Close signals it, then writes and fsyncs every
// pending entry as one batch; the ticker below is never read. adaptBatchSize
// tracks a target batch size from the write rate over opts.RateWindow
// (doubling above 1000 entries/s up to MaxBatchEntries, halving below 100
// down to MinBatchEntries), but nothing reads currentBatch: a batch is
// always the whole pending queue.
func (w *wal) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		w.mu.Lock()
		for len(w.pending) == 0 && !w.stop.Load() {
			w.cond.Wait()
		}
		if len(w.pending) == 0 && w.stop.Load() {
			w.mu.Unlock()
			return
		}

		batch := w.pending
		w.pending = nil
		w.mu.Unlock()

		if err := w.writeAndSyncBatch(batch); err != nil {
			// Best effort: there is no caller to report this to directly;
			// WaitFlushed callers will observe durableSeq not advancing and
			// eventually see the stop flag if Close is subsequently called.
			continue
		}

		w.adaptBatchSize(len(batch))
		w.notifyFlushed()

		if w.stop.Load() {
			w.mu.Lock()
			drained := len(w.pending) == 0
			w.mu.Unlock()
			if drained {
				return
			}
		}
	}
}

func (w *wal) writeAndSyncBatch(batch []walRequest) error {
	if len(batch) == 0 {
		return nil
	}

	fi, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat wal: %v", ErrIO, err)
	}
	off := fi.Size()

	buf := make([]byte, 0, walEntryFixedSize*len(batch))
	for _, e := range batch {
		var fixed [walEntryFixedSize]byte
		binary.LittleEndian.PutUint64(fixed[0:], e.seq)
		binary.LittleEndian.PutUint32(fixed[8:], uint32(e.op))
		binary.LittleEndian.PutUint64(fixed[12:], uint64(e.nodeID))
		binary.LittleEndian.PutUint32(fixed[20:], uint32(len(e.payload)))
		buf = append(buf, fixed[:]...)
		buf = append(buf, e.payload...)
	}

	if _, err := w.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: write wal entries: %v", ErrIO, err)
	}

	// The header's next_sequence is rewritten after the entry bodies and
	// before the single fsync that makes both durable. next_sequence only
	// grows; recovery itself scans until the first entry that is not well
	// formed.
	w.mu.Lock()
	maxSeq := batch[len(batch)-1].seq
	if maxSeq+1 > w.nextSeq {
		w.nextSeq = maxSeq + 1
	}
	nextSeq := w.nextSeq
	checkptSeq := w.checkpointedSeq
	w.mu.Unlock()

	hdr := make([]byte, walHeaderSize)
	copy(hdr[offWALMagic:], walMagic)
	binary.LittleEndian.PutUint32(hdr[offWALVersion:], walVersion)
	binary.LittleEndian.PutUint64(hdr[offWALCheckptSeq:], checkptSeq)
	binary.LittleEndian.PutUint64(hdr[offWALNextSeq:], nextSeq)
	if _, err := w.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: write wal header: %v", ErrIO, err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync wal: %v", ErrIO, err)
	}

	w.durableSeq.Store(maxSeq)

	return nil
}

func (w *wal) writeHeaderLocked() error {
	hdr := make([]byte, walHeaderSize)
	copy(hdr[offWALMagic:], walMagic)
	binary.LittleEndian.PutUint32(hdr[offWALVersion:], walVersion)
	binary.LittleEndian.PutUint64(hdr[offWALCheckptSeq:], w.checkpointedSeq)
	binary.LittleEndian.PutUint64(hdr[offWALNextSeq:], w.nextSeq)
	_, err := w.file.WriteAt(hdr, 0)
	return err
}

func (w *wal) adaptBatchSize(lastBatchLen int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.windowCount += lastBatchLen
	if elapsed := timeSince(w.windowStart); elapsed >= w.opts.RateWindow {
		rate := float64(w.windowCount) / elapsed.Seconds()
		switch {
		case rate > 1000:
			w.currentBatch = min(w.currentBatch*2, w.opts.MaxBatchEntries)
		case rate < 100:
			w.currentBatch = max(w.currentBatch/2, w.opts.MinBatchEntries)
		}
		w.windowCount = 0
		w.windowStart = timeNow()
	}
}

// Checkpoint records checkpointedSeq = current durable sequence, durably
// syncs the header, then truncates the log back to just the header (spec
// §4.3, §4.4.6).
func (w *wal) Checkpoint() error {
	if err := w.Flush(); err != nil {
		return err
	}

	w.mu.Lock()
	w.checkpointedSeq = w.nextSeq - 1
	seq := w.checkpointedSeq
	next := w.nextSeq
	w.mu.Unlock()

	hdr := make([]byte, walHeaderSize)
	copy(hdr[offWALMagic:], walMagic)
	binary.LittleEndian.PutUint32(hdr[offWALVersion:], walVersion)
	binary.LittleEndian.PutUint64(hdr[offWALCheckptSeq:], seq)
	binary.LittleEndian.PutUint64(hdr[offWALNextSeq:], next)
	if _, err := w.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: write checkpoint header: %v", ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync checkpoint header: %v", ErrIO, err)
	}

	if err := platformTruncateAndFinalize(w.file, walHeaderSize); err != nil {
		return err
	}

	return nil
}

func (w *wal) Close() error {
	w.stop.Store(true)
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
	w.wg.Wait()
	w.notifyFlushed()
	return w.file.Close()
}

func timeNow() time.Time                  { return time.Now() }
func timeSince(t time.Time) time.Duration { return time.Since(t) }
