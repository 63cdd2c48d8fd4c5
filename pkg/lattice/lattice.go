package lattice

import (
	"fmt"
	"slices"
	"sync"
	"time"

	latticefs "github.com/latticedb/lattice/pkg/fs"
)

// storeState is the state machine from spec §4.6:
// Uninitialised -> Opening -> Open -> Checkpointing -> Open -> Closing -> Closed.
type storeState int32

const (
	stateUninitialised storeState = iota
	stateOpening
	stateOpen
	stateCheckpointing
	stateClosing
	stateClosed
)

// Lattice is a handle to one open store file + its WAL. Exactly one Lattice
// may be open on a given file at a time, in this process or any other (spec
// §4.6: "concurrent opens of the same file are not supported"); a second
// Open call on the same file returns ErrWriterConflict.
//
// All methods are safe to call concurrently from multiple goroutines. Reads
// (Get, GetBinary, FindByPrefix) do not take the writer role; they use the
// seqlock read protocol in seqlock.go, plus the short-held state mutex every
// method checks, the prefix index's read lock (FindByPrefix) and, in
// ModeRAMCache, the access tracker's mutex. Writes (Add, Update, Delete, AddChild,
// ReserveIDs, Checkpoint) serialize against each other via the same seqlock's
// compare-and-swap, which is what makes "exactly one writer" hold even when
// multiple goroutines call a mutating method concurrently.
type Lattice struct {
	path string

	seq   seqlock
	store *nodeStore
	wal   *wal
	idx   *prefixIndex
	tier  *tierCache
	nodeCap int

	debugValidatePrefixIndex bool

	identity      fileIdentity
	registryEntry *fileRegistryEntry
	crossProcLock *latticefs.Lock

	stateMu sync.Mutex
	state   storeState
}

// Open opens or creates the store file and its WAL at path (and
// path+".wal"), replaying any uncheckpointed WAL entries before returning.
func Open(path string, opts Options) (*Lattice, error) {
	if path == "" {
		return nil, ErrNullArgument
	}

	lat := &Lattice{path: path, state: stateOpening}

	crossLock, err := tryAcquireCrossProcessWriteLock(path)
	if err != nil {
		return nil, err
	}

	store, _, err := openOrCreateNodeStore(path, opts)
	if err != nil {
		releaseCrossProcessWriteLock(crossLock)
		return nil, err
	}

	identity, err := getFileIdentity(int(store.file.Fd()))
	if err != nil {
		_ = store.close()
		releaseCrossProcessWriteLock(crossLock)
		return nil, err
	}

	entry := getOrCreateRegistryEntry(identity)
	entry.mu.Lock()
	if entry.activeWriter != nil {
		entry.mu.Unlock()
		releaseRegistryEntry(identity)
		_ = store.close()
		releaseCrossProcessWriteLock(crossLock)
		return nil, ErrWriterConflict
	}
	entry.activeWriter = lat
	entry.mu.Unlock()

	w, err := openOrCreateWAL(path+".wal", opts.WAL)
	if err != nil {
		releaseRegistryEntry(identity)
		_ = store.close()
		releaseCrossProcessWriteLock(crossLock)
		return nil, err
	}

	lat.store = store
	lat.wal = w
	lat.idx = newPrefixIndex()
	lat.tier = newTierCache(path)
	lat.debugValidatePrefixIndex = opts.DebugValidatePrefixIndex
	lat.identity = identity
	lat.registryEntry = entry
	lat.crossProcLock = crossLock

	if _, err := w.recover(lat.walApplyFns()); err != nil {
		_ = lat.Close()
		return nil, err
	}

	lat.idx.rebuild(func(yield func(id NodeID, name string)) {
		store.forEachLive(func(n Node, _ []byte) bool {
			yield(n.ID, n.Name)
			return true
		})
	})

	nodeCap, err := resolveNodeCap(opts, lat.tier)
	if err != nil {
		_ = lat.Close()
		return nil, err
	}
	lat.nodeCap = nodeCap

	lat.setState(stateOpen)

	return lat, nil
}

func (l *Lattice) walApplyFns() walApplyFns {
	return walApplyFns{
		AddNode: func(id NodeID, payload []byte, recovering bool) error {
			n, raw, err := decodeWALAddPayload(id, payload)
			if err != nil {
				return err
			}
			if slot, ok := l.store.slotForID(id); ok && recovering {
				// The record reached the store before the restart: rewrite
				// it in place rather than appending a second copy.
				return encodeSlot(l.store.slotBuf(slot), &n, raw)
			}
			return l.store.applyAdd(n, raw)
		},
		UpdateNode: func(id NodeID, payload []byte, recovering bool) error {
			if len(payload) < 8 {
				return fmt.Errorf("%w: update-node payload too short", ErrWALCorrupt)
			}
			ts := int64(readUint64(payload, 0))
			raw := payload[8:]
			return l.store.applyUpdate(id, raw, ts)
		},
		DeleteNode: func(id NodeID, recovering bool) error {
			return l.store.applyDelete(id)
		},
		AddChild: func(parentID NodeID, payload []byte, recovering bool) error {
			if len(payload) < 8 {
				return fmt.Errorf("%w: add-child payload too short", ErrWALCorrupt)
			}
			childID := NodeID(readUint64(payload, 0))
			if recovering {
				// A child already in the parent's inline slice was applied
				// before the restart.
				if parent, _, ok := l.store.readNode(parentID); ok && slices.Contains(parent.Children, childID) {
					return nil
				}
			}
			return l.store.applyAddChild(parentID, childID)
		},
	}
}

func (l *Lattice) setState(s storeState) {
	l.stateMu.Lock()
	l.state = s
	l.stateMu.Unlock()
}

func (l *Lattice) checkOpen() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.state != stateOpen && l.state != stateCheckpointing {
		return ErrClosed
	}
	return nil
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

// Add allocates an id, appends a WAL add-node entry, applies it to the
// store, and registers the node's name in the prefix index (spec §4.4.5).
// durable selects whether Add blocks until the WAL entry is fsynced before
// returning (spec §4.4.5: "every mutation the caller elected to perform
// durably must be followed by wait_flushed").
func (l *Lattice) Add(typ NodeType, name string, data []byte, parentID NodeID, durable bool) (NodeID, error) {
	return l.add(typ, name, data, parentID, false, durable)
}

// AddBinary is the binary-safe variant of Add: data is framed with the
// 2-byte length header instead of NUL-terminated text (spec §4.4.3, §4.6).
func (l *Lattice) AddBinary(typ NodeType, name string, data []byte, parentID NodeID, durable bool) (NodeID, error) {
	return l.add(typ, name, data, parentID, true, durable)
}

func (l *Lattice) add(typ NodeType, name string, data []byte, parentID NodeID, asBinary, durable bool) (NodeID, error) {
	if err := l.checkOpen(); err != nil {
		return 0, err
	}
	if name == "" {
		return 0, ErrNullArgument
	}
	if len(name) > MaxNameLen {
		return 0, fmt.Errorf("%w: name exceeds %d bytes", ErrInvalidNode, MaxNameLen)
	}
	if !typ.valid() {
		return 0, fmt.Errorf("%w: unknown type %d", ErrInvalidNode, typ)
	}

	var rawData []byte
	var err error
	if asBinary {
		rawData, err = encodeBinary(data)
	} else {
		rawData, err = encodeText(string(data))
	}
	if err != nil {
		return 0, err
	}

	if _, werr := l.seq.writerAcquire(); werr != nil {
		return 0, werr
	}
	defer l.seq.writerRelease()

	if err := checkQuota(l.store.totalNodes, l.nodeCap); err != nil {
		return 0, err
	}

	local, err := l.store.allocateLocalID()
	if err != nil {
		return 0, err
	}
	id := ComposeID(l.store.deviceID, local)

	n := Node{
		ID:              id,
		Type:            typ,
		Name:            name,
		ParentID:        parentID,
		Confidence:      0,
		TimestampMicros: nowMicros(),
	}

	seqNum, err := l.wal.Append(walOpAddNode, id, encodeWALAddPayload(n, rawData))
	if err != nil {
		return 0, err
	}

	if err := l.store.applyAdd(n, rawData); err != nil {
		return 0, err
	}
	l.idx.insert(id, name)

	if durable {
		if err := l.wal.WaitFlushed(seqNum); err != nil {
			return id, err
		}
	}

	return id, nil
}

// Update overwrites a node's data slot and bumps its timestamp.
func (l *Lattice) Update(id NodeID, data []byte, durable bool) error {
	return l.update(id, data, false, durable)
}

// UpdateBinary is the binary-safe variant of Update.
func (l *Lattice) UpdateBinary(id NodeID, data []byte, durable bool) error {
	return l.update(id, data, true, durable)
}

func (l *Lattice) update(id NodeID, data []byte, asBinary, durable bool) error {
	if err := l.checkOpen(); err != nil {
		return err
	}

	var rawData []byte
	var err error
	if asBinary {
		rawData, err = encodeBinary(data)
	} else {
		rawData, err = encodeText(string(data))
	}
	if err != nil {
		return err
	}

	if _, werr := l.seq.writerAcquire(); werr != nil {
		return werr
	}
	defer l.seq.writerRelease()

	if _, ok := l.store.slotForID(id); !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	ts := nowMicros()
	payload := make([]byte, 8+len(rawData))
	putUint64At(payload, 0, uint64(ts))
	copy(payload[8:], rawData)

	seqNum, err := l.wal.Append(walOpUpdateNode, id, payload)
	if err != nil {
		return err
	}

	if err := l.store.applyUpdate(id, rawData, ts); err != nil {
		return err
	}

	if durable {
		return l.wal.WaitFlushed(seqNum)
	}
	return nil
}

// Delete tombstones a node: it is removed from the reverse map and the
// prefix index, but its slot is not reclaimed until offline compaction
// (spec §4.4.5).
func (l *Lattice) Delete(id NodeID, durable bool) error {
	if err := l.checkOpen(); err != nil {
		return err
	}

	if _, werr := l.seq.writerAcquire(); werr != nil {
		return werr
	}
	defer l.seq.writerRelease()

	n, _, ok := l.store.readNode(id)
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}

	seqNum, err := l.wal.Append(walOpDeleteNode, id, nil)
	if err != nil {
		return err
	}

	if err := l.store.applyDelete(id); err != nil {
		return err
	}
	l.idx.remove(id, n.Name)

	if durable {
		return l.wal.WaitFlushed(seqNum)
	}
	return nil
}

// AddChild appends childID to parentID's inline children slice. Overflow
// beyond the inline capacity is silently capped; the name-convention
// relationship between nodes remains authoritative either way (spec §4.4.5,
// §9).
func (l *Lattice) AddChild(parentID, childID NodeID, durable bool) error {
	if err := l.checkOpen(); err != nil {
		return err
	}

	if _, werr := l.seq.writerAcquire(); werr != nil {
		return werr
	}
	defer l.seq.writerRelease()

	if _, ok := l.store.slotForID(parentID); !ok {
		return fmt.Errorf("%w: parent id %s", ErrNotFound, parentID)
	}

	payload := make([]byte, 8)
	putUint64At(payload, 0, uint64(childID))

	seqNum, err := l.wal.Append(walOpAddChild, parentID, payload)
	if err != nil {
		return err
	}

	if err := l.store.applyAddChild(parentID, childID); err != nil {
		return err
	}

	if durable {
		return l.wal.WaitFlushed(seqNum)
	}
	return nil
}

// ReserveIDs pre-reserves a contiguous range of n local ids (spec §4.4.1);
// Add never hands out an id reserved earlier in the same session.
// Reservation is not durable: the allocator's position reaches the store
// header only when a later add or delete rewrites it, so after a reopen that
// follows a reservation with no such write, Add can issue the reserved ids
// again.
func (l *Lattice) ReserveIDs(n uint32) (first NodeID, err error) {
	if err := l.checkOpen(); err != nil {
		return 0, err
	}
	if _, werr := l.seq.writerAcquire(); werr != nil {
		return 0, werr
	}
	defer l.seq.writerRelease()

	local, err := l.store.reserveLocalIDBlock(n)
	if err != nil {
		return 0, err
	}
	return ComposeID(l.store.deviceID, local), nil
}

// Get returns a copy of the live node named by id (spec §4.6: snapshot read).
// Get is the text API: Data is the node's data field up to its first zero
// byte, and Binary is always false. Reading a payload written through
// AddBinary/UpdateBinary is not an error (spec §4.4.3), but Data then starts
// with the 2-byte length header and stops at the first zero byte of the
// field, and TextReadWarning is set. The warning comes from the looksBinary
// heuristic, so some short text payloads (for example one of zero or one
// byte) set it too. Callers that wrote binary data and want it back whole
// must use GetBinary instead.
func (l *Lattice) Get(id NodeID) (Node, error) {
	if err := l.checkOpen(); err != nil {
		return Node{}, err
	}

	var result Node
	var found bool

	_, err := l.seq.readerRetry(func(uint64) bool {
		n, raw, ok := l.store.readNode(id)
		if !ok {
			found = false
			return true
		}
		text, warn := decodeAsText(raw)
		n.Data = append([]byte(nil), text...)
		n.Binary = false
		n.Compressed = false
		n.CompressionType = 0
		n.TextReadWarning = warn
		result = n
		found = true
		return true
	})
	if err != nil {
		return Node{}, err
	}
	if !found {
		return Node{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return result, nil
}

// BinaryValue is the result of GetBinary: the data field decoded as binary
// framing. Binary is always true: the store records no per-node mode, so a
// node written through the text API comes back with its first two bytes read
// as a length header.
type BinaryValue struct {
	Data   []byte
	Binary bool
}

// GetBinary returns the node's raw payload bytes and length/binary flag
// without the text NUL-termination assumption (spec §4.6).
func (l *Lattice) GetBinary(id NodeID) (BinaryValue, error) {
	if err := l.checkOpen(); err != nil {
		return BinaryValue{}, err
	}

	var result BinaryValue
	var found bool

	_, err := l.seq.readerRetry(func(uint64) bool {
		_, raw, ok := l.store.readNode(id)
		if !ok {
			found = false
			return true
		}
		decoded := decodePayload(raw, true)
		result = BinaryValue{Data: append([]byte(nil), decoded.data...), Binary: true}
		found = true
		return true
	})
	if err != nil {
		return BinaryValue{}, err
	}
	if !found {
		return BinaryValue{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	return result, nil
}

// FindByPrefix returns ids of live nodes whose name starts with prefix,
// narrowed by filters, in a deterministic (but not semantically meaningful)
// order, bounded by limit (0 means unbounded) (spec §4.5).
func (l *Lattice) FindByPrefix(prefix string, limit int, filters Filters) ([]NodeID, error) {
	if err := l.checkOpen(); err != nil {
		return nil, err
	}

	var out []NodeID

	_, err := l.seq.readerRetry(func(uint64) bool {
		candidates := l.idx.find(prefix, 0) // filters applied below, in the same pass

		if l.debugValidatePrefixIndex {
			if exact, ok := l.idx.findExactToken(prefix); ok {
				if !sameIDSet(exact, candidates) {
					panic("lattice: prefix catalogues disagree for " + prefix)
				}
			}
		}

		out = out[:0]
		for _, id := range candidates {
			n, _, ok := l.store.readNode(id)
			if !ok {
				continue
			}
			if !filters.matches(&n) {
				continue
			}
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	return append([]NodeID(nil), out...), nil
}

func sameIDSet(a, b []NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[NodeID]int, len(a))
	for _, id := range a {
		seen[id]++
	}
	for _, id := range b {
		seen[id]--
	}
	for _, c := range seen {
		if c != 0 {
			return false
		}
	}
	return true
}

// AddLarge stores a payload larger than a single node's data slot as a chain
// of nodes (spec §4.4.4): one chunk-header node named "CHUNKED:<name>"
// recording the total length and chunk count, followed by ordered
// "CHUNK:<header-local-id>:<index>:<total>" data nodes. A payload that
// already fits a single slot is stored directly via Add, with no header node
// created, so small writes do not pay the chunking overhead.
func (l *Lattice) AddLarge(typ NodeType, name string, data []byte, parentID NodeID, durable bool) (NodeID, error) {
	if len(data) <= MaxDataLen-1 {
		return l.Add(typ, name, data, parentID, durable)
	}

	chunks := planChunks(data)
	header := encodeChunkHeaderPayload(len(data), len(chunks))

	headerID, err := l.Add(TypeChunkHeader, chunkHeaderName(name), []byte(header), parentID, false)
	if err != nil {
		return 0, err
	}

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		chunkDurable := durable && last
		// Chunk bodies are arbitrary caller bytes, not necessarily NUL-free
		// text, so they must use the binary-framed API: Add's NUL-terminated
		// text encoding would silently truncate a chunk containing a 0x00.
		if _, err := l.AddBinary(TypeChunkData, chunkDataName(headerID.LocalID(), i, len(chunks)), chunk, headerID, chunkDurable); err != nil {
			return 0, err
		}
	}

	return headerID, nil
}

// GetLarge reassembles a chunked payload previously written with AddLarge,
// by name-based discovery of its chunk-data nodes (spec §9: the sole
// authoritative discovery path; any side-list of chunk ids in the header
// record is not consulted).
func (l *Lattice) GetLarge(headerID NodeID) ([]byte, error) {
	header, err := l.Get(headerID)
	if err != nil {
		return nil, err
	}

	totalLength, chunkCount, err := decodeChunkHeaderPayload(string(header.Data))
	if err != nil {
		return nil, err
	}

	prefix := chunkDataPrefix + fmt.Sprintf("%d:", headerID.LocalID())
	ids, err := l.FindByPrefix(prefix, 0, Filters{})
	if err != nil {
		return nil, err
	}
	if len(ids) != chunkCount {
		return nil, fmt.Errorf("%w: chunk header for %s expects %d chunks, found %d", ErrCorrupt, headerID, chunkCount, len(ids))
	}

	chunks := make([][]byte, chunkCount)
	for _, id := range ids {
		// Name is plain text (safe via Get); the chunk's own data may contain
		// embedded zero bytes and must be read through the binary API or it
		// would be truncated at the first one.
		n, err := l.Get(id)
		if err != nil {
			return nil, err
		}
		bv, err := l.GetBinary(id)
		if err != nil {
			return nil, err
		}
		_, index, _, err := parseChunkDataName(n.Name)
		if err != nil {
			return nil, err
		}
		if index < 0 || index >= chunkCount {
			return nil, fmt.Errorf("%w: chunk index %d out of range for %s", ErrCorrupt, index, headerID)
		}
		chunks[index] = bv.Data
	}

	out := make([]byte, 0, totalLength)
	for _, c := range chunks {
		out = append(out, c...)
	}
	if len(out) != totalLength {
		return nil, fmt.Errorf("%w: reassembled %d bytes, header declares %d", ErrCorrupt, len(out), totalLength)
	}
	return out, nil
}

// Checkpoint flushes all WAL entries, durably syncs the mapped store file,
// writes the WAL checkpoint marker, and truncates the WAL (spec §4.4.6).
func (l *Lattice) Checkpoint() error {
	if err := l.checkOpen(); err != nil {
		return err
	}

	if _, werr := l.seq.writerAcquire(); werr != nil {
		return werr
	}
	defer l.seq.writerRelease()

	l.setState(stateCheckpointing)
	defer l.setState(stateOpen)

	if err := l.wal.Flush(); err != nil {
		return err
	}
	if err := platformDurableSync(l.store.data, l.store.file); err != nil {
		return err
	}
	if err := l.wal.Checkpoint(); err != nil {
		return err
	}

	return nil
}

// Close releases the writer role and all resources held by this handle.
func (l *Lattice) Close() error {
	l.stateMu.Lock()
	if l.state == stateClosed || l.state == stateClosing {
		l.stateMu.Unlock()
		return nil
	}
	l.state = stateClosing
	l.stateMu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if l.wal != nil {
		record(l.wal.Close())
	}
	if l.store != nil {
		record(l.store.close())
	}

	if l.registryEntry != nil {
		l.registryEntry.mu.Lock()
		if l.registryEntry.activeWriter == l {
			l.registryEntry.activeWriter = nil
		}
		l.registryEntry.mu.Unlock()
		releaseRegistryEntry(l.identity)
	}

	releaseCrossProcessWriteLock(l.crossProcLock)

	l.setState(stateClosed)

	return firstErr
}
