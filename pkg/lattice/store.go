package lattice

import (
	"container/list"
	"fmt"
	"os"
	"sync"
	"time"
)

// reverseNotPresent is the sentinel reverse-map value meaning "this local id
// has no slot" (spec §4.4.2).
const reverseNotPresent = ^uint64(0)

// nodeStore owns the mapped store file: the header, the dense slot array,
// the id allocator, and the local_id -> slot reverse map. It does not know
// about the WAL or the prefix index; callers (Lattice) are responsible for
// sequencing WAL append before calling the apply* mutators, per the
// partial-failure contract in spec §7.
type nodeStore struct {
	path string
	file *os.File

	data     []byte // mmap of the whole file: header + slots
	fileLen  int64
	slotCap  uint64 // number of slots currently addressable given fileLen

	deviceID    uint32
	nextLocalID uint32 // next id to allocate; persisted in header, advanced under writer lock
	totalNodes  uint64
	nextSlot    uint64 // append cursor: slots [0, nextSlot) are populated (live or tombstoned)

	// reverseMap[localID] -> slot index, or reverseNotPresent.
	reverseMap []uint64

	mode      CacheMode
	lru       *lruTracker // nil unless mode == ModeRAMCache
}

func openOrCreateNodeStore(path string, opts Options) (*nodeStore, bool, error) {
	initialSlots := opts.InitialSlots
	if initialSlots == 0 {
		initialSlots = 64
	}
	initialSize := int64(storeHeaderSize) + int64(initialSlots)*NodeRecordSize

	f, err := platformOpenRWCreate(path, initialSize)
	if err != nil {
		return nil, false, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, false, fmt.Errorf("%w: stat: %v", ErrIO, err)
	}

	created := fi.Size() == initialSize && isZeroHeader(f)

	ns := &nodeStore{path: path, file: f, mode: opts.Mode}
	if opts.Mode == ModeRAMCache {
		slots := opts.RAMCacheSlots
		if slots == 0 {
			slots = 4096
		}
		ns.lru = newLRUTracker(slots)
	}

	if err := ns.mapAndLoad(fi.Size()); err != nil {
		_ = f.Close()
		return nil, false, err
	}

	if created {
		ns.deviceID = opts.DeviceID
		ns.nextLocalID = 1
		ns.totalNodes = 0
		ns.nextSlot = 0
		ns.writeHeader()
		if err := platformDurableSync(ns.data, ns.file); err != nil {
			_ = ns.close()
			return nil, false, err
		}
	} else {
		hdr, err := decodeStoreHeader(ns.data)
		if err != nil {
			_ = ns.close()
			return nil, false, err
		}
		if opts.DeviceID != 0 && hdr.deviceID != 0 && opts.DeviceID != hdr.deviceID {
			// A store written by another device may be opened read-write on a
			// new device; ids remain stable across moves (spec §6). We keep
			// the persisted device id rather than overwrite it.
		}
		ns.deviceID = hdr.deviceID
		ns.nextLocalID = hdr.nextLocalID
		ns.totalNodes = hdr.totalNodes
		ns.nextSlot = (uint64(len(ns.data)) - storeHeaderSize) / NodeRecordSize
		if err := ns.rebuildReverseMapAndNextSlot(); err != nil {
			_ = ns.close()
			return nil, false, err
		}
	}

	return ns, created, nil
}

func isZeroHeader(f *os.File) bool {
	buf := make([]byte, storeHeaderSize)
	n, _ := f.ReadAt(buf, 0)
	if n < storeHeaderSize {
		return true
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

func (ns *nodeStore) mapAndLoad(size int64) error {
	data, err := platformMapRegion(ns.file, int(size), true)
	if err != nil {
		return err
	}
	ns.data = data
	ns.fileLen = size
	ns.slotCap = (uint64(size) - storeHeaderSize) / NodeRecordSize
	return nil
}

// rebuildReverseMapAndNextSlot scans the populated slot range to reconstruct
// the reverse map, the high-water nextSlot, and to reconcile nextLocalID if
// the header is stale (spec §4.4.1: "reconstructed from the maximum observed
// id on recovery if the header is stale").
func (ns *nodeStore) rebuildReverseMapAndNextSlot() error {
	ns.ensureReverseMapCapacity(ns.nextLocalID)

	maxLocal := ns.nextLocalID - 1
	var live uint64
	var highWater uint64

	for slot := uint64(0); slot < ns.nextSlot; slot++ {
		buf := ns.slotBuf(slot)
		if buf[offNodeFlags]&flagTombstone != 0 {
			highWater = slot + 1
		}
		if slotIsTombstone(buf) {
			continue
		}
		highWater = slot + 1
		n, _, err := decodeSlot(buf)
		if err != nil {
			return err
		}
		local := n.ID.LocalID()
		ns.ensureReverseMapCapacity(local + 1)
		ns.reverseMap[local] = slot
		if local > maxLocal {
			maxLocal = local
		}
		live++
	}

	if maxLocal+1 > ns.nextLocalID {
		ns.nextLocalID = maxLocal + 1
	}
	ns.totalNodes = live
	ns.nextSlot = highWater

	return nil
}

func (ns *nodeStore) ensureReverseMapCapacity(localExclusiveUpper uint32) {
	need := int(localExclusiveUpper) + 1
	if need <= len(ns.reverseMap) {
		return
	}
	grown := make([]uint64, need)
	for i := range grown {
		grown[i] = reverseNotPresent
	}
	copy(grown, ns.reverseMap)
	for i := len(ns.reverseMap); i < len(grown); i++ {
		grown[i] = reverseNotPresent
	}
	ns.reverseMap = grown
}

func (ns *nodeStore) slotBuf(slot uint64) []byte {
	off := storeHeaderSize + slot*NodeRecordSize
	return ns.data[off : off+NodeRecordSize]
}

func (ns *nodeStore) writeHeader() {
	encodeStoreHeader(ns.data, storeHeader{
		majorVersion: storeMajorVersion,
		minorVersion: storeMinorVersion,
		deviceID:     ns.deviceID,
		nextLocalID:  ns.nextLocalID,
		totalNodes:   ns.totalNodes,
		slotSize:     NodeRecordSize,
	})
}

// allocateLocalID returns the next local id and advances the allocator. The
// caller must hold the writer role.
func (ns *nodeStore) allocateLocalID() (uint32, error) {
	if ns.nextLocalID == ^uint32(0) {
		return 0, fmt.Errorf("%w: local id space exhausted", ErrAllocationFailed)
	}
	id := ns.nextLocalID
	ns.nextLocalID++
	return id, nil
}

// reserveLocalIDBlock atomically reserves n contiguous local ids (spec
// §4.4.1 block-reservation mode): the allocator moves past the block, so
// later adds never receive these ids. No operation writes a node under a
// reserved id. Caller must hold the writer role.
func (ns *nodeStore) reserveLocalIDBlock(n uint32) (first uint32, err error) {
	if n == 0 {
		return 0, fmt.Errorf("%w: reservation size must be > 0", ErrInvalidNode)
	}
	if uint64(ns.nextLocalID)+uint64(n) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: local id space exhausted", ErrAllocationFailed)
	}
	first = ns.nextLocalID
	ns.nextLocalID += n
	return first, nil
}

// growIfNeeded ensures there is at least one free slot past nextSlot,
// unmapping/extending/remapping as required. The store never grows a file
// while it is mapped (spec §4.1): this unmaps first.
func (ns *nodeStore) growIfNeeded() error {
	if ns.nextSlot < ns.slotCap {
		return nil
	}

	newSlotCap := ns.slotCap * 2
	if newSlotCap == 0 {
		newSlotCap = 64
	}
	newSize := int64(storeHeaderSize) + int64(newSlotCap)*NodeRecordSize

	if err := platformUnmapRegion(ns.data); err != nil {
		return err
	}
	ns.data = nil

	if err := platformExtend(ns.file, newSize); err != nil {
		return err
	}

	if err := ns.mapAndLoad(newSize); err != nil {
		return err
	}

	return nil
}

// applyAdd writes a new node into the next free slot. Caller has already
// validated n and (if not recovering) already appended the corresponding WAL
// entry and holds the writer role.
func (ns *nodeStore) applyAdd(n Node, rawData []byte) error {
	if err := ns.growIfNeeded(); err != nil {
		return err
	}

	slot := ns.nextSlot
	buf := ns.slotBuf(slot)
	if err := encodeSlot(buf, &n, rawData); err != nil {
		return err
	}

	ns.nextSlot++
	ns.ensureReverseMapCapacity(n.ID.LocalID() + 1)
	ns.reverseMap[n.ID.LocalID()] = slot
	ns.totalNodes++
	ns.writeHeader()

	if ns.lru != nil {
		ns.lru.touch(n.ID)
	}

	return nil
}

func (ns *nodeStore) slotForID(id NodeID) (uint64, bool) {
	local := id.LocalID()
	if int(local) >= len(ns.reverseMap) {
		return 0, false
	}
	slot := ns.reverseMap[local]
	return slot, slot != reverseNotPresent
}

// applyUpdate overwrites the data slot of an existing node and bumps its
// timestamp. Caller holds the writer role.
func (ns *nodeStore) applyUpdate(id NodeID, rawData []byte, timestampMicros int64) error {
	slot, ok := ns.slotForID(id)
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	buf := ns.slotBuf(slot)
	if len(rawData) > MaxDataLen {
		return fmt.Errorf("%w: data exceeds %d bytes", ErrInvalidNode, MaxDataLen)
	}
	for i := 0; i < MaxDataLen; i++ {
		buf[offNodeData+i] = 0
	}
	copy(buf[offNodeData:offNodeData+MaxDataLen], rawData)
	putUint64At(buf, offNodeTimestamp, uint64(timestampMicros))

	if ns.lru != nil {
		ns.lru.touch(id)
	}

	return nil
}

// applyDelete tombstones a node's slot (spec §4.4.5: the slot stays
// physically present until offline compaction).
func (ns *nodeStore) applyDelete(id NodeID) error {
	slot, ok := ns.slotForID(id)
	if !ok {
		return fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	buf := ns.slotBuf(slot)
	setTombstone(buf)
	ns.reverseMap[id.LocalID()] = reverseNotPresent
	ns.totalNodes--
	ns.writeHeader()
	return nil
}

// applyAddChild appends childID to parentID's inline children slice. Per
// spec §4.4.5, overflow is silently capped: the operation still "succeeds"
// from the caller's point of view because name conventions are the
// authoritative relationship encoding.
func (ns *nodeStore) applyAddChild(parentID, childID NodeID) error {
	slot, ok := ns.slotForID(parentID)
	if !ok {
		return fmt.Errorf("%w: parent id %s", ErrNotFound, parentID)
	}
	buf := ns.slotBuf(slot)
	count := int(buf[offNodeChildCount])
	if count >= maxInlineChildren {
		return nil
	}
	putUint64At(buf, offNodeChildren+count*8, uint64(childID))
	buf[offNodeChildCount] = byte(count + 1)
	return nil
}

// readNode copies a node out of its slot. It never returns a value aliasing
// the mapped file (spec §4.6, §9: no borrowed-pointer accessors).
func (ns *nodeStore) readNode(id NodeID) (Node, []byte, bool) {
	slot, ok := ns.slotForID(id)
	if !ok {
		return Node{}, nil, false
	}
	buf := ns.slotBuf(slot)
	if slotIsTombstone(buf) {
		return Node{}, nil, false
	}
	n, raw, err := decodeSlot(buf)
	if err != nil {
		return Node{}, nil, false
	}
	if ns.lru != nil {
		ns.lru.touch(id)
	}
	return n, raw, true
}

func (ns *nodeStore) forEachLive(fn func(n Node, raw []byte) bool) {
	for slot := uint64(0); slot < ns.nextSlot; slot++ {
		buf := ns.slotBuf(slot)
		if slotIsTombstone(buf) {
			continue
		}
		n, raw, err := decodeSlot(buf)
		if err != nil {
			continue
		}
		if !fn(n, raw) {
			return
		}
	}
}

func (ns *nodeStore) close() error {
	if ns.data != nil {
		if err := platformUnmapRegion(ns.data); err != nil {
			_ = ns.file.Close()
			return err
		}
		ns.data = nil
	}
	return ns.file.Close()
}

func putUint64At(buf []byte, off int, v uint64) {
	buf[off+0] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
	buf[off+4] = byte(v >> 32)
	buf[off+5] = byte(v >> 40)
	buf[off+6] = byte(v >> 48)
	buf[off+7] = byte(v >> 56)
}

// lruTracker maintains access-recency metadata for ModeRAMCache (spec
// §4.4.2). It does not itself decide what stays resident; in this
// implementation the whole file remains mapped in both cache modes (the OS
// page cache is the real eviction mechanism either way), so lruTracker only
// exposes which ids are "coldest" for a caller that wants to pin/evict at a
// higher layer.
type lruTracker struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[NodeID]*list.Element
}

type lruEntry struct {
	id       NodeID
	lastSeen time.Time
	accesses uint64
}

func newLRUTracker(capacity int) *lruTracker {
	return &lruTracker{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[NodeID]*list.Element),
	}
}

func (t *lruTracker) touch(id NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[id]; ok {
		e := el.Value.(*lruEntry)
		e.lastSeen = time.Now()
		e.accesses++
		t.order.MoveToFront(el)
		return
	}

	el := t.order.PushFront(&lruEntry{id: id, lastSeen: time.Now(), accesses: 1})
	t.index[id] = el

	for t.order.Len() > t.capacity {
		back := t.order.Back()
		if back == nil {
			break
		}
		t.order.Remove(back)
		delete(t.index, back.Value.(*lruEntry).id)
	}
}

// Coldest returns up to n ids least recently accessed, for use by a caller
// implementing eviction above this layer.
func (t *lruTracker) Coldest(n int) []NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []NodeID
	for el := t.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, el.Value.(*lruEntry).id)
	}
	return out
}
