package lattice

import (
	"sort"
	"strings"
	"sync"
)

// wellKnownPrefixes are catalogued eagerly and never evicted; everything
// else is discovered lazily on insert (spec §4.5). Membership here only
// affects bookkeeping (the known map), not query correctness: both
// catalogues are views over the same underlying index.
var wellKnownPrefixes = []string{"ISA_", "PATTERN_", "MATERIAL_", "LEARNING_", "PERFORMANCE_"}

type prefixEntry struct {
	name string
	id   NodeID
}

// prefixIndex maps name prefixes to ordered lists of node ids. The
// authoritative structure is a slice sorted by name, searched with a binary
// prefix-boundary lookup so that Find over an arbitrary-length prefix string
// costs O(log N + k), not O(N) (spec §4.5: "find returns ... O(k) over
// matches"). A secondary map gives an O(1) fast path when the query string
// exactly matches a catalogued token (the part of a name up to and including
// its first ':' or '_' separator).
type prefixIndex struct {
	mu      sync.RWMutex
	entries []prefixEntry // sorted by name
	byToken map[string][]NodeID
	known   map[string]bool // token -> true if well-known, false if dynamically discovered
}

func newPrefixIndex() *prefixIndex {
	idx := &prefixIndex{
		byToken: make(map[string][]NodeID),
		known:   make(map[string]bool),
	}
	for _, p := range wellKnownPrefixes {
		idx.known[p] = true
	}
	return idx
}

// token extracts the catalogued prefix of a name: everything up to and
// including the first ':' or '_' separator, or the whole name if neither
// appears.
func token(name string) string {
	if i := strings.IndexAny(name, ":_"); i >= 0 {
		return name[:i+1]
	}
	return name
}

func (idx *prefixIndex) insert(id NodeID, name string) {
	if name == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].name >= name })
	idx.entries = append(idx.entries, prefixEntry{})
	copy(idx.entries[i+1:], idx.entries[i:])
	idx.entries[i] = prefixEntry{name: name, id: id}

	tok := token(name)
	idx.byToken[tok] = append(idx.byToken[tok], id)
	if _, ok := idx.known[tok]; !ok {
		idx.known[tok] = false // dynamically discovered
	}
}

func (idx *prefixIndex) remove(id NodeID, name string) {
	if name == "" {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].name >= name })
	for i < len(idx.entries) && idx.entries[i].name == name {
		if idx.entries[i].id == id {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			break
		}
		i++
	}

	tok := token(name)
	ids := idx.byToken[tok]
	for i, v := range ids {
		if v == id {
			idx.byToken[tok] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(idx.byToken[tok]) == 0 {
		delete(idx.byToken, tok)
		if !isWellKnown(tok) {
			delete(idx.known, tok)
		}
	}
}

func isWellKnown(tok string) bool {
	for _, p := range wellKnownPrefixes {
		if p == tok {
			return true
		}
	}
	return false
}

// find returns the live-node ids (post Filters.matches, applied by the
// caller via lookup) whose name starts with prefix, in the sorted-by-name
// order, bounded by limit (0 means unbounded).
func (idx *prefixIndex) find(prefix string, limit int) []NodeID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	start := sort.Search(len(idx.entries), func(i int) bool { return idx.entries[i].name >= prefix })

	var out []NodeID
	for i := start; i < len(idx.entries); i++ {
		if !strings.HasPrefix(idx.entries[i].name, prefix) {
			break
		}
		out = append(out, idx.entries[i].id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// findExactToken is the O(1) fast path used only for debug cross-validation
// against find(); it only applies when prefix exactly equals a catalogued
// token.
func (idx *prefixIndex) findExactToken(prefix string) ([]NodeID, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids, ok := idx.byToken[prefix]
	if !ok {
		return nil, false
	}
	out := make([]NodeID, len(ids))
	copy(out, ids)
	return out, true
}

// rebuild discards the index and repopulates it from a live-node iterator,
// used on Open (spec §3: "created on open, built from the existing store").
func (idx *prefixIndex) rebuild(forEachLive func(func(id NodeID, name string))) {
	idx.mu.Lock()
	idx.entries = nil
	idx.byToken = make(map[string][]NodeID)
	known := make(map[string]bool)
	for _, p := range wellKnownPrefixes {
		known[p] = true
	}
	idx.known = known
	idx.mu.Unlock()

	forEachLive(func(id NodeID, name string) {
		idx.insert(id, name)
	})
}
