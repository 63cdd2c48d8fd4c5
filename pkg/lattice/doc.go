// Package lattice implements a persistent, memory-mapped knowledge-graph node
// store: the single-writer, multi-reader engine underneath an AI-agent memory
// system.
//
// A Lattice is a pair of files: a store file holding a dense array of
// fixed-size 1 KiB node records, and a write-ahead log (WAL) that makes
// mutations crash-durable before they are reflected in the mapped store. A
// single atomic generation counter (see [seqlock] semantics in file
// seqlock.go) lets any number of readers take lock-free, torn-read-safe
// snapshots of the store concurrently with the one writer the format allows.
//
// Typical usage:
//
//	lat, err := lattice.Open("agent.lattice", lattice.Options{})
//	if err != nil {
//	    return err
//	}
//	defer lat.Close()
//
//	id, err := lat.Add(lattice.TypePattern, "PATTERN:retry-backoff", []byte("text"), 0, true)
//	if err != nil {
//	    return err
//	}
//
//	n, err := lat.Get(id)
//	ids, err := lat.FindByPrefix("PATTERN:", 100, lattice.Filters{})
//
// All read operations return copies. Lattice never hands back a pointer into
// the mapped file; any such accessor would be unsafe across a remap or an
// overwrite by the writer, so none is exposed.
//
// Every operation that can fail reports one of the sentinel errors in
// errors.go. Callers should classify with [errors.Is], not string matching.
//
// Only one process (and, within that process, effectively one writer
// goroutine) may hold the writer role for a given store file at a time. This
// is enforced advisorily: an in-process registry refuses a second [Lattice]
// handle on the same file, and a cross-process advisory
// lock file (path+".lock") excludes other processes. Nothing prevents a
// misbehaving process from mapping the file read-write and corrupting it
// outside this package; the single-writer rule is constitutional, not
// sandboxed.
package lattice
