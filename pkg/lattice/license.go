package lattice

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// Ed25519 signature verification of a license token is explicitly out of
// scope for this package (spec §1: "Ed25519 license verification" is an
// external collaborator). Lattice only consumes the outcome through the
// License interface (types.go) and falls back to an evaluation-mode cap,
// exposed as a construction parameter rather than hardcoded (spec §9, open
// question: observed build profiles disagree on 25_000 vs 100_000).

// resolveNodeCap decides the live-node cap to enforce for this store, given
// Options and, if present, a cached tier from a previous successful License
// check (see tierCache below). License.Tier is consulted first; its result
// is cached so a transient failure on a later call does not regress a store
// that was already running under a validated paid tier.
//
// A License.Tier error that wraps ErrLicenseExpired or ErrLicenseInvalid is
// classified, not swallowed: it is returned to the caller (Open fails with
// that sentinel) rather than silently falling back to the cached or
// evaluation-mode cap, since an expired or invalid license is a definite
// answer, not a transient verification failure. Any other error (a network
// timeout, an unreachable verification service, ...) is treated as
// transient and still falls back to the cached tier or the evaluation cap.
func resolveNodeCap(opts Options, cache *tierCache) (int, error) {
	if opts.License != nil {
		cap, err := opts.License.Tier()
		if err == nil && cap > 0 {
			cache.store(cap)
			return cap, nil
		}
		if err != nil && (errors.Is(err, ErrLicenseExpired) || errors.Is(err, ErrLicenseInvalid)) {
			return 0, err
		}
	}
	if cached, ok := cache.load(); ok {
		return cached, nil
	}
	if opts.NodeCap > 0 {
		return opts.NodeCap, nil
	}
	return defaultEvalNodeCap, nil
}

// tierCache persists the last validated license tier to a small sidecar file
// next to the store, so a store that has seen a valid license at least once
// does not silently fall back to the evaluation cap the next time its
// license check happens to fail transiently (e.g. a flaky verification
// service). The sidecar is written atomically (temp file + rename) via
// natefinch/atomic so a crash mid-write never leaves a torn cache file that
// could be misread as a higher cap than was ever actually validated.
type tierCache struct {
	path string
}

func newTierCache(storePath string) *tierCache {
	return &tierCache{path: storePath + ".tier"}
}

func (c *tierCache) load() (int, bool) {
	if c == nil {
		return 0, false
	}
	data, err := os.ReadFile(c.path)
	if err != nil || len(data) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (c *tierCache) store(cap int) {
	if c == nil {
		return
	}
	_ = atomic.WriteFile(c.path, strings.NewReader(strconv.Itoa(cap)))
}

func checkQuota(totalNodes uint64, cap int) error {
	if cap <= 0 {
		return nil
	}
	if totalNodes >= uint64(cap) {
		return fmt.Errorf("%w: cap %d", ErrQuotaExceeded, cap)
	}
	return nil
}
