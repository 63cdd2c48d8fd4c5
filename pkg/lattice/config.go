package lattice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	latticefs "github.com/latticedb/lattice/pkg/fs"
)

var configWriter = latticefs.NewAtomicWriter(latticefs.NewReal())

// storeConfig is the on-disk, human-editable shape of an Options value,
// loaded from a JSONC (JSON-with-comments) file via LoadOptions. Operators
// typically hand-edit this file; hujson lets LoadOptions accept comments and
// trailing commas. SaveOptions rewrites the file as plain JSON, so operator
// comments do not survive a save.
type storeConfig struct {
	DeviceID                 uint32 `json:"device_id"`
	Mode                     string `json:"mode"` // "disk" or "ram-cache"
	RAMCacheSlots            int    `json:"ram_cache_slots"`
	NodeCap                  int    `json:"node_cap"`
	InitialSlots             uint64 `json:"initial_slots"`
	DebugValidatePrefixIndex bool   `json:"debug_validate_prefix_index"`
	WAL                      struct {
		MinBatchEntries int    `json:"min_batch_entries"`
		MaxBatchEntries int    `json:"max_batch_entries"`
		RateWindowMS    int    `json:"rate_window_ms"`
	} `json:"wal"`
}

// LoadOptions reads a JSONC configuration file (comments and trailing commas
// allowed) and decodes it into Options. The License field is never set by
// this loader; callers wire it up in code, since a license verifier is not
// expressible as static configuration (spec §1: verification is an external
// collaborator).
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("%w: read config %s: %v", ErrInvalidPath, path, err)
	}

	std, err := hujson.Standardize(raw)
	if err != nil {
		return Options{}, fmt.Errorf("%w: parse config %s: %v", ErrInvalidNode, path, err)
	}

	var cfg storeConfig
	if err := json.Unmarshal(std, &cfg); err != nil {
		return Options{}, fmt.Errorf("%w: decode config %s: %v", ErrInvalidNode, path, err)
	}

	opts := Options{
		DeviceID:                 cfg.DeviceID,
		RAMCacheSlots:             cfg.RAMCacheSlots,
		NodeCap:                  cfg.NodeCap,
		InitialSlots:              cfg.InitialSlots,
		DebugValidatePrefixIndex:  cfg.DebugValidatePrefixIndex,
	}

	switch cfg.Mode {
	case "", "disk":
		opts.Mode = ModeDisk
	case "ram-cache":
		opts.Mode = ModeRAMCache
	default:
		return Options{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidNode, cfg.Mode)
	}

	opts.WAL = WALOptions{
		MinBatchEntries: cfg.WAL.MinBatchEntries,
		MaxBatchEntries: cfg.WAL.MaxBatchEntries,
	}
	if cfg.WAL.RateWindowMS > 0 {
		opts.WAL.RateWindow = time.Duration(cfg.WAL.RateWindowMS) * time.Millisecond
	}

	return opts, nil
}

// SaveOptions writes opts back to path as JSONC, atomically (temp file +
// fsync + rename + parent-directory fsync via pkg/fs.AtomicWriter), so a
// crash mid-save never leaves a torn or half-written config file for the
// next LoadOptions to choke on. Operator comments in an existing file are
// not preserved; this is a machine-generated rewrite, not an edit-in-place.
func SaveOptions(path string, opts Options) error {
	mode := "disk"
	if opts.Mode == ModeRAMCache {
		mode = "ram-cache"
	}

	cfg := storeConfig{
		DeviceID:                 opts.DeviceID,
		Mode:                     mode,
		RAMCacheSlots:            opts.RAMCacheSlots,
		NodeCap:                  opts.NodeCap,
		InitialSlots:             opts.InitialSlots,
		DebugValidatePrefixIndex: opts.DebugValidatePrefixIndex,
	}
	cfg.WAL.MinBatchEntries = opts.WAL.MinBatchEntries
	cfg.WAL.MaxBatchEntries = opts.WAL.MaxBatchEntries
	if opts.WAL.RateWindow > 0 {
		cfg.WAL.RateWindowMS = int(opts.WAL.RateWindow.Milliseconds())
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode config: %v", ErrInvalidNode, err)
	}

	if err := configWriter.WriteWithDefaults(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: save config %s: %v", ErrIO, path, err)
	}
	return nil
}
