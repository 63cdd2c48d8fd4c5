package lattice_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/lattice"
)

func Test_LoadOptions_Parses_JSONC_With_Comments_And_Trailing_Commas(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.jsonc")
	const jsonc = `{
  // device id for this machine
  "device_id": 7,
  "mode": "ram-cache",
  "ram_cache_slots": 2048,
  "node_cap": 5000,
  "wal": {
    "min_batch_entries": 4,
    "max_batch_entries": 512,
    "rate_window_ms": 500,
  },
}
`
	require.NoError(t, os.WriteFile(path, []byte(jsonc), 0o644))

	opts, err := lattice.LoadOptions(path)
	require.NoError(t, err)

	require.EqualValues(t, 7, opts.DeviceID)
	require.Equal(t, lattice.ModeRAMCache, opts.Mode)
	require.Equal(t, 2048, opts.RAMCacheSlots)
	require.Equal(t, 5000, opts.NodeCap)
	require.Equal(t, 4, opts.WAL.MinBatchEntries)
	require.Equal(t, 512, opts.WAL.MaxBatchEntries)
}

func Test_LoadOptions_Rejects_An_Unknown_Mode(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode": "quantum"}`), 0o644))

	_, err := lattice.LoadOptions(path)
	require.ErrorIs(t, err, lattice.ErrInvalidNode)
}

func Test_SaveOptions_Then_LoadOptions_Round_Trips(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "roundtrip.jsonc")

	want := lattice.Options{
		DeviceID:      3,
		Mode:          lattice.ModeRAMCache,
		RAMCacheSlots: 1024,
		NodeCap:       42,
	}
	want.WAL.MinBatchEntries = 2
	want.WAL.MaxBatchEntries = 128

	require.NoError(t, lattice.SaveOptions(path, want))

	got, err := lattice.LoadOptions(path)
	require.NoError(t, err)

	require.Equal(t, want.DeviceID, got.DeviceID)
	require.Equal(t, want.Mode, got.Mode)
	require.Equal(t, want.RAMCacheSlots, got.RAMCacheSlots)
	require.Equal(t, want.NodeCap, got.NodeCap)
	require.Equal(t, want.WAL.MinBatchEntries, got.WAL.MinBatchEntries)
	require.Equal(t, want.WAL.MaxBatchEntries, got.WAL.MaxBatchEntries)
}

func Test_SaveOptions_Leaves_No_Temp_File_Behind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "atomic.jsonc")

	require.NoError(t, lattice.SaveOptions(path, lattice.Options{DeviceID: 1}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "atomic.jsonc", entries[0].Name())
}
