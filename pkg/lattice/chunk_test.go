package lattice_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/lattice"
)

func Test_AddLarge_Stores_A_Small_Payload_Directly_Without_Chunking(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(filepath.Join(t.TempDir(), "small.lattice"), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	id, err := lat.AddLarge(lattice.TypeMetadata, "small", []byte("fits in one slot"), 0, true)
	require.NoError(t, err)

	got, err := lat.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("fits in one slot"), got.Data)

	// No chunk-header node should have been created for a payload that fits.
	ids, err := lat.FindByPrefix("CHUNKED:", 0, lattice.Filters{})
	require.NoError(t, err)
	require.Empty(t, ids)
}

func Test_AddLarge_Then_GetLarge_Reassembles_A_Multi_Chunk_Payload(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(filepath.Join(t.TempDir(), "large.lattice"), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	// Large enough to require several chunks at MaxDataLen-2 bytes per chunk.
	data := bytes.Repeat([]byte("0123456789abcdef"), (lattice.MaxDataLen*3)/16+1)

	headerID, err := lat.AddLarge(lattice.TypeMetadata, "big-blob", data, 0, true)
	require.NoError(t, err)

	got, err := lat.GetLarge(headerID)
	require.NoError(t, err)
	require.Equal(t, data, got)

	chunks, err := lat.FindByPrefix("CHUNK:", 0, lattice.Filters{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 3)
}

func Test_AddLarge_Then_GetLarge_Reassembles_A_Payload_With_Embedded_Zero_Bytes(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(filepath.Join(t.TempDir(), "large-with-zeros.lattice"), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	// A chunk's body is arbitrary caller bytes (AddLarge's signature takes
	// []byte), so a 0x00 in the middle of a chunk must survive reassembly
	// rather than being truncated by the text-mode NUL-terminated encoding.
	data := make([]byte, lattice.MaxDataLen*2+17)
	for i := range data {
		data[i] = byte(i % 251)
	}
	// Force an embedded zero well inside the first chunk's body, not just at
	// the boundary.
	data[5] = 0x00
	data[lattice.MaxDataLen+3] = 0x00

	headerID, err := lat.AddLarge(lattice.TypeMetadata, "blob-with-zeros", data, 0, true)
	require.NoError(t, err)

	got, err := lat.GetLarge(headerID)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
