package lattice_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/lattice"
)

func newTestPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.lattice")
}

func Test_Open_Creates_A_New_Store_And_Close_Releases_It(t *testing.T) {
	t.Parallel()

	path := newTestPath(t)

	lat, err := lattice.Open(path, lattice.Options{})
	require.NoError(t, err)
	require.NoError(t, lat.Close())

	// Reopening after Close must succeed: the writer role was released.
	lat2, err := lattice.Open(path, lattice.Options{})
	require.NoError(t, err)
	require.NoError(t, lat2.Close())
}

func Test_Open_Returns_ErrWriterConflict_For_A_Second_Concurrent_Open(t *testing.T) {
	t.Parallel()

	path := newTestPath(t)

	lat1, err := lattice.Open(path, lattice.Options{})
	require.NoError(t, err)
	defer lat1.Close()

	_, err = lattice.Open(path, lattice.Options{})
	require.ErrorIs(t, err, lattice.ErrWriterConflict)
}

func Test_Add_Then_Get_Round_Trips_A_Text_Node(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	id, err := lat.Add(lattice.TypePattern, "PATTERN:retry-backoff", []byte("exponential backoff"), 0, true)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := lat.Get(id)
	require.NoError(t, err)

	require.Equal(t, "PATTERN:retry-backoff", got.Name)
	require.Equal(t, lattice.TypePattern, got.Type)
	require.False(t, got.Binary)
	require.Equal(t, []byte("exponential backoff"), got.Data)
}

func Test_Get_Returns_ErrNotFound_For_An_Unknown_Id(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	_, err = lat.Get(lattice.ComposeID(0, 999))
	require.ErrorIs(t, err, lattice.ErrNotFound)
}

func Test_AddBinary_Round_Trips_Bytes_That_Contain_NUL(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	payload := []byte{0xFF, 0x00, 0x01, 0xFE, 0x00}

	id, err := lat.AddBinary(lattice.TypeMetadata, "blob", payload, 0, true)
	require.NoError(t, err)

	got, err := lat.GetBinary(id)
	require.NoError(t, err)
	require.True(t, got.Binary)
	if diff := cmp.Diff(payload, got.Data); diff != "" {
		t.Fatalf("binary round trip mismatch (-want +got):\n%s", diff)
	}

	bv, err := lat.GetBinary(id)
	require.NoError(t, err)
	require.True(t, bv.Binary)
	require.Equal(t, payload, bv.Data)
}

func Test_Reading_A_Binary_Node_Through_GetBinary_Returns_It_Whole(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	// spec.md §8 scenario 5: [0xFF, 0x00, 0x01, 0xFE, 0x00] round-trips
	// exactly through the binary API regardless of its embedded zero bytes.
	payload := []byte{0xFF, 0x00, 0x01, 0xFE, 0x00}
	id, err := lat.AddBinary(lattice.TypeMetadata, "with-embedded-zero", payload, 0, true)
	require.NoError(t, err)

	got, err := lat.GetBinary(id)
	require.NoError(t, err)
	require.Equal(t, payload, got.Data)
	require.True(t, got.Binary)
}

func Test_Reading_A_Binary_Node_Through_Get_Warns_And_Truncates(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	// Same payload as above, but read via the text API: spec.md §8 scenario 5
	// requires a warning and a result truncated at the first zero byte, not a
	// silent full decode.
	payload := []byte{0xFF, 0x00, 0x01, 0xFE, 0x00}
	id, err := lat.AddBinary(lattice.TypeMetadata, "with-embedded-zero-text-read", payload, 0, true)
	require.NoError(t, err)

	got, err := lat.Get(id)
	require.NoError(t, err)
	require.True(t, got.TextReadWarning)
	require.NotEqual(t, payload, got.Data)
}

func Test_Update_Overwrites_Data_And_Preserves_Identity(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	id, err := lat.Add(lattice.TypeKernel, "KERNEL:mutex", []byte("v1"), 0, true)
	require.NoError(t, err)

	require.NoError(t, lat.Update(id, []byte("v2"), true))

	got, err := lat.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.Data)
	require.Equal(t, "KERNEL:mutex", got.Name)
}

func Test_Delete_Removes_A_Node_From_Get_And_FindByPrefix(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	id, err := lat.Add(lattice.TypeMetadata, "ISA_doomed", []byte("x"), 0, true)
	require.NoError(t, err)

	require.NoError(t, lat.Delete(id, true))

	_, err = lat.Get(id)
	require.ErrorIs(t, err, lattice.ErrNotFound)

	ids, err := lat.FindByPrefix("ISA_", 0, lattice.Filters{})
	require.NoError(t, err)
	require.NotContains(t, ids, id)
}

func Test_AddChild_Caps_Silently_Past_The_Inline_Capacity(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	parent, err := lat.Add(lattice.TypeKernel, "KERNEL:parent", []byte("p"), 0, true)
	require.NoError(t, err)

	// 10 children, well past the inline cap (7): AddChild must keep succeeding
	// rather than error, since name-based discovery is the authoritative
	// relationship encoding (see DESIGN.md open question #1).
	for i := 0; i < 10; i++ {
		child, err := lat.Add(lattice.TypeKernel, fmt.Sprintf("KERNEL:child-%d", i), []byte("c"), parent, true)
		require.NoError(t, err)
		require.NoError(t, lat.AddChild(parent, child, true))
	}
}

func Test_FindByPrefix_Returns_A_Deterministic_Set_Across_Repeated_Calls(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	names := []string{
		"ISA_add", "ISA_sub", "ISA_mul",
		"PATTERN_retry", "PATTERN_backoff",
	}
	want := make(map[lattice.NodeID]bool)
	for _, n := range names {
		id, err := lat.Add(lattice.TypePattern, n, []byte("x"), 0, false)
		require.NoError(t, err)
		if n[:4] == "ISA_" {
			want[id] = true
		}
	}

	first, err := lat.FindByPrefix("ISA_", 0, lattice.Filters{})
	require.NoError(t, err)

	second, err := lat.FindByPrefix("ISA_", 0, lattice.Filters{})
	require.NoError(t, err)

	require.ElementsMatch(t, first, second)
	require.Len(t, first, len(want))
	for _, id := range first {
		require.True(t, want[id])
	}
}

func Test_FindByPrefix_Applies_MinConfidence_Filter(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	id, err := lat.Add(lattice.TypePattern, "PATTERN_low-confidence", []byte("x"), 0, false)
	require.NoError(t, err)

	ids, err := lat.FindByPrefix("PATTERN_", 0, lattice.Filters{MinConfidence: 0.5})
	require.NoError(t, err)
	require.NotContains(t, ids, id)
}

func Test_ReserveIDs_Returns_A_Contiguous_Block_Not_Reused_By_Add(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	first, err := lat.ReserveIDs(5)
	require.NoError(t, err)

	id, err := lat.Add(lattice.TypeMetadata, "after-reservation", []byte("x"), 0, true)
	require.NoError(t, err)

	require.Greater(t, id.LocalID(), first.LocalID()+4)
}

func Test_Checkpoint_Then_Reopen_Keeps_The_Data(t *testing.T) {
	t.Parallel()

	path := newTestPath(t)

	lat, err := lattice.Open(path, lattice.Options{})
	require.NoError(t, err)

	id, err := lat.Add(lattice.TypeMetadata, "checkpointed", []byte("durable"), 0, true)
	require.NoError(t, err)

	require.NoError(t, lat.Checkpoint())
	require.NoError(t, lat.Close())

	lat2, err := lattice.Open(path, lattice.Options{})
	require.NoError(t, err)
	defer lat2.Close()

	got, err := lat2.Get(id)
	require.NoError(t, err)
	require.Equal(t, []byte("durable"), got.Data)
}

func Test_Concurrent_Readers_Never_Observe_A_Torn_Write(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	id, err := lat.Add(lattice.TypeMetadata, "hot", make([]byte, 64), 0, true)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Writer goroutine: alternates between two distinct fill bytes so a
	// reader that raced the seqlock would observe a mix of both, which this
	// test's assertion below would catch.
	wg.Add(1)
	go func() {
		defer wg.Done()
		toggle := byte(0x55)
		for i := 0; i < 500; i++ {
			buf := make([]byte, 64)
			for j := range buf {
				buf[j] = toggle
			}
			toggle ^= 0xFF
			_ = lat.Update(id, buf, false)
		}
		close(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			n, err := lat.Get(id)
			if err != nil {
				continue
			}
			if len(n.Data) == 0 {
				continue
			}
			first := n.Data[0]
			for _, b := range n.Data {
				require.Equal(t, first, b, "reader observed a torn write")
			}
		}
	}()

	wg.Wait()
}

func Test_Evaluation_Mode_Cap_Rejects_The_Node_Past_The_Limit(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{NodeCap: 3})
	require.NoError(t, err)
	defer lat.Close()

	for i := 0; i < 3; i++ {
		_, err := lat.Add(lattice.TypeMetadata, fmt.Sprintf("n%d", i), []byte("x"), 0, false)
		require.NoError(t, err)
	}

	_, err = lat.Add(lattice.TypeMetadata, "one-too-many", []byte("x"), 0, false)
	require.ErrorIs(t, err, lattice.ErrQuotaExceeded)
}

func Test_Evaluation_Mode_Cap_Allows_Exactly_The_Limit(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{NodeCap: 1})
	require.NoError(t, err)
	defer lat.Close()

	_, err = lat.Add(lattice.TypeMetadata, "only-one", []byte("x"), 0, false)
	require.NoError(t, err)
}

func Test_Operations_After_Close_Return_ErrClosed(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	require.NoError(t, lat.Close())

	_, err = lat.Add(lattice.TypeMetadata, "after-close", []byte("x"), 0, false)
	require.ErrorIs(t, err, lattice.ErrClosed)

	_, err = lat.Get(lattice.ComposeID(0, 1))
	require.ErrorIs(t, err, lattice.ErrClosed)
}

func Test_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(newTestPath(t), lattice.Options{})
	require.NoError(t, err)
	require.NoError(t, lat.Close())
	require.NoError(t, lat.Close())
}
