package lattice_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/lattice"
)

type fakeLicense struct {
	cap int
	err error
}

func (f fakeLicense) Tier() (int, error) { return f.cap, f.err }

func Test_License_Tier_Overrides_The_Default_Evaluation_Cap(t *testing.T) {
	t.Parallel()

	lat, err := lattice.Open(filepath.Join(t.TempDir(), "licensed.lattice"), lattice.Options{
		License: fakeLicense{cap: 2},
	})
	require.NoError(t, err)
	defer lat.Close()

	_, err = lat.Add(lattice.TypeMetadata, "n0", []byte("x"), 0, false)
	require.NoError(t, err)
	_, err = lat.Add(lattice.TypeMetadata, "n1", []byte("x"), 0, false)
	require.NoError(t, err)

	_, err = lat.Add(lattice.TypeMetadata, "n2", []byte("x"), 0, false)
	require.ErrorIs(t, err, lattice.ErrQuotaExceeded)
}

func Test_An_Expired_License_Fails_Open_Instead_Of_Falling_Back(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "expired.lattice")

	_, err := lattice.Open(path, lattice.Options{
		License: fakeLicense{err: fmt.Errorf("token checked: %w", lattice.ErrLicenseExpired)},
		NodeCap: 1000,
	})
	require.ErrorIs(t, err, lattice.ErrLicenseExpired)
}

func Test_An_Invalid_License_Fails_Open_Even_With_A_Cached_Tier(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "invalid.lattice")

	// First open succeeds and caches a generous tier to the sidecar.
	lat, err := lattice.Open(path, lattice.Options{License: fakeLicense{cap: 1000}})
	require.NoError(t, err)
	require.NoError(t, lat.Close())

	// A classified invalid-license error is not transient: it must fail Open
	// outright rather than fall back to the previously cached tier.
	_, err = lattice.Open(path, lattice.Options{
		License: fakeLicense{err: fmt.Errorf("signature check: %w", lattice.ErrLicenseInvalid)},
	})
	require.ErrorIs(t, err, lattice.ErrLicenseInvalid)
}

func Test_A_Failing_License_Falls_Back_To_The_Cached_Tier_Not_The_Eval_Cap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cached-tier.lattice")

	// First open: license succeeds with a generous cap, which gets cached to
	// the <store>.tier sidecar.
	lat, err := lattice.Open(path, lattice.Options{License: fakeLicense{cap: 1000}})
	require.NoError(t, err)
	require.NoError(t, lat.Close())

	// Second open: license now fails transiently. The store must keep
	// honoring the previously validated tier from the sidecar rather than
	// silently dropping to the small evaluation-mode default.
	lat2, err := lattice.Open(path, lattice.Options{
		License: fakeLicense{err: errors.New("verification service unreachable")},
		NodeCap: 1,
	})
	require.NoError(t, err)
	defer lat2.Close()

	for i := 0; i < 5; i++ {
		_, err := lat2.Add(lattice.TypeMetadata, "n", []byte("x"), 0, false)
		require.NoError(t, err)
	}
}
