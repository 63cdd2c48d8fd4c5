package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/lattice/pkg/lattice"
)

func Test_Run_Add_Then_Get_Round_Trips_Through_The_CLI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.lattice")

	require.NoError(t, run([]string{"latticectl", "add", path, "metadata", "cli-node", "hello"}))
	require.NoError(t, run([]string{"latticectl", "get", path, "0:1"}))
}

func Test_Run_Checkpoint_Flushes_The_Store(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.lattice")

	require.NoError(t, run([]string{"latticectl", "add", path, "kernel", "n", "x"}))
	require.NoError(t, run([]string{"latticectl", "checkpoint", path}))

	lat, err := lattice.Open(path, lattice.Options{})
	require.NoError(t, err)
	defer lat.Close()

	_, err = lat.Get(lattice.ComposeID(0, 1))
	require.NoError(t, err)
}

func Test_Run_Returns_An_Error_For_An_Unknown_Command(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.lattice")

	err := run([]string{"latticectl", "frobnicate", path})
	require.Error(t, err)
}

func Test_ParseNodeID_Parses_Device_And_Local_Parts(t *testing.T) {
	id, err := parseNodeID("3:42")
	require.NoError(t, err)
	require.Equal(t, lattice.ComposeID(3, 42), id)

	_, err = parseNodeID("not-an-id")
	require.Error(t, err)
}

func Test_ParseNodeType_Accepts_A_Known_Name_And_Rejects_An_Unknown_One(t *testing.T) {
	typ, err := parseNodeType("pattern")
	require.NoError(t, err)
	require.Equal(t, lattice.TypePattern, typ)

	_, err = parseNodeType("nonsense")
	require.Error(t, err)
}
