package simbackend

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *SimBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.db")
	b, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestLoadThenTableReturnsStoredTable(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Load("dev0", "0 2048 linear /dev/sda 0"))

	table, found, err := b.Table("dev0")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "0 2048 linear /dev/sda 0", table)
}

func TestSuspendReloadResumeCycle(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Load("dev0", "0 2048 linear /dev/sda 0"))

	require.NoError(t, b.Suspend("dev0"))
	suspended, err := b.IsSuspended("dev0")
	require.NoError(t, err)
	require.True(t, suspended)

	require.NoError(t, b.Reload("dev0", "0 4096 linear /dev/sda 0"))
	require.NoError(t, b.Resume("dev0"))

	suspended, err = b.IsSuspended("dev0")
	require.NoError(t, err)
	require.False(t, suspended)

	table, _, err := b.Table("dev0")
	require.NoError(t, err)
	require.Equal(t, "0 4096 linear /dev/sda 0", table)
}

func TestReloadUnknownDeviceFails(t *testing.T) {
	b := newTestBackend(t)
	err := b.Reload("missing", "table")
	require.Error(t, err)
}

func TestRemoveDeletesDevice(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Load("dev0", "table"))
	require.NoError(t, b.Remove("dev0"))

	_, found, err := b.Table("dev0")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMessageRecordsInOrder(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Load("pool0-thinpool", "0 2048 thin-pool meta data 128 1024"))

	require.NoError(t, b.Message("pool0-thinpool", "create_snap 1 0"))
	require.NoError(t, b.Message("pool0-thinpool", "create_snap 2 0"))

	msgs, err := b.Messages("pool0-thinpool")
	require.NoError(t, err)
	require.Equal(t, []string{"create_snap 1 0", "create_snap 2 0"}, msgs)
}

func TestMessageUnknownDeviceFails(t *testing.T) {
	b := newTestBackend(t)
	require.Error(t, b.Message("missing", "create_snap 1 0"))
}

func TestStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.db")
	b1, err := New(path)
	require.NoError(t, err)
	require.NoError(t, b1.Load("dev0", "table-v1"))
	require.NoError(t, b1.Close())

	b2, err := New(path)
	require.NoError(t, err)
	defer b2.Close()

	table, found, err := b2.Table("dev0")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "table-v1", table)
}
