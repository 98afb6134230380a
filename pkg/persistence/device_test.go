package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRealDeviceReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev0")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	require.NoError(t, f.Close())

	dev, err := OpenDevice(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close()) })

	payload := []byte("stratis metadata slot")
	_, err = dev.WriteAt(payload, 4096)
	require.NoError(t, err)
	require.NoError(t, dev.Sync())

	got := make([]byte, len(payload))
	_, err = dev.ReadAt(got, 4096)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestRealDeviceSizeFallsBackToStatForRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev0")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(2<<20))
	require.NoError(t, f.Close())

	dev, err := OpenDevice(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close()) })

	size, err := dev.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(2<<20), size.Bytes())
}

func TestOpenDeviceFailsForMissingPath(t *testing.T) {
	_, err := OpenDevice(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}

func TestSyncingDeviceSyncsOnEveryWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev0")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<16))
	require.NoError(t, f.Close())

	dev, err := OpenDevice(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, dev.Close()) })

	sd := SyncingDevice{Device: dev}
	_, err = sd.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	got := make([]byte, 3)
	_, err = sd.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}
