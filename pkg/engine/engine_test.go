package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/pool"
	"github.com/stratis-storage/stratisd-engine/pkg/sconfig"
	"github.com/stratis-storage/stratisd-engine/pkg/simbackend"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	sim, err := simbackend.New(filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sim.Close()) })
	backend := stack.NewSimBackend(sim)

	reg := pool.NewRegistry(sconfig.Default(), events.NewBroker(), backend, nil, nil, nil)
	return New(reg, filepath.Join(t.TempDir(), "run"))
}

func newTestImageFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		path := filepath.Join(dir, "bd"+string(rune('a'+i)))
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(64<<20))
		require.NoError(t, f.Close())
		paths[i] = path
	}
	return paths
}

func TestCreatePoolHasNoFilesystemSymlinksYet(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.CreatePool("pool1", newTestImageFiles(t, 1), nil, nil, "")
	require.NoError(t, err)

	entries, err := os.ReadDir(e.poolDir(p.Name))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCreateFilesystemInstallsDevnodeSymlink(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.CreatePool("pool1", newTestImageFiles(t, 1), nil, nil, "")
	require.NoError(t, err)

	fsID, err := e.CreateFilesystem(context.Background(), p.ID, "fs1", 0)
	require.NoError(t, err)

	link := e.filesystemLinkPath("pool1", "fs1")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	wantTarget, err := p.FilesystemDevicePath(fsID)
	require.NoError(t, err)
	require.Equal(t, wantTarget, target)
}

func TestRenameFilesystemInstallsNewSymlinkBeforeRemovingOld(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.CreatePool("pool1", newTestImageFiles(t, 1), nil, nil, "")
	require.NoError(t, err)
	_, err = e.CreateFilesystem(context.Background(), p.ID, "old-name", 0)
	require.NoError(t, err)

	require.NoError(t, e.RenameFilesystem(context.Background(), p.ID, mustFSID(t, p, "old-name"), "new-name"))

	_, err = os.Lstat(e.filesystemLinkPath("pool1", "new-name"))
	require.NoError(t, err)
	_, err = os.Lstat(e.filesystemLinkPath("pool1", "old-name"))
	require.True(t, os.IsNotExist(err))
}

func TestDestroyFilesystemRemovesDevnodeSymlink(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.CreatePool("pool1", newTestImageFiles(t, 1), nil, nil, "")
	require.NoError(t, err)
	fsID, err := e.CreateFilesystem(context.Background(), p.ID, "fs1", 0)
	require.NoError(t, err)

	require.NoError(t, e.DestroyFilesystem(context.Background(), p.ID, fsID))

	_, err = os.Lstat(e.filesystemLinkPath("pool1", "fs1"))
	require.True(t, os.IsNotExist(err))
}

func TestDestroyPoolRemovesPoolDevnodeDir(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.CreatePool("pool1", newTestImageFiles(t, 1), nil, nil, "")
	require.NoError(t, err)
	_, err = e.CreateFilesystem(context.Background(), p.ID, "fs1", 0)
	require.NoError(t, err)

	require.NoError(t, e.DestroyPool(p.ID))

	_, err = os.Stat(e.poolDir("pool1"))
	require.True(t, os.IsNotExist(err))
}

func TestConcurrentFilesystemCreatesOnSamePoolAreSerialized(t *testing.T) {
	e := newTestEngine(t)
	p, err := e.CreatePool("pool1", newTestImageFiles(t, 1), nil, nil, "")
	require.NoError(t, err)

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			_, err := e.CreateFilesystem(context.Background(), p.ID, fsName(i), 0)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	require.Len(t, p.Filesystems(), n)
}

func fsName(i int) string {
	return "fs-" + string(rune('a'+i))
}

func mustFSID(t *testing.T, p *pool.Pool, name string) unit.FilesystemID {
	t.Helper()
	for _, fs := range p.Filesystems() {
		if fs.Name == name {
			return fs.ID
		}
	}
	t.Fatalf("no filesystem named %q", name)
	return unit.FilesystemID{}
}
