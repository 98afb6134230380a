package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

func TestCreateFilesystemRegistersThinVolumeAndFlushes(t *testing.T) {
	p := newTestPool(t, 1)

	fsID, err := p.CreateFilesystem("fs1", 0)
	require.NoError(t, err)

	_, ok := p.Thin.ThinID(fsID)
	require.True(t, ok)

	fsNode, ok := p.Stack.Graph.Node(filesystemNodeName(p.ID, fsID))
	require.True(t, ok)
	require.Equal(t, defaultFilesystemSectors, fsNode.Sectors)

	var rec record
	_, err = p.Persist.LoadInto(&rec)
	require.NoError(t, err)
	require.Len(t, rec.Filesystems, 1)
	require.Equal(t, "fs1", rec.Filesystems[0].Name)
}

func TestCreateFilesystemRejectsDuplicateName(t *testing.T) {
	p := newTestPool(t, 1)
	_, err := p.CreateFilesystem("dup", 0)
	require.NoError(t, err)

	_, err = p.CreateFilesystem("dup", 0)
	require.Error(t, err)
}

func TestSnapshotFilesystemSharesThinIDLineage(t *testing.T) {
	p := newTestPool(t, 1)
	origin, err := p.CreateFilesystem("origin", 1<<20)
	require.NoError(t, err)

	snap, err := p.SnapshotFilesystem(origin, "snap")
	require.NoError(t, err)
	require.NotEqual(t, origin, snap)

	p.mu.Lock()
	snapState := p.filesystems[snap]
	p.mu.Unlock()
	require.NotNil(t, snapState.Origin)
	require.Equal(t, origin, *snapState.Origin)
}

func TestSnapshotFilesystemFailsForUnknownOrigin(t *testing.T) {
	p := newTestPool(t, 1)
	_, err := p.SnapshotFilesystem(unit.FilesystemID{}, "snap")
	require.Error(t, err)
}

func TestDestroyFilesystemRemovesItAndItsThinID(t *testing.T) {
	p := newTestPool(t, 1)
	fsID, err := p.CreateFilesystem("fs1", 0)
	require.NoError(t, err)

	require.NoError(t, p.DestroyFilesystem(fsID))

	_, ok := p.Thin.ThinID(fsID)
	require.False(t, ok)
	_, ok = p.Stack.Graph.Node(filesystemNodeName(p.ID, fsID))
	require.False(t, ok)
}

func TestDestroyFilesystemRefusesWhenItIsASnapshotOrigin(t *testing.T) {
	p := newTestPool(t, 1)
	origin, err := p.CreateFilesystem("origin", 1<<20)
	require.NoError(t, err)
	_, err = p.SnapshotFilesystem(origin, "snap")
	require.NoError(t, err)

	err = p.DestroyFilesystem(origin)
	require.Error(t, err)
}

func TestRenameFilesystemChangesNameNotID(t *testing.T) {
	p := newTestPool(t, 1)
	fsID, err := p.CreateFilesystem("old-name", 0)
	require.NoError(t, err)

	require.NoError(t, p.RenameFilesystem(fsID, "new-name"))

	p.mu.Lock()
	got := p.filesystems[fsID].Name
	p.mu.Unlock()
	require.Equal(t, "new-name", got)
}

func TestRenameFilesystemRejectsCollision(t *testing.T) {
	p := newTestPool(t, 1)
	_, err := p.CreateFilesystem("a", 0)
	require.NoError(t, err)
	fsB, err := p.CreateFilesystem("b", 0)
	require.NoError(t, err)

	err = p.RenameFilesystem(fsB, "a")
	require.Error(t, err)
}
