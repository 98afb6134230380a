package pool

import (
	"fmt"

	"github.com/stratis-storage/stratisd-engine/pkg/availability"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// defaultFilesystemSectors is the size a newly created filesystem
// gets when the caller doesn't specify one: 1 TiB, matching the
// teacher's convention of a generous default limit that a thin
// volume never actually consumes until written to.
const defaultFilesystemSectors = unit.Sector(1 << 40 / unit.SectorSize)

func filesystemNodeName(poolID unit.PoolID, fsID unit.FilesystemID) string {
	return nodeName(poolID, "fs-"+fsID.String())
}

// FilesystemDevicePath resolves the DM device node a filesystem's
// thin volume is addressable at, for pkg/engine's devnode symlink
// maintenance (spec.md §6.3).
func (p *Pool) FilesystemDevicePath(fsID unit.FilesystemID) (string, error) {
	return p.Stack.Graph.DevicePath(filesystemNodeName(p.ID, fsID))
}

// CreateFilesystem registers a new thin volume of size sectors (or
// defaultFilesystemSectors if zero) atop the pool's thin-pool, per
// spec.md §4.4's filesystem-create operation. The new thin volume's
// table is loaded immediately: unlike device or cache extents, a
// thin volume needs no allocator reservation of its own, since the
// thin-pool itself is the backing store.
func (p *Pool) CreateFilesystem(name string, sectors unit.Sector) (unit.FilesystemID, error) {
	if err := p.Avail.Admit(availability.OpFilesystemCreate); err != nil {
		return unit.FilesystemID{}, err
	}
	if sectors == 0 {
		sectors = defaultFilesystemSectors
	}

	p.mu.Lock()
	for _, fs := range p.filesystems {
		if fs.Name == name {
			p.mu.Unlock()
			return unit.FilesystemID{}, stratiserr.New(stratiserr.KindInput,
				fmt.Sprintf("pool: filesystem %q already exists", name)).WithPool(p.ID)
		}
	}
	p.mu.Unlock()

	fsID := unit.NewFilesystemID()
	thinID := p.Thin.RegisterFilesystem(fsID)
	fsNodeName := filesystemNodeName(p.ID, fsID)

	p.Stack.Graph.AddNode(&stack.Node{
		Name:     fsNodeName,
		Kind:     stack.NodeThinVolume,
		Children: []string{p.Thin.ThinPoolName},
		Sectors:  sectors,
		ThinID:   thinID,
	})
	if err := p.Stack.StartNode(fsNodeName); err != nil {
		p.Stack.Graph.RemoveNode(fsNodeName)
		p.Thin.ForgetFilesystem(fsID)
		return unit.FilesystemID{}, err
	}

	p.mu.Lock()
	p.filesystems[fsID] = &filesystemState{ID: fsID, Name: name, ThinID: thinID, Sectors: sectors}
	p.mu.Unlock()

	if err := p.Flush(); err != nil {
		return unit.FilesystemID{}, err
	}

	p.publishFilesystem(events.EventFilesystemCreated, fsID, name)
	return fsID, nil
}

// SnapshotFilesystem creates newName as a thin-driver snapshot of
// origin's current contents, per spec.md §4.4's filesystem-snapshot
// operation: origin is briefly suspended while the thin-pool shares
// its thin ID's block mapping into a freshly allocated thin ID.
func (p *Pool) SnapshotFilesystem(origin unit.FilesystemID, newName string) (unit.FilesystemID, error) {
	if err := p.Avail.Admit(availability.OpFilesystemSnapshot); err != nil {
		return unit.FilesystemID{}, err
	}

	p.mu.Lock()
	originState, ok := p.filesystems[origin]
	for _, fs := range p.filesystems {
		if fs.Name == newName {
			p.mu.Unlock()
			return unit.FilesystemID{}, stratiserr.New(stratiserr.KindInput,
				fmt.Sprintf("pool: filesystem %q already exists", newName)).WithPool(p.ID)
		}
	}
	p.mu.Unlock()
	if !ok {
		return unit.FilesystemID{}, stratiserr.New(stratiserr.KindInput,
			fmt.Sprintf("pool: origin filesystem %s not found", origin)).WithPool(p.ID)
	}

	newFS := unit.NewFilesystemID()
	originNodeName := filesystemNodeName(p.ID, origin)
	newThinID, err := p.Thin.Snapshot(origin, originNodeName, newFS)
	if err != nil {
		return unit.FilesystemID{}, err
	}

	newNodeName := filesystemNodeName(p.ID, newFS)
	p.Stack.Graph.AddNode(&stack.Node{
		Name:     newNodeName,
		Kind:     stack.NodeThinVolume,
		Children: []string{p.Thin.ThinPoolName},
		Sectors:  originState.Sectors,
		ThinID:   newThinID,
	})
	if err := p.Stack.StartNode(newNodeName); err != nil {
		p.Stack.Graph.RemoveNode(newNodeName)
		p.Thin.ForgetFilesystem(newFS)
		return unit.FilesystemID{}, err
	}

	originCopy := origin
	p.mu.Lock()
	p.filesystems[newFS] = &filesystemState{
		ID: newFS, Name: newName, ThinID: newThinID, Sectors: originState.Sectors, Origin: &originCopy,
	}
	p.mu.Unlock()

	if err := p.Flush(); err != nil {
		return unit.FilesystemID{}, err
	}

	p.publishFilesystem(events.EventFilesystemSnapshotted, newFS, newName)
	return newFS, nil
}

// DestroyFilesystem removes a filesystem's thin volume and forgets
// its thin ID, per spec.md §4.4's filesystem-destroy operation. It
// refuses to destroy a filesystem that is the origin of a live
// snapshot, since spec.md §4.4 never describes cascading destroys.
func (p *Pool) DestroyFilesystem(fsID unit.FilesystemID) error {
	if err := p.Avail.Admit(availability.OpFilesystemDestroy); err != nil {
		return err
	}

	p.mu.Lock()
	fs, ok := p.filesystems[fsID]
	if !ok {
		p.mu.Unlock()
		return stratiserr.New(stratiserr.KindInput, fmt.Sprintf("pool: filesystem %s not found", fsID)).WithPool(p.ID)
	}
	for _, other := range p.filesystems {
		if other.Origin != nil && *other.Origin == fsID {
			p.mu.Unlock()
			return stratiserr.New(stratiserr.KindPrecondition,
				fmt.Sprintf("pool: filesystem %s has a live snapshot %s", fsID, other.ID)).WithPool(p.ID)
		}
	}
	p.mu.Unlock()

	fsNodeName := filesystemNodeName(p.ID, fsID)
	if err := p.Stack.StopNode(fsNodeName); err != nil {
		return err
	}
	p.Thin.ForgetFilesystem(fsID)

	p.mu.Lock()
	delete(p.filesystems, fsID)
	p.mu.Unlock()

	if err := p.Flush(); err != nil {
		return err
	}

	p.publishFilesystem(events.EventFilesystemDestroyed, fsID, fs.Name)
	return nil
}

// RenameFilesystem changes a filesystem's display name; its ID and
// thin ID are unaffected, per spec.md §3's "a filesystem's thin ID
// never changes" invariant.
func (p *Pool) RenameFilesystem(fsID unit.FilesystemID, newName string) error {
	if err := p.Avail.Admit(availability.OpFilesystemRename); err != nil {
		return err
	}

	p.mu.Lock()
	fs, ok := p.filesystems[fsID]
	if !ok {
		p.mu.Unlock()
		return stratiserr.New(stratiserr.KindInput, fmt.Sprintf("pool: filesystem %s not found", fsID)).WithPool(p.ID)
	}
	for _, other := range p.filesystems {
		if other.ID != fsID && other.Name == newName {
			p.mu.Unlock()
			return stratiserr.New(stratiserr.KindInput,
				fmt.Sprintf("pool: filesystem %q already exists", newName)).WithPool(p.ID)
		}
	}
	oldName := fs.Name
	fs.Name = newName
	p.mu.Unlock()

	if err := p.Flush(); err != nil {
		p.mu.Lock()
		fs.Name = oldName
		p.mu.Unlock()
		return err
	}

	p.publishFilesystem(events.EventFilesystemRenamed, fsID, newName)
	return nil
}

func (p *Pool) publishFilesystem(t events.EventType, fsID unit.FilesystemID, name string) {
	if p.Broker == nil {
		return
	}
	p.Broker.Publish(&events.Event{
		Type:    t,
		Message: fmt.Sprintf("filesystem %s (%s)", name, fsID),
		Metadata: map[string]string{
			"pool_id":       p.ID.String(),
			"filesystem_id": fsID.String(),
		},
	})
}
