/*
Package engine implements spec.md §6.3's synchronous request handler:
a plain Go interface with no wire transport, since the bus/RPC surface
this would normally sit behind is explicitly out of scope. Tests (and,
eventually, a bus adapter nobody is asked to build here) call Engine
directly.

Every mutating call is funneled through a per-pool task goroutine
draining a buffered channel — spec.md §5's concurrency model, grounded
on the teacher's pkg/reconciler/pkg/scheduler shape of "one goroutine,
one channel, one stopCh" repeated per subsystem rather than a shared
worker pool. A pool's task is the one place its *pool.Pool is ever
touched after construction, so two requests against the same pool can
never race even though Engine itself may be called concurrently from
many goroutines.

Engine also owns the devnode symlink convention of spec.md §6.3: each
running filesystem is exposed at <RunDir>/<pool-name>/<filesystem-name>,
maintained on create/destroy/rename/start/stop.
*/
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/discovery"
	"github.com/stratis-storage/stratisd-engine/pkg/log"
	"github.com/stratis-storage/stratisd-engine/pkg/pool"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// mutationRequest is one closure submitted to a pool's task goroutine,
// and the channel its result is delivered back on.
type mutationRequest struct {
	run  func(*pool.Pool) (any, error)
	resp chan mutationResult
}

type mutationResult struct {
	val any
	err error
}

// poolTask is the per-pool goroutine every mutation against one pool
// is serialized through.
type poolTask struct {
	pool   *pool.Pool
	reqs   chan mutationRequest
	stopCh chan struct{}
}

func newPoolTask(p *pool.Pool) *poolTask {
	t := &poolTask{pool: p, reqs: make(chan mutationRequest, 32), stopCh: make(chan struct{})}
	go t.run()
	return t
}

func (t *poolTask) run() {
	for {
		select {
		case req := <-t.reqs:
			val, err := req.run(t.pool)
			req.resp <- mutationResult{val: val, err: err}
		case <-t.stopCh:
			return
		}
	}
}

func (t *poolTask) stop() {
	close(t.stopCh)
}

// submit enqueues fn to run on the pool's task goroutine and blocks
// for its result, or until ctx is done.
func (t *poolTask) submit(ctx context.Context, fn func(*pool.Pool) (any, error)) (any, error) {
	resp := make(chan mutationResult, 1)
	select {
	case t.reqs <- mutationRequest{run: fn, resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Engine is the single synchronous entry point every front end (a bus
// adapter, a test) drives the daemon's state through.
type Engine struct {
	Registry *pool.Registry
	RunDir   string

	mu    sync.Mutex
	tasks map[unit.PoolID]*poolTask
}

// New builds an Engine over an already-constructed registry. runDir is
// the root of the devnode symlink tree (sconfig.Config.RunDir).
func New(registry *pool.Registry, runDir string) *Engine {
	return &Engine{Registry: registry, RunDir: runDir, tasks: make(map[unit.PoolID]*poolTask)}
}

func (e *Engine) taskFor(p *pool.Pool) *poolTask {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tasks[p.ID]; ok {
		return t
	}
	t := newPoolTask(p)
	e.tasks[p.ID] = t
	return t
}

// dropTask stops and forgets a pool's task goroutine, e.g. on destroy
// or stop.
func (e *Engine) dropTask(id unit.PoolID) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	delete(e.tasks, id)
	e.mu.Unlock()
	if ok {
		t.stop()
	}
}

func (e *Engine) mutate(ctx context.Context, id unit.PoolID, fn func(*pool.Pool) (any, error)) (any, error) {
	p, ok := e.Registry.Get(id)
	if !ok {
		return nil, stratiserr.New(stratiserr.KindInput, fmt.Sprintf("engine: no such pool %s", id))
	}
	return e.taskFor(p).submit(ctx, fn)
}

// poolDir returns the devnode directory for a pool of the given name.
func (e *Engine) poolDir(poolName string) string {
	return filepath.Join(e.RunDir, poolName)
}

func (e *Engine) filesystemLinkPath(poolName, fsName string) string {
	return filepath.Join(e.poolDir(poolName), fsName)
}

// installFilesystemLink creates (replacing any stale entry) the
// devnode symlink for one filesystem.
func (e *Engine) installFilesystemLink(poolName string, fs pool.FilesystemInfo, target string) error {
	dir := e.poolDir(poolName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return stratiserr.Wrap(stratiserr.KindEnvironment, "engine: create pool devnode dir", err)
	}
	link := e.filesystemLinkPath(poolName, fs.Name)
	_ = os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return stratiserr.Wrap(stratiserr.KindEnvironment, "engine: install filesystem devnode symlink", err)
	}
	return nil
}

func (e *Engine) removeFilesystemLink(poolName, fsName string) {
	if err := os.Remove(e.filesystemLinkPath(poolName, fsName)); err != nil && !os.IsNotExist(err) {
		log.Errorf("engine: remove filesystem devnode symlink", err)
	}
}

// removePoolDir tears down a pool's whole devnode directory, e.g. on
// destroy or stop; a future start/auto-start repopulates it.
func (e *Engine) removePoolDir(poolName string) {
	if err := os.RemoveAll(e.poolDir(poolName)); err != nil {
		log.Errorf("engine: remove pool devnode dir", err)
	}
}

// installAllFilesystemLinks (re)creates every filesystem symlink for a
// pool, for use right after it starts or auto-starts. The pool's
// devnode directory is created even if it has no filesystems yet, so
// a later CreateFilesystem has somewhere to install a symlink into.
func (e *Engine) installAllFilesystemLinks(p *pool.Pool) {
	if err := os.MkdirAll(e.poolDir(p.Name), 0o755); err != nil {
		log.Errorf("engine: create pool devnode dir", err)
	}
	for _, fs := range p.Filesystems() {
		target, err := p.FilesystemDevicePath(fs.ID)
		if err != nil {
			log.Errorf("engine: resolve filesystem devnode target", err)
			continue
		}
		if err := e.installFilesystemLink(p.Name, fs, target); err != nil {
			log.Errorf("engine: install filesystem devnode symlink", err)
		}
	}
}

// CreatePool creates a pool over paths and starts its task goroutine,
// per spec.md §4.1. keyDescription, if non-empty, creates the pool
// encrypted with an initial passphrase slot bound against it.
func (e *Engine) CreatePool(name string, paths []string, ks crypt.KeystoreWriter, kr crypt.Keyring, keyDescription string) (*pool.Pool, error) {
	p, err := e.Registry.CreatePool(name, paths, ks, kr, keyDescription)
	if err != nil {
		return nil, err
	}
	e.taskFor(p)
	e.installAllFilesystemLinks(p)
	return p, nil
}

// DestroyPool stops a pool's task goroutine and device stack, and
// tears down its devnode directory.
func (e *Engine) DestroyPool(id unit.PoolID) error {
	p, ok := e.Registry.Get(id)
	if !ok {
		return stratiserr.New(stratiserr.KindInput, fmt.Sprintf("engine: no such pool %s", id))
	}
	name := p.Name
	if err := e.Registry.DestroyPool(id); err != nil {
		return err
	}
	e.dropTask(id)
	e.removePoolDir(name)
	return nil
}

// StartAuto implements discovery.AutoStarter: it loads a pool from its
// on-device record, starts its task goroutine, and populates its
// devnode directory.
func (e *Engine) StartAuto(ctx context.Context, rec discovery.Record, devicePaths map[unit.DeviceID]string) error {
	if err := e.Registry.StartAuto(ctx, rec, devicePaths); err != nil {
		return err
	}
	p, ok := e.Registry.Get(rec.PoolID)
	if !ok {
		return stratiserr.New(stratiserr.KindInternal, fmt.Sprintf("engine: pool %s vanished immediately after auto-start", rec.PoolID))
	}
	e.taskFor(p)
	e.installAllFilesystemLinks(p)
	return nil
}

// StopPool stops a pool's task goroutine and device stack without
// destroying its metadata, and tears down its devnode directory.
func (e *Engine) StopPool(id unit.PoolID) error {
	p, ok := e.Registry.Get(id)
	if !ok {
		return stratiserr.New(stratiserr.KindInput, fmt.Sprintf("engine: no such pool %s", id))
	}
	name := p.Name
	if err := e.Registry.StopPool(id); err != nil {
		return err
	}
	e.dropTask(id)
	e.removePoolDir(name)
	return nil
}

// CreateFilesystem creates a filesystem on poolID and installs its
// devnode symlink.
func (e *Engine) CreateFilesystem(ctx context.Context, poolID unit.PoolID, name string, sectors unit.Sector) (unit.FilesystemID, error) {
	val, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		fsID, err := p.CreateFilesystem(name, sectors)
		if err != nil {
			return nil, err
		}
		target, perr := p.FilesystemDevicePath(fsID)
		if perr != nil {
			return nil, perr
		}
		if lerr := e.installFilesystemLink(p.Name, pool.FilesystemInfo{ID: fsID, Name: name}, target); lerr != nil {
			return nil, lerr
		}
		return fsID, nil
	})
	if err != nil {
		return unit.FilesystemID{}, err
	}
	return val.(unit.FilesystemID), nil
}

// SnapshotFilesystem snapshots origin as newName and installs the new
// filesystem's devnode symlink.
func (e *Engine) SnapshotFilesystem(ctx context.Context, poolID unit.PoolID, origin unit.FilesystemID, newName string) (unit.FilesystemID, error) {
	val, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		snap, err := p.SnapshotFilesystem(origin, newName)
		if err != nil {
			return nil, err
		}
		target, perr := p.FilesystemDevicePath(snap)
		if perr != nil {
			return nil, perr
		}
		if lerr := e.installFilesystemLink(p.Name, pool.FilesystemInfo{ID: snap, Name: newName}, target); lerr != nil {
			return nil, lerr
		}
		return snap, nil
	})
	if err != nil {
		return unit.FilesystemID{}, err
	}
	return val.(unit.FilesystemID), nil
}

// DestroyFilesystem destroys a filesystem and removes its devnode
// symlink.
func (e *Engine) DestroyFilesystem(ctx context.Context, poolID unit.PoolID, fsID unit.FilesystemID) error {
	_, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		var name string
		for _, fs := range p.Filesystems() {
			if fs.ID == fsID {
				name = fs.Name
				break
			}
		}
		if err := p.DestroyFilesystem(fsID); err != nil {
			return nil, err
		}
		e.removeFilesystemLink(p.Name, name)
		return nil, nil
	})
	return err
}

// RenameFilesystem renames a filesystem, installing the new devnode
// symlink before removing the old one, per spec.md §6.3's exact
// rename ordering.
func (e *Engine) RenameFilesystem(ctx context.Context, poolID unit.PoolID, fsID unit.FilesystemID, newName string) error {
	_, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		var oldName string
		for _, fs := range p.Filesystems() {
			if fs.ID == fsID {
				oldName = fs.Name
				break
			}
		}
		if err := p.RenameFilesystem(fsID, newName); err != nil {
			return nil, err
		}
		target, perr := p.FilesystemDevicePath(fsID)
		if perr != nil {
			return nil, perr
		}
		if lerr := e.installFilesystemLink(p.Name, pool.FilesystemInfo{ID: fsID, Name: newName}, target); lerr != nil {
			return nil, lerr
		}
		if oldName != "" && oldName != newName {
			e.removeFilesystemLink(p.Name, oldName)
		}
		return nil, nil
	})
	return err
}

// BindPassphraseSlot binds an additional passphrase slot on poolID.
func (e *Engine) BindPassphraseSlot(ctx context.Context, poolID unit.PoolID, ks crypt.KeystoreWriter, kr crypt.Keyring, keyDescription string) (crypt.Slot, error) {
	val, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		return p.BindPassphraseSlot(ks, kr, keyDescription)
	})
	if err != nil {
		return crypt.Slot{}, err
	}
	return val.(crypt.Slot), nil
}

// UnbindSlot removes an encryption slot from poolID.
func (e *Engine) UnbindSlot(ctx context.Context, poolID unit.PoolID, ks crypt.KeystoreWriter, slotIndex int) error {
	_, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		return nil, p.UnbindSlot(ks, slotIndex)
	})
	return err
}

// RebindPassphraseSlot rotates oldIndex's unlocker to a new passphrase.
func (e *Engine) RebindPassphraseSlot(ctx context.Context, poolID unit.PoolID, ks crypt.KeystoreWriter, kr crypt.Keyring, oldIndex int, newKeyDescription string) (crypt.Slot, error) {
	val, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		return p.RebindPassphraseSlot(ctx, ks, kr, oldIndex, nil, newKeyDescription)
	})
	if err != nil {
		return crypt.Slot{}, err
	}
	return val.(crypt.Slot), nil
}

// Unlock recovers poolID's DEK through its bound slots.
func (e *Engine) Unlock(ctx context.Context, poolID unit.PoolID, kr crypt.Keyring) (crypt.UnlockResult, error) {
	val, err := e.mutate(ctx, poolID, func(p *pool.Pool) (any, error) {
		return p.Unlock(ctx, nil, kr, nil)
	})
	if err != nil {
		return crypt.UnlockResult{}, err
	}
	return val.(crypt.UnlockResult), nil
}
