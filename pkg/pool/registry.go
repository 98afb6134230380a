package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/discovery"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/log"
	"github.com/stratis-storage/stratisd-engine/pkg/metrics"
	"github.com/stratis-storage/stratisd-engine/pkg/persistence"
	"github.com/stratis-storage/stratisd-engine/pkg/sconfig"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// Registry is the engine's one piece of process-wide mutable state
// (spec.md §9): the map of pools currently known to this process,
// looked up by ID or name. It is the thing discovery.Pipeline's
// AutoStarter calls back into once a pool's device set completes, and
// the thing every front-end-facing operation resolves a pool through.
type Registry struct {
	Config  sconfig.Config
	Broker  *events.Broker
	Backend *stack.Backend

	// Keystore, Keyring, and Unlocker are the encryption collaborators
	// shared by every pool this registry creates or auto-starts.
	// discovery.AutoStarter's signature carries no room for per-call
	// overrides, so StartAuto always unlocks through these; CreatePool
	// accepts its own ks/kr so a front end can still bind an initial
	// slot against a passphrase that was never loaded into this
	// process's default keyring.
	Keystore crypt.KeystoreWriter
	Keyring  crypt.Keyring
	Unlocker crypt.NetworkUnlocker

	mu    sync.Mutex
	pools map[unit.PoolID]*Pool
}

// NewRegistry builds an empty registry. keyring and unlocker are the
// collaborators StartAuto uses to recover an encrypted pool's DEK when
// discovery hands it a completed device set; keystore is only stored
// (as Registry.Keystore) for a front end to use, and StartAuto does not
// read it. Any of the three may be nil if the deployment never runs
// encrypted pools.
func NewRegistry(cfg sconfig.Config, broker *events.Broker, backend *stack.Backend, keystore crypt.KeystoreWriter, keyring crypt.Keyring, unlocker crypt.NetworkUnlocker) *Registry {
	return &Registry{
		Config: cfg, Broker: broker, Backend: backend,
		Keystore: keystore, Keyring: keyring, Unlocker: unlocker,
		pools: make(map[unit.PoolID]*Pool),
	}
}

// CreatePool opens every path in paths as a raw block device, wraps
// each in an always-fsyncing persistence.SyncingDevice (spec.md §4.1's
// durability requirement), and assembles a new pool over them. If
// keyDescription is non-empty the pool is created encrypted, with an
// initial passphrase slot bound against it via ks/kr.
func (r *Registry) CreatePool(name string, paths []string, ks crypt.KeystoreWriter, kr crypt.Keyring, keyDescription string) (*Pool, error) {
	r.mu.Lock()
	for _, existing := range r.pools {
		if existing.Name == name {
			r.mu.Unlock()
			return nil, stratiserr.New(stratiserr.KindInput, fmt.Sprintf("registry: pool %q already exists", name))
		}
	}
	r.mu.Unlock()

	devices, err := r.openDevices(paths)
	if err != nil {
		return nil, err
	}

	var p *Pool
	if keyDescription != "" {
		p, err = NewEncrypted(name, devices, r.Config, r.Broker, r.Backend, ks, kr, keyDescription)
	} else {
		p, err = New(name, devices, r.Config, r.Broker, r.Backend)
	}
	if err != nil {
		closeDevices(devices)
		return nil, err
	}

	if err := p.Stack.Start(); err != nil {
		closeDevices(devices)
		return nil, err
	}
	if err := p.Flush(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.pools[p.ID] = p
	r.mu.Unlock()

	r.publishPool(events.EventPoolCreated, p.ID, fmt.Sprintf("pool %q created with %d devices", name, len(paths)))
	return p, nil
}

func (r *Registry) openDevices(paths []string) ([]DeviceInit, error) {
	devices := make([]DeviceInit, 0, len(paths))
	for _, path := range paths {
		raw, err := persistence.OpenDevice(path)
		if err != nil {
			closeRealDevices(devices)
			return nil, stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("registry: open %s", path), err)
		}
		size, err := raw.Size()
		if err != nil {
			_ = raw.Close()
			closeRealDevices(devices)
			return nil, stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("registry: size %s", path), err)
		}
		devices = append(devices, DeviceInit{
			ID:           unit.NewDeviceID(),
			Path:         path,
			Dev:          persistence.SyncingDevice{Device: raw},
			TotalSectors: size,
		})
	}
	return devices, nil
}

// closeRealDevices unwraps and closes every already-opened device, for
// rollback when a later device in the same CreatePool call fails to
// open.
func closeRealDevices(devices []DeviceInit) {
	for _, d := range devices {
		if sd, ok := d.Dev.(persistence.SyncingDevice); ok {
			if rd, ok := sd.Device.(*persistence.RealDevice); ok {
				_ = rd.Close()
			}
		}
	}
}

func closeDevices(devices []DeviceInit) {
	closeRealDevices(devices)
}

// Get looks up a pool by ID.
func (r *Registry) Get(id unit.PoolID) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[id]
	return p, ok
}

// GetByName looks up a pool by its current display name.
func (r *Registry) GetByName(name string) (*Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// List returns every pool currently known to the registry, order
// unspecified.
func (r *Registry) List() []*Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p)
	}
	return out
}

// DestroyPool stops a pool's device stack and removes it from the
// registry. It does not close the pool's device handles. Per spec.md §4.5's
// classification, destroy is admitted regardless of availability
// state.
func (r *Registry) DestroyPool(id unit.PoolID) error {
	r.mu.Lock()
	p, ok := r.pools[id]
	r.mu.Unlock()
	if !ok {
		return stratiserr.New(stratiserr.KindInput, fmt.Sprintf("registry: no such pool %s", id))
	}

	if err := p.Stack.Stop(); err != nil {
		return err
	}

	p.mu.Lock()
	paths := make([]string, 0, len(p.devices))
	for _, ds := range p.devices {
		paths = append(paths, ds.path)
	}
	p.mu.Unlock()

	r.mu.Lock()
	delete(r.pools, id)
	r.mu.Unlock()

	r.publishPool(events.EventPoolDestroyed, id, fmt.Sprintf("pool %q destroyed", p.Name))
	return nil
}

// StartAuto implements discovery.AutoStarter: it is the callback
// discovery.Pipeline invokes once a pool's recorded device set is
// fully present among live devices. It opens every device, rebuilds
// the pool's allocator/graph/thin-pool state from the authoritative
// metadata record, loads the stack, and registers the pool.
//
// This is a thinner path than CreatePool: devices already carry a
// durable BDA/MDA, so no header is (re)written, only read back via
// persistence.Engine.Load, and the graph is rebuilt from the record's
// per-device extents rather than starting from an empty thin-pool.
func (r *Registry) StartAuto(ctx context.Context, rec discovery.Record, devicePaths map[unit.DeviceID]string) error {
	logger := log.WithPool(rec.PoolID.String())
	logger.Info().Int("devices", len(devicePaths)).Msg("auto-starting pool")

	p, err := r.loadPool(rec.PoolID, devicePaths)
	if err != nil {
		return err
	}
	if err := p.Stack.Start(); err != nil {
		return err
	}

	r.mu.Lock()
	r.pools[p.ID] = p
	r.mu.Unlock()

	r.publishPool(events.EventPoolStarted, p.ID, fmt.Sprintf("pool %q started", p.Name))
	return nil
}

// StopPool removes a pool's DM stack without destroying its on-disk
// metadata, and forgets it so a future device event can auto-start it
// again from a clean slate.
func (r *Registry) StopPool(id unit.PoolID) error {
	r.mu.Lock()
	p, ok := r.pools[id]
	r.mu.Unlock()
	if !ok {
		return stratiserr.New(stratiserr.KindInput, fmt.Sprintf("registry: no such pool %s", id))
	}
	if err := p.Stack.Stop(); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.pools, id)
	r.mu.Unlock()

	r.publishPool(events.EventPoolStopped, id, fmt.Sprintf("pool %q stopped", p.Name))
	return nil
}

// Snapshots implements metrics.SnapshotSource over every pool
// currently live in the registry.
func (r *Registry) Snapshots() []metrics.PoolSnapshot {
	pools := r.List()
	out := make([]metrics.PoolSnapshot, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.MetricsSnapshot())
	}
	return out
}

func (r *Registry) publishPool(t events.EventType, id unit.PoolID, msg string) {
	if r.Broker == nil {
		return
	}
	r.Broker.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"pool_id": id.String()},
	})
}
