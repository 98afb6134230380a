/*
Package discovery implements the assembly pipeline from spec.md §4.6:
a stream of hotplug-style device events is folded into a per-pool
partial view of which devices have been seen, and a pool is handed to
its auto-start callback once its seen device set equals its own
authoritative record's device set.

Pipeline itself is synchronous and safe for concurrent callers: the
per-pool serialization the teacher's `pkg/reconciler` gets from "one
goroutine, one channel, one stopCh" is provided here by a mutex guarding
each pool's partial state, so Handle can be driven either by one such
owner goroutine per pool or directly from a shared dispatcher.
*/
package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratis-storage/stratisd-engine/pkg/bda"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/log"
	"github.com/stratis-storage/stratisd-engine/pkg/mda"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// PoolState is a partial pool's assembly state, per spec.md §4.6's
// `PartialPools` map.
type PoolState int

const (
	StateStopped PoolState = iota
	StateStarting
	StateRunning
	StateErrored
)

func (s PoolState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateErrored:
		return "Errored"
	default:
		return fmt.Sprintf("PoolState(%d)", int(s))
	}
}

// EventKind discriminates the three hotplug event shapes spec.md §4.6
// names.
type EventKind int

const (
	EventAdd EventKind = iota
	EventChange
	EventRemove
)

// Event is one hotplug notification from the operating system.
type Event struct {
	Kind EventKind
	ID   unit.DeviceID
	Path string
}

// Record is the slice of a pool's authoritative metadata record that
// assembly decisions need: its device set and whether the pool is
// encrypted (so auto-start knows to unlock before deriving tables, per
// spec.md §4.7). The timestamp that won it authority is not part of
// Record; it travels alongside it in the mda.Slot ProbeRecord returns. The pool aggregate
// (not built by this package) owns the full record; this is the
// projection discovery reads out of the same JSON payload.
type Record struct {
	PoolID    unit.PoolID
	DeviceIDs []unit.DeviceID
	Encrypted bool
}

func (r Record) deviceSet() map[unit.DeviceID]struct{} {
	set := make(map[unit.DeviceID]struct{}, len(r.DeviceIDs))
	for _, id := range r.DeviceIDs {
		set[id] = struct{}{}
	}
	return set
}

// Prober identifies a device and, for one already known to be ours,
// reads its current MDA payload far enough to extract a Record.
// RealProber (probe.go) implements this against an actual device;
// tests substitute a fake.
type Prober interface {
	// ProbeHeader reads path's BDA header. It returns bda.ErrNotOurs if the
	// device was never initialized by this engine.
	ProbeHeader(path string) (bda.Header, error)
	// ProbeRecord reads the device's current authoritative MDA slot
	// and decodes it into a Record.
	ProbeRecord(path string, header bda.Header) (Record, mda.Slot, error)
}

// AutoStarter transitions a pool from Starting to Running: unlocking
// ciphertext devices, deriving and loading layered tables from the
// authoritative metadata, per spec.md §4.6 step 2. It is supplied by
// the pool aggregate (not built by this package); discovery only
// decides *when* to call it.
type AutoStarter func(ctx context.Context, rec Record, devices map[unit.DeviceID]string) error

type partialPool struct {
	state      PoolState
	seen       map[unit.DeviceID]string // device ID -> current path
	bestRecord *Record
	bestSlot   mda.Slot
}

// Pipeline is the shared bookkeeping state across every pool's event
// stream: spec.md §4.6's `LiveDevices` and `PartialPools` maps, plus
// the auto-start decision in step 2 and the divergent-history check in
// the "Ordering guarantees" paragraph.
type Pipeline struct {
	mu sync.Mutex

	prober      Prober
	autoStart   AutoStarter
	broker      *events.Broker
	autoAllowed map[unit.PoolID]bool // explicit stop suppresses auto-start until explicit start

	live    map[unit.DeviceID]string
	pools   map[unit.PoolID]*partialPool
	running map[unit.PoolID]map[unit.DeviceID]struct{} // device set a Running pool was started with
}

// New builds an empty Pipeline.
func New(prober Prober, autoStart AutoStarter, broker *events.Broker) *Pipeline {
	return &Pipeline{
		prober:      prober,
		autoStart:   autoStart,
		broker:      broker,
		autoAllowed: make(map[unit.PoolID]bool),
		live:        make(map[unit.DeviceID]string),
		pools:       make(map[unit.PoolID]*partialPool),
		running:     make(map[unit.PoolID]map[unit.DeviceID]struct{}),
	}
}

// SuppressAutoStart disables auto-start for poolID until AllowAutoStart
// is called, per spec.md §4.6 step 4's "explicit stop overrides
// auto-start."
func (p *Pipeline) SuppressAutoStart(poolID unit.PoolID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoAllowed[poolID] = false
}

// AllowAutoStart re-enables auto-start for poolID, after an explicit
// start request per spec.md §4.6 step 4.
func (p *Pipeline) AllowAutoStart(poolID unit.PoolID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoAllowed[poolID] = true
}

func (p *Pipeline) autoStartPermittedLocked(poolID unit.PoolID) bool {
	allowed, explicit := p.autoAllowed[poolID]
	if !explicit {
		return true
	}
	return allowed
}

// NotifyRunning records that poolID is Running with the given device
// set, for Handle's "verify the device matches the persisted record
// and attach" branch on a pool that is already up.
func (p *Pipeline) NotifyRunning(poolID unit.PoolID, devices map[unit.DeviceID]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[poolID] = devices
	pp, ok := p.pools[poolID]
	if !ok {
		pp = &partialPool{seen: make(map[unit.DeviceID]string)}
		p.pools[poolID] = pp
	}
	pp.state = StateRunning
}

// NotifyStopped clears a pool's Running bookkeeping, e.g. after an
// explicit stop.
func (p *Pipeline) NotifyStopped(poolID unit.PoolID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, poolID)
	if pp, ok := p.pools[poolID]; ok {
		pp.state = StateStopped
	}
}

// State returns a pool's current assembly state, or StateStopped if
// discovery has never seen any of its devices.
func (p *Pipeline) State(poolID unit.PoolID) PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pp, ok := p.pools[poolID]; ok {
		return pp.state
	}
	return StateStopped
}

// ErroredPools returns every pool the pipeline has marked StateErrored
// (a divergent-history detection), for cmd/stratisd's startup sweep:
// spec.md §6.4 requires a distinguished exit code when the initial
// discovery pass surfaces a fatal consistency error before the daemon
// ever starts serving requests.
func (p *Pipeline) ErroredPools() []unit.PoolID {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []unit.PoolID
	for id, pp := range p.pools {
		if pp.state == StateErrored {
			out = append(out, id)
		}
	}
	return out
}

// Handle processes one hotplug event, per spec.md §4.6's algorithm.
func (p *Pipeline) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventRemove:
		return p.handleRemove(ev)
	default:
		return p.handleAddOrChange(ctx, ev)
	}
}

func (p *Pipeline) handleRemove(ev Event) error {
	p.mu.Lock()
	delete(p.live, ev.ID)
	var affected unit.PoolID
	var isRunning bool
	for poolID, devices := range p.running {
		if _, ok := devices[ev.ID]; ok {
			affected, isRunning = poolID, true
			break
		}
	}
	p.mu.Unlock()

	if isRunning {
		// spec.md §4.6 step 3: do not automatically stop; surface an
		// alert. The kernel reports I/O errors for the missing extents.
		log.WithDevice(ev.ID.String()).Warn().Msg("discovery: device removed from running pool")
		p.broker.Publish(&events.Event{
			Type:     events.EventDeviceRemoved,
			Message:  fmt.Sprintf("device %s removed from running pool; missing extents will surface as I/O errors", ev.ID),
			Metadata: map[string]string{"pool_id": affected.String(), "device_id": ev.ID.String()},
		})
	}
	return nil
}

func (p *Pipeline) handleAddOrChange(ctx context.Context, ev Event) error {
	header, err := p.prober.ProbeHeader(ev.Path)
	if err != nil {
		if err == bda.ErrNotOurs {
			return nil
		}
		log.WithDevice(ev.ID.String()).Warn().Err(err).Msg("discovery: device header unreadable")
		return nil
	}

	p.mu.Lock()
	p.live[ev.ID] = ev.Path

	if devices, ok := p.running[header.PoolID]; ok {
		_, expected := devices[ev.ID]
		p.mu.Unlock()
		if !expected {
			log.WithPool(header.PoolID.String()).Warn().Msg("discovery: device attached to running pool is not part of its recorded device set")
		}
		return nil
	}

	pp, ok := p.pools[header.PoolID]
	if !ok {
		pp = &partialPool{state: StateStopped, seen: make(map[unit.DeviceID]string)}
		p.pools[header.PoolID] = pp
	}
	pp.seen[ev.ID] = ev.Path
	p.mu.Unlock()

	record, slot, err := p.prober.ProbeRecord(ev.Path, header)
	if err != nil {
		log.WithDevice(ev.ID.String()).Warn().Err(err).Msg("discovery: device mda unreadable, device stays partial")
		return nil
	}

	return p.reconcile(ctx, header.PoolID, record, slot)
}

// reconcile implements spec.md §4.6 step 2 and the "Ordering
// guarantees" divergent-history check.
func (p *Pipeline) reconcile(ctx context.Context, poolID unit.PoolID, record Record, slot mda.Slot) error {
	p.mu.Lock()
	pp := p.pools[poolID]
	if pp == nil {
		p.mu.Unlock()
		return fmt.Errorf("discovery: reconcile called for unknown pool %s", poolID)
	}

	// Two devices each reporting a "current" slot at the same timestamp
	// but disagreeing on pool membership means two disjoint histories
	// were both written as authoritative: a split no single timestamp
	// can resolve, per the "Ordering guarantees" paragraph. A later
	// timestamp simply supersedes an earlier one, as usual; that is not
	// divergence, just a device that hasn't caught up yet.
	if pp.bestRecord != nil && slot.Timestamp.Equal(pp.bestSlot.Timestamp) &&
		setsDiffer(pp.bestRecord.deviceSet(), record.deviceSet()) {
		pp.state = StateErrored
		p.mu.Unlock()
		log.WithPool(poolID.String()).Error().Msg("discovery: divergent metadata histories, pool errored")
		p.broker.Publish(&events.Event{
			Type:     events.EventPoolErrored,
			Message:  "divergent metadata histories across devices",
			Metadata: map[string]string{"pool_id": poolID.String()},
		})
		return nil
	}

	if pp.bestRecord == nil || slot.Timestamp.After(pp.bestSlot.Timestamp) {
		rec := record
		pp.bestRecord = &rec
		pp.bestSlot = slot
	}

	seenComplete := recordSatisfiedBy(*pp.bestRecord, pp.seen)
	readyToStart := seenComplete && pp.state == StateStopped && p.autoStartPermittedLocked(poolID)
	var devicesCopy map[unit.DeviceID]string
	var recCopy Record
	if readyToStart {
		pp.state = StateStarting
		devicesCopy = make(map[unit.DeviceID]string, len(pp.seen))
		for id, path := range pp.seen {
			devicesCopy[id] = path
		}
		recCopy = *pp.bestRecord
	}
	p.mu.Unlock()

	if !readyToStart {
		return nil
	}

	if err := p.autoStart(ctx, recCopy, devicesCopy); err != nil {
		p.mu.Lock()
		pp.state = StateStopped
		p.mu.Unlock()
		log.WithPool(poolID.String()).Error().Err(err).Msg("discovery: auto-start failed")
		return err
	}

	running := make(map[unit.DeviceID]struct{}, len(devicesCopy))
	for id := range devicesCopy {
		running[id] = struct{}{}
	}
	p.NotifyRunning(poolID, running)
	p.broker.Publish(&events.Event{
		Type:     events.EventPoolStarted,
		Message:  "auto-started on complete device set",
		Metadata: map[string]string{"pool_id": poolID.String()},
	})
	return nil
}

func recordSatisfiedBy(rec Record, seen map[unit.DeviceID]string) bool {
	if len(rec.DeviceIDs) == 0 {
		return false
	}
	for _, id := range rec.DeviceIDs {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}

func setsDiffer(a, b map[unit.DeviceID]struct{}) bool {
	if len(a) != len(b) {
		return true
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return true
		}
	}
	return false
}
