/*
Package thinpool implements the thin-pool manager of spec.md §4.4: it
owns the metadata and data subdevice size policy (low-watermark
extend, symmetric across both), the filesystem_uuid→thin_id map, and
the reaction loop that consumes thin-pool DM events.

The event-reaction shape — an independent handler per named condition,
each logging and updating shared state under a lock — follows the
teacher's pkg/reconciler.Reconciler, adapted from its ticker-driven
"reconcile nodes / reconcile containers" cycle to an externally-fed
channel of named thin-pool events, since spec.md describes this loop
as consuming events pushed by the kernel rather than polling for them.
*/
package thinpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratis-storage/stratisd-engine/pkg/allocator"
	"github.com/stratis-storage/stratisd-engine/pkg/availability"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/log"
	"github.com/stratis-storage/stratisd-engine/pkg/metrics"
	"github.com/stratis-storage/stratisd-engine/pkg/sconfig"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// Event is one of the four thin-pool DM events spec.md §4.4 names.
type Event string

const (
	EventMetadataLow    Event = "metadata-low"
	EventDataLow        Event = "data-low"
	EventOutOfDataSpace Event = "out-of-data-space"
	EventReadOnly       Event = "read-only"
)

// Subdevice identifies which of the thin-pool's two backing
// subdevices a low-water event concerns.
type Subdevice int

const (
	SubdeviceMetadata Subdevice = iota
	SubdeviceData
)

func (s Subdevice) String() string {
	if s == SubdeviceMetadata {
		return "metadata"
	}
	return "data"
}

// BackingNodeNamer resolves a DeviceID to the name of the stack.Graph
// node a newly allocated extent on that device should reference — the
// bd or crypt node built by stack.BuildGraph.
type BackingNodeNamer func(unit.DeviceID) string

// Manager owns one pool's thin-pool subdevice sizing, filesystem thin
// ID assignment, and DM event reaction.
type Manager struct {
	PoolID unit.PoolID

	MetaNodeName string
	DataNodeName string
	ThinPoolName string

	Allocator *allocator.Pool
	Stack     *stack.Stack
	Avail     *availability.Machine
	Broker    *events.Broker
	Config    sconfig.Config
	BackingOf BackingNodeNamer

	mu         sync.Mutex
	thinIDs    map[unit.FilesystemID]unit.ThinID
	nextThinID unit.ThinID
}

// New builds a Manager bound to the subdevice node names produced by
// stack.BuildGraph for this pool.
func New(poolID unit.PoolID, metaNode, dataNode, thinPoolNode string, alloc *allocator.Pool, st *stack.Stack, avail *availability.Machine, broker *events.Broker, cfg sconfig.Config, backingOf BackingNodeNamer) *Manager {
	return &Manager{
		PoolID:       poolID,
		MetaNodeName: metaNode,
		DataNodeName: dataNode,
		ThinPoolName: thinPoolNode,
		Allocator:    alloc,
		Stack:        st,
		Avail:        avail,
		Broker:       broker,
		Config:       cfg,
		BackingOf:    backingOf,
		thinIDs:      make(map[unit.FilesystemID]unit.ThinID),
	}
}

// RegisterFilesystem assigns the next thin ID to fs and records the
// mapping, per spec.md §4.4's "map filesystem_uuid → thin_id". Thin
// IDs are never reused within a pool's lifetime: they are handed out
// by a monotonic counter, matching spec.md §3's "a filesystem's thin
// ID never changes" and avoiding collisions with a just-destroyed
// filesystem's ID.
func (m *Manager) RegisterFilesystem(fs unit.FilesystemID) unit.ThinID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextThinID
	m.nextThinID++
	m.thinIDs[fs] = id
	return id
}

// AdoptFilesystem records a thin ID already assigned (on load from
// persisted metadata) without consuming a fresh one, bumping the
// counter forward if necessary so future RegisterFilesystem calls
// never collide with it.
func (m *Manager) AdoptFilesystem(fs unit.FilesystemID, id unit.ThinID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thinIDs[fs] = id
	if id >= m.nextThinID {
		m.nextThinID = id + 1
	}
}

// NextThinID returns the thin ID the next RegisterFilesystem call will
// hand out, for persisting alongside the filesystem→thin-ID map so a
// reloaded pool's counter picks up where this one left off even if
// every registered filesystem were somehow forgotten between flushes.
func (m *Manager) NextThinID() unit.ThinID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextThinID
}

// ThinID returns the thin ID assigned to fs, if any.
func (m *Manager) ThinID(fs unit.FilesystemID) (unit.ThinID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.thinIDs[fs]
	return id, ok
}

// ForgetFilesystem removes fs's thin ID mapping, on filesystem
// destroy.
func (m *Manager) ForgetFilesystem(fs unit.FilesystemID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.thinIDs, fs)
}

// HandleEvent reacts to a single thin-pool DM event per spec.md
// §4.4's state machine.
func (m *Manager) HandleEvent(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := log.WithPool(m.PoolID.String())
	var err error
	switch ev {
	case EventMetadataLow:
		err = m.extendLocked(SubdeviceMetadata)
	case EventDataLow:
		err = m.extendLocked(SubdeviceData)
	case EventOutOfDataSpace:
		logger.Warn().Msg("thin-pool out of data space, demoting to NoRequests")
		err = m.Avail.Demote(availability.NoRequests)
		m.publish("out of data space: operator must add a device")
	case EventReadOnly:
		logger.Warn().Msg("thin-pool went read-only")
		m.Avail.Recover("thin-pool read-only condition surfaced")
		m.publish("thin-pool is read-only: no allocation possible")
	default:
		err = fmt.Errorf("thinpool: unknown event %q", ev)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ThinPoolEventsTotal.WithLabelValues(string(ev), outcome).Inc()
	return err
}

// extendLocked attempts to grow the named subdevice by the
// configured extend step, falling back to NoRequests on failure, per
// spec.md §4.4: "on success clear; on failure transition pool to
// NoRequests and emit alert." Caller holds m.mu.
func (m *Manager) extendLocked(which Subdevice) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ThinPoolExtendDuration)

	logger := log.WithPool(m.PoolID.String())

	nodeName := m.DataNodeName
	if which == SubdeviceMetadata {
		nodeName = m.MetaNodeName
	}

	node, ok := m.Stack.Graph.Node(nodeName)
	if !ok {
		return stratiserr.New(stratiserr.KindInternal, fmt.Sprintf("thinpool: unknown subdevice node %q", nodeName)).WithPool(m.PoolID)
	}

	step := extendStep(node.Sectors, m.Config.ThinPoolExtendStepPercent)
	allocs, err := m.Allocator.Request(step, fmt.Sprintf("thinpool %s extend", which))
	if err != nil {
		logger.Warn().Str("subdevice", which.String()).Err(err).Msg("thin-pool extend failed, demoting to NoRequests")
		_ = m.Avail.Demote(availability.NoRequests)
		m.publish(fmt.Sprintf("%s subdevice low and could not be extended", which))
		return err
	}

	for _, a := range allocs {
		node.Segments = append(node.Segments, stack.Segment{
			Child:  m.BackingOf(a.DeviceID),
			Extent: a.Extent,
		})
	}
	node.Sectors = segmentsLength(node.Segments)

	table, err := m.Stack.Graph.RenderTable(nodeName)
	if err != nil {
		m.Allocator.Release(allocs)
		return stratiserr.Wrap(stratiserr.KindInternal, "thinpool: render extended table", err).WithPool(m.PoolID)
	}
	if err := m.Stack.Grow(nodeName, table); err != nil {
		m.Allocator.Release(allocs)
		return err
	}

	if which == SubdeviceData {
		if err := m.growThinPoolTable(node.Sectors); err != nil {
			return err
		}
	}

	logger.Info().Str("subdevice", which.String()).Uint64("new_sectors", uint64(node.Sectors)).Msg("thin-pool subdevice extended")
	m.publish(fmt.Sprintf("%s subdevice extended", which))
	return nil
}

// growThinPoolTable reloads the thin-pool node itself so its
// presented length matches the data subdevice's new size.
func (m *Manager) growThinPoolTable(dataSectors unit.Sector) error {
	poolNode, ok := m.Stack.Graph.Node(m.ThinPoolName)
	if !ok {
		return stratiserr.New(stratiserr.KindInternal, fmt.Sprintf("thinpool: unknown thin-pool node %q", m.ThinPoolName)).WithPool(m.PoolID)
	}
	poolNode.Sectors = dataSectors
	table, err := m.Stack.Graph.RenderTable(m.ThinPoolName)
	if err != nil {
		return stratiserr.Wrap(stratiserr.KindInternal, "thinpool: render thin-pool table", err).WithPool(m.PoolID)
	}
	return m.Stack.Grow(m.ThinPoolName, table)
}

func (m *Manager) publish(msg string) {
	if m.Broker == nil {
		return
	}
	m.Broker.Publish(&events.Event{
		Type:    events.EventThinPoolCondition,
		Message: msg,
		Metadata: map[string]string{
			"pool_id": m.PoolID.String(),
		},
	})
}

// extendStep computes the next extend amount: extendPercent of the
// subdevice's current size, aligned up, per spec.md §4.4's "extend by
// policy step from free pool space."
func extendStep(current unit.Sector, extendPercent float64) unit.Sector {
	step := unit.Sector(float64(current) * extendPercent / 100.0)
	if step == 0 {
		step = unit.AlignmentSectors
	}
	return step.AlignUp()
}

func segmentsLength(segs []stack.Segment) unit.Sector {
	var total unit.Sector
	for _, s := range segs {
		total += s.Extent.Length
	}
	return total
}

// Snapshot implements spec.md §4.4's filesystem snapshot: a
// thin-driver snapshot of origin's thin ID into a freshly assigned
// thin ID for newFS, with the origin volume suspended and resumed
// across the operation. It returns the new filesystem's thin ID; the
// caller (the pool layer) is responsible for adding the corresponding
// NodeThinVolume to the stack graph and loading it, since this package
// never builds graphs itself.
func (m *Manager) Snapshot(origin unit.FilesystemID, originNodeName string, newFS unit.FilesystemID) (unit.ThinID, error) {
	originThinID, ok := m.ThinID(origin)
	if !ok {
		return 0, stratiserr.New(stratiserr.KindInput, fmt.Sprintf("thinpool: origin filesystem %s has no thin id", origin)).WithPool(m.PoolID)
	}
	newThinID := m.RegisterFilesystem(newFS)

	if err := m.Stack.Backend.Suspend(originNodeName); err != nil {
		m.ForgetFilesystem(newFS)
		return 0, stratiserr.Wrap(stratiserr.KindEnvironment, "thinpool: suspend origin for snapshot", err).WithPool(m.PoolID)
	}

	msg := fmt.Sprintf("create_snap %d %d", newThinID, originThinID)
	if err := m.Stack.Backend.Message(m.ThinPoolName, msg); err != nil {
		if resumeErr := m.Stack.Backend.Resume(originNodeName); resumeErr != nil {
			m.Avail.FailRollback()
			return 0, stratiserr.Wrap(stratiserr.KindInternal, "thinpool: resume origin after failed create_snap", resumeErr).WithPool(m.PoolID)
		}
		m.ForgetFilesystem(newFS)
		return 0, stratiserr.Wrap(stratiserr.KindEnvironment, "thinpool: create_snap message", err).WithPool(m.PoolID)
	}

	if err := m.Stack.Backend.Resume(originNodeName); err != nil {
		m.Avail.FailRollback()
		return 0, stratiserr.Wrap(stratiserr.KindInternal, "thinpool: resume origin after create_snap", err).WithPool(m.PoolID)
	}

	return newThinID, nil
}

// Run drives HandleEvent over a channel of incoming events until ctx
// is canceled, the way the teacher's reconciler runs its cycle until
// stopped.
func (m *Manager) Run(ctx context.Context, incoming <-chan Event) {
	logger := log.WithPool(m.PoolID.String())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-incoming:
			if !ok {
				return
			}
			if err := m.HandleEvent(ev); err != nil {
				logger.Error().Str("event", string(ev)).Err(err).Msg("thin-pool event handling failed")
			}
		}
	}
}
