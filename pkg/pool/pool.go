/*
Package pool implements the pool aggregate of spec.md §3/§4: the
object that binds one pool's block devices, allocator, availability
state, optional encryption context, thin-pool manager, and layered
device stack into the single unit every mutating operation (create,
add-device, filesystem create/snapshot/destroy, bind/unbind/rebind)
acts on.

Per spec.md §9's "Global mutable state" note, a *Registry (registry.go)
is the one piece of process-wide mutable state the engine carries —
the map of live pools — mirroring the teacher's pkg/storage.BoltStore
as the single source of truth cluster objects are looked up through,
generalized here from a persisted bolt map to an in-memory map backed
by each pool's own on-device metadata.
*/
package pool

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/stratis-storage/stratisd-engine/pkg/allocator"
	"github.com/stratis-storage/stratisd-engine/pkg/availability"
	"github.com/stratis-storage/stratisd-engine/pkg/bda"
	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/mda"
	"github.com/stratis-storage/stratisd-engine/pkg/metrics"
	"github.com/stratis-storage/stratisd-engine/pkg/persistence"
	"github.com/stratis-storage/stratisd-engine/pkg/sconfig"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/thinpool"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// DeviceInit describes one block device at pool-creation time: its
// identity, host path, and an already-open handle satisfying the MDA
// store's random-access seam. Registry.CreatePool builds these from
// real paths via pkg/persistence; tests build them directly over an
// in-memory double.
type DeviceInit struct {
	ID           unit.DeviceID
	Path         string
	Dev          mda.ReaderWriterAt
	TotalSectors unit.Sector
}

// deviceState is the in-memory half of a pool member: the allocator
// view plus enough of its BDA geometry to rebuild a record on Flush.
type deviceState struct {
	path   string
	header bda.Header
}

// filesystemState is the in-memory record of one filesystem.
type filesystemState struct {
	ID      unit.FilesystemID
	Name    string
	ThinID  unit.ThinID
	Sectors unit.Sector
	Origin  *unit.FilesystemID
}

// Pool is one assembled pool: its devices, allocator, availability
// state, thin-pool manager, layered stack, and (if encrypted)
// encryption context.
type Pool struct {
	ID   unit.PoolID
	Name string

	Config sconfig.Config
	Broker *events.Broker

	Alloc   *allocator.Pool
	Avail   *availability.Machine
	Persist *persistence.Engine
	Stack   *stack.Stack
	Thin    *thinpool.Manager
	Crypt   *crypt.Context // nil unless Encrypted

	Encrypted bool

	mu          sync.Mutex
	devices     map[unit.DeviceID]*deviceState
	filesystems map[unit.FilesystemID]*filesystemState
}

const (
	thinPoolBlockSizeSectors = 2048 // 1 MiB, dm-thin's minimum block size
)

// New assembles a brand-new, unencrypted pool over devices, writing
// each device's BDA header and reserving its integrity region, then
// building the allocator, persistence engine, and an initially empty
// thin-pool stack sized by cfg's low-water/extend policy. The pool
// starts in availability.Full. Whether a pool is encrypted is a
// creation-time choice per spec.md §3's "optional encryption
// context": use NewEncrypted instead to create one with a DEK and an
// initial passphrase slot already bound.
func New(name string, devices []DeviceInit, cfg sconfig.Config, broker *events.Broker, backend *stack.Backend) (*Pool, error) {
	return newPool(name, devices, cfg, broker, backend, false, nil)
}

// NewEncrypted assembles a brand-new pool the same way New does, but
// wraps every device in a crypt node keyed by a freshly generated DEK,
// and binds dek under an initial passphrase slot via ks/kr before
// returning. keyDescription names the keyring entry kr resolves at
// bind time and at every future unlock.
func NewEncrypted(name string, devices []DeviceInit, cfg sconfig.Config, broker *events.Broker, backend *stack.Backend, ks crypt.KeystoreWriter, kr crypt.Keyring, keyDescription string) (*Pool, error) {
	dek, err := crypt.GenerateDEK()
	if err != nil {
		return nil, stratiserr.Wrap(stratiserr.KindInternal, "pool: generate dek", err)
	}

	p, err := newPool(name, devices, cfg, broker, backend, true, dek)
	if err != nil {
		return nil, err
	}

	p.Crypt = crypt.NewContext(p.ID)
	if _, err := crypt.BindPassphrase(p.Crypt, ks, kr, keyDescription, dek); err != nil {
		return nil, stratiserr.Wrap(stratiserr.KindEnvironment, "pool: bind initial passphrase slot", err).WithPool(p.ID)
	}
	return p, nil
}

func newPool(name string, devices []DeviceInit, cfg sconfig.Config, broker *events.Broker, backend *stack.Backend, encrypted bool, dek []byte) (*Pool, error) {
	if len(devices) == 0 {
		return nil, stratiserr.New(stratiserr.KindInput, "pool: at least one device is required")
	}

	poolID := unit.NewPoolID()
	p := &Pool{
		ID:          poolID,
		Name:        name,
		Config:      cfg,
		Broker:      broker,
		Avail:       availability.New(),
		Persist:     persistence.NewEngine(poolID),
		Encrypted:   encrypted,
		devices:     make(map[unit.DeviceID]*deviceState),
		filesystems: make(map[unit.FilesystemID]*filesystemState),
	}

	var allocDevices []*allocator.Device
	var bdInputs []stack.BDInput
	slotSectors := cfg.DefaultMDASlotSectors
	if slotSectors == 0 {
		slotSectors = sconfig.Default().DefaultMDASlotSectors
	}

	for _, d := range devices {
		reservedEnd := allocator.ReserveForIntegrity(d.TotalSectors)
		mdaOffset1 := reservedEnd
		mdaOffset2 := mdaOffset1 + slotSectors
		allocStart := (mdaOffset2 + slotSectors).AlignUp()
		if allocStart >= d.TotalSectors {
			return nil, stratiserr.New(stratiserr.KindInput,
				fmt.Sprintf("pool: device %s is too small (%d sectors)", d.ID, d.TotalSectors)).WithPool(poolID)
		}

		header := bda.Header{
			PoolID:         poolID,
			DeviceID:       d.ID,
			TotalSectors:   d.TotalSectors,
			MDASlotSectors: slotSectors,
			MDAOffset1:     mdaOffset1,
			MDAOffset2:     mdaOffset2,
			ReservedStart:  0,
			ReservedEnd:    allocStart,
			FormatVersion:  bda.CurrentFormatVersion,
		}
		if err := bda.Write(d.Dev, header); err != nil {
			return nil, stratiserr.Wrap(stratiserr.KindEnvironment, "pool: write bda header", err).WithPool(poolID)
		}

		p.devices[d.ID] = &deviceState{path: d.Path, header: header}
		p.Persist.AddDevice(persistence.DeviceHandle{ID: d.ID, Dev: d.Dev, Header: header})
		allocDevices = append(allocDevices, allocator.NewDevice(d.ID, allocStart, d.TotalSectors))
		bdInputs = append(bdInputs, stack.BDInput{ID: d.ID, Path: d.Path})
	}
	p.Alloc = allocator.NewPool(allocDevices)

	buildInput := stack.BuildInput{
		PoolID:           poolID,
		Devices:          bdInputs,
		BlockSizeSectors: thinPoolBlockSizeSectors,
		LowWaterSectors:  0,
	}
	if encrypted {
		buildInput.Encrypted = true
		buildInput.CryptKeyHex = hex.EncodeToString(dek)
	}
	graph, err := stack.BuildGraph(buildInput)
	if err != nil {
		return nil, stratiserr.Wrap(stratiserr.KindInternal, "pool: build initial graph", err).WithPool(poolID)
	}
	p.Stack = stack.New(graph, backend)

	p.Thin = thinpool.New(poolID,
		nodeName(poolID, "thinmeta"), nodeName(poolID, "thindata"), nodeName(poolID, "thinpool"),
		p.Alloc, p.Stack, p.Avail, broker, cfg, p.backingNodeNameLocked)

	metrics.PoolsTotal.WithLabelValues(p.Avail.State().String()).Inc()
	return p, nil
}

// MetricsSnapshot returns the subset of pool state metrics.Collector
// samples on each tick. Cache-tier devices are out of scope (spec.md's
// cache-tier Non-goal), so CacheTier is always 0; thin-pool low-water
// state is a transient event reaction (pkg/thinpool's HandleEvent),
// not state the Manager retains between ticks, so both low-water
// fields always report false here rather than fabricate a stale
// reading between events.
func (p *Pool) MetricsSnapshot() metrics.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	var totalSectors unit.Sector
	for _, ds := range p.devices {
		totalSectors += ds.header.TotalSectors - ds.header.ReservedEnd
	}
	free := p.Alloc.FreeSectors()
	used := totalSectors - free

	return metrics.PoolSnapshot{
		PoolID:       p.ID.String(),
		Availability: p.Avail.State().String(),
		Filesystems:  len(p.filesystems),
		DataTier:     len(p.devices),
		CacheTier:    0,
		UsedSectors:  uint64(used),
		FreeSectors:  uint64(free),
		MetaLowWater: false,
		DataLowWater: false,
	}
}

func nodeName(poolID unit.PoolID, suffix string) string {
	return fmt.Sprintf("stratis-%s-%s", poolID, suffix)
}

// backingNodeNameLocked resolves a device ID to the stack node name a
// newly allocated extent on it should reference, honoring whether the
// pool is currently encrypted.
func (p *Pool) backingNodeNameLocked(devID unit.DeviceID) string {
	if p.Encrypted {
		return nodeName(p.ID, "crypt-"+devID.String())
	}
	return nodeName(p.ID, "bd-"+devID.String())
}

// FilesystemInfo is the public, read-only view of one filesystem a
// caller outside this package (pkg/engine's devnode maintenance,
// front-end listing) needs: its identity and current name.
type FilesystemInfo struct {
	ID     unit.FilesystemID
	Name   string
	Origin *unit.FilesystemID
}

// Filesystems returns the pool's current filesystem set, order
// unspecified.
func (p *Pool) Filesystems() []FilesystemInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FilesystemInfo, 0, len(p.filesystems))
	for _, fs := range p.filesystems {
		out = append(out, FilesystemInfo{ID: fs.ID, Name: fs.Name, Origin: fs.Origin})
	}
	return out
}

// DeviceIDs returns the pool's current device set, order unspecified.
func (p *Pool) DeviceIDs() []unit.DeviceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]unit.DeviceID, 0, len(p.devices))
	for id := range p.devices {
		ids = append(ids, id)
	}
	return ids
}

// deviceIDFromNodeName recovers the DeviceID encoded in a bd/crypt
// node's name ("stratis-<pool>-bd-<device>" or
// "stratis-<pool>-crypt-<device>"): the last 36 characters of the
// name are always the device's canonical UUID text.
func deviceIDFromNodeName(name string) (unit.DeviceID, bool) {
	const uuidLen = 36
	if len(name) < uuidLen {
		return unit.DeviceID{}, false
	}
	tail := name[len(name)-uuidLen:]
	id, err := unit.ParseDeviceID(tail)
	if err != nil {
		return unit.DeviceID{}, false
	}
	return id, true
}

// Flush persists the pool's current full state to every attached
// device's MDA, per spec.md §4.2's quorum-write contract. Callers are
// expected to call this after every successful mutation; a Flush
// failure demotes the pool to NoRequests, since the new state isn't
// durable everywhere.
func (p *Pool) Flush() error {
	p.mu.Lock()
	rec := p.toRecordLocked()
	p.mu.Unlock()

	ts := time.Now().UTC()
	if err := p.Persist.FlushJSON(rec, ts); err != nil {
		metrics.FlushFailuresTotal.WithLabelValues("quorum_write_failed").Inc()
		_ = p.Avail.Demote(availability.NoRequests)
		if p.Broker != nil {
			p.Broker.Publish(&events.Event{
				Type:     events.EventAvailabilityChanged,
				Message:  "metadata flush failed on a quorum of devices, pool demoted to NoRequests",
				Metadata: map[string]string{"pool_id": p.ID.String()},
			})
		}
		return err
	}
	return nil
}

func (p *Pool) toRecordLocked() record {
	rec := record{
		PoolID:     p.ID,
		Name:       p.Name,
		Encrypted:  p.Encrypted,
		NextThinID: p.Thin.NextThinID(),
		FlushedAt:  time.Now().UTC(),
	}

	graphMetaExtents, graphDataExtents := p.currentExtentsLocked()

	for id, ds := range p.devices {
		rec.Devices = append(rec.Devices, deviceRecord{
			ID:             id,
			Path:           ds.path,
			TotalSectors:   ds.header.TotalSectors,
			ReservedEnd:    ds.header.ReservedEnd,
			MDASlotSectors: ds.header.MDASlotSectors,
			MDAOffset1:     ds.header.MDAOffset1,
			MDAOffset2:     ds.header.MDAOffset2,
			MetaExtents:    graphMetaExtents[id],
			DataExtents:    graphDataExtents[id],
		})
	}
	rec.DeviceIDs = rec.deviceIDs()

	if p.Crypt != nil {
		rec.Slots = p.Crypt.Slots()
		rec.NextSlotIndex = p.Crypt.NextIndex()
	}
	for id, fs := range p.filesystems {
		_ = id
		rec.Filesystems = append(rec.Filesystems, filesystemRecord{
			ID: fs.ID, Name: fs.Name, ThinID: fs.ThinID, Sectors: fs.Sectors, Origin: fs.Origin,
		})
	}
	return rec
}

// currentExtentsLocked walks the thin-pool's metadata and data linear
// nodes and groups their segments back by originating device, giving
// the allocator state that must be persisted to reconstruct the exact
// same graph on the next load (spec.md §4.3's "no DM table string
// persisted" contract applies to the rendered text, not to this
// extent bookkeeping, which is the pool's own metadata).
func (p *Pool) currentExtentsLocked() (meta, data map[unit.DeviceID][]unit.Extent) {
	meta = make(map[unit.DeviceID][]unit.Extent)
	data = make(map[unit.DeviceID][]unit.Extent)

	collect := func(name string, into map[unit.DeviceID][]unit.Extent) {
		node, ok := p.Stack.Graph.Node(name)
		if !ok {
			return
		}
		for _, seg := range node.Segments {
			devID, ok := deviceIDFromNodeName(seg.Child)
			if !ok {
				continue
			}
			into[devID] = append(into[devID], seg.Extent)
		}
	}
	collect(nodeName(p.ID, "thinmeta"), meta)
	collect(nodeName(p.ID, "thindata"), data)
	return meta, data
}
