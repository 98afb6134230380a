package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratis-storage/stratisd-engine/pkg/bda"
	"github.com/stratis-storage/stratisd-engine/pkg/log"
	"github.com/stratis-storage/stratisd-engine/pkg/mda"
	"github.com/stratis-storage/stratisd-engine/pkg/metrics"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// DeviceHandle binds one pool member's opened device to the BDA
// header already recorded on it, letting Engine derive the device's
// MDA geometry without re-reading sector 0 on every call.
type DeviceHandle struct {
	ID     unit.DeviceID
	Dev    mda.ReaderWriterAt
	Header bda.Header
}

type deviceEntry struct {
	handle DeviceHandle
	store  *mda.Store
}

// Engine orchestrates metadata persistence across every device of a
// single pool, implementing spec.md §4.2's flush(record) contract: a
// mutation's new record is written to every device's MDA, and only
// once every write has succeeded does the new record become
// authoritative anywhere.
type Engine struct {
	PoolID unit.PoolID

	mu      sync.Mutex
	devices map[unit.DeviceID]*deviceEntry
}

// NewEngine returns an Engine with no devices attached yet.
func NewEngine(poolID unit.PoolID) *Engine {
	return &Engine{PoolID: poolID, devices: make(map[unit.DeviceID]*deviceEntry)}
}

// AddDevice attaches a device to the engine, deriving its MDA store
// from the slot offsets and slot size recorded in its own BDA header.
func (e *Engine) AddDevice(h DeviceHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	store := mda.NewStore(h.Dev, h.Header.MDAOffset1, h.Header.MDAOffset2, h.Header.MDASlotSectors)
	e.devices[h.ID] = &deviceEntry{handle: h, store: store}
}

// RemoveDevice detaches a device, e.g. after spec.md §4.6's "disowned"
// determination at discovery time.
func (e *Engine) RemoveDevice(id unit.DeviceID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.devices, id)
}

// DeviceIDs returns the attached device set, sorted for determinism.
func (e *Engine) DeviceIDs() []unit.DeviceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedIDsLocked()
}

func (e *Engine) sortedIDsLocked() []unit.DeviceID {
	ids := make([]unit.DeviceID, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Load returns the pool's authoritative metadata slot: the greatest
// timestamp whose record is present on every device Load can read,
// per spec.md §3's "Metadata record" and §4.1's invariant. This is
// deliberately not "the greatest timestamp any single device happens
// to hold" — after a Flush that wrote a new record to N-1 devices and
// failed on the Nth (spec.md §8's "N-1 successful, 1 failed"
// boundary), the succeeding devices hold the new record as their own
// per-device current slot while the failed device still holds only
// the prior one. A device's two-slot history keeps the prior record
// readable even once a newer one has been written elsewhere (Save
// never overwrites the slot it isn't targeting), so the prior record
// is still found on every device and wins here — exactly the "on
// restart the authoritative record is the prior record" outcome §8
// documents, instead of letting a record only a strict subset of
// devices received become authoritative.
//
// A device whose BDA/MDA fails validation entirely (both slots
// unreadable) is skipped and logged, not fatal to the overall Load,
// matching spec.md §4.1's "disowned" bd handling; Load fails only if
// every device is unreadable, or if no single timestamp is common to
// every device that could be read.
func (e *Engine) Load() (mda.Slot, error) {
	e.mu.Lock()
	ids := e.sortedIDsLocked()
	entries := make(map[unit.DeviceID]*deviceEntry, len(ids))
	for _, id := range ids {
		entries[id] = e.devices[id]
	}
	e.mu.Unlock()

	type candidate struct {
		slot    mda.Slot
		devices int
	}
	byTimestamp := make(map[int64]*candidate)
	var failures []string
	readable := 0

	for _, id := range ids {
		slots := entries[id].store.ValidSlots()
		if len(slots) == 0 {
			failures = append(failures, fmt.Sprintf("%s: no valid slot", id))
			log.WithDevice(id.String()).Warn().Msg("persistence: device unreadable during load")
			continue
		}
		readable++

		seen := make(map[int64]bool, len(slots))
		for _, slot := range slots {
			key := slot.Timestamp.UnixNano()
			if seen[key] {
				continue
			}
			seen[key] = true
			if c, ok := byTimestamp[key]; ok {
				c.devices++
			} else {
				byTimestamp[key] = &candidate{slot: slot, devices: 1}
			}
		}
	}
	if readable == 0 {
		return mda.Slot{}, stratiserr.New(stratiserr.KindCorruption,
			fmt.Sprintf("persistence: no valid authoritative record among %d devices: %v", len(ids), failures)).WithPool(e.PoolID)
	}

	var best mda.Slot
	found := false
	for _, c := range byTimestamp {
		if c.devices != readable {
			continue
		}
		if !found || c.slot.Timestamp.After(best.Timestamp) {
			best, found = c.slot, true
		}
	}
	if !found {
		return mda.Slot{}, stratiserr.New(stratiserr.KindCorruption,
			fmt.Sprintf("persistence: no record common to all %d readable devices", readable)).WithPool(e.PoolID)
	}
	return best, nil
}

// LoadInto decodes the authoritative payload as JSON into v.
func (e *Engine) LoadInto(v any) (time.Time, error) {
	slot, err := e.Load()
	if err != nil {
		return time.Time{}, err
	}
	if err := json.Unmarshal(slot.Payload, v); err != nil {
		return time.Time{}, stratiserr.Wrap(stratiserr.KindCorruption, "persistence: decode payload json", err).WithPool(e.PoolID)
	}
	return slot.Timestamp, nil
}

// Flush writes payload, stamped with ts, to every attached device's
// MDA. Per spec.md §4.2's default quorum policy, all devices must
// succeed: a single failed write leaves that operation's record
// un-authoritative everywhere (every mda.Store.Save only ever targets
// the non-current slot, so a failed write can't corrupt what was
// already durable) and Flush returns an Environment error naming the
// failed devices. The caller is expected to demote the pool to
// NoRequests on any Flush failure, per spec.md §4.2's "operation
// succeeds if a quorum policy is met" contract.
func (e *Engine) Flush(payload []byte, ts time.Time) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FlushDuration)

	e.mu.Lock()
	ids := e.sortedIDsLocked()
	entries := make(map[unit.DeviceID]*deviceEntry, len(ids))
	for _, id := range ids {
		entries[id] = e.devices[id]
	}
	e.mu.Unlock()

	if len(ids) == 0 {
		return stratiserr.New(stratiserr.KindInternal, "persistence: flush with no attached devices").WithPool(e.PoolID)
	}

	var failed []string
	for _, id := range ids {
		if err := entries[id].store.Save(payload, ts); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", id, err))
			log.WithDevice(id.String()).Error().Err(err).Msg("persistence: mda slot write failed")
		}
	}
	if len(failed) > 0 {
		return stratiserr.New(stratiserr.KindEnvironment,
			fmt.Sprintf("persistence: flush failed on %d/%d devices: %v", len(failed), len(ids), failed)).WithPool(e.PoolID)
	}
	return nil
}

// FlushJSON marshals v and calls Flush.
func (e *Engine) FlushJSON(v any, ts time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("persistence: encode payload json: %w", err)
	}
	return e.Flush(payload, ts)
}

