package discovery

import (
	"encoding/json"
	"fmt"

	"github.com/stratis-storage/stratisd-engine/pkg/bda"
	"github.com/stratis-storage/stratisd-engine/pkg/mda"
	"github.com/stratis-storage/stratisd-engine/pkg/persistence"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// recordPayload is the subset of a pool's metadata JSON that discovery
// needs to make assembly decisions. The pool aggregate's full record
// (not built by this package) is a superset of this shape; any type
// that encodes pool_id, device_ids and encrypted under these exact
// JSON names can be probed by RealProber.
type recordPayload struct {
	PoolID    unit.PoolID     `json:"pool_id"`
	DeviceIDs []unit.DeviceID `json:"device_ids"`
	Encrypted bool            `json:"encrypted"`
}

// RealProber probes actual block devices, via pkg/persistence and
// pkg/bda/pkg/mda, the same stack pkg/persistence.Engine uses once a
// pool is running.
type RealProber struct{}

// ProbeHeader opens path and reads its BDA header. It returns
// bda.ErrNotOurs unmodified so callers can distinguish a foreign
// device from a read failure.
func (RealProber) ProbeHeader(path string) (bda.Header, error) {
	dev, err := persistence.OpenDevice(path)
	if err != nil {
		return bda.Header{}, fmt.Errorf("discovery: open %s: %w", path, err)
	}
	defer dev.Close()

	header, err := bda.Read(dev)
	if err != nil {
		return bda.Header{}, err
	}
	return header, nil
}

// ProbeRecord reads the device's current MDA slot and decodes its
// payload into a Record.
func (RealProber) ProbeRecord(path string, header bda.Header) (Record, mda.Slot, error) {
	dev, err := persistence.OpenDevice(path)
	if err != nil {
		return Record{}, mda.Slot{}, fmt.Errorf("discovery: open %s: %w", path, err)
	}
	defer dev.Close()

	store := mda.NewStore(dev, header.MDAOffset1, header.MDAOffset2, header.MDASlotSectors)
	slot, err := store.Load()
	if err != nil {
		return Record{}, mda.Slot{}, err
	}

	var payload recordPayload
	if err := json.Unmarshal(slot.Payload, &payload); err != nil {
		return Record{}, mda.Slot{}, fmt.Errorf("discovery: decode record payload: %w", err)
	}
	return Record{
		PoolID:    payload.PoolID,
		DeviceIDs: payload.DeviceIDs,
		Encrypted: payload.Encrypted,
	}, slot, nil
}
