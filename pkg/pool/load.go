package pool

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/stratis-storage/stratisd-engine/pkg/allocator"
	"github.com/stratis-storage/stratisd-engine/pkg/availability"
	"github.com/stratis-storage/stratisd-engine/pkg/bda"
	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/metrics"
	"github.com/stratis-storage/stratisd-engine/pkg/persistence"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/thinpool"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// openedDevice is one device opened and identified during loadPool,
// kept around long enough to build both the persistence engine and
// the in-memory deviceState, and to close on any error path before
// the pool owns it.
type openedDevice struct {
	path   string
	dev    persistence.SyncingDevice
	header bda.Header
}

func closeOpenedDevices(devices map[unit.DeviceID]openedDevice) {
	for _, d := range devices {
		if rd, ok := d.dev.Device.(*persistence.RealDevice); ok {
			_ = rd.Close()
		}
	}
}

// loadPool reassembles a *Pool from its on-device metadata, for
// StartAuto once discovery.Pipeline reports a pool's full device set
// present. Unlike newPool, no BDA header is written and no fresh
// allocator/graph state is chosen: every extent, filesystem, and slot
// is already recorded in the authoritative record pulled off the
// devices themselves, and this just rebuilds the in-memory objects to
// match it.
func (r *Registry) loadPool(poolID unit.PoolID, devicePaths map[unit.DeviceID]string) (*Pool, error) {
	devices := make(map[unit.DeviceID]openedDevice, len(devicePaths))
	for id, path := range devicePaths {
		raw, err := persistence.OpenDevice(path)
		if err != nil {
			closeOpenedDevices(devices)
			return nil, stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("registry: open %s", path), err).WithPool(poolID)
		}
		dev := persistence.SyncingDevice{Device: raw}
		header, err := bda.Read(dev)
		if err != nil {
			_ = raw.Close()
			closeOpenedDevices(devices)
			return nil, stratiserr.Wrap(stratiserr.KindCorruption, fmt.Sprintf("registry: read bda %s", path), err).WithPool(poolID)
		}
		if header.PoolID != poolID || header.DeviceID != id {
			_ = raw.Close()
			closeOpenedDevices(devices)
			return nil, stratiserr.New(stratiserr.KindCorruption,
				fmt.Sprintf("registry: %s identifies as pool %s device %s, expected %s/%s", path, header.PoolID, header.DeviceID, poolID, id)).WithPool(poolID)
		}
		devices[id] = openedDevice{path: path, dev: dev, header: header}
	}

	engine := persistence.NewEngine(poolID)
	for id, d := range devices {
		engine.AddDevice(persistence.DeviceHandle{ID: id, Dev: d.dev, Header: d.header})
	}

	var rec record
	if _, err := engine.LoadInto(&rec); err != nil {
		closeOpenedDevices(devices)
		return nil, err
	}

	p := &Pool{
		ID: poolID, Name: rec.Name, Config: r.Config, Broker: r.Broker,
		Avail: availability.New(), Persist: engine, Encrypted: rec.Encrypted,
		devices:     make(map[unit.DeviceID]*deviceState),
		filesystems: make(map[unit.FilesystemID]*filesystemState),
	}

	var allocDevices []*allocator.Device
	var bdInputs []stack.BDInput
	for _, dr := range rec.Devices {
		d, ok := devices[dr.ID]
		if !ok {
			closeOpenedDevices(devices)
			return nil, stratiserr.New(stratiserr.KindCorruption,
				fmt.Sprintf("registry: record references device %s not among live devices", dr.ID)).WithPool(poolID)
		}
		p.devices[dr.ID] = &deviceState{path: d.path, header: d.header}

		allocDevices = append(allocDevices, allocator.NewDevice(dr.ID, dr.ReservedEnd, dr.TotalSectors))
		bdInputs = append(bdInputs, stack.BDInput{
			ID: dr.ID, Path: d.path,
			MetaExtents: dr.MetaExtents, DataExtents: dr.DataExtents,
		})
	}
	p.Alloc = allocator.NewPool(allocDevices)
	for _, dr := range rec.Devices {
		for _, e := range append(append([]unit.Extent{}, dr.MetaExtents...), dr.DataExtents...) {
			if err := p.Alloc.MarkUsed(dr.ID, e); err != nil {
				closeOpenedDevices(devices)
				return nil, stratiserr.Wrap(stratiserr.KindInternal, "registry: restore allocator extent", err).WithPool(poolID)
			}
		}
	}

	var dek []byte
	if rec.Encrypted {
		p.Crypt = crypt.LoadContext(poolID, rec.Slots, rec.NextSlotIndex)
		result, err := crypt.UnlockWith(context.Background(), p.Crypt, nil, r.Keyring, r.Unlocker)
		if err != nil {
			closeOpenedDevices(devices)
			return nil, stratiserr.Wrap(stratiserr.KindEnvironment, "registry: unlock pool dek", err).WithPool(poolID)
		}
		dek = result.DEK
	}

	buildInput := stack.BuildInput{
		PoolID: poolID, Devices: bdInputs,
		BlockSizeSectors: thinPoolBlockSizeSectors,
	}
	if rec.Encrypted {
		buildInput.Encrypted = true
		buildInput.CryptKeyHex = hex.EncodeToString(dek)
	}
	for _, fs := range rec.Filesystems {
		buildInput.Filesystems = append(buildInput.Filesystems, stack.FilesystemInput{ID: fs.ID, ThinID: fs.ThinID, Sectors: fs.Sectors})
	}
	graph, err := stack.BuildGraph(buildInput)
	if err != nil {
		closeOpenedDevices(devices)
		return nil, stratiserr.Wrap(stratiserr.KindInternal, "registry: rebuild graph", err).WithPool(poolID)
	}
	p.Stack = stack.New(graph, r.Backend)

	p.Thin = thinpool.New(poolID,
		nodeName(poolID, "thinmeta"), nodeName(poolID, "thindata"), nodeName(poolID, "thinpool"),
		p.Alloc, p.Stack, p.Avail, r.Broker, r.Config, p.backingNodeNameLocked)
	for _, fs := range rec.Filesystems {
		p.Thin.AdoptFilesystem(fs.ID, fs.ThinID)
		p.filesystems[fs.ID] = &filesystemState{ID: fs.ID, Name: fs.Name, ThinID: fs.ThinID, Sectors: fs.Sectors, Origin: fs.Origin}
	}

	metrics.PoolsTotal.WithLabelValues(p.Avail.State().String()).Inc()
	return p, nil
}
