package stack

import (
	"fmt"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// BDInput describes one raw block device contributing extents to the
// stack being built.
type BDInput struct {
	ID   unit.DeviceID
	Path string
	// DataExtents/MetaExtents are the sector ranges on this device the
	// allocator has reserved for the thin-pool's data and metadata
	// sub-devices, respectively.
	DataExtents []unit.Extent
	MetaExtents []unit.Extent
}

// CacheInput describes the extents reserved for the cache tier, when
// present.
type CacheInput struct {
	MetaExtents  []unit.Extent
	CacheExtents []unit.Extent
	Devices      []BDInput
}

// FilesystemInput describes one thin volume to place atop the pool's
// thin-pool node.
type FilesystemInput struct {
	ID      unit.FilesystemID
	ThinID  unit.ThinID
	Sectors unit.Sector
}

// BuildInput is everything BuildGraph needs to re-derive a pool's
// layered device stack; it carries no DM-specific strings, only the
// data spec.md §4.3 names as the graph's source of truth.
type BuildInput struct {
	PoolID unit.PoolID
	Devices []BDInput

	// Encrypted, when true, wraps every raw device in a crypt node
	// before it contributes to any linear concatenation.
	Encrypted   bool
	CryptKeyHex string

	Cache *CacheInput // nil if the pool has no cache tier

	BlockSizeSectors unit.Sector
	LowWaterSectors  unit.Sector

	Filesystems []FilesystemInput
}

func nodeName(poolID unit.PoolID, suffix string) string {
	return fmt.Sprintf("stratis-%s-%s", poolID, suffix)
}

// BuildGraph derives the full layered graph for a pool from its
// device list, allocator-assigned extents, and filesystem list. It
// performs no I/O: the result only describes what tables *would* be
// loaded: spec.md §4.3's "engine never persists DM-specific table
// strings" contract lives here, one level up, where callers decide
// when (or whether) to actually apply it through a Backend.
func BuildGraph(in BuildInput) (*Graph, error) {
	if len(in.Devices) == 0 {
		return nil, fmt.Errorf("stack: pool %s has no devices", in.PoolID)
	}

	g := newGraph()

	backingName := func(devID unit.DeviceID) string {
		if in.Encrypted {
			return nodeName(in.PoolID, "crypt-"+devID.String())
		}
		return nodeName(in.PoolID, "bd-"+devID.String())
	}

	addDevice := func(d BDInput) {
		bdName := nodeName(in.PoolID, "bd-"+d.ID.String())
		g.add(&Node{Name: bdName, Kind: NodeBD, BDPath: d.Path})

		if in.Encrypted {
			cryptName := nodeName(in.PoolID, "crypt-"+d.ID.String())
			g.add(&Node{
				Name:        cryptName,
				Kind:        NodeCrypt,
				Children:    []string{bdName},
				Sectors:     deviceSectors(d),
				CryptKeyHex: in.CryptKeyHex,
			})
		}
	}

	for _, d := range in.Devices {
		addDevice(d)
	}

	metaSegs, dataSegs, err := concatSegments(in.Devices, backingName)
	if err != nil {
		return nil, err
	}

	thinMetaName := nodeName(in.PoolID, "thinmeta")
	g.add(&Node{Name: thinMetaName, Kind: NodeLinear, Segments: metaSegs, Sectors: segmentsLength(metaSegs)})

	thinDataName := nodeName(in.PoolID, "thindata")
	g.add(&Node{Name: thinDataName, Kind: NodeLinear, Segments: dataSegs, Sectors: segmentsLength(dataSegs)})

	// The cache tier, if present, sits between the thin-pool's backing
	// linear (thindata) and the thin-pool itself (spec.md §4.3).
	thinPoolDataBacking := thinDataName
	if in.Cache != nil {
		cacheBackingName := func(devID unit.DeviceID) string {
			return backingNameFor(in.Cache.Devices, devID, in.Encrypted, in.PoolID)
		}
		for _, d := range in.Cache.Devices {
			addDevice(d)
		}
		cacheMetaSegs, cacheDataSegs, err := concatSegments(in.Cache.Devices, cacheBackingName)
		if err != nil {
			return nil, fmt.Errorf("stack: cache tier: %w", err)
		}

		cacheMetaName := nodeName(in.PoolID, "cachemeta")
		g.add(&Node{Name: cacheMetaName, Kind: NodeLinear, Segments: cacheMetaSegs, Sectors: segmentsLength(cacheMetaSegs)})

		cacheDataName := nodeName(in.PoolID, "cachedata")
		g.add(&Node{Name: cacheDataName, Kind: NodeLinear, Segments: cacheDataSegs, Sectors: segmentsLength(cacheDataSegs)})

		cacheName := nodeName(in.PoolID, "cache")
		g.add(&Node{
			Name:             cacheName,
			Kind:             NodeCache,
			Children:         []string{cacheMetaName, cacheDataName, thinDataName},
			Sectors:          segmentsLength(dataSegs),
			BlockSizeSectors: in.BlockSizeSectors,
		})
		thinPoolDataBacking = cacheName
	}

	thinPoolName := nodeName(in.PoolID, "thinpool")
	g.add(&Node{
		Name:             thinPoolName,
		Kind:             NodeThinPool,
		Children:         []string{thinMetaName, thinPoolDataBacking},
		Sectors:          segmentsLength(dataSegs),
		BlockSizeSectors: in.BlockSizeSectors,
		LowWaterSectors:  in.LowWaterSectors,
	})

	for _, fs := range in.Filesystems {
		fsName := nodeName(in.PoolID, "fs-"+fs.ID.String())
		g.add(&Node{
			Name:     fsName,
			Kind:     NodeThinVolume,
			Children: []string{thinPoolName},
			Sectors:  fs.Sectors,
			ThinID:   fs.ThinID,
		})
	}

	return g, nil
}

func deviceSectors(d BDInput) unit.Sector {
	var total unit.Sector
	for _, e := range d.DataExtents {
		total += e.Length
	}
	for _, e := range d.MetaExtents {
		total += e.Length
	}
	return total
}

// concatSegments builds the metadata and data linear segment lists
// across a set of devices, in device order, matching spec.md §4.3's
// "linear DM target(s) concatenating data extents".
func concatSegments(devices []BDInput, backingName func(unit.DeviceID) string) (meta, data []Segment, err error) {
	for _, d := range devices {
		name := backingName(d.ID)
		for _, e := range d.MetaExtents {
			meta = append(meta, Segment{Child: name, Extent: e})
		}
		for _, e := range d.DataExtents {
			data = append(data, Segment{Child: name, Extent: e})
		}
	}
	return meta, data, nil
}

func backingNameFor(devices []BDInput, devID unit.DeviceID, encrypted bool, poolID unit.PoolID) string {
	for _, d := range devices {
		if d.ID == devID {
			if encrypted {
				return nodeName(poolID, "crypt-"+devID.String())
			}
			return nodeName(poolID, "bd-"+devID.String())
		}
	}
	return ""
}

func segmentsLength(segs []Segment) unit.Sector {
	var total unit.Sector
	for _, s := range segs {
		total += s.Extent.Length
	}
	return total
}
