package pool

import (
	"time"

	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// deviceRecord is the persisted view of one pool member: its identity,
// host path, and the extents the allocator currently has reserved for
// the thin-pool's metadata and data subdevices. Per spec.md §4.3's "no
// DM table string is ever persisted" contract, only this allocator
// state is durable; stack.BuildGraph re-derives the actual table text
// from it on every start.
type deviceRecord struct {
	ID             unit.DeviceID `json:"id"`
	Path           string        `json:"path"`
	TotalSectors   unit.Sector   `json:"total_sectors"`
	ReservedEnd    unit.Sector   `json:"reserved_end"`
	MDASlotSectors unit.Sector   `json:"mda_slot_sectors"`
	MDAOffset1     unit.Sector   `json:"mda_offset1"`
	MDAOffset2     unit.Sector   `json:"mda_offset2"`
	MetaExtents    []unit.Extent `json:"meta_extents"`
	DataExtents    []unit.Extent `json:"data_extents"`
}

// filesystemRecord is the persisted view of one filesystem.
type filesystemRecord struct {
	ID      unit.FilesystemID  `json:"id"`
	Name    string             `json:"name"`
	ThinID  unit.ThinID        `json:"thin_id"`
	Sectors unit.Sector        `json:"sectors"`
	Origin  *unit.FilesystemID `json:"origin,omitempty"`
}

// record is the full JSON payload flushed to every device's MDA by
// Pool.Flush, and the shape Registry.loadPool (load.go) decodes back. Its
// pool_id/device_ids/encrypted fields are a superset of
// pkg/discovery's recordPayload: that package only ever needs to read
// enough of this same payload to decide when a pool's device set is
// complete, never to fully reconstruct it.
type record struct {
	PoolID    unit.PoolID     `json:"pool_id"`
	Name      string          `json:"name"`
	DeviceIDs []unit.DeviceID `json:"device_ids"`
	Devices   []deviceRecord  `json:"devices"`

	Encrypted     bool         `json:"encrypted"`
	Slots         []crypt.Slot `json:"slots,omitempty"`
	NextSlotIndex int          `json:"next_slot_index,omitempty"`

	Filesystems []filesystemRecord `json:"filesystems"`
	NextThinID  unit.ThinID        `json:"next_thin_id"`

	FlushedAt time.Time `json:"flushed_at"`
}

func (r record) deviceIDs() []unit.DeviceID {
	ids := make([]unit.DeviceID, len(r.Devices))
	for i, d := range r.Devices {
		ids[i] = d.ID
	}
	return ids
}
