/*
Package allocator tracks free space on a single block device: a
sorted, coalesced list of free extents covering [reserved end, device
end), per spec.md §4.2.

The free-list shape (sorted extents, coalesce neighbors on release,
first-fit satisfy a request) follows cznic/lldb's falloc.go, which
manages a Filer's free/used block space the same way; this package
specializes it to sector extents and the spec's integrity-reservation
and multi-device request fan-out.
*/
package allocator

import (
	"fmt"
	"sort"

	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// ErrOutOfSpace is returned by Request when no combination of devices
// can satisfy the requested size. Requests never partially succeed.
var ErrOutOfSpace = stratiserr.New(stratiserr.KindResource, "allocator: insufficient free space")

// Device tracks the free extents of one block device's allocatable
// region: [ReservedEnd, DeviceEnd).
type Device struct {
	ID    unit.DeviceID
	free  []unit.Extent // sorted by Start, no two entries overlap or touch
	total unit.Sector
}

// NewDevice builds a Device whose allocatable region is
// [reservedEnd, deviceEnd), entirely free.
func NewDevice(id unit.DeviceID, reservedEnd, deviceEnd unit.Sector) *Device {
	d := &Device{ID: id, total: deviceEnd}
	if deviceEnd > reservedEnd {
		d.free = []unit.Extent{{Start: reservedEnd, Length: deviceEnd - reservedEnd}}
	}
	return d
}

// FreeSectors returns the total number of free sectors on the device.
func (d *Device) FreeSectors() unit.Sector {
	var total unit.Sector
	for _, e := range d.free {
		total += e.Length
	}
	return total
}

// reserve removes an extent from the free list. e must exactly match
// or be contained within a single free extent; callers (reserveFirstFit)
// guarantee this.
func (d *Device) reserve(e unit.Extent) {
	for i, f := range d.free {
		if f.Start > e.Start || f.End() < e.End() {
			continue
		}
		var replacement []unit.Extent
		if before := (unit.Extent{Start: f.Start, Length: e.Start - f.Start}); !before.Empty() {
			replacement = append(replacement, before)
		}
		if after := (unit.Extent{Start: e.End(), Length: f.End() - e.End()}); !after.Empty() {
			replacement = append(replacement, after)
		}
		d.free = append(d.free[:i], append(replacement, d.free[i+1:]...)...)
		return
	}
}

// reserveChunk removes and returns up to `want` sectors from the
// first free extent in offset order (aligned up to the minimum
// allocation unit), taking the whole extent if it's smaller than
// want. It returns false if the device has no free extent left.
func (d *Device) reserveChunk(want unit.Sector) (unit.Extent, bool) {
	for _, f := range d.free {
		start := f.Start.AlignUp()
		if start >= f.End() {
			continue
		}
		avail := f.End() - start
		take := want
		if avail < take {
			take = avail
		}
		e := unit.Extent{Start: start, Length: take}
		d.reserve(e)
		return e, true
	}
	return unit.Extent{}, false
}

// release returns e to the free list and coalesces it with any
// touching neighbors. Coalescing is commutative: the resulting free
// list depends only on the set of currently-free extents, never on
// release order, per spec.md §4.2's invariant.
func (d *Device) release(e unit.Extent) {
	d.free = append(d.free, e)
	sort.Slice(d.free, func(i, j int) bool { return d.free[i].Start < d.free[j].Start })

	merged := d.free[:0]
	for _, cur := range d.free {
		if len(merged) > 0 {
			last := merged[len(merged)-1]
			if last.Overlaps(cur) || last.Adjacent(cur) {
				merged[len(merged)-1] = last.Merge(cur)
				continue
			}
		}
		merged = append(merged, cur)
	}
	d.free = merged
}

// Allocation is a single (device, extent) pair returned by Request.
type Allocation struct {
	DeviceID unit.DeviceID
	Extent   unit.Extent
}

// Pool allocates across an ordered set of devices: first-fit across
// devices in insertion order, first-fit by offset within a device,
// per spec.md §4.2.
type Pool struct {
	devices []*Device
}

// NewPool builds an allocator over devices, in the order they should
// be tried (their insertion/attachment order into the pool).
func NewPool(devices []*Device) *Pool {
	return &Pool{devices: devices}
}

// AddDevice appends a newly attached device to the end of the
// insertion order.
func (p *Pool) AddDevice(d *Device) {
	p.devices = append(p.devices, d)
}

// FreeSectors returns the sum of free sectors across every device.
func (p *Pool) FreeSectors() unit.Sector {
	var total unit.Sector
	for _, d := range p.devices {
		total += d.FreeSectors()
	}
	return total
}

// Request reserves sectors totaling at least n across the pool's
// devices, first-fit by device insertion order and then by offset
// within each device. It fails atomically with ErrOutOfSpace: no
// partial reservation is left behind on failure.
func (p *Pool) Request(n unit.Sector, purpose string) ([]Allocation, error) {
	if n == 0 {
		return nil, nil
	}
	if p.FreeSectors() < n {
		return nil, fmt.Errorf("%w: requested %d sectors for %s, %d available", ErrOutOfSpace, n, purpose, p.FreeSectors())
	}

	var allocs []Allocation
	remaining := n
	for _, d := range p.devices {
		for remaining > 0 {
			e, ok := d.reserveChunk(remaining)
			if !ok {
				break
			}
			allocs = append(allocs, Allocation{DeviceID: d.ID, Extent: e})
			remaining -= e.Length
		}
		if remaining == 0 {
			break
		}
	}

	if remaining > 0 {
		// Shouldn't happen given the FreeSectors check above, but roll
		// back defensively rather than leave a partial reservation.
		for _, a := range allocs {
			p.deviceByID(a.DeviceID).release(a.Extent)
		}
		return nil, fmt.Errorf("%w: requested %d sectors for %s", ErrOutOfSpace, n, purpose)
	}
	return allocs, nil
}

// Release returns a set of allocations to their devices' free lists.
func (p *Pool) Release(allocs []Allocation) {
	for _, a := range allocs {
		if d := p.deviceByID(a.DeviceID); d != nil {
			d.release(a.Extent)
		}
	}
}

func (p *Pool) deviceByID(id unit.DeviceID) *Device {
	for _, d := range p.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// MarkUsed removes an already-allocated extent from id's free list
// without returning an Allocation, for reconstructing allocator state
// from a persisted metadata record on pool load (where the extents
// are already known, not freshly chosen by first-fit). e must lie
// entirely within a single currently-free extent of the device.
func (p *Pool) MarkUsed(id unit.DeviceID, e unit.Extent) error {
	d := p.deviceByID(id)
	if d == nil {
		return fmt.Errorf("allocator: unknown device %s", id)
	}
	d.reserve(e)
	return nil
}

// ReserveForIntegrity computes the size, in sectors, of the
// integrity-reserved sub-range at the start of a device's allocatable
// region, from its declared total size. This runs exactly once at bd
// init; the table is deterministic so independent implementations
// (and a restarted process re-deriving it at assembly) agree.
//
// The table follows a simple banded scheme: larger devices reserve a
// larger fixed fraction, capped, so reservation overhead doesn't
// dominate small test/loopback devices while staying bounded on large
// ones.
func ReserveForIntegrity(deviceSectors unit.Sector) unit.Sector {
	const (
		oneGiBSectors = (1 << 30) / unit.SectorSize
		maxReserve    = 8 * oneGiBSectors
	)
	switch {
	case deviceSectors < oneGiBSectors:
		return (deviceSectors / 100).AlignUp() // 1%
	case deviceSectors < 100*oneGiBSectors:
		return (deviceSectors / 50).AlignUp() // 2%
	default:
		reserve := (deviceSectors / 25).AlignUp() // 4%
		if reserve > maxReserve {
			return unit.Sector(maxReserve).AlignUp()
		}
		return reserve
	}
}
