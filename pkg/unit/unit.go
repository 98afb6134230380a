/*
Package unit provides the strongly-typed identifiers and sector/size
arithmetic shared by every other stratisd-engine package.

Every pool, block device, and filesystem is named by a 128-bit UUID
(github.com/google/uuid) wrapped in a kind-specific type so that a
PoolID can never be compared against a FilesystemID by accident. All
on-disk and in-memory sizes are counted in 512-byte sectors via the
Sector type; Extent is the half-open [Start, Start+Length) range that
every allocator and layered-device operation works in.
*/
package unit

import (
	"fmt"

	"github.com/google/uuid"
)

// SectorSize is the fixed size, in bytes, of one sector.
const SectorSize = 512

// AlignmentSectors is the minimum allocation unit: 1 MiB expressed in
// sectors. spec.md §9 Open Questions leaves sub-standard block sizes
// unresolved; this constant is the documented default.
const AlignmentSectors Sector = (1 << 20) / SectorSize

// Sector counts 512-byte sectors from the start of a block device.
type Sector uint64

// Bytes returns the byte offset/size corresponding to s.
func (s Sector) Bytes() uint64 { return uint64(s) * SectorSize }

// SectorsFromBytes rounds n bytes down to a whole number of sectors.
func SectorsFromBytes(n uint64) Sector { return Sector(n / SectorSize) }

// AlignUp rounds s up to the next multiple of AlignmentSectors.
func (s Sector) AlignUp() Sector {
	rem := s % AlignmentSectors
	if rem == 0 {
		return s
	}
	return s + (AlignmentSectors - rem)
}

// AlignDown rounds s down to a multiple of AlignmentSectors.
func (s Sector) AlignDown() Sector {
	return s - (s % AlignmentSectors)
}

// Extent is a contiguous, half-open sector range [Start, Start+Length)
// on a single block device.
type Extent struct {
	Start  Sector `json:"start"`
	Length Sector `json:"length"`
}

// End returns the exclusive end sector of the extent.
func (e Extent) End() Sector { return e.Start + e.Length }

// Empty reports whether the extent covers zero sectors.
func (e Extent) Empty() bool { return e.Length == 0 }

// Overlaps reports whether e and o share any sector.
func (e Extent) Overlaps(o Extent) bool {
	return e.Start < o.End() && o.Start < e.End()
}

// Adjacent reports whether e and o are contiguous (in either order)
// and can be coalesced into a single extent.
func (e Extent) Adjacent(o Extent) bool {
	return e.End() == o.Start || o.End() == e.Start
}

// Merge coalesces two adjacent or overlapping extents. Callers must
// check Adjacent or Overlaps first.
func (e Extent) Merge(o Extent) Extent {
	start := e.Start
	if o.Start < start {
		start = o.Start
	}
	end := e.End()
	if o.End() > end {
		end = o.End()
	}
	return Extent{Start: start, Length: end - start}
}

// idKind discriminates the typed ID wrappers below at compile time;
// it carries no runtime information of its own.
type idKind uint8

const (
	kindPool idKind = iota
	kindDevice
	kindFilesystem
)

// id is the shared representation behind PoolID, DeviceID, and
// FilesystemID. It is not exported: callers use the kind-specific
// constructors and accessors only.
type id struct {
	kind idKind
	uuid uuid.UUID
}

func (i id) String() string { return i.uuid.String() }

// PoolID uniquely identifies a pool for the lifetime of the process
// and across restarts (it is persisted in the BDA/MDA).
type PoolID struct{ id }

// NewPoolID allocates a fresh, random pool UUID.
func NewPoolID() PoolID { return PoolID{id{kind: kindPool, uuid: uuid.New()}} }

// ParsePoolID parses a canonical UUID string into a PoolID.
func ParsePoolID(s string) (PoolID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PoolID{}, fmt.Errorf("parse pool id %q: %w", s, err)
	}
	return PoolID{id{kind: kindPool, uuid: u}}, nil
}

// IsZero reports whether p was never assigned a value.
func (p PoolID) IsZero() bool { return p.uuid == uuid.Nil }

// UUID returns the underlying UUID, for callers (pkg/bda) that need to
// serialize it into a fixed-width binary layout.
func (p PoolID) UUID() uuid.UUID { return p.uuid }

func (p PoolID) MarshalJSON() ([]byte, error)    { return marshalID(p.uuid) }
func (p *PoolID) UnmarshalJSON(b []byte) error    { return unmarshalID(b, &p.uuid, kindPool, &p.kind) }

// DeviceID uniquely identifies a block device within a pool.
type DeviceID struct{ id }

// NewDeviceID allocates a fresh, random device UUID.
func NewDeviceID() DeviceID { return DeviceID{id{kind: kindDevice, uuid: uuid.New()}} }

// ParseDeviceID parses a canonical UUID string into a DeviceID.
func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("parse device id %q: %w", s, err)
	}
	return DeviceID{id{kind: kindDevice, uuid: u}}, nil
}

func (d DeviceID) IsZero() bool { return d.uuid == uuid.Nil }

// UUID returns the underlying UUID.
func (d DeviceID) UUID() uuid.UUID { return d.uuid }

func (d DeviceID) MarshalJSON() ([]byte, error) { return marshalID(d.uuid) }
func (d *DeviceID) UnmarshalJSON(b []byte) error {
	return unmarshalID(b, &d.uuid, kindDevice, &d.kind)
}

// FilesystemID uniquely identifies a filesystem within a pool. A
// filesystem's ID never changes across rename or resize, matching
// spec.md §3's "a filesystem's thin ID never changes" invariant for
// the identifier that names it.
type FilesystemID struct{ id }

// NewFilesystemID allocates a fresh, random filesystem UUID.
func NewFilesystemID() FilesystemID {
	return FilesystemID{id{kind: kindFilesystem, uuid: uuid.New()}}
}

// ParseFilesystemID parses a canonical UUID string into a FilesystemID.
func ParseFilesystemID(s string) (FilesystemID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return FilesystemID{}, fmt.Errorf("parse filesystem id %q: %w", s, err)
	}
	return FilesystemID{id{kind: kindFilesystem, uuid: u}}, nil
}

func (f FilesystemID) IsZero() bool { return f.uuid == uuid.Nil }

// UUID returns the underlying UUID.
func (f FilesystemID) UUID() uuid.UUID { return f.uuid }

func (f FilesystemID) MarshalJSON() ([]byte, error) { return marshalID(f.uuid) }
func (f *FilesystemID) UnmarshalJSON(b []byte) error {
	return unmarshalID(b, &f.uuid, kindFilesystem, &f.kind)
}

func marshalID(u uuid.UUID) ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}

func unmarshalID(b []byte, dst *uuid.UUID, kind idKind, kindField *idKind) error {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("unit: malformed id literal %s", s)
	}
	u, err := uuid.Parse(s[1 : len(s)-1])
	if err != nil {
		return fmt.Errorf("unit: parse id: %w", err)
	}
	*dst = u
	*kindField = kind
	return nil
}

// ThinID is a stable, per-thin-pool integer identifier for a thin
// volume (a filesystem), per spec.md GLOSSARY.
type ThinID uint32
