/*
Package bda encodes and decodes the block device area: the fixed
sector-0 header (plus a backup copy at sector 1) that identifies a raw
block device as belonging to a pool and describes its MDA geometry, per
spec.md §4.1 and §6.1.

Field layout follows zchee-go-qcow2's header.go convention of writing
each field at an explicit byte offset rather than relying on an
encoding/binary struct tag scheme (the header mixes fixed-width
integers and a 16-byte magic that doesn't fit a single round-trippable
Go struct cleanly), and hellin-go-ext4's superblock.go convention of
validating a magic number before trusting the rest of the header.
*/
package bda

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// ErrNotOurs is returned by Decode when the magic bytes don't match:
// the device was never initialized by this engine (spec.md §4.6).
var ErrNotOurs = errors.New("bda: magic mismatch, not a stratis device")

// ErrCRCMismatch is returned by Decode when the magic matches but the
// header CRC doesn't: the device is ours but the sector-0 copy is
// corrupt. Callers should fall back to BackupSector before concluding
// the device is unreadable.
var ErrCRCMismatch = errors.New("bda: header crc mismatch")

// Magic is the 16-byte identifier spec.md §6.1 specifies:
// "!Stra0tis\x86\xff\x02^\x41\rh".
var Magic = [16]byte{
	'!', 'S', 't', 'r', 'a', '0', 't', 'i', 's',
	0x86, 0xff, 0x02, '^', 0x41, '\r', 'h',
}

// SectorSize is the size in bytes of the on-disk header sector.
const SectorSize = 512

// BackupSector is the sector index of the backup header copy.
const BackupSector = 1

// Byte offsets within the 512-byte header sector. The CRC covers
// every byte of the sector except the crcOffset..crcOffset+4 field
// itself, per spec.md §4.1 ("CRC-32 of the header excluding the CRC
// field").
const (
	offMagic          = 0
	offCRC            = offMagic + 16
	offPoolID         = offCRC + 4
	offDeviceID       = offPoolID + 16
	offTotalSectors   = offDeviceID + 16
	offMDASlotSectors = offTotalSectors + 8
	offMDAOffset1     = offMDASlotSectors + 8
	offMDAOffset2     = offMDAOffset1 + 8
	offReservedStart  = offMDAOffset2 + 8
	offReservedEnd    = offReservedStart + 8
	offFormatMajor    = offReservedEnd + 8
	offFormatMinor    = offFormatMajor + 1
	headerLen         = offFormatMinor + 1
)

// FormatVersion is the BDA format version. Per spec.md §6.1, two
// versions are compatible iff Major is unchanged.
type FormatVersion struct {
	Major uint8
	Minor uint8
}

// CurrentFormatVersion is the version this package writes.
var CurrentFormatVersion = FormatVersion{Major: 1, Minor: 0}

// Compatible reports whether a device written with v can be read by
// this package.
func (v FormatVersion) Compatible(other FormatVersion) bool {
	return v.Major == other.Major
}

// Header is the decoded contents of a device's BDA.
type Header struct {
	PoolID         unit.PoolID
	DeviceID       unit.DeviceID
	TotalSectors   unit.Sector
	MDASlotSectors unit.Sector
	// MDAOffset1/2 are the sector offsets of the two MDA slots,
	// immediately following the reserved region in the common case.
	MDAOffset1    unit.Sector
	MDAOffset2    unit.Sector
	ReservedStart unit.Sector
	ReservedEnd   unit.Sector
	FormatVersion FormatVersion
}

// Encode serializes h into a SectorSize-byte buffer suitable for
// writing at sector 0 (and, identically, at BackupSector).
func (h Header) Encode() ([]byte, error) {
	buf := make([]byte, SectorSize)
	copy(buf[offMagic:], Magic[:])

	poolUUID := h.PoolID.UUID()
	copy(buf[offPoolID:], poolUUID[:])

	devUUID := h.DeviceID.UUID()
	copy(buf[offDeviceID:], devUUID[:])

	binary.LittleEndian.PutUint64(buf[offTotalSectors:], uint64(h.TotalSectors))
	binary.LittleEndian.PutUint64(buf[offMDASlotSectors:], uint64(h.MDASlotSectors))
	binary.LittleEndian.PutUint64(buf[offMDAOffset1:], uint64(h.MDAOffset1))
	binary.LittleEndian.PutUint64(buf[offMDAOffset2:], uint64(h.MDAOffset2))
	binary.LittleEndian.PutUint64(buf[offReservedStart:], uint64(h.ReservedStart))
	binary.LittleEndian.PutUint64(buf[offReservedEnd:], uint64(h.ReservedEnd))
	buf[offFormatMajor] = h.FormatVersion.Major
	buf[offFormatMinor] = h.FormatVersion.Minor

	crc := crc32.ChecksumIEEE(crcRegion(buf))
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)

	return buf, nil
}

// crcRegion returns the bytes covered by the header CRC: the whole
// sector except the 4-byte CRC field itself.
func crcRegion(buf []byte) []byte {
	region := make([]byte, 0, len(buf)-4)
	region = append(region, buf[:offCRC]...)
	region = append(region, buf[offCRC+4:]...)
	return region
}

// Decode parses a SectorSize-byte buffer into a Header. It returns an
// error if the magic doesn't match or the CRC is wrong; callers use
// this to distinguish "not ours" (foreign device, spec.md §4.6) from
// "ours but corrupt" (spec.md §4.1 "disowned").
func Decode(buf []byte) (Header, error) {
	if len(buf) < headerLen {
		return Header{}, fmt.Errorf("bda: short header (%d bytes)", len(buf))
	}
	if [16]byte(buf[offMagic:offMagic+16]) != Magic {
		return Header{}, ErrNotOurs
	}

	wantCRC := binary.LittleEndian.Uint32(buf[offCRC:])
	gotCRC := crc32.ChecksumIEEE(crcRegion(buf[:SectorSize]))
	if wantCRC != gotCRC {
		return Header{}, fmt.Errorf("%w: want %08x got %08x", ErrCRCMismatch, wantCRC, gotCRC)
	}

	poolID, err := unitPoolIDFromBytes(buf[offPoolID : offPoolID+16])
	if err != nil {
		return Header{}, fmt.Errorf("bda: decode pool id: %w", err)
	}
	deviceID, err := unitDeviceIDFromBytes(buf[offDeviceID : offDeviceID+16])
	if err != nil {
		return Header{}, fmt.Errorf("bda: decode device id: %w", err)
	}

	return Header{
		PoolID:         poolID,
		DeviceID:       deviceID,
		TotalSectors:   unit.Sector(binary.LittleEndian.Uint64(buf[offTotalSectors:])),
		MDASlotSectors: unit.Sector(binary.LittleEndian.Uint64(buf[offMDASlotSectors:])),
		MDAOffset1:     unit.Sector(binary.LittleEndian.Uint64(buf[offMDAOffset1:])),
		MDAOffset2:     unit.Sector(binary.LittleEndian.Uint64(buf[offMDAOffset2:])),
		ReservedStart:  unit.Sector(binary.LittleEndian.Uint64(buf[offReservedStart:])),
		ReservedEnd:    unit.Sector(binary.LittleEndian.Uint64(buf[offReservedEnd:])),
		FormatVersion:  FormatVersion{Major: buf[offFormatMajor], Minor: buf[offFormatMinor]},
	}, nil
}

func unitPoolIDFromBytes(b []byte) (unit.PoolID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return unit.PoolID{}, err
	}
	return unit.ParsePoolID(u.String())
}

func unitDeviceIDFromBytes(b []byte) (unit.DeviceID, error) {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return unit.DeviceID{}, err
	}
	return unit.ParseDeviceID(u.String())
}

// Write encodes h and writes it to both sector 0 and BackupSector of
// dev, the way spec.md §6.1 requires so that single-sector corruption
// is survivable.
func Write(dev io.WriterAt, h Header) error {
	buf, err := h.Encode()
	if err != nil {
		return err
	}
	if _, err := dev.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("bda: write primary header: %w", err)
	}
	if _, err := dev.WriteAt(buf, int64(BackupSector*SectorSize)); err != nil {
		return fmt.Errorf("bda: write backup header: %w", err)
	}
	return nil
}

// Read decodes the BDA header from dev, preferring sector 0 and
// falling back to BackupSector if the primary copy fails CRC
// validation. A primary copy whose magic doesn't match is reported as
// ErrNotOurs without consulting the backup.
func Read(dev io.ReaderAt) (Header, error) {
	primary := make([]byte, SectorSize)
	if _, err := dev.ReadAt(primary, 0); err != nil {
		return Header{}, fmt.Errorf("bda: read primary header: %w", err)
	}
	h, primaryErr := Decode(primary)
	if primaryErr == nil {
		return h, nil
	}
	if errors.Is(primaryErr, ErrNotOurs) {
		return Header{}, primaryErr
	}

	backup := make([]byte, SectorSize)
	if _, err := dev.ReadAt(backup, int64(BackupSector*SectorSize)); err != nil {
		return Header{}, fmt.Errorf("bda: read backup header after primary failed (%v): %w", primaryErr, err)
	}
	h, backupErr := Decode(backup)
	if backupErr != nil {
		return Header{}, fmt.Errorf("bda: both header copies invalid: primary %v, backup %w", primaryErr, backupErr)
	}
	return h, nil
}
