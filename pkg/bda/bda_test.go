package bda

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

func sampleHeader() Header {
	return Header{
		PoolID:         unit.NewPoolID(),
		DeviceID:       unit.NewDeviceID(),
		TotalSectors:   unit.Sector(1 << 24),
		MDASlotSectors: unit.Sector(4096),
		MDAOffset1:     unit.Sector(8192),
		MDAOffset2:     unit.Sector(8192 + 4096),
		ReservedStart:  unit.Sector(2),
		ReservedEnd:    unit.Sector(8192),
		FormatVersion:  CurrentFormatVersion,
	}
}

// memDevice is an in-memory io.ReaderAt/io.WriterAt standing in for a
// raw block device, the same role SimBackend plays for the higher
// layers.
type memDevice struct {
	data []byte
}

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := sampleHeader()
	buf, err := h.Encode()
	require.NoError(t, err)
	require.Len(t, buf, SectorSize)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeRejectsForeignMagic(t *testing.T) {
	buf := make([]byte, SectorSize)
	copy(buf, []byte("not-a-stratis-hdr"))

	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrNotOurs)
}

func TestDecodeRejectsCorruptCRC(t *testing.T) {
	h := sampleHeader()
	buf, err := h.Encode()
	require.NoError(t, err)

	buf[offTotalSectors] ^= 0xff // flip a byte covered by the CRC

	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrCRCMismatch)
}

func TestWriteReadRoundTripThroughDevice(t *testing.T) {
	dev := newMemDevice(4096)
	h := sampleHeader()

	require.NoError(t, Write(dev, h))

	got, err := Read(dev)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestReadFallsBackToBackupOnPrimaryCorruption(t *testing.T) {
	dev := newMemDevice(4096)
	h := sampleHeader()
	require.NoError(t, Write(dev, h))

	// Corrupt only the primary copy.
	dev.data[offTotalSectors] ^= 0xff

	got, err := Read(dev)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestReadFailsWhenBothCopiesCorrupt(t *testing.T) {
	dev := newMemDevice(4096)
	h := sampleHeader()
	require.NoError(t, Write(dev, h))

	dev.data[offTotalSectors] ^= 0xff
	dev.data[BackupSector*SectorSize+offTotalSectors] ^= 0xff

	_, err := Read(dev)
	require.Error(t, err)
}

func TestFormatVersionCompatible(t *testing.T) {
	v1 := FormatVersion{Major: 1, Minor: 0}
	v1Newer := FormatVersion{Major: 1, Minor: 3}
	v2 := FormatVersion{Major: 2, Minor: 0}

	require.True(t, v1.Compatible(v1Newer))
	require.False(t, v1.Compatible(v2))
}

func TestCrcRegionExcludesOnlyCRCField(t *testing.T) {
	buf := bytes.Repeat([]byte{0xAB}, SectorSize)
	region := crcRegion(buf)
	require.Len(t, region, SectorSize-4)
}
