/*
Package mda implements the metadata area: the two-slot journaled
region of a block device that carries the pool's current JSON metadata
record, per spec.md §4.1.

The protocol never overwrites the slot currently considered
authoritative: Save always targets the other slot and stamps it with a
newer timestamp, so a crash mid-write leaves the previous slot intact
and readable. Slot encode/decode uses explicit little-endian
field-by-field writes into a fixed byte buffer, the same approach
pkg/bda takes and the one zchee-go-qcow2's header.go uses for the
QCOW2 header.
*/
package mda

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// Slot header byte layout: length(8) crc32(4) sec(8) nsec(4), padded
// to 32 bytes so the payload starts on an 8-byte boundary.
const (
	slotHeaderLen     = 32
	offLength         = 0
	offCRC            = offLength + 8
	offTimestampSec   = offCRC + 4
	offTimestampNsec  = offTimestampSec + 8
)

// ErrEmptySlot is returned by DecodeSlot when the slot has never been
// written (an all-zero length field).
var ErrEmptySlot = errors.New("mda: slot empty")

// ErrSlotCorrupt is returned by DecodeSlot when the slot has been
// written but fails CRC validation: a torn or corrupted write.
var ErrSlotCorrupt = errors.New("mda: slot payload crc mismatch")

// Slot is one decoded metadata-area slot.
type Slot struct {
	Timestamp time.Time
	Payload   []byte
}

// ReaderWriterAt is the minimal device interface mda needs: random
// access reads and writes, which a raw block device (or pkg/simbackend
// in tests) both satisfy.
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// EncodeSlot serializes payload with timestamp ts into a
// slotSectors-sector buffer. It returns a stratiserr Resource error,
// without mutating any caller state, if payload doesn't fit.
func EncodeSlot(slotSectors unit.Sector, payload []byte, ts time.Time) ([]byte, error) {
	capacity := int(slotSectors.Bytes()) - slotHeaderLen
	if capacity < 0 || len(payload) > capacity {
		return nil, stratiserr.New(stratiserr.KindResource,
			fmt.Sprintf("mda: payload %d bytes exceeds slot capacity %d bytes", len(payload), capacity))
	}

	buf := make([]byte, slotSectors.Bytes())
	binary.LittleEndian.PutUint64(buf[offLength:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(buf[offTimestampSec:], uint64(ts.Unix()))
	binary.LittleEndian.PutUint32(buf[offTimestampNsec:], uint32(ts.Nanosecond()))
	copy(buf[slotHeaderLen:], payload)

	crc := crc32.ChecksumIEEE(buf[slotHeaderLen : slotHeaderLen+len(payload)])
	binary.LittleEndian.PutUint32(buf[offCRC:], crc)

	return buf, nil
}

// DecodeSlot parses a slot buffer previously produced by EncodeSlot.
func DecodeSlot(buf []byte) (Slot, error) {
	if len(buf) < slotHeaderLen {
		return Slot{}, fmt.Errorf("mda: short slot (%d bytes)", len(buf))
	}

	length := binary.LittleEndian.Uint64(buf[offLength:])
	if length == 0 {
		return Slot{}, ErrEmptySlot
	}
	if int(length) > len(buf)-slotHeaderLen {
		return Slot{}, fmt.Errorf("%w: length %d exceeds buffer", ErrSlotCorrupt, length)
	}

	payload := buf[slotHeaderLen : slotHeaderLen+int(length)]
	wantCRC := binary.LittleEndian.Uint32(buf[offCRC:])
	if gotCRC := crc32.ChecksumIEEE(payload); gotCRC != wantCRC {
		return Slot{}, fmt.Errorf("%w: want %08x got %08x", ErrSlotCorrupt, wantCRC, gotCRC)
	}

	sec := int64(binary.LittleEndian.Uint64(buf[offTimestampSec:]))
	nsec := int64(binary.LittleEndian.Uint32(buf[offTimestampNsec:]))

	out := make([]byte, length)
	copy(out, payload)
	return Slot{Timestamp: time.Unix(sec, nsec).UTC(), Payload: out}, nil
}

// Store manages the two alternating slots of a single device's MDA.
type Store struct {
	dev         ReaderWriterAt
	offsets     [2]unit.Sector
	slotSectors unit.Sector
}

// NewStore builds a Store over the two slot offsets recorded in the
// device's BDA header.
func NewStore(dev ReaderWriterAt, offset1, offset2, slotSectors unit.Sector) *Store {
	return &Store{dev: dev, offsets: [2]unit.Sector{offset1, offset2}, slotSectors: slotSectors}
}

func (s *Store) readSlot(i int) (Slot, error) {
	buf := make([]byte, s.slotSectors.Bytes())
	if _, err := s.dev.ReadAt(buf, int64(s.offsets[i].Bytes())); err != nil {
		return Slot{}, fmt.Errorf("mda: read slot %d: %w", i, err)
	}
	return DecodeSlot(buf)
}

// current returns the index of the authoritative slot: the valid slot
// with the greatest timestamp, ties broken toward slot 0, per
// spec.md §4.1. It returns -1 if neither slot is valid (a freshly
// initialized device, or both corrupt).
func (s *Store) current() (int, Slot, error) {
	slot0, err0 := s.readSlot(0)
	slot1, err1 := s.readSlot(1)

	valid0 := err0 == nil
	valid1 := err1 == nil

	switch {
	case valid0 && valid1:
		if slot1.Timestamp.After(slot0.Timestamp) {
			return 1, slot1, nil
		}
		return 0, slot0, nil
	case valid0:
		return 0, slot0, nil
	case valid1:
		return 1, slot1, nil
	default:
		if errors.Is(err0, ErrEmptySlot) && errors.Is(err1, ErrEmptySlot) {
			return -1, Slot{}, ErrEmptySlot
		}
		return -1, Slot{}, stratiserr.New(stratiserr.KindCorruption,
			fmt.Sprintf("mda: both slots invalid: slot0=%v slot1=%v", err0, err1))
	}
}

// Load returns the current authoritative metadata payload.
func (s *Store) Load() (Slot, error) {
	_, slot, err := s.current()
	return slot, err
}

// ValidSlots returns every slot on the device that decodes cleanly,
// in no particular order. A device's two-slot history can hold up to
// two distinct valid records at once (the current one and the prior
// one Save never overwrote), which is exactly what a caller comparing
// records across several devices — persistence.Engine.Load's
// partial-flush handling — needs to see, as opposed to current's
// single per-device "best" pick.
func (s *Store) ValidSlots() []Slot {
	var out []Slot
	for i := 0; i < 2; i++ {
		if slot, err := s.readSlot(i); err == nil {
			out = append(out, slot)
		}
	}
	return out
}

// LoadInto decodes the current payload as JSON into v.
func (s *Store) LoadInto(v any) (time.Time, error) {
	slot, err := s.Load()
	if err != nil {
		return time.Time{}, err
	}
	if err := json.Unmarshal(slot.Payload, v); err != nil {
		return time.Time{}, stratiserr.Wrap(stratiserr.KindCorruption, "mda: decode payload json", err)
	}
	return slot.Timestamp, nil
}

// Save writes payload to the slot that is not currently authoritative
// and stamps it with ts, so it becomes authoritative only once the
// write completes. A previous slot is never overwritten in place: if
// the write is torn, the prior slot remains current and valid.
//
// Save validates that payload fits before touching the device; an
// oversized payload returns a stratiserr Resource error without
// advancing any timestamp, per spec.md §8.
func (s *Store) Save(payload []byte, ts time.Time) error {
	target := 0
	if idx, _, err := s.current(); err == nil {
		target = 1 - idx
	}
	// If both slots are invalid (fresh device), write slot 0 first.

	buf, err := EncodeSlot(s.slotSectors, payload, ts)
	if err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(buf, int64(s.offsets[target].Bytes())); err != nil {
		return stratiserr.Wrap(stratiserr.KindEnvironment, "mda: write slot", err)
	}
	return nil
}

// SaveJSON marshals v and calls Save.
func (s *Store) SaveJSON(v any, ts time.Time) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mda: encode payload json: %w", err)
	}
	return s.Save(payload, ts)
}
