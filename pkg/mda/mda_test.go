package mda

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

type memDevice struct{ data []byte }

func newMemDevice(size int) *memDevice { return &memDevice{data: make([]byte, size)} }

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

const testSlotSectors = unit.Sector(4)

func newTestStore() (*Store, *memDevice) {
	dev := newMemDevice(int(testSlotSectors.Bytes() * 4))
	s := NewStore(dev, 0, testSlotSectors, testSlotSectors)
	return s, dev
}

func TestEncodeDecodeSlotRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 123456000).UTC()
	buf, err := EncodeSlot(testSlotSectors, []byte(`{"hello":"world"}`), ts)
	require.NoError(t, err)

	slot, err := DecodeSlot(buf)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"hello":"world"}`), slot.Payload)
	require.True(t, ts.Equal(slot.Timestamp))
}

func TestEncodeSlotOversizedPayloadIsResourceError(t *testing.T) {
	huge := make([]byte, int(testSlotSectors.Bytes())+1)
	_, err := EncodeSlot(testSlotSectors, huge, time.Now())
	require.True(t, stratiserr.Is(err, stratiserr.KindResource))
}

func TestDecodeSlotEmptyWhenNeverWritten(t *testing.T) {
	buf := make([]byte, testSlotSectors.Bytes())
	_, err := DecodeSlot(buf)
	require.ErrorIs(t, err, ErrEmptySlot)
}

func TestDecodeSlotCorruptPayloadFailsCRC(t *testing.T) {
	buf, err := EncodeSlot(testSlotSectors, []byte("payload"), time.Now())
	require.NoError(t, err)
	buf[slotHeaderLen] ^= 0xff

	_, err = DecodeSlot(buf)
	require.ErrorIs(t, err, ErrSlotCorrupt)
}

func TestStoreSaveAlternatesSlotsAndLoadReturnsNewest(t *testing.T) {
	store, _ := newTestStore()

	t1 := time.Unix(1000, 0).UTC()
	require.NoError(t, store.Save([]byte(`{"v":1}`), t1))

	slot, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":1}`), slot.Payload)

	t2 := time.Unix(2000, 0).UTC()
	require.NoError(t, store.Save([]byte(`{"v":2}`), t2))

	slot, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":2}`), slot.Payload)
}

func TestStoreLoadEmptyWhenNeverSaved(t *testing.T) {
	store, _ := newTestStore()
	_, err := store.Load()
	require.ErrorIs(t, err, ErrEmptySlot)
}

func TestStoreTornWriteLeavesPriorSlotCurrent(t *testing.T) {
	store, dev := newTestStore()

	t1 := time.Unix(1000, 0).UTC()
	require.NoError(t, store.Save([]byte(`{"v":1}`), t1))

	// Simulate a torn write to the slot Save is about to target (slot 1):
	// corrupt its payload region as if a crash happened mid-write.
	idx, _, err := store.current()
	require.NoError(t, err)
	target := 1 - idx
	corruptOffset := int(store.offsets[target].Bytes()) + slotHeaderLen
	buf, encErr := EncodeSlot(testSlotSectors, []byte(`{"v":2}`), time.Unix(2000, 0))
	require.NoError(t, encErr)
	copy(dev.data[store.offsets[target].Bytes():], buf)
	dev.data[corruptOffset] ^= 0xff // tear it

	slot, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":1}`), slot.Payload, "prior slot should still be current after a torn write")
}

func TestValidSlotsReturnsBothOnceSaveHasAlternated(t *testing.T) {
	store, _ := newTestStore()

	t1 := time.Unix(1000, 0).UTC()
	require.NoError(t, store.Save([]byte(`{"v":1}`), t1))

	slots := store.ValidSlots()
	require.Len(t, slots, 1, "only one slot has ever been written")

	t2 := time.Unix(2000, 0).UTC()
	require.NoError(t, store.Save([]byte(`{"v":2}`), t2))

	slots = store.ValidSlots()
	require.Len(t, slots, 2, "the slot Save didn't target this time is still valid")
	timestamps := []time.Time{slots[0].Timestamp, slots[1].Timestamp}
	require.Contains(t, timestamps, t1)
	require.Contains(t, timestamps, t2)
}

func TestStoreLoadIntoJSON(t *testing.T) {
	store, _ := newTestStore()
	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, store.SaveJSON(payload{Name: "pool-a"}, time.Unix(1000, 0)))

	var got payload
	ts, err := store.LoadInto(&got)
	require.NoError(t, err)
	require.Equal(t, "pool-a", got.Name)
	require.False(t, ts.IsZero())
}
