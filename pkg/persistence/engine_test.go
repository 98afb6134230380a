package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/bda"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// memDevice is an in-memory ReaderWriterAt standing in for a real
// device in tests, avoiding any dependency on an actual block device
// or even a real temp file for the majority of Engine's tests.
type memDevice struct {
	buf       []byte
	failWrite bool
}

func newMemDevice(sectors unit.Sector) *memDevice {
	return &memDevice{buf: make([]byte, sectors.Bytes())}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, errShortRead
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if m.failWrite {
		return 0, errShortRead
	}
	n := copy(m.buf[off:], p)
	return n, nil
}

type shortReadErr struct{}

func (shortReadErr) Error() string { return "persistence_test: short read" }

var errShortRead = shortReadErr{}

func newTestHeader(poolID unit.PoolID, devID unit.DeviceID, slotSectors unit.Sector) bda.Header {
	return bda.Header{
		PoolID:         poolID,
		DeviceID:       devID,
		TotalSectors:   100000,
		MDASlotSectors: slotSectors,
		MDAOffset1:     100,
		MDAOffset2:     100 + slotSectors,
		ReservedStart:  0,
		ReservedEnd:    100,
		FormatVersion:  bda.CurrentFormatVersion,
	}
}

func newEngineWithDevices(t *testing.T, n int) (*Engine, []unit.DeviceID, []*memDevice) {
	t.Helper()
	poolID := unit.NewPoolID()
	e := NewEngine(poolID)

	ids := make([]unit.DeviceID, n)
	devs := make([]*memDevice, n)
	for i := 0; i < n; i++ {
		devID := unit.NewDeviceID()
		header := newTestHeader(poolID, devID, 16)
		dev := newMemDevice(header.MDAOffset2 + header.MDASlotSectors)
		e.AddDevice(DeviceHandle{ID: devID, Dev: dev, Header: header})
		ids[i] = devID
		devs[i] = dev
	}
	return e, ids, devs
}

func TestFlushThenLoadRoundTrips(t *testing.T) {
	e, _, _ := newEngineWithDevices(t, 3)
	ts := time.Now().UTC()

	require.NoError(t, e.Flush([]byte(`{"v":1}`), ts))

	slot, err := e.Load()
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(slot.Payload))
}

func TestFlushRequiresAllDevicesToSucceed(t *testing.T) {
	e, _, devs := newEngineWithDevices(t, 3)
	devs[1].failWrite = true

	err := e.Flush([]byte(`{"v":1}`), time.Now().UTC())
	require.Error(t, err)
}

func TestLoadSkipsDisownedDeviceAndUsesRemainder(t *testing.T) {
	e, _, devs := newEngineWithDevices(t, 2)
	ts := time.Now().UTC()
	require.NoError(t, e.Flush([]byte(`{"v":1}`), ts))

	// Corrupt device 0's slots directly so it can't be decoded.
	for i := range devs[0].buf {
		devs[0].buf[i] = 0xff
	}

	slot, err := e.Load()
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(slot.Payload))
}

func TestLoadFailsWhenEveryDeviceInvalid(t *testing.T) {
	e, _, _ := newEngineWithDevices(t, 2)
	_, err := e.Load()
	require.Error(t, err)
}

func TestFlushPicksLatestTimestampAcrossDevices(t *testing.T) {
	e, _, _ := newEngineWithDevices(t, 1)
	older := time.Now().Add(-time.Hour).UTC()
	newer := time.Now().UTC()

	require.NoError(t, e.Flush([]byte(`{"v":1}`), older))
	require.NoError(t, e.Flush([]byte(`{"v":2}`), newer))

	slot, err := e.Load()
	require.NoError(t, err)
	require.Equal(t, `{"v":2}`, string(slot.Payload))
}

func TestLoadIntoDecodesJSON(t *testing.T) {
	e, _, _ := newEngineWithDevices(t, 1)
	type record struct {
		V int `json:"v"`
	}
	require.NoError(t, e.FlushJSON(record{V: 42}, time.Now().UTC()))

	var got record
	_, err := e.LoadInto(&got)
	require.NoError(t, err)
	require.Equal(t, 42, got.V)
}

func TestRemoveDeviceDropsItFromFlushAndLoad(t *testing.T) {
	e, ids, _ := newEngineWithDevices(t, 2)
	e.RemoveDevice(ids[0])
	require.Len(t, e.DeviceIDs(), 1)
	require.NoError(t, e.Flush([]byte(`{"v":1}`), time.Now().UTC()))
}

func TestFlushWithNoDevicesFails(t *testing.T) {
	e := NewEngine(unit.NewPoolID())
	err := e.Flush([]byte(`{}`), time.Now().UTC())
	require.Error(t, err)
}

// TestLoadAfterPartialFlushKeepsPriorRecordAuthoritative covers
// spec.md §8 scenario 2 and the "N-1 successful, 1 failed" boundary:
// a flush that reaches all but one device must not let the new,
// partially-written record win on a subsequent Load. The holdout
// device still has only the prior record, so the prior record (not
// the newer one sitting on the majority of devices) must come back.
func TestLoadAfterPartialFlushKeepsPriorRecordAuthoritative(t *testing.T) {
	e, _, devs := newEngineWithDevices(t, 3)
	older := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, e.Flush([]byte(`{"v":1}`), older))

	devs[2].failWrite = true
	newer := time.Now().UTC()
	require.Error(t, e.Flush([]byte(`{"v":2}`), newer))

	slot, err := e.Load()
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(slot.Payload))
	require.True(t, slot.Timestamp.Equal(older))
}
