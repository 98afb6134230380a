package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/bda"
	"github.com/stratis-storage/stratisd-engine/pkg/discovery"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/mda"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// fakeProber is a minimal discovery.Prober double: every registered
// path reports its own header, and no path ever resolves a full
// record, so scanOnce's "fed" count reflects header recognition alone
// without needing a live pool behind it.
type fakeProber struct {
	headers map[string]bda.Header
}

func (f *fakeProber) ProbeHeader(path string) (bda.Header, error) {
	h, ok := f.headers[path]
	if !ok {
		return bda.Header{}, bda.ErrNotOurs
	}
	return h, nil
}

func (f *fakeProber) ProbeRecord(string, bda.Header) (discovery.Record, mda.Slot, error) {
	return discovery.Record{}, mda.Slot{}, bda.ErrCRCMismatch
}

func TestScanOnceCountsOnlyRecognizedDevices(t *testing.T) {
	dir := t.TempDir()
	stratisPath := filepath.Join(dir, "a")
	foreignPath := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(stratisPath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(foreignPath, []byte("y"), 0o644))

	prober := &fakeProber{headers: map[string]bda.Header{
		stratisPath: {PoolID: unit.NewPoolID(), DeviceID: unit.NewDeviceID()},
	}}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	pipeline := discovery.New(prober, func(context.Context, discovery.Record, map[unit.DeviceID]string) error {
		return nil
	}, broker)

	scanner := newDeviceScanner(filepath.Join(dir, "*"), prober, pipeline)
	fed, err := scanner.scanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fed)
}

func TestScanOnceRejectsBadGlob(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	pipeline := discovery.New(&fakeProber{headers: map[string]bda.Header{}},
		func(context.Context, discovery.Record, map[unit.DeviceID]string) error { return nil }, broker)

	scanner := newDeviceScanner("[", &fakeProber{headers: map[string]bda.Header{}}, pipeline)
	_, err := scanner.scanOnce(context.Background())
	require.Error(t, err)
}

func TestScannerStartStopDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	prober := &fakeProber{headers: map[string]bda.Header{}}
	pipeline := discovery.New(prober, func(context.Context, discovery.Record, map[unit.DeviceID]string) error {
		return nil
	}, broker)

	scanner := newDeviceScanner(filepath.Join(dir, "*"), prober, pipeline)
	scanner.Start(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	scanner.Stop()
}
