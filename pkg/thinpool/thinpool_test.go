package thinpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/allocator"
	"github.com/stratis-storage/stratisd-engine/pkg/availability"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/sconfig"
	"github.com/stratis-storage/stratisd-engine/pkg/simbackend"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// harness bundles everything a thinpool.Manager needs, built the same
// way pkg/stack's tests build a graph over a sim backend.
type harness struct {
	poolID unit.PoolID
	dev0   unit.DeviceID
	graph  *stack.Graph
	st     *stack.Stack
	sim    *simbackend.SimBackend
	alloc  *allocator.Pool
	avail  *availability.Machine
	mgr    *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	poolID := unit.NewPoolID()
	dev0 := unit.NewDeviceID()
	fsID := unit.NewFilesystemID()

	in := stack.BuildInput{
		PoolID: poolID,
		Devices: []stack.BDInput{
			{
				ID:          dev0,
				Path:        "/dev/sda",
				MetaExtents: []unit.Extent{{Start: 2048, Length: 2048}},
				DataExtents: []unit.Extent{{Start: 4096, Length: 200000}},
			},
		},
		BlockSizeSectors: 128,
		LowWaterSectors:  1024,
		Filesystems: []stack.FilesystemInput{
			{ID: fsID, ThinID: 0, Sectors: 100000},
		},
	}
	g, err := stack.BuildGraph(in)
	require.NoError(t, err)

	sim, err := simbackend.New(filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sim.Close()) })

	st := stack.New(g, stack.NewSimBackend(sim))
	require.NoError(t, st.Start())

	// The device's allocatable region starts after its reserved
	// integrity prefix and the extents already consumed above.
	dev := allocator.NewDevice(dev0, 300000, 2_000_000)
	alloc := allocator.NewPool([]*allocator.Device{dev})

	avail := availability.New()

	var metaName, dataName, poolName string
	for _, n := range g.NodesInStartOrder() {
		switch {
		case n.Kind == stack.NodeLinear && n.Sectors == 2048:
			metaName = n.Name
		case n.Kind == stack.NodeLinear && n.Sectors == 200000:
			dataName = n.Name
		case n.Kind == stack.NodeThinPool:
			poolName = n.Name
		}
	}
	require.NotEmpty(t, metaName)
	require.NotEmpty(t, dataName)
	require.NotEmpty(t, poolName)

	var bdNodeName string
	for _, n := range g.NodesInStartOrder() {
		if n.Kind == stack.NodeBD {
			bdNodeName = n.Name
		}
	}
	require.NotEmpty(t, bdNodeName)

	backingOf := func(id unit.DeviceID) string {
		require.Equal(t, dev0, id)
		return bdNodeName
	}

	mgr := New(poolID, metaName, dataName, poolName, alloc, st, avail, events.NewBroker(), sconfig.Default(), backingOf)
	mgr.AdoptFilesystem(fsID, 0)

	return &harness{poolID: poolID, dev0: dev0, graph: g, st: st, sim: sim, alloc: alloc, avail: avail, mgr: mgr}
}

func TestRegisterFilesystemAssignsSequentialThinIDs(t *testing.T) {
	h := newHarness(t)
	a := unit.NewFilesystemID()
	b := unit.NewFilesystemID()

	idA := h.mgr.RegisterFilesystem(a)
	idB := h.mgr.RegisterFilesystem(b)
	require.NotEqual(t, idA, idB)

	got, ok := h.mgr.ThinID(a)
	require.True(t, ok)
	require.Equal(t, idA, got)
}

func TestAdoptFilesystemAdvancesCounterPastAdoptedID(t *testing.T) {
	h := newHarness(t)
	adopted := unit.NewFilesystemID()
	h.mgr.AdoptFilesystem(adopted, 50)

	next := unit.NewFilesystemID()
	id := h.mgr.RegisterFilesystem(next)
	require.Greater(t, uint32(id), uint32(50))
}

func TestForgetFilesystemRemovesMapping(t *testing.T) {
	h := newHarness(t)
	fs := unit.NewFilesystemID()
	h.mgr.RegisterFilesystem(fs)
	h.mgr.ForgetFilesystem(fs)

	_, ok := h.mgr.ThinID(fs)
	require.False(t, ok)
}

func TestHandleEventMetadataLowExtendsSubdevice(t *testing.T) {
	h := newHarness(t)

	node, ok := h.graph.Node(h.mgr.MetaNodeName)
	require.True(t, ok)
	before := node.Sectors

	require.NoError(t, h.mgr.HandleEvent(EventMetadataLow))

	after, ok := h.graph.Node(h.mgr.MetaNodeName)
	require.True(t, ok)
	require.Greater(t, after.Sectors, before)
	require.Equal(t, availability.Full, h.avail.State())

	table, _, err := h.sim.Table(h.mgr.MetaNodeName)
	require.NoError(t, err)
	require.Contains(t, table, "/dev/sda")
}

func TestHandleEventDataLowAlsoGrowsThinPoolTable(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.mgr.HandleEvent(EventDataLow))

	poolNode, ok := h.graph.Node(h.mgr.ThinPoolName)
	require.True(t, ok)
	dataNode, ok := h.graph.Node(h.mgr.DataNodeName)
	require.True(t, ok)
	require.Equal(t, dataNode.Sectors, poolNode.Sectors)
}

func TestHandleEventOutOfDataSpaceDemotesToNoRequests(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.HandleEvent(EventOutOfDataSpace))
	require.Equal(t, availability.NoRequests, h.avail.State())
}

func TestHandleEventReadOnlyRecoversToFull(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.avail.Demote(availability.NoRequests))

	require.NoError(t, h.mgr.HandleEvent(EventReadOnly))
	require.Equal(t, availability.Full, h.avail.State())
}

func TestHandleEventExtendFailsWhenAllocatorExhausted(t *testing.T) {
	h := newHarness(t)
	// Drain the allocator entirely so the extend attempt has nothing
	// to reserve from.
	_, err := h.alloc.Request(h.alloc.FreeSectors(), "drain")
	require.NoError(t, err)

	err = h.mgr.HandleEvent(EventMetadataLow)
	require.Error(t, err)
	require.Equal(t, availability.NoRequests, h.avail.State())
}

func TestSnapshotAssignsNewThinIDAndSuspendsResumesOrigin(t *testing.T) {
	h := newHarness(t)
	origin := unit.NewFilesystemID()
	h.mgr.AdoptFilesystem(origin, 7)

	var originNode string
	for _, n := range h.graph.NodesInStartOrder() {
		if n.Kind == stack.NodeThinVolume {
			originNode = n.Name
		}
	}
	require.NotEmpty(t, originNode)

	newFS := unit.NewFilesystemID()
	newID, err := h.mgr.Snapshot(origin, originNode, newFS)
	require.NoError(t, err)
	require.NotEqual(t, unit.ThinID(7), newID)

	got, ok := h.mgr.ThinID(newFS)
	require.True(t, ok)
	require.Equal(t, newID, got)

	suspended, err := h.sim.IsSuspended(originNode)
	require.NoError(t, err)
	require.False(t, suspended, "Snapshot must leave the origin resumed")

	msgs, err := h.sim.Messages(h.mgr.ThinPoolName)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "create_snap")
}

func TestSnapshotFailsForUnknownOrigin(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Snapshot(unit.NewFilesystemID(), "irrelevant", unit.NewFilesystemID())
	require.Error(t, err)
}
