package unit

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestExtentOverlapsAndAdjacent(t *testing.T) {
	a := Extent{Start: 0, Length: 10}
	b := Extent{Start: 5, Length: 10}
	c := Extent{Start: 10, Length: 10}
	d := Extent{Start: 20, Length: 10}

	require.True(t, a.Overlaps(b))
	require.False(t, a.Overlaps(c))
	require.True(t, a.Adjacent(c))
	require.False(t, a.Adjacent(d))
}

func TestExtentMerge(t *testing.T) {
	a := Extent{Start: 0, Length: 10}
	c := Extent{Start: 10, Length: 10}
	merged := a.Merge(c)
	require.Equal(t, Extent{Start: 0, Length: 20}, merged)
}

func TestAlignUpDown(t *testing.T) {
	require.Equal(t, AlignmentSectors, Sector(1).AlignUp())
	require.Equal(t, Sector(0), Sector(1).AlignDown())
	require.Equal(t, AlignmentSectors, AlignmentSectors.AlignUp())
	require.Equal(t, AlignmentSectors, AlignmentSectors.AlignDown())
}

func TestPoolIDRoundTrip(t *testing.T) {
	p := NewPoolID()
	b, err := json.Marshal(p)
	require.NoError(t, err)

	var p2 PoolID
	require.NoError(t, json.Unmarshal(b, &p2))
	require.Equal(t, p.String(), p2.String())

	parsed, err := ParsePoolID(p.String())
	require.NoError(t, err)
	if diff := cmp.Diff(p.String(), parsed.String()); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDeviceAndFilesystemIDsDistinctTypes(t *testing.T) {
	// The point of this test is that the following would not compile
	// if DeviceID and FilesystemID shared a representation comparable
	// with ==: d := NewDeviceID(); f := NewFilesystemID(); d == f
	// Instead we just check uniqueness of generation.
	d1 := NewDeviceID()
	d2 := NewDeviceID()
	require.NotEqual(t, d1.String(), d2.String())

	f1 := NewFilesystemID()
	require.NotEqual(t, d1.String(), f1.String())
}

func TestParseInvalidID(t *testing.T) {
	_, err := ParsePoolID("not-a-uuid")
	require.Error(t, err)
}
