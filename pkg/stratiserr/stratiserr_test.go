package stratiserr

import (
	"errors"
	"testing"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
	"github.com/stretchr/testify/require"
)

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("device missing")
	err := Wrap(KindEnvironment, "device /dev/a unreachable", base).WithPool(unit.NewPoolID())

	require.True(t, Is(err, KindEnvironment))
	require.False(t, Is(err, KindCorruption))
	require.Equal(t, KindEnvironment, KindOf(err))
	require.True(t, errors.Is(err, base))
}

func TestKindOfNonStratisError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorStringIncludesIDs(t *testing.T) {
	p := unit.NewPoolID()
	f := unit.NewFilesystemID()
	err := New(KindPrecondition, "size limit reached").WithPool(p).WithFilesystem(f)
	require.Contains(t, err.Error(), p.String())
	require.Contains(t, err.Error(), f.String())
}
