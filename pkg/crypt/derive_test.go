package crypt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

type fakeAvail struct{ tripped bool }

func (f *fakeAvail) FailRollback() { f.tripped = true }

type stubNetworkUnlocker struct {
	key []byte
	err error
}

func (s stubNetworkUnlocker) FetchKey(context.Context, NetworkPolicy) ([]byte, error) {
	return s.key, s.err
}

func TestBindPassphraseUsesKeyringEntry(t *testing.T) {
	c := NewContext(unit.NewPoolID())
	ks := newFakeKeystore()
	kr := NewSimKeyring()
	kr.Add("stratis:pool1", []byte("hunter2"))

	dek, err := GenerateDEK()
	require.NoError(t, err)

	slot, err := BindPassphrase(c, ks, kr, "stratis:pool1", dek)
	require.NoError(t, err)
	require.Equal(t, SlotPassphrase, slot.Kind)
	require.Equal(t, "stratis:pool1", slot.KeyDescription)
}

func TestBindPassphraseFailsWithoutKeyringEntry(t *testing.T) {
	c := NewContext(unit.NewPoolID())
	ks := newFakeKeystore()
	kr := NewSimKeyring()
	dek, _ := GenerateDEK()

	_, err := BindPassphrase(c, ks, kr, "missing", dek)
	require.Error(t, err)
}

func TestUnlockWithRoundTripsPassphrase(t *testing.T) {
	c := NewContext(unit.NewPoolID())
	ks := newFakeKeystore()
	kr := NewSimKeyring()
	kr.Add("stratis:pool1", []byte("hunter2"))

	dek, err := GenerateDEK()
	require.NoError(t, err)
	_, err = BindPassphrase(c, ks, kr, "stratis:pool1", dek)
	require.NoError(t, err)

	result, err := UnlockWith(context.Background(), c, nil, kr, stubNetworkUnlocker{})
	require.NoError(t, err)
	require.Equal(t, dek, result.DEK)
}

func TestUnlockWithRoundTripsNetworkBound(t *testing.T) {
	c := NewContext(unit.NewPoolID())
	ks := newFakeKeystore()
	kek := make([]byte, 32)
	kek[3] = 9
	dek, err := GenerateDEK()
	require.NoError(t, err)

	_, err = BindNetwork(context.Background(), c, ks, stubNetworkUnlocker{key: kek}, NetworkPolicy{URL: "https://tang.example"}, dek)
	require.NoError(t, err)

	result, err := UnlockWith(context.Background(), c, nil, NewSimKeyring(), stubNetworkUnlocker{key: kek})
	require.NoError(t, err)
	require.Equal(t, dek, result.DEK)
}

func TestRebindKeepsDEKAndReplacesSlot(t *testing.T) {
	c := NewContext(unit.NewPoolID())
	ks := newFakeKeystore()
	kr := NewSimKeyring()
	kr.Add("old", []byte("old-pass"))
	kr.Add("new", []byte("new-pass"))

	dek, err := GenerateDEK()
	require.NoError(t, err)
	oldSlot, err := BindPassphrase(c, ks, kr, "old", dek)
	require.NoError(t, err)

	newPassphrase, err := kr.Lookup("new")
	require.NoError(t, err)
	newSalt, err := NewSalt()
	require.NoError(t, err)
	newKEK := DeriveKEKFromPassphrase(newPassphrase, newSalt)

	avail := &fakeAvail{}
	newSlot, err := Rebind(context.Background(), c, ks, oldSlot.Index, kr, stubNetworkUnlocker{}, SlotPassphrase, newKEK, "new", newSalt, NetworkPolicy{}, avail)
	require.NoError(t, err)
	require.False(t, avail.tripped)
	require.NotEqual(t, oldSlot.Index, newSlot.Index)

	result, err := UnlockWith(context.Background(), c, nil, kr, stubNetworkUnlocker{})
	require.NoError(t, err)
	require.Equal(t, dek, result.DEK)
}

func TestRebindEntersMaintenanceModeWhenOldEraseFails(t *testing.T) {
	c := NewContext(unit.NewPoolID())
	ks := newFakeKeystore()
	kr := NewSimKeyring()
	kr.Add("old", []byte("old-pass"))

	dek, err := GenerateDEK()
	require.NoError(t, err)
	oldSlot, err := BindPassphrase(c, ks, kr, "old", dek)
	require.NoError(t, err)
	ks.failErase[oldSlot.Index] = true

	newSalt, err := NewSalt()
	require.NoError(t, err)
	newKEK := DeriveKEKFromPassphrase([]byte("new-pass"), newSalt)

	avail := &fakeAvail{}
	_, err = Rebind(context.Background(), c, ks, oldSlot.Index, kr, stubNetworkUnlocker{}, SlotPassphrase, newKEK, "new", newSalt, NetworkPolicy{}, avail)
	require.Error(t, err)
	require.True(t, avail.tripped)
}
