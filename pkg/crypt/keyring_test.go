package crypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimKeyringAddLookupRemove(t *testing.T) {
	kr := NewSimKeyring()
	kr.Add("stratis:pool1", []byte("secret"))

	got, err := kr.Lookup("stratis:pool1")
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)

	kr.Remove("stratis:pool1")
	_, err = kr.Lookup("stratis:pool1")
	require.Error(t, err)
}

func TestSimKeyringLookupMissingFails(t *testing.T) {
	kr := NewSimKeyring()
	_, err := kr.Lookup("nope")
	require.Error(t, err)
}

func TestSimKeyringLookupReturnsCopy(t *testing.T) {
	kr := NewSimKeyring()
	kr.Add("d", []byte("secret"))
	got, err := kr.Lookup("d")
	require.NoError(t, err)
	got[0] = 'X'

	got2, err := kr.Lookup("d")
	require.NoError(t, err)
	require.Equal(t, byte('s'), got2[0])
}
