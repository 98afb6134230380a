package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
)

func TestNewEncryptedBindsInitialPassphraseSlot(t *testing.T) {
	fx := newTestEncryptedPool(t, 1)

	require.True(t, fx.pool.Encrypted)
	require.NotNil(t, fx.pool.Crypt)
	slots := fx.pool.Crypt.Slots()
	require.Len(t, slots, 1)
	require.Equal(t, crypt.SlotPassphrase, slots[0].Kind)
	require.Equal(t, testKeyDescription, slots[0].KeyDescription)
}

func TestBindPassphraseSlotRejectedOnUnencryptedPool(t *testing.T) {
	p := newTestPool(t, 1)
	_, err := p.BindPassphraseSlot(newMemKeystore(), crypt.NewSimKeyring(), "whatever")
	require.Error(t, err)
}

func TestBindPassphraseSlotAddsAdditionalSlot(t *testing.T) {
	fx := newTestEncryptedPool(t, 1)

	fx.keyring.Add("second-passphrase", []byte("another secret"))
	slot, err := fx.pool.BindPassphraseSlot(fx.keystore, fx.keyring, "second-passphrase")
	require.NoError(t, err)
	require.Equal(t, 1, slot.Index)

	require.Len(t, fx.pool.Crypt.Slots(), 2)

	var rec record
	_, err = fx.pool.Persist.LoadInto(&rec)
	require.NoError(t, err)
	require.Len(t, rec.Slots, 2)
}

func TestUnbindSlotRemovesIt(t *testing.T) {
	fx := newTestEncryptedPool(t, 1)
	fx.keyring.Add("second-passphrase", []byte("another secret"))
	slot, err := fx.pool.BindPassphraseSlot(fx.keystore, fx.keyring, "second-passphrase")
	require.NoError(t, err)

	require.NoError(t, fx.pool.UnbindSlot(fx.keystore, slot.Index))
	require.Len(t, fx.pool.Crypt.Slots(), 1)
}

func TestUnbindSlotRefusesToRemoveLastSlot(t *testing.T) {
	fx := newTestEncryptedPool(t, 1)
	err := fx.pool.UnbindSlot(fx.keystore, 0)
	require.Error(t, err)
	require.Len(t, fx.pool.Crypt.Slots(), 1)
}

func TestUnlockRecoversDEKViaBoundSlot(t *testing.T) {
	fx := newTestEncryptedPool(t, 1)

	result, err := fx.pool.Unlock(context.Background(), nil, fx.keyring, nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.SlotIndex)
	require.Len(t, result.DEK, crypt.DEKSize)
}

func TestRebindPassphraseSlotRotatesUnlocker(t *testing.T) {
	fx := newTestEncryptedPool(t, 1)
	fx.keyring.Add("rotated-passphrase", []byte("new secret"))

	newSlot, err := fx.pool.RebindPassphraseSlot(context.Background(), fx.keystore, fx.keyring, 0, nil, "rotated-passphrase")
	require.NoError(t, err)
	require.NotEqual(t, 0, newSlot.Index)

	slots := fx.pool.Crypt.Slots()
	require.Len(t, slots, 1)
	require.Equal(t, "rotated-passphrase", slots[0].KeyDescription)

	_, err = fx.pool.Unlock(context.Background(), nil, fx.keyring, nil)
	require.NoError(t, err)
}
