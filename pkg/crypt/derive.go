package crypt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SaltSize is the size, in bytes, of a passphrase slot's KEK
// derivation salt.
const SaltSize = 16

// NewSalt returns a fresh random salt for a new passphrase slot.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypt: generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKEKFromPassphrase derives a 32-byte KEK from a passphrase and
// its slot's salt. The teacher's SecretsManager derives its cluster
// key as a bare sha256(password); folding in a per-slot salt here
// keeps two pools bound to the same passphrase from sharing a KEK.
func DeriveKEKFromPassphrase(passphrase, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write(passphrase)
	return h.Sum(nil)
}

// BindPassphrase installs a new passphrase-unlocked slot: the operator
// has already loaded the passphrase into the keyring under
// keyDescription, and that same description is recorded in the slot
// so Unlock can look it up again later.
func BindPassphrase(c *Context, ks KeystoreWriter, kr Keyring, keyDescription string, dek []byte) (Slot, error) {
	passphrase, err := kr.Lookup(keyDescription)
	if err != nil {
		return Slot{}, fmt.Errorf("crypt: bind passphrase: %w", err)
	}
	salt, err := NewSalt()
	if err != nil {
		return Slot{}, err
	}
	kek := DeriveKEKFromPassphrase(passphrase, salt)
	return c.Bind(ks, SlotPassphrase, kek, dek, keyDescription, salt, NetworkPolicy{})
}

// BindNetwork installs a new network-bound slot: policy is queried
// immediately to confirm the server is reachable and to obtain the
// KEK the DEK is sealed under, per spec.md §4.7's bind-time network
// round trip.
func BindNetwork(ctx context.Context, c *Context, ks KeystoreWriter, unlocker NetworkUnlocker, policy NetworkPolicy, dek []byte) (Slot, error) {
	kek, err := unlocker.FetchKey(ctx, policy)
	if err != nil {
		return Slot{}, fmt.Errorf("crypt: bind network: %w", err)
	}
	return c.Bind(ks, SlotNetworkBound, kek, dek, "", nil, policy)
}

// UnlockWith resolves every slot's KEK using kr for passphrase slots
// and unlocker for network-bound slots, trying slots in Context.Unlock's
// deterministic order.
func UnlockWith(ctx context.Context, c *Context, preferred *int, kr Keyring, unlocker NetworkUnlocker) (UnlockResult, error) {
	return c.Unlock(preferred, func(slot Slot) ([]byte, error) {
		return deriveKEK(ctx, slot, kr, unlocker)
	})
}

func deriveKEK(ctx context.Context, slot Slot, kr Keyring, unlocker NetworkUnlocker) ([]byte, error) {
	switch slot.Kind {
	case SlotPassphrase:
		passphrase, err := kr.Lookup(slot.KeyDescription)
		if err != nil {
			return nil, err
		}
		return DeriveKEKFromPassphrase(passphrase, slot.Salt), nil
	case SlotNetworkBound:
		return unlocker.FetchKey(ctx, slot.Policy)
	default:
		return nil, fmt.Errorf("crypt: unknown slot kind %d", slot.Kind)
	}
}

// Rebind replaces oldIndex's unlocker with a new one, per spec.md
// §4.7's "bind then unbind, new slot usable before old destroyed"
// ordering: the old slot's DEK is recovered, a new slot sealing the
// same DEK is bound and confirmed, and only then is the old slot
// erased. If erasing the old slot fails after the new one is already
// committed, the slot set is left in an inconsistent state the caller
// cannot safely reason about, so avail is escalated to MaintenanceMode
// the same way a failed bind rollback is in Context.Bind's contract.
func Rebind(ctx context.Context, c *Context, ks KeystoreWriter, oldIndex int, kr Keyring, unlocker NetworkUnlocker, newKind SlotKind, newKEK []byte, newKeyDescription string, newSalt []byte, newPolicy NetworkPolicy, avail interface{ FailRollback() }) (Slot, error) {
	old := c.Slots()
	var oldSlot Slot
	found := false
	for _, s := range old {
		if s.Index == oldIndex {
			oldSlot, found = s, true
			break
		}
	}
	if !found {
		return Slot{}, fmt.Errorf("crypt: rebind: no such slot %d", oldIndex)
	}

	dek, err := deriveKEK(ctx, oldSlot, kr, unlocker)
	if err != nil {
		return Slot{}, fmt.Errorf("crypt: rebind: derive old kek: %w", err)
	}
	plainDEK, err := Open(oldSlot.Wrapped, dek)
	if err != nil {
		return Slot{}, fmt.Errorf("crypt: rebind: recover dek: %w", err)
	}

	newSlot, err := c.Bind(ks, newKind, newKEK, plainDEK, newKeyDescription, newSalt, newPolicy)
	if err != nil {
		return Slot{}, fmt.Errorf("crypt: rebind: bind new slot: %w", err)
	}

	if err := c.Unbind(ks, oldIndex); err != nil {
		avail.FailRollback()
		return Slot{}, fmt.Errorf("crypt: rebind: new slot %d is usable but erasing old slot %d failed, pool entering maintenance mode: %w", newSlot.Index, oldIndex, err)
	}
	return newSlot, nil
}
