package pool

import (
	"context"
	"fmt"

	"github.com/stratis-storage/stratisd-engine/pkg/availability"
	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
)

// BindPassphraseSlot adds a passphrase-unlocked token slot to an
// already-encrypted pool, per spec.md §4.7's bind(slot, unlocker). It
// is rejected on an unencrypted pool: there is no DEK to wrap.
func (p *Pool) BindPassphraseSlot(ks crypt.KeystoreWriter, kr crypt.Keyring, keyDescription string) (crypt.Slot, error) {
	if err := p.Avail.Admit(availability.OpEncryptionBind); err != nil {
		return crypt.Slot{}, err
	}
	if p.Crypt == nil {
		return crypt.Slot{}, stratiserr.New(stratiserr.KindPrecondition, "pool: pool is not encrypted").WithPool(p.ID)
	}

	dek, err := p.currentDEK(ks, kr)
	if err != nil {
		return crypt.Slot{}, err
	}
	slot, err := crypt.BindPassphrase(p.Crypt, ks, kr, keyDescription, dek)
	if err != nil {
		return crypt.Slot{}, stratiserr.Wrap(stratiserr.KindEnvironment, "pool: bind passphrase slot", err).WithPool(p.ID)
	}
	if err := p.Flush(); err != nil {
		return crypt.Slot{}, err
	}
	p.publishEncryption(events.EventEncryptionBound, fmt.Sprintf("passphrase slot %d bound", slot.Index))
	return slot, nil
}

// BindNetworkSlot adds a network/TPM-bound token slot.
func (p *Pool) BindNetworkSlot(ctx context.Context, ks crypt.KeystoreWriter, kr crypt.Keyring, unlocker crypt.NetworkUnlocker, policy crypt.NetworkPolicy) (crypt.Slot, error) {
	if err := p.Avail.Admit(availability.OpEncryptionBind); err != nil {
		return crypt.Slot{}, err
	}
	if p.Crypt == nil {
		return crypt.Slot{}, stratiserr.New(stratiserr.KindPrecondition, "pool: pool is not encrypted").WithPool(p.ID)
	}

	dek, err := p.currentDEK(ks, kr)
	if err != nil {
		return crypt.Slot{}, err
	}
	slot, err := crypt.BindNetwork(ctx, p.Crypt, ks, unlocker, policy, dek)
	if err != nil {
		return crypt.Slot{}, stratiserr.Wrap(stratiserr.KindEnvironment, "pool: bind network slot", err).WithPool(p.ID)
	}
	if err := p.Flush(); err != nil {
		return crypt.Slot{}, err
	}
	p.publishEncryption(events.EventEncryptionBound, fmt.Sprintf("network slot %d bound", slot.Index))
	return slot, nil
}

// UnbindSlot removes a token slot, per spec.md §4.7: rejected if it
// would leave the pool with zero slots.
func (p *Pool) UnbindSlot(ks crypt.KeystoreWriter, slotIndex int) error {
	if err := p.Avail.Admit(availability.OpEncryptionUnbind); err != nil {
		return err
	}
	if p.Crypt == nil {
		return stratiserr.New(stratiserr.KindPrecondition, "pool: pool is not encrypted").WithPool(p.ID)
	}
	if err := p.Crypt.Unbind(ks, slotIndex); err != nil {
		return err
	}
	if err := p.Flush(); err != nil {
		return err
	}
	p.publishEncryption(events.EventEncryptionUnbound, fmt.Sprintf("slot %d unbound", slotIndex))
	return nil
}

// RebindPassphraseSlot replaces oldIndex's unlocker with a new
// passphrase, per spec.md §4.7's "bind then unbind" rotation ordering.
func (p *Pool) RebindPassphraseSlot(ctx context.Context, ks crypt.KeystoreWriter, kr crypt.Keyring, oldIndex int, unlocker crypt.NetworkUnlocker, newKeyDescription string) (crypt.Slot, error) {
	if err := p.Avail.Admit(availability.OpEncryptionRebind); err != nil {
		return crypt.Slot{}, err
	}
	if p.Crypt == nil {
		return crypt.Slot{}, stratiserr.New(stratiserr.KindPrecondition, "pool: pool is not encrypted").WithPool(p.ID)
	}

	newPassphrase, err := kr.Lookup(newKeyDescription)
	if err != nil {
		return crypt.Slot{}, stratiserr.Wrap(stratiserr.KindEnvironment, "pool: look up new passphrase", err).WithPool(p.ID)
	}
	newSalt, err := crypt.NewSalt()
	if err != nil {
		return crypt.Slot{}, stratiserr.Wrap(stratiserr.KindInternal, "pool: generate salt", err).WithPool(p.ID)
	}
	newKEK := crypt.DeriveKEKFromPassphrase(newPassphrase, newSalt)

	slot, err := crypt.Rebind(ctx, p.Crypt, ks, oldIndex, kr, unlocker, crypt.SlotPassphrase, newKEK, newKeyDescription, newSalt, crypt.NetworkPolicy{}, p.Avail)
	if err != nil {
		return crypt.Slot{}, stratiserr.Wrap(stratiserr.KindEnvironment, "pool: rebind slot", err).WithPool(p.ID)
	}
	if err := p.Flush(); err != nil {
		return crypt.Slot{}, err
	}
	p.publishEncryption(events.EventEncryptionBound, fmt.Sprintf("slot %d rebound to slot %d", oldIndex, slot.Index))
	return slot, nil
}

// Unlock recovers the pool's DEK, per spec.md §4.7's deterministic
// slot-try order (an explicit preferred slot first, else passphrase
// slots before network-bound ones). It is the step discovery's
// AutoStarter performs before handing an encrypted pool's crypt key
// to its graph build, since the stack can't be loaded until the DEK
// is known.
func (p *Pool) Unlock(ctx context.Context, preferred *int, kr crypt.Keyring, unlocker crypt.NetworkUnlocker) (crypt.UnlockResult, error) {
	if err := p.Avail.Admit(availability.OpEncryptionUnlock); err != nil {
		return crypt.UnlockResult{}, err
	}
	if p.Crypt == nil {
		return crypt.UnlockResult{}, stratiserr.New(stratiserr.KindPrecondition, "pool: pool is not encrypted").WithPool(p.ID)
	}
	result, err := crypt.UnlockWith(ctx, p.Crypt, preferred, kr, unlocker)
	if err != nil {
		return crypt.UnlockResult{}, err
	}
	p.publishEncryption(events.EventEncryptionUnlocked, fmt.Sprintf("unlocked via slot %d", result.SlotIndex))
	return result, nil
}

// currentDEK recovers the pool's DEK through whichever slot order
// crypt.Context.Unlock picks first, using the same keyring every
// passphrase slot is already bound against. A freshly created pool's
// slot list is never empty by the time this is called (NewEncrypted
// binds the first slot before returning), so this always has a slot
// to try.
func (p *Pool) currentDEK(ks crypt.KeystoreWriter, kr crypt.Keyring) ([]byte, error) {
	result, err := p.Crypt.Unlock(nil, func(slot crypt.Slot) ([]byte, error) {
		if slot.Kind != crypt.SlotPassphrase {
			return nil, fmt.Errorf("pool: slot %d is not passphrase-backed", slot.Index)
		}
		passphrase, err := kr.Lookup(slot.KeyDescription)
		if err != nil {
			return nil, err
		}
		return crypt.DeriveKEKFromPassphrase(passphrase, slot.Salt), nil
	})
	if err != nil {
		return nil, stratiserr.Wrap(stratiserr.KindEnvironment, "pool: recover dek", err).WithPool(p.ID)
	}
	return result.DEK, nil
}

func (p *Pool) publishEncryption(t events.EventType, msg string) {
	if p.Broker == nil {
		return
	}
	p.Broker.Publish(&events.Event{
		Type:     t,
		Message:  msg,
		Metadata: map[string]string{"pool_id": p.ID.String()},
	})
}
