package crypt

import "github.com/stratis-storage/stratisd-engine/pkg/unit"

// NopKeystore is the KeystoreWriter a real pool uses. Unlike a LUKS2
// device, NodeCrypt's dm-crypt table is keyed directly by the pool's
// DEK (pkg/stack's CryptKeyHex), and every slot's wrapped KEK already
// lives in the pool's own MDA-persisted record (pkg/pool's
// Record.Slots). There is no second, independently-failable keystore
// write to perform, so WriteSlot/EraseSlot are no-ops; the interface
// exists for a deployment that layers LUKS2 underneath instead.
type NopKeystore struct{}

func (NopKeystore) WriteSlot(poolID unit.PoolID, slotIndex int, kek []byte) error { return nil }

func (NopKeystore) EraseSlot(poolID unit.PoolID, slotIndex int) error { return nil }
