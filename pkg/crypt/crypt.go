/*
Package crypt implements spec.md §4.7's per-pool encryption context: a
data-encryption key (DEK) wrapped under up to N token slots, each slot
either a passphrase (backed by an operator keyring entry, pkg/crypt's
Keyring) or a network/TPM-bound policy document (pkg/crypt's
NetworkUnlocker).

The AES-256-GCM envelope (nonce-prepended Seal/Open over a 32-byte key)
is adapted from the teacher's pkg/security.SecretsManager
EncryptSecret/DecryptSecret, generalized from "encrypt a stored secret
blob" to "wrap a DEK under a slot-derived key-encryption key (KEK)".
Unlike the teacher's package-level Encrypt/Decrypt (a global
clusterEncryptionKey var), every key here is threaded explicitly
through Context and its callers: spec.md §9's "Global mutable state"
note reserves process-wide mutable state for the pool registry alone.
*/
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// DEKSize is the size, in bytes, of a pool's data-encryption key:
// AES-256's key size, used directly as the dm-crypt key material.
const DEKSize = 32

// GenerateDEK returns a fresh, random data-encryption key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, DEKSize)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("crypt: generate dek: %w", err)
	}
	return dek, nil
}

// Seal encrypts plaintext under key (32 bytes) using AES-256-GCM,
// returning the nonce prepended to the ciphertext.
func Seal(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypt: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(sealed, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("crypt: sealed data too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypt: open: %w", err)
	}
	return plaintext, nil
}

// SlotKind discriminates the two unlocker shapes spec.md §4.7 names.
type SlotKind int

const (
	SlotPassphrase SlotKind = iota
	SlotNetworkBound
)

// Slot is one token slot of a pool's encryption context: the DEK,
// sealed under a KEK this slot's unlocker can reproduce.
type Slot struct {
	Index          int
	Kind           SlotKind
	KeyDescription string // SlotPassphrase only: keyring entry name
	Salt           []byte // SlotPassphrase only: per-slot KEK derivation salt
	Policy         NetworkPolicy // SlotNetworkBound only
	Wrapped        []byte        // DEK sealed under this slot's KEK
	CreatedAt      time.Time
}

// KeystoreWriter performs the LUKS2-level slot write/erase spec.md
// §4.7 describes as a separate, independently-failable step from the
// Stratis metadata update that records a slot's presence. A pool's
// stack (pkg/stack) or a test double satisfies this.
type KeystoreWriter interface {
	WriteSlot(poolID unit.PoolID, slotIndex int, kek []byte) error
	EraseSlot(poolID unit.PoolID, slotIndex int) error
}

// MaxSlots is the default LUKS2-level slot count limit.
const MaxSlots = 8

// Context is one pool's encryption context: its set of token slots,
// per spec.md §3's "Encryption context" and §4.7's slot model.
type Context struct {
	PoolID   unit.PoolID
	MaxSlots int

	mu        sync.Mutex
	slots     map[int]Slot
	nextIndex int
}

// NewContext builds an empty encryption context for poolID.
func NewContext(poolID unit.PoolID) *Context {
	return &Context{PoolID: poolID, MaxSlots: MaxSlots, slots: make(map[int]Slot)}
}

// LoadContext rebuilds an encryption context from a previously
// persisted slot set, e.g. pkg/pool reconstructing a pool's Context
// from its metadata record on auto-start. nextIndex is restored
// alongside the slots so a subsequent Bind doesn't reuse an index a
// since-unbound slot once held.
func LoadContext(poolID unit.PoolID, slots []Slot, nextIndex int) *Context {
	c := &Context{PoolID: poolID, MaxSlots: MaxSlots, slots: make(map[int]Slot, len(slots)), nextIndex: nextIndex}
	for _, s := range slots {
		c.slots[s.Index] = s
		if s.Index >= c.nextIndex {
			c.nextIndex = s.Index + 1
		}
	}
	return c
}

// Slots returns a snapshot of the current slot set, ordered by index.
func (c *Context) Slots() []Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Slot, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// NextIndex returns the slot index the next Bind call will use, for
// persisting alongside the slot set itself.
func (c *Context) NextIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextIndex
}

// Bind installs a new slot wrapping dek under kek, per spec.md §4.7's
// `bind(slot, unlocker)`: the keystore write happens first; only on
// its success is the slot recorded. Rolling back, if the keystore
// write succeeds but a subsequent step fails, is the caller's
// responsibility via Unbind — Bind itself never partially commits.
func (c *Context) Bind(ks KeystoreWriter, kind SlotKind, kek, dek []byte, keyDescription string, salt []byte, policy NetworkPolicy) (Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.slots) >= c.MaxSlots {
		return Slot{}, stratiserr.New(stratiserr.KindResource, "crypt: token slot limit reached").WithPool(c.PoolID)
	}

	wrapped, err := Seal(dek, kek)
	if err != nil {
		return Slot{}, stratiserr.Wrap(stratiserr.KindInternal, "crypt: seal dek", err).WithPool(c.PoolID)
	}

	idx := c.nextIndex
	if err := ks.WriteSlot(c.PoolID, idx, kek); err != nil {
		return Slot{}, stratiserr.Wrap(stratiserr.KindEnvironment, "crypt: write luks2 slot", err).WithPool(c.PoolID)
	}

	slot := Slot{
		Index:          idx,
		Kind:           kind,
		KeyDescription: keyDescription,
		Salt:           salt,
		Policy:         policy,
		Wrapped:        wrapped,
		CreatedAt:      time.Now(),
	}
	c.slots[idx] = slot
	c.nextIndex++
	return slot, nil
}

// Unbind removes slotIndex, per spec.md §4.7's `unbind(slot)`:
// rejected if it would leave zero slots.
func (c *Context) Unbind(ks KeystoreWriter, slotIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.slots[slotIndex]; !ok {
		return stratiserr.New(stratiserr.KindInput, fmt.Sprintf("crypt: no such slot %d", slotIndex)).WithPool(c.PoolID)
	}
	if len(c.slots) == 1 {
		return stratiserr.New(stratiserr.KindPrecondition, "crypt: refusing to remove the last token slot").WithPool(c.PoolID)
	}
	if err := ks.EraseSlot(c.PoolID, slotIndex); err != nil {
		return stratiserr.Wrap(stratiserr.KindEnvironment, "crypt: erase luks2 slot", err).WithPool(c.PoolID)
	}
	delete(c.slots, slotIndex)
	return nil
}

// UnlockResult is the outcome of a successful Unlock.
type UnlockResult struct {
	DEK       []byte
	SlotIndex int
}

// Unlock tries slots in the deterministic order spec.md §4.7
// specifies: an explicit override first, else passphrase slots before
// network-bound ones, each in ascending index order. attempt is
// called once per candidate slot to derive its KEK; a slot whose
// attempt or subsequent unwrap fails is recorded and the next
// candidate is tried.
func (c *Context) Unlock(preferred *int, attempt func(Slot) ([]byte, error)) (UnlockResult, error) {
	c.mu.Lock()
	order := c.unlockOrderLocked(preferred)
	slots := make([]Slot, len(order))
	for i, idx := range order {
		slots[i] = c.slots[idx]
	}
	c.mu.Unlock()

	var failures []string
	for _, slot := range slots {
		kek, err := attempt(slot)
		if err != nil {
			failures = append(failures, fmt.Sprintf("slot %d: %v", slot.Index, err))
			continue
		}
		dek, err := Open(slot.Wrapped, kek)
		if err != nil {
			failures = append(failures, fmt.Sprintf("slot %d: %v", slot.Index, err))
			continue
		}
		return UnlockResult{DEK: dek, SlotIndex: slot.Index}, nil
	}
	return UnlockResult{}, stratiserr.New(stratiserr.KindPrecondition,
		fmt.Sprintf("crypt: unlock failed, tried %s", strings.Join(failures, "; "))).WithPool(c.PoolID)
}

func (c *Context) unlockOrderLocked(preferred *int) []int {
	var passphrase, network []int
	for idx, s := range c.slots {
		if s.Kind == SlotPassphrase {
			passphrase = append(passphrase, idx)
		} else {
			network = append(network, idx)
		}
	}
	sort.Ints(passphrase)
	sort.Ints(network)

	order := append(passphrase, network...)
	if preferred == nil {
		return order
	}
	if _, ok := c.slots[*preferred]; !ok {
		return order
	}
	rest := make([]int, 0, len(order))
	for _, idx := range order {
		if idx != *preferred {
			rest = append(rest, idx)
		}
	}
	return append([]int{*preferred}, rest...)
}
