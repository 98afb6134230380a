package crypt

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Keyring resolves a passphrase slot's key description to the raw
// passphrase bytes an operator has loaded into the kernel keyring
// ahead of an unlock attempt, per spec.md §4.7: "referencing a key
// description that must be present in the operator's keyring at
// unlock time." Mirrors the {Real, Sim} split pkg/stack uses for
// DeviceBackend, for the same reason: real keyring lookups shell out
// and can't run in a test sandbox.
type Keyring interface {
	Lookup(description string) ([]byte, error)
}

// RealKeyring resolves descriptions against the kernel's user keyring
// via the keyctl(1) CLI, the same shelling-out approach RealBackend
// takes with dmsetup(8) rather than hand-coding the keyctl(2) syscall
// numbers.
type RealKeyring struct{}

// Lookup runs `keyctl search @u user <description>` to resolve the key
// ID, then `keyctl pipe <id>` to read its raw payload.
func (RealKeyring) Lookup(description string) ([]byte, error) {
	idOut, err := exec.Command("keyctl", "search", "@u", "user", description).Output()
	if err != nil {
		return nil, fmt.Errorf("crypt: keyctl search %q: %w", description, err)
	}
	id := strings.TrimSpace(string(idOut))

	payload, err := exec.Command("keyctl", "pipe", id).Output()
	if err != nil {
		return nil, fmt.Errorf("crypt: keyctl pipe %s: %w", id, err)
	}
	return bytes.TrimSuffix(payload, []byte("\n")), nil
}

// SimKeyring is an in-memory Keyring for tests and the sim backend's
// companion test harnesses.
type SimKeyring struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewSimKeyring returns an empty SimKeyring.
func NewSimKeyring() *SimKeyring {
	return &SimKeyring{entries: make(map[string][]byte)}
}

// Add loads a passphrase under description, as an operator's `keyctl
// add` would.
func (k *SimKeyring) Add(description string, passphrase []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[description] = append([]byte(nil), passphrase...)
}

// Remove unloads description, as an operator's `keyctl unlink` would.
func (k *SimKeyring) Remove(description string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, description)
}

// Lookup implements Keyring.
func (k *SimKeyring) Lookup(description string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.entries[description]
	if !ok {
		return nil, fmt.Errorf("crypt: key description %q not present in keyring", description)
	}
	return append([]byte(nil), v...), nil
}
