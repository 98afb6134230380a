/*
Package simbackend is the simulator variant spec.md §9 calls for
alongside the real dmsetup-driven backend: it records loaded device
tables and their suspend state without touching the kernel, so the
engine's graph-building and orchestration logic (pkg/stack) and the
higher-level pool/thin-pool/discovery logic can be exercised by tests
deterministically and in parallel.

It persists state in a bbolt database the same way the teacher's
pkg/storage.BoltStore persists cluster state: one bucket of device
records, keyed by DM device name.
*/
package simbackend

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// deviceRecord is the persisted state of one simulated DM device.
type deviceRecord struct {
	Table     string   `json:"table"`
	Suspended bool     `json:"suspended"`
	Messages  []string `json:"messages,omitempty"`
}

// SimBackend implements stack.DeviceBackend (structurally — this
// package does not import pkg/stack to avoid a dependency cycle)
// against a bbolt-backed map of device name to table/suspend state.
type SimBackend struct {
	db *bolt.DB
}

// New opens (creating if necessary) a simulator database at path.
func New(path string) (*SimBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("simbackend: open %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("simbackend: init buckets: %w", err)
	}
	return &SimBackend{db: db}, nil
}

// Close closes the underlying database.
func (s *SimBackend) Close() error { return s.db.Close() }

func (s *SimBackend) get(name string) (deviceRecord, bool, error) {
	var rec deviceRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

func (s *SimBackend) put(name string, rec deviceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("simbackend: encode device %q: %w", name, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Put([]byte(name), data)
	})
}

// Load creates (or replaces) a device with the given table, active.
func (s *SimBackend) Load(name, table string) error {
	return s.put(name, deviceRecord{Table: table, Suspended: false})
}

// Reload loads a new table for an existing device without activating
// it; Resume must follow to make it visible.
func (s *SimBackend) Reload(name, table string) error {
	rec, found, err := s.get(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("simbackend: reload %q: device does not exist", name)
	}
	rec.Table = table
	return s.put(name, rec)
}

// Suspend marks a device suspended.
func (s *SimBackend) Suspend(name string) error {
	rec, found, err := s.get(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("simbackend: suspend %q: device does not exist", name)
	}
	rec.Suspended = true
	return s.put(name, rec)
}

// Resume clears a device's suspended flag.
func (s *SimBackend) Resume(name string) error {
	rec, found, err := s.get(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("simbackend: resume %q: device does not exist", name)
	}
	rec.Suspended = false
	return s.put(name, rec)
}

// Remove deletes a device record.
func (s *SimBackend) Remove(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(name))
	})
}

// Message records a target message sent to name, for tests asserting
// on thin-pool messages (e.g. create_snap) without a real kernel.
func (s *SimBackend) Message(name, msg string) error {
	rec, found, err := s.get(name)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("simbackend: message %q: device does not exist", name)
	}
	rec.Messages = append(rec.Messages, msg)
	return s.put(name, rec)
}

// Messages returns every message recorded against name, in order, for
// test assertions.
func (s *SimBackend) Messages(name string) ([]string, error) {
	rec, _, err := s.get(name)
	return rec.Messages, err
}

// Table returns the currently loaded table for name, for test
// assertions, and whether the device exists at all.
func (s *SimBackend) Table(name string) (string, bool, error) {
	rec, found, err := s.get(name)
	if err != nil || !found {
		return "", found, err
	}
	return rec.Table, true, nil
}

// IsSuspended reports whether a device is currently suspended, for
// test assertions.
func (s *SimBackend) IsSuspended(name string) (bool, error) {
	rec, found, err := s.get(name)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("simbackend: %q: device does not exist", name)
	}
	return rec.Suspended, nil
}
