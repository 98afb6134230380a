package pool

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratis-storage/stratisd-engine/pkg/crypt"
	"github.com/stratis-storage/stratisd-engine/pkg/events"
	"github.com/stratis-storage/stratisd-engine/pkg/sconfig"
	"github.com/stratis-storage/stratisd-engine/pkg/simbackend"
	"github.com/stratis-storage/stratisd-engine/pkg/stack"
	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// memKeystore is an in-memory crypt.KeystoreWriter, standing in for
// the LUKS2-level slot writes a real stack would perform.
type memKeystore struct {
	mu    sync.Mutex
	slots map[int][]byte
}

func newMemKeystore() *memKeystore {
	return &memKeystore{slots: make(map[int][]byte)}
}

func (k *memKeystore) WriteSlot(poolID unit.PoolID, slotIndex int, kek []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.slots[slotIndex] = append([]byte(nil), kek...)
	return nil
}

func (k *memKeystore) EraseSlot(poolID unit.PoolID, slotIndex int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.slots, slotIndex)
	return nil
}

// memDevice is an in-memory mda.ReaderWriterAt standing in for a raw
// block device, the same role persistence's memDevice plays in its
// own package's tests.
type memDevice struct {
	buf       []byte
	failWrite bool
}

func newMemDevice(sectors unit.Sector) *memDevice {
	return &memDevice{buf: make([]byte, sectors.Bytes())}
}

func (m *memDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, errShortRead
	}
	return n, nil
}

func (m *memDevice) WriteAt(p []byte, off int64) (int, error) {
	if m.failWrite {
		return 0, errShortRead
	}
	n := copy(m.buf[off:], p)
	return n, nil
}

type shortReadErr struct{}

func (shortReadErr) Error() string { return "pool_test: short read" }

var errShortRead = shortReadErr{}

const testDeviceSectors = unit.Sector(2_000_000)

func newTestBackend(t *testing.T) *stack.Backend {
	t.Helper()
	sim, err := simbackend.New(filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sim.Close()) })
	return stack.NewSimBackend(sim)
}

func newTestDevices(t *testing.T, n int) ([]DeviceInit, []*memDevice) {
	t.Helper()
	devices := make([]DeviceInit, n)
	mems := make([]*memDevice, n)
	for i := 0; i < n; i++ {
		mem := newMemDevice(testDeviceSectors)
		mems[i] = mem
		devices[i] = DeviceInit{
			ID:           unit.NewDeviceID(),
			Path:         filepath.Join("/dev", "stratis-test", unit.NewDeviceID().String()),
			Dev:          mem,
			TotalSectors: testDeviceSectors,
		}
	}
	return devices, mems
}

// newTestPool builds an unencrypted pool over n in-memory devices and
// starts its (simulated) device stack, ready for filesystem
// operations.
func newTestPool(t *testing.T, n int) *Pool {
	t.Helper()
	devices, _ := newTestDevices(t, n)
	p, err := New("test-pool", devices, sconfig.Default(), events.NewBroker(), newTestBackend(t))
	require.NoError(t, err)
	require.NoError(t, p.Stack.Start())
	return p
}

// newTestPoolWithMems is newTestPool but also returns the raw
// in-memory devices, for tests that need to simulate a write failure.
func newTestPoolWithMems(t *testing.T, n int) (*Pool, []*memDevice) {
	t.Helper()
	devices, mems := newTestDevices(t, n)
	p, err := New("test-pool", devices, sconfig.Default(), events.NewBroker(), newTestBackend(t))
	require.NoError(t, err)
	require.NoError(t, p.Stack.Start())
	return p, mems
}

// testEncryptionFixture bundles an encrypted test pool with the
// keystore/keyring it was bound against, so a test can bind further
// slots or simulate an unlock without re-deriving these collaborators.
type testEncryptionFixture struct {
	pool     *Pool
	keystore *memKeystore
	keyring  *crypt.SimKeyring
}

const testKeyDescription = "stratis-test-passphrase"

// newTestEncryptedPool builds an encrypted pool over n in-memory
// devices with a single initial passphrase slot already bound under
// testKeyDescription.
func newTestEncryptedPool(t *testing.T, n int) testEncryptionFixture {
	t.Helper()
	devices, _ := newTestDevices(t, n)
	ks := newMemKeystore()
	kr := crypt.NewSimKeyring()
	kr.Add(testKeyDescription, []byte("correct horse battery staple"))

	p, err := NewEncrypted("encrypted-test-pool", devices, sconfig.Default(), events.NewBroker(), newTestBackend(t), ks, kr, testKeyDescription)
	require.NoError(t, err)
	require.NoError(t, p.Stack.Start())
	return testEncryptionFixture{pool: p, keystore: ks, keyring: kr}
}
