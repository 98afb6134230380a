/*
Package availability implements the pool action-availability state
machine from spec.md §4.5: every mutating operation the engine exposes
is classified against one of three states, and the state only becomes
less permissive over a pool's in-process lifetime — regaining
permissiveness requires either an explicit stop+start cycle or one of
the spec's named recovery events (§4.4's read-only-driven recovery,
§8 scenario 3's operator "add a device" recovery).

Per spec.md §9 ("Proc-macro-driven action gating"), the classification
of operations by required availability is kept as one declarative map
rather than hand-written checks scattered through each operation's
code — the "equivalent manual implementation" spec.md §9 says is
acceptable when no code-generation step is used.
*/
package availability

import (
	"fmt"
	"sync"

	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
)

// State is one of the three pool availability states, strictly
// ordered by permissiveness: Full > NoRequests > MaintenanceMode.
type State int

const (
	Full State = iota
	NoRequests
	MaintenanceMode
)

func (s State) String() string {
	switch s {
	case Full:
		return "Full"
	case NoRequests:
		return "NoRequests"
	case MaintenanceMode:
		return "MaintenanceMode"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// rank orders states by permissiveness; higher is more permissive.
func (s State) rank() int {
	switch s {
	case Full:
		return 2
	case NoRequests:
		return 1
	default:
		return 0
	}
}

// Class classifies an operation by what availability it requires.
// spec.md §4.5's table collapses to exactly two classes: ordinary
// mutations, which require Full, and the handful of operations every
// state admits (destroy, stop, metadata reads).
type Class int

const (
	// ClassMutation requires the pool to be Full.
	ClassMutation Class = iota
	// ClassAlwaysAdmitted is destroy, stop, or a metadata read: admitted
	// regardless of availability state.
	ClassAlwaysAdmitted
)

// Operation names spec.md §6.3 exposes, used as keys into the
// declarative classification table.
const (
	OpPoolCreate         = "pool.create"
	OpPoolDestroy        = "pool.destroy"
	OpPoolStart          = "pool.start"
	OpPoolStop           = "pool.stop"
	OpPoolRename         = "pool.rename"
	OpPoolGrow           = "pool.grow"
	OpFilesystemCreate   = "filesystem.create"
	OpFilesystemDestroy  = "filesystem.destroy"
	OpFilesystemSnapshot = "filesystem.snapshot"
	OpFilesystemRename   = "filesystem.rename"
	OpFilesystemSetLimit = "filesystem.set_limit"
	OpEncryptionBind     = "encryption.bind"
	OpEncryptionUnbind   = "encryption.unbind"
	OpEncryptionRebind   = "encryption.rebind"
	OpEncryptionUnlock   = "encryption.unlock"
	OpPropertyRead       = "property.read"
)

// classification is the declarative source of truth for which
// availability each named operation requires.
var classification = map[string]Class{
	OpPoolCreate:         ClassMutation,
	OpPoolDestroy:        ClassAlwaysAdmitted,
	OpPoolStart:          ClassMutation,
	OpPoolStop:           ClassAlwaysAdmitted,
	OpPoolRename:         ClassMutation,
	OpPoolGrow:           ClassMutation,
	OpFilesystemCreate:   ClassMutation,
	OpFilesystemDestroy:  ClassMutation,
	OpFilesystemSnapshot: ClassMutation,
	OpFilesystemRename:   ClassMutation,
	OpFilesystemSetLimit: ClassMutation,
	OpEncryptionBind:     ClassMutation,
	OpEncryptionUnbind:   ClassMutation,
	OpEncryptionRebind:   ClassMutation,
	OpEncryptionUnlock:   ClassMutation,
	OpPropertyRead:       ClassAlwaysAdmitted,
}

// ClassOf returns the declared classification of op, defaulting to
// ClassMutation (the conservative choice) for an operation name not
// present in the table.
func ClassOf(op string) Class {
	if c, ok := classification[op]; ok {
		return c
	}
	return ClassMutation
}

// Machine is one pool's availability state, guarded for concurrent
// reads from the operation-admission path and writes from the
// thin-pool event reaction loop (pkg/thinpool) and rollback handling.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// New returns a Machine starting in Full, the state a pool enters on
// every successful start.
func New() *Machine {
	return &Machine{state: Full}
}

// State returns the current availability.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Admit checks whether op is permitted in the current state, without
// mutating it. Operations below the declared floor are rejected with
// a stratiserr Precondition error and no side effect, per spec.md
// §4.5's contract.
func (m *Machine) Admit(op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ClassOf(op) == ClassAlwaysAdmitted {
		return nil
	}
	if m.state != Full {
		return stratiserr.New(stratiserr.KindPrecondition,
			fmt.Sprintf("operation %q requires Full, pool is %s", op, m.state))
	}
	return nil
}

// Demote moves the pool to a less (or equally) permissive state.
// Demote refuses to increase permissiveness: per spec.md §4.5,
// regaining it requires Reset (a stop+start cycle) or Recover (an
// explicit named recovery event).
func (m *Machine) Demote(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if to.rank() > m.state.rank() {
		return fmt.Errorf("availability: refusing to demote from %s to more permissive %s", m.state, to)
	}
	m.state = to
	return nil
}

// FailRollback unconditionally enters MaintenanceMode: per spec.md §7,
// a rollback failure is an Internal error that always escalates here,
// regardless of the state a pool was previously in.
func (m *Machine) FailRollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = MaintenanceMode
}

// Recover explicitly restores Full outside of a stop+start cycle, for
// the two named exceptions spec.md documents: a thin-pool read-only
// condition clearing (§4.4: "read-only → pool moves to Full"), and an
// operator adding capacity after an out-of-data-space condition (§8
// scenario 3: "pool_add_data succeeds and moves availability back to
// Full"). Both are explicit, externally-triggered recovery actions,
// not an automatic reversal of a Demote — the monotonicity invariant
// still holds for every other transition.
func (m *Machine) Recover(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Full
	_ = reason // surfaced to the caller's logger/event stream, not stored here
}

// Reset returns the machine to Full for a fresh stop+start cycle, per
// spec.md §4.5's "state never becomes more permissive without a
// stop + start cycle."
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Full
}
