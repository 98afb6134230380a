/*
Package stratiserr implements the structured error taxonomy from
spec.md §7: every operation the engine exposes fails with an Error
carrying a Kind, the pool/filesystem it concerns (if known), and a
human-readable cause — distinguishable at the request layer without
inspecting prose, the way the teacher distinguishes success/failure by
gRPC status code rather than string matching.
*/
package stratiserr

import (
	"errors"
	"fmt"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// Kind classifies an Error per spec.md §7's taxonomy.
type Kind string

const (
	// KindInput: malformed argument, name collision, UUID not found.
	KindInput Kind = "input"
	// KindPrecondition: pool in wrong availability state; filesystem at
	// size limit; encryption slot absent.
	KindPrecondition Kind = "precondition"
	// KindResource: out of space in data or metadata; LUKS2 slot count
	// exhausted.
	KindResource Kind = "resource"
	// KindEnvironment: device missing or smaller than recorded; kernel
	// target load failed; keyring entry missing; network-bound unlock
	// server unreachable.
	KindEnvironment Kind = "environment"
	// KindCorruption: header CRC mismatch; payload parse failure;
	// divergent histories.
	KindCorruption Kind = "corruption"
	// KindInternal: rollback failure; always escalates to
	// MaintenanceMode.
	KindInternal Kind = "internal"
)

// Error is the structured failure every engine operation returns.
type Error struct {
	Kind    Kind
	PoolID  unit.PoolID
	FSID    unit.FilesystemID
	Cause   string
	wrapped error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	if !e.PoolID.IsZero() {
		msg = fmt.Sprintf("%s (pool %s)", msg, e.PoolID)
	}
	if !e.FSID.IsZero() {
		msg = fmt.Sprintf("%s (filesystem %s)", msg, e.FSID)
	}
	return msg
}

// Unwrap exposes the underlying error, if any, for errors.Is/As.
func (e *Error) Unwrap() error { return e.wrapped }

// New builds a bare Error of the given kind and cause.
func New(kind Kind, cause string) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Wrap builds an Error of the given kind, wrapping an underlying error.
func Wrap(kind Kind, cause string, err error) *Error {
	return &Error{Kind: kind, Cause: cause, wrapped: err}
}

// WithPool attaches a pool ID to e and returns e for chaining.
func (e *Error) WithPool(id unit.PoolID) *Error {
	e.PoolID = id
	return e
}

// WithFilesystem attaches a filesystem ID to e and returns e for
// chaining.
func (e *Error) WithFilesystem(id unit.FilesystemID) *Error {
	e.FSID = id
	return e
}

// Is reports whether err is a *Error of kind k, per spec.md §7's
// "distinguishable without inspecting prose" requirement.
func Is(err error, k Kind) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == k
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
