package igvm

import (
	"errors"
	"fmt"
)

// Reason is a machine readable rejection reason so callers can react
// programmatically instead of parsing text.
type Reason string

// Rejection reasons
const (
	ReasonSelfMigration     Reason = "self-migration"
	ReasonCapacity          Reason = "capacity"
	ReasonNetwork           Reason = "network"
	ReasonReserved          Reason = "reserved"
	ReasonUnreachable       Reason = "unreachable"
	ReasonNoOp              Reason = "no-op"
	ReasonOnlineShrink      Reason = "unsupported-online-shrink"
	ReasonOnlineChange      Reason = "unsupported-online-change"
	ReasonDiskShrink        Reason = "unsupported-disk-shrink"
	ReasonBootstrapRequired Reason = "bootstrap-required"
)

// AdmissionError is returned when a destination fails pre-flight validation.
// Nothing has been touched when it is returned.
type AdmissionError struct {
	Reason  Reason
	Message string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected (%s): %s", e.Reason, e.Message)
}

// UnsupportedError is returned for operations the system refuses to perform,
// such as shrinking memory of a running VM.
type UnsupportedError struct {
	Reason  Reason
	Message string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported operation (%s): %s", e.Reason, e.Message)
}

// IncompatibleError is returned when two hypervisors cannot form a live
// migration path. When live migration fails with it, the source VM's running
// state is guaranteed unchanged.
type IncompatibleError struct {
	Cause string
}

func (e *IncompatibleError) Error() string {
	return "live migration incompatible: " + e.Cause
}

// TransferError is a storage transfer failure. Unreachable distinguishes "the
// destination could not be contacted" from "the transfer itself broke", so
// the orchestrator can decide between retry and rollback.
type TransferError struct {
	Transport   TransportType
	Unreachable bool
	Err         error
}

func (e *TransferError) Error() string {
	kind := "transfer failed"
	if e.Unreachable {
		kind = "peer unreachable"
	}
	return fmt.Sprintf("%s transport: %s: %s", e.Transport, kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// CutoverError is a failure while moving authoritative execution from source
// to destination.
type CutoverError struct {
	Err error
}

func (e *CutoverError) Error() string { return "cutover failed: " + e.Err.Error() }
func (e *CutoverError) Unwrap() error { return e.Err }

// RollbackError reports that rollback itself failed. The original failure is
// carried in Cause and is never discarded; Failures holds the errors of the
// rollback steps. It implies orphaned destination-side resources and requires
// operator attention.
type RollbackError struct {
	Cause    error
	Failures error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %s (after: %s)", e.Failures, e.Cause)
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// ErrInventoryConflict means the inventory commit lost an optimistic
// concurrency race. It is never resolved by overwriting; the operation fails
// and must be retried after inspecting current state.
var ErrInventoryConflict = errors.New("inventory version conflict")

// ErrJobActive means the VM already has an active job; second requests are
// rejected, not queued.
var ErrJobActive = errors.New("vm already has an active job")

// SourceDisposition tells the operator what state the source VM is known to
// be in after a terminal failure.
type SourceDisposition string

// Source dispositions
const (
	SourceIntact        SourceDisposition = "intact"
	SourceMoved         SourceDisposition = "moved"
	SourceIndeterminate SourceDisposition = "indeterminate"
)

// JobError is the terminal error of a migration job. It reports the phase the
// failure occurred in and whether the source VM is confirmed intact,
// confirmed moved, or needs manual verification.
type JobError struct {
	Phase  JobState
	Source SourceDisposition
	Err    error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("migration failed in %s (source vm %s): %s", e.Phase, e.Source, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }
