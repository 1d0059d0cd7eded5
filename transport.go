package igvm

import (
	"context"
	"errors"
	"fmt"

	"github.com/innogames/igvm/pkg/run"
)

// TransportType selects the storage transfer mechanism
type TransportType string

// Transport names
const (
	TransportMirror TransportType = "mirror"
	TransportStream TransportType = "stream"
)

// TransportEndpoint is one side of a storage transfer. Commands run on the
// hypervisor through the Runner; the agent covers operations the command
// channel cannot express.
type TransportEndpoint struct {
	Hypervisor *Hypervisor
	Agent      Agent
	Runner     run.Runner
}

// A Transport copies a VM's disk from a source hypervisor to a destination
// hypervisor. Setup establishes the channel, Transfer moves the data (for
// mirror transports this blocks until the replica is in sync), Finalize hands
// ownership to the destination, and Teardown releases everything Setup and
// Transfer allocated.
//
// Teardown must be safe to call at any point after Setup, including after a
// partial or failed Transfer, and must be idempotent.
type Transport interface {
	Name() TransportType
	Setup(ctx context.Context) error
	Transfer(ctx context.Context) error
	Finalize(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// TransportFactory builds a transport for one migration. The orchestrator
// holds one of these so tests can substitute a double.
type TransportFactory func(name TransportType, vm *VM, source, dest TransportEndpoint) (Transport, error)

// NewTransport returns the production transport for name. Mirror keeps the
// source disk intact until Finalize; stream is a one-shot raw copy.
func NewTransport(name TransportType, vm *VM, source, dest TransportEndpoint) (Transport, error) {
	switch name {
	case TransportMirror:
		return newMirrorTransport(vm, source, dest), nil
	case TransportStream:
		return newStreamTransport(vm, source, dest), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// transferError wraps err from a transport command into a *TransferError,
// classifying connectivity loss apart from commands that ran and failed. A
// command that produced an exit status reached the host; anything else is
// treated as the host being unreachable.
func transferError(transport TransportType, err error) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{
		Transport:   transport,
		Unreachable: !run.IsExit(err),
		Err:         err,
	}
}
