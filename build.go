package igvm

import (
	"context"
	"fmt"

	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
)

// BuildOptions are the per-request knobs of a build
type BuildOptions struct {
	// IgnoreReserved admits online_reserved destinations
	IgnoreReserved bool
	// NoStart leaves the new VM defined but stopped
	NoStart bool
}

// Build creates vm on destHostname: it admits the destination, creates the
// storage and domain, starts the guest and commits the inventory record.
// A failure after the hypervisor was touched cleans the destination up and
// leaves no inventory record behind.
func (o *Orchestrator) Build(ctx context.Context, vm *VM, destHostname string, opts BuildOptions) error {
	if existing, err := o.ctx.VM(vm.Hostname); err == nil && existing != nil {
		return fmt.Errorf("vm %q already exists on %q", vm.Hostname, existing.HypervisorID)
	} else if err != nil && !o.ctx.IsKeyNotFound(err) {
		return err
	}

	dest, err := o.ctx.Hypervisor(destHostname)
	if err != nil {
		return err
	}
	agent, err := o.resolveAgent(dest)
	if err != nil {
		return &AdmissionError{
			Reason:  ReasonUnreachable,
			Message: fmt.Sprintf("no agent for %q: %s", destHostname, err),
		}
	}
	if err := Admit(vm, dest, agent, AdmitOptions{IgnoreReserved: opts.IgnoreReserved}); err != nil {
		return err
	}

	if vm.UUID == "" {
		vm.UUID = uuid.New()
	}
	vm.HypervisorID = dest.Hostname
	vm.State = VMStateBuilding
	if err := vm.Save(); err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{
		"func": "Orchestrator.Build",
		"vm":   vm.Hostname,
		"dest": dest.Hostname,
	})

	if err := agent.CreateStorage(vm.Hostname, vm.DiskSize); err != nil {
		o.buildCleanup(vm, agent, false, false)
		return err
	}
	if err := agent.DefineDomain(domainSpec(vm, nil)); err != nil {
		o.buildCleanup(vm, agent, true, false)
		return err
	}

	vm.State = VMStateStopped
	if !opts.NoStart {
		if err := agent.StartDomain(vm.Hostname); err != nil {
			o.buildCleanup(vm, agent, true, true)
			return err
		}
		vm.State = VMStateRunning
	}

	if err := vm.Save(); err != nil {
		if o.ctx.kv.IsConflict(err) {
			return ErrInventoryConflict
		}
		return err
	}

	logger.WithField("state", vm.State).Info("vm built")
	return nil
}

// buildCleanup undoes a partial build, best effort
func (o *Orchestrator) buildCleanup(vm *VM, agent Agent, storage, domain bool) {
	logger := log.WithFields(log.Fields{
		"func": "Orchestrator.buildCleanup",
		"vm":   vm.Hostname,
	})
	if domain {
		if err := agent.UndefineDomain(vm.Hostname); err != nil {
			logger.WithField("error", err).Warning("could not undefine domain")
		}
	}
	if storage {
		if err := agent.RemoveStorage(vm.Hostname); err != nil {
			logger.WithField("error", err).Warning("could not remove storage")
		}
	}
	if err := vm.Destroy(); err != nil {
		logger.WithField("error", err).Warning("could not remove inventory record")
	}
}

// Start boots a stopped VM on its current hypervisor
func (o *Orchestrator) Start(ctx context.Context, vmHostname string) error {
	vm, agent, err := o.vmAgent(vmHostname)
	if err != nil {
		return err
	}
	if vm.Running() {
		return &UnsupportedError{
			Reason:  ReasonNoOp,
			Message: fmt.Sprintf("%q is already running", vmHostname),
		}
	}
	if err := agent.StartDomain(vm.Hostname); err != nil {
		return err
	}
	vm.State = VMStateRunning
	if err := vm.Save(); err != nil {
		if o.ctx.kv.IsConflict(err) {
			return ErrInventoryConflict
		}
		return err
	}
	return nil
}

// Stop shuts a running VM down on its current hypervisor
func (o *Orchestrator) Stop(ctx context.Context, vmHostname string) error {
	vm, agent, err := o.vmAgent(vmHostname)
	if err != nil {
		return err
	}
	if !vm.Running() {
		return &UnsupportedError{
			Reason:  ReasonNoOp,
			Message: fmt.Sprintf("%q is not running", vmHostname),
		}
	}
	if err := agent.StopDomain(vm.Hostname); err != nil {
		return err
	}
	vm.State = VMStateStopped
	if err := vm.Save(); err != nil {
		if o.ctx.kv.IsConflict(err) {
			return ErrInventoryConflict
		}
		return err
	}
	return nil
}
