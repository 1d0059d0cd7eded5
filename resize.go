package igvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
)

// SetMemory resizes a VM's memory. The size is absolute ("8G") or relative
// ("+2G", "-512M"). Online resizes only grow, bounded by the domain's
// configured ceiling; shrinking, or growing past the ceiling, needs the VM
// stopped. The inventory is committed once, after the hypervisor reports
// success.
func (o *Orchestrator) SetMemory(ctx context.Context, vmHostname, size string) error {
	vm, agent, err := o.vmAgent(vmHostname)
	if err != nil {
		return err
	}

	newMiB, err := resolveSize(size, vm.Memory, parseRAMMiB)
	if err != nil {
		return err
	}
	if newMiB == 0 {
		return fmt.Errorf("cannot resize %q to zero memory", vmHostname)
	}
	if newMiB == vm.Memory {
		return &UnsupportedError{
			Reason:  ReasonNoOp,
			Message: fmt.Sprintf("%q already has %d MiB of memory", vmHostname, vm.Memory),
		}
	}

	running, err := agent.DomainRunning(vm.Hostname)
	if err != nil {
		return err
	}
	if running && newMiB < vm.Memory {
		return &UnsupportedError{
			Reason:  ReasonOnlineShrink,
			Message: fmt.Sprintf("cannot shrink memory of running VM %q; stop it first", vmHostname),
		}
	}

	if newMiB > vm.Memory {
		free, err := agent.Capacity()
		if err != nil {
			return err
		}
		if newMiB-vm.Memory > free.FreeMemory {
			return &AdmissionError{
				Reason: ReasonCapacity,
				Message: fmt.Sprintf("growing %q by %d MiB exceeds the %d MiB free on %q",
					vmHostname, newMiB-vm.Memory, free.FreeMemory, vm.HypervisorID),
			}
		}
	}
	if running {
		max, err := agent.MaxMemory(vm.Hostname)
		if err != nil {
			return err
		}
		if newMiB > max {
			return &UnsupportedError{
				Reason: ReasonOnlineChange,
				Message: fmt.Sprintf("%d MiB exceeds the %d MiB ceiling of running VM %q; stop it first",
					newMiB, max, vmHostname),
			}
		}
	}

	if err := agent.SetMemory(vm.Hostname, newMiB); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"func":   "Orchestrator.SetMemory",
		"vm":     vmHostname,
		"memory": newMiB,
		"online": running,
	}).Info("memory resized")

	old := vm.Memory
	vm.Memory = newMiB
	if err := vm.Save(); err != nil {
		vm.Memory = old
		if o.ctx.kv.IsConflict(err) {
			return ErrInventoryConflict
		}
		return err
	}
	return nil
}

// SetVCPUs resizes a VM's vCPU count, absolute ("4") or relative ("+2",
// "-1"). Running VMs only grow.
func (o *Orchestrator) SetVCPUs(ctx context.Context, vmHostname, count string) error {
	vm, agent, err := o.vmAgent(vmHostname)
	if err != nil {
		return err
	}

	parsed, err := resolveSize(count, uint64(vm.NumCPU), func(s string) (uint64, error) {
		n, err := strconv.ParseUint(s, 10, 32)
		return n, err
	})
	if err != nil {
		return err
	}
	newCount := uint(parsed)
	if newCount == 0 {
		return fmt.Errorf("cannot resize %q to zero vCPUs", vmHostname)
	}
	if newCount == vm.NumCPU {
		return &UnsupportedError{
			Reason:  ReasonNoOp,
			Message: fmt.Sprintf("%q already has %d vCPUs", vmHostname, vm.NumCPU),
		}
	}

	running, err := agent.DomainRunning(vm.Hostname)
	if err != nil {
		return err
	}
	if running && newCount < vm.NumCPU {
		return &UnsupportedError{
			Reason:  ReasonOnlineShrink,
			Message: fmt.Sprintf("cannot remove vCPUs from running VM %q; stop it first", vmHostname),
		}
	}
	if newCount > vm.NumCPU {
		free, err := agent.Capacity()
		if err != nil {
			return err
		}
		if newCount-vm.NumCPU > free.FreeCPU {
			return &AdmissionError{
				Reason: ReasonCapacity,
				Message: fmt.Sprintf("growing %q by %d vCPUs exceeds the %d free on %q",
					vmHostname, newCount-vm.NumCPU, free.FreeCPU, vm.HypervisorID),
			}
		}
	}

	if err := agent.SetVCPUs(vm.Hostname, newCount); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"func":   "Orchestrator.SetVCPUs",
		"vm":     vmHostname,
		"vcpus":  newCount,
		"online": running,
	}).Info("vcpus resized")

	old := vm.NumCPU
	vm.NumCPU = newCount
	if err := vm.Save(); err != nil {
		vm.NumCPU = old
		if o.ctx.kv.IsConflict(err) {
			return ErrInventoryConflict
		}
		return err
	}
	return nil
}

// SetDiskSize grows a VM's disk, absolute ("60G") or relative ("+10G").
// Disks never shrink: the filesystem inside the guest cannot be squeezed
// from the outside.
func (o *Orchestrator) SetDiskSize(ctx context.Context, vmHostname, size string) error {
	vm, agent, err := o.vmAgent(vmHostname)
	if err != nil {
		return err
	}

	newGiB, err := resolveSize(size, vm.DiskSize, parseDiskGiB)
	if err != nil {
		return err
	}
	if newGiB == vm.DiskSize {
		return &UnsupportedError{
			Reason:  ReasonNoOp,
			Message: fmt.Sprintf("%q already has a %d GiB disk", vmHostname, vm.DiskSize),
		}
	}
	if newGiB < vm.DiskSize {
		return &UnsupportedError{
			Reason:  ReasonDiskShrink,
			Message: fmt.Sprintf("cannot shrink the disk of %q from %d to %d GiB", vmHostname, vm.DiskSize, newGiB),
		}
	}

	free, err := agent.Capacity()
	if err != nil {
		return err
	}
	if newGiB-vm.DiskSize > free.FreeDisk {
		return &AdmissionError{
			Reason: ReasonCapacity,
			Message: fmt.Sprintf("growing %q by %d GiB exceeds the %d GiB free on %q",
				vmHostname, newGiB-vm.DiskSize, free.FreeDisk, vm.HypervisorID),
		}
	}

	if err := agent.ResizeStorage(vm.Hostname, newGiB); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"func": "Orchestrator.SetDiskSize",
		"vm":   vmHostname,
		"disk": newGiB,
	}).Info("disk grown")

	old := vm.DiskSize
	vm.DiskSize = newGiB
	if err := vm.Save(); err != nil {
		vm.DiskSize = old
		if o.ctx.kv.IsConflict(err) {
			return ErrInventoryConflict
		}
		return err
	}
	return nil
}

// vmAgent loads a VM and resolves the agent of its current hypervisor
func (o *Orchestrator) vmAgent(vmHostname string) (*VM, Agent, error) {
	vm, err := o.ctx.VM(vmHostname)
	if err != nil {
		return nil, nil, err
	}
	if vm.State == VMStateMigrating {
		return nil, nil, ErrJobActive
	}
	if vm.HypervisorID == "" {
		return nil, nil, fmt.Errorf("vm %q is not assigned to a hypervisor", vmHostname)
	}
	h, err := o.ctx.Hypervisor(vm.HypervisorID)
	if err != nil {
		return nil, nil, err
	}
	agent, err := o.resolveAgent(h)
	if err != nil {
		return nil, nil, err
	}
	return vm, agent, nil
}

// resolveSize turns a possibly relative size spec into an absolute value. A
// leading + or - applies the parsed amount as a delta to current.
func resolveSize(spec string, current uint64, parse func(string) (uint64, error)) (uint64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, fmt.Errorf("empty size")
	}
	switch spec[0] {
	case '+':
		delta, err := parse(spec[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", spec, err)
		}
		return current + delta, nil
	case '-':
		delta, err := parse(spec[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", spec, err)
		}
		if delta > current {
			return 0, fmt.Errorf("size %q shrinks below zero", spec)
		}
		return current - delta, nil
	default:
		n, err := parse(spec)
		if err != nil {
			return 0, fmt.Errorf("invalid size %q: %w", spec, err)
		}
		return n, nil
	}
}

// parseRAMMiB parses a human size ("2G", "512M", bare MiB count) into MiB
func parseRAMMiB(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return uint64(b) >> 20, nil
}

// parseDiskGiB parses a human size ("60G", bare GiB count) into GiB
func parseDiskGiB(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}
	b, err := units.RAMInBytes(s)
	if err != nil {
		return 0, err
	}
	return uint64(b) >> 30, nil
}
