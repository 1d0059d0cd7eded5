package igvm

import "fmt"

// AdmitOptions alter admission policy
type AdmitOptions struct {
	// IgnoreReserved admits online_reserved destinations
	IgnoreReserved bool
}

// Admit validates that dest can legally and physically host vm. It is pure
// validation: no hypervisor or inventory state is changed. The checks run in
// order and short-circuit on the first failure, returning an
// *AdmissionError with the corresponding structured reason.
func Admit(vm *VM, dest *Hypervisor, agent Agent, opts AdmitOptions) error {
	if dest.Hostname == vm.HypervisorID {
		return &AdmissionError{
			Reason:  ReasonSelfMigration,
			Message: fmt.Sprintf("%q is already on %q", vm.Hostname, dest.Hostname),
		}
	}

	// Capacity is recomputed from live state, not reserved; two jobs
	// admitted concurrently against the same destination race and the
	// loser fails at destination preparation instead.
	free, err := agent.Capacity()
	if err != nil {
		return &AdmissionError{
			Reason:  ReasonUnreachable,
			Message: fmt.Sprintf("%q capacity probe: %s", dest.Hostname, err),
		}
	}
	if free.FreeCPU < vm.NumCPU {
		return &AdmissionError{
			Reason: ReasonCapacity,
			Message: fmt.Sprintf("not enough CPUs on %q: %d free, %d required",
				dest.Hostname, free.FreeCPU, vm.NumCPU),
		}
	}
	if free.FreeMemory < vm.Memory {
		return &AdmissionError{
			Reason: ReasonCapacity,
			Message: fmt.Sprintf("not enough memory on %q: %d MiB free, %d MiB required",
				dest.Hostname, free.FreeMemory, vm.Memory),
		}
	}
	if free.FreeDisk < vm.DiskSize {
		return &AdmissionError{
			Reason: ReasonCapacity,
			Message: fmt.Sprintf("not enough disk on %q: %d GiB free, %d GiB required",
				dest.Hostname, free.FreeDisk, vm.DiskSize),
		}
	}

	if !dest.AllowsVLAN(vm.VLAN) {
		return &AdmissionError{
			Reason:  ReasonNetwork,
			Message: fmt.Sprintf("%q does not carry VLAN %d", dest.Hostname, vm.VLAN),
		}
	}

	if !dest.Online() {
		return &AdmissionError{
			Reason:  ReasonReserved,
			Message: fmt.Sprintf("%q is not in an online state (%s)", dest.Hostname, dest.State),
		}
	}
	if dest.Reserved() && !opts.IgnoreReserved {
		return &AdmissionError{
			Reason:  ReasonReserved,
			Message: fmt.Sprintf("%q is reserved; pass ignore-reserved to use it", dest.Hostname),
		}
	}

	if err := agent.Ping(); err != nil {
		return &AdmissionError{
			Reason:  ReasonUnreachable,
			Message: fmt.Sprintf("%q liveness probe: %s", dest.Hostname, err),
		}
	}

	return nil
}
