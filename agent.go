package igvm

import "net"

type (
	// Capacity is the live free capacity of a hypervisor. It is advisory:
	// recomputed at admission time, never reserved ahead of transfer.
	Capacity struct {
		FreeCPU    uint   `json:"free_cpu"`
		FreeMemory uint64 `json:"free_memory"` // MiB
		FreeDisk   uint64 `json:"free_disk"`   // GiB
	}

	// DomainSpec describes the domain shell to define on a hypervisor.
	// The identity fields (UUID, MAC, IP) are preserved across migrations.
	DomainSpec struct {
		Name     string
		UUID     string
		MAC      net.HardwareAddr
		IP       net.IP
		VLAN     int
		VCPUs    uint
		Memory   uint64 // MiB
		DiskSize uint64 // GiB
	}

	// Agent is an interface that allows for communication with a
	// hypervisor's control surface
	Agent interface {
		// Ping is a liveness probe
		Ping() error
		// Capacity returns the host's current free resources
		Capacity() (Capacity, error)

		DomainDefined(name string) (bool, error)
		DomainRunning(name string) (bool, error)
		DefineDomain(spec DomainSpec) error
		// UndefineDomain is idempotent: undefining an absent domain is
		// not an error. Rollback sweeps without checking first.
		UndefineDomain(name string) error
		StartDomain(name string) error
		StopDomain(name string) error

		CreateStorage(name string, sizeGiB uint64) error
		// RemoveStorage is idempotent, like UndefineDomain
		RemoveStorage(name string) error
		ResizeStorage(name string, sizeGiB uint64) error
		// StoragePath returns the host side block device backing the domain
		StoragePath(name string) (string, error)

		// LiveMigrate transfers the running domain's in-memory state to
		// the destination while its disk stays mirrored. On an
		// *IncompatibleError the source domain is guaranteed untouched.
		LiveMigrate(name string, dest Agent) error

		// MaxMemory returns the domain's configured memory ceiling in MiB
		MaxMemory(name string) (uint64, error)
		SetMemory(name string, memoryMiB uint64) error
		SetVCPUs(name string, count uint) error
	}

	// AgentResolver returns the Agent for a hypervisor
	AgentResolver func(*Hypervisor) (Agent, error)
)

// domainSpec builds the DomainSpec for a VM. An override IP is used when the
// migration carries a newip.
func domainSpec(v *VM, ip net.IP) DomainSpec {
	if ip == nil {
		ip = v.InternIP
	}
	return DomainSpec{
		Name:     v.Hostname,
		UUID:     v.UUID,
		MAC:      v.MAC,
		IP:       ip,
		VLAN:     v.VLAN,
		VCPUs:    v.NumCPU,
		Memory:   v.Memory,
		DiskSize: v.DiskSize,
	}
}
