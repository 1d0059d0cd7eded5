package igvm

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/innogames/igvm/pkg/run"
)

// DefaultVolumeGroup is the LVM volume group backing VM disks
const DefaultVolumeGroup = "xen-data"

const stopTimeout = 2 * time.Minute

// LibvirtAgent is the production Agent: domains are driven over the libvirt
// connection, storage is LVM driven over the command runner. One agent wraps
// one hypervisor.
type LibvirtAgent struct {
	hypervisor *Hypervisor
	conn       *libvirt.Connect
	runner     run.Runner
	vg         string
}

// NewLibvirtAgent connects to the hypervisor's libvirt URI
func NewLibvirtAgent(h *Hypervisor, runner run.Runner, vg string) (*LibvirtAgent, error) {
	if vg == "" {
		vg = DefaultVolumeGroup
	}
	conn, err := libvirt.NewConnect(h.URI)
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", h.URI, err)
	}
	return &LibvirtAgent{
		hypervisor: h,
		conn:       conn,
		runner:     runner,
		vg:         vg,
	}, nil
}

// Close releases the libvirt connection
func (a *LibvirtAgent) Close() error {
	_, err := a.conn.Close()
	return err
}

// Ping verifies the libvirt connection is still usable
func (a *LibvirtAgent) Ping() error {
	alive, err := a.conn.IsAlive()
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("libvirt connection to %q is dead", a.hypervisor.Hostname)
	}
	return nil
}

// Capacity subtracts every defined domain and the volume group usage from
// the hypervisor's advertised totals
func (a *LibvirtAgent) Capacity() (Capacity, error) {
	domains, err := a.conn.ListAllDomains(
		libvirt.CONNECT_LIST_DOMAINS_ACTIVE | libvirt.CONNECT_LIST_DOMAINS_INACTIVE)
	if err != nil {
		return Capacity{}, err
	}
	var usedCPU uint
	var usedMem uint64
	for i := range domains {
		info, err := domains[i].GetInfo()
		if err == nil {
			usedCPU += info.NrVirtCpu
			usedMem += info.MaxMem >> 10 // KiB to MiB
		}
		_ = domains[i].Free()
	}

	freeDisk, err := a.vgFreeGiB(context.Background())
	if err != nil {
		return Capacity{}, err
	}

	c := Capacity{FreeDisk: freeDisk}
	if a.hypervisor.TotalCPU > usedCPU {
		c.FreeCPU = a.hypervisor.TotalCPU - usedCPU
	}
	if a.hypervisor.TotalMemory > usedMem {
		c.FreeMemory = a.hypervisor.TotalMemory - usedMem
	}
	if c.FreeDisk > a.hypervisor.TotalDisk {
		c.FreeDisk = a.hypervisor.TotalDisk
	}
	return c, nil
}

func (a *LibvirtAgent) vgFreeGiB(ctx context.Context) (uint64, error) {
	cmd := fmt.Sprintf("vgs --noheadings --nosuffix --units g -o vg_free %s", a.vg)
	stdout, _, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return 0, err
	}
	free, err := strconv.ParseFloat(strings.TrimSpace(stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable vg_free %q: %w", stdout, err)
	}
	return uint64(free), nil
}

func (a *LibvirtAgent) lookup(name string) (*libvirt.Domain, error) {
	return a.conn.LookupDomainByName(name)
}

// DomainDefined reports whether the domain exists on the hypervisor
func (a *LibvirtAgent) DomainDefined(name string) (bool, error) {
	dom, err := a.lookup(name)
	if err != nil {
		if isLibvirtErr(err, libvirt.ERR_NO_DOMAIN) {
			return false, nil
		}
		return false, err
	}
	_ = dom.Free()
	return true, nil
}

// DomainRunning reports whether the domain exists and is running
func (a *LibvirtAgent) DomainRunning(name string) (bool, error) {
	dom, err := a.lookup(name)
	if err != nil {
		if isLibvirtErr(err, libvirt.ERR_NO_DOMAIN) {
			return false, nil
		}
		return false, err
	}
	defer dom.Free()
	state, _, err := dom.GetState()
	if err != nil {
		return false, err
	}
	return state == libvirt.DOMAIN_RUNNING, nil
}

// DefineDomain persists a new domain from the spec. The backing device must
// already exist.
func (a *LibvirtAgent) DefineDomain(spec DomainSpec) error {
	xml, err := a.domainXML(spec)
	if err != nil {
		return err
	}
	dom, err := a.conn.DomainDefineXML(xml)
	if err != nil {
		return err
	}
	return dom.Free()
}

// UndefineDomain removes the domain definition. A running domain is an
// error; an absent one is not.
func (a *LibvirtAgent) UndefineDomain(name string) error {
	dom, err := a.lookup(name)
	if err != nil {
		if isLibvirtErr(err, libvirt.ERR_NO_DOMAIN) {
			return nil
		}
		return err
	}
	defer dom.Free()
	return dom.Undefine()
}

// StartDomain boots the domain
func (a *LibvirtAgent) StartDomain(name string) error {
	dom, err := a.lookup(name)
	if err != nil {
		return err
	}
	defer dom.Free()
	return dom.Create()
}

// StopDomain shuts the domain down via ACPI and waits for it to go away,
// pulling the plug when the guest ignores the request
func (a *LibvirtAgent) StopDomain(name string) error {
	dom, err := a.lookup(name)
	if err != nil {
		return err
	}
	defer dom.Free()

	if err := dom.Shutdown(); err != nil {
		return err
	}
	deadline := time.Now().Add(stopTimeout)
	for time.Now().Before(deadline) {
		state, _, err := dom.GetState()
		if err != nil {
			return err
		}
		if state == libvirt.DOMAIN_SHUTOFF {
			return nil
		}
		time.Sleep(time.Second)
	}
	return dom.Destroy()
}

// CreateStorage makes the logical volume backing the domain's disk
func (a *LibvirtAgent) CreateStorage(name string, sizeGiB uint64) error {
	cmd := fmt.Sprintf("lvcreate -y -n %s -L %dg %s", name, sizeGiB, a.vg)
	_, _, err := a.runner.Run(context.Background(), cmd)
	return err
}

// RemoveStorage drops the domain's logical volume if it exists
func (a *LibvirtAgent) RemoveStorage(name string) error {
	dev := a.devicePath(name)
	cmd := fmt.Sprintf("if test -b %s; then lvremove -fy %s; fi", dev, dev)
	_, _, err := a.runner.Run(context.Background(), cmd)
	return err
}

// ResizeStorage grows the logical volume and, for a running domain, pushes
// the new size into the guest
func (a *LibvirtAgent) ResizeStorage(name string, sizeGiB uint64) error {
	cmd := fmt.Sprintf("lvextend -L %dg %s", sizeGiB, a.devicePath(name))
	if _, _, err := a.runner.Run(context.Background(), cmd); err != nil {
		return err
	}

	running, err := a.DomainRunning(name)
	if err != nil || !running {
		return err
	}
	dom, err := a.lookup(name)
	if err != nil {
		return err
	}
	defer dom.Free()
	return dom.BlockResize(a.devicePath(name), sizeGiB<<30, libvirt.DOMAIN_BLOCK_RESIZE_BYTES)
}

// StoragePath returns the block device backing the domain's disk
func (a *LibvirtAgent) StoragePath(name string) (string, error) {
	return a.devicePath(name), nil
}

func (a *LibvirtAgent) devicePath(name string) string {
	return path.Join("/dev", a.vg, name)
}

// LiveMigrate hands the running domain over to dest. Both sides must be
// libvirt hypervisors; the domain shell must already be defined on the
// destination and the disks already mirrored.
func (a *LibvirtAgent) LiveMigrate(name string, dest Agent) error {
	peer, ok := dest.(*LibvirtAgent)
	if !ok {
		return &IncompatibleError{
			Cause: fmt.Sprintf("destination %T is not a libvirt hypervisor", dest),
		}
	}

	dom, err := a.lookup(name)
	if err != nil {
		return err
	}
	defer dom.Free()

	flags := libvirt.MIGRATE_LIVE | libvirt.MIGRATE_PERSIST_DEST
	if err := dom.MigrateToURI(peer.hypervisor.URI, flags, name, 0); err != nil {
		if isLibvirtErr(err, libvirt.ERR_CPU_INCOMPATIBLE) {
			return &IncompatibleError{Cause: err.Error()}
		}
		return err
	}
	return nil
}

// MaxMemory returns the domain's configured memory ceiling in MiB
func (a *LibvirtAgent) MaxMemory(name string) (uint64, error) {
	dom, err := a.lookup(name)
	if err != nil {
		return 0, err
	}
	defer dom.Free()
	kib, err := dom.GetMaxMemory()
	if err != nil {
		return 0, err
	}
	return kib >> 10, nil
}

// SetMemory resizes the domain's memory. Running domains are ballooned live
// within their ceiling; stopped domains get ceiling and allocation rewritten
// together.
func (a *LibvirtAgent) SetMemory(name string, memoryMiB uint64) error {
	dom, err := a.lookup(name)
	if err != nil {
		return err
	}
	defer dom.Free()

	running, err := a.DomainRunning(name)
	if err != nil {
		return err
	}
	kib := memoryMiB << 10
	if running {
		return dom.SetMemoryFlags(kib, libvirt.DOMAIN_MEM_LIVE|libvirt.DOMAIN_MEM_CONFIG)
	}
	if err := dom.SetMemoryFlags(kib, libvirt.DOMAIN_MEM_MAXIMUM|libvirt.DOMAIN_MEM_CONFIG); err != nil {
		return err
	}
	return dom.SetMemoryFlags(kib, libvirt.DOMAIN_MEM_CONFIG)
}

// SetVCPUs resizes the domain's vCPU count
func (a *LibvirtAgent) SetVCPUs(name string, count uint) error {
	dom, err := a.lookup(name)
	if err != nil {
		return err
	}
	defer dom.Free()

	running, err := a.DomainRunning(name)
	if err != nil {
		return err
	}
	if running {
		return dom.SetVcpusFlags(count, libvirt.DOMAIN_VCPU_LIVE|libvirt.DOMAIN_VCPU_CONFIG)
	}
	if err := dom.SetVcpusFlags(count, libvirt.DOMAIN_VCPU_MAXIMUM|libvirt.DOMAIN_VCPU_CONFIG); err != nil {
		return err
	}
	return dom.SetVcpusFlags(count, libvirt.DOMAIN_VCPU_CONFIG)
}

// domainXML renders the libvirt definition for a domain spec
func (a *LibvirtAgent) domainXML(spec DomainSpec) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		UUID: spec.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.Memory),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: spec.VCPUs,
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name:  "qemu",
						Type:  "raw",
						Cache: "none",
						IO:    "native",
					},
					Source: &libvirtxml.DomainDiskSource{
						Block: &libvirtxml.DomainDiskSourceBlock{
							Dev: a.devicePath(spec.Name),
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					MAC: &libvirtxml.DomainInterfaceMAC{
						Address: spec.MAC.String(),
					},
					Source: &libvirtxml.DomainInterfaceSource{
						Bridge: &libvirtxml.DomainInterfaceSourceBridge{
							Bridge: fmt.Sprintf("vlan%d", spec.VLAN),
						},
					},
					Model: &libvirtxml.DomainInterfaceModel{
						Type: "virtio",
					},
				},
			},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
					},
				},
			},
		},
	}
	return domain.Marshal()
}

func isLibvirtErr(err error, code libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	if errors.As(err, &lverr) {
		return lverr.Code == code
	}
	return false
}

// LibvirtResolver returns an AgentResolver that dials hypervisors on demand
// and caches the connections by hostname
func LibvirtResolver(runners RunnerResolver, vg string) AgentResolver {
	var mu sync.Mutex
	agents := map[string]*LibvirtAgent{}
	return func(h *Hypervisor) (Agent, error) {
		mu.Lock()
		defer mu.Unlock()
		if a, ok := agents[h.Hostname]; ok {
			return a, nil
		}
		runner, err := runners(h)
		if err != nil {
			return nil, err
		}
		a, err := NewLibvirtAgent(h, runner, vg)
		if err != nil {
			return nil, err
		}
		agents[h.Hostname] = a
		return a, nil
	}
}
