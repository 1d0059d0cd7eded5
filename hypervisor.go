package igvm

import (
	"encoding/json"
	"errors"
	"path/filepath"

	"github.com/innogames/igvm/pkg/kv"
)

// HypervisorPath is the path in the kv store
var HypervisorPath = "/igvm/hypervisors/"

// HypervisorState is a hypervisor lifecycle state
type HypervisorState string

// Hypervisor states. An online_reserved hypervisor is excluded from default
// migration targets unless explicitly overridden.
const (
	HypervisorStateOnline   HypervisorState = "online"
	HypervisorStateReserved HypervisorState = "online_reserved"
	HypervisorStateRetired  HypervisorState = "retired"
)

type (
	// Hypervisor is a physical box on which VMs run. Totals are static
	// facts about the host; free capacity is always derived from the live
	// handle and never stored.
	Hypervisor struct {
		context       *Context
		modifiedIndex uint64
		Hostname      string          `json:"hostname"`
		TotalCPU      uint            `json:"total_cpu"`
		TotalMemory   uint64          `json:"total_memory"` // memory in MiB usable for VMs
		TotalDisk     uint64          `json:"total_disk"`   // disk in GiB usable for VMs
		CPUModel      string          `json:"cpu_model"`
		AllowedVLANs  []int           `json:"allowed_vlans"`
		State         HypervisorState `json:"state"`
		URI           string          `json:"uri"`      // libvirt connection URI
		SSHUser       string          `json:"ssh_user"` // user for transport/bootstrap commands
	}

	// Hypervisors is an alias to a slice of *Hypervisor
	Hypervisors []*Hypervisor
)

// NewHypervisor creates a new blank Hypervisor
func (c *Context) NewHypervisor() *Hypervisor {
	return &Hypervisor{
		context: c,
		State:   HypervisorStateOnline,
	}
}

// Hypervisor fetches a Hypervisor from the inventory
func (c *Context) Hypervisor(hostname string) (*Hypervisor, error) {
	h := &Hypervisor{
		context:  c,
		Hostname: hostname,
	}

	if err := h.Refresh(); err != nil {
		return nil, err
	}
	return h, nil
}

// key is a helper to generate the kv store key
func (h *Hypervisor) key() string {
	return filepath.Join(HypervisorPath, h.Hostname, "metadata")
}

// Refresh reloads from the inventory
func (h *Hypervisor) Refresh() error {
	value, err := h.context.kv.Get(h.key())
	if err != nil {
		return err
	}

	if err := json.Unmarshal(value.Data, &h); err != nil {
		return err
	}
	h.modifiedIndex = value.Index
	return nil
}

// Validate ensures a Hypervisor has reasonable data
func (h *Hypervisor) Validate() error {
	if h.Hostname == "" {
		return errors.New("hostname is required")
	}
	if h.State == "" {
		return errors.New("state is required")
	}
	return nil
}

// Save persists the Hypervisor to the inventory
func (h *Hypervisor) Save() error {
	if err := h.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(h)
	if err != nil {
		return err
	}

	index, err := h.context.kv.Update(h.key(), kv.Value{Data: value, Index: h.modifiedIndex})
	if err != nil {
		return err
	}

	h.modifiedIndex = index
	return nil
}

// Destroy removes the Hypervisor from the inventory
func (h *Hypervisor) Destroy() error {
	return h.context.kv.Delete(filepath.Join(HypervisorPath, h.Hostname), true)
}

// AllowsVLAN reports whether the hypervisor's fabric carries the VLAN
func (h *Hypervisor) AllowsVLAN(tag int) bool {
	for _, allowed := range h.AllowedVLANs {
		if allowed == tag {
			return true
		}
	}
	return false
}

// Online reports whether the hypervisor can host VMs at all
func (h *Hypervisor) Online() bool {
	return h.State == HypervisorStateOnline || h.State == HypervisorStateReserved
}

// Reserved reports whether the hypervisor is excluded from default admission
func (h *Hypervisor) Reserved() bool {
	return h.State == HypervisorStateReserved
}

// VMs returns the inventory's VMs currently assigned to this hypervisor
func (h *Hypervisor) VMs() (VMs, error) {
	var vms VMs
	err := h.context.ForEachVM(func(v *VM) error {
		if v.HypervisorID == h.Hostname {
			vms = append(vms, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vms, nil
}

// ForEachHypervisor will run f on each Hypervisor. It will stop iteration if
// f returns an error.
func (c *Context) ForEachHypervisor(f func(*Hypervisor) error) error {
	keys, err := c.kv.Keys(HypervisorPath)
	if err != nil {
		return err
	}
	for _, k := range keys {
		h, err := c.Hypervisor(filepath.Base(k))
		if err != nil {
			return err
		}

		if err := f(h); err != nil {
			return err
		}
	}
	return nil
}
