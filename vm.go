package igvm

import (
	"encoding/json"
	"errors"
	"net"
	"path/filepath"

	"github.com/innogames/igvm/pkg/kv"
	"github.com/pborman/uuid"
)

// VMPath is the path in the kv store
var VMPath = "/igvm/vms/"

// VMState is a VM lifecycle state
type VMState string

// VM lifecycle states
const (
	VMStateAbsent    VMState = "absent"
	VMStateBuilding  VMState = "building"
	VMStateRunning   VMState = "running"
	VMStateStopped   VMState = "stopped"
	VMStateMigrating VMState = "migrating"
)

type (
	// VM is a virtual machine. The hostname is the unique inventory key;
	// the UUID stays stable across migrations.
	VM struct {
		context       *Context
		modifiedIndex uint64
		Hostname      string           `json:"hostname"`
		UUID          string           `json:"uuid"`
		MAC           net.HardwareAddr `json:"mac"`
		InternIP      net.IP           `json:"intern_ip"`
		VLAN          int              `json:"vlan"`
		HypervisorID  string           `json:"hypervisor"` // may be blank if not assigned yet
		NumCPU        uint             `json:"num_cpu"`
		Memory        uint64           `json:"memory"`    // memory in MiB
		DiskSize      uint64           `json:"disk_size"` // disk in GiB
		State         VMState          `json:"state"`
	}

	// VMs is an alias to a slice of *VM
	VMs []*VM

	// vmJSON is used to ease json marshal/unmarshal
	vmJSON struct {
		Hostname     string  `json:"hostname"`
		UUID         string  `json:"uuid"`
		MAC          string  `json:"mac"`
		InternIP     net.IP  `json:"intern_ip"`
		VLAN         int     `json:"vlan"`
		HypervisorID string  `json:"hypervisor"`
		NumCPU       uint    `json:"num_cpu"`
		Memory       uint64  `json:"memory"`
		DiskSize     uint64  `json:"disk_size"`
		State        VMState `json:"state"`
	}
)

// MarshalJSON is a helper for marshalling a VM
func (v *VM) MarshalJSON() ([]byte, error) {
	data := vmJSON{
		Hostname:     v.Hostname,
		UUID:         v.UUID,
		MAC:          v.MAC.String(),
		InternIP:     v.InternIP,
		VLAN:         v.VLAN,
		HypervisorID: v.HypervisorID,
		NumCPU:       v.NumCPU,
		Memory:       v.Memory,
		DiskSize:     v.DiskSize,
		State:        v.State,
	}

	return json.Marshal(data)
}

// UnmarshalJSON is a helper for unmarshalling a VM
func (v *VM) UnmarshalJSON(input []byte) error {
	data := vmJSON{}

	if err := json.Unmarshal(input, &data); err != nil {
		return err
	}

	v.Hostname = data.Hostname
	v.UUID = data.UUID
	v.InternIP = data.InternIP
	v.VLAN = data.VLAN
	v.HypervisorID = data.HypervisorID
	v.NumCPU = data.NumCPU
	v.Memory = data.Memory
	v.DiskSize = data.DiskSize
	v.State = data.State

	if data.MAC != "" {
		a, err := net.ParseMAC(data.MAC)
		if err != nil {
			return err
		}
		v.MAC = a
	}
	return nil
}

// NewVM creates a new blank VM
func (c *Context) NewVM() *VM {
	return &VM{
		context: c,
		UUID:    uuid.New(),
		State:   VMStateAbsent,
	}
}

// VM fetches a VM from the inventory
func (c *Context) VM(hostname string) (*VM, error) {
	v := &VM{
		context:  c,
		Hostname: hostname,
	}

	if err := v.Refresh(); err != nil {
		return nil, err
	}
	return v, nil
}

// key is a helper to generate the kv store key
func (v *VM) key() string {
	return filepath.Join(VMPath, v.Hostname, "metadata")
}

// Refresh reloads from the inventory
func (v *VM) Refresh() error {
	value, err := v.context.kv.Get(v.key())
	if err != nil {
		return err
	}

	if err := json.Unmarshal(value.Data, &v); err != nil {
		return err
	}
	v.modifiedIndex = value.Index
	return nil
}

// Validate ensures a VM has reasonable data
func (v *VM) Validate() error {
	if v.Hostname == "" {
		return errors.New("hostname is required")
	}
	if uuid.Parse(v.UUID) == nil {
		return errors.New("invalid UUID")
	}
	if v.State == "" {
		return errors.New("state is required")
	}
	return nil
}

// Save persists the VM to the inventory. An update on a stale record is
// rejected by the store, never applied last-write-wins.
func (v *VM) Save() error {
	if err := v.Validate(); err != nil {
		return err
	}

	value, err := json.Marshal(v)
	if err != nil {
		return err
	}

	index, err := v.context.kv.Update(v.key(), kv.Value{Data: value, Index: v.modifiedIndex})
	if err != nil {
		return err
	}

	v.modifiedIndex = index
	return nil
}

// Destroy removes the VM from the inventory
func (v *VM) Destroy() error {
	return v.context.kv.Delete(filepath.Join(VMPath, v.Hostname), true)
}

// Running reports whether the inventory believes the VM is running
func (v *VM) Running() bool {
	return v.State == VMStateRunning
}

// ForEachVM will run f on each VM. It will stop iteration if f returns an
// error.
func (c *Context) ForEachVM(f func(*VM) error) error {
	keys, err := c.kv.Keys(VMPath)
	if err != nil {
		return err
	}
	for _, k := range keys {
		v, err := c.VM(filepath.Base(k))
		if err != nil {
			return err
		}

		if err := f(v); err != nil {
			return err
		}
	}
	return nil
}

// FirstVM will return the first VM for which the function returns true
func (c *Context) FirstVM(f func(*VM) bool) (*VM, error) {
	var found *VM
	err := c.ForEachVM(func(v *VM) error {
		if f(v) {
			found = v
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	return found, nil
}

var errFound = errors.New("found")
