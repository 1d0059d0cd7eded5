package igvm

import (
	"errors"
	"fmt"
	"sync"
)

// Stub agent operation names for failure injection
const (
	StubOpPing          = "ping"
	StubOpCapacity      = "capacity"
	StubOpDefine        = "define"
	StubOpUndefine      = "undefine"
	StubOpStart         = "start"
	StubOpStop          = "stop"
	StubOpCreateStorage = "create-storage"
	StubOpRemoveStorage = "remove-storage"
	StubOpResizeStorage = "resize-storage"
	StubOpLiveMigrate   = "live-migrate"
	StubOpSetMemory     = "set-memory"
	StubOpSetVCPUs      = "set-vcpus"
)

type stubDomain struct {
	spec      DomainSpec
	running   bool
	maxMemory uint64
}

// StubAgent is an in-memory Agent, useful for testing the orchestration
// without live hypervisors. Failures can be injected per operation.
type StubAgent struct {
	mu       sync.Mutex
	hostname string
	total    Capacity
	domains  map[string]*stubDomain
	storage  map[string]uint64
	failures map[string]error
}

// NewStubAgent creates a StubAgent for an empty host with the given total
// capacity.
func NewStubAgent(hostname string, total Capacity) *StubAgent {
	return &StubAgent{
		hostname: hostname,
		total:    total,
		domains:  map[string]*stubDomain{},
		storage:  map[string]uint64{},
		failures: map[string]error{},
	}
}

// FailOn makes the given operation return err until cleared with a nil err
func (a *StubAgent) FailOn(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.failures, op)
		return
	}
	a.failures[op] = err
}

func (a *StubAgent) fail(op string) error {
	return a.failures[op]
}

// AddDomain seeds a domain with storage, as if it had been built on the host
func (a *StubAgent) AddDomain(spec DomainSpec, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.domains[spec.Name] = &stubDomain{spec: spec, running: running, maxMemory: spec.Memory * 2}
	a.storage[spec.Name] = spec.DiskSize
}

// HasDomain reports whether the domain is defined and whether it is running
func (a *StubAgent) HasDomain(name string) (defined bool, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.domains[name]
	if !ok {
		return false, false
	}
	return true, d.running
}

// HasStorage reports whether backing storage exists for the domain
func (a *StubAgent) HasStorage(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.storage[name]
	return ok
}

// Ping implements Agent
func (a *StubAgent) Ping() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fail(StubOpPing)
}

// Capacity implements Agent. Free capacity is the configured total minus the
// resources of every defined domain.
func (a *StubAgent) Capacity() (Capacity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpCapacity); err != nil {
		return Capacity{}, err
	}

	free := a.total
	for _, d := range a.domains {
		if d.spec.VCPUs > free.FreeCPU {
			free.FreeCPU = 0
		} else {
			free.FreeCPU -= d.spec.VCPUs
		}
		if d.spec.Memory > free.FreeMemory {
			free.FreeMemory = 0
		} else {
			free.FreeMemory -= d.spec.Memory
		}
	}
	for _, size := range a.storage {
		if size > free.FreeDisk {
			free.FreeDisk = 0
		} else {
			free.FreeDisk -= size
		}
	}
	return free, nil
}

// DomainDefined implements Agent
func (a *StubAgent) DomainDefined(name string) (bool, error) {
	defined, _ := a.HasDomain(name)
	return defined, nil
}

// DomainRunning implements Agent
func (a *StubAgent) DomainRunning(name string) (bool, error) {
	_, running := a.HasDomain(name)
	return running, nil
}

// DefineDomain implements Agent
func (a *StubAgent) DefineDomain(spec DomainSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpDefine); err != nil {
		return err
	}
	if _, ok := a.domains[spec.Name]; ok {
		return fmt.Errorf("domain %s already defined on %s", spec.Name, a.hostname)
	}
	a.domains[spec.Name] = &stubDomain{spec: spec, maxMemory: spec.Memory * 2}
	return nil
}

// UndefineDomain implements Agent
func (a *StubAgent) UndefineDomain(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpUndefine); err != nil {
		return err
	}
	d, ok := a.domains[name]
	if !ok {
		return nil
	}
	if d.running {
		return fmt.Errorf("domain %s still running on %s", name, a.hostname)
	}
	delete(a.domains, name)
	return nil
}

// StartDomain implements Agent
func (a *StubAgent) StartDomain(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpStart); err != nil {
		return err
	}
	d, ok := a.domains[name]
	if !ok {
		return fmt.Errorf("domain %s not defined on %s", name, a.hostname)
	}
	d.running = true
	return nil
}

// StopDomain implements Agent
func (a *StubAgent) StopDomain(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpStop); err != nil {
		return err
	}
	d, ok := a.domains[name]
	if !ok {
		return fmt.Errorf("domain %s not defined on %s", name, a.hostname)
	}
	d.running = false
	return nil
}

// CreateStorage implements Agent
func (a *StubAgent) CreateStorage(name string, sizeGiB uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpCreateStorage); err != nil {
		return err
	}
	if _, ok := a.storage[name]; ok {
		return fmt.Errorf("storage %s already exists on %s", name, a.hostname)
	}
	a.storage[name] = sizeGiB
	return nil
}

// RemoveStorage implements Agent
func (a *StubAgent) RemoveStorage(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpRemoveStorage); err != nil {
		return err
	}
	delete(a.storage, name)
	return nil
}

// ResizeStorage implements Agent
func (a *StubAgent) ResizeStorage(name string, sizeGiB uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpResizeStorage); err != nil {
		return err
	}
	if _, ok := a.storage[name]; !ok {
		return fmt.Errorf("storage %s does not exist on %s", name, a.hostname)
	}
	a.storage[name] = sizeGiB
	return nil
}

// StoragePath implements Agent
func (a *StubAgent) StoragePath(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.storage[name]; !ok {
		return "", fmt.Errorf("storage %s does not exist on %s", name, a.hostname)
	}
	return "/dev/vms/" + name, nil
}

// LiveMigrate implements Agent. The domain moves to the destination stub; on
// any failure the source domain is left untouched.
func (a *StubAgent) LiveMigrate(name string, dest Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpLiveMigrate); err != nil {
		return err
	}

	peer, ok := dest.(*StubAgent)
	if !ok {
		return &IncompatibleError{Cause: "destination is not a stub host"}
	}
	d, ok := a.domains[name]
	if !ok {
		return fmt.Errorf("domain %s not defined on %s", name, a.hostname)
	}
	if !d.running {
		return errors.New("cannot live migrate a stopped domain")
	}

	peer.mu.Lock()
	defer peer.mu.Unlock()
	target, ok := peer.domains[name]
	if !ok {
		return &IncompatibleError{Cause: "no prepared domain on destination"}
	}
	target.running = true
	d.running = false
	delete(a.domains, name)
	return nil
}

// MaxMemory implements Agent
func (a *StubAgent) MaxMemory(name string) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.domains[name]
	if !ok {
		return 0, fmt.Errorf("domain %s not defined on %s", name, a.hostname)
	}
	return d.maxMemory, nil
}

// SetMaxMemory adjusts the domain's memory ceiling, for tests
func (a *StubAgent) SetMaxMemory(name string, memoryMiB uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.domains[name]; ok {
		d.maxMemory = memoryMiB
	}
}

// SetMemory implements Agent
func (a *StubAgent) SetMemory(name string, memoryMiB uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpSetMemory); err != nil {
		return err
	}
	d, ok := a.domains[name]
	if !ok {
		return fmt.Errorf("domain %s not defined on %s", name, a.hostname)
	}
	d.spec.Memory = memoryMiB
	if memoryMiB > d.maxMemory {
		d.maxMemory = memoryMiB
	}
	return nil
}

// SetVCPUs implements Agent
func (a *StubAgent) SetVCPUs(name string, count uint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail(StubOpSetVCPUs); err != nil {
		return err
	}
	d, ok := a.domains[name]
	if !ok {
		return fmt.Errorf("domain %s not defined on %s", name, a.hostname)
	}
	d.spec.VCPUs = count
	return nil
}
