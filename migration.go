package igvm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/innogames/igvm/pkg/lock"
	"github.com/innogames/igvm/pkg/run"
)

// JobState is a phase of a migration job. States only move forward, except
// the single transition into RollingBack.
type JobState string

// Migration job states
const (
	JobStatePending              JobState = "pending"
	JobStateAdmitted             JobState = "admitted"
	JobStatePreparingDestination JobState = "preparing-destination"
	JobStateTransferring         JobState = "transferring"
	JobStateCuttingOver          JobState = "cutting-over"
	JobStateFinalizing           JobState = "finalizing"
	JobStateDone                 JobState = "done"
	JobStateRollingBack          JobState = "rolling-back"
	JobStateFailed               JobState = "failed"
)

// LockPath is the kv prefix for per-hypervisor migration locks
const LockPath = "/igvm/locks/hypervisor/"

const lockRetryInterval = 5 * time.Second

// MigrateOptions are the per-job knobs of a migration
type MigrateOptions struct {
	// Offline stops the VM for the duration of the transfer instead of
	// migrating it live
	Offline bool
	// Transport overrides the storage transport; empty picks the default
	// for the mode
	Transport TransportType
	// NewIP readdresses the VM on the destination (offline only)
	NewIP string
	// RunBootstrap reconfigures the guest after an offline move
	RunBootstrap bool
	// IgnoreReserved admits online_reserved destinations
	IgnoreReserved bool
}

// RunnerResolver returns the command runner for a hypervisor
type RunnerResolver func(*Hypervisor) (run.Runner, error)

// Orchestrator drives migrations and resizes against the inventory and the
// hypervisor fleet. The resolvers and the transport factory are injection
// points; production wiring uses libvirt agents, ssh runners and
// NewTransport.
type Orchestrator struct {
	ctx          *Context
	resolveAgent AgentResolver
	resolveRun   RunnerResolver
	newTransport TransportFactory
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(c *Context, agents AgentResolver, runners RunnerResolver) *Orchestrator {
	return &Orchestrator{
		ctx:          c,
		resolveAgent: agents,
		resolveRun:   runners,
		newTransport: NewTransport,
	}
}

// migration is the mutable state of one running job
type migration struct {
	o    *Orchestrator
	opts MigrateOptions

	vm     *VM
	source *Hypervisor
	dest   *Hypervisor

	sourceAgent Agent
	destAgent   Agent

	transport Transport
	state     JobState

	prevState VMState
	online    bool

	// progress markers consulted by rollback
	destDefined   bool
	sourceStopped bool
	moved         bool
}

// Migrate moves vmHostname to destHostname. It admits the destination, claims
// the VM, transfers storage, cuts execution over and commits the inventory in
// a single update. On failure before the commit it rolls the destination back
// and leaves the source authoritative; the returned *JobError reports the
// failing phase and the source VM's disposition.
func (o *Orchestrator) Migrate(ctx context.Context, vmHostname, destHostname string, opts MigrateOptions) error {
	vm, err := o.ctx.VM(vmHostname)
	if err != nil {
		return err
	}
	dest, err := o.ctx.Hypervisor(destHostname)
	if err != nil {
		return err
	}
	if vm.HypervisorID == "" {
		return fmt.Errorf("vm %q is not assigned to a hypervisor", vmHostname)
	}
	source, err := o.ctx.Hypervisor(vm.HypervisorID)
	if err != nil {
		return err
	}

	m := &migration{
		o:      o,
		opts:   opts,
		vm:     vm,
		source: source,
		dest:   dest,
		state:  JobStatePending,
	}
	return m.run(ctx)
}

func (m *migration) run(ctx context.Context) error {
	logger := log.WithFields(log.Fields{
		"func":   "migration.run",
		"vm":     m.vm.Hostname,
		"source": m.source.Hostname,
		"dest":   m.dest.Hostname,
	})

	if err := m.admit(); err != nil {
		return err
	}
	m.state = JobStateAdmitted
	logger.WithField("online", m.online).Info("admitted")

	// Claiming the VM is the concurrency gate: the CAS into migrating
	// fails for the second of two racing jobs.
	if err := m.claim(); err != nil {
		return err
	}

	srcLock, err := m.hypervisorLock(m.source)
	if err != nil {
		m.release()
		return err
	}
	defer logLockRelease(srcLock, m.source.Hostname)
	destLock, err := m.hypervisorLock(m.dest)
	if err != nil {
		m.release()
		return err
	}
	defer logLockRelease(destLock, m.dest.Hostname)

	// A cancel before anything exists on the destination only needs the
	// claim undone.
	if err := ctx.Err(); err != nil {
		m.release()
		return &JobError{Phase: m.state, Source: SourceIntact, Err: err}
	}

	if err := m.prepare(ctx); err != nil {
		return m.fail(ctx, err)
	}
	logger.WithField("transport", m.transport.Name()).Info("destination prepared")

	// The stream transport has no continuous sync, so the copy only
	// sees a quiescent disk if the source stops first. Mirror keeps
	// replicating and stops the source at cutover instead.
	if !m.online && m.opts.Transport == TransportStream && m.prevState == VMStateRunning {
		if err := m.sourceAgent.StopDomain(m.vm.Hostname); err != nil {
			return m.fail(ctx, err)
		}
		m.sourceStopped = true
		logger.Info("source stopped for stream copy")
	}

	m.state = JobStateTransferring
	if err := m.transport.Transfer(ctx); err != nil {
		return m.fail(ctx, err)
	}
	logger.Info("storage transferred")

	m.state = JobStateCuttingOver
	if err := m.cutover(ctx); err != nil {
		return m.fail(ctx, err)
	}
	logger.Info("cutover complete")

	m.state = JobStateFinalizing
	if err := m.commit(); err != nil {
		// The guest runs on the destination; rollback would destroy
		// it. The inventory record needs manual reconciliation.
		m.state = JobStateFailed
		return &JobError{Phase: JobStateFinalizing, Source: SourceMoved, Err: err}
	}

	m.cleanupSource(ctx)

	if m.opts.RunBootstrap {
		if err := m.o.runBootstrap(ctx, m.vm, m.dest); err != nil {
			logger.WithField("error", err).Warning("bootstrap trigger failed")
		}
	}

	m.state = JobStateDone
	logger.Info("migration done")
	return nil
}

// admit validates the request and pins the mode and transport. Nothing is
// mutated before it returns.
func (m *migration) admit() error {
	agent, err := m.o.resolveAgent(m.dest)
	if err != nil {
		return &AdmissionError{
			Reason:  ReasonUnreachable,
			Message: fmt.Sprintf("no agent for %q: %s", m.dest.Hostname, err),
		}
	}
	m.destAgent = agent

	if err := Admit(m.vm, m.dest, agent, AdmitOptions{IgnoreReserved: m.opts.IgnoreReserved}); err != nil {
		return err
	}

	// A VM that is not running has no live state to preserve; the job
	// quietly becomes an offline move.
	m.online = !m.opts.Offline && m.vm.Running()
	m.prevState = m.vm.State

	if m.online {
		if m.opts.NewIP != "" || m.opts.RunBootstrap {
			return &UnsupportedError{
				Reason:  ReasonOnlineChange,
				Message: "readdressing and bootstrap require an offline migration",
			}
		}
		if m.source.CPUModel != m.dest.CPUModel {
			return &IncompatibleError{
				Cause: fmt.Sprintf("cpu model mismatch: %q on %q, %q on %q",
					m.source.CPUModel, m.source.Hostname,
					m.dest.CPUModel, m.dest.Hostname),
			}
		}
		if m.opts.Transport == TransportStream {
			return &UnsupportedError{
				Reason:  ReasonOnlineChange,
				Message: "the stream transport cannot mirror a running VM",
			}
		}
	}

	// The new address only reaches the guest through the bootstrap run;
	// without it the guest would boot with a stale configuration.
	if m.opts.NewIP != "" && !m.opts.RunBootstrap {
		return &UnsupportedError{
			Reason:  ReasonBootstrapRequired,
			Message: "readdressing requires a bootstrap run",
		}
	}

	if m.opts.Transport == "" {
		m.opts.Transport = TransportMirror
	}

	m.sourceAgent, err = m.o.resolveAgent(m.source)
	if err != nil {
		return &AdmissionError{
			Reason:  ReasonUnreachable,
			Message: fmt.Sprintf("no agent for %q: %s", m.source.Hostname, err),
		}
	}
	return nil
}

// claim sets the VM to migrating with a compare-and-set. Losing the race, or
// finding it already migrating, rejects the job.
func (m *migration) claim() error {
	if m.vm.State == VMStateMigrating {
		return ErrJobActive
	}
	m.vm.State = VMStateMigrating
	if err := m.vm.Save(); err != nil {
		m.vm.State = m.prevState
		if m.o.ctx.kv.IsConflict(err) {
			return ErrJobActive
		}
		return err
	}
	return nil
}

// release undoes claim when the job aborts before touching any hypervisor
func (m *migration) release() {
	m.vm.State = m.prevState
	if err := m.vm.Save(); err != nil {
		log.WithFields(log.Fields{
			"func":  "migration.release",
			"vm":    m.vm.Hostname,
			"error": err,
		}).Error("could not release vm claim")
	}
}

func (m *migration) hypervisorLock(h *Hypervisor) (*lock.Lock, error) {
	key := filepath.Join(LockPath, h.Hostname)
	return lock.Acquire(m.o.ctx.kv, key, m.vm.Hostname, true, lockRetryInterval)
}

func logLockRelease(l *lock.Lock, hypervisor string) {
	if err := l.Release(); err != nil {
		log.WithFields(log.Fields{
			"func":       "migration.run",
			"hypervisor": hypervisor,
			"error":      err,
		}).Error("could not release hypervisor lock")
	}
}

// prepare defines the domain shell on the destination and sets the transport
// up
func (m *migration) prepare(ctx context.Context) error {
	m.state = JobStatePreparingDestination

	srcRunner, err := m.o.resolveRun(m.source)
	if err != nil {
		return err
	}
	destRunner, err := m.o.resolveRun(m.dest)
	if err != nil {
		return err
	}

	var newIP = m.vm.InternIP
	if m.opts.NewIP != "" {
		newIP = net.ParseIP(m.opts.NewIP)
		if newIP == nil {
			return fmt.Errorf("invalid newip %q", m.opts.NewIP)
		}
	}
	if err := m.destAgent.DefineDomain(domainSpec(m.vm, newIP)); err != nil {
		return err
	}
	m.destDefined = true

	m.transport, err = m.o.newTransport(m.opts.Transport, m.vm,
		TransportEndpoint{Hypervisor: m.source, Agent: m.sourceAgent, Runner: srcRunner},
		TransportEndpoint{Hypervisor: m.dest, Agent: m.destAgent, Runner: destRunner},
	)
	if err != nil {
		return err
	}
	return m.transport.Setup(ctx)
}

// cutover moves authoritative execution to the destination. Online jobs hand
// the live state over; offline jobs stop, finish the copy, and start fresh.
func (m *migration) cutover(ctx context.Context) error {
	if m.online {
		if err := m.sourceAgent.LiveMigrate(m.vm.Hostname, m.destAgent); err != nil {
			var ie *IncompatibleError
			if errors.As(err, &ie) {
				// source untouched, plain rollback
				return err
			}
			return &CutoverError{Err: err}
		}
		m.moved = true
		if err := m.transport.Finalize(ctx); err != nil {
			return &CutoverError{Err: err}
		}
		return nil
	}

	if m.prevState == VMStateRunning && !m.sourceStopped {
		if err := m.sourceAgent.StopDomain(m.vm.Hostname); err != nil {
			return &CutoverError{Err: err}
		}
		m.sourceStopped = true
	}
	if err := m.transport.Finalize(ctx); err != nil {
		return err
	}
	if m.prevState == VMStateRunning {
		if err := m.destAgent.StartDomain(m.vm.Hostname); err != nil {
			return &CutoverError{Err: err}
		}
	}
	m.moved = true
	return nil
}

// commit is the single inventory update of the whole job. A version conflict
// is terminal: by now the destination is authoritative and the record must
// not be force-written.
func (m *migration) commit() error {
	m.vm.HypervisorID = m.dest.Hostname
	m.vm.State = m.prevState
	if m.opts.NewIP != "" {
		m.vm.InternIP = net.ParseIP(m.opts.NewIP)
	}
	if err := m.vm.Save(); err != nil {
		if m.o.ctx.kv.IsConflict(err) {
			return ErrInventoryConflict
		}
		return err
	}
	return nil
}

// cleanupSource removes the domain and storage left on the source. The
// migration has already committed; failures here orphan resources but never
// fail the job.
func (m *migration) cleanupSource(ctx context.Context) {
	logger := log.WithFields(log.Fields{
		"func":   "migration.cleanupSource",
		"vm":     m.vm.Hostname,
		"source": m.source.Hostname,
	})
	if err := m.sourceAgent.UndefineDomain(m.vm.Hostname); err != nil {
		logger.WithField("error", err).Warning("could not undefine source domain")
	}
	if err := m.sourceAgent.RemoveStorage(m.vm.Hostname); err != nil {
		logger.WithField("error", err).Warning("could not remove source storage")
	}
}

// fail rolls the job back and wraps cause into the terminal *JobError
func (m *migration) fail(ctx context.Context, cause error) error {
	phase := m.state
	m.state = JobStateRollingBack
	log.WithFields(log.Fields{
		"func":  "migration.fail",
		"vm":    m.vm.Hostname,
		"phase": phase,
		"error": cause,
	}).Error("migration failed, rolling back")

	var failures error

	if m.transport != nil {
		if err := m.transport.Teardown(ctx); err != nil {
			failures = multierror.Append(failures, fmt.Errorf("transport teardown: %w", err))
		}
	}
	// once the guest executes on the destination, tearing that side down
	// would destroy the only good copy
	if m.destDefined && !m.moved {
		if running, err := m.destAgent.DomainRunning(m.vm.Hostname); err == nil && running {
			if err := m.destAgent.StopDomain(m.vm.Hostname); err != nil {
				failures = multierror.Append(failures, fmt.Errorf("stop destination domain: %w", err))
			}
		}
		if err := m.destAgent.UndefineDomain(m.vm.Hostname); err != nil {
			failures = multierror.Append(failures, fmt.Errorf("undefine destination domain: %w", err))
		}
		if err := m.destAgent.RemoveStorage(m.vm.Hostname); err != nil {
			failures = multierror.Append(failures, fmt.Errorf("remove destination storage: %w", err))
		}
	}
	if m.sourceStopped && !m.moved {
		if err := m.sourceAgent.StartDomain(m.vm.Hostname); err != nil {
			failures = multierror.Append(failures, fmt.Errorf("restart source domain: %w", err))
		}
	}
	m.release()

	m.state = JobStateFailed
	disposition := SourceIntact
	if m.moved {
		disposition = SourceIndeterminate
	}
	if failures != nil {
		return &JobError{
			Phase:  phase,
			Source: SourceIndeterminate,
			Err:    &RollbackError{Cause: cause, Failures: failures},
		}
	}
	return &JobError{Phase: phase, Source: disposition, Err: cause}
}
