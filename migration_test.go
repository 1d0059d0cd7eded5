package igvm_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/innogames/igvm"
	"github.com/innogames/igvm/internal/tests/common"
	"github.com/innogames/igvm/pkg/run"
)

func TestMigration(t *testing.T) {
	suite.Run(t, new(MigrationSuite))
}

type MigrationSuite struct {
	common.Suite
	source *igvm.Hypervisor
	dest   *igvm.Hypervisor

	srcAgent  *igvm.StubAgent
	destAgent *igvm.StubAgent

	srcRunner  *run.FakeRunner
	destRunner *run.FakeRunner
	runners    map[string]run.Runner

	vm  *igvm.VM
	orc *igvm.Orchestrator
}

func (s *MigrationSuite) SetupTest() {
	s.Suite.SetupTest()

	s.source = s.NewHypervisor()
	s.dest = s.NewHypervisor()
	s.srcAgent = s.NewAgent(s.source)
	s.destAgent = s.NewAgent(s.dest)
	s.srcRunner = run.NewFakeRunner()
	s.destRunner = run.NewFakeRunner()

	s.vm = s.NewVM(s.source.Hostname)
	s.srcAgent.AddDomain(igvm.DomainSpec{
		Name:     s.vm.Hostname,
		UUID:     s.vm.UUID,
		MAC:      s.vm.MAC,
		IP:       s.vm.InternIP,
		VLAN:     s.vm.VLAN,
		VCPUs:    s.vm.NumCPU,
		Memory:   s.vm.Memory,
		DiskSize: s.vm.DiskSize,
	}, true)

	// the mirror reports in sync immediately
	s.srcRunner.Script("drbdsetup status", run.FakeResult{Stdout: "peer-disk:UpToDate"})
	// no stream listener is running yet
	s.destRunner.Script("pgrep -f", run.FakeResult{Err: &run.ExitError{Status: 1}})
	// dd moves exactly the device size
	s.srcRunner.Script("dd if=", run.FakeResult{
		Stderr: fmt.Sprintf("%d bytes (21 GB, 20 GiB) copied, 58.4 s, 368 MB/s", s.vm.DiskSize<<30),
	})

	agents := map[string]igvm.Agent{
		s.source.Hostname: s.srcAgent,
		s.dest.Hostname:   s.destAgent,
	}
	s.runners = map[string]run.Runner{
		s.source.Hostname: s.srcRunner,
		s.dest.Hostname:   s.destRunner,
	}
	s.orc = igvm.NewOrchestrator(s.Context,
		func(h *igvm.Hypervisor) (igvm.Agent, error) {
			a, ok := agents[h.Hostname]
			if !ok {
				return nil, fmt.Errorf("unknown hypervisor %s", h.Hostname)
			}
			return a, nil
		},
		func(h *igvm.Hypervisor) (run.Runner, error) {
			r, ok := s.runners[h.Hostname]
			if !ok {
				return nil, fmt.Errorf("unknown hypervisor %s", h.Hostname)
			}
			return r, nil
		},
	)
}

// hookRunner calls hook before every command, so a test can observe state at
// the moment a command executes
type hookRunner struct {
	*run.FakeRunner
	hook func(command string)
}

func (r *hookRunner) Run(ctx context.Context, command string) (string, string, error) {
	r.hook(command)
	return r.FakeRunner.Run(ctx, command)
}

func (s *MigrationSuite) migrate(opts igvm.MigrateOptions) error {
	return s.orc.Migrate(context.Background(), s.vm.Hostname, s.dest.Hostname, opts)
}

// reload fetches the current inventory record of the VM
func (s *MigrationSuite) reload() *igvm.VM {
	vm, err := s.Context.VM(s.vm.Hostname)
	s.Require().NoError(err)
	return vm
}

func (s *MigrationSuite) TestOnline() {
	s.Require().NoError(s.migrate(igvm.MigrateOptions{}))

	vm := s.reload()
	s.Equal(s.dest.Hostname, vm.HypervisorID)
	s.Equal(igvm.VMStateRunning, vm.State)

	defined, running := s.destAgent.HasDomain(s.vm.Hostname)
	s.True(defined)
	s.True(running)
	s.True(s.destAgent.HasStorage(s.vm.Hostname))

	defined, _ = s.srcAgent.HasDomain(s.vm.Hostname)
	s.False(defined)
	s.False(s.srcAgent.HasStorage(s.vm.Hostname))

	// the mirror ran over drbd
	s.True(s.srcRunner.Ran("drbdsetup primary"))
	s.True(s.srcRunner.Ran("drbdsetup down"))
	s.True(s.destRunner.Ran("drbdsetup down"))
}

func (s *MigrationSuite) TestOnlineBecomesOfflineWhenStopped() {
	s.srcAgent.StopDomain(s.vm.Hostname)
	s.vm.State = igvm.VMStateStopped
	s.Require().NoError(s.vm.Save())

	s.Require().NoError(s.migrate(igvm.MigrateOptions{}))

	vm := s.reload()
	s.Equal(s.dest.Hostname, vm.HypervisorID)
	s.Equal(igvm.VMStateStopped, vm.State)

	// the guest was never started on the destination
	defined, running := s.destAgent.HasDomain(s.vm.Hostname)
	s.True(defined)
	s.False(running)
}

func (s *MigrationSuite) TestOnlineRejectsNewIP() {
	err := s.migrate(igvm.MigrateOptions{NewIP: "10.1.2.3"})
	var uerr *igvm.UnsupportedError
	s.Require().True(errors.As(err, &uerr))
	s.Equal(igvm.ReasonOnlineChange, uerr.Reason)

	// nothing moved, nothing claimed
	s.Equal(igvm.VMStateRunning, s.reload().State)
}

func (s *MigrationSuite) TestOnlineRejectsBootstrap() {
	err := s.migrate(igvm.MigrateOptions{RunBootstrap: true})
	var uerr *igvm.UnsupportedError
	s.Require().True(errors.As(err, &uerr))
	s.Equal(igvm.ReasonOnlineChange, uerr.Reason)
}

func (s *MigrationSuite) TestOnlineRejectsStreamTransport() {
	err := s.migrate(igvm.MigrateOptions{Transport: igvm.TransportStream})
	var uerr *igvm.UnsupportedError
	s.Require().True(errors.As(err, &uerr))
}

func (s *MigrationSuite) TestOnlineRejectsCPUModelMismatch() {
	s.dest.CPUModel = "EPYC-Rome"
	s.Require().NoError(s.dest.Save())

	err := s.migrate(igvm.MigrateOptions{})
	var ierr *igvm.IncompatibleError
	s.Require().True(errors.As(err, &ierr))
	s.Equal(igvm.VMStateRunning, s.reload().State)
}

func (s *MigrationSuite) TestOfflineMirror() {
	s.Require().NoError(s.migrate(igvm.MigrateOptions{Offline: true}))

	vm := s.reload()
	s.Equal(s.dest.Hostname, vm.HypervisorID)
	s.Equal(igvm.VMStateRunning, vm.State)

	defined, running := s.destAgent.HasDomain(s.vm.Hostname)
	s.True(defined)
	s.True(running)
}

func (s *MigrationSuite) TestOfflineStream() {
	s.Require().NoError(s.migrate(igvm.MigrateOptions{
		Offline:   true,
		Transport: igvm.TransportStream,
	}))

	vm := s.reload()
	s.Equal(s.dest.Hostname, vm.HypervisorID)

	s.True(s.destRunner.Ran("nohup sh -c 'nc -l"))
	s.True(s.srcRunner.Ran("dd if="))
}

func (s *MigrationSuite) TestOfflineStreamStopsSourceBeforeCopy() {
	copied := false
	runningDuringCopy := false
	s.runners[s.source.Hostname] = &hookRunner{
		FakeRunner: s.srcRunner,
		hook: func(command string) {
			if strings.HasPrefix(command, "dd if=") {
				copied = true
				_, runningDuringCopy = s.srcAgent.HasDomain(s.vm.Hostname)
			}
		},
	}

	s.Require().NoError(s.migrate(igvm.MigrateOptions{
		Offline:   true,
		Transport: igvm.TransportStream,
	}))

	// the stream has no sync, a quiescent disk needs the source down
	s.True(copied)
	s.False(runningDuringCopy)

	_, running := s.destAgent.HasDomain(s.vm.Hostname)
	s.True(running)
	s.Equal(igvm.VMStateRunning, s.reload().State)
}

func (s *MigrationSuite) TestOfflineRoundTrip() {
	orig := s.reload()

	s.Require().NoError(s.migrate(igvm.MigrateOptions{Offline: true}))

	// the mirror of the return leg syncs from the other side
	s.destRunner.Script("drbdsetup status", run.FakeResult{Stdout: "peer-disk:UpToDate"})
	s.Require().NoError(s.orc.Migrate(context.Background(),
		s.vm.Hostname, s.source.Hostname, igvm.MigrateOptions{Offline: true}))

	vm := s.reload()
	s.Equal(orig.HypervisorID, vm.HypervisorID)
	s.Equal(orig.State, vm.State)
	s.Equal(orig.UUID, vm.UUID)
	s.Equal(orig.MAC.String(), vm.MAC.String())
	s.Equal(orig.InternIP.String(), vm.InternIP.String())

	_, running := s.srcAgent.HasDomain(s.vm.Hostname)
	s.True(running)
	defined, _ := s.destAgent.HasDomain(s.vm.Hostname)
	s.False(defined)
	s.False(s.destAgent.HasStorage(s.vm.Hostname))
}

func (s *MigrationSuite) TestOfflineRejectsNewIPWithoutBootstrap() {
	err := s.migrate(igvm.MigrateOptions{Offline: true, NewIP: "10.9.8.7"})
	var uerr *igvm.UnsupportedError
	s.Require().True(errors.As(err, &uerr))
	s.Equal(igvm.ReasonBootstrapRequired, uerr.Reason)

	// nothing moved, nothing claimed
	s.Equal(igvm.VMStateRunning, s.reload().State)
	s.Equal(s.source.Hostname, s.reload().HypervisorID)
}

func (s *MigrationSuite) TestOfflineStreamWithNewIPAndBootstrap() {
	s.Require().NoError(s.Context.SetConfig(igvm.ConfigBootstrapServer, "puppet.example.org"))

	s.Require().NoError(s.migrate(igvm.MigrateOptions{
		Offline:      true,
		Transport:    igvm.TransportStream,
		NewIP:        "10.9.8.7",
		RunBootstrap: true,
	}))

	vm := s.reload()
	s.Equal(s.dest.Hostname, vm.HypervisorID)
	s.Equal("10.9.8.7", vm.InternIP.String())
	s.True(s.destRunner.Ran("ssh "))
}

func (s *MigrationSuite) TestStreamShortTransferRollsBack() {
	s.srcRunner.Script("dd if=", run.FakeResult{
		Stderr: "1048576 bytes (1.0 MB, 1.0 MiB) copied, 0.1 s, 10 MB/s",
	})

	err := s.migrate(igvm.MigrateOptions{Offline: true, Transport: igvm.TransportStream})
	var jerr *igvm.JobError
	s.Require().True(errors.As(err, &jerr))
	s.Equal(igvm.JobStateCuttingOver, jerr.Phase)
	s.Equal(igvm.SourceIntact, jerr.Source)

	var terr *igvm.TransferError
	s.True(errors.As(err, &terr))
	s.False(terr.Unreachable)

	// source restored, destination swept
	vm := s.reload()
	s.Equal(s.source.Hostname, vm.HypervisorID)
	s.Equal(igvm.VMStateRunning, vm.State)
	_, running := s.srcAgent.HasDomain(s.vm.Hostname)
	s.True(running)
	defined, _ := s.destAgent.HasDomain(s.vm.Hostname)
	s.False(defined)
	s.False(s.destAgent.HasStorage(s.vm.Hostname))
}

func (s *MigrationSuite) TestPrepareFailureRollsBack() {
	s.destAgent.FailOn(igvm.StubOpCreateStorage, errors.New("volume group full"))

	err := s.migrate(igvm.MigrateOptions{})
	var jerr *igvm.JobError
	s.Require().True(errors.As(err, &jerr))
	s.Equal(igvm.JobStatePreparingDestination, jerr.Phase)
	s.Equal(igvm.SourceIntact, jerr.Source)

	vm := s.reload()
	s.Equal(s.source.Hostname, vm.HypervisorID)
	s.Equal(igvm.VMStateRunning, vm.State)
	defined, _ := s.destAgent.HasDomain(s.vm.Hostname)
	s.False(defined)
}

func (s *MigrationSuite) TestUnreachableSourceClassified() {
	s.srcRunner.FailWith(run.ErrUnreachable)

	err := s.migrate(igvm.MigrateOptions{})
	var terr *igvm.TransferError
	s.Require().True(errors.As(err, &terr))
	s.True(terr.Unreachable)
}

func (s *MigrationSuite) TestRejectsSecondJob() {
	s.vm.State = igvm.VMStateMigrating
	s.Require().NoError(s.vm.Save())

	err := s.migrate(igvm.MigrateOptions{Offline: true})
	s.Require().True(errors.Is(err, igvm.ErrJobActive))
}

func (s *MigrationSuite) TestLiveMigrateFailureRollsBack() {
	cause := errors.New("qemu: migration job aborted")
	s.srcAgent.FailOn(igvm.StubOpLiveMigrate, cause)

	err := s.migrate(igvm.MigrateOptions{})
	var jerr *igvm.JobError
	s.Require().True(errors.As(err, &jerr))
	s.Equal(igvm.JobStateCuttingOver, jerr.Phase)
	s.Equal(igvm.SourceIntact, jerr.Source)

	var cerr *igvm.CutoverError
	s.True(errors.As(err, &cerr))

	// the guest never stopped running on the source
	_, running := s.srcAgent.HasDomain(s.vm.Hostname)
	s.True(running)
	s.Equal(igvm.VMStateRunning, s.reload().State)
	defined, _ := s.destAgent.HasDomain(s.vm.Hostname)
	s.False(defined)
}

func (s *MigrationSuite) TestRollbackFailureKeepsCause() {
	s.destAgent.FailOn(igvm.StubOpCreateStorage, errors.New("volume group full"))
	s.destAgent.FailOn(igvm.StubOpUndefine, errors.New("libvirt gone"))

	err := s.migrate(igvm.MigrateOptions{})
	var jerr *igvm.JobError
	s.Require().True(errors.As(err, &jerr))
	s.Equal(igvm.SourceIndeterminate, jerr.Source)

	var rerr *igvm.RollbackError
	s.Require().True(errors.As(err, &rerr))
	s.Contains(rerr.Cause.Error(), "volume group full")
	s.Contains(rerr.Failures.Error(), "libvirt gone")
}

func (s *MigrationSuite) TestRejectsUnknownVM() {
	err := s.orc.Migrate(context.Background(), "no-such-vm", s.dest.Hostname, igvm.MigrateOptions{})
	s.Error(err)
}

func (s *MigrationSuite) TestAdmissionFailureTouchesNothing() {
	s.destAgent.FailOn(igvm.StubOpPing, errors.New("connection refused"))

	err := s.migrate(igvm.MigrateOptions{})
	var aerr *igvm.AdmissionError
	s.Require().True(errors.As(err, &aerr))
	s.Equal(igvm.ReasonUnreachable, aerr.Reason)

	s.Equal(igvm.VMStateRunning, s.reload().State)
	s.Empty(s.destRunner.Commands)
}
