package igvm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/innogames/igvm/pkg/run"
)

func TestTransport(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}

type TransportSuite struct {
	suite.Suite
	vm     *VM
	source TransportEndpoint
	dest   TransportEndpoint

	srcRunner  *run.FakeRunner
	destRunner *run.FakeRunner
	srcAgent   *StubAgent
	destAgent  *StubAgent
}

func (s *TransportSuite) SetupTest() {
	s.vm = &VM{
		Hostname: "web-1",
		NumCPU:   2,
		Memory:   2048,
		DiskSize: 20,
	}
	s.srcAgent = NewStubAgent("hv-src", Capacity{FreeCPU: 24, FreeMemory: 65536, FreeDisk: 500})
	s.destAgent = NewStubAgent("hv-dst", Capacity{FreeCPU: 24, FreeMemory: 65536, FreeDisk: 500})
	s.srcAgent.AddDomain(DomainSpec{Name: "web-1", VCPUs: 2, Memory: 2048, DiskSize: 20}, true)

	s.srcRunner = run.NewFakeRunner()
	s.destRunner = run.NewFakeRunner()
	s.srcRunner.Script("drbdsetup status", run.FakeResult{Stdout: "peer-disk:UpToDate"})
	s.destRunner.Script("pgrep -f", run.FakeResult{Err: &run.ExitError{Status: 1}})

	s.source = TransportEndpoint{
		Hypervisor: &Hypervisor{Hostname: "hv-src"},
		Agent:      s.srcAgent,
		Runner:     s.srcRunner,
	}
	s.dest = TransportEndpoint{
		Hypervisor: &Hypervisor{Hostname: "hv-dst"},
		Agent:      s.destAgent,
		Runner:     s.destRunner,
	}
}

func (s *TransportSuite) TestUnknownName() {
	_, err := NewTransport("carrier-pigeon", s.vm, s.source, s.dest)
	s.Error(err)
}

func (s *TransportSuite) TestMirrorLifecycle() {
	tr, err := NewTransport(TransportMirror, s.vm, s.source, s.dest)
	s.Require().NoError(err)
	s.Equal(TransportMirror, tr.Name())

	ctx := context.Background()
	s.Require().NoError(tr.Setup(ctx))
	s.True(s.destAgent.HasStorage("web-1"))
	for _, runner := range []*run.FakeRunner{s.srcRunner, s.destRunner} {
		s.True(runner.Ran("lvcreate"), "metadata volume")
		s.True(runner.Ran("drbdsetup new-resource igvm_web-1"))
		s.True(runner.Ran("drbdsetup attach"))
		s.True(runner.Ran("drbdsetup connect"))
	}

	s.Require().NoError(tr.Transfer(ctx))
	s.True(s.srcRunner.Ran("drbdsetup primary"))

	s.Require().NoError(tr.Finalize(ctx))
	s.True(s.srcRunner.Ran("drbdsetup secondary"))
	s.True(s.srcRunner.Ran("drbdsetup down"))
	s.True(s.destRunner.Ran("drbdsetup down"))
	s.True(s.srcRunner.Ran("lvremove"))
	s.True(s.destRunner.Ran("lvremove"))

	// after finalize, teardown has nothing left to do
	before := len(s.srcRunner.Commands)
	s.NoError(tr.Teardown(ctx))
	s.Len(s.srcRunner.Commands, before)
}

func (s *TransportSuite) TestMirrorSkipsUsedMinors() {
	s.srcRunner.Script("ls /sys/devices/virtual/block", run.FakeResult{Stdout: "drbd150\ndrbd151"})

	tr := newMirrorTransport(s.vm, s.source, s.dest)
	s.Require().NoError(tr.Setup(context.Background()))
	s.Equal(152, tr.minor)
	s.Equal(drbdPortBase+152, tr.port)
}

func (s *TransportSuite) TestMirrorTeardownAfterFailure() {
	tr := newMirrorTransport(s.vm, s.source, s.dest)
	s.Require().NoError(tr.Setup(context.Background()))

	s.Require().NoError(tr.Teardown(context.Background()))
	s.True(s.srcRunner.Ran("drbdsetup down"))
	s.True(s.destRunner.Ran("drbdsetup down"))
}

func (s *TransportSuite) TestMirrorUnreachablePeer() {
	s.destRunner.FailWith(run.ErrUnreachable)

	tr := newMirrorTransport(s.vm, s.source, s.dest)
	err := tr.Setup(context.Background())

	var terr *TransferError
	s.Require().True(errors.As(err, &terr))
	s.True(terr.Unreachable)
}

func (s *TransportSuite) TestStreamLifecycle() {
	s.srcRunner.Script("dd if=", run.FakeResult{
		Stderr: "21474836480 bytes (21 GB, 20 GiB) copied, 58.4 s, 368 MB/s",
	})

	tr, err := NewTransport(TransportStream, s.vm, s.source, s.dest)
	s.Require().NoError(err)

	ctx := context.Background()
	s.Require().NoError(tr.Setup(ctx))
	s.True(s.destRunner.Ran("nohup sh -c 'nc -l"))

	s.Require().NoError(tr.Transfer(ctx))
	s.Require().NoError(tr.Finalize(ctx))
}

func (s *TransportSuite) TestStreamRejectsBusyPort() {
	s.destRunner.Script("pgrep -f", run.FakeResult{Stdout: "4242"})

	tr := newStreamTransport(s.vm, s.source, s.dest)
	err := tr.Setup(context.Background())

	var terr *TransferError
	s.Require().True(errors.As(err, &terr))
	s.False(terr.Unreachable)
}

func (s *TransportSuite) TestStreamShortTransfer() {
	s.srcRunner.Script("dd if=", run.FakeResult{
		Stderr: "1048576 bytes (1.0 MB, 1.0 MiB) copied, 0.1 s, 10 MB/s",
	})

	tr := newStreamTransport(s.vm, s.source, s.dest)
	ctx := context.Background()
	s.Require().NoError(tr.Setup(ctx))
	s.Require().NoError(tr.Transfer(ctx))

	var terr *TransferError
	s.Require().True(errors.As(tr.Finalize(ctx), &terr))
}

func (s *TransportSuite) TestStreamTeardownKillsListener() {
	tr := newStreamTransport(s.vm, s.source, s.dest)
	s.Require().NoError(tr.Setup(context.Background()))

	s.Require().NoError(tr.Teardown(context.Background()))
	s.True(s.destRunner.Ran("pkill -f"))

	// idempotent
	before := len(s.destRunner.Commands)
	s.NoError(tr.Teardown(context.Background()))
	s.Len(s.destRunner.Commands, before)
}

func (s *TransportSuite) TestTransferErrorClassification() {
	exit := &run.ExitError{Command: "drbdsetup attach", Status: 10, Stderr: "minor in use"}
	err := transferError(TransportMirror, exit)
	var terr *TransferError
	s.Require().True(errors.As(err, &terr))
	s.False(terr.Unreachable, "a command that ran reached the host")

	err = transferError(TransportMirror, run.ErrUnreachable)
	s.Require().True(errors.As(err, &terr))
	s.True(terr.Unreachable)

	s.NoError(transferError(TransportMirror, nil))
	// already classified errors pass through unchanged
	s.Equal(err, transferError(TransportMirror, err))
}

func (s *TransportSuite) TestParseDDBytes() {
	s.EqualValues(21474836480,
		parseDDBytes("20480+0 records in\n20480+0 records out\n21474836480 bytes (21 GB, 20 GiB) copied, 58.4 s, 368 MB/s"))
	s.EqualValues(0, parseDDBytes("dd: failed to open"))
	s.EqualValues(0, parseDDBytes(""))
}
