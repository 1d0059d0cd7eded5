package igvm_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/innogames/igvm"
	"github.com/innogames/igvm/internal/tests/common"
	"github.com/innogames/igvm/pkg/run"
)

func TestResize(t *testing.T) {
	suite.Run(t, new(ResizeSuite))
}

type ResizeSuite struct {
	common.Suite
	hypervisor *igvm.Hypervisor
	agent      *igvm.StubAgent
	vm         *igvm.VM
	orc        *igvm.Orchestrator
}

func (s *ResizeSuite) SetupTest() {
	s.Suite.SetupTest()
	s.hypervisor = s.NewHypervisor()
	s.agent = s.NewAgent(s.hypervisor)
	s.vm = s.NewVM(s.hypervisor.Hostname)
	s.agent.AddDomain(igvm.DomainSpec{
		Name:     s.vm.Hostname,
		VCPUs:    s.vm.NumCPU,
		Memory:   s.vm.Memory,
		DiskSize: s.vm.DiskSize,
	}, true)

	agent := s.agent
	s.orc = igvm.NewOrchestrator(s.Context,
		func(h *igvm.Hypervisor) (igvm.Agent, error) { return agent, nil },
		func(h *igvm.Hypervisor) (run.Runner, error) { return run.NewFakeRunner(), nil },
	)
}

func (s *ResizeSuite) reload() *igvm.VM {
	vm, err := s.Context.VM(s.vm.Hostname)
	s.Require().NoError(err)
	return vm
}

func (s *ResizeSuite) stopVM() {
	s.Require().NoError(s.agent.StopDomain(s.vm.Hostname))
	s.vm.State = igvm.VMStateStopped
	s.Require().NoError(s.vm.Save())
}

func (s *ResizeSuite) unsupportedReason(err error) igvm.Reason {
	var uerr *igvm.UnsupportedError
	s.Require().True(errors.As(err, &uerr), "expected an UnsupportedError, got %T: %v", err, err)
	return uerr.Reason
}

func (s *ResizeSuite) TestMemoryGrowAbsolute() {
	s.Require().NoError(s.orc.SetMemory(context.Background(), s.vm.Hostname, "4096"))
	s.EqualValues(4096, s.reload().Memory)
}

func (s *ResizeSuite) TestMemoryGrowHumanSize() {
	s.Require().NoError(s.orc.SetMemory(context.Background(), s.vm.Hostname, "4G"))
	s.EqualValues(4096, s.reload().Memory)
}

func (s *ResizeSuite) TestMemoryGrowRelative() {
	s.Require().NoError(s.orc.SetMemory(context.Background(), s.vm.Hostname, "+1G"))
	s.EqualValues(s.vm.Memory+1024, s.reload().Memory)
}

func (s *ResizeSuite) TestMemorySameSizeRejected() {
	err := s.orc.SetMemory(context.Background(), s.vm.Hostname, fmt.Sprintf("%d", s.vm.Memory))
	s.Equal(igvm.ReasonNoOp, s.unsupportedReason(err))
	s.EqualValues(s.vm.Memory, s.reload().Memory)
}

func (s *ResizeSuite) TestMemoryOnlineShrinkRejected() {
	err := s.orc.SetMemory(context.Background(), s.vm.Hostname, "-1G")
	s.Equal(igvm.ReasonOnlineShrink, s.unsupportedReason(err))
	s.EqualValues(s.vm.Memory, s.reload().Memory)
}

func (s *ResizeSuite) TestMemoryOfflineShrink() {
	s.stopVM()
	s.Require().NoError(s.orc.SetMemory(context.Background(), s.vm.Hostname, "-1G"))
	s.EqualValues(s.vm.Memory-1024, s.reload().Memory)
}

func (s *ResizeSuite) TestMemoryOnlineGrowPastCeilingRejected() {
	s.agent.SetMaxMemory(s.vm.Hostname, s.vm.Memory)
	err := s.orc.SetMemory(context.Background(), s.vm.Hostname, "+1G")
	s.Equal(igvm.ReasonOnlineChange, s.unsupportedReason(err))
}

func (s *ResizeSuite) TestMemoryGrowPastCapacityRejected() {
	err := s.orc.SetMemory(context.Background(), s.vm.Hostname, "+1T")
	var aerr *igvm.AdmissionError
	s.Require().True(errors.As(err, &aerr))
	s.Equal(igvm.ReasonCapacity, aerr.Reason)
	s.EqualValues(s.vm.Memory, s.reload().Memory)
}

func (s *ResizeSuite) TestMemoryRejectsActiveJob() {
	s.vm.State = igvm.VMStateMigrating
	s.Require().NoError(s.vm.Save())
	err := s.orc.SetMemory(context.Background(), s.vm.Hostname, "+1G")
	s.True(errors.Is(err, igvm.ErrJobActive))
}

func (s *ResizeSuite) TestVCPUGrow() {
	s.Require().NoError(s.orc.SetVCPUs(context.Background(), s.vm.Hostname, "+2"))
	s.EqualValues(s.vm.NumCPU+2, s.reload().NumCPU)
}

func (s *ResizeSuite) TestVCPUOnlineShrinkRejected() {
	err := s.orc.SetVCPUs(context.Background(), s.vm.Hostname, "-1")
	s.Equal(igvm.ReasonOnlineShrink, s.unsupportedReason(err))
}

func (s *ResizeSuite) TestVCPUOfflineShrink() {
	s.stopVM()
	s.Require().NoError(s.orc.SetVCPUs(context.Background(), s.vm.Hostname, "1"))
	s.EqualValues(1, s.reload().NumCPU)
}

func (s *ResizeSuite) TestVCPUSameCountRejected() {
	err := s.orc.SetVCPUs(context.Background(), s.vm.Hostname, fmt.Sprintf("%d", s.vm.NumCPU))
	s.Equal(igvm.ReasonNoOp, s.unsupportedReason(err))
}

func (s *ResizeSuite) TestDiskGrow() {
	s.Require().NoError(s.orc.SetDiskSize(context.Background(), s.vm.Hostname, "+10G"))
	s.EqualValues(s.vm.DiskSize+10, s.reload().DiskSize)
}

func (s *ResizeSuite) TestDiskShrinkRejected() {
	// disks never shrink, not even offline
	s.stopVM()
	err := s.orc.SetDiskSize(context.Background(), s.vm.Hostname, "-5G")
	s.Equal(igvm.ReasonDiskShrink, s.unsupportedReason(err))
	s.EqualValues(s.vm.DiskSize, s.reload().DiskSize)
}

func (s *ResizeSuite) TestDiskSameSizeRejected() {
	err := s.orc.SetDiskSize(context.Background(), s.vm.Hostname, fmt.Sprintf("%dG", s.vm.DiskSize))
	s.Equal(igvm.ReasonNoOp, s.unsupportedReason(err))
}

func (s *ResizeSuite) TestInvalidSizeRejected() {
	s.Error(s.orc.SetMemory(context.Background(), s.vm.Hostname, "a-lot"))
	s.Error(s.orc.SetMemory(context.Background(), s.vm.Hostname, ""))
}
