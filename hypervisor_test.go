package igvm_test

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/innogames/igvm"
	"github.com/innogames/igvm/internal/tests/common"
)

func TestHypervisor(t *testing.T) {
	suite.Run(t, new(HypervisorSuite))
}

type HypervisorSuite struct {
	common.Suite
}

func (s *HypervisorSuite) TestSaveAndFetch() {
	h := s.NewHypervisor()

	fetched, err := s.Context.Hypervisor(h.Hostname)
	s.Require().NoError(err)
	s.Equal(h.Hostname, fetched.Hostname)
	s.Equal(h.CPUModel, fetched.CPUModel)
	s.Equal(h.AllowedVLANs, fetched.AllowedVLANs)
	s.True(fetched.Online())
	s.False(fetched.Reserved())
}

func (s *HypervisorSuite) TestStates() {
	h := s.NewHypervisor()

	h.State = igvm.HypervisorStateReserved
	s.True(h.Online())
	s.True(h.Reserved())

	h.State = igvm.HypervisorStateRetired
	s.False(h.Online())
	s.False(h.Reserved())
}

func (s *HypervisorSuite) TestAllowsVLAN() {
	h := s.NewHypervisor()
	s.True(h.AllowsVLAN(100))
	s.False(h.AllowsVLAN(999))
}

func (s *HypervisorSuite) TestStaleSaveConflicts() {
	h := s.NewHypervisor()

	other, err := s.Context.Hypervisor(h.Hostname)
	s.Require().NoError(err)
	other.TotalDisk = 2000
	s.Require().NoError(other.Save())

	h.TotalDisk = 3000
	s.Error(h.Save())

	s.Require().NoError(h.Refresh())
	s.EqualValues(2000, h.TotalDisk)
}

func (s *HypervisorSuite) TestVMs() {
	h := s.NewHypervisor()
	other := s.NewHypervisor()
	mine := s.NewVM(h.Hostname)
	s.NewVM(other.Hostname)

	vms, err := h.VMs()
	s.Require().NoError(err)
	s.Require().Len(vms, 1)
	s.Equal(mine.Hostname, vms[0].Hostname)
}

func (s *HypervisorSuite) TestForEachHypervisor() {
	first := s.NewHypervisor()
	second := s.NewHypervisor()

	seen := map[string]bool{}
	err := s.Context.ForEachHypervisor(func(h *igvm.Hypervisor) error {
		seen[h.Hostname] = true
		return nil
	})
	s.Require().NoError(err)
	s.True(seen[first.Hostname])
	s.True(seen[second.Hostname])
}
