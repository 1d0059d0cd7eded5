// Package common contains the shared base suite for tests that need an
// inventory. It runs against the in-memory kv backend so suites need no
// external services.
package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/innogames/igvm"
	"github.com/innogames/igvm/pkg/kv"
	_ "github.com/innogames/igvm/pkg/kv/mock"
)

// Suite sets up a fresh inventory context per test
type Suite struct {
	suite.Suite
	KV      kv.KV
	Context *igvm.Context
}

// SetupSuite quiets the logger
func (s *Suite) SetupSuite() {
	log.SetLevel(log.FatalLevel)
}

// SetupTest creates an empty in-memory inventory
func (s *Suite) SetupTest() {
	store, err := kv.New("mock://")
	s.Require().NoError(err)
	s.KV = store
	s.Context = igvm.NewContext(store)
}

// NewUnsavedVM returns a populated VM record that is not yet in the
// inventory and not assigned anywhere
func (s *Suite) NewUnsavedVM() *igvm.VM {
	vm := s.Context.NewVM()
	vm.Hostname = fmt.Sprintf("testvm-%s", randString(8))
	vm.NumCPU = 2
	vm.Memory = 2048
	vm.DiskSize = 20
	vm.VLAN = 100
	vm.MAC = randMAC()
	vm.InternIP = randIP()
	return vm
}

// NewVM saves a populated running VM assigned to hypervisor
func (s *Suite) NewVM(hypervisor string) *igvm.VM {
	vm := s.NewUnsavedVM()
	vm.HypervisorID = hypervisor
	vm.State = igvm.VMStateRunning

	s.Require().NoError(vm.Save())
	return vm
}

// NewHypervisor saves a populated online hypervisor
func (s *Suite) NewHypervisor() *igvm.Hypervisor {
	h := s.Context.NewHypervisor()
	h.Hostname = fmt.Sprintf("testhv-%s", randString(8))
	h.TotalCPU = 24
	h.TotalMemory = 65536
	h.TotalDisk = 1000
	h.CPUModel = "Skylake-Server"
	h.AllowedVLANs = []int{100, 200}
	h.URI = "test:///default"
	h.SSHUser = "root"

	s.Require().NoError(h.Save())
	return h
}

// DoRequest is a convenience method for making an http request and doing
// basic handling of the response
func (s *Suite) DoRequest(method, url string, expectedRespCode int, postBodyStruct interface{}, respBody interface{}) *http.Response {
	var postBody io.Reader
	if postBodyStruct != nil {
		bodyBytes, err := json.Marshal(postBodyStruct)
		s.Require().NoError(err)
		postBody = bytes.NewBuffer(bodyBytes)
	}

	req, err := http.NewRequest(method, url, postBody)
	s.Require().NoError(err)
	if postBody != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	s.NoError(err)

	if s.Equal(expectedRespCode, resp.StatusCode) {
		if respBody != nil {
			s.NoError(json.Unmarshal(body, respBody))
		}
	} else {
		s.T().Log(string(body))
	}
	return resp
}

// NewAgent creates a StubAgent sized to the hypervisor's totals
func (s *Suite) NewAgent(h *igvm.Hypervisor) *igvm.StubAgent {
	return igvm.NewStubAgent(h.Hostname, igvm.Capacity{
		FreeCPU:    h.TotalCPU,
		FreeMemory: h.TotalMemory,
		FreeDisk:   h.TotalDisk,
	})
}
