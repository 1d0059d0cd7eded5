package mock_test

import (
	"testing"

	"github.com/innogames/igvm/pkg/kv"
	_ "github.com/innogames/igvm/pkg/kv/mock"
	"github.com/stretchr/testify/suite"
)

func TestMockKV(t *testing.T) {
	suite.Run(t, new(MockKVSuite))
}

type MockKVSuite struct {
	suite.Suite
	KV kv.KV
}

func (s *MockKVSuite) SetupTest() {
	k, err := kv.New("mock://")
	s.Require().NoError(err)
	s.KV = k
}

func (s *MockKVSuite) TestGetSet() {
	_, err := s.KV.Get("/igvm/missing")
	s.Error(err)
	s.True(s.KV.IsKeyNotFound(err))

	s.NoError(s.KV.Set("/igvm/foo", "bar"))
	value, err := s.KV.Get("/igvm/foo")
	s.NoError(err)
	s.Equal("bar", string(value.Data))
}

func (s *MockKVSuite) TestCreate() {
	index, err := s.KV.Create("/igvm/foo", []byte("bar"))
	s.NoError(err)
	s.NotEqual(uint64(0), index)

	_, err = s.KV.Create("/igvm/foo", []byte("baz"))
	s.Error(err)
	s.True(s.KV.IsConflict(err))
}

func (s *MockKVSuite) TestUpdate() {
	index, err := s.KV.Create("/igvm/foo", []byte("bar"))
	s.Require().NoError(err)

	newIndex, err := s.KV.Update("/igvm/foo", kv.Value{Data: []byte("baz"), Index: index})
	s.NoError(err)
	s.NotEqual(index, newIndex)

	// stale index must not clobber
	_, err = s.KV.Update("/igvm/foo", kv.Value{Data: []byte("qux"), Index: index})
	s.Error(err)
	s.True(s.KV.IsConflict(err))

	value, err := s.KV.Get("/igvm/foo")
	s.NoError(err)
	s.Equal("baz", string(value.Data))
}

func (s *MockKVSuite) TestRemove() {
	index, err := s.KV.Create("/igvm/foo", []byte("bar"))
	s.Require().NoError(err)

	s.Error(s.KV.Remove("/igvm/foo", index+10))
	s.NoError(s.KV.Remove("/igvm/foo", index))

	_, err = s.KV.Get("/igvm/foo")
	s.True(s.KV.IsKeyNotFound(err))
}

func (s *MockKVSuite) TestKeys() {
	s.Require().NoError(s.KV.Set("/igvm/vms/a/metadata", "{}"))
	s.Require().NoError(s.KV.Set("/igvm/vms/b/metadata", "{}"))
	s.Require().NoError(s.KV.Set("/igvm/hypervisors/c/metadata", "{}"))

	keys, err := s.KV.Keys("/igvm/vms")
	s.NoError(err)
	s.Len(keys, 2)
	s.Contains(keys, "/igvm/vms/a")
	s.Contains(keys, "/igvm/vms/b")
}

func (s *MockKVSuite) TestDelete() {
	s.Require().NoError(s.KV.Set("/igvm/vms/a/metadata", "{}"))
	s.Require().NoError(s.KV.Set("/igvm/vms/b/metadata", "{}"))

	s.NoError(s.KV.Delete("/igvm/vms", true))
	keys, err := s.KV.Keys("/igvm/vms")
	s.NoError(err)
	s.Empty(keys)
}
