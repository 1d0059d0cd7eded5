package jobqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/innogames/igvm/pkg/kv"
	_ "github.com/innogames/igvm/pkg/kv/mock"
)

func TestTask(t *testing.T) {
	suite.Run(t, new(TaskSuite))
}

type fakeConn struct {
	deleted  []uint64
	released []uint64
	touched  []uint64
}

func (c *fakeConn) Delete(id uint64) error {
	c.deleted = append(c.deleted, id)
	return nil
}

func (c *fakeConn) Release(id uint64, pri uint32, delay time.Duration) error {
	c.released = append(c.released, id)
	return nil
}

func (c *fakeConn) Touch(id uint64) error {
	c.touched = append(c.touched, id)
	return nil
}

// TaskSuite exercises the task lifecycle against a fake beanstalk connection
type TaskSuite struct {
	suite.Suite
	Client *Client
	Conn   *fakeConn
	Task   *Task
}

func (s *TaskSuite) SetupTest() {
	store, err := kv.New("mock://")
	s.Require().NoError(err)
	s.Client = &Client{kv: store}
	s.Conn = &fakeConn{}

	job := s.Client.NewJob()
	job.Action = ActionMigrate
	job.VM = "web-1"
	job.Destination = "hv-2"
	s.Require().NoError(job.Save())

	s.Task = &Task{
		ID:     7,
		JobID:  job.ID,
		Job:    job,
		conn:   s.Conn,
		client: s.Client,
	}
}

func (s *TaskSuite) TestStart() {
	s.Require().NoError(s.Task.Start())
	s.Equal(JobStatusWorking, s.Task.Job.Status)
	s.False(s.Task.Job.StartedAt.IsZero())

	job, err := s.Client.Job(s.Task.JobID)
	s.Require().NoError(err)
	s.Equal(JobStatusWorking, job.Status)
}

func (s *TaskSuite) TestTouch() {
	s.Require().NoError(s.Task.Touch())
	s.Equal([]uint64{7}, s.Conn.touched)
}

func (s *TaskSuite) TestRelease() {
	s.Require().NoError(s.Task.Release())
	s.Equal([]uint64{7}, s.Conn.released)
}

func (s *TaskSuite) TestFinish() {
	s.Require().NoError(s.Task.Finish(nil))
	s.Equal(JobStatusDone, s.Task.Job.Status)
	s.Equal([]uint64{7}, s.Conn.deleted)
}

func (s *TaskSuite) TestFinishError() {
	s.Require().NoError(s.Task.Finish(errors.New("disk on fire")))
	s.Equal(JobStatusError, s.Task.Job.Status)
	s.Equal("disk on fire", s.Task.Job.Error)

	job, err := s.Client.Job(s.Task.JobID)
	s.Require().NoError(err)
	s.Equal(JobStatusError, job.Status)
	s.Equal([]uint64{7}, s.Conn.deleted)
}
