package jobqueue

import (
	"testing"

	"github.com/innogames/igvm/pkg/kv"
	_ "github.com/innogames/igvm/pkg/kv/mock"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestJob(t *testing.T) {
	suite.Run(t, new(JobSuite))
}

// JobSuite exercises job persistence without a beanstalkd; queue signaling is
// covered by the daemon's integration environment.
type JobSuite struct {
	suite.Suite
	Client *Client
}

func (s *JobSuite) SetupTest() {
	store, err := kv.New("mock://")
	s.Require().NoError(err)
	s.Client = &Client{kv: store}
}

func (s *JobSuite) TestValidate() {
	tests := []struct {
		description string
		job         *Job
		expectedErr bool
	}{
		{"missing ID", &Job{Action: ActionMigrate, VM: "vm1", Status: JobStatusNew}, true},
		{"missing action", &Job{ID: uuid.New(), VM: "vm1", Status: JobStatusNew}, true},
		{"missing vm", &Job{ID: uuid.New(), Action: ActionMigrate, Status: JobStatusNew}, true},
		{"missing status", &Job{ID: uuid.New(), Action: ActionMigrate, VM: "vm1"}, true},
		{"complete", &Job{ID: uuid.New(), Action: ActionMigrate, VM: "vm1", Status: JobStatusNew}, false},
	}

	for _, test := range tests {
		err := test.job.Validate()
		if test.expectedErr {
			s.Error(err, test.description)
		} else {
			s.NoError(err, test.description)
		}
	}
}

func (s *JobSuite) TestSaveAndRefresh() {
	job := s.Client.NewJob()
	job.Action = ActionMigrate
	job.VM = "vm1"
	job.Destination = "hv2"
	job.Offline = true
	job.Transport = "stream"
	s.NoError(job.Save())

	loaded, err := s.Client.Job(job.ID)
	s.NoError(err)
	s.Equal(job.VM, loaded.VM)
	s.Equal(job.Destination, loaded.Destination)
	s.Equal(job.Transport, loaded.Transport)

	loaded.Status = JobStatusWorking
	s.NoError(loaded.Save())

	// stale copy must not clobber newer state
	job.Status = JobStatusDone
	s.Error(job.Save())
}

func (s *JobSuite) TestJobs() {
	for i := 0; i < 3; i++ {
		job := s.Client.NewJob()
		job.Action = ActionMemSet
		job.VM = uuid.New()
		job.Size = "+1024M"
		s.Require().NoError(job.Save())
	}

	jobs, err := s.Client.Jobs()
	s.NoError(err)
	s.Len(jobs, 3)
}
