package jobqueue

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/innogames/igvm/pkg/kv"
	"github.com/pborman/uuid"
)

// JobPath is the path in the kv store
var JobPath = "/igvm/jobs/"

// Job Status
const (
	JobStatusNew     = "new"
	JobStatusWorking = "working"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

// Job actions
const (
	ActionBuild   = "build"
	ActionMigrate = "migrate"
	ActionMemSet  = "mem-set"
	ActionVCPUSet = "vcpu-set"
	ActionDiskSet = "disk-set"
	ActionStart   = "start"
	ActionStop    = "stop"
)

// Job is a single fleet operation for a VM, such as migrate or mem-set
type Job struct {
	ID             string `json:"id"`
	Action         string `json:"action"`
	VM             string `json:"vm"`
	Destination    string `json:"destination,omitempty"`
	Offline        bool   `json:"offline,omitempty"`
	Transport      string `json:"transport,omitempty"`
	NewIP          string `json:"new_ip,omitempty"`
	RunBootstrap   bool   `json:"run_bootstrap,omitempty"`
	IgnoreReserved bool   `json:"ignore_reserved,omitempty"`
	NoStart        bool   `json:"no_start,omitempty"`
	Size           string `json:"size,omitempty"`
	// Spec carries the full VM record for build jobs
	Spec          json.RawMessage `json:"spec,omitempty"`
	Error         string          `json:"error,omitempty"`
	Status        string          `json:"status,omitempty"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	FinishedAt    time.Time       `json:"finished_at,omitempty"`
	modifiedIndex uint64
	client        *Client
}

// NewJob creates a new job.
func (c *Client) NewJob() *Job {
	return &Job{
		ID:     uuid.New(),
		client: c,
		Status: JobStatusNew,
	}
}

// Validate ensures required fields are populated.
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("ID is required")
	}

	if j.Action == "" {
		return errors.New("Action is required")
	}

	if j.VM == "" {
		return errors.New("VM is required")
	}

	if j.Status == "" {
		return errors.New("Status is required")
	}

	return nil
}

// key is a helper to generate the kv store key.
func (j *Job) key() string {
	return filepath.Join(JobPath, j.ID)
}

// Save persists a job.
func (j *Job) Save() error {
	if err := j.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(j)
	if err != nil {
		return err
	}

	index, err := j.client.kv.Update(j.key(), kv.Value{Data: v, Index: j.modifiedIndex})
	if err != nil {
		return err
	}

	j.modifiedIndex = index
	return nil
}

// Refresh reloads a Job from the kv store.
func (j *Job) Refresh() error {
	value, err := j.client.kv.Get(j.key())
	if err != nil {
		return err
	}

	if err := json.Unmarshal(value.Data, &j); err != nil {
		return err
	}
	j.modifiedIndex = value.Index
	return nil
}

// Job retrieves a single job from the kv store.
func (c *Client) Job(id string) (*Job, error) {
	j := &Job{
		ID:     id,
		client: c,
	}

	if err := j.Refresh(); err != nil {
		return nil, err
	}
	return j, nil
}

// Jobs returns all jobs currently in the kv store.
func (c *Client) Jobs() ([]*Job, error) {
	values, err := c.kv.GetAll(JobPath)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(values))
	for _, value := range values {
		j := &Job{client: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, j); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
