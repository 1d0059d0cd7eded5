package jobqueue

import "time"

// Task pulls together a reserved beanstalk task and its persisted Job
type Task struct {
	ID     uint64 // id from beanstalkd
	JobID  string // body from beanstalkd
	Job    *Job
	conn   taskConn
	client *Client
}

type taskConn interface {
	Delete(id uint64) error
	Release(id uint64, pri uint32, delay time.Duration) error
	Touch(id uint64) error
}

// Delete removes the task from beanstalk
func (t *Task) Delete() error {
	return t.conn.Delete(t.ID)
}

// Release releases the task back to beanstalk for a later retry
func (t *Task) Release() error {
	return t.conn.Release(t.ID, priority, reserveDelay)
}

// Touch resets the task's time-to-run. Workers touch long-running tasks so
// beanstalkd does not re-ready them mid-flight.
func (t *Task) Touch() error {
	return t.conn.Touch(t.ID)
}

// RefreshJob reloads the task's job from the kv store
func (t *Task) RefreshJob() error {
	job, err := t.client.Job(t.JobID)
	if err != nil {
		return err
	}
	t.Job = job
	return nil
}

// Start marks the job as being worked on
func (t *Task) Start() error {
	t.Job.Status = JobStatusWorking
	t.Job.StartedAt = time.Now()
	return t.Job.Save()
}

// Finish records the job outcome and removes the task from the queue
func (t *Task) Finish(jobErr error) error {
	t.Job.FinishedAt = time.Now()
	if jobErr != nil {
		t.Job.Status = JobStatusError
		t.Job.Error = jobErr.Error()
	} else {
		t.Job.Status = JobStatusDone
	}
	if err := t.Job.Save(); err != nil {
		return err
	}
	return t.Delete()
}
