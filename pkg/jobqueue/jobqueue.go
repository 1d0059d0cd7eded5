// Package jobqueue manages the queue of fleet operations. Jobs are persisted
// in the kv store for inspection while a beanstalk tube carries the work
// signal to the daemon's worker.
package jobqueue

import (
	"time"

	"github.com/innogames/igvm/pkg/kv"
	"github.com/kr/beanstalk"
)

// Beanstalk parameters
const (
	priority     = uint32(0)
	delay        = 0 * time.Second
	ttr          = 5 * time.Second
	reserveDelay = 5 * time.Second
)

// TouchInterval is how often a worker should Touch a task it is executing.
// It must stay below ttr or beanstalkd re-readies the task while the job is
// still running.
const TouchInterval = 2 * time.Second

// Tube carrying migration and resize jobs
const jobTube = "igvm-jobs"

// Client is for interacting with the job queue
type Client struct {
	conn *beanstalk.Conn
	kv   kv.KV
	tube *beanstalk.Tube
	set  *beanstalk.TubeSet
}

// NewClient creates a new Client and initializes the beanstalk connection
func NewClient(bstalk string, store kv.KV) (*Client, error) {
	conn, err := beanstalk.Dial("tcp", bstalk)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn: conn,
		kv:   store,
		tube: &beanstalk.Tube{Conn: conn, Name: jobTube},
		set:  beanstalk.NewTubeSet(conn, jobTube),
	}, nil
}

// AddTask persists the job and enqueues it
func (c *Client) AddTask(j *Job) (uint64, error) {
	if err := j.Save(); err != nil {
		return 0, err
	}
	return c.tube.Put([]byte(j.ID), priority, delay, ttr)
}

// DeleteTask removes a task from beanstalk by id
func (c *Client) DeleteTask(id uint64) error {
	return c.conn.Delete(id)
}

// NextTask blocks until a task is available, then returns it with its Job
// loaded from the kv store
func (c *Client) NextTask() (*Task, error) {
	for {
		id, body, err := c.set.Reserve(reserveDelay)
		if err != nil {
			if cerr, ok := err.(beanstalk.ConnError); ok && cerr.Err == beanstalk.ErrTimeout {
				continue
			}
			return nil, err
		}

		task := &Task{
			ID:     id,
			JobID:  string(body),
			conn:   c.conn,
			client: c,
		}
		if err := task.RefreshJob(); err != nil {
			return task, err
		}
		return task, nil
	}
}
