package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/armon/go-metrics"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/innogames/igvm"
	"github.com/innogames/igvm/pkg/jobqueue"
)

// worker consumes jobs from the queue and runs them through the orchestrator
// one at a time. The queue serializes the fleet-wide work; per-hypervisor
// locking inside the orchestrator guards against other daemons.
type worker struct {
	t        tomb.Tomb
	jobQueue *jobqueue.Client
	ictx     *igvm.Context
	orc      *igvm.Orchestrator
	m        *metrics.Metrics
}

func newWorker(jobQueue *jobqueue.Client, ictx *igvm.Context, orc *igvm.Orchestrator, m *metrics.Metrics) *worker {
	return &worker{
		jobQueue: jobQueue,
		ictx:     ictx,
		orc:      orc,
		m:        m,
	}
}

// Start begins consuming jobs
func (w *worker) Start() {
	w.t.Go(w.loop)
}

// Stop shuts the worker down and waits for an in-flight job to finish
func (w *worker) Stop() {
	w.t.Kill(nil)
	if err := w.t.Wait(); err != nil {
		log.WithField("error", err).Error("worker stopped with error")
	}
}

func (w *worker) loop() error {
	for {
		select {
		case <-w.t.Dying():
			return nil
		default:
		}

		task, err := w.jobQueue.NextTask()
		if err != nil {
			log.WithFields(log.Fields{
				"error": err,
				"func":  "jobqueue.Client.NextTask",
			}).Error("could not reserve a task")
			if task != nil {
				// a task whose job cannot be loaded can never
				// be worked, drop it
				if derr := task.Delete(); derr != nil {
					log.WithFields(log.Fields{
						"task":  task.ID,
						"error": derr,
					}).Error("unable to delete task")
				}
				continue
			}
			select {
			case <-w.t.Dying():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		w.process(task)
	}
}

func (w *worker) process(task *jobqueue.Task) {
	logger := log.WithFields(log.Fields{
		"job":    task.Job.ID,
		"action": task.Job.Action,
		"vm":     task.Job.VM,
	})
	logger.Info("job started")

	if err := task.Start(); err != nil {
		logger.WithField("error", err).Error("unable to mark job as working")
		if rerr := task.Release(); rerr != nil {
			logger.WithField("error", rerr).Error("unable to release task")
		}
		return
	}

	// Migrations run far longer than the queue's ttr; keep the task
	// reserved until the job settles.
	stopTouch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(jobqueue.TouchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopTouch:
				return
			case <-ticker.C:
				if err := task.Touch(); err != nil {
					logger.WithField("error", err).Warning("unable to touch task")
				}
			}
		}
	}()

	start := time.Now()
	jobErr := w.execute(task.Job)
	close(stopTouch)
	w.m.MeasureSince([]string{"job", task.Job.Action, "time"}, start)

	if jobErr != nil {
		w.m.IncrCounter([]string{"job", task.Job.Action, "error"}, 1)
		logger.WithField("error", jobErr).Error("job failed")
	} else {
		w.m.IncrCounter([]string{"job", task.Job.Action, "success"}, 1)
		logger.WithField("duration", time.Since(start)).Info("job done")
	}

	if err := task.Finish(jobErr); err != nil {
		logger.WithField("error", err).Error("unable to finish task")
	}
}

func (w *worker) execute(job *jobqueue.Job) error {
	ctx := w.t.Context(nil)

	switch job.Action {
	case jobqueue.ActionBuild:
		vm := w.ictx.NewVM()
		if err := json.Unmarshal(job.Spec, vm); err != nil {
			return fmt.Errorf("invalid vm spec: %w", err)
		}
		vm.Hostname = job.VM
		return w.orc.Build(ctx, vm, job.Destination, igvm.BuildOptions{
			IgnoreReserved: job.IgnoreReserved,
			NoStart:        job.NoStart,
		})
	case jobqueue.ActionMigrate:
		return w.orc.Migrate(ctx, job.VM, job.Destination, igvm.MigrateOptions{
			Offline:        job.Offline,
			Transport:      igvm.TransportType(job.Transport),
			NewIP:          job.NewIP,
			RunBootstrap:   job.RunBootstrap,
			IgnoreReserved: job.IgnoreReserved,
		})
	case jobqueue.ActionMemSet:
		return w.orc.SetMemory(ctx, job.VM, job.Size)
	case jobqueue.ActionVCPUSet:
		return w.orc.SetVCPUs(ctx, job.VM, job.Size)
	case jobqueue.ActionDiskSet:
		return w.orc.SetDiskSize(ctx, job.VM, job.Size)
	case jobqueue.ActionStart:
		return w.orc.Start(ctx, job.VM)
	case jobqueue.ActionStop:
		return w.orc.Stop(ctx, job.VM)
	default:
		return fmt.Errorf("unknown action %q", job.Action)
	}
}
