package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/innogames/igvm/pkg/jobqueue"
)

// RegisterJobRoutes registers the job routes and handlers
func RegisterJobRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.Handle(prefix, m.mmw.HandlerFunc(ListJobs, "jobs.list")).Methods("GET")
	router.Handle(prefix, m.mmw.HandlerFunc(CreateJob, "jobs.create")).Methods("POST")

	sub := router.PathPrefix(prefix).Subrouter()
	sub.Handle("/{jobID}", m.mmw.HandlerFunc(GetJob, "jobs.get")).Methods("GET")
}

// ListJobs returns all persisted jobs
func ListJobs(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	jobs, err := GetJobQueue(r).Jobs()
	if err != nil {
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusOK, jobs)
}

// GetJob returns one job by id
func GetJob(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vars := mux.Vars(r)
	job, err := GetJobQueue(r).Job(vars["jobID"])
	if err != nil {
		if GetContext(r).IsKeyNotFound(err) {
			hr.JSONMsg(http.StatusNotFound, "job not found")
			return
		}
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusOK, job)
}

// jobRequest is the submission body for a new job
type jobRequest struct {
	Action         string          `json:"action"`
	VM             string          `json:"vm"`
	Destination    string          `json:"destination"`
	Offline        bool            `json:"offline"`
	Transport      string          `json:"transport"`
	NewIP          string          `json:"new_ip"`
	RunBootstrap   bool            `json:"run_bootstrap"`
	IgnoreReserved bool            `json:"ignore_reserved"`
	NoStart        bool            `json:"no_start"`
	Size           string          `json:"size"`
	Spec           json.RawMessage `json:"spec"`
}

func (jr *jobRequest) validate() error {
	switch jr.Action {
	case jobqueue.ActionMigrate:
		if jr.Destination == "" {
			return errors.New("migrate requires a destination")
		}
	case jobqueue.ActionBuild:
		if jr.Destination == "" || len(jr.Spec) == 0 {
			return errors.New("build requires a destination and a spec")
		}
	case jobqueue.ActionMemSet, jobqueue.ActionVCPUSet, jobqueue.ActionDiskSet:
		if jr.Size == "" {
			return fmt.Errorf("%s requires a size", jr.Action)
		}
	case jobqueue.ActionStart, jobqueue.ActionStop:
	default:
		return fmt.Errorf("unknown action %q", jr.Action)
	}
	if jr.VM == "" {
		return errors.New("vm is required")
	}
	return nil
}

// CreateJob validates a job request, persists it and enqueues it
func CreateJob(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}

	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		hr.JSONError(http.StatusBadRequest, err)
		return
	}
	if err := req.validate(); err != nil {
		hr.JSONError(http.StatusBadRequest, err)
		return
	}

	jobQueue := GetJobQueue(r)
	job := jobQueue.NewJob()
	job.Action = req.Action
	job.VM = req.VM
	job.Destination = req.Destination
	job.Offline = req.Offline
	job.Transport = req.Transport
	job.NewIP = req.NewIP
	job.RunBootstrap = req.RunBootstrap
	job.IgnoreReserved = req.IgnoreReserved
	job.NoStart = req.NoStart
	job.Size = req.Size
	job.Spec = req.Spec

	if _, err := jobQueue.AddTask(job); err != nil {
		hr.JSONError(http.StatusInternalServerError, err)
		return
	}
	hr.JSON(http.StatusCreated, job)
}
