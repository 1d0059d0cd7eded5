package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	logrusmiddleware "github.com/bakins/logrus-middleware"
	recovery "github.com/bakins/net-http-recover"
	"github.com/gorilla/context"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	log "github.com/sirupsen/logrus"
	"github.com/tylerb/graceful"

	"github.com/innogames/igvm"
	"github.com/innogames/igvm/pkg/jobqueue"
)

const (
	ctxKey string = "igvmContext"
	jqKey  string = "igvmJobQueue"
)

type (
	// HTTPResponse is a wrapper for http.ResponseWriter which provides
	// access to several convenience methods
	HTTPResponse struct {
		http.ResponseWriter
	}

	// HTTPError contains information for http error responses
	HTTPError struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
)

// Run starts the API server
func Run(port uint, ctx *igvm.Context, jobQueue *jobqueue.Client, m *metricsContext) *graceful.Server {
	router := mux.NewRouter()
	router.StrictSlash(true)

	logrusMiddleware := logrusmiddleware.Middleware{
		Name: "igvmd",
	}
	commonMiddleware := alice.New(
		func(h http.Handler) http.Handler {
			return logrusMiddleware.Handler(h, "")
		},
		handlers.CompressHandler,
		func(h http.Handler) http.Handler {
			return recovery.Handler(os.Stderr, h, true)
		},
		func(h http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				context.Set(r, ctxKey, ctx)
				context.Set(r, jqKey, jobQueue)
				h.ServeHTTP(w, r)
			})
		},
	)

	RegisterVMRoutes("/vms", router, m)
	RegisterHypervisorRoutes("/hypervisors", router, m)
	RegisterJobRoutes("/jobs", router, m)

	router.HandleFunc("/metrics",
		func(w http.ResponseWriter, r *http.Request) {
			hr := HTTPResponse{w}
			hr.JSON(http.StatusOK, m.sink)
		})

	server := &graceful.Server{
		Timeout: 5 * time.Second,
		Server: &http.Server{
			Addr:           fmt.Sprintf(":%d", port),
			Handler:        commonMiddleware.Then(router),
			MaxHeaderBytes: 1 << 20,
		},
	}
	go listenAndServe(server)
	return server
}

func listenAndServe(server *graceful.Server) {
	if err := server.ListenAndServe(); err != nil {
		// closing the listener is part of the graceful shutdown
		if !strings.Contains(err.Error(), "use of closed network connection") {
			log.WithField("error", err).Fatal("server error")
		}
	}
}

// JSON writes appropriate headers and JSON body to the http response
func (hr *HTTPResponse) JSON(code int, obj interface{}) {
	hr.Header().Set("Content-Type", "application/json")
	hr.WriteHeader(code)
	encoder := json.NewEncoder(hr)
	if err := encoder.Encode(obj); err != nil {
		hr.JSONError(http.StatusInternalServerError, err)
	}
}

// JSONError writes an error response. Admission and validation errors map to
// 400s so callers can tell their own mistakes from server trouble.
func (hr *HTTPResponse) JSONError(code int, err error) {
	hr.JSON(code, &HTTPError{
		Message: err.Error(),
		Code:    code,
	})
}

// JSONMsg is a convenience method to write a JSON response with just a
// message string
func (hr *HTTPResponse) JSONMsg(code int, msg string) {
	hr.JSON(code, map[string]string{"message": msg})
}

// GetContext retrieves the igvm.Context for a request
func GetContext(r *http.Request) *igvm.Context {
	if value := context.Get(r, ctxKey); value != nil {
		return value.(*igvm.Context)
	}
	return nil
}

// GetJobQueue retrieves the jobqueue client for a request
func GetJobQueue(r *http.Request) *jobqueue.Client {
	if value := context.Get(r, jqKey); value != nil {
		return value.(*jobqueue.Client)
	}
	return nil
}
