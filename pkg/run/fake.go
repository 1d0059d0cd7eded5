package run

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// FakeResult is a scripted response for FakeRunner.
type FakeResult struct {
	Stdout string
	Stderr string
	Err    error
}

// FakeRunner is a Runner for tests. Responses are scripted per command
// prefix; unscripted commands succeed with empty output. All executed
// commands are recorded.
type FakeRunner struct {
	mu       sync.Mutex
	scripted map[string]FakeResult
	failAll  error
	Commands []string
}

// NewFakeRunner creates an empty FakeRunner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{scripted: map[string]FakeResult{}}
}

// Script registers a response for any command starting with prefix.
func (r *FakeRunner) Script(prefix string, result FakeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripted[prefix] = result
}

// FailWith makes every subsequent command return err, simulating an
// unreachable host.
func (r *FakeRunner) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAll = err
}

// Ran reports whether a command starting with prefix was executed.
func (r *FakeRunner) Ran(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, command := range r.Commands {
		if strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}

// Run implements Runner.
func (r *FakeRunner) Run(ctx context.Context, command string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.Commands = append(r.Commands, command)
	if r.failAll != nil {
		return "", "", r.failAll
	}
	for prefix, result := range r.scripted {
		if strings.HasPrefix(command, prefix) {
			return result.Stdout, result.Stderr, result.Err
		}
	}
	return "", "", nil
}

// ErrUnreachable is a convenience error for simulating connection failures.
var ErrUnreachable = errors.New("connect: no route to host")
