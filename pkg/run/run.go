// Package run executes shell commands on hypervisor hosts. The storage
// transports and the bootstrap trigger are built on top of it so they can be
// tested with a scripted runner instead of a live host.
package run

import (
	"context"
	"errors"
	"fmt"
)

// Runner runs a single shell command on a host and returns its output.
type Runner interface {
	Run(ctx context.Context, command string) (stdout string, stderr string, err error)
}

// ExitError is returned when the remote command ran but exited non-zero. It
// is distinct from connection errors so callers can tell a failed command
// from an unreachable host.
type ExitError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d: %s", e.Command, e.Status, e.Stderr)
}

// IsExit reports whether err means the command ran and failed, as opposed to
// the host being unreachable.
func IsExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}
