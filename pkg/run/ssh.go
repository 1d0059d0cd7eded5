package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHPort is the default port on which to contact a host
const SSHPort = "22"

const dialTimeout = 10 * time.Second

// SSHRunner runs commands on a host over SSH with public key auth.
type SSHRunner struct {
	Host       string
	User       string
	Port       string
	privateKey []byte
}

// NewSSHRunner creates an SSHRunner for host, reading the private key from
// keyPath.
func NewSSHRunner(host, user, keyPath string) (*SSHRunner, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &SSHRunner{
		Host:       host,
		User:       user,
		Port:       SSHPort,
		privateKey: key,
	}, nil
}

// Run executes command on the host and waits for it to finish. A non-zero
// exit status is returned as *ExitError; everything else indicates the host
// could not be reached or the session broke down.
func (r *SSHRunner) Run(ctx context.Context, command string) (string, string, error) {
	signer, err := ssh.ParsePrivateKey(r.privateKey)
	if err != nil {
		return "", "", fmt.Errorf("unable to parse private key: %w", err)
	}

	config := &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	addr := net.JoinHostPort(r.Host, r.Port)
	conn, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", "", fmt.Errorf("unable to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("unable to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), stderr.String(), ctx.Err()
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), &ExitError{
				Command: command,
				Status:  exitErr.ExitStatus(),
				Stderr:  stderr.String(),
			}
		}
		return stdout.String(), stderr.String(), err
	}

	return stdout.String(), stderr.String(), nil
}
