// Package hostport splits network addresses into host and port parts with
// support for defaulting the port when it is not supplied.
package hostport

import (
	"net"
	"strings"
)

// Split splits "host", "host:port", "[ipv6-host]" or "[ipv6-host]:port" into
// host and port. Port is an empty string when not supplied.
func Split(hostport string) (string, string, error) {
	if hostport == "" {
		return "", "", nil
	}

	host, port, err := net.SplitHostPort(hostport)
	if err == nil {
		return host, port, nil
	}

	if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
		host = strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]")
		return host, "", nil
	}
	return "", "", err
}

// WithDefault splits hostport, filling in defaultPort when no port was
// supplied, and returns a joined address.
func WithDefault(hostport, defaultPort string) (string, error) {
	host, port, err := Split(hostport)
	if err != nil {
		return "", err
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port), nil
}
