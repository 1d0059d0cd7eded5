// Package sd implements some systemd interaction, namely the equivalent of
// sd_notify and sd_watchdog_enabled
package sd

import (
	"errors"
	"net"
	"os"
	"strconv"
	"time"
)

// ErrNotifyNoSocket is an error for when a valid notify socket name isn't provided
var ErrNotifyNoSocket = errors.New("no socket")

// Notify sends a message to the init daemon. It is common to ignore the error.
func Notify(state string) error {
	socketAddr := &net.UnixAddr{
		Name: os.Getenv("NOTIFY_SOCKET"),
		Net:  "unixgram",
	}

	if socketAddr.Name == "" {
		return ErrNotifyNoSocket
	}
	switch socketAddr.Name[0] {
	case '@', '/':
	default:
		return ErrNotifyNoSocket
	}

	conn, err := net.DialUnix(socketAddr.Net, nil, socketAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Write([]byte(state))
	return err
}

// WatchdogEnabled returns the watchdog interval systemd expects pings within,
// or zero if no watchdog is configured for this process.
func WatchdogEnabled() (time.Duration, error) {
	usec := os.Getenv("WATCHDOG_USEC")
	if usec == "" {
		return 0, nil
	}

	if pid := os.Getenv("WATCHDOG_PID"); pid != "" {
		p, err := strconv.Atoi(pid)
		if err != nil {
			return 0, err
		}
		if p != os.Getpid() {
			return 0, nil
		}
	}

	u, err := strconv.ParseInt(usec, 10, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(u) * time.Microsecond, nil
}
