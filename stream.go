package igvm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/innogames/igvm/pkg/run"
)

// streamPort is fixed: the listener is checked for and cleaned up by pattern,
// and only one stream transfer per destination runs at a time anyway, the
// migration lock sees to that.
const streamPort = 7777

// streamTransport copies the block device once over a raw TCP stream. It
// cannot track writes happening during the copy, so the orchestrator only
// uses it for offline migrations, with the VM stopped before Transfer.
type streamTransport struct {
	vm     *VM
	source TransportEndpoint
	dest   TransportEndpoint

	srcDisk   string
	destDisk  string
	listening bool
	copied    uint64
}

func newStreamTransport(vm *VM, source, dest TransportEndpoint) *streamTransport {
	return &streamTransport{
		vm:     vm,
		source: source,
		dest:   dest,
	}
}

func (t *streamTransport) Name() TransportType { return TransportStream }

// Setup creates the destination device and starts a background listener
// writing to it. A listener left over from a crashed transfer on the same
// port is an error, not something to silently reuse.
func (t *streamTransport) Setup(ctx context.Context) error {
	disk, err := t.source.Agent.StoragePath(t.vm.Hostname)
	if err != nil {
		return transferError(TransportStream, err)
	}
	t.srcDisk = disk

	if err := t.dest.Agent.CreateStorage(t.vm.Hostname, t.vm.DiskSize); err != nil {
		return transferError(TransportStream, err)
	}
	disk, err = t.dest.Agent.StoragePath(t.vm.Hostname)
	if err != nil {
		return transferError(TransportStream, err)
	}
	t.destDisk = disk

	busy, err := t.listenerRunning(ctx)
	if err != nil {
		return err
	}
	if busy {
		return &TransferError{
			Transport: TransportStream,
			Err:       fmt.Errorf("a listener is already bound to port %d on %q", streamPort, t.dest.Hypervisor.Hostname),
		}
	}

	cmd := fmt.Sprintf("nohup sh -c 'nc -l -p %d > %s' >/dev/null 2>&1 &",
		streamPort, t.destDisk)
	if _, _, err := t.dest.Runner.Run(ctx, cmd); err != nil {
		return transferError(TransportStream, err)
	}
	t.listening = true

	log.WithFields(log.Fields{
		"func": "streamTransport.Setup",
		"vm":   t.vm.Hostname,
		"port": streamPort,
	}).Info("stream listener started")
	return nil
}

// Transfer pushes the device through the stream and records how many bytes
// dd reported moving.
func (t *streamTransport) Transfer(ctx context.Context) error {
	cmd := fmt.Sprintf("dd if=%s bs=1M | nc -q 1 %s %d",
		t.srcDisk, t.dest.Hypervisor.Hostname, streamPort)
	_, stderr, err := t.source.Runner.Run(ctx, cmd)
	if err != nil {
		return transferError(TransportStream, err)
	}
	t.copied = parseDDBytes(stderr)
	t.listening = false
	return nil
}

// Finalize verifies the destination received the whole device. The stream
// has no checksum of its own; a short count means a dropped connection.
func (t *streamTransport) Finalize(ctx context.Context) error {
	want := t.vm.DiskSize << 30
	if t.copied != want {
		return &TransferError{
			Transport: TransportStream,
			Err: fmt.Errorf("short transfer: %d of %d bytes reached %q",
				t.copied, want, t.dest.Hypervisor.Hostname),
		}
	}
	return nil
}

// Teardown kills any leftover listener. The partially written destination
// device is the rollback path's to remove.
func (t *streamTransport) Teardown(ctx context.Context) error {
	if !t.listening {
		return nil
	}
	cmd := fmt.Sprintf("pkill -f 'nc -l -p %d' || true", streamPort)
	if _, _, err := t.dest.Runner.Run(ctx, cmd); err != nil {
		log.WithFields(log.Fields{
			"func":  "streamTransport.Teardown",
			"vm":    t.vm.Hostname,
			"error": err,
		}).Warning("could not kill stream listener")
		return transferError(TransportStream, err)
	}
	t.listening = false
	return nil
}

func (t *streamTransport) listenerRunning(ctx context.Context) (bool, error) {
	cmd := fmt.Sprintf("pgrep -f 'nc -l -p %d'", streamPort)
	_, _, err := t.dest.Runner.Run(ctx, cmd)
	if err == nil {
		return true, nil
	}
	// pgrep exits 1 for no match
	var ee *run.ExitError
	if errors.As(err, &ee) && ee.Status == 1 {
		return false, nil
	}
	return false, transferError(TransportStream, err)
}

// parseDDBytes pulls the byte count out of dd's status line, e.g.
// "1073741824 bytes (1.1 GB, 1.0 GiB) copied, 8.2 s, 131 MB/s".
func parseDDBytes(stderr string) uint64 {
	for _, line := range strings.Split(stderr, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "bytes" {
			if n, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}
