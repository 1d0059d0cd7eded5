package igvm

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// drbdMinorBase keeps migration devices away from statically
	// configured DRBD resources on the host
	drbdMinorBase = 150
	drbdPortBase  = 7700

	drbdPollInterval = 2 * time.Second
)

// mirrorTransport replicates the source block device to the destination with
// DRBD while the VM keeps running on the source. The source copy stays intact
// and authoritative until Finalize; Teardown at any earlier point leaves the
// source bootable.
type mirrorTransport struct {
	vm     *VM
	source TransportEndpoint
	dest   TransportEndpoint

	minor     int
	port      int
	srcDisk   string
	destDisk  string
	srcMeta   string
	destMeta  string
	setup     bool
	finalized bool
}

func newMirrorTransport(vm *VM, source, dest TransportEndpoint) *mirrorTransport {
	return &mirrorTransport{
		vm:     vm,
		source: source,
		dest:   dest,
	}
}

func (t *mirrorTransport) Name() TransportType { return TransportMirror }

func (t *mirrorTransport) resource() string {
	return "igvm_" + t.vm.Hostname
}

// Setup allocates a DRBD minor, creates external metadata volumes on both
// sides, and brings the resource up connected. The destination block device
// is created here; the source device already backs the running VM.
func (t *mirrorTransport) Setup(ctx context.Context) error {
	disk, err := t.source.Agent.StoragePath(t.vm.Hostname)
	if err != nil {
		return transferError(TransportMirror, err)
	}
	t.srcDisk = disk

	if err := t.dest.Agent.CreateStorage(t.vm.Hostname, t.vm.DiskSize); err != nil {
		return transferError(TransportMirror, err)
	}
	disk, err = t.dest.Agent.StoragePath(t.vm.Hostname)
	if err != nil {
		return transferError(TransportMirror, err)
	}
	t.destDisk = disk

	minor, err := t.freeMinor(ctx)
	if err != nil {
		return err
	}
	t.minor = minor
	t.port = drbdPortBase + minor

	t.srcMeta, err = t.createMeta(ctx, t.source, t.srcDisk)
	if err != nil {
		return err
	}
	t.destMeta, err = t.createMeta(ctx, t.dest, t.destDisk)
	if err != nil {
		return err
	}

	if err := t.up(ctx, t.source, t.srcDisk, t.srcMeta, t.dest.Hypervisor.Hostname); err != nil {
		return err
	}
	if err := t.up(ctx, t.dest, t.destDisk, t.destMeta, t.source.Hypervisor.Hostname); err != nil {
		return err
	}
	t.setup = true

	log.WithFields(log.Fields{
		"func":   "mirrorTransport.Setup",
		"vm":     t.vm.Hostname,
		"minor":  t.minor,
		"port":   t.port,
		"device": t.device(),
	}).Info("drbd resource up on both sides")
	return nil
}

// Transfer forces the source primary, which triggers a full sync to the
// destination, and blocks until the destination replica is UpToDate.
func (t *mirrorTransport) Transfer(ctx context.Context) error {
	cmd := fmt.Sprintf("drbdsetup primary %s --force", t.device())
	if _, _, err := t.source.Runner.Run(ctx, cmd); err != nil {
		return transferError(TransportMirror, err)
	}
	return t.waitSync(ctx)
}

// Finalize waits out any writes that raced the cutover, then dismantles the
// resource on both sides so the destination device holds the bytes directly.
// The VM must already be stopped (or live-migrated away) on the source.
func (t *mirrorTransport) Finalize(ctx context.Context) error {
	if err := t.waitSync(ctx); err != nil {
		return err
	}
	cmd := fmt.Sprintf("drbdsetup secondary %s", t.device())
	if _, _, err := t.source.Runner.Run(ctx, cmd); err != nil {
		return transferError(TransportMirror, err)
	}
	if err := t.down(ctx, t.source, t.srcMeta); err != nil {
		return err
	}
	if err := t.down(ctx, t.dest, t.destMeta); err != nil {
		return err
	}
	t.finalized = true
	return nil
}

// Teardown is best effort: it downs the resource and removes the metadata
// volumes on whichever sides still have them, collecting nothing. After
// Finalize it is a no-op.
func (t *mirrorTransport) Teardown(ctx context.Context) error {
	if t.finalized || !t.setup && t.srcMeta == "" && t.destMeta == "" {
		return nil
	}
	for _, side := range []struct {
		ep   TransportEndpoint
		meta string
	}{
		{t.source, t.srcMeta},
		{t.dest, t.destMeta},
	} {
		if err := t.down(ctx, side.ep, side.meta); err != nil {
			log.WithFields(log.Fields{
				"func":       "mirrorTransport.Teardown",
				"vm":         t.vm.Hostname,
				"hypervisor": side.ep.Hypervisor.Hostname,
				"error":      err,
			}).Warning("drbd teardown incomplete")
		}
	}
	t.setup = false
	t.finalized = true
	return nil
}

func (t *mirrorTransport) device() string {
	return fmt.Sprintf("/dev/drbd%d", t.minor)
}

// freeMinor picks the lowest unused minor above drbdMinorBase, checking both
// hypervisors so the resource can use the same minor and port everywhere.
func (t *mirrorTransport) freeMinor(ctx context.Context) (int, error) {
	used := map[int]bool{}
	for _, ep := range []TransportEndpoint{t.source, t.dest} {
		out, _, err := ep.Runner.Run(ctx,
			"ls /sys/devices/virtual/block 2>/dev/null | grep ^drbd || true")
		if err != nil {
			return 0, transferError(TransportMirror, err)
		}
		for _, line := range strings.Fields(out) {
			n, err := strconv.Atoi(strings.TrimPrefix(line, "drbd"))
			if err == nil {
				used[n] = true
			}
		}
	}
	for minor := drbdMinorBase; ; minor++ {
		if !used[minor] {
			return minor, nil
		}
	}
}

// createMeta makes an external metadata LV next to the data LV. External
// metadata keeps the data device byte-identical to a plain disk, so nothing
// has to be rewritten after the mirror comes down.
func (t *mirrorTransport) createMeta(ctx context.Context, ep TransportEndpoint, disk string) (string, error) {
	vg := path.Base(path.Dir(disk))
	lv := path.Base(disk) + "_meta"
	// 32KiB of metadata per MiB of data, padded up
	metaMiB := t.vm.DiskSize*1024/32768 + 2
	cmd := fmt.Sprintf("lvcreate -y -n %s -L %dm %s", lv, metaMiB, vg)
	if _, _, err := ep.Runner.Run(ctx, cmd); err != nil {
		return "", transferError(TransportMirror, err)
	}
	return path.Join("/dev", vg, lv), nil
}

func (t *mirrorTransport) up(ctx context.Context, ep TransportEndpoint, disk, meta, peer string) error {
	res := t.resource()
	self := ep.Hypervisor.Hostname
	for _, cmd := range []string{
		fmt.Sprintf("drbdsetup new-resource %s", res),
		fmt.Sprintf("drbdsetup new-minor %s %d 0", res, t.minor),
		fmt.Sprintf("drbdmeta %d v08 %s flex-external create-md --force", t.minor, meta),
		fmt.Sprintf("drbdsetup attach %d %s %s flexible", t.minor, disk, meta),
		fmt.Sprintf("drbdsetup connect %s ipv4:%s:%d ipv4:%s:%d --protocol=C",
			res, self, t.port, peer, t.port),
	} {
		if _, _, err := ep.Runner.Run(ctx, cmd); err != nil {
			return transferError(TransportMirror, err)
		}
	}
	return nil
}

func (t *mirrorTransport) down(ctx context.Context, ep TransportEndpoint, meta string) error {
	cmd := fmt.Sprintf("drbdsetup down %s", t.resource())
	if _, _, err := ep.Runner.Run(ctx, cmd); err != nil {
		return transferError(TransportMirror, err)
	}
	if meta != "" {
		cmd = fmt.Sprintf("lvremove -fy %s", meta)
		if _, _, err := ep.Runner.Run(ctx, cmd); err != nil {
			return transferError(TransportMirror, err)
		}
	}
	return nil
}

// waitSync polls the source until the peer disk reports UpToDate
func (t *mirrorTransport) waitSync(ctx context.Context) error {
	cmd := fmt.Sprintf("drbdsetup status %s --verbose", t.resource())
	ticker := time.NewTicker(drbdPollInterval)
	defer ticker.Stop()
	for {
		out, _, err := t.source.Runner.Run(ctx, cmd)
		if err != nil {
			return transferError(TransportMirror, err)
		}
		if strings.Contains(out, "peer-disk:UpToDate") {
			return nil
		}
		select {
		case <-ctx.Done():
			return transferError(TransportMirror, ctx.Err())
		case <-ticker.C:
		}
	}
}
