package igvm

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// runBootstrap triggers the configuration management agent inside the guest
// after a readdressing move. It runs from the destination hypervisor so it
// works before the new address is routable from the orchestrator itself. The
// trigger is skipped when no bootstrap server is configured.
func (o *Orchestrator) runBootstrap(ctx context.Context, vm *VM, dest *Hypervisor) error {
	server, err := o.ctx.GetConfig(ConfigBootstrapServer)
	if err != nil {
		if o.ctx.IsKeyNotFound(err) {
			log.WithFields(log.Fields{
				"func": "Orchestrator.runBootstrap",
				"vm":   vm.Hostname,
			}).Info("no bootstrap server configured, skipping")
			return nil
		}
		return err
	}

	runner, err := o.resolveRun(dest)
	if err != nil {
		return err
	}

	cmd := fmt.Sprintf(
		"ssh -o BatchMode=yes -o StrictHostKeyChecking=no %s puppet agent --onetime --no-daemonize --server %s",
		vm.Hostname, server)
	if _, stderr, err := runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("bootstrap agent on %q: %w (%s)", vm.Hostname, err, stderr)
	}

	log.WithFields(log.Fields{
		"func":   "Orchestrator.runBootstrap",
		"vm":     vm.Hostname,
		"server": server,
	}).Info("bootstrap agent run")
	return nil
}
