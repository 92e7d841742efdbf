package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/gridmesh/provisiond/internal/domain"
	"github.com/gridmesh/provisiond/internal/tunnel"
)

const (
	uploadTimeout    = 30 * time.Second
	markReadyTimeout = 30 * time.Second
	downloadTimeout  = 5 * time.Minute
)

// runSpecCheck collects the host inventory and uploads it for verification.
// The upload is best-effort: the node's hardware does not stop being valid
// because the control plane missed the report.
func (i *Installer) runSpecCheck(ctx context.Context) (string, error) {
	inv := i.inventory.Collect()

	// The tunnel identity is generated here so its public key rides along
	// with the inventory and the control plane can pre-authorize it on the
	// bastion before the tunnel step runs.
	keys, err := tunnel.EnsureIdentity(i.store.KeyDir())
	if err != nil {
		i.logger.Warn("tunnel identity unavailable for spec upload", "err", err)
	} else if pub, err := tunnel.ReadPublicKey(keys.PublicKeyPath); err == nil {
		inv.SSHPublicKey = pub
	}

	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	if err := i.plane.UploadSpecs(uploadCtx, inv); err != nil {
		i.logger.Warn("spec upload not delivered", "err", err)
		return "host inventory collected, upload skipped", nil
	}
	return "host inventory verified", nil
}

// runDockerCheck ensures the container runtime is installed, skipping the
// install entirely when a working daemon is already present.
func (i *Installer) runDockerCheck(ctx context.Context) (string, error) {
	if i.host.IsRuntimeInstalled(ctx) {
		return "container runtime already installed", nil
	}

	if err := i.host.InstallRuntime(ctx); err != nil {
		return "", err
	}
	if !i.host.IsRuntimeInstalled(ctx) {
		return "", fmt.Errorf("container runtime unavailable after installation")
	}
	return "container runtime installed", nil
}

// runMarkReady registers readiness with the control plane. This call gates
// the run: any rejection or transport failure is fatal.
func (i *Installer) runMarkReady(ctx context.Context) (string, error) {
	readyCtx, cancel := context.WithTimeout(ctx, markReadyTimeout)
	defer cancel()

	if err := i.plane.MarkReady(readyCtx); err != nil {
		return "", err
	}
	return "resource marked ready", nil
}

// runTunnelOpen establishes trust with the bastion and opens the supervised
// reverse forward. Trust must hold before the connection attempt.
func (i *Installer) runTunnelOpen(ctx context.Context) (string, error) {
	if i.cfg.BastionAddress == "" {
		i.logger.Warn("no bastion configured, running without reverse tunnel")
		return "no bastion configured, tunnel skipped", nil
	}

	if i.cfg.BastionPublicKey != "" {
		added, err := i.host.EnsureTrustedKey(i.cfg.BastionPublicKey)
		if err != nil {
			return "", err
		}
		if added {
			i.logger.Info("bastion public key added to trust store")
		}
	}

	if err := i.tunnel.Open(ctx); err != nil {
		return "", err
	}
	return fmt.Sprintf("reverse tunnel established via %s", i.cfg.BastionAddress), nil
}

// runAgentInstall makes sure the agent binary is present and executable.
func (i *Installer) runAgentInstall(ctx context.Context) (string, error) {
	installCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	return i.agent.EnsureBinary(installCtx)
}

// runAgentStart launches the agent detached and probes its liveness after
// the grace period. An agent from a previous run that is still alive is
// adopted instead of launching a second one.
func (i *Installer) runAgentStart(ctx context.Context) (string, error) {
	if pid, err := i.store.AgentPID(); err == nil && pid > 0 && i.agent.Adopt(pid) {
		return fmt.Sprintf("agent already running (pid %d)", pid), nil
	}

	if err := i.agent.Start(); err != nil {
		return "", domain.ErrProcessLaunch{Path: i.cfg.AgentBinaryPath, Err: err}
	}

	select {
	case <-time.After(i.cfg.AgentGracePeriod):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	if !i.agent.Alive() {
		return "", domain.ErrProcessLaunch{
			Path: i.cfg.AgentBinaryPath,
			Err:  fmt.Errorf("process exited within the %s grace period", i.cfg.AgentGracePeriod),
		}
	}

	if err := i.store.SaveAgentPID(i.agent.PID()); err != nil {
		i.logger.Warn("could not persist agent pid", "err", err)
	}

	return fmt.Sprintf("agent serving (pid %d)", i.agent.PID()), nil
}
