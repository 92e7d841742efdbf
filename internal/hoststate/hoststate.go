// Package hoststate wraps the host-global mutable state the provisioner
// touches — the installed container runtime and the SSH trust store — behind
// narrow idempotent operations.
package hoststate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/gridmesh/provisiond/internal/domain"
)

// HostState exposes idempotent queries and mutations of host-global state.
type HostState interface {
	// IsRuntimeInstalled reports whether a working Docker daemon is reachable.
	IsRuntimeInstalled(ctx context.Context) bool

	// InstallRuntime installs the container runtime via the delegated
	// installer script. Safe to call when already installed.
	InstallRuntime(ctx context.Context) error

	// EnsureTrustedKey appends the given public key to the authorized-keys
	// store unless an equivalent entry already exists. Returns whether an
	// append happened.
	EnsureTrustedKey(key string) (bool, error)
}

const installScriptURL = "https://get.docker.com"

type hostState struct {
	logger             *slog.Logger
	authorizedKeysPath string
}

// New creates a HostState operating on the given authorized-keys path.
func New(authorizedKeysPath string, logger *slog.Logger) HostState {
	return &hostState{
		logger:             logger,
		authorizedKeysPath: authorizedKeysPath,
	}
}

func (h *hostState) IsRuntimeInstalled(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	cmd := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	out, err := cmd.Output()
	if err != nil {
		h.logger.Debug("docker binary present but daemon not responding", "err", err)
		return false
	}
	h.logger.Debug("docker runtime detected", "version", strings.TrimSpace(string(out)))
	return true
}

func (h *hostState) InstallRuntime(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return domain.ErrUnsupportedEnvironment{OS: runtime.GOOS}
	}

	h.logger.Info("installing container runtime", "script", installScriptURL)
	cmd := exec.CommandContext(ctx, "sh", "-c",
		fmt.Sprintf("curl -fsSL %s | sh", installScriptURL))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("runtime install script: %w: %s", err, strings.TrimSpace(string(out)))
	}

	// Enable on boot where systemd is present. Non-fatal: the daemon is
	// already running after the install script.
	if _, err := exec.LookPath("systemctl"); err == nil {
		enable := exec.CommandContext(ctx, "systemctl", "enable", "--now", "docker")
		if out, err := enable.CombinedOutput(); err != nil {
			h.logger.Warn("systemctl enable docker failed", "err", err, "output", strings.TrimSpace(string(out)))
		}
	}

	return nil
}

func (h *hostState) EnsureTrustedKey(key string) (bool, error) {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
	if err != nil {
		return false, domain.ErrTrustSetup{Path: h.authorizedKeysPath, Err: fmt.Errorf("parse key: %w", err)}
	}

	existing, err := os.ReadFile(h.authorizedKeysPath)
	if err != nil && !os.IsNotExist(err) {
		return false, domain.ErrTrustSetup{Path: h.authorizedKeysPath, Err: err}
	}

	if keyPresent(existing, parsed) {
		h.logger.Debug("bastion key already trusted", "path", h.authorizedKeysPath)
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(h.authorizedKeysPath), 0o700); err != nil {
		return false, domain.ErrTrustSetup{Path: h.authorizedKeysPath, Err: err}
	}

	entry := strings.TrimSpace(key) + "\n"
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		entry = "\n" + entry
	}

	f, err := os.OpenFile(h.authorizedKeysPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return false, domain.ErrTrustSetup{Path: h.authorizedKeysPath, Err: err}
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		return false, domain.ErrTrustSetup{Path: h.authorizedKeysPath, Err: err}
	}

	h.logger.Info("bastion key trusted", "path", h.authorizedKeysPath, "type", parsed.Type())
	return true, nil
}

// keyPresent compares wire-format key material line by line, so formatting
// and comment differences do not cause duplicate entries.
func keyPresent(authorizedKeys []byte, key ssh.PublicKey) bool {
	rest := authorizedKeys
	for len(rest) > 0 {
		var line []byte
		if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
			line, rest = rest[:idx], rest[idx+1:]
		} else {
			line, rest = rest, nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		existing, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			continue
		}
		if bytes.Equal(existing.Marshal(), key.Marshal()) {
			return true
		}
	}
	return false
}
