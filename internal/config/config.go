package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gridmesh/provisiond/internal/domain"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all provisioner configuration loaded from environment variables.
type Config struct {
	// ResourceID identifies this node to the control plane. Required;
	// provisioning aborts before any network call if it is absent.
	ResourceID string

	// Token is the bearer credential for authenticated control-plane calls.
	// It is never written to logs.
	Token string

	// BackendURL is the base URL of the control-plane API.
	BackendURL string

	// BastionAddress is the SSH endpoint of the bastion host (host:port).
	BastionAddress string

	// BastionUser is the SSH user for the reverse-tunnel session.
	BastionUser string

	// BastionPublicKey is the bastion's public key in authorized_keys format.
	// It is appended to the local trust store before the tunnel opens and
	// pins the bastion's host identity during the SSH handshake.
	BastionPublicKey string

	// BastionPort is the remote port exposed on the bastion; traffic arriving
	// there is forwarded back to LocalAgentPort on this host.
	BastionPort int

	// LocalAgentPort is the port the node agent listens on locally.
	LocalAgentPort int

	// TunnelMaxRetries bounds reconnect attempts per outage. 0 retries forever.
	TunnelMaxRetries int

	// AgentBinaryPath is where the node agent binary is expected.
	AgentBinaryPath string

	// AgentReleaseURL is the download location used when the binary is absent.
	AgentReleaseURL string

	// AgentGracePeriod is how long to wait after launch before the liveness probe.
	AgentGracePeriod time.Duration

	// WaitForAgent keeps the provisioner alive, tracking the agent's lifetime,
	// after the run reaches the serving state.
	WaitForAgent bool

	// StatusPort is the loopback port for the read-only status API. 0 disables it.
	StatusPort int

	// AuthorizedKeysPath is the local trust store the bastion key is appended to.
	AuthorizedKeysPath string

	// DataDir is the root directory for persistent provisioner data.
	DataDir string

	// LogDir is the directory for log files.
	LogDir string

	// Debug enables verbose logging.
	Debug bool
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BackendURL:         "http://127.0.0.1:8000",
		BastionUser:        "tunnel",
		BastionPort:        10022,
		LocalAgentPort:     8844,
		TunnelMaxRetries:   5,
		AgentBinaryPath:    "/usr/local/bin/gridmesh-agent",
		AgentReleaseURL:    "https://releases.gridmesh.io/agent/latest/gridmesh-agent-linux-amd64",
		AgentGracePeriod:   5 * time.Second,
		WaitForAgent:       true,
		StatusPort:         7071,
		AuthorizedKeysPath: defaultAuthorizedKeys(),
		DataDir:            "/var/lib/provisiond",
		LogDir:             "/var/log/provisiond",
	}
}

// Load reads configuration from environment variables, applying defaults for
// anything not explicitly set. Returns an error if required values are
// missing or malformed.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.ResourceID = os.Getenv("PROVISIONER_RESOURCE_ID")
	if cfg.ResourceID == "" {
		return nil, domain.ErrValidation{Field: "PROVISIONER_RESOURCE_ID"}
	}

	cfg.Token = os.Getenv("PROVISIONER_TOKEN")

	if v := os.Getenv("PROVISIONER_BACKEND_URL"); v != "" {
		cfg.BackendURL = v
	}

	cfg.BastionAddress = os.Getenv("PROVISIONER_BASTION_ADDR")
	cfg.BastionPublicKey = os.Getenv("PROVISIONER_BASTION_PUBKEY")

	if v := os.Getenv("PROVISIONER_BASTION_USER"); v != "" {
		cfg.BastionUser = v
	}

	if v := os.Getenv("PROVISIONER_BASTION_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PROVISIONER_BASTION_PORT: %w", err)
		}
		cfg.BastionPort = port
	}

	if v := os.Getenv("PROVISIONER_AGENT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PROVISIONER_AGENT_PORT: %w", err)
		}
		cfg.LocalAgentPort = port
	}

	if v := os.Getenv("PROVISIONER_TUNNEL_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("PROVISIONER_TUNNEL_MAX_RETRIES: %q is not a non-negative integer", v)
		}
		cfg.TunnelMaxRetries = n
	}

	if v := os.Getenv("PROVISIONER_AGENT_BINARY"); v != "" {
		cfg.AgentBinaryPath = v
	}

	if v := os.Getenv("PROVISIONER_AGENT_RELEASE_URL"); v != "" {
		cfg.AgentReleaseURL = v
	}

	if v := os.Getenv("PROVISIONER_AGENT_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("PROVISIONER_AGENT_GRACE: %w", err)
		}
		cfg.AgentGracePeriod = d
	}

	if v := os.Getenv("PROVISIONER_WAIT_FOR_AGENT"); v != "" {
		cfg.WaitForAgent = v == "true"
	}

	if v := os.Getenv("PROVISIONER_STATUS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PROVISIONER_STATUS_PORT: %w", err)
		}
		cfg.StatusPort = port
	}

	if v := os.Getenv("PROVISIONER_AUTHORIZED_KEYS"); v != "" {
		cfg.AuthorizedKeysPath = v
	}

	if v := os.Getenv("PROVISIONER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("PROVISIONER_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	cfg.Debug = os.Getenv("PROVISIONER_DEBUG") == "true"

	return cfg, nil
}

// NewLogger creates a structured logger that writes JSON lines to a file in
// the log directory and mirrors them to stderr.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(io.MultiWriter(file, os.Stderr), &slog.HandlerOptions{Level: level})
	return slog.New(handler), nil
}

func defaultAuthorizedKeys() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "/root/.ssh/authorized_keys"
	}
	return filepath.Join(home, ".ssh", "authorized_keys")
}
