// Package agentproc supervises the node agent binary: fetching it, launching
// it detached, and probing its liveness.
package agentproc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Process manages the node agent's lifecycle. The agent outlives the
// provisioner; teardown belongs to the operator, not this supervisor.
type Process struct {
	logger     *slog.Logger
	binaryPath string
	releaseURL string
	logPath    string

	http *http.Client

	mu      sync.Mutex
	pid     int
	adopted bool
	exited  chan struct{}
	waitErr error
}

// New creates an agent process supervisor.
func New(binaryPath, releaseURL, logPath string, logger *slog.Logger) *Process {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = nil

	return &Process{
		logger:     logger,
		binaryPath: binaryPath,
		releaseURL: releaseURL,
		logPath:    logPath,
		http:       retryClient.StandardClient(),
	}
}

// EnsureBinary downloads the agent binary from the release location unless it
// is already present. Returns a human-readable completion message.
func (p *Process) EnsureBinary(ctx context.Context) (string, error) {
	if info, err := os.Stat(p.binaryPath); err == nil && !info.IsDir() {
		return "agent binary already present", nil
	}

	p.logger.Info("downloading agent binary", "url", p.releaseURL, "dest", p.binaryPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.releaseURL, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download agent binary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download agent binary: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(p.binaryPath), 0o755); err != nil {
		return "", fmt.Errorf("create binary dir: %w", err)
	}

	// Write to a temp file in the same directory and rename, so a partial
	// download never passes a later presence check.
	tmp, err := os.CreateTemp(filepath.Dir(p.binaryPath), ".agent-download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.ReadFrom(resp.Body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write agent binary: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod agent binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close agent binary: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.binaryPath); err != nil {
		return "", fmt.Errorf("install agent binary: %w", err)
	}

	return "agent binary downloaded", nil
}

// Start launches the agent as a detached background process with its output
// redirected to the log file. The pid is recorded on success and a monitor
// goroutine reaps the child when it exits.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.logPath), 0o755); err != nil {
		return fmt.Errorf("create agent log dir: %w", err)
	}
	logFile, err := os.OpenFile(p.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open agent log %s: %w", p.logPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(p.binaryPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New session: the agent survives the provisioner's exit.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	p.pid = cmd.Process.Pid
	p.adopted = false
	p.exited = make(chan struct{})

	// Reap the child on exit so liveness probes don't see a zombie.
	go func(exited chan struct{}) {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(exited)
	}(p.exited)

	p.logger.Info("agent started", "pid", p.pid, "log", p.logPath)
	return nil
}

// Adopt takes over an already-running agent from a previous run if the pid
// is still alive. Returns whether adoption succeeded.
func (p *Process) Adopt(pid int) bool {
	if pid <= 0 || !pidAlive(pid) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pid = pid
	p.adopted = true
	p.exited = nil

	p.logger.Info("adopted running agent", "pid", pid)
	return true
}

// Alive reports whether the agent process currently exists.
func (p *Process) Alive() bool {
	p.mu.Lock()
	pid := p.pid
	exited := p.exited
	p.mu.Unlock()

	if pid <= 0 {
		return false
	}
	if exited != nil {
		select {
		case <-exited:
			return false
		default:
			return true
		}
	}
	return pidAlive(pid)
}

// PID returns the recorded agent pid, 0 if none.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Wait blocks until the agent exits or ctx is cancelled, so the caller's
// lifetime can track the agent's. For an adopted agent there is no child
// handle and liveness is polled instead.
func (p *Process) Wait(ctx context.Context) error {
	p.mu.Lock()
	pid := p.pid
	exited := p.exited
	p.mu.Unlock()

	if exited != nil {
		select {
		case <-exited:
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.waitErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if pid <= 0 {
		return fmt.Errorf("no agent process to wait for")
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !pidAlive(pid) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pidAlive probes process existence with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
