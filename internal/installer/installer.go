// Package installer drives the provisioning sequence: a fixed, ordered list
// of idempotent steps, each wrapped with best-effort status reporting, with
// every fatal condition routed through the escalation funnel.
package installer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridmesh/provisiond/internal/config"
	"github.com/gridmesh/provisiond/internal/domain"
	"github.com/gridmesh/provisiond/internal/hoststate"
)

// Notifier delivers step status updates. Implemented by report.Reporter.
type Notifier interface {
	Notify(ctx context.Context, step string, status domain.StepStatus, message string)
}

// FailureHandler converts a step failure into the run's terminal error.
// Implemented by report.Escalator.
type FailureHandler interface {
	Escalate(ctx context.Context, step, message string, cause error) error
}

// ControlPlane is the subset of the backend client the steps depend on.
type ControlPlane interface {
	UploadSpecs(ctx context.Context, inv domain.HostInventory) error
	MarkReady(ctx context.Context) error
}

// InventorySource collects the static host description.
type InventorySource interface {
	Collect() domain.HostInventory
}

// TunnelOpener establishes the supervised reverse tunnel.
type TunnelOpener interface {
	Open(ctx context.Context) error
}

// AgentSupervisor manages the node agent process.
type AgentSupervisor interface {
	EnsureBinary(ctx context.Context) (string, error)
	Start() error
	Adopt(pid int) bool
	Alive() bool
	PID() int
	Wait(ctx context.Context) error
}

// StateStore is the subset of storage.Store the steps depend on.
type StateStore interface {
	AgentPID() (int, error)
	SaveAgentPID(pid int) error
	KeyDir() string
}

// Deps wires the installer's collaborators.
type Deps struct {
	Config    *config.Config
	Logger    *slog.Logger
	Reporter  Notifier
	Failures  FailureHandler
	Plane     ControlPlane
	Host      hoststate.HostState
	Inventory InventorySource
	Tunnel    TunnelOpener
	Agent     AgentSupervisor
	Store     StateStore
}

// Installer executes the provisioning steps strictly in order on a single
// control goroutine. It owns the step records; nothing else mutates them.
type Installer struct {
	cfg    *config.Config
	logger *slog.Logger

	reporter  Notifier
	failures  FailureHandler
	plane     ControlPlane
	host      hoststate.HostState
	inventory InventorySource
	tunnel    TunnelOpener
	agent     AgentSupervisor
	store     StateStore

	mu    sync.RWMutex
	steps []*domain.InstallationStep
}

type step struct {
	name string
	run  func(ctx context.Context) (string, error)
}

// New creates an installer with every step at pending.
func New(d Deps) *Installer {
	inst := &Installer{
		cfg:       d.Config,
		logger:    d.Logger,
		reporter:  d.Reporter,
		failures:  d.Failures,
		plane:     d.Plane,
		host:      d.Host,
		inventory: d.Inventory,
		tunnel:    d.Tunnel,
		agent:     d.Agent,
		store:     d.Store,
	}
	for _, s := range inst.stepList() {
		inst.steps = append(inst.steps, &domain.InstallationStep{
			Name:      s.name,
			Status:    domain.StepPending,
			Timestamp: time.Now().UTC(),
		})
	}
	return inst
}

func (i *Installer) stepList() []step {
	return []step{
		{domain.StepSpecCheck, i.runSpecCheck},
		{domain.StepDockerCheck, i.runDockerCheck},
		{domain.StepMarkReady, i.runMarkReady},
		{domain.StepTunnelOpen, i.runTunnelOpen},
		{domain.StepAgentInstall, i.runAgentInstall},
		{domain.StepAgentStart, i.runAgentStart},
	}
}

// Run executes the steps in order. A step failure halts the run; no
// subsequent step executes. Step side effects for step N are complete (or
// already satisfied) before step N+1 begins.
func (i *Installer) Run(ctx context.Context) error {
	for _, s := range i.stepList() {
		if err := ctx.Err(); err != nil {
			return i.failures.Escalate(ctx, s.name, "provisioning cancelled", err)
		}

		i.transition(s.name, domain.StepInProgress, "")
		i.reporter.Notify(ctx, s.name, domain.StepInProgress, "")

		message, err := s.run(ctx)
		if err != nil {
			i.transition(s.name, domain.StepFailed, err.Error())
			return i.failures.Escalate(ctx, s.name, err.Error(), err)
		}

		i.transition(s.name, domain.StepCompleted, message)
		i.reporter.Notify(ctx, s.name, domain.StepCompleted, message)
		i.logger.Info("step completed", "step", s.name, "message", message)
	}

	i.logger.Info("provisioning complete, node is serving")
	return nil
}

// Wait blocks until the agent process exits, tracking its lifetime.
func (i *Installer) Wait(ctx context.Context) error {
	return i.agent.Wait(ctx)
}

// Snapshot returns a copy of the current step states.
func (i *Installer) Snapshot() []domain.InstallationStep {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]domain.InstallationStep, len(i.steps))
	for idx, s := range i.steps {
		out[idx] = *s
	}
	return out
}

func (i *Installer) transition(name string, status domain.StepStatus, message string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, s := range i.steps {
		if s.Name == name {
			s.Status = status
			s.Message = message
			s.Timestamp = time.Now().UTC()
			return
		}
	}
}
