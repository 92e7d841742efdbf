package report

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gridmesh/provisiond/internal/domain"
)

// Escalator converts a local step failure into a terminal condition: it logs
// the failure, issues exactly one failed report for the step, and returns an
// error that the caller propagates up to main, which exits non-zero. Every
// fatal path in the provisioner routes through here; no component terminates
// the process directly.
type Escalator struct {
	reporter *Reporter
	logger   *slog.Logger
}

// NewEscalator creates the escalation funnel on top of the given reporter.
func NewEscalator(reporter *Reporter, logger *slog.Logger) *Escalator {
	return &Escalator{reporter: reporter, logger: logger}
}

// Escalate reports the failure (best-effort) and returns the terminal error
// for the run. The returned error wraps cause so callers can still inspect
// the taxonomy type.
func (e *Escalator) Escalate(ctx context.Context, step, message string, cause error) error {
	e.logger.Error("installation step failed",
		"step", step,
		"message", message,
		"err", cause,
	)

	e.reporter.Notify(ctx, step, domain.StepFailed, message)

	if cause != nil {
		return fmt.Errorf("step %s failed: %s: %w", step, message, cause)
	}
	return fmt.Errorf("step %s failed: %s", step, message)
}
