// Package report implements best-effort progress reporting to the control
// plane and the single escalation funnel for fatal provisioning failures.
package report

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridmesh/provisiond/internal/domain"
)

// Sink transports a single step report. Implemented by backend.Client.
type Sink interface {
	ReportStep(ctx context.Context, report domain.StepReport) error
}

// Reporter delivers step status updates on a strictly best-effort basis:
// delivery failures are logged and swallowed, never surfaced to the caller.
// The node's actual state matters more than whether the control plane heard
// about it.
type Reporter struct {
	sink       Sink
	resourceID string
	backendURL string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewReporter creates a Reporter. When resourceID or backendURL is empty the
// reporter is a silent no-op, which keeps local and offline runs quiet.
func NewReporter(sink Sink, resourceID, backendURL string, logger *slog.Logger) *Reporter {
	return &Reporter{
		sink:       sink,
		resourceID: resourceID,
		backendURL: backendURL,
		timeout:    20 * time.Second,
		logger:     logger,
	}
}

// Notify reports one step transition. It never fails and never blocks past
// its own bounded timeout.
func (r *Reporter) Notify(ctx context.Context, step string, status domain.StepStatus, message string) {
	if r.resourceID == "" || r.backendURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := r.sink.ReportStep(ctx, domain.StepReport{
		Step:      step,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logger.Warn("progress report not delivered",
			"step", step,
			"status", status,
			"err", err,
		)
		return
	}

	r.logger.Debug("progress reported", "step", step, "status", status)
}
