package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/provisiond/internal/domain"
)

type recordingSink struct {
	calls   atomic.Int64
	lastErr error
	reports []domain.StepReport
}

func (s *recordingSink) ReportStep(_ context.Context, report domain.StepReport) error {
	s.calls.Add(1)
	s.reports = append(s.reports, report)
	return s.lastErr
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyDeliversReport(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, "r1", "http://backend", discardLogger())

	r.Notify(context.Background(), domain.StepSpecCheck, domain.StepInProgress, "")

	require.Len(t, sink.reports, 1)
	got := sink.reports[0]
	assert.Equal(t, domain.StepSpecCheck, got.Step)
	assert.Equal(t, domain.StepInProgress, got.Status)
	assert.NotEmpty(t, got.Timestamp)
}

func TestNotifySwallowsDeliveryFailure(t *testing.T) {
	sink := &recordingSink{lastErr: errors.New("connection refused")}
	r := NewReporter(sink, "r1", "http://backend", discardLogger())

	// Must not panic and must not surface anything to the caller.
	r.Notify(context.Background(), domain.StepMarkReady, domain.StepFailed, "backend said no")
	assert.Equal(t, int64(1), sink.calls.Load())
}

func TestNotifyIsNoopWithoutResourceID(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, "", "http://backend", discardLogger())

	r.Notify(context.Background(), domain.StepSpecCheck, domain.StepCompleted, "done")
	assert.Equal(t, int64(0), sink.calls.Load())
}

func TestNotifyIsNoopWithoutBackendURL(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, "r1", "", discardLogger())

	r.Notify(context.Background(), domain.StepSpecCheck, domain.StepCompleted, "done")
	assert.Equal(t, int64(0), sink.calls.Load())
}

func TestEscalateReportsExactlyOneFailure(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(sink, "r1", "http://backend", discardLogger())
	e := NewEscalator(r, discardLogger())

	cause := domain.ErrRemoteRejection{Endpoint: "mark-ready", Status: 409, Body: "nope"}
	err := e.Escalate(context.Background(), domain.StepMarkReady, "readiness rejected", cause)
	require.Error(t, err)

	require.Len(t, sink.reports, 1)
	assert.Equal(t, domain.StepMarkReady, sink.reports[0].Step)
	assert.Equal(t, domain.StepFailed, sink.reports[0].Status)

	var rej domain.ErrRemoteRejection
	assert.True(t, errors.As(err, &rej))
}

func TestEscalateSurvivesReporterFailure(t *testing.T) {
	sink := &recordingSink{lastErr: errors.New("backend down")}
	r := NewReporter(sink, "r1", "http://backend", discardLogger())
	e := NewEscalator(r, discardLogger())

	err := e.Escalate(context.Background(), domain.StepTunnelOpen, "bastion unreachable", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tunnel_open")
}
