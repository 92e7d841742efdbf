package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/provisiond/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReportStepSendsAuthenticatedJSON(t *testing.T) {
	var gotPath, gotAuth string
	var gotReport domain.StepReport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReport))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "r1", "tok-secret", discardLogger())
	err := c.ReportStep(context.Background(), domain.StepReport{
		Step:      domain.StepSpecCheck,
		Status:    domain.StepCompleted,
		Message:   "ok",
		Timestamp: "2026-01-02T15:04:05Z",
	})
	require.NoError(t, err)

	assert.Equal(t, "/resources/r1/installation", gotPath)
	assert.Equal(t, "Bearer tok-secret", gotAuth)
	assert.Equal(t, domain.StepSpecCheck, gotReport.Step)
	assert.Equal(t, domain.StepCompleted, gotReport.Status)
}

func TestReportStepReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "r1", "", discardLogger())
	err := c.ReportStep(context.Background(), domain.StepReport{Step: domain.StepSpecCheck})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestMarkReadyAcceptsOnlyHTTP200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources/mark-ready/r1", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "r1", "tok", discardLogger())
	require.NoError(t, c.MarkReady(context.Background()))
}

func TestMarkReadyRejectionCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("resource not verified"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "r1", "tok", discardLogger())
	err := c.MarkReady(context.Background())
	require.Error(t, err)

	var rej domain.ErrRemoteRejection
	require.True(t, errors.As(err, &rej))
	assert.Equal(t, http.StatusConflict, rej.Status)
	assert.Equal(t, "resource not verified", rej.Body)
}

func TestMarkReadyTransportError(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "r1", "tok", discardLogger())
	err := c.MarkReady(context.Background())
	require.Error(t, err)
}

func TestUploadSpecs(t *testing.T) {
	var gotInv domain.HostInventory
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources/verified-specs", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotInv))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "r1", "tok", discardLogger())
	err := c.UploadSpecs(context.Background(), domain.HostInventory{
		CPUName:  "AMD EPYC 7543",
		CPUCores: 32,
		RAM:      "256 GB",
		OS:       "Ubuntu 24.04 LTS",
	})
	require.NoError(t, err)
	assert.Equal(t, "AMD EPYC 7543", gotInv.CPUName)
	assert.Equal(t, 32, gotInv.CPUCores)
}
