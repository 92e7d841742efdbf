package agentproc

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestEnsureBinarySkipsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "exit 0")

	p := New(path, "http://unreachable.invalid/agent", filepath.Join(dir, "agent.log"), discardLogger())
	msg, err := p.EnsureBinary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent binary already present", msg)
}

func TestEnsureBinaryDownloadsAndMarksExecutable(t *testing.T) {
	payload := "#!/bin/sh\nexit 0\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "bin", "agent")
	p := New(dest, srv.URL, filepath.Join(dir, "agent.log"), discardLogger())

	msg, err := p.EnsureBinary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "agent binary downloaded", msg)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestEnsureBinaryRejectsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	p := New(filepath.Join(dir, "agent"), srv.URL, filepath.Join(dir, "agent.log"), discardLogger())
	_, err := p.EnsureBinary(context.Background())
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "agent"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStartAliveWait(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "sleep 0.3")

	p := New(path, "", filepath.Join(dir, "agent.log"), discardLogger())
	require.NoError(t, p.Start())
	assert.Greater(t, p.PID(), 0)
	assert.True(t, p.Alive())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	assert.False(t, p.Alive())
}

func TestAliveDetectsImmediateExit(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "exit 1")

	p := New(path, "", filepath.Join(dir, "agent.log"), discardLogger())
	require.NoError(t, p.Start())

	// The liveness probe after the grace period must see the dead process.
	require.Eventually(t, func() bool { return !p.Alive() }, 3*time.Second, 50*time.Millisecond)
}

func TestAdoptRejectsDeadPID(t *testing.T) {
	dir := t.TempDir()
	p := New(filepath.Join(dir, "agent"), "", filepath.Join(dir, "agent.log"), discardLogger())

	assert.False(t, p.Adopt(0))
	// A pid that certainly does not exist.
	assert.False(t, p.Adopt(1<<22-1))
}

func TestAdoptTakesOverLivePID(t *testing.T) {
	dir := t.TempDir()
	p := New(filepath.Join(dir, "agent"), "", filepath.Join(dir, "agent.log"), discardLogger())

	require.True(t, p.Adopt(os.Getpid()))
	assert.True(t, p.Alive())
	assert.Equal(t, os.Getpid(), p.PID())
}
