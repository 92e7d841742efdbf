package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmesh/provisiond/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnsureIdentityIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureIdentity(dir)
	require.NoError(t, err)

	pub1, err := ReadPublicKey(first.PublicKeyPath)
	require.NoError(t, err)
	require.Contains(t, pub1, "ssh-ed25519")

	// Second call must reuse the existing pair, not regenerate.
	second, err := EnsureIdentity(dir)
	require.NoError(t, err)
	pub2, err := ReadPublicKey(second.PublicKeyPath)
	require.NoError(t, err)
	assert.Equal(t, pub1, pub2)
}

func TestBackoffDelaySchedule(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(1))
	assert.Equal(t, 2*time.Second, backoffDelay(2))
	assert.Equal(t, 4*time.Second, backoffDelay(3))
	assert.Equal(t, 16*time.Second, backoffDelay(5))
	assert.Equal(t, 30*time.Second, backoffDelay(10))
	assert.Equal(t, 30*time.Second, backoffDelay(40))
}

func TestOpenExhaustsRetryBudgetOnUnreachableBastion(t *testing.T) {
	keys, err := EnsureIdentity(t.TempDir())
	require.NoError(t, err)

	// Grab a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := NewSupervisor(Settings{
		BastionAddress: addr,
		BastionUser:    "tunnel",
		RemotePort:     10022,
		LocalPort:      8844,
		PrivateKeyPath: keys.PrivateKeyPath,
		DialTimeout:    500 * time.Millisecond,
		MaxRetries:     2,
	}, discardLogger())

	err = s.Open(context.Background())
	require.Error(t, err)

	var terr domain.ErrTunnel
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "connect", terr.Op)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestOpenStopsOnCancelledContext(t *testing.T) {
	keys, err := EnsureIdentity(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSupervisor(Settings{
		BastionAddress: "192.0.2.1:22", // TEST-NET, never reachable
		BastionUser:    "tunnel",
		RemotePort:     10022,
		LocalPort:      8844,
		PrivateKeyPath: keys.PrivateKeyPath,
		DialTimeout:    200 * time.Millisecond,
		MaxRetries:     0, // unbounded: only the context stops the loop
	}, discardLogger())

	err = s.Open(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConnectFailsWithoutPrivateKey(t *testing.T) {
	s := NewSupervisor(Settings{
		BastionAddress: "127.0.0.1:22",
		PrivateKeyPath: "/nonexistent/key",
		MaxRetries:     1,
	}, discardLogger())

	err := s.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private key")
}
