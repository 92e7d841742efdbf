package tunnel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gridmesh/provisiond/internal/domain"
)

// State is the connection state of the reverse tunnel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Settings configures the reverse-forward session to the bastion.
type Settings struct {
	// BastionAddress is the bastion's SSH endpoint (host:port).
	BastionAddress string

	// BastionUser is the SSH user for the session.
	BastionUser string

	// BastionHostKey pins the bastion's host identity (authorized_keys
	// format). Empty disables pinning; the handshake then accepts any host
	// key, which is only acceptable in closed lab networks.
	BastionHostKey string

	// RemotePort is the port opened on the bastion. Traffic arriving there
	// is forwarded back to LocalPort on this host.
	RemotePort int

	// LocalPort is the local port the node agent listens on.
	LocalPort int

	// PrivateKeyPath is the node's SSH identity.
	PrivateKeyPath string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// MaxRetries bounds consecutive failed attempts per outage. 0 retries
	// forever.
	MaxRetries int
}

// Supervisor maintains the reverse port-forward: it establishes the session,
// pipes forwarded connections to the local agent, and reconnects with
// exponential backoff when the session drops.
type Supervisor struct {
	settings Settings
	logger   *slog.Logger

	mu    sync.Mutex
	state State

	wg sync.WaitGroup
}

// NewSupervisor creates a tunnel supervisor. The tunnel is opened with Open.
func NewSupervisor(settings Settings, logger *slog.Logger) *Supervisor {
	if settings.DialTimeout == 0 {
		settings.DialTimeout = 10 * time.Second
	}
	return &Supervisor{
		settings: settings,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// Open establishes the first session, blocking until the bastion accepted
// the reverse forward or the retry budget is spent. On success it keeps
// supervising the session in the background until ctx is cancelled.
func (s *Supervisor) Open(ctx context.Context) error {
	client, ln, err := s.connectWithRetry(ctx)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(ctx, client, ln)
	}()

	return nil
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the supervision loop has fully stopped. Only meaningful
// after the context passed to Open is cancelled.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// --- session machinery ---

// connectWithRetry attempts connections with exponential backoff until one
// succeeds, ctx is cancelled, or the retry budget is spent.
func (s *Supervisor) connectWithRetry(ctx context.Context) (*ssh.Client, net.Listener, error) {
	var attempt int
	for {
		s.setState(StateConnecting)

		client, ln, err := s.connect(ctx)
		if err == nil {
			s.setState(StateConnected)
			s.logger.Info("reverse tunnel established",
				"bastion", s.settings.BastionAddress,
				"remote_port", s.settings.RemotePort,
				"local_port", s.settings.LocalPort,
			)
			return client, ln, nil
		}

		attempt++
		s.setState(StateDisconnected)

		if s.settings.MaxRetries > 0 && attempt >= s.settings.MaxRetries {
			return nil, nil, domain.ErrTunnel{
				Op:  "connect",
				Err: fmt.Errorf("bastion %s unreachable after %d attempts: %w", s.settings.BastionAddress, attempt, err),
			}
		}

		delay := backoffDelay(attempt)
		s.logger.Warn("tunnel connection failed, retrying",
			"attempt", attempt,
			"delay", delay.String(),
			"err", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, domain.ErrTunnel{Op: "connect", Err: ctx.Err()}
		}
	}
}

// connect dials the bastion and binds the reverse-forward listener.
func (s *Supervisor) connect(ctx context.Context) (*ssh.Client, net.Listener, error) {
	keyData, err := os.ReadFile(s.settings.PrivateKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, nil, fmt.Errorf("parse private key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            s.settings.BastionUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: s.hostKeyCallback(),
		Timeout:         s.settings.DialTimeout,
	}

	dialer := net.Dialer{Timeout: s.settings.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.settings.BastionAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("dial bastion: %w", err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, s.settings.BastionAddress, cfg)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	ln, err := client.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.settings.RemotePort))
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("remote listen on %d: %w", s.settings.RemotePort, err)
	}

	return client, ln, nil
}

// supervise serves one session after another, reconnecting on drop, until
// ctx is cancelled. A reconnect outage that exhausts the retry budget ends
// supervision; the agent keeps serving locally and the condition is logged.
func (s *Supervisor) supervise(ctx context.Context, client *ssh.Client, ln net.Listener) {
	for {
		s.serveSession(ctx, client, ln)
		s.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("tunnel session dropped, reconnecting")

		var err error
		client, ln, err = s.connectWithRetry(ctx)
		if err != nil {
			s.logger.Error("tunnel reconnect abandoned", "err", err)
			return
		}
	}
}

// serveSession accepts forwarded connections until the session dies or ctx
// is cancelled.
func (s *Supervisor) serveSession(ctx context.Context, client *ssh.Client, ln net.Listener) {
	defer client.Close()
	defer ln.Close()

	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-sessionDone(client):
		}
	}()

	for {
		remote, err := ln.Accept()
		if err != nil {
			return
		}
		go s.forward(remote)
	}
}

// forward pipes one forwarded connection to the local agent port.
func (s *Supervisor) forward(remote net.Conn) {
	defer remote.Close()

	local, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.settings.LocalPort), s.settings.DialTimeout)
	if err != nil {
		s.logger.Warn("local agent not reachable for forwarded connection", "err", err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go pipe(local, remote, done)
	go pipe(remote, local, done)
	<-done
}

func pipe(dst io.Writer, src io.Reader, done chan<- struct{}) {
	_, _ = io.Copy(dst, src)
	done <- struct{}{}
}

func sessionDone(client *ssh.Client) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		_ = client.Wait()
		close(ch)
	}()
	return ch
}

func (s *Supervisor) hostKeyCallback() ssh.HostKeyCallback {
	if s.settings.BastionHostKey == "" {
		s.logger.Warn("bastion host key not configured, handshake is unpinned")
		return ssh.InsecureIgnoreHostKey()
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s.settings.BastionHostKey))
	if err != nil {
		s.logger.Warn("bastion host key unparseable, handshake is unpinned", "err", err)
		return ssh.InsecureIgnoreHostKey()
	}
	return ssh.FixedHostKey(key)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// backoffDelay returns the delay before the given retry attempt (1-based):
// 1s, 2s, 4s, ... capped at 30s.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return delay
}
