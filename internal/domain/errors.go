package domain

import "fmt"

// ErrValidation signals a missing or malformed required identity value.
// It is raised pre-flight, before any network activity.
type ErrValidation struct {
	Field string
}

func (e ErrValidation) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Field)
}

// ErrUnsupportedEnvironment signals that the host platform cannot run the
// container runtime installer.
type ErrUnsupportedEnvironment struct {
	OS string
}

func (e ErrUnsupportedEnvironment) Error() string {
	return fmt.Sprintf("unsupported platform %q: container runtime installation requires linux", e.OS)
}

// ErrRemoteRejection signals that a gating control-plane call returned an
// unexpected status code. The response body is kept for the failure report.
type ErrRemoteRejection struct {
	Endpoint string
	Status   int
	Body     string
}

func (e ErrRemoteRejection) Error() string {
	return fmt.Sprintf("%s rejected with status %d: %s", e.Endpoint, e.Status, e.Body)
}

// ErrProcessLaunch signals that the agent process is not alive after the
// post-launch grace period.
type ErrProcessLaunch struct {
	Path string
	Err  error
}

func (e ErrProcessLaunch) Error() string {
	return fmt.Sprintf("agent process %s: %v", e.Path, e.Err)
}

func (e ErrProcessLaunch) Unwrap() error {
	return e.Err
}

// ErrTrustSetup signals a failure to persist the bastion public key into the
// local trust store. The tunnel cannot proceed without it.
type ErrTrustSetup struct {
	Path string
	Err  error
}

func (e ErrTrustSetup) Error() string {
	return fmt.Sprintf("trust store %s: %v", e.Path, e.Err)
}

func (e ErrTrustSetup) Unwrap() error {
	return e.Err
}

// ErrTunnel signals a failure of the reverse-tunnel session machinery.
type ErrTunnel struct {
	Op  string
	Err error
}

func (e ErrTunnel) Error() string {
	return fmt.Sprintf("tunnel %s: %v", e.Op, e.Err)
}

func (e ErrTunnel) Unwrap() error {
	return e.Err
}
