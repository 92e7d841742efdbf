package domain

import "time"

// StepStatus is the reported lifecycle state of an installation step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Installation step names, in execution order. The names are stable keys:
// the control plane correlates status updates by them.
const (
	StepSpecCheck    = "spec_check"
	StepDockerCheck  = "docker_check"
	StepMarkReady    = "mark_ready"
	StepTunnelOpen   = "tunnel_open"
	StepAgentInstall = "agent_install"
	StepAgentStart   = "agent_start"
)

// InstallationStep tracks the state of one provisioning step within a run.
// A fresh run starts every step at pending; no history is kept across runs.
type InstallationStep struct {
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// StepReport is the JSON body of an installation status update sent to the
// control plane.
type StepReport struct {
	Step      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message"`
	Timestamp string     `json:"timestamp"`
}
