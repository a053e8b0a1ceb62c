package client

import (
	"fmt"
	"time"
)

// Instance mirrors the server's snapshot of one supervised repository.
type Instance struct {
	Location          string    `json:"location"`
	Name              string    `json:"name,omitempty"`
	MainURL           string    `json:"main_url"`
	HealthURL         string    `json:"health_url"`
	State             string    `json:"state"`
	PendingAction     string    `json:"pending_action,omitempty"`
	PID               int       `json:"pid,omitempty"`
	AutoRestart       bool      `json:"auto_restart"`
	CredentialPresent bool      `json:"credential_present"`
	DocumentCount     int       `json:"document_count"`
	HasPending        bool      `json:"has_pending"`
	HasDeleted        bool      `json:"has_deleted"`
	StaleLogs         int       `json:"stale_logs"`
	ServerPID         int       `json:"server_pid,omitempty"`
	ServerAlive       bool      `json:"server_alive"`
	LastProbe         string    `json:"last_probe,omitempty"`
	LastFailure       *Failure  `json:"last_failure,omitempty"`
	ReconciledAt      time.Time `json:"reconciled_at"`
}

// Failure is the last non-zero exit of the lifecycle program.
type Failure struct {
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	ExitCode int       `json:"exit_code"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Message renders the failure the way the daemon logs it.
func (f *Failure) Message() string {
	return fmt.Sprintf("Subprocess \"%s\" returned odd exit status %d (should be 0).", f.Command, f.ExitCode)
}

// CommandResult is returned when a lifecycle command was accepted.
type CommandResult struct {
	OK            bool   `json:"ok"`
	State         string `json:"state"`
	PendingAction string `json:"pending_action,omitempty"`
}

// Event is one recorded history entry.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Instance   string    `json:"instance"`
	Name       string    `json:"name,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Action     string    `json:"action,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
