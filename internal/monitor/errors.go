package monitor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrActionInProgress rejects a command while another lifecycle program
	// is still running for the same instance.
	ErrActionInProgress = errors.New("a lifecycle action is already in progress")
	// ErrInstanceMissing rejects a command for an instance whose directory
	// no longer exists.
	ErrInstanceMissing = errors.New("instance directory is missing")
)

// SpawnError reports that the lifecycle program could not be launched.
// The supervisor's state is unchanged when it is returned.
type SpawnError struct {
	Action   Action
	Instance string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.Instance, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError describes a lifecycle program that exited non-zero. It is kept
// as the supervisor's last failure for display, never returned.
type ExitError struct {
	Action   Action    `json:"action"`
	Command  string    `json:"command"`
	ExitCode int       `json:"exit_code"`
	Stdout   string    `json:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty"`
	Reason   string    `json:"reason,omitempty"` // set when killed by a signal
	At       time.Time `json:"at"`
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("Subprocess \"%s\" returned odd exit status %d (should be 0).", e.Command, e.ExitCode)
}
