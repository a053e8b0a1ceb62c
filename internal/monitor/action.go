package monitor

import "github.com/loykin/repowatch/internal/subproc"

// Action records why a lifecycle program is running.
type Action int

const (
	ActionNone Action = iota
	ActionStart
	ActionStop
	ActionRestart
	ActionClearCredential
	// ActionAutoStart is launched by reconciliation when auto-restart is on.
	ActionAutoStart
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionRestart:
		return "restart"
	case ActionClearCredential:
		return "clear-credential"
	case ActionAutoStart:
		return "auto-start"
	default:
		return "none"
	}
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// Label is the progress text shown while the action runs.
func (a Action) Label() string {
	switch a {
	case ActionStart, ActionAutoStart:
		return "Starting..."
	case ActionStop:
		return "Stopping..."
	case ActionRestart:
		return "Restarting..."
	case ActionClearCredential:
		return "Removing password..."
	default:
		return ""
	}
}

// lifecycle maps the action to the program flag it runs with.
func (a Action) lifecycle() subproc.Action {
	switch a {
	case ActionStart:
		return subproc.Start
	case ActionStop, ActionClearCredential:
		return subproc.Stop
	case ActionRestart:
		return subproc.Restart
	default:
		return subproc.Ensure
	}
}
