package monitor

import "github.com/loykin/repowatch/internal/probe"

// State is the supervised lifecycle state of one repository instance.
type State int32

const (
	// Unknown is held only until the first reconciliation.
	Unknown State = iota
	Running
	Troubled
	Stopped
	Transitioning
	Missing
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Troubled:
		return "troubled"
	case Stopped:
		return "stopped"
	case Transitioning:
		return "transitioning"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// HandleStatus summarizes the attached subprocess, if any.
type HandleStatus int

const (
	NoHandle HandleStatus = iota
	HandlePending
	HandleSucceeded
	HandleFailed
)

// Facts are the inputs to one decision step.
type Facts struct {
	Exists            bool
	Handle            HandleStatus
	CredentialPresent bool
	ErrorLogNonEmpty  bool
	Probe             probe.Result
	AutoRestart       bool
}

// Effect is the side effect the caller must apply for a decision.
type Effect int

const (
	EffectNone Effect = iota
	// EffectAbandon detaches a handle whose instance directory vanished.
	EffectAbandon
	// EffectConsume detaches a handle that exited 0, applies the pending
	// action's follow-up and asks for another decision step.
	EffectConsume
	// EffectFail detaches a handle that exited non-zero and keeps its output.
	EffectFail
	// EffectAutoStart launches the lifecycle program with no flag.
	EffectAutoStart
)

// Decision is the outcome of Decide. State is meaningless when Effect is
// EffectConsume, since the caller has to decide again.
type Decision struct {
	State  State
	Effect Effect
}

// Decide computes the next state from f. It has no side effects; the
// returned Effect tells the caller what to do before committing State.
//
// Precedence:
//
//	missing directory > pending handle > finished handle > probe > error log
func Decide(f Facts) Decision {
	switch {
	case !f.Exists:
		if f.Handle != NoHandle {
			return Decision{State: Missing, Effect: EffectAbandon}
		}
		return Decision{State: Missing}
	case f.Handle == HandlePending:
		return Decision{State: Transitioning}
	case f.Handle == HandleSucceeded:
		return Decision{Effect: EffectConsume}
	case f.Handle == HandleFailed:
		return Decision{State: Troubled, Effect: EffectFail}
	case f.Probe == probe.Unreachable:
		if f.AutoRestart {
			return Decision{State: Transitioning, Effect: EffectAutoStart}
		}
		return Decision{State: Stopped}
	case f.ErrorLogNonEmpty:
		return Decision{State: Troubled}
	default:
		return Decision{State: Running}
	}
}
