package monitor

import (
	"testing"

	"github.com/loykin/repowatch/internal/probe"
)

func TestDecidePrecedence(t *testing.T) {
	tests := []struct {
		name  string
		facts Facts
		want  Decision
	}{
		{"unreachable without auto-restart", Facts{Exists: true, Probe: probe.Unreachable}, Decision{State: Stopped}},
		{"unreachable with auto-restart", Facts{Exists: true, Probe: probe.Unreachable, AutoRestart: true}, Decision{State: Transitioning, Effect: EffectAutoStart}},
		{"reachable clean log", Facts{Exists: true, Probe: probe.Reachable}, Decision{State: Running}},
		{"reachable error log", Facts{Exists: true, Probe: probe.Reachable, ErrorLogNonEmpty: true}, Decision{State: Troubled}},
		{"unreachable error log", Facts{Exists: true, Probe: probe.Unreachable, ErrorLogNonEmpty: true}, Decision{State: Stopped}},
		{"pending handle beats probe", Facts{Exists: true, Handle: HandlePending, Probe: probe.Unreachable, AutoRestart: true}, Decision{State: Transitioning}},
		{"pending handle reachable", Facts{Exists: true, Handle: HandlePending, Probe: probe.Reachable, ErrorLogNonEmpty: true}, Decision{State: Transitioning}},
		{"succeeded handle", Facts{Exists: true, Handle: HandleSucceeded, Probe: probe.Reachable}, Decision{Effect: EffectConsume}},
		{"failed handle", Facts{Exists: true, Handle: HandleFailed, Probe: probe.Reachable}, Decision{State: Troubled, Effect: EffectFail}},
		{"credential does not matter", Facts{Exists: true, Probe: probe.Reachable, CredentialPresent: true}, Decision{State: Running}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.facts); got != tt.want {
				t.Fatalf("Decide(%+v) = %+v, want %+v", tt.facts, got, tt.want)
			}
		})
	}
}

func TestDecideMissingDominates(t *testing.T) {
	handles := []HandleStatus{NoHandle, HandlePending, HandleSucceeded, HandleFailed}
	results := []probe.Result{probe.Reachable, probe.Unreachable}
	for _, h := range handles {
		for _, r := range results {
			for _, flag := range []bool{false, true} {
				f := Facts{Exists: false, Handle: h, Probe: r, AutoRestart: flag, ErrorLogNonEmpty: flag, CredentialPresent: flag}
				d := Decide(f)
				if d.State != Missing {
					t.Fatalf("Decide(%+v).State = %v, want missing", f, d.State)
				}
				wantEffect := EffectNone
				if h != NoHandle {
					wantEffect = EffectAbandon
				}
				if d.Effect != wantEffect {
					t.Fatalf("Decide(%+v).Effect = %v, want %v", f, d.Effect, wantEffect)
				}
			}
		}
	}
}

func TestStateAndActionStrings(t *testing.T) {
	want := map[State]string{
		Unknown: "unknown", Running: "running", Troubled: "troubled",
		Stopped: "stopped", Transitioning: "transitioning", Missing: "missing",
	}
	for s, w := range want {
		if s.String() != w {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), w)
		}
	}
	labels := map[Action]string{
		ActionNone:            "",
		ActionStart:           "Starting...",
		ActionAutoStart:       "Starting...",
		ActionStop:            "Stopping...",
		ActionRestart:         "Restarting...",
		ActionClearCredential: "Removing password...",
	}
	for a, w := range labels {
		if a.Label() != w {
			t.Fatalf("%s.Label() = %q, want %q", a, a.Label(), w)
		}
	}
}
