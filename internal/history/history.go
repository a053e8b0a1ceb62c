package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of supervisor event.
type EventType string

const (
	// EventStateChange is recorded whenever an instance's state changes.
	EventStateChange EventType = "state_change"
	// EventAction is recorded when a lifecycle program is launched.
	EventAction EventType = "action"
	// EventActionResult is recorded when a lifecycle program's exit is consumed.
	EventActionResult EventType = "action_result"
)

// Event represents a supervisor event to be exported to external systems.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Instance   string    `json:"instance"`
	Name       string    `json:"name,omitempty"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Action     string    `json:"action,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent returns an event with a fresh ID and the current UTC time.
func NewEvent(t EventType, instance string) Event {
	return Event{ID: uuid.New(), Type: t, OccurredAt: time.Now().UTC(), Instance: instance}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can serve recorded events back.
type Reader interface {
	// Recent returns up to limit events for instance, newest first. An
	// empty instance matches all instances.
	Recent(ctx context.Context, instance string, limit int) ([]Event, error)
}

// Multi fans an event out to several sinks. Every sink is attempted; the
// first error is returned.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
