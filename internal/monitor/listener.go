package monitor

import "github.com/loykin/repowatch/internal/instance"

// Listener receives supervisor notifications. Calls are made without any
// supervisor lock held, from the goroutine that caused the change.
type Listener interface {
	StateChanged(inst *instance.Instance, s State)
	DocumentCountChanged(inst *instance.Instance, n int)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	OnStateChanged         func(inst *instance.Instance, s State)
	OnDocumentCountChanged func(inst *instance.Instance, n int)
}

func (l ListenerFuncs) StateChanged(inst *instance.Instance, s State) {
	if l.OnStateChanged != nil {
		l.OnStateChanged(inst, s)
	}
}

func (l ListenerFuncs) DocumentCountChanged(inst *instance.Instance, n int) {
	if l.OnDocumentCountChanged != nil {
		l.OnDocumentCountChanged(inst, n)
	}
}

// Listeners fans notifications out in order.
type Listeners []Listener

func (ls Listeners) StateChanged(inst *instance.Instance, s State) {
	for _, l := range ls {
		l.StateChanged(inst, s)
	}
}

func (ls Listeners) DocumentCountChanged(inst *instance.Instance, n int) {
	for _, l := range ls {
		l.DocumentCountChanged(inst, n)
	}
}
