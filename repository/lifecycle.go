package repository

import "sync"

type lifecycleState int

const (
	stateNew lifecycleState = iota
	stateActive
	stateDone
)

// Lifecycle enforces begin-before-use and finish-or-abort-exactly-once for
// Session implementations. The zero value is a new, unbegun session.
type Lifecycle struct {
	mu    sync.Mutex
	state lifecycleState
}

// Begin moves a new session to active.
func (l *Lifecycle) Begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateActive:
		return ErrSessionAlreadyBegun
	case stateDone:
		return ErrSessionFinished
	}
	l.state = stateActive
	return nil
}

// Active returns nil when the session may be used.
func (l *Lifecycle) Active() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateNew:
		return ErrSessionNotActive
	case stateDone:
		return ErrSessionFinished
	}
	return nil
}

// End moves an active session to done. It fails on the second call.
func (l *Lifecycle) End() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case stateNew:
		return ErrSessionNotActive
	case stateDone:
		return ErrSessionFinished
	}
	l.state = stateDone
	return nil
}
