package channel

import (
	"errors"
	"fmt"
)

// ErrAborted is the cause of a flow stopped by Abort.
var ErrAborted = errors.New("channel: aborted")

// ErrAlreadyFlowed is returned when Flow is called a second time.
var ErrAlreadyFlowed = errors.New("channel: flow already started")

// Kind classifies why a flow failed.
type Kind int

const (
	KindSourceBeginFailed Kind = iota + 1
	KindSinkBeginFailed
	KindFetchFailed
	KindStoreFailed
	KindFinishFailed
	KindAborted
)

func (k Kind) String() string {
	switch k {
	case KindSourceBeginFailed:
		return "source begin failed"
	case KindSinkBeginFailed:
		return "sink begin failed"
	case KindFetchFailed:
		return "fetch failed"
	case KindStoreFailed:
		return "store failed"
	case KindFinishFailed:
		return "finish failed"
	case KindAborted:
		return "aborted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FlowError is the single failure a Flow reports.
type FlowError struct {
	Kind Kind
	Err  error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Kind, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of a *FlowError in err's chain, or 0.
func KindOf(err error) Kind {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
