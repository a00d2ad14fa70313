package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmcleod/ironsync/channel"
	"github.com/jmcleod/ironsync/crypto"
	"github.com/jmcleod/ironsync/keys"
	"github.com/jmcleod/ironsync/transport"
)

var (
	// ErrSessionDeadline is the cancel cause once a session outlives its
	// deadline.
	ErrSessionDeadline   = errors.New("sync session deadline exceeded")
	ErrNoCredentials     = errors.New("no account credentials")
	ErrNoClusterURL      = errors.New("server did not assign a storage node")
	ErrUnknownCollection = errors.New("collection is not configured")
)

// Cause tells the caller what to do about a failed sync.
type Cause int

const (
	// CauseTransient failures go away on their own; retry later.
	CauseTransient Cause = iota
	// CauseReauthenticate means the server rejected the account credentials.
	CauseReauthenticate
	// CauseKeyRefetch means key material was missing, stale or did not
	// authenticate. Persisted keys are dropped before the error is returned.
	CauseKeyRefetch
	// CauseProtocol covers malformed server replies and programming errors.
	CauseProtocol
	// CauseCanceled means the caller canceled the sync.
	CauseCanceled
)

func (c Cause) String() string {
	switch c {
	case CauseTransient:
		return "transient"
	case CauseReauthenticate:
		return "reauthenticate"
	case CauseKeyRefetch:
		return "key_refetch"
	case CauseProtocol:
		return "protocol"
	case CauseCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// SyncError is the single failure outcome of a sync session.
type SyncError struct {
	Stage  StageName
	Cause  Cause
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("sync failed in %s (%s): %s", e.Stage, e.Cause, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Abort builds the error a stage returns to stop the session with an
// explicit cause. The session fills in the stage.
func Abort(cause Cause, reason string, err error) error {
	return &SyncError{Cause: cause, Reason: reason, Err: err}
}

// NoSuchStageError reports a transition past the last stage, or to a stage
// with no implementation. Either is a bug in the caller. Err, when set,
// says why the stage has no implementation.
type NoSuchStageError struct {
	Stage StageName
	Err   error
}

func (e *NoSuchStageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %q: %v", string(e.Stage), e.Err)
	}
	return fmt.Sprintf("no stage after %q", string(e.Stage))
}

func (e *NoSuchStageError) Unwrap() error { return e.Err }

// BackoffError is returned while the server's backoff window is open.
type BackoffError struct {
	Until time.Time
}

func (e *BackoffError) Error() string {
	return "server requested backoff until " + e.Until.UTC().Format(time.RFC3339)
}

// classify picks a cause for an error returned by a stage.
func classify(err error) Cause {
	if se, ok := errors.AsType[*SyncError](err); ok {
		return se.Cause
	}
	switch {
	case errors.Is(err, ErrSessionDeadline):
		return CauseTransient
	case errors.Is(err, context.Canceled), errors.Is(err, channel.ErrAborted):
		return CauseCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CauseTransient
	case errors.Is(err, ErrNoCredentials), transport.IsUnauthorized(err):
		return CauseReauthenticate
	case errors.Is(err, keys.ErrNoKeysSet),
		errors.Is(err, keys.ErrMalformedKeys),
		errors.Is(err, keys.ErrStaleKeys),
		errors.Is(err, crypto.ErrAuthenticationFailed),
		errors.Is(err, crypto.ErrMalformedCiphertext),
		errors.Is(err, crypto.ErrMissingKeyBundle):
		return CauseKeyRefetch
	}
	if _, ok := errors.AsType[*BackoffError](err); ok {
		return CauseTransient
	}
	if _, ok := errors.AsType[*NoSuchStageError](err); ok {
		return CauseProtocol
	}
	switch code := transport.StatusCode(err); {
	case code == 0:
		if errors.Is(err, transport.ErrTransport) {
			return CauseTransient
		}
		return CauseProtocol
	case code == http.StatusTooManyRequests, code >= 500:
		return CauseTransient
	default:
		return CauseProtocol
	}
}
