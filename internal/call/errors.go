package call

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaUnavailable means local capture devices are absent or access was
	// denied. Never retried.
	ErrMediaUnavailable = errors.New("media unavailable")

	// ErrInvalidState is returned by a SessionTransport used out of order.
	ErrInvalidState = errors.New("invalid transport state")

	// ErrIllegalTransition is a status change not in the transition table.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrPublishConflict means a write-once field was already set; the peer
	// acted first.
	ErrPublishConflict = errors.New("publish conflict")

	// ErrRelayUnavailable is a transient relay failure.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrNegotiationTimeout means no answer arrived within the ring window.
	ErrNegotiationTimeout = errors.New("negotiation timeout")

	ErrSessionExists = errors.New("call already active for peer")
	ErrUnknownCall   = errors.New("unknown call")
	ErrNotFound      = errors.New("call record not found")
	ErrInvalidPatch  = errors.New("invalid patch")
)

// Error annotates a failure with the operation and call it belongs to.
type Error struct {
	Op     string
	CallID string
	Err    error
}

func (e *Error) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, e.CallID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, callID string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, CallID: callID, Err: err}
}

// IsFatal reports whether err must end the call. Conflicts and illegal
// transitions are benign races.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPublishConflict) || errors.Is(err, ErrIllegalTransition) {
		return false
	}
	return true
}

// isPermanent reports whether retrying a relay operation cannot help.
func isPermanent(err error) bool {
	return errors.Is(err, ErrPublishConflict) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrInvalidPatch) ||
		errors.Is(err, ErrNotFound)
}
