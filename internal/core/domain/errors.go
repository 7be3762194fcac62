package domain

import "errors"

var (
	// ErrUnreachable: the destination has no live connection.
	ErrUnreachable = errors.New("destination unreachable")
	// ErrIllegalTransition: the message does not match the current call state.
	ErrIllegalTransition = errors.New("illegal call transition")
	// ErrBusy: one party already has an active call.
	ErrBusy = errors.New("party busy")
	// ErrUnauthorized: the message references a call the sender is not part of.
	// These are dropped without a reply.
	ErrUnauthorized = errors.New("unauthorized signal")
)

// FailureReason maps a relay error onto the reason reported to the sender.
// The second return is false for errors that must not be reported.
func FailureReason(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrUnreachable):
		return ReasonOffline, true
	case errors.Is(err, ErrBusy):
		return ReasonBusy, true
	case errors.Is(err, ErrIllegalTransition):
		return ReasonNoSuchCall, true
	default:
		return "", false
	}
}
