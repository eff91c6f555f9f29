package types

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth covers a bad or expired credential; the connection is refused.
	ErrAuth = errors.New("authentication failed")

	ErrNotFound             = errors.New("resource not found")
	ErrDuplicateBooking     = errors.New("active booking already exists for this passenger")
	ErrInsufficientCapacity = errors.New("not enough seats remaining")
	ErrAlreadyAssigned      = errors.New("delivery already assigned to a courier")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrSelfBooking          = errors.New("driver cannot book own ride")
	ErrRideNotOpen          = errors.New("ride is not open for booking")

	// ErrUpstreamUnavailable marks a failed call to an external collaborator
	// (push, payment processor). Safe to retry.
	ErrUpstreamUnavailable = errors.New("upstream collaborator unavailable")

	// ErrInvariant marks an internal invariant violation, e.g. committed
	// seats observed above the ride total. Never clamped, never retried.
	ErrInvariant = errors.New("internal invariant violated")
)

// InvalidTransitionError rejects a state transition that is not defined
// from the current state. It names both so the caller can see exactly
// what was refused.
type InvalidTransitionError struct {
	Current    string
	Transition string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q from state %q", e.Transition, e.Current)
}

// ErrorCode maps an error to the stable machine-readable code carried in
// error frames and HTTP error envelopes.
func ErrorCode(err error) string {
	var it *InvalidTransitionError
	switch {
	case errors.As(err, &it):
		return "invalid_transition"
	case errors.Is(err, ErrAuth):
		return "auth_failed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateBooking):
		return "duplicate_booking"
	case errors.Is(err, ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrSelfBooking):
		return "self_booking"
	case errors.Is(err, ErrRideNotOpen):
		return "ride_not_open"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	}
	return "internal"
}

// IsRejection reports whether err is one of the typed caller-facing
// rejections, as opposed to an infrastructure failure.
func IsRejection(err error) bool {
	var it *InvalidTransitionError
	if errors.As(err, &it) {
		return true
	}
	for _, sentinel := range []error{
		ErrAuth, ErrNotFound, ErrDuplicateBooking, ErrInsufficientCapacity,
		ErrAlreadyAssigned, ErrInvalidAmount, ErrSelfBooking, ErrRideNotOpen,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
