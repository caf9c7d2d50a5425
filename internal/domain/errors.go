package domain

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Reason identifies an error kind independently of its message.
type Reason string

const (
	ReasonUnauthenticated  Reason = "UNAUTHENTICATED"
	ReasonAppCheck         Reason = "APP_CHECK_REQUIRED"
	ReasonPermissionDenied Reason = "PERMISSION_DENIED"
	ReasonInvalidInput     Reason = "INVALID_INPUT"
	ReasonEventNotFound    Reason = "EVENT_NOT_FOUND"
	ReasonAlreadyRSVPed    Reason = "ALREADY_RSVPED"
	ReasonCapacityExceeded Reason = "CAPACITY_EXCEEDED"
	ReasonRateLimited      Reason = "RATE_LIMITED"
	ReasonConflict         Reason = "TX_CONFLICT"
	ReasonUnavailable      Reason = "UNAVAILABLE"
	ReasonInternal         Reason = "INTERNAL"
)

// Error is a domain error carrying a canonical status code.
// Message is safe to show to callers; Cause is for server-side logs only.
type Error struct {
	Code    codes.Code
	Reason  Reason
	Message string
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same reason, so sentinels work with errors.Is
// even when the message was customised.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

var (
	ErrUnauthenticated  = &Error{Code: codes.Unauthenticated, Reason: ReasonUnauthenticated, Message: "User must be authenticated"}
	ErrAppCheckRequired = &Error{Code: codes.Unauthenticated, Reason: ReasonAppCheck, Message: "App Check verification required"}
	ErrPermissionDenied = &Error{Code: codes.PermissionDenied, Reason: ReasonPermissionDenied, Message: "Only admin users can access RSVP data"}
	ErrInvalidInput     = &Error{Code: codes.InvalidArgument, Reason: ReasonInvalidInput, Message: "Invalid input"}
	ErrEventIDRequired  = &Error{Code: codes.InvalidArgument, Reason: ReasonInvalidInput, Message: "Event ID is required"}
	ErrEventNotFound    = &Error{Code: codes.NotFound, Reason: ReasonEventNotFound, Message: "Event not found"}
	ErrAlreadyRSVPed    = &Error{Code: codes.AlreadyExists, Reason: ReasonAlreadyRSVPed, Message: "You already have an RSVP for this event"}
	ErrCapacityExceeded = &Error{Code: codes.ResourceExhausted, Reason: ReasonCapacityExceeded, Message: "Event is at capacity"}
	ErrRateLimited      = &Error{Code: codes.ResourceExhausted, Reason: ReasonRateLimited, Message: "Rate limit exceeded"}
	// ErrConflict marks an optimistic-concurrency loss. It is retried by the
	// admission path and never returned to callers.
	ErrConflict    = &Error{Code: codes.Aborted, Reason: ReasonConflict, Message: "transaction conflict"}
	ErrUnavailable = &Error{Code: codes.Unavailable, Reason: ReasonUnavailable, Message: "Service temporarily unavailable, please retry"}
	ErrInternal    = &Error{Code: codes.Internal, Reason: ReasonInternal, Message: "internal error"}
)

// Validation returns an invalid-argument error with a caller-facing message.
func Validation(msg string) *Error {
	return &Error{Code: codes.InvalidArgument, Reason: ReasonInvalidInput, Message: msg}
}

// CapacityExceeded reports how many spots are left on the event.
func CapacityExceeded(remaining int) *Error {
	if remaining < 0 {
		remaining = 0
	}
	return &Error{
		Code:    codes.ResourceExhausted,
		Reason:  ReasonCapacityExceeded,
		Message: fmt.Sprintf("Event is at capacity. Only %d spots remaining.", remaining),
	}
}

// Conflict wraps a driver-level serialization failure.
func Conflict(cause error) *Error {
	return &Error{Code: codes.Aborted, Reason: ReasonConflict, Message: ErrConflict.Message, Cause: cause}
}

// Unavailable is returned when the retry budget is exhausted.
func Unavailable(cause error) *Error {
	return &Error{Code: codes.Unavailable, Reason: ReasonUnavailable, Message: ErrUnavailable.Message, Cause: cause}
}

// Internal hides cause behind a generic message.
func Internal(msg string, cause error) *Error {
	return &Error{Code: codes.Internal, Reason: ReasonInternal, Message: msg, Cause: cause}
}

// CodeOf returns the canonical code for err. Unknown errors are internal.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return codes.Internal
}

// IsFinal reports whether err is a business-rule rejection that must not be retried.
func IsFinal(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Reason {
	case ReasonEventNotFound, ReasonAlreadyRSVPed, ReasonCapacityExceeded, ReasonInvalidInput:
		return true
	}
	return false
}
