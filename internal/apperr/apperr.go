// Package apperr defines the tagged error type returned by the settlement and
// draw services. Callers branch on Kind instead of matching message strings.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so the buyer-facing flow can decide between retry
// and terminal failure.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindLimitExceeded       Kind = "limit_exceeded"
	KindNotFound            Kind = "not_found"
	KindAlreadyProcessed    Kind = "already_processed"
	KindNotEligible         Kind = "not_eligible"
	KindVerificationFailed  Kind = "verification_failed"
	KindVerificationTimeout Kind = "verification_timeout"
	KindInFlight            Kind = "in_flight"
	KindPersistence         Kind = "persistence"
	KindInternal            Kind = "internal"
)

// Error is a classified error. Err is the optional underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Sentinels for errors.Is matching. Two *Error values match when their kinds
// are equal, so errors.Is(err, ErrCapacityExceeded) works regardless of the
// message.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrCapacityExceeded    = &Error{Kind: KindCapacityExceeded}
	ErrLimitExceeded       = &Error{Kind: KindLimitExceeded}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyProcessed    = &Error{Kind: KindAlreadyProcessed}
	ErrNotEligible         = &Error{Kind: KindNotEligible}
	ErrVerificationFailed  = &Error{Kind: KindVerificationFailed}
	ErrVerificationTimeout = &Error{Kind: KindVerificationTimeout}
	ErrInFlight            = &Error{Kind: KindInFlight}
	ErrPersistence         = &Error{Kind: KindPersistence}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality with another *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindVerificationFailed, KindVerificationTimeout, KindInFlight, KindPersistence:
		return true
	}
	return false
}
