// Package apperr defines the failure kinds returned by the coordination core.
// Business-rule kinds are final; Transient means the caller may try again.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAlreadyInGroupForEvent          Kind = "already_in_group_for_event"
	KindCapacityExceeded                Kind = "capacity_exceeded"
	KindDriverCannotLeaveWithPassengers Kind = "driver_cannot_leave_with_passengers"
	KindDuplicateResponse               Kind = "duplicate_response"
	KindSurveyExpired                   Kind = "survey_expired"
	KindPayerNotAMember                 Kind = "payer_not_a_member"
	KindInvalidAmount                   Kind = "invalid_amount"
	KindNotAuthorized                   Kind = "not_authorized"
	KindNotFound                        Kind = "not_found"
	KindInvalidInput                    Kind = "invalid_input"
	KindTransient                       Kind = "transient"
)

// Error is a typed failure. Details carries ids that explain the rule, such
// as the ride blocking a join.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrAlreadyInGroupForEvent          = &Error{Kind: KindAlreadyInGroupForEvent}
	ErrCapacityExceeded                = &Error{Kind: KindCapacityExceeded}
	ErrDriverCannotLeaveWithPassengers = &Error{Kind: KindDriverCannotLeaveWithPassengers}
	ErrDuplicateResponse               = &Error{Kind: KindDuplicateResponse}
	ErrSurveyExpired                   = &Error{Kind: KindSurveyExpired}
	ErrPayerNotAMember                 = &Error{Kind: KindPayerNotAMember}
	ErrInvalidAmount                   = &Error{Kind: KindInvalidAmount}
	ErrNotAuthorized                   = &Error{Kind: KindNotAuthorized}
	ErrNotFound                        = &Error{Kind: KindNotFound}
	ErrInvalidInput                    = &Error{Kind: KindInvalidInput}
	ErrTransient                       = &Error{Kind: KindTransient}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of e carrying an extra detail.
func (e *Error) With(key, value string) *Error {
	out := *e
	out.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	out.Details[key] = value
	return &out
}

func NotFound(what, id string) *Error {
	return New(KindNotFound, "%s %s not found", what, id).With(what+"_id", id)
}

// Transient wraps an infrastructure failure.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Message: op, Err: err}
}

// KindOf returns the kind of err, Transient for untyped errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Normalize leaves typed errors alone and wraps everything else as Transient.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Transient(op, err)
}
