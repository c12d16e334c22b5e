package services

import (
	"errors"
	"fmt"
)

// Kind classifies client-facing failures. Payment gateway failures are not in
// this taxonomy: they are retried internally and surfaced only to operators.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindStateConflict Kind = "state_conflict"
	KindExpired       Kind = "expired"
	KindProximity     Kind = "proximity"
	KindNotFound      Kind = "not_found"
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func StateConflictf(format string, args ...any) *Error {
	return &Error{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

func Expiredf(format string, args ...any) *Error {
	return &Error{Kind: KindExpired, Message: fmt.Sprintf(format, args...)}
}

func Proximityf(format string, args ...any) *Error {
	return &Error{Kind: KindProximity, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the failure kind, if err carries one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
