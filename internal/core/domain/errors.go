package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStatus          = errors.New("invalid status")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrMissingIdempotencyKey  = errors.New("missing idempotency key")
	ErrIdempotencyConflict    = errors.New("idempotency key already used with a different payload")
	ErrUnsupportedCommandType = errors.New("unsupported command type")
	ErrInvalidSource          = errors.New("invalid command source")
)

// TransitionError reports a move between two valid statuses that are not
// adjacent in the entity's transition table.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// PayloadError carries the reasons a command payload was rejected.
type PayloadError struct {
	CommandType CommandType
	Errors      []string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.CommandType, strings.Join(e.Errors, "; "))
}

func (e *PayloadError) Unwrap() error {
	return ErrInvalidPayload
}

// ConflictError is returned by intake when an idempotency key is reused for a
// logically different request. CommandID names the command already stored.
type ConflictError struct {
	CommandID string
}

func (e *ConflictError) Error() string {
	return ErrIdempotencyConflict.Error()
}

func (e *ConflictError) Unwrap() error {
	return ErrIdempotencyConflict
}

// IsDomainError reports whether err is a business rule violation that must
// fail a command instead of being retried.
func IsDomainError(err error) bool {
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		return true
	case errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnsupportedCommandType):
		return true
	default:
		return false
	}
}
