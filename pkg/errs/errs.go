// Package errs defines the typed failures returned by the ledger engine.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Callers match on it with errors.Is against the
// sentinel of the same name.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindState             Kind = "state"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindStore             Kind = "store"
)

var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrState             = &Error{Kind: KindState}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrStore             = &Error{Kind: KindStore}
)

// Causes carried by validation failures that callers may need to tell apart.
// They match with errors.Is alongside ErrValidation.
var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidType   = errors.New("invalid transaction type")
)

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	Op   string // e.g. "loans.approve"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, errs.ErrState) works
// regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

// Invalid is a validation failure carrying cause, one of the Err* causes above.
func Invalid(op string, cause error, format string, args ...any) error {
	e := newf(KindValidation, op, format, args...)
	e.Err = cause
	return e
}

func Conflict(op, format string, args ...any) error {
	return newf(KindConflict, op, format, args...)
}

func NotFound(op, format string, args ...any) error {
	return newf(KindNotFound, op, format, args...)
}

func State(op, format string, args ...any) error {
	return newf(KindState, op, format, args...)
}

func InsufficientFunds(op, format string, args ...any) error {
	return newf(KindInsufficientFunds, op, format, args...)
}

// Store classifies err as a store failure unless it already carries a kind.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindStore, Op: op, Msg: "store failure", Err: err}
}

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may safely retry the operation.
func Retryable(err error) bool {
	return KindOf(err) == KindStore
}
