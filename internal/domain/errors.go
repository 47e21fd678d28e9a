package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy shared by every component.
type ErrorKind string

const (
	KindMalformedInput         ErrorKind = "MalformedInput"
	KindTenancyViolation       ErrorKind = "TenancyViolation"
	KindReconciliationMismatch ErrorKind = "ReconciliationMismatch"
	KindUpstreamUnavailable    ErrorKind = "UpstreamUnavailable"
	KindCapacityExceeded       ErrorKind = "CapacityExceeded"
	KindNotFound               ErrorKind = "NotFound"
	KindInternal               ErrorKind = "Internal"
)

// Error attaches a kind and the failing operation to an underlying error.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// Warning is a non-fatal diagnostic surfaced to the caller.
type Warning struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}
