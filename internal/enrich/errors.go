package enrich

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure for the retry policy.
type Kind string

// Failure kinds.
const (
	KindTransientNetwork    Kind = "transient_network"
	KindTerminalResolution  Kind = "dns_not_found"
	KindValidation          Kind = "content_rejected"
	KindClassifierTransport Kind = "classifier_transport"
	KindClassifierMarker    Kind = "classifier_error"
	KindMissingWebsite      Kind = "missing_website"
	KindStore               Kind = "store"
)

// Terminal reports whether failures of this kind must never be retried.
func (k Kind) Terminal() bool {
	return k == KindTerminalResolution || k == KindMissingWebsite
}

// Error is a typed pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E wraps err with a kind and the operation that produced it.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool { return !e.Kind.Terminal() }

// KindOf extracts the failure kind, treating untyped errors as transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientNetwork
}

// IsTerminal reports whether err must fail the item without retry.
func IsTerminal(err error) bool {
	return err != nil && KindOf(err).Terminal()
}
