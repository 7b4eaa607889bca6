// Package errs defines the domain error kinds shared across every component
// boundary (§7 of the design). Each kind wraps an underlying error and is
// distinguishable with errors.As, so callers branch on kind rather than on
// string matching.
package errs

import "fmt"

// Kind is a domain error classification, independent of Go's error type.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindTransientExchange    Kind = "transient_exchange"
	KindRateLimited          Kind = "rate_limited"
	KindOrderAlreadyTerminal Kind = "order_already_terminal"
	KindPermanentExchange    Kind = "permanent_exchange"
	KindStopUnprotected      Kind = "stop_unprotected"
	KindCriticalUnprotected  Kind = "critical_unprotected"
	KindDrift                Kind = "drift"
	KindVariantError         Kind = "variant_error"
)

// Error is the common wrapper for every domain error kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match a target *Error carrying the same Kind (for example
// errors.Is(err, &errs.Error{Kind: errs.KindDrift})); a bare Kind is not an
// error and cannot be a target. Most callers instead use Is(err, kind) below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs a domain error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// InvalidInput builds a KindInvalidInput error. C1 and C4 are the only
// components that raise on invalid input — everywhere else, failure is
// returned up the call chain, never thrown as a programmer-bug signal.
func InvalidInput(op string, err error) *Error {
	return New(KindInvalidInput, op, err)
}

// ValidationError is the field-level failure C4's validators raise.
type ValidationError struct {
	Field  string
	Reason string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("validation: field %q: %s", v.Field, v.Reason)
}

// TransientExchange wraps a retryable exchange failure (network, 5xx, or
// timeout). Use RateLimited for 429s specifically — retried the same way,
// but distinguishable so callers can notify the Rate/Budget Manager without
// string-matching the error message.
func TransientExchange(op string, err error) *Error {
	return New(KindTransientExchange, op, err)
}

// RateLimited wraps an HTTP 429 response. Retried identically to
// TransientExchange; the distinct kind lets C7 call report429() on C3
// without inspecting error text.
func RateLimited(op string, err error) *Error {
	return New(KindRateLimited, op, err)
}

// OrderAlreadyTerminal marks a cancellation of an order that was already
// filled or canceled — treated as success by the caller.
func OrderAlreadyTerminal(op string, err error) *Error {
	return New(KindOrderAlreadyTerminal, op, err)
}

// PermanentExchange marks an exchange-side rejection of a valid-looking
// payload. Not retried.
func PermanentExchange(op string, err error) *Error {
	return New(KindPermanentExchange, op, err)
}

// StopUnprotected marks that all retries were exhausted and an emergency
// close fired successfully; the trade is closed.
func StopUnprotected(op string, err error) *Error {
	return New(KindStopUnprotected, op, err)
}

// CriticalUnprotected marks that the emergency close itself failed. No
// further automation follows; a human must intervene.
func CriticalUnprotected(op string, err error) *Error {
	return New(KindCriticalUnprotected, op, err)
}

// DriftErr marks a Reconciler-detected mismatch between local and exchange
// state. Named DriftErr (not Drift) to avoid colliding with store types.
func DriftErr(op string, err error) *Error {
	return New(KindDrift, op, err)
}

// VariantErr marks an exception isolated inside a Variant's processTick.
func VariantErr(op string, err error) *Error {
	return New(KindVariantError, op, err)
}
