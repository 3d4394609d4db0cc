// Package fault defines the error taxonomy shared by every governance
// component. Each error carries a Kind that callers switch on with
// errors.Is against the exported sentinels, so transport layers and the
// orchestrator never have to match on message text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero Kind; errors without a taxonomy kind.
	KindUnknown Kind = iota

	// KindValidation: malformed or out-of-range input, rejected before
	// any state change.
	KindValidation

	// KindConflict: duplicate registration, rule, or breach.
	KindConflict

	// KindState: illegal lifecycle transition.
	KindState

	// KindNotFound: the referenced entity does not exist.
	KindNotFound

	// KindIntegrity: hash or verification mismatch.
	KindIntegrity

	// KindBelowThreshold: breach attempted without a policy violation.
	KindBelowThreshold

	// KindTransientNetwork: timeout or connectivity failure; retryable.
	KindTransientNetwork

	// KindPermanentLedger: the ledger rejected the write; not retryable.
	KindPermanentLedger

	// KindAuthentication: wallet decryption or credential failure.
	KindAuthentication
)

// Sentinels, one per Kind. errors.Is(err, fault.Conflict) reports whether
// err (or anything it wraps) carries that kind.
var (
	Validation       = &Error{kind: KindValidation, msg: "validation failed"}
	Conflict         = &Error{kind: KindConflict, msg: "conflict"}
	State            = &Error{kind: KindState, msg: "illegal state transition"}
	NotFound         = &Error{kind: KindNotFound, msg: "not found"}
	Integrity        = &Error{kind: KindIntegrity, msg: "integrity check failed"}
	BelowThreshold   = &Error{kind: KindBelowThreshold, msg: "value does not violate threshold"}
	TransientNetwork = &Error{kind: KindTransientNetwork, msg: "transient network failure"}
	PermanentLedger  = &Error{kind: KindPermanentLedger, msg: "ledger rejected write"}
	Authentication   = &Error{kind: KindAuthentication, msg: "authentication failed"}
)

// Error is a classified error. The zero value is not useful; construct
// with New, Newf, or Wrap.
type Error struct {
	kind  Kind
	msg   string
	cause error
}

// New returns an Error of the given kind with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

// Newf returns an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind wrapping cause. The cause is
// reachable via errors.Unwrap.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, msg: msg, cause: cause}
}

// Error implements error.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

// Unwrap exposes the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Is makes errors.Is(err, sentinel) match on Kind rather than identity,
// so any Validation error matches fault.Validation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Returns KindUnknown when err carries no taxonomy kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// Retryable reports whether err is worth retrying at the transport layer.
func Retryable(err error) bool {
	return KindOf(err) == KindTransientNetwork
}
