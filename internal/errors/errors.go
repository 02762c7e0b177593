package errors

import (
	"errors"
	"fmt"
)

// Kind classifies router errors for retry and propagation decisions.
type Kind int

const (
	// KindInput covers malformed or unresolvable inbound events.
	KindInput Kind = iota
	// KindPolicy covers deliberate refusals: permission, rate limit, open circuit.
	KindPolicy
	// KindTransient covers failures worth retrying: timeouts, throttling, 5xx.
	KindTransient
	// KindPermanent covers failures that will not improve on retry.
	KindPermanent
	// KindInternal covers router-side faults; the event is refused, not half-done.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindPolicy:
		return "policy"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the router's typed error. Retry and breaker logic inspect the
// Kind and Code, never concrete error types further down the chain.
type Error struct {
	Code       string `json:"code"`
	Kind       Kind   `json:"-"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is matches errors by Code so wrapped copies compare equal to their singleton.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Input errors.
var (
	ErrMalformedEvent       = &Error{Code: "malformed-event", Kind: KindInput, Message: "event failed validation"}
	ErrUnknownCommunity     = &Error{Code: "unknown-community", Kind: KindInput, Message: "community is not registered"}
	ErrInvalidScopeEnvelope = &Error{Code: "invalid-scope-envelope", Kind: KindInput, Message: "scope envelope rejected"}
)

// Policy errors. Never retried.
var (
	ErrPermissionDenied = &Error{Code: "permission-denied", Kind: KindPolicy, Message: "module lacks required scopes"}
	ErrRateLimited      = &Error{Code: "rate-limited", Kind: KindPolicy, Message: "rate limit exceeded"}
	ErrCircuitOpen      = &Error{Code: "circuit-open", Kind: KindPolicy, Message: "adapter circuit is open"}
)

// Transient errors. Eligible for retry within the adapter's policy.
var (
	ErrAdapterTimeout   = &Error{Code: "adapter-timeout", Kind: KindTransient, Message: "adapter did not answer in time"}
	ErrAdapterThrottled = &Error{Code: "adapter-throttled", Kind: KindTransient, Message: "adapter throttled the request"}
	ErrAdapterServer    = &Error{Code: "adapter-5xx", Kind: KindTransient, Message: "adapter returned a server error"}
	ErrNetwork          = &Error{Code: "network", Kind: KindTransient, Message: "network failure reaching adapter"}
)

// Permanent errors. Retrying cannot help.
var (
	ErrAdapterClient     = &Error{Code: "adapter-4xx", Kind: KindPermanent, Message: "adapter rejected the request"}
	ErrSignatureMismatch = &Error{Code: "signature-mismatch", Kind: KindPermanent, Message: "payload signature verification failed"}
	ErrUnknownFunction   = &Error{Code: "unknown-function", Kind: KindPermanent, Message: "adapter function does not exist"}
	ErrDispatchFailed    = &Error{Code: "dispatch-failed", Kind: KindPermanent, Message: "dispatch exhausted its retry budget"}
)

// Internal errors. The event is refused so the receiver can redeliver.
var (
	ErrAuditUnavailable = &Error{Code: "audit-unavailable", Kind: KindInternal, Message: "audit sink cannot accept records"}
	ErrStoreUnavailable = &Error{Code: "store-unavailable", Kind: KindInternal, Message: "shared store is unreachable"}
	ErrBackpressure     = &Error{Code: "backpressure", Kind: KindInternal, Message: "router is at its in-flight limit"}
	ErrDeadlineExceeded = &Error{Code: "deadline-exceeded", Kind: KindInternal, Message: "event deadline expired"}
)

// New creates an Error with an explicit code and kind.
func New(code string, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Wrap attaches an underlying cause to a copy of base.
func Wrap(base *Error, err error) *Error {
	return &Error{
		Code:       base.Code,
		Kind:       base.Kind,
		Message:    base.Message,
		Detail:     base.Detail,
		underlying: err,
	}
}

// WithDetail returns a copy of the error with operator-facing detail attached.
func (e *Error) WithDetail(detail string) *Error {
	return &Error{
		Code:       e.Code,
		Kind:       e.Kind,
		Message:    e.Message,
		Detail:     detail,
		underlying: e.underlying,
	}
}

// WithDetailf is WithDetail with fmt.Sprintf semantics.
func (e *Error) WithDetailf(format string, args ...any) *Error {
	return e.WithDetail(fmt.Sprintf(format, args...))
}

// AsError extracts a router *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// CodeOf returns the router code of err, or "internal" when untyped.
func CodeOf(err error) string {
	if re, ok := AsError(err); ok {
		return re.Code
	}
	return "internal"
}

// KindOf returns the Kind of err. Untyped errors are treated as internal.
func KindOf(err error) Kind {
	if re, ok := AsError(err); ok {
		return re.Kind
	}
	return KindInternal
}

// IsRetryable reports whether a dispatch error may be retried. Only
// transient failures qualify; policy refusals and permanent faults never do.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
