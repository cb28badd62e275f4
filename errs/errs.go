// Package errs provides structured error types and helpers for Meltica trader services.
package errs

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a fault family.
type Code string

const (
	// CodeConnectivity indicates a transient transport failure towards the venue.
	CodeConnectivity Code = "connectivity"
	// CodeValidation indicates a malformed intent, order, or configuration.
	CodeValidation Code = "validation"
	// CodeRiskReject indicates the risk gate refused an intent.
	CodeRiskReject Code = "risk_reject"
	// CodeExchange indicates a permanent rejection echoed from the venue.
	CodeExchange Code = "exchange"
	// CodeStrategy indicates a failure raised inside a strategy unit.
	CodeStrategy Code = "strategy"
	// CodeData indicates a missing or out-of-order observation beyond tolerance.
	CodeData Code = "data"
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Reason is a stable, user-visible reject reason.
type Reason string

const (
	// ReasonNone marks errors without a reject reason.
	ReasonNone Reason = ""
	// ReasonMinQuantityNotMet indicates the sized quantity rounded below the instrument minimum.
	ReasonMinQuantityNotMet Reason = "MinQuantityNotMet"
	// ReasonExposureCapExceeded indicates an exposure cap would be breached.
	ReasonExposureCapExceeded Reason = "ExposureCapExceeded"
	// ReasonDrawdownBreakerOpen indicates the drawdown breaker blocks new entries.
	ReasonDrawdownBreakerOpen Reason = "DrawdownBreakerOpen"
	// ReasonInsufficientMargin indicates the account cannot margin the order.
	ReasonInsufficientMargin Reason = "InsufficientMargin"
	// ReasonInvalidIntent indicates a malformed intent.
	ReasonInvalidIntent Reason = "InvalidIntent"
	// ReasonThrottleExceeded indicates the order throttle refused the submission.
	ReasonThrottleExceeded Reason = "ThrottleExceeded"
	// ReasonStrategyPaused indicates the originating strategy is paused or disabled.
	ReasonStrategyPaused Reason = "StrategyPaused"
	// ReasonVenueRejected indicates the venue refused the order.
	ReasonVenueRejected Reason = "VenueRejected"
)

// E captures structured error information produced across the trader stack.
type E struct {
	Scope       string
	Code        Code
	Reason      Reason
	Message     string
	Remediation string
	Metadata    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:       strings.TrimSpace(scope),
		Code:        code,
		Reason:      ReasonNone,
		Message:     "",
		Remediation: "",
		Metadata:    nil,
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithReason sets the stable reject reason.
func WithReason(reason Reason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != ReasonNone {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in the chain, or the empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf returns the reject reason of the first envelope carrying one.
func ReasonOf(err error) Reason {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return ReasonNone
		}
		if e.Reason != ReasonNone {
			return e.Reason
		}
		err = e.cause
	}
	return ReasonNone
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch CodeOf(err) {
	case CodeConnectivity, CodeRateLimited, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Reject builds a risk reject error for the reason.
func Reject(scope string, reason Reason, message string) *E {
	return New(scope, CodeRiskReject, WithReason(reason), WithMessage(message))
}
