// Package faults defines the platform error taxonomy, retry policy, and
// circuit breaker used by every other component. Errors carry a Kind that maps
// to an HTTP status and a default recovery strategy, so callers can decide
// whether to retry, trip a breaker, or surface the failure unchanged.
package faults

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind categorizes a platform error.
type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindAuthentication Kind = "AUTHENTICATION"
	KindAuthorization  Kind = "AUTHORIZATION"
	KindNotFound       Kind = "NOT_FOUND"
	KindConflict       Kind = "CONFLICT"
	KindRateLimit      Kind = "RATE_LIMIT"
	KindNetwork        Kind = "NETWORK"
	KindTimeout        Kind = "TIMEOUT"
	KindExternalAPI    Kind = "EXTERNAL_API"
	KindDatabase       Kind = "DATABASE"
	KindConfiguration  Kind = "CONFIGURATION"
	KindProcessing     Kind = "PROCESSING"
	KindResource       Kind = "RESOURCE"
	KindSecurity       Kind = "SECURITY"
	KindUnknown        Kind = "UNKNOWN"
)

// Strategy is the default recovery approach for a Kind.
type Strategy string

const (
	StrategyRetry          Strategy = "RETRY"
	StrategyCircuitBreaker Strategy = "CIRCUIT_BREAKER"
	StrategyFallback       Strategy = "FALLBACK"
	StrategyDegradation    Strategy = "DEGRADATION"
	StrategyManual         Strategy = "MANUAL"
	StrategyIgnore         Strategy = "IGNORE"
)

// kindInfo fixes the HTTP status and default strategy per Kind.
type kindInfo struct {
	status   int
	strategy Strategy
}

var kindTable = map[Kind]kindInfo{
	KindValidation:     {http.StatusBadRequest, StrategyFallback},
	KindAuthentication: {http.StatusUnauthorized, StrategyManual},
	KindAuthorization:  {http.StatusForbidden, StrategyManual},
	KindNotFound:       {http.StatusNotFound, StrategyIgnore},
	KindConflict:       {http.StatusConflict, StrategyManual},
	KindRateLimit:      {http.StatusTooManyRequests, StrategyRetry},
	KindNetwork:        {http.StatusServiceUnavailable, StrategyRetry},
	KindTimeout:        {http.StatusGatewayTimeout, StrategyRetry},
	KindExternalAPI:    {http.StatusBadGateway, StrategyCircuitBreaker},
	KindDatabase:       {http.StatusInternalServerError, StrategyCircuitBreaker},
	KindConfiguration:  {http.StatusInternalServerError, StrategyManual},
	KindProcessing:     {http.StatusInternalServerError, StrategyDegradation},
	KindResource:       {http.StatusServiceUnavailable, StrategyCircuitBreaker},
	KindSecurity:       {http.StatusForbidden, StrategyManual},
	KindUnknown:        {http.StatusInternalServerError, StrategyIgnore},
}

// Error is a typed platform error.
type Error struct {
	Kind    Kind
	Message string
	Field   string // offending field for validation errors, optional
	Details map[string]any
	Err     error // wrapped cause, optional
	At      time.Time
}

// New creates a typed error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, At: time.Now().UTC()}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap creates a typed error wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err, At: time.Now().UTC()}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithField tags the error with the offending field name.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithDetail attaches a key/value detail.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the status code for the error's Kind.
func (e *Error) HTTPStatus() int {
	if info, ok := kindTable[e.Kind]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// RecoveryStrategy returns the default strategy for the error's Kind.
func (e *Error) RecoveryStrategy() Strategy {
	if info, ok := kindTable[e.Kind]; ok {
		return info.strategy
	}
	return StrategyIgnore
}

// Retryable reports whether the error's default strategy is RETRY.
func (e *Error) Retryable() bool {
	return e.RecoveryStrategy() == StrategyRetry
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Non-platform errors report KindUnknown.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status for err, 500 for non-platform errors.
func StatusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether err should be retried under the default policy.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}
