package requestplane

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind enumerates every machine-readable rejection and failure code
// surfaced by the request plane
type ErrorKind string

const (
	KindQueueFull                  ErrorKind = "QueueFull"
	KindQuotaExceeded              ErrorKind = "QuotaExceeded"
	KindTenantInactive             ErrorKind = "TenantInactive"
	KindRegionForbidden            ErrorKind = "RegionForbidden"
	KindTenantBindError            ErrorKind = "TenantBindError"
	KindDeadlineExceeded           ErrorKind = "DeadlineExceeded"
	KindDownstreamUnavailable      ErrorKind = "DownstreamUnavailable"
	KindInternalInvariantViolation ErrorKind = "InternalInvariantViolation"
)

// HTTPStatus maps the error kind to the status code used at the HTTP edge
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindQueueFull, KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindTenantInactive, KindRegionForbidden:
		return http.StatusForbidden
	case KindTenantBindError, KindDownstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common request-plane errors
var (
	ErrQueueFull             = errors.New("tenant queue is full")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrTenantNotFound        = errors.New("tenant not found")
	ErrTenantInactive        = errors.New("tenant is not active")
	ErrRegionForbidden       = errors.New("region not allowed for tenant")
	ErrTenantBindFailed      = errors.New("failed to bind tenant session")
	ErrDeadlineExceeded      = errors.New("request deadline exceeded")
	ErrDownstreamUnavailable = errors.New("downstream provider unavailable")
	ErrRequestNotFound       = errors.New("request not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrReservationExpired    = errors.New("reservation expired")
	ErrStreamNotFound        = errors.New("stream not found")
	ErrConsumerClosed        = errors.New("consumer is closed")
	ErrOutboxFull            = errors.New("publish outbox is full")
	ErrShuttingDown          = errors.New("runtime is shutting down")
)

// Rejection is the result type carried by admission denials. It replaces
// exceptions-as-control-flow: callers always receive an enumerated code,
// a short message, and a retry hint where applicable.
type Rejection struct {
	Code         ErrorKind
	Message      string
	RetryAfterMS int64
}

func (r *Rejection) Error() string {
	if r.RetryAfterMS > 0 {
		return fmt.Sprintf("%s: %s (retry after %dms)", r.Code, r.Message, r.RetryAfterMS)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// NewRejection creates a rejection with the given code and message
func NewRejection(code ErrorKind, message string, retryAfterMS int64) *Rejection {
	return &Rejection{
		Code:         code,
		Message:      message,
		RetryAfterMS: retryAfterMS,
	}
}

// Result converts the rejection into an admission ScheduleResult
func (r *Rejection) Result() ScheduleResult {
	return ScheduleResult{
		Accepted:     false,
		Reason:       r.Code,
		Message:      r.Message,
		RetryAfterMS: r.RetryAfterMS,
	}
}

// TenantError wraps an error with tenant context
type TenantError struct {
	TenantID string
	Err      error
}

func (e *TenantError) Error() string {
	return fmt.Sprintf("tenant %s: %v", e.TenantID, e.Err)
}

func (e *TenantError) Unwrap() error {
	return e.Err
}

// NewTenantError creates a new tenant-scoped error
func NewTenantError(tenantID string, err error) *TenantError {
	return &TenantError{
		TenantID: tenantID,
		Err:      err,
	}
}

// QuotaError reports a quota denial with the counter context attached
type QuotaError struct {
	TenantID string
	Resource string
	Current  int64
	Limit    int64
	ResetTS  int64 // unix seconds when the period resets
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s/%s: %d/%d", e.TenantID, e.Resource, e.Current, e.Limit)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// NewQuotaError creates a new quota error
func NewQuotaError(tenantID, resource string, current, limit, resetTS int64) *QuotaError {
	return &QuotaError{
		TenantID: tenantID,
		Resource: resource,
		Current:  current,
		Limit:    limit,
		ResetTS:  resetTS,
	}
}

// InvariantViolation is fatal: the runtime crashes rather than continuing
// with corrupted state (e.g. a Commit without a matching Reserve).
type InvariantViolation struct {
	Component string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Component, e.Detail)
}

// NewInvariantViolation creates a new fatal invariant violation
func NewInvariantViolation(component, detail string) *InvariantViolation {
	return &InvariantViolation{Component: component, Detail: detail}
}
