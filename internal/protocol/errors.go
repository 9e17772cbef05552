package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError rejects a malformed request before any transaction exists.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// PolicyRejectionError is raised when the active policy rejects a request or
// response outright.
type PolicyRejectionError struct {
	Policy  string
	Message string
}

func (e *PolicyRejectionError) Error() string {
	if e.Policy == "" {
		return fmt.Sprintf("rejected by policy: %s", e.Message)
	}
	return fmt.Sprintf("rejected by policy %s: %s", e.Policy, e.Message)
}

// UpstreamError wraps a provider failure. The core never retries.
type UpstreamError struct {
	Provider string
	Status   int
	Err      error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s returned %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// TimeoutError marks an inactivity-deadline expiry. It is deliberately
// distinct from a connection error so observers can tell a slow upstream from
// a dead one.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stream inactive for %s", e.After)
}

// ProtocolError marks a control-flow message that violates the pipeline
// schema.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// SinkError wraps an observability sink failure. Logged, never propagated.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("sink %s: %v", e.Sink, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

// InternalError wraps an unexpected failure, including recovered panics.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return fmt.Sprintf("internal error: %v", e.Err) }

func (e *InternalError) Unwrap() error { return e.Err }

// Wire error types used in HTTP error bodies.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypePolicyRejected = "policy_rejection_error"
	ErrTypeUpstream       = "upstream_error"
	ErrTypeTimeout        = "timeout_error"
	ErrTypeProtocol       = "protocol_error"
	ErrTypeInternal       = "internal_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypeRateLimit      = "rate_limit_error"
)

// ErrorResponse is the OpenAI-style HTTP error body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error body fields.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// NewErrorResponse builds an ErrorResponse for err using ErrorType.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{
		Message: err.Error(),
		Type:    ErrorType(err),
	}}
}

// ErrorType maps an error to its wire error type.
func ErrorType(err error) string {
	var (
		ve *ValidationError
		pe *PolicyRejectionError
		ue *UpstreamError
		te *TimeoutError
		pr *ProtocolError
	)
	switch {
	case errors.As(err, &ve):
		return ErrTypeInvalidRequest
	case errors.As(err, &pe):
		return ErrTypePolicyRejected
	case errors.As(err, &ue):
		return ErrTypeUpstream
	case errors.As(err, &te):
		return ErrTypeTimeout
	case errors.As(err, &pr):
		return ErrTypeProtocol
	default:
		return ErrTypeInternal
	}
}

// HTTPStatus maps an error to the status code returned when response headers
// have not been sent yet.
func HTTPStatus(err error) int {
	switch ErrorType(err) {
	case ErrTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrTypePolicyRejected:
		return http.StatusForbidden
	case ErrTypeUpstream:
		return http.StatusBadGateway
	case ErrTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
