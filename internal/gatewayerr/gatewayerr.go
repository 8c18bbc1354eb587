// Package gatewayerr defines the gateway's stable, machine-readable error
// codes (§6, §7) and a GatewayError type that carries one of them across
// component boundaries without leaking internal detail.
package gatewayerr

// Code is a stable, machine-readable error code (§6).
type Code string

const (
	CodeSchemaInvalid      Code = "SCHEMA_INVALID"
	CodeClockSkew          Code = "CLOCK_SKEW"
	CodeAuthInvalid        Code = "AUTH_INVALID"
	CodeAuthExpired        Code = "AUTH_EXPIRED"
	CodeAuthzDenied        Code = "AUTHZ_DENIED"
	CodePIIRoutingBlocked  Code = "PII_ROUTING_BLOCKED"
	CodeNoBackendAvailable Code = "NO_BACKEND_AVAILABLE"
	CodeBackendTimeout     Code = "BACKEND_TIMEOUT"
	CodeBackendError       Code = "BACKEND_ERROR"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeInternalError      Code = "INTERNAL_ERROR"
)

// Retriable reports whether a caller may safely retry a request carrying
// this code with the same idempotency key (§7).
func (c Code) Retriable() bool {
	switch c {
	case CodeBackendTimeout, CodeRateLimited, CodeInternalError:
		return true
	default:
		return false
	}
}

// GatewayError pairs a stable code with a caller-facing message and,
// optionally, the underlying cause (never exposed across the API boundary).
type GatewayError struct {
	Code    Code
	Message string
	Cause   error
}

func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *GatewayError) Unwrap() error { return e.Cause }

// New builds a GatewayError with no underlying cause.
func New(code Code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// Wrap builds a GatewayError that carries an underlying cause for logging,
// while keeping the caller-facing code/message coarse per §7.
func Wrap(code Code, message string, cause error) *GatewayError {
	return &GatewayError{Code: code, Message: message, Cause: cause}
}

// Internal wraps an arbitrary error as INTERNAL_ERROR with a correlation id
// in the message; as with Wrap, the cause is kept for logging and never
// crosses the API boundary (§7).
func Internal(correlationID string, cause error) *GatewayError {
	return &GatewayError{
		Code:    CodeInternalError,
		Message: "internal error, correlation_id=" + correlationID,
		Cause:   cause,
	}
}
