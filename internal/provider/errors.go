package provider

import (
	"fmt"
	"time"
)

// NotFoundError indicates a 404 response. ListHistory returns it when the
// sync cursor has expired server-side.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// RateLimitError indicates the provider rejected a request for quota
// reasons after the client exhausted its transport retries. RetryAfter is
// zero when the server did not suggest a delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
	}
	return "rate limited"
}

// AuthError indicates the access token was rejected. The caller must
// obtain a fresh token through the auth provider before retrying.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (%d)", e.Status)
}

// ValidationError indicates the provider rejected the request as malformed.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request rejected (%d): %s", e.Status, e.Message)
}

// ServerError indicates a persistent upstream 5xx after transport retries.
type ServerError struct {
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (%d)", e.Status)
}

// TransportError wraps a network-level failure (DNS, connection reset,
// timeout) that survived the client's transport retries.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
