// Package errdefs defines the error taxonomy shared by the gateway: missing
// configuration, timeouts, upstream failures, transport failures and input
// validation. Each kind is a concrete type so callers can branch on it with
// errors.As, and HTTPStatus maps every kind to the status the API returns.
package errdefs

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// NotConfiguredError reports that a required credential or setting is absent.
// It is always raised before any network attempt.
type NotConfiguredError struct {
	Service string
	Missing []string
}

func (e *NotConfiguredError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("%s is not configured", e.Service)
	}
	return fmt.Sprintf("%s is not configured: missing %s", e.Service, strings.Join(e.Missing, ", "))
}

// TimeoutError reports that the remote side did not answer within the budget.
type TimeoutError struct {
	Service string
	Op      string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out: %v", e.Service, e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UpstreamError reports a non-2xx answer (or an undecodable 2xx answer) from
// a remote service.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s responded with status %d: %s", e.Service, e.StatusCode, truncate(e.Body, 512))
}

// TransportError reports a connection-level failure: DNS, TLS, refused or reset.
type TransportError struct {
	Service string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotConfigured builds a NotConfiguredError.
func NotConfigured(service string, missing ...string) error {
	return &NotConfiguredError{Service: service, Missing: missing}
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// FromTransport classifies an error returned by an HTTP round trip as either
// a TimeoutError (deadline exceeded, network timeout) or a TransportError.
func FromTransport(service, op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Service: service, Op: op, Err: err}
	}
	return &TransportError{Service: service, Op: op, Err: err}
}

// IsNotConfigured reports whether err carries a NotConfiguredError.
func IsNotConfigured(err error) bool {
	var target *NotConfiguredError
	return errors.As(err, &target)
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsUpstream reports whether err carries an UpstreamError.
func IsUpstream(err error) bool {
	var target *UpstreamError
	return errors.As(err, &target)
}

// IsTransport reports whether err carries a TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsRetryable classifies failures a caller may safely retry for idempotent
// operations. Timeouts and transport failures qualify, as do upstream answers
// signalling overload or a transient server fault.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) || IsTransport(err) {
		return true
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		switch {
		case upstream.StatusCode == http.StatusRequestTimeout,
			upstream.StatusCode == http.StatusTooManyRequests,
			upstream.StatusCode >= 500:
			return true
		}
	}
	return false
}

// HTTPStatus maps an error to the status code returned to API callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotConfigured(err):
		return http.StatusServiceUnavailable
	case IsTimeout(err):
		return http.StatusGatewayTimeout
	case IsUpstream(err), IsTransport(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// truncate keeps the first n runes of s
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
