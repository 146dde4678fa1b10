package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/openintentos/openintent/internal/stream"
)

// ErrorReason categorizes why a provider request failed.
type ErrorReason string

const (
	ReasonRateLimited    ErrorReason = "rate_limited"
	ReasonAuthFailed     ErrorReason = "auth_failed"
	ReasonModelNotFound  ErrorReason = "model_not_found"
	ReasonQuotaExceeded  ErrorReason = "quota_exceeded"
	ReasonOverloaded     ErrorReason = "overloaded"
	ReasonServerError    ErrorReason = "server_error"
	ReasonInvalidRequest ErrorReason = "invalid_request"
	ReasonTransport      ErrorReason = "transport"
	ReasonParse          ErrorReason = "parse"
	ReasonUnknown        ErrorReason = "unknown"
)

// ProviderSemantic reports whether the reason describes a provider-side
// condition that another provider may not share.
func (r ErrorReason) ProviderSemantic() bool {
	switch r {
	case ReasonRateLimited, ReasonAuthFailed, ReasonModelNotFound, ReasonQuotaExceeded, ReasonOverloaded:
		return true
	default:
		return false
	}
}

// ProviderError represents a structured error from an LLM provider.
type ProviderError struct {
	Reason   ErrorReason
	Provider string
	Model    string
	// Status is the HTTP status code, zero when the request never got one.
	Status  int
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// newProviderError classifies cause into a ProviderError. status and code
// take precedence over message text when present.
func newProviderError(provider, model string, status int, code, message string, cause error) *ProviderError {
	perr := &ProviderError{
		Provider: provider,
		Model:    model,
		Status:   status,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if perr.Message == "" && cause != nil {
		perr.Message = cause.Error()
	}

	var parseErr *stream.ParseError
	switch {
	case errors.As(cause, &parseErr):
		perr.Reason = ReasonParse
	case code != "" && classifyErrorCode(code) != ReasonUnknown:
		perr.Reason = classifyErrorCode(code)
	case status != 0:
		perr.Reason = classifyStatusCode(status, perr.Message)
	default:
		perr.Reason = ClassifyMessage(perr.Message)
	}
	return perr
}

// ClassifyMessage maps free-form error text onto a reason.
func ClassifyMessage(msg string) ErrorReason {
	s := strings.ToLower(msg)
	switch {
	case containsAny(s, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimited
	case containsAny(s, "quota", "billing", "insufficient", "402"):
		return ReasonQuotaExceeded
	case containsAny(s, "overloaded", "capacity", "529"):
		return ReasonOverloaded
	case containsAny(s, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "permission", "401", "403"):
		return ReasonAuthFailed
	case containsAny(s, "model not found", "model_not_found", "does not exist", "404"):
		return ReasonModelNotFound
	case containsAny(s, "internal server", "server error", "500", "502", "503", "504"):
		return ReasonServerError
	case containsAny(s, "connection refused", "no such host", "eof", "connection reset", "timeout", "deadline exceeded"):
		return ReasonTransport
	}
	return ReasonUnknown
}

func classifyStatusCode(status int, msg string) ErrorReason {
	switch {
	case status == http.StatusTooManyRequests:
		if strings.Contains(strings.ToLower(msg), "quota") {
			return ReasonQuotaExceeded
		}
		return ReasonRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuthFailed
	case status == http.StatusPaymentRequired:
		return ReasonQuotaExceeded
	case status == http.StatusNotFound:
		return ReasonModelNotFound
	case status == 529:
		return ReasonOverloaded
	case status >= 500:
		return ReasonServerError
	case status >= 400:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimited
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuthFailed
	case "billing_error", "insufficient_quota":
		return ReasonQuotaExceeded
	case "overloaded_error":
		return ReasonOverloaded
	case "not_found_error", "model_not_found":
		return ReasonModelNotFound
	case "api_error", "server_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// isTransient reports whether a failed attempt may be retried against the
// same provider: network failures that never produced an HTTP status.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	perr, ok := GetProviderError(err)
	if !ok {
		return false
	}
	return perr.Status == 0 && perr.Reason == ReasonTransport
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
