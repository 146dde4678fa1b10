package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/openintentos/openintent/internal/stream"
)

func TestNewProviderErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		message string
		cause   error
		want    ErrorReason
	}{
		{"code wins over status", 400, "rate_limit_error", "", nil, ReasonRateLimited},
		{"429", 429, "", "slow down", nil, ReasonRateLimited},
		{"429 quota text", 429, "", "monthly quota exhausted", nil, ReasonQuotaExceeded},
		{"401", 401, "", "", nil, ReasonAuthFailed},
		{"403", 403, "", "", nil, ReasonAuthFailed},
		{"402", 402, "", "", nil, ReasonQuotaExceeded},
		{"404", 404, "", "", nil, ReasonModelNotFound},
		{"529", 529, "", "", nil, ReasonOverloaded},
		{"502", 502, "", "", nil, ReasonServerError},
		{"422", 422, "", "", nil, ReasonInvalidRequest},
		{"unknown code falls back to status", 503, "weird", "", nil, ReasonServerError},
		{"parse cause", 200, "", "", &stream.ParseError{Format: "sse", Msg: "bad"}, ReasonParse},
		{"message only", 0, "", "Connection refused", nil, ReasonTransport},
		{"nothing known", 0, "", "mystery", nil, ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newProviderError("p", "m", tt.status, tt.code, tt.message, tt.cause)
			if got.Reason != tt.want {
				t.Errorf("reason = %s, want %s", got.Reason, tt.want)
			}
		})
	}
}

func TestProviderErrorFormatAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := fmt.Errorf("turn 2: %w", newProviderError("groq", "llama", 429, "rate_limit_exceeded", "too fast", cause))

	perr, ok := GetProviderError(err)
	if !ok {
		t.Fatal("GetProviderError should find the wrapped error")
	}
	msg := perr.Error()
	for _, want := range []string{"[rate_limited]", "groq", "model=llama", "status=429", "too fast"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
}

func TestProviderSemantic(t *testing.T) {
	semantic := []ErrorReason{ReasonRateLimited, ReasonAuthFailed, ReasonModelNotFound, ReasonQuotaExceeded, ReasonOverloaded}
	for _, r := range semantic {
		if !r.ProviderSemantic() {
			t.Errorf("%s should be provider-semantic", r)
		}
	}
	for _, r := range []ErrorReason{ReasonTransport, ReasonParse, ReasonInvalidRequest, ReasonServerError, ReasonUnknown} {
		if r.ProviderSemantic() {
			t.Errorf("%s should not be provider-semantic", r)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("x"), false},
		{"transport without status", transportFailure("p", "m", errors.New("connection reset")), true},
		{"status error", newProviderError("p", "m", 503, "", "", nil), false},
		{"canceled", transportFailure("p", "m", context.Canceled), false},
		{"mid-stream", streamFailure("p", "m", 200, errors.New("unexpected EOF")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient = %v, want %v", got, tt.want)
			}
		})
	}
}
