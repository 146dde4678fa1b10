package adapters

import (
	"errors"
	"fmt"
	"time"

	"github.com/openintentos/openintent/pkg/models"
)

// ErrorKind classifies a tool execution failure.
type ErrorKind string

const (
	KindToolNotFound      ErrorKind = "tool_not_found"
	KindInvalidParameters ErrorKind = "invalid_parameters"
	KindTimeout           ErrorKind = "timeout"
	KindExecutionFailed   ErrorKind = "execution_failed"
	KindAuthRequired      ErrorKind = "auth_required"
)

// Sentinels for errors.Is matching against a *ToolError of the same kind.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrToolTimeout       = errors.New("tool timed out")
	ErrExecutionFailed   = errors.New("tool execution failed")
	ErrAuthRequired      = errors.New("authentication required")
)

// ErrAdapterExists is returned when registering a duplicate adapter id.
var ErrAdapterExists = errors.New("adapter already registered")

// ErrAdapterNotFound is returned for operations on an unknown adapter id.
var ErrAdapterNotFound = errors.New("adapter not found")

// ToolError is the error returned by Adapter.Execute.
type ToolError struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Tool == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Tool, msg)
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for e's kind.
func (e *ToolError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindToolNotFound:
		return ErrToolNotFound
	case KindInvalidParameters:
		return ErrInvalidParameters
	case KindTimeout:
		return ErrToolTimeout
	case KindExecutionFailed:
		return ErrExecutionFailed
	case KindAuthRequired:
		return ErrAuthRequired
	default:
		return nil
	}
}

// NotFound reports a tool the adapter does not expose.
func NotFound(tool string) *ToolError {
	return &ToolError{Kind: KindToolNotFound, Tool: tool, Message: "tool not found"}
}

// InvalidParameters reports arguments the tool cannot accept.
func InvalidParameters(tool, format string, args ...any) *ToolError {
	return &ToolError{Kind: KindInvalidParameters, Tool: tool, Message: "invalid parameters: " + fmt.Sprintf(format, args...)}
}

// Timeout reports a call that exceeded limit.
func Timeout(tool string, limit time.Duration) *ToolError {
	return &ToolError{Kind: KindTimeout, Tool: tool, Message: fmt.Sprintf("timed out after %s", limit)}
}

// ExecutionFailed wraps an adapter-side failure.
func ExecutionFailed(tool string, cause error) *ToolError {
	return &ToolError{Kind: KindExecutionFailed, Tool: tool, Cause: cause}
}

// AuthRequired reports missing credentials.
func AuthRequired(tool string, req *models.AuthRequirement) *ToolError {
	msg := "authentication required"
	if req != nil {
		msg = fmt.Sprintf("authentication required for %s", req.Provider)
		if req.EnvVar != "" {
			msg += fmt.Sprintf(" (set %s)", req.EnvVar)
		}
	}
	return &ToolError{Kind: KindAuthRequired, Tool: tool, Message: msg}
}

// AsToolError converts any error into a *ToolError, treating unknown errors
// as execution failures.
func AsToolError(tool string, err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return ExecutionFailed(tool, err)
}
