package plugins

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies sandbox failures.
type ErrorKind string

const (
	KindCompilation     ErrorKind = "compilation"
	KindInstantiation   ErrorKind = "instantiation"
	KindMemoryLimit     ErrorKind = "memory_limit"
	KindFuelExhausted   ErrorKind = "fuel_exhausted"
	KindTimeout         ErrorKind = "timeout"
	KindTrap            ErrorKind = "trap"
	KindExecutionFailed ErrorKind = "execution_failed"
)

var (
	// ErrTimeout matches both wall-clock timeouts and fuel exhaustion.
	ErrTimeout = errors.New("plugin call timed out")
	// ErrMemoryLimit matches memory bound violations.
	ErrMemoryLimit = errors.New("plugin memory limit exceeded")
	// ErrPluginNotLoaded is returned for calls to an unknown plugin.
	ErrPluginNotLoaded = errors.New("plugin not loaded")
	// ErrPluginExists is returned when loading a name twice.
	ErrPluginExists = errors.New("plugin already loaded")
)

// SandboxError describes a failed compile, load or call.
type SandboxError struct {
	Kind   ErrorKind
	Plugin string
	// Used and Limit are bytes for KindMemoryLimit and fuel units for
	// KindFuelExhausted.
	Used    uint64
	Limit   uint64
	Timeout time.Duration
	Code    int32
	Message string
	Cause   error
}

func (e *SandboxError) Error() string {
	var detail string
	switch e.Kind {
	case KindMemoryLimit:
		detail = fmt.Sprintf("memory limit exceeded: used %d bytes, limit %d bytes", e.Used, e.Limit)
	case KindFuelExhausted:
		detail = fmt.Sprintf("fuel exhausted after %d units", e.Limit)
	case KindTimeout:
		detail = fmt.Sprintf("timed out after %s", e.Timeout)
	case KindExecutionFailed:
		detail = fmt.Sprintf("execute_tool returned %d", e.Code)
	default:
		detail = string(e.Kind)
	}
	if e.Message != "" {
		detail += ": " + e.Message
	} else if e.Cause != nil {
		detail += ": " + e.Cause.Error()
	}
	if e.Plugin == "" {
		return "sandbox: " + detail
	}
	return fmt.Sprintf("plugin %s: %s", e.Plugin, detail)
}

func (e *SandboxError) Unwrap() error {
	return e.Cause
}

func (e *SandboxError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout || e.Kind == KindFuelExhausted
	case ErrMemoryLimit:
		return e.Kind == KindMemoryLimit
	}
	return false
}

// GetSandboxError extracts a *SandboxError from err's chain.
func GetSandboxError(err error) (*SandboxError, bool) {
	var se *SandboxError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
