package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors for agent operations.
var (
	// ErrMaxTurns matches MaxTurnsExceededError.
	ErrMaxTurns = errors.New("max turns exceeded")

	// ErrUnknownTool matches UnknownToolError.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoTransport indicates no LLM transport is configured.
	ErrNoTransport = errors.New("no transport configured")

	// ErrPlanningFailed matches PlanningError.
	ErrPlanningFailed = errors.New("planning failed")
)

// LoopPhase is a state of the ReAct loop.
type LoopPhase string

const (
	PhaseStart            LoopPhase = "start"
	PhaseReasoning        LoopPhase = "reasoning"
	PhaseActing           LoopPhase = "acting"
	PhaseDone             LoopPhase = "done"
	PhaseMaxTurnsExceeded LoopPhase = "max_turns_exceeded"
	PhaseError            LoopPhase = "error"
)

// MaxTurnsExceededError is returned when the model keeps calling tools past
// the turn limit.
type MaxTurnsExceededError struct {
	TaskID string
	Limit  int
}

func (e *MaxTurnsExceededError) Error() string {
	return fmt.Sprintf("task %s: max turns exceeded (limit %d)", e.TaskID, e.Limit)
}

func (e *MaxTurnsExceededError) Is(target error) bool {
	return target == ErrMaxTurns
}

// UnknownToolError is returned when the model names a tool that no adapter
// provides. Nothing from the offending turn is recorded.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

func (e *UnknownToolError) Is(target error) bool {
	return target == ErrUnknownTool
}

// LoopError represents an error that occurred during the agentic loop execution
// with context about which phase and turn the error occurred in.
type LoopError struct {
	Phase LoopPhase
	Turn  int
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (turn %d): %v", e.Phase, e.Turn, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (turn %d)", e.Phase, e.Turn)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// PlanningError is returned when the model's plan is missing or unusable.
type PlanningError struct {
	Reason string
	Cause  error
}

func (e *PlanningError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("planning failed: %s: %v", e.Reason, e.Cause)
	}
	return "planning failed: " + e.Reason
}

func (e *PlanningError) Unwrap() error {
	return e.Cause
}

func (e *PlanningError) Is(target error) bool {
	return target == ErrPlanningFailed
}

// GetLoopError extracts a LoopError from an error chain.
func GetLoopError(err error) (*LoopError, bool) {
	var loopErr *LoopError
	if errors.As(err, &loopErr) {
		return loopErr, true
	}
	return nil, false
}
