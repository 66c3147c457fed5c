package agent

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMaxIterations indicates the sampling loop hit its iteration cap.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrToolNotFound indicates the model requested a tool outside the active toolset.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolTimeout indicates a tool execution timed out.
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution.
	ErrToolPanic = errors.New("tool panicked")

	// ErrUnknownToolVersion indicates no toolset is registered for a version.
	ErrUnknownToolVersion = errors.New("unknown tool version")
)

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorPermission   ToolErrorType = "permission"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
	ToolErrorUnknown      ToolErrorType = "unknown"
)

// Recoverable reports whether an error of this type is fed back to the model
// as a tool result instead of aborting the run.
func (t ToolErrorType) Recoverable() bool {
	return t != ToolErrorPanic
}

// ToolError is a tool failure the model can react to. Tools return it for
// bad input or failed actions; the collection turns it into a ToolResult
// error so the loop continues.
type ToolError struct {
	Type     ToolErrorType
	ToolName string
	Message  string
	Cause    error
}

func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ToolError) Unwrap() error {
	return e.Cause
}

// Detail returns the text shown to the model.
func (e *ToolError) Detail() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Type)
}

// NewToolError creates a ToolError classified from the cause.
func NewToolError(toolName string, cause error) *ToolError {
	err := &ToolError{ToolName: toolName, Cause: cause, Type: ToolErrorUnknown}
	if cause != nil {
		err.Message = cause.Error()
		err.Type = classifyToolError(cause)
	}
	return err
}

// ToolErrorf creates a ToolError with a formatted message and an explicit type.
func ToolErrorf(typ ToolErrorType, format string, args ...any) *ToolError {
	return &ToolError{Type: typ, Message: fmt.Sprintf(format, args...)}
}

// WithType sets the error type.
func (e *ToolError) WithType(t ToolErrorType) *ToolError {
	e.Type = t
	return e
}

// WithMessage overrides the message shown to the model.
func (e *ToolError) WithMessage(msg string) *ToolError {
	e.Message = msg
	return e
}

func classifyToolError(err error) ToolErrorType {
	if err == nil {
		return ToolErrorUnknown
	}
	switch {
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolTimeout):
		return ToolErrorTimeout
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "timed out"),
		strings.Contains(errStr, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "permission"),
		strings.Contains(errStr, "forbidden"),
		strings.Contains(errStr, "access denied"):
		return ToolErrorPermission
	case strings.Contains(errStr, "invalid"),
		strings.Contains(errStr, "validation"),
		strings.Contains(errStr, "required"),
		strings.Contains(errStr, "missing"):
		return ToolErrorInvalidInput
	}
	return ToolErrorExecution
}

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// LoopPhase names the part of an iteration where a LoopError happened.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseModel        LoopPhase = "model"
	PhasePersist      LoopPhase = "persist"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseContinue     LoopPhase = "continue"
)

// LoopError reports a run-ending failure of the sampling loop.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Message   string
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

// GetLoopError extracts a LoopError from an error chain.
func GetLoopError(err error) (*LoopError, bool) {
	var loopErr *LoopError
	if errors.As(err, &loopErr) {
		return loopErr, true
	}
	return nil, false
}
