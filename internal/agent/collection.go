package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/deskpilot/internal/observability"
)

// CollectionConfig configures tool execution.
type CollectionConfig struct {
	// Timeout bounds a single tool execution. Zero means DefaultToolTimeout.
	Timeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// DefaultToolTimeout bounds tools that do not set their own deadline.
const DefaultToolTimeout = 180 * time.Second

// ToolCollection dispatches tool-use requests by name. Tools run one at a
// time in request order.
type ToolCollection struct {
	tools  []Tool
	byName map[string]Tool
	config CollectionConfig
}

// NewToolCollection builds a collection. Later tools replace earlier ones
// with the same name.
func NewToolCollection(config CollectionConfig, tools ...Tool) *ToolCollection {
	if config.Timeout <= 0 {
		config.Timeout = DefaultToolTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}
	c := &ToolCollection{byName: make(map[string]Tool, len(tools)), config: config}
	for _, tool := range tools {
		if _, dup := c.byName[tool.Name()]; !dup {
			c.tools = append(c.tools, tool)
		} else {
			for i, existing := range c.tools {
				if existing.Name() == tool.Name() {
					c.tools[i] = tool
				}
			}
		}
		c.byName[tool.Name()] = tool
	}
	return c
}

// Specs returns the schemas advertised to the model, in registration order.
func (c *ToolCollection) Specs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(c.tools))
	for _, tool := range c.tools {
		specs = append(specs, tool.Spec())
	}
	return specs
}

// Names returns the registered tool names.
func (c *ToolCollection) Names() []string {
	names := make([]string, 0, len(c.tools))
	for _, tool := range c.tools {
		names = append(names, tool.Name())
	}
	return names
}

// Run executes the named tool. Unknown tools and ToolErrors come back as a
// ToolResult with Error set and a nil error. Panics and other errors are
// returned so the caller can abort the run.
func (c *ToolCollection) Run(ctx context.Context, name string, input json.RawMessage) (*ToolResult, error) {
	tool, ok := c.byName[name]
	if !ok {
		c.config.Metrics.RecordToolExecution(name, "not_found", 0)
		return &ToolResult{Error: fmt.Sprintf("Tool %s is invalid", name)}, nil
	}

	ctx, span := c.config.Tracer.TraceToolExecution(ctx, name)
	defer span.End()

	start := time.Now()
	result, err := c.executeWithTimeout(ctx, tool, input)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		c.config.Tracer.RecordError(span, err)
		toolErr, ok := GetToolError(err)
		if ok && toolErr.Type.Recoverable() {
			c.config.Metrics.RecordToolExecution(name, "error", elapsed)
			c.config.Logger.Warn(ctx, "tool failed", "tool", name, "type", string(toolErr.Type), "error", toolErr.Detail())
			return &ToolResult{Error: toolErr.Detail()}, nil
		}
		status := "fatal"
		if errors.Is(err, ErrToolPanic) {
			status = "panic"
		}
		c.config.Metrics.RecordToolExecution(name, status, elapsed)
		c.config.Logger.Error(ctx, "tool aborted", "tool", name, "error", err)
		return nil, err
	}
	if result == nil {
		result = &ToolResult{}
	}

	status := "success"
	if result.Failed() {
		status = "error"
	}
	c.config.Metrics.RecordToolExecution(name, status, elapsed)
	c.config.Logger.Debug(ctx, "tool executed", "tool", name, "status", status, "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

func (c *ToolCollection) executeWithTimeout(ctx context.Context, tool Tool, input json.RawMessage) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- execResult{err: &ToolError{
					Type:     ToolErrorPanic,
					ToolName: tool.Name(),
					Message:  fmt.Sprintf("panic: %v\n%s", r, debug.Stack()),
					Cause:    ErrToolPanic,
				}}
			}
		}()
		result, err := tool.Execute(execCtx, input)
		resultCh <- execResult{result: result, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil && execCtx.Err() != nil {
			return nil, c.deadlineError(ctx, tool)
		}
		return res.result, res.err
	case <-execCtx.Done():
		return nil, c.deadlineError(ctx, tool)
	}
}

// deadlineError distinguishes a run-wide cancellation from the per-tool timeout.
func (c *ToolCollection) deadlineError(ctx context.Context, tool Tool) error {
	if ctx.Err() != nil {
		return fmt.Errorf("tool %s: %w", tool.Name(), ctx.Err())
	}
	return &ToolError{
		Type:     ToolErrorTimeout,
		ToolName: tool.Name(),
		Message:  fmt.Sprintf("%s timed out after %s", tool.Name(), c.config.Timeout),
		Cause:    ErrToolTimeout,
	}
}
