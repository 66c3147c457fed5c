// Package bash implements the "bash" tool: a persistent shell the model
// drives one command at a time.
package bash

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/tools/toolschema"
)

// Name is the tool name the model calls.
const Name = "bash"

// Input is the tool input.
type Input struct {
	Command string `json:"command,omitempty" jsonschema:"description=The bash command to run."`
	Restart bool   `json:"restart,omitempty" jsonschema:"description=Restart the shell session."`
}

var validator = toolschema.ForStruct("bash", &Input{})

// Schema returns the input schema.
func Schema() json.RawMessage {
	return validator.Schema()
}

// Tool runs commands in a shell session that survives between calls. The
// session is started lazily on first use.
type Tool struct {
	version agent.ToolVersion
	config  SessionConfig

	mu      sync.Mutex
	session *Session
}

var _ agent.Tool = (*Tool)(nil)

// New creates a bash tool for a version.
func New(version agent.ToolVersion, config SessionConfig) (*Tool, error) {
	if version != agent.ToolVersion20241022 && version != agent.ToolVersion20250124 {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownToolVersion, version)
	}
	return &Tool{version: version, config: config}, nil
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Spec() agent.ToolSpec {
	typ := "bash_20250124"
	if t.version == agent.ToolVersion20241022 {
		typ = "bash_20241022"
	}
	return agent.ToolSpec{Name: Name, Type: typ}
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	if err := validator.Validate(raw); err != nil {
		return nil, err
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, agent.ToolErrorf(agent.ToolErrorInvalidInput, "invalid input: %v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if in.Restart {
		if t.session != nil {
			_ = t.session.Stop()
		}
		t.session = NewSession(t.config)
		if err := t.session.Start(); err != nil {
			return nil, agent.NewToolError(Name, err).WithType(agent.ToolErrorExecution)
		}
		return &agent.ToolResult{System: "tool has been restarted."}, nil
	}

	if t.session == nil {
		session := NewSession(t.config)
		if err := session.Start(); err != nil {
			return nil, agent.NewToolError(Name, err).WithType(agent.ToolErrorExecution)
		}
		t.session = session
	}
	if in.Command == "" {
		return nil, agent.ToolErrorf(agent.ToolErrorInvalidInput, "no command provided.")
	}
	return t.session.Run(ctx, in.Command)
}

// Close stops the shell if one is running.
func (t *Tool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return nil
	}
	err := t.session.Stop()
	t.session = nil
	return err
}
