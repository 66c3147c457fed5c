package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the persisted roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one persisted entry of a session transcript. Content is the
// role-dependent JSON payload and is never mutated after insertion.
type Message struct {
	ID          int64           `json:"id"`
	SessionID   int64           `json:"session_id"`
	Role        Role            `json:"role"`
	Content     json.RawMessage `json:"content"`
	Base64Image string          `json:"base64_image,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TextContent is the payload stored for plain text turns such as the
// initial prompt or a failure explanation.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AssistantContent is the payload stored for one model turn.
type AssistantContent struct {
	Content Blocks `json:"content"`
}

// ToolContent is the payload stored for a tool invocation. Absent fields are
// persisted as null.
type ToolContent struct {
	Type   string  `json:"type"`
	Output *string `json:"output"`
	Error  *string `json:"error"`
	System *string `json:"system"`
}

// NewTextContent encodes a text payload.
func NewTextContent(text string) json.RawMessage {
	return mustMarshal(TextContent{Type: "text", Text: text})
}

// NewAssistantContent encodes the content blocks of a model turn.
func NewAssistantContent(blocks []ContentBlock) (json.RawMessage, error) {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	data, err := json.Marshal(AssistantContent{Content: blocks})
	if err != nil {
		return nil, fmt.Errorf("encode assistant content: %w", err)
	}
	return data, nil
}

// NewToolContent encodes a tool invocation outcome.
func NewToolContent(output, errText, system string) json.RawMessage {
	return mustMarshal(ToolContent{
		Type:   "tool_result",
		Output: nullable(output),
		Error:  nullable(errText),
		System: nullable(system),
	})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("models: marshal %T: %v", v, err))
	}
	return data
}
