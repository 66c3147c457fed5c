package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// ModelRequest is one call to the model backend.
type ModelRequest struct {
	Model    string
	System   string
	Messages models.Conversation
	Tools    []ToolSpec
	Betas    []string

	// CacheSystem marks the system prompt as an ephemeral cache boundary.
	CacheSystem bool

	MaxTokens int
	// ThinkingBudget enables extended thinking when positive.
	ThinkingBudget int
}

// Usage is the token accounting of one response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ModelResponse is a normalized assistant turn.
type ModelResponse struct {
	Content    []models.ContentBlock
	StopReason string
	Usage      Usage
}

// ModelClient sends a conversation to a model backend. Implementations
// normalize both streamed and complete responses into content blocks.
type ModelClient interface {
	Send(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}

// ModelClientFunc adapts a function to ModelClient.
type ModelClientFunc func(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

func (f ModelClientFunc) Send(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	return f(ctx, req)
}

// StreamEventType mirrors the server-sent event names of the Messages API.
type StreamEventType string

const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageDelta      StreamEventType = "message_delta"
	EventMessageStop       StreamEventType = "message_stop"
	EventPing              StreamEventType = "ping"
	EventError             StreamEventType = "error"
)

// DeltaType names the payload carried by a content_block_delta.
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaThinking  DeltaType = "thinking_delta"
	DeltaSignature DeltaType = "signature_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
)

// StreamEvent is a transport-neutral stream event. Backends translate their
// SDK events into this shape and feed a StreamAccumulator.
type StreamEvent struct {
	Type StreamEventType

	// content_block_start
	BlockType models.BlockType
	ID        string
	Name      string
	Data      string

	// content_block_delta
	Delta DeltaType
	Text  string

	// message_delta
	StopReason string

	InputTokens  int64
	OutputTokens int64

	// error
	Message string
}

// ErrStreamIncomplete is returned when a stream ends without message_stop
// and with a block still open.
var ErrStreamIncomplete = errors.New("model stream ended before message_stop")

type openBlock struct {
	kind      models.BlockType
	id        string
	name      string
	data      string
	text      strings.Builder
	signature strings.Builder
}

// StreamAccumulator assembles streamed deltas into complete content blocks.
// Text, thinking and tool input fragments are buffered until the block stops
// or the message stops; empty text blocks are dropped.
type StreamAccumulator struct {
	open     *openBlock
	blocks   []models.ContentBlock
	usage    Usage
	stop     string
	finished bool
}

// Add consumes one event.
func (a *StreamAccumulator) Add(ev StreamEvent) error {
	switch ev.Type {
	case EventMessageStart:
		a.usage.InputTokens += ev.InputTokens
	case EventContentBlockStart:
		if err := a.flush(); err != nil {
			return err
		}
		a.open = &openBlock{kind: ev.BlockType, id: ev.ID, name: ev.Name, data: ev.Data}
		if ev.BlockType == "" {
			a.open.kind = models.BlockText
		}
		if ev.Text != "" {
			a.open.text.WriteString(ev.Text)
		}
	case EventContentBlockDelta:
		if a.open == nil {
			// Text arriving without a start event is treated as an implicit text block.
			a.open = &openBlock{kind: models.BlockText}
		}
		switch ev.Delta {
		case DeltaText, DeltaThinking, DeltaInputJSON:
			a.open.text.WriteString(ev.Text)
		case DeltaSignature:
			a.open.signature.WriteString(ev.Text)
		}
	case EventContentBlockStop:
		return a.flush()
	case EventMessageDelta:
		a.usage.OutputTokens += ev.OutputTokens
		if ev.StopReason != "" {
			a.stop = ev.StopReason
		}
	case EventMessageStop:
		a.finished = true
		return a.flush()
	case EventError:
		return fmt.Errorf("model stream error: %s", ev.Message)
	}
	return nil
}

func (a *StreamAccumulator) flush() error {
	open := a.open
	if open == nil {
		return nil
	}
	a.open = nil

	switch open.kind {
	case models.BlockText:
		if open.text.Len() > 0 {
			a.blocks = append(a.blocks, &models.TextBlock{Text: open.text.String()})
		}
	case models.BlockThinking:
		a.blocks = append(a.blocks, &models.ThinkingBlock{
			Thinking:  open.text.String(),
			Signature: open.signature.String(),
		})
	case models.BlockRedactedThinking:
		a.blocks = append(a.blocks, &models.RedactedThinkingBlock{Data: open.data})
	case models.BlockToolUse:
		input := json.RawMessage("{}")
		if raw := strings.TrimSpace(open.text.String()); raw != "" {
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("tool_use %s: malformed input JSON", open.id)
			}
			input = json.RawMessage(raw)
		}
		a.blocks = append(a.blocks, &models.ToolUseBlock{ID: open.id, Name: open.name, Input: input})
	default:
		return fmt.Errorf("unsupported streamed block type %q", open.kind)
	}
	return nil
}

// Response returns the assembled turn. It fails if a block is still open
// and message_stop never arrived.
func (a *StreamAccumulator) Response() (*ModelResponse, error) {
	if a.open != nil {
		if a.finished {
			if err := a.flush(); err != nil {
				return nil, err
			}
		} else {
			return nil, ErrStreamIncomplete
		}
	}
	blocks := a.blocks
	if blocks == nil {
		blocks = []models.ContentBlock{}
	}
	return &ModelResponse{Content: blocks, StopReason: a.stop, Usage: a.usage}, nil
}
