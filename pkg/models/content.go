package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// BlockType tags a ContentBlock variant.
type BlockType string

const (
	BlockText             BlockType = "text"
	BlockImage            BlockType = "image"
	BlockToolUse          BlockType = "tool_use"
	BlockToolResult       BlockType = "tool_result"
	BlockThinking         BlockType = "thinking"
	BlockRedactedThinking BlockType = "redacted_thinking"
)

// ContentBlock is the closed set of block kinds exchanged with the model.
// Only the types in this file implement it.
type ContentBlock interface {
	Type() BlockType
	contentBlock()
}

// Cacheable is implemented by blocks that can carry a prompt-cache breakpoint.
type Cacheable interface {
	ContentBlock
	SetCacheBreakpoint(on bool)
	HasCacheBreakpoint() bool
}

// CacheBreakpoint is embedded by cacheable block kinds.
type CacheBreakpoint struct {
	cache bool
}

// SetCacheBreakpoint marks or clears the block as an ephemeral cache boundary.
func (c *CacheBreakpoint) SetCacheBreakpoint(on bool) { c.cache = on }

// HasCacheBreakpoint reports whether the block is marked.
func (c *CacheBreakpoint) HasCacheBreakpoint() bool { return c.cache }

func (c *CacheBreakpoint) wire() *wireCacheControl {
	if c == nil || !c.cache {
		return nil
	}
	return &wireCacheControl{Type: "ephemeral"}
}

// TextBlock is plain text.
type TextBlock struct {
	CacheBreakpoint
	Text string
}

// ImageBlock is an inline base64 image.
type ImageBlock struct {
	CacheBreakpoint
	MediaType string
	Data      string
}

// ToolUseBlock is a model-requested action.
type ToolUseBlock struct {
	CacheBreakpoint
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResultBlock answers the ToolUseBlock with the same ID. Content holds
// only text and image blocks.
type ToolResultBlock struct {
	CacheBreakpoint
	ToolUseID string
	Content   []ContentBlock
	IsError   bool
}

// ThinkingBlock is extended reasoning output. Signature must be echoed back
// unchanged on later calls.
type ThinkingBlock struct {
	Thinking  string
	Signature string
}

// RedactedThinkingBlock is reasoning the backend returned encrypted.
type RedactedThinkingBlock struct {
	Data string
}

func (*TextBlock) Type() BlockType             { return BlockText }
func (*ImageBlock) Type() BlockType            { return BlockImage }
func (*ToolUseBlock) Type() BlockType          { return BlockToolUse }
func (*ToolResultBlock) Type() BlockType       { return BlockToolResult }
func (*ThinkingBlock) Type() BlockType         { return BlockThinking }
func (*RedactedThinkingBlock) Type() BlockType { return BlockRedactedThinking }

func (*TextBlock) contentBlock()             {}
func (*ImageBlock) contentBlock()            {}
func (*ToolUseBlock) contentBlock()          {}
func (*ToolResultBlock) contentBlock()       {}
func (*ThinkingBlock) contentBlock()         {}
func (*RedactedThinkingBlock) contentBlock() {}

// Blocks is an ordered block sequence with a JSON codec matching the
// Messages API block shapes.
type Blocks []ContentBlock

// ToolUses returns the tool-use blocks in order.
func (b Blocks) ToolUses() []*ToolUseBlock {
	var uses []*ToolUseBlock
	for _, block := range b {
		if use, ok := block.(*ToolUseBlock); ok {
			uses = append(uses, use)
		}
	}
	return uses
}

type wireCacheControl struct {
	Type string `json:"type"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type wireBlock struct {
	Type         BlockType         `json:"type"`
	Text         *string           `json:"text,omitempty"`
	Source       *wireImageSource  `json:"source,omitempty"`
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Input        json.RawMessage   `json:"input,omitempty"`
	ToolUseID    string            `json:"tool_use_id,omitempty"`
	Content      json.RawMessage   `json:"content,omitempty"`
	IsError      bool              `json:"is_error,omitempty"`
	Thinking     *string           `json:"thinking,omitempty"`
	Signature    string            `json:"signature,omitempty"`
	Data         string            `json:"data,omitempty"`
	CacheControl *wireCacheControl `json:"cache_control,omitempty"`
}

func (b *TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockText, Text: &b.Text, CacheControl: b.wire()})
}

func (b *ImageBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{
		Type:         BlockImage,
		Source:       &wireImageSource{Type: "base64", MediaType: b.MediaType, Data: b.Data},
		CacheControl: b.wire(),
	})
}

func (b *ToolUseBlock) MarshalJSON() ([]byte, error) {
	input := b.Input
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	return json.Marshal(wireBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name, Input: input, CacheControl: b.wire()})
}

func (b *ToolResultBlock) MarshalJSON() ([]byte, error) {
	content := b.Content
	if content == nil {
		content = []ContentBlock{}
	}
	raw, err := json.Marshal(Blocks(content))
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireBlock{
		Type:         BlockToolResult,
		ToolUseID:    b.ToolUseID,
		Content:      raw,
		IsError:      b.IsError,
		CacheControl: b.wire(),
	})
}

func (b *ThinkingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockThinking, Thinking: &b.Thinking, Signature: b.Signature})
}

func (b *RedactedThinkingBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockRedactedThinking, Data: b.Data})
}

// UnmarshalJSON decodes a JSON array of typed blocks.
func (b *Blocks) UnmarshalJSON(data []byte) error {
	var wire []wireBlock
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode content blocks: %w", err)
	}
	out := make(Blocks, 0, len(wire))
	for i, w := range wire {
		block, err := w.block()
		if err != nil {
			return fmt.Errorf("content block %d: %w", i, err)
		}
		out = append(out, block)
	}
	*b = out
	return nil
}

// UnmarshalBlocks decodes a persisted block array.
func UnmarshalBlocks(data []byte) ([]ContentBlock, error) {
	var blocks Blocks
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (w wireBlock) block() (ContentBlock, error) {
	cache := CacheBreakpoint{cache: w.CacheControl != nil && w.CacheControl.Type == "ephemeral"}
	switch w.Type {
	case BlockText:
		return &TextBlock{CacheBreakpoint: cache, Text: deref(w.Text)}, nil
	case BlockImage:
		if w.Source == nil {
			return nil, fmt.Errorf("image block without source")
		}
		return &ImageBlock{CacheBreakpoint: cache, MediaType: w.Source.MediaType, Data: w.Source.Data}, nil
	case BlockToolUse:
		return &ToolUseBlock{CacheBreakpoint: cache, ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case BlockToolResult:
		content, err := toolResultContent(w.Content)
		if err != nil {
			return nil, err
		}
		return &ToolResultBlock{CacheBreakpoint: cache, ToolUseID: w.ToolUseID, Content: content, IsError: w.IsError}, nil
	case BlockThinking:
		return &ThinkingBlock{Thinking: deref(w.Thinking), Signature: w.Signature}, nil
	case BlockRedactedThinking:
		return &RedactedThinkingBlock{Data: w.Data}, nil
	default:
		return nil, fmt.Errorf("unknown block type %q", w.Type)
	}
}

// toolResultContent accepts both the list form and the bare string form.
func toolResultContent(raw json.RawMessage) ([]ContentBlock, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []ContentBlock{&TextBlock{Text: text}}, nil
	}
	return UnmarshalBlocks(raw)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
