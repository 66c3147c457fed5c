package models

import (
	"encoding/json"
	"fmt"
)

// Turn is one entry of the working conversation sent to the model. Only
// user and assistant roles appear in a Turn; tool results travel inside a
// user turn.
type Turn struct {
	Role    Role   `json:"role"`
	Content Blocks `json:"content"`
}

// Conversation is the ordered turn list of a run.
type Conversation []Turn

// UserText builds a single-text user turn.
func UserText(text string) Turn {
	return Turn{Role: RoleUser, Content: Blocks{&TextBlock{Text: text}}}
}

// Append adds a turn and returns the extended conversation.
func (c Conversation) Append(role Role, content []ContentBlock) Conversation {
	return append(c, Turn{Role: role, Content: content})
}

// ImageCount returns the number of images nested in tool results.
func (c Conversation) ImageCount() int {
	n := 0
	for _, turn := range c {
		for _, block := range turn.Content {
			result, ok := block.(*ToolResultBlock)
			if !ok {
				continue
			}
			for _, inner := range result.Content {
				if _, ok := inner.(*ImageBlock); ok {
					n++
				}
			}
		}
	}
	return n
}

// MarshalBlocks encodes blocks as a JSON array.
func MarshalBlocks(blocks []ContentBlock) (json.RawMessage, error) {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	data, err := json.Marshal(Blocks(blocks))
	if err != nil {
		return nil, fmt.Errorf("encode content blocks: %w", err)
	}
	return data, nil
}
