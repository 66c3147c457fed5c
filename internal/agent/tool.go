package agent

import (
	"context"
	"encoding/json"
)

// ToolResult is the outcome of one tool invocation. Every field is always
// present; an empty string means absent.
type ToolResult struct {
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	System      string `json:"system,omitempty"`
	Base64Image string `json:"base64_image,omitempty"`
}

// Failed reports whether the tool reported an error.
func (r *ToolResult) Failed() bool {
	return r != nil && r.Error != ""
}

// Merge combines two partial results, concatenating text fields. The image
// of other wins when both carry one.
func (r *ToolResult) Merge(other *ToolResult) *ToolResult {
	if r == nil {
		return other
	}
	if other == nil {
		return r
	}
	img := r.Base64Image
	if other.Base64Image != "" {
		img = other.Base64Image
	}
	return &ToolResult{
		Output:      r.Output + other.Output,
		Error:       r.Error + other.Error,
		System:      r.System + other.System,
		Base64Image: img,
	}
}

// ToolSpec describes a tool to the model backend. Anthropic-defined tools
// are identified by Type (for example "computer_20250124"); the schema is
// owned by the API.
type ToolSpec struct {
	Name string
	Type string

	// Display geometry, set only for computer tools.
	DisplayWidthPx  int
	DisplayHeightPx int
	DisplayNumber   int
}

// Tool executes one named action against the desktop environment.
//
// Execute returns a *ToolError (or a ToolResult with Error set) for failures
// the model should see. Any other error is treated as fatal to the run.
type Tool interface {
	Name() string
	Spec() ToolSpec
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// ToolVersion selects a versioned group of tool schemas.
type ToolVersion string

const (
	ToolVersion20241022 ToolVersion = "computer_use_20241022"
	ToolVersion20250124 ToolVersion = "computer_use_20250124"
)

// ToolVersions lists every supported version.
var ToolVersions = []ToolVersion{ToolVersion20241022, ToolVersion20250124}

// Valid reports whether v is a supported version.
func (v ToolVersion) Valid() bool {
	for _, known := range ToolVersions {
		if v == known {
			return true
		}
	}
	return false
}

// Toolset is the resolved tool group for one version.
type Toolset struct {
	Version    ToolVersion
	BetaFlag   string
	Collection *ToolCollection
}

// ToolsetProvider resolves the toolset for a version.
type ToolsetProvider interface {
	Toolset(version ToolVersion) (*Toolset, error)
}

// ToolsetProviderFunc adapts a function to ToolsetProvider.
type ToolsetProviderFunc func(version ToolVersion) (*Toolset, error)

func (f ToolsetProviderFunc) Toolset(version ToolVersion) (*Toolset, error) {
	return f(version)
}
