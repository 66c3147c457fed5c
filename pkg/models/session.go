package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusQueued    SessionStatus = "queued"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusError     SessionStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// CanTransition reports whether moving from s to next is allowed.
// queued may fail directly when credentials cannot be resolved.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusError
	case StatusRunning:
		return next == StatusCompleted || next == StatusError
	default:
		return false
	}
}

// Provider identifies a model backend.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderBedrock   Provider = "bedrock"
	ProviderVertex    Provider = "vertex"
)

// Providers lists every supported backend.
var Providers = []Provider{ProviderAnthropic, ProviderBedrock, ProviderVertex}

// ParseProvider normalizes and validates a provider name.
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown provider %q", name)
}

// Session is one end-to-end agent run for a single initial task.
type Session struct {
	ID            int64         `json:"id"`
	InitialPrompt string        `json:"initial_prompt"`
	Status        SessionStatus `json:"status"`
	Provider      Provider      `json:"provider"`

	// Optional overrides. Zero values are resolved from the model tables at run start.
	Model                 string `json:"model,omitempty"`
	SystemPromptSuffix    string `json:"system_prompt_suffix,omitempty"`
	MaxTokens             int    `json:"max_tokens,omitempty"`
	ThinkingBudget        *int   `json:"thinking_budget,omitempty"`
	OnlyNMostRecentImages *int   `json:"only_n_most_recent_images,omitempty"`
	ToolVersion           string `json:"tool_version,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
