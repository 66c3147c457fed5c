package orchestrator

import (
	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// DefaultOnlyNMostRecentImages is the screenshot retention used when a
// session does not set one.
const DefaultOnlyNMostRecentImages = 3

// fallbackModel supplies the capabilities of models missing from ModelConfigs.
const fallbackModel = "claude-3-haiku-20240307"

// DefaultModels maps each provider to the model used when a session does
// not name one.
var DefaultModels = map[models.Provider]string{
	models.ProviderAnthropic: "claude-sonnet-4-5-20250929",
	models.ProviderBedrock:   "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	models.ProviderVertex:    "claude-sonnet-4@20250514",
}

// ModelConfig is what the service knows about a model.
type ModelConfig struct {
	ToolVersion      agent.ToolVersion
	MaxTokens        int
	SupportsThinking bool
}

var (
	thinkingModel = ModelConfig{ToolVersion: agent.ToolVersion20250124, MaxTokens: 128_000, SupportsThinking: true}
	compactModel  = ModelConfig{ToolVersion: agent.ToolVersion20250124, MaxTokens: 8 * 1024}
)

// ModelConfigs lists every model with known capabilities.
var ModelConfigs = map[string]ModelConfig{
	// Anthropic API
	"claude-sonnet-4-5-20250929": thinkingModel,
	"claude-sonnet-4-20250514":   thinkingModel,
	"claude-opus-4-20250514":     thinkingModel,
	"claude-haiku-4-5-20251001":  compactModel,
	"claude-3-haiku-20240307":    {ToolVersion: agent.ToolVersion20241022, MaxTokens: 8 * 1024},
	"claude-3-7-sonnet-20250219": thinkingModel,

	// Bedrock
	"us.anthropic.claude-3-7-sonnet-20250219-v1:0": thinkingModel,
	"anthropic.claude-haiku-4-5-20251001-v1:0":     compactModel,
	"anthropic.claude-sonnet-4-5-20250929-v1:0":    thinkingModel,
	"anthropic.claude-opus-4-20250514-v1:0":        thinkingModel,

	// Vertex
	"claude-haiku-4-5@20251001": compactModel,
	"claude-sonnet-4@20250514":  thinkingModel,
	"claude-opus-4@20250508":    thinkingModel,
}

// LookupModel returns the capabilities of model. Unknown models get the
// most conservative entry.
func LookupModel(model string) ModelConfig {
	if cfg, ok := ModelConfigs[model]; ok {
		return cfg
	}
	return ModelConfigs[fallbackModel]
}

// DefaultModel returns the default model of provider.
func DefaultModel(provider models.Provider) string {
	if model, ok := DefaultModels[provider]; ok {
		return model
	}
	return DefaultModels[models.ProviderAnthropic]
}

// Defaults are the service-wide fallbacks for session overrides.
type Defaults struct {
	// OnlyNMostRecentImages applies when the session leaves it unset.
	OnlyNMostRecentImages int

	// Models overrides DefaultModels per provider.
	Models map[models.Provider]string
}

// ResolveRunParams fills the loop parameters of a session from its
// overrides and the model tables.
func ResolveRunParams(session *models.Session, defaults Defaults) agent.LoopParams {
	model := session.Model
	if model == "" {
		model = defaults.Models[session.Provider]
	}
	if model == "" {
		model = DefaultModel(session.Provider)
	}
	cfg := LookupModel(model)

	maxTokens := session.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.MaxTokens
	}

	var budget *int
	switch {
	case session.ThinkingBudget != nil && *session.ThinkingBudget > 0:
		b := *session.ThinkingBudget
		budget = &b
	case cfg.SupportsThinking:
		b := maxTokens / 2
		budget = &b
	}

	keep := defaults.OnlyNMostRecentImages
	if session.OnlyNMostRecentImages != nil {
		keep = *session.OnlyNMostRecentImages
	}

	version := agent.ToolVersion(session.ToolVersion)
	if version == "" {
		version = cfg.ToolVersion
	}

	conv := models.Conversation{models.UserText(session.InitialPrompt)}
	return agent.LoopParams{
		Model:                 model,
		Provider:              session.Provider,
		SystemPromptSuffix:    session.SystemPromptSuffix,
		Conversation:          conv,
		ToolVersion:           version,
		MaxTokens:             maxTokens,
		ThinkingBudget:        budget,
		OnlyNMostRecentImages: &keep,
	}
}
