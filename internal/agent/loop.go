package agent

import (
	"context"
	"time"

	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// PromptCachingBeta enables ephemeral prompt caching on the Anthropic API.
const PromptCachingBeta = "prompt-caching-2024-07-31"

// thinkingHeadroom is added to max_tokens when the requested thinking budget
// would not fit under it.
const thinkingHeadroom = 1000

// LoopConfig configures a SamplingLoop.
type LoopConfig struct {
	// MaxIterations caps model calls per run. Zero means unlimited.
	MaxIterations int

	Logger *observability.Logger

	// Now stamps the system prompt date. Defaults to time.Now.
	Now func() time.Time
}

// LoopParams are the per-run inputs of the sampling loop.
type LoopParams struct {
	Model              string
	Provider           models.Provider
	SystemPromptSuffix string
	Conversation       models.Conversation

	ToolVersion           ToolVersion
	MaxTokens             int
	ThinkingBudget        *int
	OnlyNMostRecentImages *int
}

// LoopHandlers receive the loop's side effects. A handler error aborts the
// run with PhasePersist.
type LoopHandlers struct {
	// OnAssistantOutput is called exactly once per model turn, including
	// turns with no content.
	OnAssistantOutput func(ctx context.Context, blocks []models.ContentBlock) error

	// OnToolResult is called once per tool invocation with the raw result.
	OnToolResult func(ctx context.Context, toolUseID string, result *ToolResult) error
}

// SamplingLoop alternates model calls and tool execution until the model
// stops requesting tools.
type SamplingLoop struct {
	client   ModelClient
	toolsets ToolsetProvider
	config   LoopConfig
}

// NewSamplingLoop creates a loop bound to one model client.
func NewSamplingLoop(client ModelClient, toolsets ToolsetProvider, config LoopConfig) *SamplingLoop {
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &SamplingLoop{client: client, toolsets: toolsets, config: config}
}

// Run drives the conversation to completion and returns it. On failure the
// conversation so far is returned together with a *LoopError.
func (l *SamplingLoop) Run(ctx context.Context, params LoopParams, handlers LoopHandlers) (models.Conversation, error) {
	conv := params.Conversation
	system := BuildSystemPrompt(l.config.Now(), params.SystemPromptSuffix)
	caching := params.Provider == models.ProviderAnthropic

	// The retention threshold is the configured count even when caching
	// later disables truncation.
	keep := params.OnlyNMostRecentImages
	threshold := 0
	if keep != nil {
		threshold = *keep
	}

	for iteration := 1; ; iteration++ {
		if l.config.MaxIterations > 0 && iteration > l.config.MaxIterations {
			return conv, &LoopError{Phase: PhaseContinue, Iteration: iteration, Cause: ErrMaxIterations}
		}

		toolset, err := l.toolsets.Toolset(params.ToolVersion)
		if err != nil {
			return conv, &LoopError{Phase: PhaseInit, Iteration: iteration, Cause: err}
		}

		var betas []string
		if toolset.BetaFlag != "" {
			betas = append(betas, toolset.BetaFlag)
		}
		if caching {
			betas = append(betas, PromptCachingBeta)
			InjectCacheBreakpoints(conv)
		} else if keep != nil && *keep > 0 {
			if removed := FilterRecentImages(conv, keep, threshold); removed > 0 {
				l.config.Logger.Debug(ctx, "dropped old screenshots", "removed", removed, "keep", *keep)
			}
		}

		req := &ModelRequest{
			Model:       params.Model,
			System:      system,
			CacheSystem: caching,
			Messages:    conv,
			Tools:       toolset.Collection.Specs(),
			Betas:       betas,
			MaxTokens:   params.MaxTokens,
		}
		req.MaxTokens, req.ThinkingBudget = clampThinking(params.MaxTokens, params.ThinkingBudget)

		l.config.Logger.Debug(ctx, "calling model",
			"iteration", iteration,
			"model", params.Model,
			"turns", len(conv),
			"max_tokens", req.MaxTokens,
			"thinking_budget", req.ThinkingBudget,
		)

		resp, err := l.client.Send(ctx, req)
		if err != nil {
			return conv, &LoopError{Phase: PhaseModel, Iteration: iteration, Cause: err}
		}

		content := resp.Content
		if content == nil {
			content = []models.ContentBlock{}
		}
		conv = conv.Append(models.RoleAssistant, content)
		if handlers.OnAssistantOutput != nil {
			if err := handlers.OnAssistantOutput(ctx, content); err != nil {
				return conv, &LoopError{Phase: PhasePersist, Iteration: iteration, Cause: err}
			}
		}

		uses := models.Blocks(content).ToolUses()
		if len(uses) == 0 {
			return conv, nil
		}

		results := make([]models.ContentBlock, 0, len(uses))
		for _, use := range uses {
			result, err := toolset.Collection.Run(ctx, use.Name, use.Input)
			if err != nil {
				return conv, &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: err}
			}
			results = append(results, MakeToolResultBlock(result, use.ID))
			if handlers.OnToolResult != nil {
				if err := handlers.OnToolResult(ctx, use.ID, result); err != nil {
					return conv, &LoopError{Phase: PhasePersist, Iteration: iteration, Cause: err}
				}
			}
		}
		conv = conv.Append(models.RoleUser, results)
	}
}

// clampThinking keeps the thinking budget strictly below max_tokens. A
// budget at or above the ceiling raises the ceiling instead of failing.
func clampThinking(maxTokens int, budget *int) (int, int) {
	if budget == nil || *budget <= 0 {
		return maxTokens, 0
	}
	requested := *budget
	effective := min(requested, maxTokens-1)
	if maxTokens <= requested {
		maxTokens = requested + thinkingHeadroom
	}
	if effective <= 0 {
		return maxTokens, 0
	}
	return maxTokens, effective
}

// MakeToolResultBlock converts a raw tool result into the block answering
// toolUseID. System context is prepended to the text.
func MakeToolResultBlock(result *ToolResult, toolUseID string) *models.ToolResultBlock {
	block := &models.ToolResultBlock{ToolUseID: toolUseID, Content: []models.ContentBlock{}}
	if result == nil {
		return block
	}
	if result.Error != "" {
		block.IsError = true
		block.Content = append(block.Content, &models.TextBlock{Text: withSystem(result, result.Error)})
		return block
	}
	if result.Output != "" {
		block.Content = append(block.Content, &models.TextBlock{Text: withSystem(result, result.Output)})
	}
	if result.Base64Image != "" {
		block.Content = append(block.Content, &models.ImageBlock{MediaType: "image/png", Data: result.Base64Image})
	}
	return block
}

func withSystem(result *ToolResult, text string) string {
	if result.System == "" {
		return text
	}
	return "<system>" + result.System + "</system>\n" + text
}
