package providers

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// Anthropic-defined tool types accepted by the beta Messages API.
const (
	toolComputer20241022   = "computer_20241022"
	toolComputer20250124   = "computer_20250124"
	toolBash20241022       = "bash_20241022"
	toolBash20250124       = "bash_20250124"
	toolTextEditor20241022 = "text_editor_20241022"
	toolTextEditor20250124 = "text_editor_20250124"
)

// buildParams converts a ModelRequest into beta Messages API parameters.
func buildParams(req *agent.ModelRequest) (anthropic.BetaMessageNewParams, error) {
	messages, err := convertConversation(req.Messages)
	if err != nil {
		return anthropic.BetaMessageNewParams{}, err
	}
	tools, err := convertTools(req.Tools)
	if err != nil {
		return anthropic.BetaMessageNewParams{}, err
	}

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
		Tools:     tools,
	}
	if req.System != "" {
		system := anthropic.BetaTextBlockParam{Text: req.System}
		if req.CacheSystem {
			system.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
		}
		params.System = []anthropic.BetaTextBlockParam{system}
	}
	for _, beta := range req.Betas {
		params.Betas = append(params.Betas, anthropic.AnthropicBeta(beta))
	}
	if req.ThinkingBudget > 0 {
		params.Thinking = anthropic.BetaThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	return params, nil
}

func convertConversation(conv models.Conversation) ([]anthropic.BetaMessageParam, error) {
	out := make([]anthropic.BetaMessageParam, 0, len(conv))
	for i, turn := range conv {
		role := anthropic.BetaMessageParamRoleUser
		if turn.Role == models.RoleAssistant {
			role = anthropic.BetaMessageParamRoleAssistant
		}
		content := make([]anthropic.BetaContentBlockParamUnion, 0, len(turn.Content))
		for _, block := range turn.Content {
			param, err := convertBlock(block)
			if err != nil {
				return nil, fmt.Errorf("turn %d: %w", i, err)
			}
			content = append(content, param)
		}
		out = append(out, anthropic.BetaMessageParam{Role: role, Content: content})
	}
	return out, nil
}

func convertBlock(block models.ContentBlock) (anthropic.BetaContentBlockParamUnion, error) {
	switch b := block.(type) {
	case *models.TextBlock:
		return anthropic.BetaContentBlockParamUnion{OfText: textParam(b)}, nil
	case *models.ImageBlock:
		return anthropic.BetaContentBlockParamUnion{OfImage: imageParam(b)}, nil
	case *models.ToolUseBlock:
		param := &anthropic.BetaToolUseBlockParam{ID: b.ID, Name: b.Name, Input: b.Input}
		if len(b.Input) == 0 {
			param.Input = map[string]any{}
		}
		if b.HasCacheBreakpoint() {
			param.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
		}
		return anthropic.BetaContentBlockParamUnion{OfToolUse: param}, nil
	case *models.ToolResultBlock:
		param, err := toolResultParam(b)
		if err != nil {
			return anthropic.BetaContentBlockParamUnion{}, err
		}
		return anthropic.BetaContentBlockParamUnion{OfToolResult: param}, nil
	case *models.ThinkingBlock:
		return anthropic.BetaContentBlockParamUnion{OfThinking: &anthropic.BetaThinkingBlockParam{
			Thinking:  b.Thinking,
			Signature: b.Signature,
		}}, nil
	case *models.RedactedThinkingBlock:
		return anthropic.BetaContentBlockParamUnion{OfRedactedThinking: &anthropic.BetaRedactedThinkingBlockParam{
			Data: b.Data,
		}}, nil
	default:
		return anthropic.BetaContentBlockParamUnion{}, fmt.Errorf("unsupported content block %T", block)
	}
}

func textParam(b *models.TextBlock) *anthropic.BetaTextBlockParam {
	param := &anthropic.BetaTextBlockParam{Text: b.Text}
	if b.HasCacheBreakpoint() {
		param.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
	}
	return param
}

func imageParam(b *models.ImageBlock) *anthropic.BetaImageBlockParam {
	mediaType := b.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}
	param := &anthropic.BetaImageBlockParam{
		Source: anthropic.BetaImageBlockParamSourceUnion{
			OfBase64: &anthropic.BetaBase64ImageSourceParam{
				Data:      b.Data,
				MediaType: anthropic.BetaBase64ImageSourceMediaType(mediaType),
			},
		},
	}
	if b.HasCacheBreakpoint() {
		param.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
	}
	return param
}

func toolResultParam(b *models.ToolResultBlock) (*anthropic.BetaToolResultBlockParam, error) {
	param := &anthropic.BetaToolResultBlockParam{ToolUseID: b.ToolUseID}
	if b.IsError {
		param.IsError = anthropic.Bool(true)
	}
	if b.HasCacheBreakpoint() {
		param.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
	}
	for _, inner := range b.Content {
		switch c := inner.(type) {
		case *models.TextBlock:
			param.Content = append(param.Content, anthropic.BetaToolResultBlockParamContentUnion{OfText: textParam(c)})
		case *models.ImageBlock:
			param.Content = append(param.Content, anthropic.BetaToolResultBlockParamContentUnion{OfImage: imageParam(c)})
		default:
			return nil, fmt.Errorf("tool_result %s: unsupported nested block %T", b.ToolUseID, inner)
		}
	}
	return param, nil
}

func convertTools(specs []agent.ToolSpec) ([]anthropic.BetaToolUnionParam, error) {
	out := make([]anthropic.BetaToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		var param anthropic.BetaToolUnionParam
		switch spec.Type {
		case toolComputer20250124:
			param = anthropic.BetaToolUnionParamOfComputerUseTool20250124(int64(spec.DisplayHeightPx), int64(spec.DisplayWidthPx))
			if spec.DisplayNumber > 0 {
				param.OfComputerUseTool20250124.DisplayNumber = anthropic.Int(int64(spec.DisplayNumber))
			}
		case toolComputer20241022:
			param = anthropic.BetaToolUnionParamOfComputerUseTool20241022(int64(spec.DisplayHeightPx), int64(spec.DisplayWidthPx))
			if spec.DisplayNumber > 0 {
				param.OfComputerUseTool20241022.DisplayNumber = anthropic.Int(int64(spec.DisplayNumber))
			}
		case toolBash20250124:
			param = anthropic.BetaToolUnionParam{OfBashTool20250124: &anthropic.BetaToolBash20250124Param{}}
		case toolBash20241022:
			param = anthropic.BetaToolUnionParam{OfBashTool20241022: &anthropic.BetaToolBash20241022Param{}}
		case toolTextEditor20250124:
			param = anthropic.BetaToolUnionParam{OfTextEditor20250124: &anthropic.BetaToolTextEditor20250124Param{}}
		case toolTextEditor20241022:
			param = anthropic.BetaToolUnionParam{OfTextEditor20241022: &anthropic.BetaToolTextEditor20241022Param{}}
		default:
			return nil, fmt.Errorf("tool %s: unsupported tool type %q", spec.Name, spec.Type)
		}
		out = append(out, param)
	}
	return out, nil
}

// translateEvent maps one SDK stream event onto the accumulator's event
// shape. Events the accumulator does not need report false.
func translateEvent(ev anthropic.BetaRawMessageStreamEventUnion) (agent.StreamEvent, bool) {
	switch ev.Type {
	case "message_start":
		start := ev.AsMessageStart()
		return agent.StreamEvent{Type: agent.EventMessageStart, InputTokens: start.Message.Usage.InputTokens}, true
	case "content_block_start":
		block := ev.AsContentBlockStart().ContentBlock
		out := agent.StreamEvent{Type: agent.EventContentBlockStart, BlockType: models.BlockType(block.Type)}
		switch block.Type {
		case "tool_use":
			use := block.AsToolUse()
			out.ID, out.Name = use.ID, use.Name
		case "redacted_thinking":
			out.Data = block.AsRedactedThinking().Data
		case "text":
			out.Text = block.AsText().Text
		}
		return out, true
	case "content_block_delta":
		delta := ev.AsContentBlockDelta().Delta
		out := agent.StreamEvent{Type: agent.EventContentBlockDelta, Delta: agent.DeltaType(delta.Type)}
		switch delta.Type {
		case "text_delta":
			out.Text = delta.Text
		case "thinking_delta":
			out.Text = delta.Thinking
		case "signature_delta":
			out.Text = delta.Signature
		case "input_json_delta":
			out.Text = delta.PartialJSON
		default:
			return agent.StreamEvent{}, false
		}
		return out, true
	case "content_block_stop":
		return agent.StreamEvent{Type: agent.EventContentBlockStop}, true
	case "message_delta":
		md := ev.AsMessageDelta()
		return agent.StreamEvent{
			Type:         agent.EventMessageDelta,
			StopReason:   string(md.Delta.StopReason),
			OutputTokens: md.Usage.OutputTokens,
		}, true
	case "message_stop":
		return agent.StreamEvent{Type: agent.EventMessageStop}, true
	}
	return agent.StreamEvent{}, false
}
