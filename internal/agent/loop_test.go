package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// scriptedClient replays responses in order and records each request.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*ModelResponse
	err       error
	requests  []*ModelRequest
}

func (c *scriptedClient) Send(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := *req
	copied.Messages = append(models.Conversation(nil), req.Messages...)
	c.requests = append(c.requests, &copied)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &ModelResponse{Content: []models.ContentBlock{&models.TextBlock{Text: "done"}}}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

type fakeTool struct {
	name  string
	calls int
	fn    func(input json.RawMessage) (*ToolResult, error)
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Spec() ToolSpec { return ToolSpec{Name: f.name, Type: f.name + "_test"} }

func (f *fakeTool) Execute(_ context.Context, input json.RawMessage) (*ToolResult, error) {
	f.calls++
	if f.fn != nil {
		return f.fn(input)
	}
	return &ToolResult{Output: "ok", Base64Image: "cG5n"}, nil
}

func staticToolsets(tools ...Tool) ToolsetProvider {
	collection := NewToolCollection(CollectionConfig{Timeout: time.Second}, tools...)
	return ToolsetProviderFunc(func(version ToolVersion) (*Toolset, error) {
		if version != ToolVersion20250124 {
			return nil, ErrUnknownToolVersion
		}
		return &Toolset{Version: version, BetaFlag: "computer-use-2025-01-24", Collection: collection}, nil
	})
}

func toolUse(id, name string) *models.ToolUseBlock {
	return &models.ToolUseBlock{ID: id, Name: name, Input: json.RawMessage(`{}`)}
}

type recorder struct {
	assistant [][]models.ContentBlock
	toolIDs   []string
	results   []*ToolResult
	failOn    string
}

func (r *recorder) handlers() LoopHandlers {
	return LoopHandlers{
		OnAssistantOutput: func(_ context.Context, blocks []models.ContentBlock) error {
			if r.failOn == "assistant" {
				return errors.New("disk full")
			}
			r.assistant = append(r.assistant, blocks)
			return nil
		},
		OnToolResult: func(_ context.Context, id string, result *ToolResult) error {
			if r.failOn == "tool" {
				return errors.New("disk full")
			}
			r.toolIDs = append(r.toolIDs, id)
			r.results = append(r.results, result)
			return nil
		},
	}
}

func baseParams(provider models.Provider) LoopParams {
	return LoopParams{
		Model:        "claude-sonnet-4-5-20250929",
		Provider:     provider,
		Conversation: models.Conversation{models.UserText("open firefox")},
		ToolVersion:  ToolVersion20250124,
		MaxTokens:    4096,
	}
}

func TestSamplingLoop_ToolResultsMatchToolUses(t *testing.T) {
	computer := &fakeTool{name: "computer"}
	bash := &fakeTool{name: "bash", fn: func(json.RawMessage) (*ToolResult, error) {
		return &ToolResult{Output: "hi\n", System: "tool restarted"}, nil
	}}
	client := &scriptedClient{responses: []*ModelResponse{
		{Content: []models.ContentBlock{
			&models.TextBlock{Text: "Let me look."},
			toolUse("toolu_a", "computer"),
			toolUse("toolu_b", "bash"),
		}},
		{Content: []models.ContentBlock{toolUse("toolu_c", "computer")}},
		{Content: []models.ContentBlock{&models.TextBlock{Text: "Firefox is open."}}},
	}}
	rec := &recorder{}

	loop := NewSamplingLoop(client, staticToolsets(computer, bash), LoopConfig{})
	conv, err := loop.Run(context.Background(), baseParams(models.ProviderBedrock), rec.handlers())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(client.requests) != 3 {
		t.Fatalf("model calls = %d, want 3", len(client.requests))
	}
	if len(rec.assistant) != 3 {
		t.Errorf("assistant callbacks = %d, want 3", len(rec.assistant))
	}
	if strings.Join(rec.toolIDs, ",") != "toolu_a,toolu_b,toolu_c" {
		t.Errorf("tool callbacks = %v", rec.toolIDs)
	}
	if computer.calls != 2 || bash.calls != 1 {
		t.Errorf("computer calls = %d, bash calls = %d", computer.calls, bash.calls)
	}

	// Every assistant turn with tool uses is followed by a user turn with
	// one id-matched result per use.
	for i, turn := range conv {
		if turn.Role != models.RoleAssistant {
			continue
		}
		uses := turn.Content.ToolUses()
		if len(uses) == 0 {
			continue
		}
		next := conv[i+1]
		if next.Role != models.RoleUser || len(next.Content) != len(uses) {
			t.Fatalf("turn %d: %d uses answered by %d blocks", i, len(uses), len(next.Content))
		}
		for j, use := range uses {
			result := next.Content[j].(*models.ToolResultBlock)
			if result.ToolUseID != use.ID {
				t.Errorf("result %d id = %s, want %s", j, result.ToolUseID, use.ID)
			}
		}
	}

	bashResult := conv[2].Content[1].(*models.ToolResultBlock)
	if text := bashResult.Content[0].(*models.TextBlock).Text; text != "<system>tool restarted</system>\nhi\n" {
		t.Errorf("bash result text = %q", text)
	}
	if rec.results[1].System != "tool restarted" {
		t.Error("OnToolResult must receive the raw result")
	}
}

func TestSamplingLoop_EmptyOutputStillReported(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{{Content: nil}}}
	rec := &recorder{}

	loop := NewSamplingLoop(client, staticToolsets(), LoopConfig{})
	conv, err := loop.Run(context.Background(), baseParams(models.ProviderVertex), rec.handlers())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.assistant) != 1 || len(rec.assistant[0]) != 0 {
		t.Errorf("assistant callbacks = %#v, want one empty call", rec.assistant)
	}
	if len(conv) != 2 || conv[1].Role != models.RoleAssistant {
		t.Errorf("conversation = %#v", conv)
	}
}

func TestSamplingLoop_ModelErrorFiresNoCallbacks(t *testing.T) {
	modelErr := errors.New("529 overloaded")
	client := &scriptedClient{err: modelErr}
	rec := &recorder{}
	params := baseParams(models.ProviderAnthropic)

	loop := NewSamplingLoop(client, staticToolsets(&fakeTool{name: "computer"}), LoopConfig{})
	conv, err := loop.Run(context.Background(), params, rec.handlers())

	loopErr, ok := GetLoopError(err)
	if !ok || loopErr.Phase != PhaseModel || !errors.Is(err, modelErr) {
		t.Fatalf("Run() error = %v, want model-phase LoopError", err)
	}
	if len(rec.assistant) != 0 || len(rec.toolIDs) != 0 {
		t.Error("no callback may fire for a failed model call")
	}
	if len(conv) != len(params.Conversation) {
		t.Errorf("conversation grew to %d turns", len(conv))
	}
}

func TestSamplingLoop_PersistFailureAborts(t *testing.T) {
	for _, failOn := range []string{"assistant", "tool"} {
		t.Run(failOn, func(t *testing.T) {
			client := &scriptedClient{responses: []*ModelResponse{
				{Content: []models.ContentBlock{toolUse("toolu_1", "computer")}},
			}}
			rec := &recorder{failOn: failOn}

			loop := NewSamplingLoop(client, staticToolsets(&fakeTool{name: "computer"}), LoopConfig{})
			_, err := loop.Run(context.Background(), baseParams(models.ProviderBedrock), rec.handlers())

			loopErr, ok := GetLoopError(err)
			if !ok || loopErr.Phase != PhasePersist {
				t.Fatalf("Run() error = %v, want persist-phase LoopError", err)
			}
			if len(client.requests) != 1 {
				t.Errorf("model calls = %d, want 1", len(client.requests))
			}
		})
	}
}

func TestSamplingLoop_ToolFailuresAreFedBack(t *testing.T) {
	failing := &fakeTool{name: "computer", fn: func(json.RawMessage) (*ToolResult, error) {
		return nil, ToolErrorf(ToolErrorInvalidInput, "coordinate is required for left_click")
	}}
	client := &scriptedClient{responses: []*ModelResponse{
		{Content: []models.ContentBlock{toolUse("toolu_1", "computer"), toolUse("toolu_2", "browser")}},
	}}
	rec := &recorder{}

	loop := NewSamplingLoop(client, staticToolsets(failing), LoopConfig{})
	conv, err := loop.Run(context.Background(), baseParams(models.ProviderBedrock), rec.handlers())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	results := conv[2].Content
	first := results[0].(*models.ToolResultBlock)
	if !first.IsError || first.Content[0].(*models.TextBlock).Text != "coordinate is required for left_click" {
		t.Errorf("first result = %#v", first)
	}
	second := results[1].(*models.ToolResultBlock)
	if !second.IsError || second.Content[0].(*models.TextBlock).Text != "Tool browser is invalid" {
		t.Errorf("second result = %#v", second)
	}
	if len(client.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(client.requests))
	}
}

func TestSamplingLoop_ToolPanicIsFatal(t *testing.T) {
	panicking := &fakeTool{name: "computer", fn: func(json.RawMessage) (*ToolResult, error) {
		panic("display gone")
	}}
	client := &scriptedClient{responses: []*ModelResponse{
		{Content: []models.ContentBlock{toolUse("toolu_1", "computer")}},
	}}
	rec := &recorder{}

	loop := NewSamplingLoop(client, staticToolsets(panicking), LoopConfig{})
	_, err := loop.Run(context.Background(), baseParams(models.ProviderBedrock), rec.handlers())

	loopErr, ok := GetLoopError(err)
	if !ok || loopErr.Phase != PhaseExecuteTools || !errors.Is(err, ErrToolPanic) {
		t.Fatalf("Run() error = %v, want execute_tools LoopError wrapping ErrToolPanic", err)
	}
	if len(rec.toolIDs) != 0 {
		t.Error("OnToolResult must not fire for a crashed tool")
	}
}

func TestSamplingLoop_PromptCachingOnlyForAnthropic(t *testing.T) {
	tests := []struct {
		provider    models.Provider
		wantCaching bool
	}{
		{models.ProviderAnthropic, true},
		{models.ProviderBedrock, false},
		{models.ProviderVertex, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			client := &scriptedClient{}
			loop := NewSamplingLoop(client, staticToolsets(), LoopConfig{})
			params := baseParams(tt.provider)
			params.Conversation = screenshotConversation(6)
			params.OnlyNMostRecentImages = intPtr(2)

			if _, err := loop.Run(context.Background(), params, LoopHandlers{}); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			req := client.requests[0]

			hasBeta := false
			for _, beta := range req.Betas {
				if beta == PromptCachingBeta {
					hasBeta = true
				}
			}
			if hasBeta != tt.wantCaching || req.CacheSystem != tt.wantCaching {
				t.Errorf("caching beta = %v, system cached = %v, want %v", hasBeta, req.CacheSystem, tt.wantCaching)
			}
			if req.Betas[0] != "computer-use-2025-01-24" {
				t.Errorf("first beta = %q", req.Betas[0])
			}

			images := req.Messages.ImageCount()
			if tt.wantCaching && images != 6 {
				t.Errorf("caching must disable truncation, images = %d", images)
			}
			if !tt.wantCaching && images != 2 {
				t.Errorf("truncated images = %d, want 2", images)
			}
			if tt.wantCaching != (CacheBreakpointCount(req.Messages) > 0) {
				t.Errorf("breakpoints = %d", CacheBreakpointCount(req.Messages))
			}
		})
	}
}

func TestClampThinking(t *testing.T) {
	tests := []struct {
		name       string
		maxTokens  int
		budget     *int
		wantMax    int
		wantBudget int
	}{
		{"disabled", 8192, nil, 8192, 0},
		{"zero budget", 8192, intPtr(0), 8192, 0},
		{"fits", 128000, intPtr(64000), 128000, 64000},
		{"equal raises ceiling", 4096, intPtr(4096), 5096, 4095},
		{"above raises ceiling", 2048, intPtr(10000), 11000, 2047},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotMax, gotBudget := clampThinking(tt.maxTokens, tt.budget)
			if gotMax != tt.wantMax || gotBudget != tt.wantBudget {
				t.Errorf("clampThinking() = (%d, %d), want (%d, %d)", gotMax, gotBudget, tt.wantMax, tt.wantBudget)
			}
			if gotBudget >= gotMax {
				t.Errorf("budget %d must stay below max_tokens %d", gotBudget, gotMax)
			}
		})
	}
}

func TestSamplingLoop_MaxIterations(t *testing.T) {
	client := &scriptedClient{responses: []*ModelResponse{
		{Content: []models.ContentBlock{toolUse("t1", "computer")}},
		{Content: []models.ContentBlock{toolUse("t2", "computer")}},
		{Content: []models.ContentBlock{toolUse("t3", "computer")}},
	}}
	loop := NewSamplingLoop(client, staticToolsets(&fakeTool{name: "computer"}), LoopConfig{MaxIterations: 2})

	_, err := loop.Run(context.Background(), baseParams(models.ProviderBedrock), LoopHandlers{})
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("Run() error = %v, want ErrMaxIterations", err)
	}
	if len(client.requests) != 2 {
		t.Errorf("model calls = %d, want 2", len(client.requests))
	}
}

func TestSamplingLoop_UnknownToolVersion(t *testing.T) {
	loop := NewSamplingLoop(&scriptedClient{}, staticToolsets(), LoopConfig{})
	params := baseParams(models.ProviderAnthropic)
	params.ToolVersion = "computer_use_19990101"

	_, err := loop.Run(context.Background(), params, LoopHandlers{})
	if !errors.Is(err, ErrUnknownToolVersion) {
		t.Fatalf("Run() error = %v, want ErrUnknownToolVersion", err)
	}
}

func TestSamplingLoop_SystemPromptSuffix(t *testing.T) {
	client := &scriptedClient{}
	fixed := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	loop := NewSamplingLoop(client, staticToolsets(), LoopConfig{Now: func() time.Time { return fixed }})
	params := baseParams(models.ProviderBedrock)
	params.SystemPromptSuffix = "Be brief."

	if _, err := loop.Run(context.Background(), params, LoopHandlers{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	system := client.requests[0].System
	if !strings.HasSuffix(system, "</IMPORTANT> Be brief.") {
		t.Errorf("system prompt suffix not appended: %q", system[len(system)-40:])
	}
	if !strings.Contains(system, "Tuesday, March 4, 2025") {
		t.Error("system prompt should carry the current date")
	}
}

func TestMakeToolResultBlock(t *testing.T) {
	tests := []struct {
		name      string
		result    *ToolResult
		wantError bool
		wantKinds []models.BlockType
	}{
		{"error", &ToolResult{Error: "failed", Base64Image: "ignored"}, true, []models.BlockType{models.BlockText}},
		{"output and image", &ToolResult{Output: "ok", Base64Image: "aW1n"}, false, []models.BlockType{models.BlockText, models.BlockImage}},
		{"image only", &ToolResult{Base64Image: "aW1n"}, false, []models.BlockType{models.BlockImage}},
		{"empty", &ToolResult{}, false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block := MakeToolResultBlock(tt.result, "toolu_x")
			if block.ToolUseID != "toolu_x" || block.IsError != tt.wantError {
				t.Fatalf("block = %#v", block)
			}
			if len(block.Content) != len(tt.wantKinds) {
				t.Fatalf("content = %#v", block.Content)
			}
			for i, kind := range tt.wantKinds {
				if block.Content[i].Type() != kind {
					t.Errorf("content[%d] = %s, want %s", i, block.Content[i].Type(), kind)
				}
			}
		})
	}
}
