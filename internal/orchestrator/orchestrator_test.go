package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/agent/providers"
	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/internal/sessions"
	"github.com/haasonsaas/deskpilot/internal/stream"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// fakeCredentials fails the providers listed in missing.
type fakeCredentials struct {
	missing map[models.Provider]bool
	calls   []models.Provider
	mu      sync.Mutex
}

func (f *fakeCredentials) Resolve(_ context.Context, provider models.Provider) (*providers.Credentials, error) {
	f.mu.Lock()
	f.calls = append(f.calls, provider)
	f.mu.Unlock()
	if f.missing[provider] {
		return nil, providers.ErrMissingCredentials
	}
	return &providers.Credentials{Provider: provider}, nil
}

// scriptedClient replays responses; gate, when set, blocks the first call.
type scriptedClient struct {
	mu        sync.Mutex
	responses []*agent.ModelResponse
	err       error
	requests  []*agent.ModelRequest
	gate      chan struct{}
}

func (c *scriptedClient) Send(ctx context.Context, req *agent.ModelRequest) (*agent.ModelResponse, error) {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	if len(c.responses) == 0 {
		return &agent.ModelResponse{Content: []models.ContentBlock{&models.TextBlock{Text: "done"}}}, nil
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

type fakeTool struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeTool) Name() string { return "computer" }
func (f *fakeTool) Spec() agent.ToolSpec { return agent.ToolSpec{Name: "computer", Type: "computer_20250124"} }

func (f *fakeTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &agent.ToolResult{Output: "clicked", Base64Image: "cG5n"}, nil
}

func (f *fakeTool) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeToolsets struct {
	agent.ToolsetProvider
	closed bool
}

func (f *fakeToolsets) Close() error {
	f.closed = true
	return nil
}

type fakeDesktop struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *fakeDesktop) EnsureRunning(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.err
}

type harness struct {
	orch    *Orchestrator
	store   *sessions.MemoryStore
	broker  *stream.Broker
	creds   *fakeCredentials
	client  *scriptedClient
	tool    *fakeTool
	desktop *fakeDesktop
	metrics *observability.Metrics
	clients []*providers.Credentials
	mu      sync.Mutex
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	h := &harness{
		store:   sessions.NewMemoryStore(),
		creds:   &fakeCredentials{missing: map[models.Provider]bool{}},
		client:  &scriptedClient{},
		tool:    &fakeTool{},
		desktop: &fakeDesktop{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.broker = stream.NewBroker(stream.BrokerConfig{KeepaliveInterval: 20 * time.Millisecond, Metrics: h.metrics})
	config.Metrics = h.metrics
	collection := agent.NewToolCollection(agent.CollectionConfig{Timeout: time.Second}, h.tool)
	orch, err := New(Dependencies{
		Store:       h.store,
		Publisher:   h.broker,
		Credentials: h.creds,
		Clients: func(_ context.Context, creds *providers.Credentials) (agent.ModelClient, error) {
			h.mu.Lock()
			h.clients = append(h.clients, creds)
			h.mu.Unlock()
			return h.client, nil
		},
		Desktop: h.desktop,
		Toolsets: func() RunToolsets {
			return &fakeToolsets{ToolsetProvider: agent.ToolsetProviderFunc(func(v agent.ToolVersion) (*agent.Toolset, error) {
				return &agent.Toolset{Version: v, BetaFlag: "computer-use-2025-01-24", Collection: collection}, nil
			})}
		},
	}, config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Wait(ctx); err != nil {
		t.Fatalf("runs did not finish: %v", err)
	}
}

func (h *harness) messages(t *testing.T, id int64) []*models.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func toolUseTurn() *agent.ModelResponse {
	return &agent.ModelResponse{Content: []models.ContentBlock{
		&models.TextBlock{Text: "clicking"},
		&models.ToolUseBlock{ID: "toolu_1", Name: "computer", Input: json.RawMessage(`{"action":"left_click"}`)},
	}}
}

func roles(msgs []*models.Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		parts[i] = string(m.Role)
	}
	return strings.Join(parts, ",")
}

func TestSubmit_CompletesRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.responses = []*agent.ModelResponse{toolUseTurn()}

	session, err := h.orch.Submit(context.Background(), CreateRequest{InitialPrompt: "open firefox"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if session.Status != models.StatusQueued {
		t.Errorf("created status = %s", session.Status)
	}
	h.wait(t)

	got, _ := h.store.GetSession(context.Background(), session.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	msgs := h.messages(t, session.ID)
	if r := roles(msgs); r != "user,assistant,tool,assistant" {
		t.Fatalf("roles = %s", r)
	}
	if string(msgs[0].Content) != `{"type":"text","text":"open firefox"}` {
		t.Errorf("user content = %s", msgs[0].Content)
	}
	if !strings.HasPrefix(string(msgs[1].Content), `{"content":[`) {
		t.Errorf("assistant content = %s", msgs[1].Content)
	}
	if string(msgs[2].Content) != `{"type":"tool_result","output":"clicked","error":null,"system":null}` {
		t.Errorf("tool content = %s", msgs[2].Content)
	}
	if msgs[2].Base64Image != "cG5n" {
		t.Errorf("tool image = %q", msgs[2].Base64Image)
	}
	if h.tool.Calls() != 1 || h.desktop.calls != 1 {
		t.Errorf("tool calls = %d, desktop calls = %d", h.tool.Calls(), h.desktop.calls)
	}

	// The second model call must carry the id-matched tool result.
	if len(h.client.requests) != 2 {
		t.Fatalf("model calls = %d", len(h.client.requests))
	}
	last := h.client.requests[1].Messages
	result, ok := last[len(last)-1].Content[0].(*models.ToolResultBlock)
	if !ok || result.ToolUseID != "toolu_1" {
		t.Errorf("last turn = %+v", last[len(last)-1])
	}

	if v := testutil.ToFloat64(h.metrics.SessionTransitions.WithLabelValues("completed")); v != 1 {
		t.Errorf("completed transitions = %v", v)
	}
	if v := testutil.ToFloat64(h.metrics.ActiveRuns); v != 0 {
		t.Errorf("active runs = %v", v)
	}
}

// A subscriber sees a keepalive while the model is busy, then every update
// up to the completed status.
func TestStart_StreamPingThenCompleted(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.gate = make(chan struct{})

	session, err := h.orch.Create(context.Background(), CreateRequest{InitialPrompt: "wait"})
	if err != nil {
		t.Fatal(err)
	}
	sub := h.broker.Subscribe(session.ID)
	defer sub.Close()
	if err := h.orch.Start(context.Background(), session.ID); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var types []stream.EventType
	released := false
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v after %v", err, types)
		}
		types = append(types, ev.Type)
		if ev.Type == stream.EventPing && !released {
			close(h.client.gate)
			released = true
		}
		if ev.IsTerminal() {
			if ev.Content.(stream.StatusContent).Status != models.StatusCompleted {
				t.Fatalf("terminal event = %+v", ev)
			}
			break
		}
	}

	var filtered []string
	for _, typ := range types {
		if typ != stream.EventPing {
			filtered = append(filtered, string(typ))
		}
	}
	if got := strings.Join(filtered, ","); got != "status,user,assistant,status" {
		t.Errorf("events = %s", got)
	}
	if !released {
		t.Error("expected a ping before the model answered")
	}
	h.wait(t)
}

// With the fail policy a session without credentials goes straight to
// error with one explanation and no tool calls.
func TestStart_MissingCredentialsFail(t *testing.T) {
	h := newHarness(t, Config{CredentialPolicy: PolicyFail})
	h.creds.missing[models.ProviderBedrock] = true

	session, err := h.orch.Submit(context.Background(), CreateRequest{InitialPrompt: "x", Provider: "bedrock"})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	got, _ := h.store.GetSession(context.Background(), session.ID)
	if got.Status != models.StatusError || got.Provider != models.ProviderBedrock {
		t.Fatalf("session = %s %s", got.Status, got.Provider)
	}
	msgs := h.messages(t, session.ID)
	if len(msgs) != 1 || msgs[0].Role != models.RoleAssistant {
		t.Fatalf("messages = %s", roles(msgs))
	}
	var text models.TextContent
	if err := json.Unmarshal(msgs[0].Content, &text); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text.Text, "Sorry, there was an error processing your request: ") ||
		!strings.Contains(text.Text, "missing provider credentials") {
		t.Errorf("failure text = %q", text.Text)
	}
	if h.tool.Calls() != 0 || len(h.client.requests) != 0 || h.desktop.calls != 0 {
		t.Errorf("run continued: tools=%d model=%d desktop=%d", h.tool.Calls(), len(h.client.requests), h.desktop.calls)
	}
}

func TestStart_MissingCredentialsFallback(t *testing.T) {
	h := newHarness(t, Config{})
	h.creds.missing[models.ProviderBedrock] = true

	session, err := h.orch.Submit(context.Background(), CreateRequest{
		InitialPrompt: "x",
		Provider:      "bedrock",
		Model:         "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
	})
	if err != nil {
		t.Fatal(err)
	}
	h.wait(t)

	got, _ := h.store.GetSession(context.Background(), session.ID)
	if got.Status != models.StatusCompleted || got.Provider != models.ProviderAnthropic {
		t.Fatalf("session = %s %s", got.Status, got.Provider)
	}
	if len(h.clients) != 1 || h.clients[0].Provider != models.ProviderAnthropic {
		t.Errorf("clients built = %+v", h.clients)
	}
	if model := h.client.requests[0].Model; model != "claude-sonnet-4-5-20250929" {
		t.Errorf("model after fallback = %q", model)
	}
	if v := testutil.ToFloat64(h.metrics.ProviderFallbacks.WithLabelValues("bedrock", "anthropic")); v != 1 {
		t.Errorf("fallbacks = %v", v)
	}
}

func TestStart_FallbackAlsoMissing(t *testing.T) {
	h := newHarness(t, Config{})
	h.creds.missing[models.ProviderVertex] = true
	h.creds.missing[models.ProviderAnthropic] = true

	session, _ := h.orch.Submit(context.Background(), CreateRequest{InitialPrompt: "x", Provider: "vertex"})
	h.wait(t)

	got, _ := h.store.GetSession(context.Background(), session.ID)
	if got.Status != models.StatusError || got.Provider != models.ProviderVertex {
		t.Fatalf("session = %s %s", got.Status, got.Provider)
	}
	if msgs := h.messages(t, session.ID); len(msgs) != 1 {
		t.Errorf("messages = %s", roles(msgs))
	}
}

func TestStart_ModelFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.err = providers.NewProviderError("anthropic", "m", errors.New("overloaded")).WithStatus(529)

	session, _ := h.orch.Submit(context.Background(), CreateRequest{InitialPrompt: "x"})
	h.wait(t)

	got, _ := h.store.GetSession(context.Background(), session.ID)
	if got.Status != models.StatusError {
		t.Fatalf("status = %s", got.Status)
	}
	msgs := h.messages(t, session.ID)
	if r := roles(msgs); r != "user,assistant" {
		t.Fatalf("roles = %s", r)
	}
	if strings.Contains(string(msgs[1].Content), "loop error") {
		t.Errorf("failure text should carry the cause, got %s", msgs[1].Content)
	}
}

func TestStart_DesktopFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.desktop.err = errors.New("x11vnc not installed")

	session, _ := h.orch.Submit(context.Background(), CreateRequest{InitialPrompt: "x"})
	h.wait(t)

	got, _ := h.store.GetSession(context.Background(), session.ID)
	if got.Status != models.StatusError {
		t.Fatalf("status = %s", got.Status)
	}
	if len(h.client.requests) != 0 {
		t.Error("model called after desktop failure")
	}
}

func TestStart_AlreadyStarted(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.gate = make(chan struct{})

	session, _ := h.orch.Create(context.Background(), CreateRequest{InitialPrompt: "x"})
	if err := h.orch.Start(context.Background(), session.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Start(context.Background(), session.ID); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v", err)
	}
	if !h.orch.IsRunning(session.ID) || h.orch.Active() != 1 {
		t.Error("run should be live")
	}
	close(h.client.gate)
	h.wait(t)

	// No retry once terminal.
	if err := h.orch.Start(context.Background(), session.ID); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() on completed session error = %v", err)
	}
	if _, err := h.orch.Run(context.Background(), session.ID); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Run() on completed session error = %v", err)
	}
}

func TestStart_UnknownSession(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.orch.Start(context.Background(), 404); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("Start() error = %v", err)
	}
}

// A subscriber that disconnects mid-run does not affect the run; polling
// shows the final state.
func TestStart_SubscriberDisconnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.gate = make(chan struct{})
	h.client.responses = []*agent.ModelResponse{toolUseTurn()}

	session, _ := h.orch.Create(context.Background(), CreateRequest{InitialPrompt: "x"})
	sub := h.broker.Subscribe(session.ID)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	if err := h.orch.Start(reqCtx, session.ID); err != nil {
		t.Fatal(err)
	}

	ev, err := sub.Next(context.Background())
	if err != nil || ev.Type != stream.EventStatus {
		t.Fatalf("first event = %+v, %v", ev, err)
	}
	sub.Close()
	cancelReq()
	close(h.client.gate)
	h.wait(t)

	snap, err := stream.NewPoller(h.store).Snapshot(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	if r := roles(snap.Messages); r != "user,assistant,tool,assistant" {
		t.Errorf("roles = %s", r)
	}
	if h.broker.Has(session.ID) {
		t.Error("queue should stay torn down after disconnect")
	}
}

func TestStart_FinishedRunReleasesQueue(t *testing.T) {
	h := newHarness(t, Config{})

	const runs = 10
	ids := make([]int64, 0, runs)
	for i := 0; i < runs; i++ {
		session, err := h.orch.Submit(context.Background(), CreateRequest{InitialPrompt: "x"})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		ids = append(ids, session.ID)
	}
	h.wait(t)

	deadline := time.Now().Add(2 * time.Second)
	for _, id := range ids {
		for h.broker.Has(id) {
			if time.Now().After(deadline) {
				t.Fatalf("session %d still holds a queue after its run finished", id)
			}
			time.Sleep(5 * time.Millisecond)
		}
		got, err := h.store.GetSession(context.Background(), id)
		if err != nil || got.Status != models.StatusCompleted {
			t.Errorf("session %d = %+v, %v", id, got, err)
		}
	}
}

func TestRun_Synchronous(t *testing.T) {
	h := newHarness(t, Config{})
	session, _ := h.orch.Create(context.Background(), CreateRequest{InitialPrompt: "x"})
	final, err := h.orch.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Errorf("status = %s", final.Status)
	}
	if h.orch.Active() != 0 {
		t.Error("run still registered")
	}
}

func TestShutdown_RejectsNewRuns(t *testing.T) {
	h := newHarness(t, Config{})
	session, _ := h.orch.Create(context.Background(), CreateRequest{InitialPrompt: "x"})
	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Start(context.Background(), session.ID); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Start() after shutdown error = %v", err)
	}
}

func TestShutdown_WaitsForRuns(t *testing.T) {
	h := newHarness(t, Config{})
	h.client.gate = make(chan struct{})
	session, _ := h.orch.Submit(context.Background(), CreateRequest{InitialPrompt: "x"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.orch.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Shutdown() error = %v", err)
	}
	close(h.client.gate)
	h.wait(t)
	got, _ := h.store.GetSession(context.Background(), session.ID)
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, Config{})
	tests := []struct {
		name  string
		req   CreateRequest
		field string
	}{
		{"empty prompt", CreateRequest{InitialPrompt: "  "}, "initial_prompt"},
		{"bad provider", CreateRequest{InitialPrompt: "x", Provider: "openai"}, "provider"},
		{"negative tokens", CreateRequest{InitialPrompt: "x", MaxTokens: -1}, "max_tokens"},
		{"negative budget", CreateRequest{InitialPrompt: "x", ThinkingBudget: intp(-5)}, "thinking_budget"},
		{"negative images", CreateRequest{InitialPrompt: "x", OnlyNMostRecentImages: intp(-1)}, "only_n_most_recent_images"},
		{"bad tool version", CreateRequest{InitialPrompt: "x", ToolVersion: "computer_use_1999"}, "tool_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Create(context.Background(), tt.req)
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Errorf("Create() error = %v, want field %s", err, tt.field)
			}
		})
	}
}

func TestCreate_DefaultProvider(t *testing.T) {
	h := newHarness(t, Config{DefaultProvider: models.ProviderVertex})
	session, err := h.orch.Create(context.Background(), CreateRequest{InitialPrompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if session.Provider != models.ProviderVertex {
		t.Errorf("provider = %s", session.Provider)
	}
}

func TestParseCredentialPolicy(t *testing.T) {
	tests := map[string]CredentialPolicy{"": PolicyFallback, "fallback": PolicyFallback, "FAIL": PolicyFail}
	for in, want := range tests {
		got, err := ParseCredentialPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseCredentialPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCredentialPolicy("retry"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestFailureText(t *testing.T) {
	cause := errors.New("boom")
	wrapped := &agent.LoopError{Phase: agent.PhaseModel, Iteration: 2, Cause: cause}
	if got := FailureText(wrapped); got != "Sorry, there was an error processing your request: boom" {
		t.Errorf("FailureText() = %q", got)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{}, Config{}); err == nil {
		t.Fatal("expected error without a store")
	}
}
