// Package orchestrator owns the session lifecycle: it creates sessions,
// runs each one in the background through the sampling loop, persists every
// turn and publishes live updates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/agent/providers"
	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/internal/sessions"
	"github.com/haasonsaas/deskpilot/internal/stream"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

var (
	// ErrAlreadyStarted is returned by Start for a session that is not
	// queued or already has a live run.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// failurePrefix starts the assistant message persisted when a run fails.
const failurePrefix = "Sorry, there was an error processing your request: "

// CredentialPolicy decides what happens when a session's provider cannot
// be authenticated.
type CredentialPolicy string

const (
	// PolicyFallback switches the session to the fallback provider.
	PolicyFallback CredentialPolicy = "fallback"
	// PolicyFail fails the session without running it.
	PolicyFail CredentialPolicy = "fail"
)

// ParseCredentialPolicy validates a policy name. Empty means PolicyFallback.
func ParseCredentialPolicy(name string) (CredentialPolicy, error) {
	switch CredentialPolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", PolicyFallback:
		return PolicyFallback, nil
	case PolicyFail:
		return PolicyFail, nil
	}
	return "", fmt.Errorf("unknown credential policy %q", name)
}

// CredentialResolver looks up provider credentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, provider models.Provider) (*providers.Credentials, error)
}

// ClientFactory builds a model client from resolved credentials.
type ClientFactory func(ctx context.Context, creds *providers.Credentials) (agent.ModelClient, error)

// Desktop is the remote desktop the agent operates.
type Desktop interface {
	EnsureRunning(ctx context.Context) error
}

// RunToolsets are the tools of one run. Close releases their state.
type RunToolsets interface {
	agent.ToolsetProvider
	Close() error
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Store       sessions.Store
	Publisher   stream.Publisher
	Credentials CredentialResolver
	Clients     ClientFactory
	Desktop     Desktop

	// Toolsets creates fresh tool state for every run.
	Toolsets func() RunToolsets
}

// Config tunes an Orchestrator.
type Config struct {
	DefaultProvider  models.Provider
	CredentialPolicy CredentialPolicy
	FallbackProvider models.Provider
	Defaults         Defaults

	// MaxIterations caps model calls per run. Zero means unlimited.
	MaxIterations int

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	Now func() time.Time
}

// opener is implemented by publishers that need a queue before a run
// starts publishing.
type opener interface {
	Open(sessionID int64)
}

// releaser is implemented by publishers that keep per-run state after the
// terminal status has been published.
type releaser interface {
	Release(sessionID int64)
}

// Orchestrator creates and runs sessions. Each run is one goroutine; runs
// share nothing but the store and the publisher.
type Orchestrator struct {
	deps   Dependencies
	config Config

	mu      sync.Mutex
	running map[int64]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New validates deps and applies config defaults.
func New(deps Dependencies, config Config) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Credentials == nil:
		return nil, errors.New("orchestrator: credential resolver is required")
	case deps.Clients == nil:
		return nil, errors.New("orchestrator: client factory is required")
	case deps.Toolsets == nil:
		return nil, errors.New("orchestrator: toolset factory is required")
	}
	if deps.Publisher == nil {
		deps.Publisher = stream.Discard
	}
	if config.DefaultProvider == "" {
		config.DefaultProvider = models.ProviderAnthropic
	}
	if config.CredentialPolicy == "" {
		config.CredentialPolicy = PolicyFallback
	}
	if config.FallbackProvider == "" {
		config.FallbackProvider = models.ProviderAnthropic
	}
	if config.Defaults.OnlyNMostRecentImages <= 0 {
		config.Defaults.OnlyNMostRecentImages = DefaultOnlyNMostRecentImages
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}
	if config.Tracer == nil {
		config.Tracer = observability.NopTracer()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Orchestrator{deps: deps, config: config, running: map[int64]struct{}{}}, nil
}

// CreateRequest carries a new session's task and optional overrides.
type CreateRequest struct {
	InitialPrompt         string `json:"initial_prompt"`
	Provider              string `json:"provider,omitempty"`
	Model                 string `json:"model,omitempty"`
	SystemPromptSuffix    string `json:"system_prompt_suffix,omitempty"`
	MaxTokens             int    `json:"max_tokens,omitempty"`
	ThinkingBudget        *int   `json:"thinking_budget,omitempty"`
	OnlyNMostRecentImages *int   `json:"only_n_most_recent_images,omitempty"`
	ToolVersion           string `json:"tool_version,omitempty"`
}

// ValidationError reports a malformed CreateRequest.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (r CreateRequest) session(defaultProvider models.Provider) (*models.Session, error) {
	if strings.TrimSpace(r.InitialPrompt) == "" {
		return nil, &ValidationError{Field: "initial_prompt", Message: "is required"}
	}
	provider := defaultProvider
	if strings.TrimSpace(r.Provider) != "" {
		p, err := models.ParseProvider(r.Provider)
		if err != nil {
			return nil, &ValidationError{Field: "provider", Message: err.Error()}
		}
		provider = p
	}
	if r.MaxTokens < 0 {
		return nil, &ValidationError{Field: "max_tokens", Message: "must not be negative"}
	}
	if r.ThinkingBudget != nil && *r.ThinkingBudget < 0 {
		return nil, &ValidationError{Field: "thinking_budget", Message: "must not be negative"}
	}
	if r.OnlyNMostRecentImages != nil && *r.OnlyNMostRecentImages < 0 {
		return nil, &ValidationError{Field: "only_n_most_recent_images", Message: "must not be negative"}
	}
	if r.ToolVersion != "" && !agent.ToolVersion(r.ToolVersion).Valid() {
		return nil, &ValidationError{Field: "tool_version", Message: fmt.Sprintf("unknown tool version %q", r.ToolVersion)}
	}
	return &models.Session{
		InitialPrompt:         r.InitialPrompt,
		Status:                models.StatusQueued,
		Provider:              provider,
		Model:                 strings.TrimSpace(r.Model),
		SystemPromptSuffix:    r.SystemPromptSuffix,
		MaxTokens:             r.MaxTokens,
		ThinkingBudget:        r.ThinkingBudget,
		OnlyNMostRecentImages: r.OnlyNMostRecentImages,
		ToolVersion:           r.ToolVersion,
	}, nil
}

// Create stores a queued session.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*models.Session, error) {
	session, err := req.session(o.config.DefaultProvider)
	if err != nil {
		return nil, err
	}
	session.CreatedAt = o.config.Now().UTC()
	if err := o.deps.Store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	o.config.Metrics.RecordSessionStatus(string(models.StatusQueued))
	o.config.Logger.Info(ctx, "session created",
		"session_id", session.ID,
		"provider", session.Provider,
		"model", session.Model,
	)
	return session, nil
}

// Submit creates a session and starts it in the background.
func (o *Orchestrator) Submit(ctx context.Context, req CreateRequest) (*models.Session, error) {
	session, err := o.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx, session.ID); err != nil {
		return nil, err
	}
	return session, nil
}

// Start runs a queued session in the background. The run outlives ctx.
func (o *Orchestrator) Start(ctx context.Context, id int64) error {
	session, err := o.claim(ctx, id)
	if err != nil {
		return err
	}
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, session)
	}()
	return nil
}

// Run executes a queued session and blocks until it reaches a terminal
// status, which it returns.
func (o *Orchestrator) Run(ctx context.Context, id int64) (*models.Session, error) {
	session, err := o.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	func() {
		defer o.wg.Done()
		o.run(ctx, session)
	}()
	return o.deps.Store.GetSession(context.WithoutCancel(ctx), id)
}

// claim reserves the session for one run and registers it with the wait group.
func (o *Orchestrator) claim(ctx context.Context, id int64) (*models.Session, error) {
	session, err := o.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}
	if _, live := o.running[id]; live || session.Status != models.StatusQueued {
		return nil, ErrAlreadyStarted
	}
	o.running[id] = struct{}{}
	o.wg.Add(1)

	if op, ok := o.deps.Publisher.(opener); ok {
		op.Open(id)
	}
	return session, nil
}

func (o *Orchestrator) release(id int64) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()

	if r, ok := o.deps.Publisher.(releaser); ok {
		r.Release(id)
	}
}

// Active reports how many runs are in flight.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

// IsRunning reports whether id has a live run.
func (o *Orchestrator) IsRunning(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Shutdown stops accepting runs and waits for live ones until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	active := len(o.running)
	o.mu.Unlock()

	if active > 0 {
		o.config.Logger.Info(ctx, "waiting for session runs", "active", active)
	}
	return o.Wait(ctx)
}

// Wait blocks until every run has finished or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, session *models.Session) {
	defer o.release(session.ID)

	ctx = observability.AddSessionID(ctx, strconv.FormatInt(session.ID, 10))
	ctx, span := o.config.Tracer.TraceSessionRun(ctx, session.ID, string(session.Provider))
	defer span.End()

	start := o.config.Now()
	o.config.Metrics.RunStarted()
	final := models.StatusError
	defer func() {
		o.config.Metrics.RunEnded(string(final), o.config.Now().Sub(start).Seconds())
	}()

	o.config.Logger.Info(ctx, "session run starting", "provider", session.Provider)

	creds, err := o.resolveCredentials(ctx, session)
	if err != nil {
		o.config.Tracer.RecordError(span, err)
		o.fail(ctx, session, err)
		return
	}

	if err := o.execute(ctx, session, creds); err != nil {
		o.config.Tracer.RecordError(span, err)
		o.fail(ctx, session, err)
		return
	}

	if err := o.transition(ctx, session, models.StatusCompleted); err != nil {
		o.config.Logger.Error(ctx, "failed to complete session", "error", err)
		o.fail(ctx, session, err)
		return
	}
	final = models.StatusCompleted
	o.config.Logger.Info(ctx, "session run completed",
		"duration_ms", o.config.Now().Sub(start).Milliseconds(),
	)
}

// resolveCredentials applies the credential policy. On fallback the
// effective provider is persisted on the session row.
func (o *Orchestrator) resolveCredentials(ctx context.Context, session *models.Session) (*providers.Credentials, error) {
	creds, err := o.deps.Credentials.Resolve(ctx, session.Provider)
	if err == nil {
		return creds, nil
	}
	if !errors.Is(err, providers.ErrMissingCredentials) ||
		o.config.CredentialPolicy != PolicyFallback ||
		session.Provider == o.config.FallbackProvider {
		return nil, err
	}

	from, to := session.Provider, o.config.FallbackProvider
	o.config.Logger.Warn(ctx, "provider credentials missing, falling back",
		"from", from,
		"to", to,
		"error", err,
	)
	o.config.Metrics.RecordProviderFallback(string(from), string(to))

	creds, fallbackErr := o.deps.Credentials.Resolve(ctx, to)
	if fallbackErr != nil {
		return nil, fmt.Errorf("%w; fallback to %s: %w", err, to, fallbackErr)
	}
	if err := o.deps.Store.UpdateSessionProvider(ctx, session.ID, to); err != nil {
		return nil, fmt.Errorf("persist fallback provider: %w", err)
	}
	session.Provider = to
	if session.Model != "" && !modelServedBy(session.Model, to) {
		// The requested model id belongs to the original backend.
		o.config.Logger.Warn(ctx, "dropping model override after fallback", "model", session.Model)
		session.Model = ""
	}
	return creds, nil
}

// modelServedBy reports whether model is the default of provider or uses the
// provider's naming. Bedrock ids contain "anthropic.", Vertex ids an "@".
func modelServedBy(model string, provider models.Provider) bool {
	switch provider {
	case models.ProviderBedrock:
		return strings.Contains(model, "anthropic.")
	case models.ProviderVertex:
		return strings.Contains(model, "@")
	default:
		return !strings.Contains(model, "anthropic.") && !strings.Contains(model, "@")
	}
}

// execute performs the running phase of a session.
func (o *Orchestrator) execute(ctx context.Context, session *models.Session, creds *providers.Credentials) error {
	if err := o.transition(ctx, session, models.StatusRunning); err != nil {
		return err
	}

	if _, err := o.appendMessage(ctx, session.ID, models.RoleUser, models.NewTextContent(session.InitialPrompt), ""); err != nil {
		return err
	}

	if o.deps.Desktop != nil {
		if err := o.deps.Desktop.EnsureRunning(ctx); err != nil {
			return fmt.Errorf("start desktop: %w", err)
		}
	}

	params := ResolveRunParams(session, o.config.Defaults)
	client, err := o.deps.Clients(ctx, creds)
	if err != nil {
		return fmt.Errorf("create model client: %w", err)
	}

	toolsets := o.deps.Toolsets()
	defer func() {
		if err := toolsets.Close(); err != nil {
			o.config.Logger.Warn(ctx, "failed to release tools", "error", err)
		}
	}()

	o.config.Logger.Info(ctx, "sampling loop starting",
		"model", params.Model,
		"tool_version", params.ToolVersion,
		"max_tokens", params.MaxTokens,
	)

	loop := agent.NewSamplingLoop(client, toolsets, agent.LoopConfig{
		MaxIterations: o.config.MaxIterations,
		Logger:        o.config.Logger,
		Now:           o.config.Now,
	})
	_, err = loop.Run(ctx, params, agent.LoopHandlers{
		OnAssistantOutput: func(ctx context.Context, blocks []models.ContentBlock) error {
			content, err := models.NewAssistantContent(blocks)
			if err != nil {
				return err
			}
			_, err = o.appendMessage(ctx, session.ID, models.RoleAssistant, content, "")
			return err
		},
		OnToolResult: func(ctx context.Context, toolUseID string, result *agent.ToolResult) error {
			content := models.NewToolContent(result.Output, result.Error, result.System)
			_, err := o.appendMessage(ctx, session.ID, models.RoleTool, content, result.Base64Image)
			return err
		},
	})
	return err
}

// transition moves the session to next, persists it and publishes the change.
func (o *Orchestrator) transition(ctx context.Context, session *models.Session, next models.SessionStatus) error {
	if !session.Status.CanTransition(next) {
		return fmt.Errorf("invalid status transition %s -> %s", session.Status, next)
	}
	if err := o.deps.Store.UpdateSessionStatus(ctx, session.ID, next); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	session.Status = next
	o.config.Metrics.RecordSessionStatus(string(next))
	o.deps.Publisher.Publish(session.ID, stream.StatusEvent(session))
	return nil
}

// appendMessage persists a message and then publishes it.
func (o *Orchestrator) appendMessage(ctx context.Context, sessionID int64, role models.Role, content []byte, image string) (*models.Message, error) {
	msg := &models.Message{
		SessionID:   sessionID,
		Role:        role,
		Content:     content,
		Base64Image: image,
		CreatedAt:   o.config.Now().UTC(),
	}
	if err := o.deps.Store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist %s message: %w", role, err)
	}
	o.deps.Publisher.Publish(sessionID, stream.MessageEvent(msg))
	return msg, nil
}

// fail records a run failure: one assistant explanation, then status error.
// Best effort; a store failure here is only logged.
func (o *Orchestrator) fail(ctx context.Context, session *models.Session, cause error) {
	o.config.Logger.Error(ctx, "session run failed", "error", cause, "status", session.Status)

	if session.Status.Terminal() {
		return
	}
	if _, err := o.appendMessage(ctx, session.ID, models.RoleAssistant, models.NewTextContent(FailureText(cause)), ""); err != nil {
		o.config.Logger.Error(ctx, "failed to persist failure message", "error", err)
	}
	o.deps.Publisher.Publish(session.ID, stream.ErrorEvent(cause))
	if err := o.transition(ctx, session, models.StatusError); err != nil {
		o.config.Logger.Error(ctx, "failed to mark session as error", "error", err)
	}
}

// FailureText is the assistant message persisted for a failed run.
func FailureText(err error) string {
	if loopErr, ok := agent.GetLoopError(err); ok && loopErr.Cause != nil {
		err = loopErr.Cause
	}
	return failurePrefix + err.Error()
}
