package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/deskpilot/internal/config"
	"github.com/haasonsaas/deskpilot/internal/orchestrator"
	"github.com/haasonsaas/deskpilot/internal/stream"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// =============================================================================
// Run Command Handler
// =============================================================================

// errSessionFailed is returned when the session ends with an error status.
var errSessionFailed = errors.New("session ended with an error")

// runTask creates one session and runs it to a terminal status.
func runTask(cmd *cobra.Command, opts runOptions, prompt string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close(context.WithoutCancel(ctx))

	session, err := a.orchestrator.Create(ctx, opts.request(prompt))
	if err != nil {
		return err
	}
	a.logger.Info(ctx, "session created", "session_id", session.ID, "provider", session.Provider)

	out := cmd.OutOrStdout()
	if a.broker == nil {
		return runPolled(ctx, a, session.ID, out)
	}
	return runStreamed(ctx, a, session.ID, out)
}

// runStreamed prints every update as a JSON line until the session ends.
func runStreamed(ctx context.Context, a *app, id int64, out io.Writer) error {
	sub := a.broker.Subscribe(id)
	defer sub.Close()

	if err := a.orchestrator.Start(ctx, id); err != nil {
		return err
	}
	defer func() {
		// The run outlives ctx; give it the shutdown window to record its status.
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.config.Server.ShutdownTimeout)
		defer cancel()
		_ = a.orchestrator.Shutdown(waitCtx)
	}()

	enc := json.NewEncoder(out)
	for {
		event, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if event.Type == stream.EventPing {
			continue
		}
		if err := enc.Encode(event); err != nil {
			return err
		}
		if event.IsTerminal() {
			if status, ok := event.Content.(stream.StatusContent); ok && status.Status == models.StatusError {
				return errSessionFailed
			}
			return nil
		}
	}
}

// runPolled runs in the foreground and prints the final snapshot.
func runPolled(ctx context.Context, a *app, id int64, out io.Writer) error {
	session, err := a.orchestrator.Run(ctx, id)
	if err != nil {
		return err
	}
	snapshot, err := stream.NewPoller(a.store).Snapshot(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		return err
	}
	if session.Status == models.StatusError {
		return errSessionFailed
	}
	return nil
}

func (o runOptions) request(prompt string) orchestrator.CreateRequest {
	req := orchestrator.CreateRequest{
		InitialPrompt:      prompt,
		Provider:           o.provider,
		Model:              o.model,
		SystemPromptSuffix: o.systemSuffix,
		MaxTokens:          o.maxTokens,
		ToolVersion:        o.toolVersion,
	}
	if o.thinkingBudget > 0 {
		budget := o.thinkingBudget
		req.ThinkingBudget = &budget
	}
	return req
}
