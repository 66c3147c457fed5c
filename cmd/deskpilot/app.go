package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/agent/providers"
	"github.com/haasonsaas/deskpilot/internal/config"
	"github.com/haasonsaas/deskpilot/internal/desktop"
	"github.com/haasonsaas/deskpilot/internal/gateway"
	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/internal/orchestrator"
	"github.com/haasonsaas/deskpilot/internal/process"
	"github.com/haasonsaas/deskpilot/internal/sessions"
	"github.com/haasonsaas/deskpilot/internal/stream"
	"github.com/haasonsaas/deskpilot/internal/tools/bash"
	"github.com/haasonsaas/deskpilot/internal/tools/computeruse"
	"github.com/haasonsaas/deskpilot/internal/tools/toolset"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// app holds the wired service. Broker is nil in poll mode and Desktop is nil
// when desktop management is disabled.
type app struct {
	config       *config.Config
	logger       *observability.Logger
	registry     *prometheus.Registry
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	store        sessions.Store
	broker       *stream.Broker
	desktop      *desktop.Environment
	orchestrator *orchestrator.Orchestrator

	closers []func(context.Context) error
}

// newApp wires every component from cfg. Close releases what it opened.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{config: cfg}
	a.logger = observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
		File: observability.FileConfig{
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
		RedactPatterns: cfg.Logging.Redact,
	})
	a.closers = append(a.closers, func(context.Context) error { return a.logger.Close() })

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(a.registry)

	a.tracer = observability.NopTracer()
	if cfg.Tracing.Enabled {
		tracer, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: firstNonEmpty(cfg.Tracing.ServiceVersion, version),
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Attributes:     cfg.Tracing.Attributes,
			Insecure:       cfg.Tracing.Insecure,
		})
		a.tracer = tracer
		a.closers = append(a.closers, shutdown)
	}

	store, err := sessions.OpenSQLStore(ctx, sqlConfig(cfg))
	if err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })

	runner := process.NewExecRunner().WithDisplay(cfg.Desktop.DisplayNumber)
	if cfg.Desktop.IsEnabled() {
		a.desktop = desktop.New(desktop.Config{
			DisplayNumber: cfg.Desktop.DisplayNumber,
			VNCPort:       cfg.Desktop.VNCPort,
			WebPort:       cfg.Desktop.WebPort,
			NoVNCDir:      cfg.Desktop.NoVNCDir,
			ViewerURL:     cfg.Desktop.ViewerURL,
			StartupDelay:  cfg.Desktop.StartupDelay,
		}, runner, a.logger)
	}

	var publisher stream.Publisher = stream.Discard
	if cfg.Updates.Mode == config.UpdatesPush {
		a.broker = stream.NewBroker(stream.BrokerConfig{
			KeepaliveInterval: cfg.Updates.KeepaliveInterval,
			Retention:         cfg.Updates.Retention,
			Logger:            a.logger,
			Metrics:           a.metrics,
		})
		publisher = a.broker
	}

	factory := toolset.NewFactory(toolset.Config{
		Computer: computeruse.Config{
			Width:           cfg.Agent.Screen.Width,
			Height:          cfg.Agent.Screen.Height,
			DisplayNumber:   cfg.Desktop.DisplayNumber,
			DisableScaling:  cfg.Agent.Screen.DisableScaling,
			ScreenshotDelay: cfg.Agent.Screen.ScreenshotDelay,
			OutputDir:       cfg.Agent.Screen.OutputDir,
		},
		Bash: bash.SessionConfig{
			Shell:   cfg.Agent.Bash.Shell,
			Dir:     cfg.Agent.Bash.Dir,
			Timeout: cfg.Agent.Bash.Timeout,
		},
		Timeout: cfg.Agent.ToolTimeout,
		Logger:  a.logger,
		Metrics: a.metrics,
		Tracer:  a.tracer,
	}, runner)

	orch, err := a.newOrchestrator(publisher, factory)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.orchestrator = orch
	return a, nil
}

func (a *app) newOrchestrator(publisher stream.Publisher, factory *toolset.Factory) (*orchestrator.Orchestrator, error) {
	cfg := a.config
	defaultProvider, err := models.ParseProvider(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, err
	}
	fallbackProvider, err := models.ParseProvider(cfg.LLM.FallbackProvider)
	if err != nil {
		return nil, err
	}
	policy, err := orchestrator.ParseCredentialPolicy(cfg.LLM.CredentialPolicy)
	if err != nil {
		return nil, err
	}

	resolver := providers.NewCredentialResolver(providers.ResolverConfig{
		Anthropic: providers.AnthropicSettings{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
		},
		Bedrock: providers.BedrockSettings{
			Region:          cfg.LLM.Bedrock.Region,
			Profile:         cfg.LLM.Bedrock.Profile,
			AccessKeyID:     cfg.LLM.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.LLM.Bedrock.SecretAccessKey,
			SessionToken:    cfg.LLM.Bedrock.SessionToken,
			VerifyAccess:    cfg.LLM.Bedrock.VerifyAccess,
		},
		Vertex: providers.VertexSettings{
			ProjectID: cfg.LLM.Vertex.ProjectID,
			Region:    cfg.LLM.Vertex.Region,
		},
	})

	clientConfig := providers.ClientConfig{
		MaxAttempts:    cfg.LLM.MaxAttempts,
		RequestTimeout: cfg.LLM.RequestTimeout,
		Logger:         a.logger,
		Metrics:        a.metrics,
		Tracer:         a.tracer,
	}
	clients := func(ctx context.Context, creds *providers.Credentials) (agent.ModelClient, error) {
		client, err := providers.NewClient(ctx, creds, clientConfig)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	deps := orchestrator.Dependencies{
		Store:       a.store,
		Publisher:   publisher,
		Credentials: resolver,
		Clients:     clients,
		Toolsets:    func() orchestrator.RunToolsets { return factory.NewProvider() },
	}
	// A nil *desktop.Environment must not become a non-nil interface.
	if a.desktop != nil {
		deps.Desktop = a.desktop
	}

	return orchestrator.New(deps, orchestrator.Config{
		DefaultProvider:  defaultProvider,
		CredentialPolicy: policy,
		FallbackProvider: fallbackProvider,
		Defaults: orchestrator.Defaults{
			OnlyNMostRecentImages: cfg.Agent.OnlyNMostRecentImages,
			Models:                modelOverrides(cfg.LLM),
		},
		MaxIterations: cfg.Agent.MaxIterations,
		Logger:        a.logger,
		Metrics:       a.metrics,
		Tracer:        a.tracer,
	})
}

// newGateway builds the HTTP server over the wired components.
func (a *app) newGateway() (*gateway.Server, error) {
	deps := gateway.Dependencies{
		Sessions: a.orchestrator,
		Store:    a.store,
		Broker:   a.broker,
		Gatherer: a.registry,
		Logger:   a.logger,
		Metrics:  a.metrics,
	}
	if a.desktop != nil {
		deps.Desktop = a.desktop
	}
	return gateway.New(gateway.Config{
		Host:              a.config.Server.Host,
		Port:              a.config.Server.Port,
		AllowedOrigins:    a.config.Server.AllowedOrigins,
		ReadHeaderTimeout: a.config.Server.ReadHeaderTimeout,
		ShutdownTimeout:   a.config.Server.ShutdownTimeout,
	}, deps)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func sqlConfig(cfg *config.Config) sessions.SQLConfig {
	return sessions.SQLConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	}
}

// modelOverrides maps the per-provider model settings that are set.
func modelOverrides(llm config.LLMConfig) map[models.Provider]string {
	overrides := map[models.Provider]string{}
	for provider, model := range map[models.Provider]string{
		models.ProviderAnthropic: llm.Anthropic.Model,
		models.ProviderBedrock:   llm.Bedrock.Model,
		models.ProviderVertex:    llm.Vertex.Model,
	} {
		if model != "" {
			overrides[provider] = model
		}
	}
	return overrides
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
