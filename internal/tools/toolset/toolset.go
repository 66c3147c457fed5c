// Package toolset assembles the versioned tool groups the sampling loop
// offers the model: computer, bash and str_replace_editor.
package toolset

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/internal/process"
	"github.com/haasonsaas/deskpilot/internal/tools/bash"
	"github.com/haasonsaas/deskpilot/internal/tools/computeruse"
	"github.com/haasonsaas/deskpilot/internal/tools/edit"
)

// BetaFlags maps each tool version to the API beta it requires.
var BetaFlags = map[agent.ToolVersion]string{
	agent.ToolVersion20241022: "computer-use-2024-10-22",
	agent.ToolVersion20250124: "computer-use-2025-01-24",
}

// Config describes the desktop the tools act on.
type Config struct {
	Computer computeruse.Config
	Bash     bash.SessionConfig

	// Timeout bounds one tool call. Zero means agent.DefaultToolTimeout.
	Timeout time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Factory creates a fresh Provider for each session run so runs never
// share shell state or edit history.
type Factory struct {
	config Config
	runner process.Runner
}

// NewFactory returns a factory whose tools execute commands with runner.
func NewFactory(config Config, runner process.Runner) *Factory {
	return &Factory{config: config, runner: runner}
}

// NewProvider returns an empty provider. Toolsets are built on first use.
func (f *Factory) NewProvider() *Provider {
	return &Provider{config: f.config, runner: f.runner, sets: make(map[agent.ToolVersion]*agent.Toolset)}
}

// Provider is an agent.ToolsetProvider scoped to one run. Close it when the
// run ends.
type Provider struct {
	config Config
	runner process.Runner

	mu     sync.Mutex
	sets   map[agent.ToolVersion]*agent.Toolset
	shells []*bash.Tool
}

var _ agent.ToolsetProvider = (*Provider)(nil)

func (p *Provider) Toolset(version agent.ToolVersion) (*agent.Toolset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, ok := p.sets[version]; ok {
		return set, nil
	}
	beta, ok := BetaFlags[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownToolVersion, version)
	}

	computer, err := computeruse.New(version, p.config.Computer, p.runner)
	if err != nil {
		return nil, err
	}
	shell, err := bash.New(version, p.config.Bash)
	if err != nil {
		return nil, err
	}
	editor, err := edit.New(version, p.runner)
	if err != nil {
		return nil, err
	}
	p.shells = append(p.shells, shell)

	set := &agent.Toolset{
		Version:  version,
		BetaFlag: beta,
		Collection: agent.NewToolCollection(agent.CollectionConfig{
			Timeout: p.config.Timeout,
			Logger:  p.config.Logger,
			Metrics: p.config.Metrics,
			Tracer:  p.config.Tracer,
		}, computer, shell, editor),
	}
	p.sets[version] = set
	return set, nil
}

// Close stops every shell the provider started.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, shell := range p.shells {
		if err := shell.Close(); err != nil && !errors.Is(err, bash.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	p.shells = nil
	p.sets = make(map[agent.ToolVersion]*agent.Toolset)
	return errors.Join(errs...)
}
