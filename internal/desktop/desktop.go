// Package desktop manages the remote desktop services the agent drives:
// an x11vnc server exporting the X display and a noVNC proxy serving it to
// browsers.
package desktop

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/deskpilot/internal/backoff"
	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/internal/process"
)

// Config describes the desktop services.
type Config struct {
	// DisplayNumber is the X display exported by x11vnc.
	DisplayNumber int

	// VNCPort is the RFB port x11vnc listens on.
	VNCPort int

	// WebPort is the port the noVNC proxy listens on.
	WebPort int

	// NoVNCDir is the noVNC installation directory.
	NoVNCDir string

	// ViewerURL is the browser URL reported by Status. Empty derives it from
	// WebPort on localhost.
	ViewerURL string

	// StartupDelay is waited after starting x11vnc so the proxy can connect.
	StartupDelay time.Duration

	// Disabled makes EnsureRunning a no-op, for hosts without a display.
	Disabled bool
}

// DefaultConfig returns the container defaults.
func DefaultConfig() Config {
	return Config{
		DisplayNumber: 1,
		VNCPort:       5900,
		WebPort:       6080,
		NoVNCDir:      "/opt/noVNC",
		StartupDelay:  2 * time.Second,
	}
}

// Service names reported by Status and Stop.
const (
	ServiceX11VNC = "x11vnc"
	ServiceNoVNC  = "noVNC"
)

// ServiceRuntime is the observed state of one desktop service.
type ServiceRuntime struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
}

// Status is the observed state of the desktop.
type Status struct {
	Running  bool             `json:"is_running"`
	Port     int              `json:"port"`
	PID      int              `json:"pid,omitempty"`
	URL      string           `json:"url"`
	Services []ServiceRuntime `json:"services"`
	Error    string           `json:"error,omitempty"`
}

// Environment starts, inspects and stops the desktop services.
type Environment struct {
	config Config
	runner process.Runner
	logger *observability.Logger

	// mu serializes EnsureRunning so concurrent runs start services once.
	mu    sync.Mutex
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an environment that runs commands through runner.
func New(config Config, runner process.Runner, logger *observability.Logger) *Environment {
	defaults := DefaultConfig()
	if config.VNCPort <= 0 {
		config.VNCPort = defaults.VNCPort
	}
	if config.WebPort <= 0 {
		config.WebPort = defaults.WebPort
	}
	if config.NoVNCDir == "" {
		config.NoVNCDir = defaults.NoVNCDir
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Environment{config: config, runner: runner, logger: logger, sleep: backoff.Sleep}
}

// ViewerURL returns the browser URL of the noVNC client.
func (e *Environment) ViewerURL() string {
	if e.config.ViewerURL != "" {
		return e.config.ViewerURL
	}
	return fmt.Sprintf("http://localhost:%d/vnc.html?autoconnect=true&resize=scale&quality=6", e.config.WebPort)
}

func (e *Environment) x11vncArgs() []string {
	return []string{
		"-display", fmt.Sprintf(":%d", e.config.DisplayNumber),
		"-forever",
		"-shared",
		"-wait", "50",
		"-rfbport", strconv.Itoa(e.config.VNCPort),
		"-nopw",
	}
}

func (e *Environment) noVNCProxy() string {
	return strings.TrimRight(e.config.NoVNCDir, "/") + "/utils/novnc_proxy"
}

func (e *Environment) noVNCArgs() []string {
	return []string{
		"--vnc", fmt.Sprintf("localhost:%d", e.config.VNCPort),
		"--listen", strconv.Itoa(e.config.WebPort),
		"--web", e.config.NoVNCDir,
	}
}

// pattern is the pgrep -f expression matching a service command line.
func pattern(service string) string {
	if service == ServiceNoVNC {
		return "novnc_proxy"
	}
	return "x11vnc"
}

// Status reports which services are running. Probe failures are reported
// in Status.Error rather than returned.
func (e *Environment) Status(ctx context.Context) (*Status, error) {
	status := &Status{Port: e.config.WebPort, URL: e.ViewerURL()}
	running := true
	for _, name := range []string{ServiceX11VNC, ServiceNoVNC} {
		svc, err := e.probe(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			status.Error = err.Error()
		}
		status.Services = append(status.Services, svc)
		running = running && svc.Running
		if name == ServiceNoVNC {
			status.PID = svc.PID
		}
	}
	status.Running = running
	if !running && status.Error == "" {
		status.Error = "VNC services not running"
	}
	return status, nil
}

func (e *Environment) probe(ctx context.Context, name string) (ServiceRuntime, error) {
	svc := ServiceRuntime{Name: name}
	res, err := e.runner.Run(ctx, "pgrep", "-f", pattern(name))
	if err != nil {
		return svc, fmt.Errorf("probe %s: %w", name, err)
	}
	switch res.ExitCode {
	case 0:
		svc.Running = true
		svc.PID = firstPID(res.Stdout)
	case 1:
		// No matching process.
	default:
		return svc, fmt.Errorf("probe %s: %s", name, process.Describe("pgrep", res))
	}
	return svc, nil
}

func firstPID(out string) int {
	for _, field := range strings.Fields(out) {
		if pid, err := strconv.Atoi(field); err == nil {
			return pid
		}
	}
	return 0
}

// EnsureRunning starts whichever services are not running. It is safe to
// call before every session run.
func (e *Environment) EnsureRunning(ctx context.Context) error {
	if e.config.Disabled {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	vnc, err := e.probe(ctx, ServiceX11VNC)
	if err != nil {
		return err
	}
	if !vnc.Running {
		e.logger.Info(ctx, "starting desktop service", "service", ServiceX11VNC, "display", e.config.DisplayNumber)
		if err := e.runner.Start("x11vnc", e.x11vncArgs()...); err != nil {
			return fmt.Errorf("start x11vnc: %w", err)
		}
		if err := e.sleep(ctx, e.config.StartupDelay); err != nil {
			return err
		}
	}

	proxy, err := e.probe(ctx, ServiceNoVNC)
	if err != nil {
		return err
	}
	if !proxy.Running {
		e.logger.Info(ctx, "starting desktop service", "service", ServiceNoVNC, "port", e.config.WebPort)
		if err := e.runner.Start(e.noVNCProxy(), e.noVNCArgs()...); err != nil {
			return fmt.Errorf("start noVNC: %w", err)
		}
	}
	return nil
}

// Stop terminates both services and returns the names of those that were
// running.
func (e *Environment) Stop(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stopped := []string{}
	for _, name := range []string{ServiceNoVNC, ServiceX11VNC} {
		res, err := e.runner.Run(ctx, "pkill", "-f", pattern(name))
		if err != nil {
			return stopped, fmt.Errorf("stop %s: %w", name, err)
		}
		switch res.ExitCode {
		case 0:
			stopped = append(stopped, name)
			e.logger.Info(ctx, "stopped desktop service", "service", name)
		case 1:
		default:
			return stopped, fmt.Errorf("stop %s: %s", name, process.Describe("pkill", res))
		}
	}
	return stopped, nil
}
