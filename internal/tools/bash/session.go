package bash

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/deskpilot/internal/agent"
)

const (
	sentinel           = "<<exit>>"
	defaultShell       = "/bin/bash"
	defaultTimeout     = 120 * time.Second
	defaultOutputDelay = 200 * time.Millisecond
)

// ErrNotStarted is returned when a command is sent to a session that was
// never started.
var ErrNotStarted = errors.New("session has not started")

// SessionConfig tunes a shell session.
type SessionConfig struct {
	Shell       string
	Env         []string
	Dir         string
	Timeout     time.Duration
	OutputDelay time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Shell == "" {
		c.Shell = defaultShell
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.OutputDelay <= 0 {
		c.OutputDelay = defaultOutputDelay
	}
	return c
}

// Session is one long-lived shell. Commands share its working directory
// and environment. A session that times out must be restarted.
type Session struct {
	config SessionConfig

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *syncBuffer
	stderr   *syncBuffer
	done     chan struct{}
	started  bool
	timedOut bool
	exitCode int
}

// NewSession returns an unstarted session.
func NewSession(config SessionConfig) *Session {
	return &Session{config: config.withDefaults()}
}

// Start spawns the shell.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	cmd := exec.Command(s.config.Shell)
	if s.config.Dir != "" {
		cmd.Dir = s.config.Dir
	}
	if len(s.config.Env) > 0 {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("bash stdin: %w", err)
	}
	s.stdout = &syncBuffer{}
	s.stderr = &syncBuffer{}
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	// Background children may hold the pipes open after the shell dies.
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.config.Shell, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.done = make(chan struct{})
	s.started = true
	go func(done chan struct{}) {
		err := cmd.Wait()
		s.mu.Lock()
		s.exitCode = exitStatus(err)
		s.mu.Unlock()
		close(done)
	}(s.done)
	return nil
}

// Stop kills the shell. It is safe to call on an exited session.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	select {
	case <-s.done:
		return nil
	default:
	}
	_ = s.stdin.Close()
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill bash: %w", err)
	}
	return nil
}

// Run sends command to the shell and waits for the sentinel that marks its
// end. Output is read by polling so partial writes are never split.
func (s *Session) Run(ctx context.Context, command string) (*agent.ToolResult, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, agent.ToolErrorf(agent.ToolErrorExecution, "Session has not started.")
	}
	select {
	case <-s.done:
		code := s.exitCode
		s.mu.Unlock()
		return &agent.ToolResult{
			System: "tool must be restarted",
			Error:  fmt.Sprintf("bash has exited with returncode %d", code),
		}, nil
	default:
	}
	if s.timedOut {
		s.mu.Unlock()
		return nil, s.timeoutError()
	}
	stdin, stdout, stderr, done := s.stdin, s.stdout, s.stderr, s.done
	s.mu.Unlock()

	if _, err := io.WriteString(stdin, fmt.Sprintf("%s; echo '%s'\n", command, sentinel)); err != nil {
		return nil, agent.ToolErrorf(agent.ToolErrorExecution, "write to bash: %v", err)
	}

	deadline := time.NewTimer(s.config.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.config.OutputDelay)
	defer ticker.Stop()

	var output string
	for {
		select {
		case <-ctx.Done():
			s.markTimedOut()
			return nil, ctx.Err()
		case <-deadline.C:
			s.markTimedOut()
			return nil, s.timeoutError()
		case <-done:
			// The command ended the shell, e.g. "exit 3".
			return s.Run(ctx, command)
		case <-ticker.C:
		}
		current := stdout.String()
		if idx := strings.Index(current, sentinel); idx >= 0 {
			output = current[:idx]
			break
		}
	}

	result := &agent.ToolResult{
		Output: strings.TrimSuffix(output, "\n"),
		Error:  strings.TrimSuffix(stderr.String(), "\n"),
	}
	stdout.Reset()
	stderr.Reset()
	return result, nil
}

func (s *Session) markTimedOut() {
	s.mu.Lock()
	s.timedOut = true
	s.mu.Unlock()
}

func (s *Session) timeoutError() error {
	return &agent.ToolError{
		Type:    agent.ToolErrorTimeout,
		Message: fmt.Sprintf("timed out: bash has not returned in %s and must be restarted", s.config.Timeout),
		Cause:   agent.ErrToolTimeout,
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
