// Package process runs the external programs the desktop and its tools
// depend on (xdotool, scrot, x11vnc, pgrep). Everything goes through the
// Runner interface so callers can be tested without an X server.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// DefaultMaxOutput caps captured stdout and stderr per command.
const DefaultMaxOutput = 1 << 20

// Result summarizes a finished command. A non-zero ExitCode is not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes commands.
type Runner interface {
	// Run executes name and waits for it. The error is non-nil only when the
	// program could not be started or ctx ended first.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// Start launches a long-lived program detached from any request
	// context and returns once it has been spawned.
	Start(name string, args ...string) error
}

// ExecRunner runs commands on the local host with os/exec.
type ExecRunner struct {
	// Env is appended to the current environment, e.g. "DISPLAY=:1".
	Env []string

	// Dir is the working directory. Empty means the current one.
	Dir string

	// MaxOutput caps captured output. Zero means DefaultMaxOutput.
	MaxOutput int

	// Output receives stdout and stderr of started programs. Nil discards.
	Output io.Writer
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner returns a runner that adds env to every command.
func NewExecRunner(env ...string) *ExecRunner {
	return &ExecRunner{Env: env}
}

// WithDisplay returns a copy of the runner that targets X display n.
func (r *ExecRunner) WithDisplay(n int) *ExecRunner {
	clone := *r
	clone.Env = append(append([]string(nil), r.Env...), fmt.Sprintf("DISPLAY=:%d", n))
	return &clone
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if name == "" {
		return Result{}, errors.New("command is required")
	}
	limit := r.MaxOutput
	if limit <= 0 {
		limit = DefaultMaxOutput
	}

	cmd := exec.CommandContext(ctx, name, args...)
	r.prepare(cmd)
	stdout := newLimitedBuffer(limit)
	stderr := newLimitedBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode(err)}
	if ctx.Err() != nil {
		return result, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return result, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

func (r *ExecRunner) Start(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	r.prepare(cmd)
	if r.Output != nil {
		cmd.Stdout = r.Output
		cmd.Stderr = r.Output
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	// Reap the child so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

func (r *ExecRunner) prepare(cmd *exec.Cmd) {
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
}

// Shell runs script with /bin/sh -c.
func Shell(ctx context.Context, r Runner, script string) (Result, error) {
	return r.Run(ctx, "/bin/sh", "-c", script)
}

// Available reports whether name resolves on PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Describe formats a failed result for error messages.
func Describe(name string, res Result) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("%s exited with status %d", name, res.ExitCode)
	}
	return fmt.Sprintf("%s exited with status %d: %s", name, res.ExitCode, msg)
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
