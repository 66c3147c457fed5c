// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"strings"
	"sync"

	"github.com/haasonsaas/deskpilot/internal/process"
)

// Call records one invocation.
type Call struct {
	Name  string
	Args  []string
	Start bool
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Handler scripts the outcome of a call.
type Handler func(call Call) (process.Result, error)

// Runner records calls and answers them with Handler. With no handler every
// command succeeds with empty output.
type Runner struct {
	mu      sync.Mutex
	calls   []Call
	Handler Handler
}

var _ process.Runner = (*Runner)(nil)

// New returns a runner that answers with h.
func New(h Handler) *Runner {
	return &Runner{Handler: h}
}

func (r *Runner) Run(ctx context.Context, name string, args ...string) (process.Result, error) {
	if err := ctx.Err(); err != nil {
		return process.Result{ExitCode: -1}, err
	}
	return r.record(Call{Name: name, Args: append([]string(nil), args...)})
}

func (r *Runner) Start(name string, args ...string) error {
	_, err := r.record(Call{Name: name, Args: append([]string(nil), args...), Start: true})
	return err
}

func (r *Runner) record(call Call) (process.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	h := r.Handler
	r.mu.Unlock()
	if h == nil {
		return process.Result{}, nil
	}
	return h(call)
}

// Calls returns a copy of every recorded call.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Commands returns the recorded calls rendered as command lines.
func (r *Runner) Commands() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Reset forgets recorded calls.
func (r *Runner) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}
