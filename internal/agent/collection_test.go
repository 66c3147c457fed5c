package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/deskpilot/internal/observability"
)

type blockingTool struct{ name string }

func (b *blockingTool) Name() string   { return b.name }
func (b *blockingTool) Spec() ToolSpec { return ToolSpec{Name: b.name} }
func (b *blockingTool) Execute(ctx context.Context, _ json.RawMessage) (*ToolResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestToolCollection_UnknownTool(t *testing.T) {
	c := NewToolCollection(CollectionConfig{}, &fakeTool{name: "bash"})

	result, err := c.Run(context.Background(), "browser", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Error != "Tool browser is invalid" {
		t.Errorf("Error = %q", result.Error)
	}
}

func TestToolCollection_RecoverableErrorsBecomeResults(t *testing.T) {
	tool := &fakeTool{name: "str_replace_editor", fn: func(json.RawMessage) (*ToolResult, error) {
		return nil, ToolErrorf(ToolErrorInvalidInput, "The path /tmp/x does not exist. Please provide a valid path.")
	}}
	c := NewToolCollection(CollectionConfig{}, tool)

	result, err := c.Run(context.Background(), "str_replace_editor", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Failed() || !strings.Contains(result.Error, "does not exist") {
		t.Errorf("result = %+v", result)
	}
}

func TestToolCollection_NilResultIsEmpty(t *testing.T) {
	tool := &fakeTool{name: "bash", fn: func(json.RawMessage) (*ToolResult, error) { return nil, nil }}
	c := NewToolCollection(CollectionConfig{}, tool)

	result, err := c.Run(context.Background(), "bash", nil)
	if err != nil || result == nil || result.Failed() {
		t.Fatalf("Run() = %+v, %v", result, err)
	}
}

func TestToolCollection_Timeout(t *testing.T) {
	c := NewToolCollection(CollectionConfig{Timeout: 20 * time.Millisecond}, &blockingTool{name: "bash"})

	result, err := c.Run(context.Background(), "bash", nil)
	if err != nil {
		t.Fatalf("timeouts should be returned as results, got %v", err)
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("Error = %q", result.Error)
	}
}

func TestToolCollection_ParentCancellationIsFatal(t *testing.T) {
	c := NewToolCollection(CollectionConfig{Timeout: time.Minute}, &blockingTool{name: "bash"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Run(ctx, "bash", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestToolCollection_PanicIsFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	tool := &fakeTool{name: "computer", fn: func(json.RawMessage) (*ToolResult, error) {
		panic("nil display")
	}}
	c := NewToolCollection(CollectionConfig{Metrics: metrics}, tool)

	_, err := c.Run(context.Background(), "computer", nil)
	if !errors.Is(err, ErrToolPanic) {
		t.Fatalf("Run() error = %v, want ErrToolPanic", err)
	}
	if got := testutil.ToFloat64(metrics.ToolExecutionCounter.WithLabelValues("computer", "panic")); got != 1 {
		t.Errorf("panic counter = %v, want 1", got)
	}
}

func TestToolCollection_SpecsKeepRegistrationOrder(t *testing.T) {
	c := NewToolCollection(CollectionConfig{},
		&fakeTool{name: "computer"},
		&fakeTool{name: "bash"},
		&fakeTool{name: "str_replace_editor"},
		&fakeTool{name: "bash"},
	)

	if got := strings.Join(c.Names(), ","); got != "computer,bash,str_replace_editor" {
		t.Errorf("Names() = %s", got)
	}
	if len(c.Specs()) != 3 {
		t.Errorf("Specs() = %d entries, want 3", len(c.Specs()))
	}
}
