package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/deskpilot/internal/observability"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

func newTestBroker(keepalive time.Duration) (*Broker, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewBroker(BrokerConfig{KeepaliveInterval: keepalive, Metrics: metrics}), metrics
}

func TestBroker_DeliversInOrder(t *testing.T) {
	b, _ := newTestBroker(time.Second)
	b.Open(1)
	session := &models.Session{ID: 1, Status: models.StatusRunning, Provider: models.ProviderAnthropic}
	b.Publish(1, StatusEvent(session))
	b.Publish(1, MessageEvent(&models.Message{ID: 1, SessionID: 1, Role: models.RoleUser}))
	b.Publish(1, MessageEvent(&models.Message{ID: 2, SessionID: 1, Role: models.RoleAssistant}))

	sub := b.Subscribe(1)
	defer sub.Close()

	want := []EventType{EventStatus, EventUser, EventAssistant}
	for i, typ := range want {
		ev, err := sub.Next(context.Background())
		if err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
		if ev.Type != typ {
			t.Errorf("event %d type = %s, want %s", i, ev.Type, typ)
		}
	}
}

func TestBroker_PingOnIdle(t *testing.T) {
	b, _ := newTestBroker(20 * time.Millisecond)
	sub := b.Subscribe(1)
	defer sub.Close()

	start := time.Now()
	ev, err := sub.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Type != EventPing {
		t.Fatalf("event type = %s, want ping", ev.Type)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("ping returned before the keepalive interval")
	}

	// A ping does not end the subscription.
	b.Publish(1, PingEvent())
	b.Publish(1, ErrorEvent(errors.New("boom")))
	if _, err := sub.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	ev, err = sub.Next(context.Background())
	if err != nil || ev.Type != EventError {
		t.Fatalf("Next() = %v, %v", ev, err)
	}
}

func TestBroker_PublishWithoutQueueIsNoop(t *testing.T) {
	b, metrics := newTestBroker(time.Second)
	b.Publish(42, PingEvent())
	if b.Has(42) {
		t.Fatal("publish must not create a queue")
	}
	if got := testutil.ToFloat64(metrics.EventsPublished.WithLabelValues("ping")); got != 1 {
		t.Errorf("events published = %v, want 1", got)
	}
}

func TestBroker_CloseUnblocksReader(t *testing.T) {
	b, _ := newTestBroker(time.Minute)
	sub := b.Subscribe(3)

	errc := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close(3)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Next() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next() did not return after Close")
	}
	if b.Has(3) {
		t.Error("queue should be removed")
	}
}

func TestBroker_ContextCancel(t *testing.T) {
	b, _ := newTestBroker(time.Minute)
	sub := b.Subscribe(1)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next() error = %v", err)
	}
}

func TestSubscription_CloseTearsDownQueue(t *testing.T) {
	b, metrics := newTestBroker(time.Second)
	sub := b.Subscribe(5)
	if got := testutil.ToFloat64(metrics.Subscribers); got != 1 {
		t.Errorf("subscribers = %v, want 1", got)
	}

	sub.Close()
	sub.Close()
	if b.Has(5) {
		t.Error("queue should be removed on subscriber close")
	}
	if got := testutil.ToFloat64(metrics.Subscribers); got != 0 {
		t.Errorf("subscribers = %v, want 0", got)
	}

	// The run keeps publishing after the disconnect without effect.
	b.Publish(5, PingEvent())
	if b.Has(5) {
		t.Error("publish after disconnect must not recreate the queue")
	}
}

func TestSubscription_StaleCloseKeepsNewQueue(t *testing.T) {
	b, _ := newTestBroker(time.Second)
	old := b.Subscribe(7)
	b.Close(7)
	b.Open(7)
	old.Close()
	if !b.Has(7) {
		t.Error("closing a stale subscription removed the new queue")
	}
}

func TestBroker_AtMostOnceAcrossReaders(t *testing.T) {
	b, _ := newTestBroker(50 * time.Millisecond)
	b.Open(1)
	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(1, MessageEvent(&models.Message{ID: int64(i), Role: models.RoleTool}))
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for r := 0; r < 4; r++ {
		sub := &Subscription{SessionID: 1, broker: b, queue: b.queues[1]}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				ev, err := sub.Next(context.Background())
				if err != nil || ev.Type == EventPing {
					return
				}
				mu.Lock()
				seen[ev.Content.(*models.Message).ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("delivered %d distinct events, want %d", len(seen), n)
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("event %d delivered %d times", id, count)
		}
	}
}

func TestEvent_JSON(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{"ping", PingEvent(), `{"type":"ping"}`},
		{"error", ErrorEvent(errors.New("no key")), `{"type":"error","content":{"error":"no key"}}`},
		{
			"status",
			StatusEvent(&models.Session{ID: 2, Status: models.StatusCompleted, Provider: models.ProviderVertex}),
			`{"type":"status","content":{"session_id":2,"status":"completed","provider":"vertex"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			if err != nil {
				t.Fatal(err)
			}
			if string(data) != tt.want {
				t.Errorf("json = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestEvent_IsTerminal(t *testing.T) {
	tests := []struct {
		event Event
		want  bool
	}{
		{StatusEvent(&models.Session{Status: models.StatusRunning}), false},
		{StatusEvent(&models.Session{Status: models.StatusCompleted}), true},
		{StatusEvent(&models.Session{Status: models.StatusError}), true},
		{PingEvent(), false},
	}
	for _, tt := range tests {
		if got := tt.event.IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%+v) = %v, want %v", tt.event, got, tt.want)
		}
	}
}

func TestMessageEvent_Types(t *testing.T) {
	roles := map[models.Role]EventType{
		models.RoleUser:      EventUser,
		models.RoleAssistant: EventAssistant,
		models.RoleTool:      EventTool,
	}
	for role, want := range roles {
		if got := MessageEvent(&models.Message{Role: role}).Type; got != want {
			t.Errorf("MessageEvent(%s) type = %s, want %s", role, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	Discard.Publish(1, PingEvent())
}

func TestBroker_ReleaseTearsDownAfterRetention(t *testing.T) {
	b := NewBroker(BrokerConfig{KeepaliveInterval: time.Second, Retention: 20 * time.Millisecond})
	b.Open(1)
	b.Publish(1, StatusEvent(&models.Session{ID: 1, Status: models.StatusCompleted}))
	b.Release(1)

	if !b.Has(1) {
		t.Fatal("queue should survive until the retention window ends")
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.Has(1) {
		if time.Now().After(deadline) {
			t.Fatal("released queue still held after retention")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroker_LateSubscriberDrainsReleasedQueue(t *testing.T) {
	b := NewBroker(BrokerConfig{KeepaliveInterval: time.Second, Retention: 200 * time.Millisecond})
	b.Open(1)
	b.Publish(1, StatusEvent(&models.Session{ID: 1, Status: models.StatusCompleted}))
	b.Release(1)

	sub := b.Subscribe(1)
	defer sub.Close()
	ev, err := sub.Next(context.Background())
	if err != nil || !ev.IsTerminal() {
		t.Fatalf("Next() = %+v, %v, want terminal status", ev, err)
	}
}

func TestBroker_ReleaseKeepsNewerQueue(t *testing.T) {
	b := NewBroker(BrokerConfig{KeepaliveInterval: time.Second, Retention: 20 * time.Millisecond})
	b.Open(1)
	b.Release(1)
	b.Close(1)
	b.Open(1)

	time.Sleep(60 * time.Millisecond)
	if !b.Has(1) {
		t.Error("release of an old queue dropped the newer one")
	}
}

func TestBroker_ReleaseWithoutQueueIsNoop(t *testing.T) {
	b, _ := newTestBroker(time.Second)
	b.Release(7)
	if b.Has(7) {
		t.Error("Release must not create a queue")
	}
}

func TestBroker_ClosingOneReaderEndsAll(t *testing.T) {
	b, _ := newTestBroker(time.Second)
	first := b.Subscribe(1)
	second := b.Subscribe(1)
	defer second.Close()

	first.Close()
	if b.Has(1) {
		t.Fatal("queue should be gone once any reader closes")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := second.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Next() after peer close error = %v, want ErrClosed", err)
	}
}
