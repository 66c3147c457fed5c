package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/deskpilot/internal/observability"
)

// DefaultKeepaliveInterval is how long Next waits before returning a ping.
const DefaultKeepaliveInterval = 10 * time.Second

// retentionKeepalives is the default retention in keepalive intervals.
const retentionKeepalives = 3

// ErrClosed is returned by Next once the session queue has been torn down.
var ErrClosed = errors.New("stream closed")

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	KeepaliveInterval time.Duration

	// Retention is how long a finished run's queue waits for a late
	// subscriber before it is torn down. Default three keepalive intervals.
	Retention time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Broker holds one unbounded in-memory queue per session. Events published
// before anyone subscribes wait in the queue; each event is delivered to at
// most one reader.
type Broker struct {
	mu     sync.Mutex
	queues map[int64]*queue
	config BrokerConfig
}

var _ Publisher = (*Broker)(nil)

// NewBroker creates an empty broker.
func NewBroker(config BrokerConfig) *Broker {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if config.Retention <= 0 {
		config.Retention = retentionKeepalives * config.KeepaliveInterval
	}
	if config.Logger == nil {
		config.Logger = observability.NopLogger()
	}
	return &Broker{queues: map[int64]*queue{}, config: config}
}

// Open creates the queue for sessionID if it does not exist yet.
func (b *Broker) Open(sessionID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openLocked(sessionID)
}

func (b *Broker) openLocked(sessionID int64) *queue {
	q, ok := b.queues[sessionID]
	if !ok {
		q = newQueue()
		b.queues[sessionID] = q
	}
	return q
}

// Has reports whether sessionID currently has a queue.
func (b *Broker) Has(sessionID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[sessionID]
	return ok
}

// Publish appends event to the session queue. Without a queue it does nothing.
func (b *Broker) Publish(sessionID int64, event Event) {
	b.mu.Lock()
	q := b.queues[sessionID]
	b.mu.Unlock()

	b.config.Metrics.RecordEventPublished(string(event.Type))
	if q == nil {
		return
	}
	q.push(event)
}

// Subscribe attaches to the session queue, creating it if needed. Readers of
// one session compete for its events, and closing any Subscription tears
// the queue down for every reader.
func (b *Broker) Subscribe(sessionID int64) *Subscription {
	b.mu.Lock()
	q := b.openLocked(sessionID)
	b.mu.Unlock()

	b.config.Metrics.SubscriberAttached()
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		broker:    b,
		queue:     q,
	}
	b.config.Logger.Debug(context.Background(), "stream subscriber attached",
		"session_id", sessionID, "subscriber_id", sub.ID)
	return sub
}

// Close tears down the session queue. Readers blocked in Next return ErrClosed.
func (b *Broker) Close(sessionID int64) {
	b.mu.Lock()
	q := b.queues[sessionID]
	delete(b.queues, sessionID)
	b.mu.Unlock()
	if q != nil {
		q.close()
	}
}

// Release schedules the session queue for teardown after Retention. A run
// calls it once its terminal status is published, so a late subscriber can
// still drain the queue and nothing outlives the retention window.
func (b *Broker) Release(sessionID int64) {
	b.mu.Lock()
	q := b.queues[sessionID]
	b.mu.Unlock()
	if q == nil {
		return
	}
	time.AfterFunc(b.config.Retention, func() {
		b.closeQueue(sessionID, q)
		b.config.Logger.Debug(context.Background(), "released session queue", "session_id", sessionID)
	})
}

// closeQueue removes q only if it is still the registered queue, so a
// subscriber left over from an earlier stream cannot drop a newer one.
func (b *Broker) closeQueue(sessionID int64, q *queue) {
	b.mu.Lock()
	if b.queues[sessionID] == q {
		delete(b.queues, sessionID)
	}
	b.mu.Unlock()
	q.close()
}

// Subscription reads events from one session queue.
type Subscription struct {
	ID        string
	SessionID int64

	broker *Broker
	queue  *queue
	once   sync.Once
}

// Next returns the next queued event. When nothing arrives within the
// keepalive interval it returns a ping event.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	timer := time.NewTimer(s.broker.config.KeepaliveInterval)
	defer timer.Stop()

	for {
		if event, ok := s.queue.pop(); ok {
			return event, nil
		}
		select {
		case <-s.queue.signal:
		case <-s.queue.done:
			// Drain anything published before the close.
			if event, ok := s.queue.pop(); ok {
				return event, nil
			}
			return Event{}, ErrClosed
		case <-timer.C:
			return PingEvent(), nil
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close detaches the subscriber and tears down the session queue.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.closeQueue(s.SessionID, s.queue)
		s.broker.config.Metrics.SubscriberDetached()
		s.broker.config.Logger.Debug(context.Background(), "stream subscriber detached",
			"session_id", s.SessionID, "subscriber_id", s.ID)
	})
}

type queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *queue) push(event Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, event)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	event := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return event, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
