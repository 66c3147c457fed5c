// Package stream distributes live session updates to clients, either pushed
// through per-session queues or read back from the store on demand.
package stream

import (
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// EventType names the kind of update carried by an Event.
type EventType string

const (
	EventStatus    EventType = "status"
	EventUser      EventType = "user"
	EventAssistant EventType = "assistant"
	EventTool      EventType = "tool"
	EventError     EventType = "error"
	EventPing      EventType = "ping"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	Type    EventType `json:"type"`
	Content any       `json:"content,omitempty"`
}

// StatusContent is the payload of a status event.
type StatusContent struct {
	SessionID int64                `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Provider  models.Provider      `json:"provider,omitempty"`
}

// ErrorContent is the payload of an error event.
type ErrorContent struct {
	Error string `json:"error"`
}

// StatusEvent reports a session status change.
func StatusEvent(session *models.Session) Event {
	return Event{Type: EventStatus, Content: StatusContent{
		SessionID: session.ID,
		Status:    session.Status,
		Provider:  session.Provider,
	}}
}

// MessageEvent wraps a persisted message. The event type follows the role.
func MessageEvent(msg *models.Message) Event {
	typ := EventUser
	switch msg.Role {
	case models.RoleAssistant:
		typ = EventAssistant
	case models.RoleTool:
		typ = EventTool
	}
	return Event{Type: typ, Content: msg}
}

// ErrorEvent reports a run failure.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Content: ErrorContent{Error: err.Error()}}
}

// PingEvent keeps idle connections open.
func PingEvent() Event {
	return Event{Type: EventPing}
}

// IsTerminal reports whether e announces a status no run leaves.
func (e Event) IsTerminal() bool {
	if e.Type != EventStatus {
		return false
	}
	status, ok := e.Content.(StatusContent)
	return ok && status.Status.Terminal()
}

// Publisher accepts updates for a session. Publish never blocks on delivery
// and never fails; an update nobody listens for is dropped.
type Publisher interface {
	Publish(sessionID int64, event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(sessionID int64, event Event)

func (f PublisherFunc) Publish(sessionID int64, event Event) {
	f(sessionID, event)
}

// Discard drops every update. It is used when clients poll.
var Discard Publisher = PublisherFunc(func(int64, Event) {})
