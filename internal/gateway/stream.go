package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/deskpilot/internal/stream"
)

const (
	wsMaxPayloadBytes = 4 << 10
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// openStream resolves the session and subscribes to its queue. A session
// that already finished with nothing queued yields only its final status
// event. A status event is queued behind any backlog when the run finishes
// while subscribing. ok is false once an error response has been written.
func (s *Server) openStream(w http.ResponseWriter, r *http.Request) (*stream.Subscription, *stream.Event, bool) {
	if s.deps.Broker == nil {
		writeJSONError(w, http.StatusNotFound, "live updates are disabled, poll the status and messages endpoints")
		return nil, nil, false
	}
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return nil, nil, false
	}
	session, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return nil, nil, false
	}
	if session.Status.Terminal() && !s.deps.Broker.Has(id) {
		final := stream.StatusEvent(session)
		return nil, &final, true
	}
	sub := s.deps.Broker.Subscribe(id)
	// The run may have finished and released its queue between the lookup
	// and Subscribe, leaving an empty queue that nothing will publish to.
	if !session.Status.Terminal() {
		current, err := s.deps.Store.GetSession(r.Context(), id)
		if err != nil {
			sub.Close()
			s.writeError(w, r, err)
			return nil, nil, false
		}
		if current.Status.Terminal() {
			s.deps.Broker.Publish(id, stream.StatusEvent(current))
		}
	}
	return sub, nil, true
}

// handleStream serves GET /api/sessions/{id}/stream as server-sent events.
// The stream ends after the terminal status event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub, final, ok := s.openStream(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if final != nil {
		_ = writeSSE(w, *final) //nolint:errcheck
		flusher.Flush()
		return
	}
	defer sub.Close()

	ctx, cancel := s.streamContext(r)
	defer cancel()
	s.logger.Debug(ctx, "sse subscriber attached", "session_id", sub.SessionID, "subscriber_id", sub.ID)

	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, stream.ErrClosed) && ctx.Err() == nil {
				s.logger.Warn(ctx, "sse stream ended", "session_id", sub.SessionID, "error", err)
			}
			return
		}
		if err := writeSSE(w, event); err != nil {
			return
		}
		flusher.Flush()
		if event.IsTerminal() {
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event stream.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// handleWebSocket serves GET /api/sessions/{id}/ws. Each event is one JSON
// text frame; the connection closes normally after the terminal status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, final, ok := s.openStream(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if sub != nil {
			sub.Close()
		}
		return
	}
	defer conn.Close()

	if final != nil {
		if writeFrame(conn, *final) == nil {
			closeNormally(conn)
		}
		return
	}
	defer sub.Close()

	ctx, cancel := s.streamContext(r)
	defer cancel()
	go readUntilClosed(conn, cancel)

	events := make(chan stream.Event)
	go func() {
		defer close(events)
		for {
			event, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeFrame(conn, event); err != nil {
				return
			}
			if event.IsTerminal() {
				closeNormally(conn)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readUntilClosed discards client frames and cancels once the peer leaves.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(wsMaxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, event stream.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return conn.WriteJSON(event)
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)) //nolint:errcheck
}
