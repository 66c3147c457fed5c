package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/deskpilot/internal/orchestrator"
	"github.com/haasonsaas/deskpilot/internal/sessions"
	"github.com/haasonsaas/deskpilot/internal/stream"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

const maxRequestBytes = 1 << 20

// SessionListResponse is the JSON response for GET /api/sessions.
type SessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// StatusResponse is the JSON response for GET /api/sessions/{id}/status.
type StatusResponse struct {
	SessionID int64                `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Provider  models.Provider      `json:"provider"`
}

// MessageRequest is the body of POST /api/messages.
type MessageRequest struct {
	SessionID   int64           `json:"session_id"`
	Role        models.Role     `json:"role"`
	Content     json.RawMessage `json:"content"`
	Base64Image string          `json:"base64_image,omitempty"`
}

// handleCreateSession handles POST /api/sessions. The session starts
// running before the response is written.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.deps.Sessions.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// handleListSessions handles GET /api/sessions?limit=&offset=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := sessions.ListOptions{}
	var err error
	if opts.Limit, err = queryInt(r, "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.Offset, err = queryInt(r, "offset"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if opts.Limit == 0 {
		opts.Limit = sessions.DefaultListLimit
	}
	list, err := s.deps.Store.ListSessions(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionListResponse{
		Sessions: list,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleSessionStatus is the poll endpoint for session status.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		SessionID: session.ID,
		Status:    session.Status,
		Provider:  session.Provider,
	})
}

// handleSessionMessages is the poll endpoint for the ordered transcript.
func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.poller.Messages(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleCreateMessage handles POST /api/messages. The stored message is
// published to live subscribers like any other turn.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.SessionID <= 0 {
		s.writeError(w, r, &orchestrator.ValidationError{Field: "session_id", Message: "is required"})
		return
	}
	if !req.Role.Valid() {
		s.writeError(w, r, &orchestrator.ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", req.Role)})
		return
	}
	if len(req.Content) == 0 || !json.Valid(req.Content) {
		s.writeError(w, r, &orchestrator.ValidationError{Field: "content", Message: "must be a JSON value"})
		return
	}
	msg := &models.Message{
		SessionID:   req.SessionID,
		Role:        req.Role,
		Content:     req.Content,
		Base64Image: req.Base64Image,
	}
	if err := s.deps.Store.AppendMessage(r.Context(), msg); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Broker != nil {
		s.deps.Broker.Publish(msg.SessionID, stream.MessageEvent(msg))
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleVNCStatus(w http.ResponseWriter, r *http.Request) {
	if !s.desktopEnabled(w) {
		return
	}
	status, err := s.deps.Desktop.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVNCStart(w http.ResponseWriter, r *http.Request) {
	if !s.desktopEnabled(w) {
		return
	}
	if err := s.deps.Desktop.EnsureRunning(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.deps.Desktop.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleVNCStop(w http.ResponseWriter, r *http.Request) {
	if !s.desktopEnabled(w) {
		return
	}
	stopped, err := s.deps.Desktop.Stop(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

func (s *Server) desktopEnabled(w http.ResponseWriter) bool {
	if s.deps.Desktop == nil {
		writeJSONError(w, http.StatusNotFound, "desktop control is disabled")
		return false
	}
	return true
}

// badRequestError marks malformed input that is not a field validation.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &badRequestError{msg: "request body is required"}
		}
		return &badRequestError{msg: "invalid request body: " + err.Error()}
	}
	return nil
}

func sessionID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &badRequestError{msg: fmt.Sprintf("invalid session id %q", raw)}
	}
	return id, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &badRequestError{msg: fmt.Sprintf("invalid %s %q", key, raw)}
	}
	return n, nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var validation *orchestrator.ValidationError
	var badRequest *badRequestError
	switch {
	case errors.As(err, &badRequest), errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSONError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
