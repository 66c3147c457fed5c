// Package sessions persists sessions and their append-only message
// transcripts. Every Store method is a single atomic statement.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// ErrSessionNotFound is returned when the referenced session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// DefaultListLimit caps ListSessions when no limit is given.
const DefaultListLimit = 100

// Store is the interface for session persistence.
type Store interface {
	// CreateSession inserts session and fills in its ID and CreatedAt.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id int64) (*models.Session, error)
	// ListSessions returns sessions newest first.
	ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id int64, status models.SessionStatus) error
	UpdateSessionProvider(ctx context.Context, id int64, provider models.Provider) error

	// AppendMessage inserts msg and fills in its ID and CreatedAt.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns a session's messages in insertion order.
	ListMessages(ctx context.Context, sessionID int64) ([]*models.Message, error)

	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) normalized() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

func validateSession(session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.Status == "" {
		session.Status = models.StatusQueued
	}
	if session.Provider == "" {
		return errors.New("session provider is required")
	}
	return nil
}

func validateMessage(msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	if !msg.Role.Valid() {
		return errors.New("message role must be user, assistant or tool")
	}
	if len(msg.Content) == 0 {
		return errors.New("message content is required")
	}
	return nil
}
