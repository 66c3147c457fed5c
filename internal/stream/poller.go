package stream

import (
	"context"
	"fmt"

	"github.com/haasonsaas/deskpilot/internal/sessions"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

// Snapshot is the current state of a session as seen by a polling client.
type Snapshot struct {
	SessionID int64                `json:"session_id"`
	Status    models.SessionStatus `json:"status"`
	Messages  []*models.Message    `json:"messages"`
}

// Poller reads session state straight from the store.
type Poller struct {
	store sessions.Store
}

// NewPoller creates a poller over store.
func NewPoller(store sessions.Store) *Poller {
	return &Poller{store: store}
}

// Status returns the stored status of a session.
func (p *Poller) Status(ctx context.Context, sessionID int64) (models.SessionStatus, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return session.Status, nil
}

// Messages returns the stored messages of a session in insertion order.
func (p *Poller) Messages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	return p.store.ListMessages(ctx, sessionID)
}

// Snapshot returns the status and the ordered messages of a session.
func (p *Poller) Snapshot(ctx context.Context, sessionID int64) (*Snapshot, error) {
	status, err := p.Status(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := p.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot messages: %w", err)
	}
	return &Snapshot{SessionID: sessionID, Status: status, Messages: msgs}, nil
}
