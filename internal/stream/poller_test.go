package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/deskpilot/internal/sessions"
	"github.com/haasonsaas/deskpilot/pkg/models"
)

func TestPoller_Snapshot(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	session := &models.Session{InitialPrompt: "task", Provider: models.ProviderAnthropic}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	for _, role := range []models.Role{models.RoleUser, models.RoleAssistant} {
		msg := &models.Message{SessionID: session.ID, Role: role, Content: models.NewTextContent("x")}
		if err := store.AppendMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdateSessionStatus(ctx, session.ID, models.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	snap, err := NewPoller(store).Snapshot(ctx, session.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Status != models.StatusCompleted {
		t.Errorf("status = %s", snap.Status)
	}
	if len(snap.Messages) != 2 || snap.Messages[0].Role != models.RoleUser {
		t.Errorf("messages = %+v", snap.Messages)
	}
}

func TestPoller_UnknownSession(t *testing.T) {
	_, err := NewPoller(sessions.NewMemoryStore()).Snapshot(context.Background(), 9)
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("Snapshot() error = %v", err)
	}
}
