package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// storeContract exercises behavior every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("lifecycle", func(t *testing.T) {
		store := newStore(t)
		budget := 1024
		session := &models.Session{
			InitialPrompt:  "open the calculator",
			Provider:       models.ProviderAnthropic,
			Model:          "claude-sonnet-4-5-20250929",
			MaxTokens:      8192,
			ThinkingBudget: &budget,
			ToolVersion:    "computer_use_20250124",
		}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		if session.ID == 0 {
			t.Fatal("expected session id to be assigned")
		}
		if session.Status != models.StatusQueued {
			t.Errorf("status = %q, want queued", session.Status)
		}

		loaded, err := store.GetSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if loaded.InitialPrompt != session.InitialPrompt || loaded.Model != session.Model {
			t.Errorf("loaded = %+v", loaded)
		}
		if loaded.ThinkingBudget == nil || *loaded.ThinkingBudget != 1024 {
			t.Errorf("thinking budget = %v", loaded.ThinkingBudget)
		}
		if loaded.OnlyNMostRecentImages != nil {
			t.Errorf("only_n = %v, want nil", *loaded.OnlyNMostRecentImages)
		}

		if err := store.UpdateSessionStatus(ctx, session.ID, models.StatusRunning); err != nil {
			t.Fatalf("UpdateSessionStatus() error = %v", err)
		}
		if err := store.UpdateSessionProvider(ctx, session.ID, models.ProviderBedrock); err != nil {
			t.Fatalf("UpdateSessionProvider() error = %v", err)
		}
		updated, err := store.GetSession(ctx, session.ID)
		if err != nil {
			t.Fatal(err)
		}
		if updated.Status != models.StatusRunning || updated.Provider != models.ProviderBedrock {
			t.Errorf("updated = %s %s", updated.Status, updated.Provider)
		}
	})

	t.Run("not found", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.GetSession(ctx, 999); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("GetSession() error = %v", err)
		}
		if err := store.UpdateSessionStatus(ctx, 999, models.StatusError); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("UpdateSessionStatus() error = %v", err)
		}
		if err := store.UpdateSessionProvider(ctx, 999, models.ProviderVertex); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("UpdateSessionProvider() error = %v", err)
		}
		msg := &models.Message{SessionID: 999, Role: models.RoleUser, Content: models.NewTextContent("hi")}
		if err := store.AppendMessage(ctx, msg); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("AppendMessage() error = %v", err)
		}
		if _, err := store.ListMessages(ctx, 999); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("ListMessages() error = %v", err)
		}
	})

	t.Run("validation", func(t *testing.T) {
		store := newStore(t)
		if err := store.CreateSession(ctx, &models.Session{InitialPrompt: "x"}); err == nil {
			t.Error("expected error for missing provider")
		}
		session := &models.Session{InitialPrompt: "x", Provider: models.ProviderAnthropic}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatal(err)
		}
		bad := []*models.Message{
			{SessionID: session.ID, Role: "system", Content: models.NewTextContent("x")},
			{SessionID: session.ID, Role: models.RoleUser},
		}
		for _, msg := range bad {
			if err := store.AppendMessage(ctx, msg); err == nil {
				t.Errorf("AppendMessage(%+v) expected error", msg)
			}
		}
	})

	t.Run("messages ordered", func(t *testing.T) {
		store := newStore(t)
		session := &models.Session{InitialPrompt: "x", Provider: models.ProviderAnthropic}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatal(err)
		}
		other := &models.Session{InitialPrompt: "y", Provider: models.ProviderAnthropic}
		if err := store.CreateSession(ctx, other); err != nil {
			t.Fatal(err)
		}

		inputs := []*models.Message{
			{SessionID: session.ID, Role: models.RoleUser, Content: models.NewTextContent("first")},
			{SessionID: other.ID, Role: models.RoleUser, Content: models.NewTextContent("elsewhere")},
			{SessionID: session.ID, Role: models.RoleAssistant, Content: []byte(`{"content":[]}`)},
			{SessionID: session.ID, Role: models.RoleTool, Content: models.NewToolContent("ok", "", ""), Base64Image: "aGk="},
		}
		for _, msg := range inputs {
			if err := store.AppendMessage(ctx, msg); err != nil {
				t.Fatalf("AppendMessage() error = %v", err)
			}
			if msg.ID == 0 || msg.CreatedAt.IsZero() {
				t.Fatalf("message not populated: %+v", msg)
			}
		}

		got, err := store.ListMessages(ctx, session.ID)
		if err != nil {
			t.Fatalf("ListMessages() error = %v", err)
		}
		wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool}
		if len(got) != len(wantRoles) {
			t.Fatalf("got %d messages, want %d", len(got), len(wantRoles))
		}
		for i, msg := range got {
			if msg.Role != wantRoles[i] {
				t.Errorf("message %d role = %s, want %s", i, msg.Role, wantRoles[i])
			}
			if i > 0 && msg.ID <= got[i-1].ID {
				t.Errorf("message ids not increasing: %d after %d", msg.ID, got[i-1].ID)
			}
		}
		if got[2].Base64Image != "aGk=" {
			t.Errorf("base64 image = %q", got[2].Base64Image)
		}
		if got[0].Base64Image != "" {
			t.Errorf("user message should have no image")
		}

		otherMsgs, err := store.ListMessages(ctx, other.ID)
		if err != nil || len(otherMsgs) != 1 {
			t.Errorf("other session messages = %v, %v", otherMsgs, err)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		store := newStore(t)
		base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
		var ids []int64
		for i := 0; i < 3; i++ {
			session := &models.Session{
				InitialPrompt: "task",
				Provider:      models.ProviderAnthropic,
				CreatedAt:     base.Add(time.Duration(i) * time.Minute),
			}
			if err := store.CreateSession(ctx, session); err != nil {
				t.Fatal(err)
			}
			ids = append(ids, session.ID)
		}

		all, err := store.ListSessions(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(all) != 3 || all[0].ID != ids[2] || all[2].ID != ids[0] {
			t.Fatalf("unexpected order: %v", sessionIDs(all))
		}

		page, err := store.ListSessions(ctx, ListOptions{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(page) != 1 || page[0].ID != ids[1] {
			t.Errorf("page = %v", sessionIDs(page))
		}

		past, err := store.ListSessions(ctx, ListOptions{Offset: 10})
		if err != nil || len(past) != 0 {
			t.Errorf("past end = %v, %v", sessionIDs(past), err)
		}
	})
}

func sessionIDs(sessions []*models.Session) []int64 {
	ids := make([]int64, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := &models.Session{InitialPrompt: "x", Provider: models.ProviderAnthropic}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	session.InitialPrompt = "mutated"

	loaded, _ := store.GetSession(ctx, session.ID)
	if loaded.InitialPrompt != "x" {
		t.Errorf("store kept caller's pointer")
	}
	loaded.Status = models.StatusError
	again, _ := store.GetSession(ctx, session.ID)
	if again.Status != models.StatusQueued {
		t.Errorf("store returned its internal pointer")
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := &models.Session{InitialPrompt: "x", Provider: models.ProviderAnthropic}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &models.Message{SessionID: session.ID, Role: models.RoleUser, Content: models.NewTextContent("hi")}
			if err := store.AppendMessage(ctx, msg); err != nil {
				t.Errorf("AppendMessage() error = %v", err)
			}
			if _, err := store.ListMessages(ctx, session.ID); err != nil {
				t.Errorf("ListMessages() error = %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := store.ListMessages(ctx, session.ID)
	if len(msgs) != 50 {
		t.Errorf("got %d messages, want 50", len(msgs))
	}
}
