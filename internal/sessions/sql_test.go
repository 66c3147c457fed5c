package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/deskpilot/pkg/models"
)

func newMockStore(t *testing.T, dialect Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, dialect), mock
}

func TestDialectFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want Dialect
	}{
		{"postgres://user@localhost/db", DialectPostgres},
		{"postgresql://user@localhost/db", DialectPostgres},
		{"POSTGRES://host/db", DialectPostgres},
		{"deskpilot.db", DialectSQLite},
		{"sqlite:///tmp/x.db", DialectSQLite},
	}
	for _, tt := range tests {
		if got := DialectFromURL(tt.url); got != tt.want {
			t.Errorf("DialectFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	q := `UPDATE sessions SET status = ? WHERE id = ?`
	if got := rebind(DialectSQLite, q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
	if got := rebind(DialectPostgres, q); got != `UPDATE sessions SET status = $1 WHERE id = $2` {
		t.Errorf("postgres rebind = %q", got)
	}
}

func TestOpenDB_RequiresURL(t *testing.T) {
	if _, _, err := OpenDB(context.Background(), SQLConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestSQLStore_CreateSessionPostgres(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	n := 3

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs("hello", "queued", "vertex", "", "", 0,
			sql.NullInt64{}, sql.NullInt64{Int64: 3, Valid: true}, "", created).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	session := &models.Session{
		InitialPrompt:         "hello",
		Provider:              models.ProviderVertex,
		OnlyNMostRecentImages: &n,
		CreatedAt:             created,
	}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if session.ID != 42 {
		t.Errorf("id = %d, want 42", session.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_GetSessionNotFound(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)
	mock.ExpectQuery(regexp.QuoteMeta("FROM sessions WHERE id = $1")).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetSession(context.Background(), 7); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v", err)
	}
}

func TestSQLStore_GetSessionScansNullables(t *testing.T) {
	store, mock := newMockStore(t, DialectSQLite)
	created := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "initial_prompt", "status", "provider", "model", "system_prompt_suffix",
		"max_tokens", "thinking_budget", "only_n_most_recent_images", "tool_version", "created_at",
	}).AddRow(int64(1), "task", "completed", "bedrock", "m", "sfx", 128000, nil, int64(3), "computer_use_20250124", created)
	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id = \\?").WithArgs(int64(1)).WillReturnRows(rows)

	got, err := store.GetSession(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != models.StatusCompleted || got.Provider != models.ProviderBedrock {
		t.Errorf("got = %+v", got)
	}
	if got.ThinkingBudget != nil {
		t.Errorf("thinking budget = %d, want nil", *got.ThinkingBudget)
	}
	if got.OnlyNMostRecentImages == nil || *got.OnlyNMostRecentImages != 3 {
		t.Errorf("only_n = %v", got.OnlyNMostRecentImages)
	}
}

func TestSQLStore_UpdateStatusNoRows(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sessions SET status = $1 WHERE id = $2")).
		WithArgs("running", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSessionStatus(context.Background(), 9, models.StatusRunning)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateSessionStatus() error = %v", err)
	}
}

func TestSQLStore_AppendMessagePostgresCasts(t *testing.T) {
	store, mock := newMockStore(t, DialectPostgres)
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	// A json cast keeps the key order the codec wrote; jsonb would not.
	content := json.RawMessage(`{"type":"tool_result","output":"ok","error":null,"system":null}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT $1::bigint, $2, $3::json, $4, $5::timestamptz")).
		WithArgs(int64(5), "user", string(content), sql.NullString{}, created, int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	msg := &models.Message{SessionID: 5, Role: models.RoleUser, Content: content, CreatedAt: created}
	if err := store.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if msg.ID != 11 {
		t.Errorf("id = %d", msg.ID)
	}
}

func TestSQLStore_AppendMessageMissingSession(t *testing.T) {
	store, mock := newMockStore(t, DialectSQLite)
	mock.ExpectQuery("INSERT INTO messages").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	msg := &models.Message{SessionID: 5, Role: models.RoleUser, Content: models.NewTextContent("hi")}
	if err := store.AppendMessage(context.Background(), msg); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("AppendMessage() error = %v", err)
	}
}

func TestSQLStore_ListMessagesUnknownSession(t *testing.T) {
	store, mock := newMockStore(t, DialectSQLite)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM sessions WHERE id = ?")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	if _, err := store.ListMessages(context.Background(), 3); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("ListMessages() error = %v", err)
	}
}

func TestSQLStore_DatabaseError(t *testing.T) {
	store, mock := newMockStore(t, DialectSQLite)
	boom := errors.New("connection reset")
	mock.ExpectQuery("FROM sessions").WillReturnError(boom)

	_, err := store.ListSessions(context.Background(), ListOptions{})
	if !errors.Is(err, boom) {
		t.Errorf("ListSessions() error = %v, want wrapped %v", err, boom)
	}
}
