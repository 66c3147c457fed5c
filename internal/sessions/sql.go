package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/haasonsaas/deskpilot/pkg/models"
)

// Dialect selects SQL syntax and the database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectFromURL infers the dialect from a database URL. Anything that is
// not a postgres URL is treated as a sqlite path or DSN.
func DialectFromURL(url string) Dialect {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

// SQLConfig configures a SQL-backed store.
type SQLConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		URL:             "deskpilot.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on database/sql for sqlite and postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*SQLStore)(nil)

// OpenDB opens and pings the database named by config.URL.
func OpenDB(ctx context.Context, config SQLConfig) (*sql.DB, Dialect, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, "", errors.New("database url is required")
	}
	defaults := DefaultSQLConfig()
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}

	dialect := DialectFromURL(config.URL)
	dsn := config.URL
	if dialect == DialectSQLite {
		dsn = sqliteDSN(config.URL)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(config.MaxIdleConns)
		}
		if config.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(config.ConnMaxLifetime)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to ping database: %w", err)
	}
	return db, dialect, nil
}

func sqliteDSN(url string) string {
	dsn := strings.TrimPrefix(url, "sqlite://")
	dsn = strings.TrimPrefix(dsn, "sqlite:")
	if strings.Contains(dsn, "_pragma=foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLStore opens the database and applies pending migrations.
func OpenSQLStore(ctx context.Context, config SQLConfig) (*SQLStore, error) {
	db, dialect, err := OpenDB(ctx, config)
	if err != nil {
		return nil, err
	}
	migrator, err := NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx, 0); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewSQLStore(db, dialect), nil
}

// DB exposes the underlying database connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	return rebind(s.dialect, query)
}

func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sessionColumns = `id, initial_prompt, status, provider, model, system_prompt_suffix, max_tokens,
	thinking_budget, only_n_most_recent_images, tool_version, created_at`

func (s *SQLStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := validateSession(session); err != nil {
		return err
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	query := s.rebind(`
		INSERT INTO sessions (initial_prompt, status, provider, model, system_prompt_suffix, max_tokens,
			thinking_budget, only_n_most_recent_images, tool_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := s.db.QueryRowContext(ctx, query,
		session.InitialPrompt,
		string(session.Status),
		string(session.Provider),
		session.Model,
		session.SystemPromptSuffix,
		session.MaxTokens,
		nullInt(session.ThinkingBudget),
		nullInt(session.OnlyNMostRecentImages),
		session.ToolVersion,
		session.CreatedAt,
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id int64) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error) {
	opts = opts.normalized()
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	out := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateSessionStatus(ctx context.Context, id int64, status models.SessionStatus) error {
	return s.updateOne(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
}

func (s *SQLStore) UpdateSessionProvider(ctx context.Context, id int64, provider models.Provider) error {
	return s.updateOne(ctx, `UPDATE sessions SET provider = ? WHERE id = ?`, string(provider), id)
}

func (s *SQLStore) updateOne(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// AppendMessage inserts only when the session exists, so a missing session
// is detected in the same statement.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO messages (session_id, role, content, base64_image, created_at)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?)
		RETURNING id
	`
	if s.dialect == DialectPostgres {
		// Untyped parameters in a SELECT list default to text in postgres.
		query = `
		INSERT INTO messages (session_id, role, content, base64_image, created_at)
		SELECT ?::bigint, ?, ?::json, ?, ?::timestamptz
		WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?)
		RETURNING id
	`
	}

	err := s.db.QueryRowContext(ctx, s.rebind(query),
		msg.SessionID,
		string(msg.Role),
		string(msg.Content),
		nullString(msg.Base64Image),
		msg.CreatedAt,
		msg.SessionID,
	).Scan(&msg.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID int64) ([]*models.Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM sessions WHERE id = ?`), sessionID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, role, content, base64_image, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY id
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := []*models.Message{}
	for rows.Next() {
		var (
			msg     models.Message
			role    string
			content []byte
			image   sql.NullString
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &content, &image, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msg.Content = content
		msg.Base64Image = image.String
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session        models.Session
		status         string
		provider       string
		thinkingBudget sql.NullInt64
		onlyN          sql.NullInt64
	)
	err := row.Scan(
		&session.ID,
		&session.InitialPrompt,
		&status,
		&provider,
		&session.Model,
		&session.SystemPromptSuffix,
		&session.MaxTokens,
		&thinkingBudget,
		&onlyN,
		&session.ToolVersion,
		&session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	session.Provider = models.Provider(provider)
	session.ThinkingBudget = intPtr(thinkingBudget)
	session.OnlyNMostRecentImages = intPtr(onlyN)
	return &session, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
