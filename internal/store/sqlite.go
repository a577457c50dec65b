package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists turns in a single SQLite file in WAL mode so
// several processes can share one log.
type SQLiteBackend struct {
	db     *sql.DB
	now    func() time.Time
	policy retryPolicy
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the database at path and migrates it.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite backend: empty path")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite backend: open")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	b := &SQLiteBackend{db: db, now: time.Now, policy: defaultRetryPolicy}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sender     TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_session_created ON turns(session_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := b.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite backend: migrate")
		}
	}
	return nil
}

// Close closes the database handle.
func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Append computes the next cursor and inserts in one statement, so the
// max-read and the insert happen under the same write lock.
func (b *SQLiteBackend) Append(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Turn, error) {
	if err := validateAppend(sessionID, sender, text); err != nil {
		return chat.Turn{}, err
	}

	turn := chat.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
	}
	now := b.now().UnixNano()

	err := withRetry(ctx, b.policy, func() error {
		return b.db.QueryRowContext(ctx,
			`INSERT INTO turns (id, session_id, sender, body, created_at)
			 SELECT ?, ?, ?, ?, MAX(?, COALESCE(MAX(created_at), 0) + 1)
			 FROM turns WHERE session_id = ?
			 RETURNING created_at`,
			turn.ID, sessionID, string(sender), text, now, sessionID,
		).Scan(&turn.CreatedAt)
	})
	if err != nil {
		return chat.Turn{}, unavailable("append", err)
	}
	return turn, nil
}

func (b *SQLiteBackend) QueryPage(ctx context.Context, sessionID string, before chat.Cursor, limit int) (chat.Page, error) {
	limit = normalizeLimit(limit)

	query := `SELECT id, session_id, sender, body, created_at FROM turns
		WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`
	args := []any{sessionID, limit}
	if before != chat.NoCursor {
		query = `SELECT id, session_id, sender, body, created_at FROM turns
			WHERE session_id = ? AND created_at < ? ORDER BY created_at DESC LIMIT ?`
		args = []any{sessionID, int64(before), limit}
	}

	turns, err := b.queryTurns(ctx, query, args...)
	if err != nil {
		return chat.Page{}, unavailable("query page", err)
	}
	// newest-first from SQL, ascending for callers
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return chat.Page{Turns: turns, Exhausted: len(turns) < limit}, nil
}

func (b *SQLiteBackend) QueryAfter(ctx context.Context, sessionID string, after chat.Cursor, limit int) ([]chat.Turn, error) {
	turns, err := b.queryTurns(ctx,
		`SELECT id, session_id, sender, body, created_at FROM turns
		 WHERE session_id = ? AND created_at > ? ORDER BY created_at ASC LIMIT ?`,
		sessionID, int64(after), normalizeLimit(limit),
	)
	if err != nil {
		return nil, unavailable("query after", err)
	}
	return turns, nil
}

func (b *SQLiteBackend) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func (b *SQLiteBackend) PutSession(ctx context.Context, session chat.Session) (chat.Session, error) {
	err := withRetry(ctx, b.policy, func() error {
		_, err := b.db.ExecContext(ctx,
			`INSERT INTO sessions (id, persona_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			session.ID, session.PersonaID, session.CreatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return chat.Session{}, unavailable("put session", err)
	}
	stored, ok, err := b.GetSession(ctx, session.ID)
	if err != nil {
		return chat.Session{}, err
	}
	if !ok {
		return chat.Session{}, errors.Errorf("sqlite backend: session %s vanished after insert", session.ID)
	}
	return stored, nil
}

func (b *SQLiteBackend) GetSession(ctx context.Context, sessionID string) (chat.Session, bool, error) {
	var (
		session   chat.Session
		createdAt string
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT id, persona_id, created_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&session.ID, &session.PersonaID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, false, nil
	}
	if err != nil {
		return chat.Session{}, false, unavailable("get session", err)
	}
	session.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return chat.Session{}, false, errors.Wrapf(err, "parse created_at for session %s", sessionID)
	}
	return session, true, nil
}

func (b *SQLiteBackend) queryTurns(ctx context.Context, query string, args ...any) ([]chat.Turn, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]chat.Turn, 0)
	for rows.Next() {
		var (
			t      chat.Turn
			sender string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &sender, &t.Text, &t.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan turn")
		}
		t.Sender = chat.Sender(sender)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
