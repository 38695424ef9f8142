// Package sqlite implements storage.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/storage"

	_ "modernc.org/sqlite"
)

const sessionColumns = `id, title, status, provider, model, profile, department, user_id, language, tools, created_at, updated_at`

// Store implements storage.Store backed by a SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) CreateSession(ctx context.Context, sess *storage.Session) error {
	now := s.now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	tools, err := encodeTools(sess.Tools)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Status, sess.Provider, sess.Model, sess.Profile,
		sess.Department, sess.UserID, sess.Language, tools,
		sess.CreatedAt.Format(time.RFC3339), sess.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, messages) VALUES (?, '[]')`,
		sess.ID,
	); err != nil {
		return fmt.Errorf("initializing messages: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? || '%' LIMIT 2`, id)
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous session prefix %q", id)
	}
}

func (s *Store) ListSessions(ctx context.Context, opts storage.SessionListOptions) ([]storage.Session, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, opts.UserID)
	}
	query += ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []storage.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) UpdateSession(ctx context.Context, sess *storage.Session) error {
	tools, err := encodeTools(sess.Tools)
	if err != nil {
		return err
	}
	sess.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = ?, status = ?, tools = ?, updated_at = ? WHERE id = ?`,
		sess.Title, sess.Status, tools, sess.UpdatedAt.Format(time.RFC3339), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, sess.ID)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM session_turns WHERE session_id = ?`,
		`DELETE FROM session_messages WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, sess.ID); err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) SaveMessages(ctx context.Context, sessionID string, messages []llm.Message) error {
	if messages == nil {
		messages = []llm.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		sessionID, string(data), s.now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving messages: %w", err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT messages FROM session_messages WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	var messages []llm.Message
	if err := json.Unmarshal([]byte(data), &messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	return messages, nil
}

func (s *Store) RecordTurn(ctx context.Context, t *storage.Turn) error {
	t.CreatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_turns (session_id, status, iterations, tool_rounds, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.Status, t.Iterations, t.ToolRounds, t.Duration, t.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording turn: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		t.ID = id
	}
	return nil
}

func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]storage.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, status, iterations, tool_rounds, duration_ms, created_at
		FROM session_turns WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing turns: %w", err)
	}
	defer rows.Close()

	var turns []storage.Turn
	for rows.Next() {
		var t storage.Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Status, &t.Iterations, &t.ToolRounds, &t.Duration, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (*storage.Session, error) {
	var sess storage.Session
	var tools, createdAt, updatedAt string
	err := s.Scan(&sess.ID, &sess.Title, &sess.Status, &sess.Provider,
		&sess.Model, &sess.Profile, &sess.Department, &sess.UserID, &sess.Language,
		&tools, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if tools != "" {
		if err := json.Unmarshal([]byte(tools), &sess.Tools); err != nil {
			return nil, fmt.Errorf("decoding tools of session %s: %w", sess.ID, err)
		}
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &sess, nil
}

func encodeTools(tools []string) (string, error) {
	if tools == nil {
		tools = []string{}
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return "", fmt.Errorf("encoding tools: %w", err)
	}
	return string(data), nil
}
