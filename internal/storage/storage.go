// Package storage defines session persistence.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/lotse/internal/llm"
)

// ErrNotFound is returned when no session matches an id or prefix.
var ErrNotFound = errors.New("storage: session not found")

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	// StatusTerminated marks a conversation ended by a content-policy
	// violation; it accepts no further messages.
	StatusTerminated SessionStatus = "terminated"
)

// Session is the metadata for a saved conversation.
type Session struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Status     SessionStatus `json:"status"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Profile    string        `json:"profile"`
	Department string        `json:"department,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	Language   string        `json:"language,omitempty"`
	Tools      []string      `json:"tools"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Turn records the outcome of one agent run in a session.
type Turn struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Status     string    `json:"status"`
	Iterations int       `json:"iterations"`
	ToolRounds int       `json:"tool_rounds"`
	Duration   int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionListOptions controls filtering and pagination for ListSessions.
type SessionListOptions struct {
	Status SessionStatus
	UserID string
	Limit  int
	Offset int
}

// Store is the persistence interface for sessions and messages.
type Store interface {
	// CreateSession inserts a new session. The ID field must be set by the caller.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID or ID prefix.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ListSessions returns sessions ordered by updated_at descending.
	ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error)

	// UpdateSession updates mutable fields (title, status, tools, updated_at).
	UpdateSession(ctx context.Context, s *Session) error

	// DeleteSession removes a session, its messages and its turns.
	DeleteSession(ctx context.Context, id string) error

	// SaveMessages overwrites the full message history for a session.
	SaveMessages(ctx context.Context, sessionID string, messages []llm.Message) error

	// LoadMessages returns the message history for a session.
	LoadMessages(ctx context.Context, sessionID string) ([]llm.Message, error)

	// RecordTurn appends a turn record.
	RecordTurn(ctx context.Context, t *Turn) error

	// ListTurns returns the turns of a session, oldest first.
	ListTurns(ctx context.Context, sessionID string) ([]Turn, error)

	// Close releases resources.
	Close() error
}
