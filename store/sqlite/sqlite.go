// Package sqlite implements agentloop.ConversationStore using pure-Go
// SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortexflow/agentloop"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key parameters.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements agentloop.ConversationStore backed by a local SQLite
// file. Conversations are stored as their canonical JSON form in a single
// conversations table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ agentloop.ConversationStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a single
// shared connection pool with SetMaxOpenConns(1) so that all goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors caused
// by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the conversations table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: create table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id)`)
	if err != nil {
		return fmt.Errorf("sqlite: create index: %w", err)
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Save upserts c's canonical JSON form.
func (s *Store) Save(ctx context.Context, c *agentloop.Conversation) error {
	start := time.Now()
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Errorf("sqlite: marshal conversation: %w", err)
	}
	now := time.Now().UnixMilli()
	s.logger.Debug("sqlite: save conversation", "conversation_id", c.ConversationID, "session_id", c.SessionID, "bytes", len(data))

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, session_id, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		c.ConversationID, c.SessionID, string(data), now, now,
	)
	if err != nil {
		s.logger.Error("sqlite: save conversation failed", "conversation_id", c.ConversationID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("sqlite: save conversation: %w", err)
	}
	s.logger.Debug("sqlite: save conversation ok", "conversation_id", c.ConversationID, "duration", time.Since(start))
	return nil
}

// Load restores a Conversation from its canonical JSON form.
func (s *Store) Load(ctx context.Context, conversationID string) (*agentloop.Conversation, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load conversation", "conversation_id", conversationID)

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM conversations WHERE conversation_id = ?`, conversationID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: conversation %q not found", conversationID)
	}
	if err != nil {
		s.logger.Error("sqlite: load conversation failed", "conversation_id", conversationID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("sqlite: load conversation: %w", err)
	}

	c := &agentloop.Conversation{}
	if err := c.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal conversation: %w", err)
	}
	s.logger.Debug("sqlite: load conversation ok", "conversation_id", conversationID, "duration", time.Since(start))
	return c, nil
}

// ListBySession returns the IDs of all conversations for sessionID, most
// recently updated first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list by session", "session_id", sessionID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id FROM conversations WHERE session_id = ? ORDER BY updated_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list by session: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	s.logger.Debug("sqlite: list by session ok", "session_id", sessionID, "count", len(ids), "duration", time.Since(start))
	return ids, rows.Err()
}

// Delete removes a conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete conversation", "conversation_id", conversationID)
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		s.logger.Error("sqlite: delete conversation failed", "conversation_id", conversationID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("sqlite: delete conversation: %w", err)
	}
	s.logger.Debug("sqlite: delete conversation ok", "conversation_id", conversationID, "duration", time.Since(start))
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
