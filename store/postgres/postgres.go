// Package postgres implements agentloop.ConversationStore using PostgreSQL
// via pgx. The caller creates and owns the *pgxpool.Pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cortexflow/agentloop"
)

// Store implements agentloop.ConversationStore backed by PostgreSQL.
// Conversations are stored as their canonical JSON form in a single
// conversations table.
type Store struct {
	pool *pgxpool.Pool
}

var _ agentloop.ConversationStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool. The caller owns the
// pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the conversations table and its indexes. Safe to call
// multiple times.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			data JSONB NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_session_idx ON conversations(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Save upserts c's canonical JSON form.
func (s *Store) Save(ctx context.Context, c *agentloop.Conversation) error {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Errorf("postgres: marshal conversation: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (conversation_id, session_id, data, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, extract(epoch from now())*1000, extract(epoch from now())*1000)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   data = EXCLUDED.data,
		   updated_at = extract(epoch from now())*1000`,
		c.ConversationID, c.SessionID, string(data))
	if err != nil {
		return fmt.Errorf("postgres: save conversation: %w", err)
	}
	return nil
}

// Load restores a Conversation from its canonical JSON form.
func (s *Store) Load(ctx context.Context, conversationID string) (*agentloop.Conversation, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM conversations WHERE conversation_id = $1`, conversationID,
	).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: conversation %q not found", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load conversation: %w", err)
	}

	c := &agentloop.Conversation{}
	if err := c.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal conversation: %w", err)
	}
	return c, nil
}

// ListBySession returns the IDs of all conversations for sessionID, most
// recently updated first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT conversation_id FROM conversations WHERE session_id = $1 ORDER BY updated_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list by session: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a conversation.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("postgres: delete conversation: %w", err)
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}
