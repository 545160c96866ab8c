package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the event log. The schema is stable; evolution
// is additive only. Apply it via [PostgresBackend.Migrate] or manually
// during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    voice      TEXT NOT NULL DEFAULT '',
    metadata   JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS events (
    id              BIGSERIAL PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    timestamp       TIMESTAMPTZ NOT NULL DEFAULT now(),
    source          TEXT NOT NULL,
    type            TEXT NOT NULL,
    payload         JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_conversation_id ON events(conversation_id, id);
`

// DB is the database interface used by [PostgresBackend]. Both
// *pgxpool.Pool and *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresBackend is a [Backend] backed by PostgreSQL. Event IDs come
// from a BIGSERIAL, so they are strictly increasing per conversation.
type PostgresBackend struct {
	db   DB
	pool *pgxpool.Pool
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend wraps an existing connection or pool. The caller
// is responsible for running [PostgresBackend.Migrate] before use.
func NewPostgresBackend(db DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// OpenPostgres connects a pool to url and runs the migration.
func OpenPostgres(ctx context.Context, url string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	b := &PostgresBackend{db: pool, pool: pool}
	if err := b.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// Migrate executes the [Schema] DDL.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := b.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// UpsertConversation inserts or refreshes a conversation record,
// keeping the original created_at on conflict.
func (b *PostgresBackend) UpsertConversation(ctx context.Context, conv Conversation) error {
	metadata, err := json.Marshal(emptyMap(conv.Metadata))
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO conversations (id, name, created_at, updated_at, voice, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    updated_at = EXCLUDED.updated_at,
		    voice = EXCLUDED.voice,
		    metadata = EXCLUDED.metadata`

	if _, err := b.db.Exec(ctx, query,
		conv.ID, conv.Name, conv.CreatedAt, conv.UpdatedAt, conv.Voice, metadata,
	); err != nil {
		return fmt.Errorf("store: upsert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (b *PostgresBackend) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const query = `
		SELECT id, name, created_at, updated_at, voice, metadata
		FROM conversations WHERE id = $1`

	var conv Conversation
	var metadata []byte
	err := b.db.QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.Name, &conv.CreatedAt, &conv.UpdatedAt, &conv.Voice, &metadata,
	)
	if err == pgx.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
		return Conversation{}, fmt.Errorf("store: unmarshal metadata: %w", err)
	}
	return conv, nil
}

// InsertEvent appends one event and returns it with the assigned id.
func (b *PostgresBackend) InsertEvent(ctx context.Context, ev Event) (Event, error) {
	const query = `
		INSERT INTO events (conversation_id, timestamp, source, type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, timestamp`

	err := b.db.QueryRow(ctx, query,
		ev.ConversationID, ev.Timestamp, ev.Source, ev.Type, []byte(ev.Payload),
	).Scan(&ev.ID, &ev.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("store: insert event: %w", err)
	}
	return ev, nil
}

// ListEvents returns up to limit events with id > afterID, in id order.
func (b *PostgresBackend) ListEvents(ctx context.Context, conversationID string, afterID int64, limit int) ([]Event, error) {
	query := `
		SELECT id, conversation_id, timestamp, source, type, payload
		FROM events
		WHERE conversation_id = $1 AND id > $2
		ORDER BY id`
	args := []any{conversationID, afterID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := b.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.Timestamp, &ev.Source, &ev.Type, &payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	return out, nil
}

// Close releases the pool if this backend owns one.
func (b *PostgresBackend) Close(context.Context) error {
	if b.pool != nil {
		b.pool.Close()
	}
	return nil
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
