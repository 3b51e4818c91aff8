// Package postgres provides a conversation store on PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/assistantmesh/conversation"
	"github.com/hupe1980/assistantmesh/core"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Schema creates the tables the store needs.
const Schema = `
CREATE TABLE IF NOT EXISTS conversation_messages (
	id            TEXT PRIMARY KEY,
	thread_id     TEXT NOT NULL,
	run_id        TEXT NOT NULL DEFAULT '',
	assistant_ref TEXT NOT NULL DEFAULT '',
	role          TEXT NOT NULL,
	content       TEXT NOT NULL DEFAULT '',
	parts         JSONB,
	attachments   JSONB,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversation_messages_thread_created_idx
	ON conversation_messages (thread_id, created_at DESC);
CREATE TABLE IF NOT EXISTS conversation_threads (
	assistant_ref TEXT NOT NULL,
	caller_ref    TEXT NOT NULL,
	thread_id     TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (assistant_ref, caller_ref)
);`

// Store is a PostgreSQL conversation store and thread index.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var (
	_ core.ConversationStore = (*Store)(nil)
	_ core.MessageSearcher   = (*Store)(nil)
	_ core.ThreadIndex       = (*Store)(nil)
)

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection.
func New(db DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create conversation schema: %w", err)
	}
	return nil
}

// Close closes the pool opened by Open.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Insert implements core.ConversationStore.
func (s *Store) Insert(ctx context.Context, msg core.Message) error {
	if msg.ID == "" {
		return conversation.ErrMissingID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return err
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO conversation_messages
			(id, thread_id, run_id, assistant_ref, role, content, parts, attachments, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ThreadID, msg.RunID, msg.AssistantRef, string(msg.Role), msg.Content, parts, attachments, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// Search implements core.MessageSearcher.
func (s *Store) Search(ctx context.Context, q core.MessageQuery) ([]core.Message, error) {
	sql, args, err := BuildSearchQuery(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	out := make([]core.Message, 0)
	for rows.Next() {
		var (
			msg               core.Message
			role              string
			parts, attachment []byte
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.RunID, &msg.AssistantRef, &role, &msg.Content, &parts, &attachment, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Role = core.Role(role)
		if len(parts) > 0 {
			_ = json.Unmarshal(parts, &msg.Parts)
		}
		if len(attachment) > 0 {
			_ = json.Unmarshal(attachment, &msg.Attachments)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// LookupThread implements core.ThreadIndex.
func (s *Store) LookupThread(ctx context.Context, assistantRef, callerRef string) (string, bool, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT thread_id FROM conversation_threads WHERE assistant_ref = $1 AND caller_ref = $2`,
		assistantRef, callerRef,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// RememberThread implements core.ThreadIndex.
func (s *Store) RememberThread(ctx context.Context, thread core.Thread) error {
	if thread.ID == "" {
		return errors.New("thread id is required")
	}
	createdAt := thread.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation_threads (assistant_ref, caller_ref, thread_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (assistant_ref, caller_ref) DO UPDATE SET thread_id = EXCLUDED.thread_id, created_at = EXCLUDED.created_at`,
		thread.AssistantRef, thread.CallerRef, thread.ID, createdAt,
	)
	return err
}

var filterColumns = map[string]string{
	core.FieldID:           "id",
	core.FieldThreadID:     "thread_id",
	core.FieldRunID:        "run_id",
	core.FieldRole:         "role",
	core.FieldContent:      "content",
	core.FieldAssistantRef: "assistant_ref",
	core.FieldCreatedAt:    "created_at",
}

var filterOperators = map[core.FilterOp]string{
	core.OpEq:  "=",
	core.OpGt:  ">",
	core.OpGte: ">=",
	core.OpLt:  "<",
	core.OpLte: "<=",
}

// BuildSearchQuery renders a message query as parameterized SQL.
func BuildSearchQuery(q core.MessageQuery) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	for _, f := range q.Filters {
		col, ok := filterColumns[f.Field]
		if !ok {
			return "", nil, &core.FilterError{Field: f.Field, Message: "unsupported field"}
		}
		args = append(args, f.Value)
		n := len(args)
		if f.Op == core.OpContains {
			where = append(where, fmt.Sprintf("strpos(lower(%s), lower($%d)) > 0", col, n))
			continue
		}
		op, ok := filterOperators[f.Op]
		if !ok {
			return "", nil, &core.FilterError{Field: f.Field, Message: fmt.Sprintf("unsupported operator %q", f.Op)}
		}
		where = append(where, fmt.Sprintf("%s %s $%d", col, op, n))
	}

	var b strings.Builder
	b.WriteString("SELECT id, thread_id, run_id, assistant_ref, role, content, parts, attachments, created_at FROM conversation_messages")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, q.EffectiveLimit())
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	return b.String(), args, nil
}
