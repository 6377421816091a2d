// Package chat contains Parley's realtime core: the session roster, the
// broadcast engine, message persistence, and the WebSocket gateway.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Storage model:
// - One append-only messages table; ULID primary key assigned at append time
//   doubles as a tie-breaker for equal timestamps.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "parley").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Append persists a message with a server-assigned timestamp and ULID.
// Each append is a single INSERT, so it is atomic under concurrent callers;
// relative ordering between two concurrent appends is whatever the assigned
// timestamps (plus ULID tie-break) say.
func (s *PostgresStore) Append(ctx context.Context, author, body string) (ChatMessage, error) {
	if s == nil || s.pool == nil {
		return ChatMessage{}, errors.New("chat: nil store")
	}
	if author == "" || body == "" {
		return ChatMessage{}, errors.New("chat: empty author or body")
	}
	if err := ctx.Err(); err != nil {
		return ChatMessage{}, err
	}

	now := time.Now().UTC()
	msg := ChatMessage{
		ID:     NewMessageID(now),
		Author: author,
		Body:   body,
		SentAt: now,
	}

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, author, body, sent_at) VALUES ($1, $2, $3, $4)`,
		msg.ID, msg.Author, msg.Body, msg.SentAt,
	); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: insert: %v", ErrStoreUnavailable, err)
	}

	return msg, nil
}

// Recent fetches the newest limit messages (sent_at DESC, id DESC) and
// reverses them, so callers always see oldest-first without the store ever
// scanning the full log.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]ChatMessage, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("chat: nil store")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	messages := pgIdent(s.schema, "messages")

	rows, err := s.pool.Query(ctx,
		`SELECT id, author, body, sent_at
		   FROM `+messages+`
		  ORDER BY sent_at DESC, id DESC
		  LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	msgs := make([]ChatMessage, 0, limit)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.Author, &m.Body, &m.SentAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrStoreUnavailable, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %v", ErrStoreUnavailable, err)
	}

	// Newest-first from the index, oldest-first on the wire.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	return msgs, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
