package chat

import (
	"context"
	"errors"
	"sync"
	"time"
)

const memMaxMessages = 10_000

// InMemoryStore is the fallback MessageStore when no database is configured.
// Appends are ordered by a single mutex, so SentAt is monotonic non-decreasing
// within the retained window.
type InMemoryStore struct {
	mu   sync.Mutex
	msgs []ChatMessage
}

// NewInMemoryStore constructs an empty in-memory message log.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		msgs: make([]ChatMessage, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append stores a message with a server-assigned timestamp and ULID.
func (s *InMemoryStore) Append(ctx context.Context, author, body string) (ChatMessage, error) {
	if author == "" || body == "" {
		return ChatMessage{}, errors.New("chat: empty author or body")
	}
	if err := ctx.Err(); err != nil {
		return ChatMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	msg := ChatMessage{
		ID:     NewMessageID(now),
		Author: author,
		Body:   body,
		SentAt: now,
	}
	s.msgs = append(s.msgs, msg)

	// Bound memory to avoid unbounded growth without a real backing store.
	if len(s.msgs) > memMaxMessages {
		s.msgs = s.msgs[len(s.msgs)-memMaxMessages:]
	}

	return msg, nil
}

// Recent returns the newest limit messages, oldest first.
func (s *InMemoryStore) Recent(ctx context.Context, limit int) ([]ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.msgs) - limit
	if start < 0 {
		start = 0
	}

	out := make([]ChatMessage, len(s.msgs)-start)
	copy(out, s.msgs[start:])
	return out, nil
}

// Len reports the number of retained messages. Test support.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}
