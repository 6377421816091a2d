package chat

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps persistence failures. The gateway reports it to
// the originating connection only; the message is never broadcast without a
// successful append.
var ErrStoreUnavailable = errors.New("chat: message store unavailable")

// ChatMessage is the canonical persisted message.
// Immutable once created; never updated or deleted by this server.
type ChatMessage struct {
	ID     string
	Author string
	Body   string
	SentAt time.Time
}

// MessageStore is the append-only chat log.
//
// Requirements:
//   - Append assigns SentAt server-side at persistence time and is atomic
//     under concurrent calls.
//   - Recent returns at most limit newest messages, oldest first, and must
//     fetch "newest limit then reverse" rather than scanning the full log.
type MessageStore interface {
	Append(ctx context.Context, author, body string) (ChatMessage, error)
	Recent(ctx context.Context, limit int) ([]ChatMessage, error)
	Close() error
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// clampHistoryLimit applies the shared default/cap policy for history reads.
func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
