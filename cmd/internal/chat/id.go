package chat

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewConnID returns a ULID used as the connection/session id.
// ULIDs sort by creation time, which keeps log correlation cheap.
func NewConnID(now time.Time) string {
	return newULID(now)
}

// NewMessageID returns a ULID used as a persisted message id. Within the
// store it also breaks ordering ties between equal timestamps.
func NewMessageID(now time.Time) string {
	return newULID(now)
}

func newULID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	// crypto/rand does not fail on supported platforms; ulid.New only
	// propagates its error.
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}
