package chat

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyBound is returned by Bind when the connection already carries a
// display name. A connection binds at most once for its lifetime.
var ErrAlreadyBound = errors.New("chat: connection already bound")

// ErrNotConnected is returned by Bind for a connection id the roster does not
// know, e.g. a bind racing a disconnect.
var ErrNotConnected = errors.New("chat: connection not registered")

// Roster is the single source of truth for who is currently online.
//
// It tracks two things under one lock:
//   - the live-connection set (every accepted websocket, bound or not),
//     which is the broadcast fan-out set
//   - the display-name binding per connection
//
// Concurrency guarantees:
// - Add/Remove/Bind/Unbind/snapshots are safe under concurrent use.
// - No lock is ever held across network or store I/O; callers take snapshots
//   and do their sends outside the roster.
type Roster struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	names   map[string]string // conn id -> bound display name
}

// NewRoster constructs an empty roster.
func NewRoster(log *slog.Logger) *Roster {
	return &Roster{
		log:     log,
		clients: make(map[string]*Client),
		names:   make(map[string]string),
	}
}

// Add registers a freshly accepted connection as live (still unbound).
func (r *Roster) Add(client *Client) {
	if r == nil || client == nil || client.ConnID == "" {
		return
	}

	r.mu.Lock()
	r.clients[client.ConnID] = client
	total := len(r.clients)
	r.mu.Unlock()

	r.log.Debug("roster.add", "conn_id", client.ConnID, "connections", total)
}

// Remove drops a connection from the live set and signals its shutdown.
// Idempotent: removing an unknown id is a no-op.
//
// Remove does not touch the name binding; callers Unbind first so the
// returned name can drive the leave announcement.
func (r *Roster) Remove(connID string) {
	if r == nil || connID == "" {
		return
	}

	r.mu.Lock()
	client := r.clients[connID]
	delete(r.clients, connID)
	total := len(r.clients)
	r.mu.Unlock()

	// Signal shutdown only after the client left the fan-out set, so a
	// broadcaster holding an older snapshot just sees a closing client.
	if client != nil {
		client.Close()
		r.log.Debug("roster.remove", "conn_id", connID, "connections", total)
	}
}

// Bind associates a display name with a live connection, once.
// On success it returns the number of bound participants including this one.
func (r *Roster) Bind(connID, name string) (int, error) {
	if r == nil || connID == "" {
		return 0, ErrNotConnected
	}

	r.mu.Lock()
	if _, live := r.clients[connID]; !live {
		r.mu.Unlock()
		return 0, ErrNotConnected
	}
	if _, bound := r.names[connID]; bound {
		r.mu.Unlock()
		return 0, ErrAlreadyBound
	}
	r.names[connID] = name
	count := len(r.names)
	r.mu.Unlock()

	r.log.Info("roster.bind", "conn_id", connID, "username", name, "participants", count)
	return count, nil
}

// Unbind removes the name binding if present and returns the name that was
// bound. Idempotent: a second call for the same connection reports false,
// which is what guarantees at most one leave announcement per session.
func (r *Roster) Unbind(connID string) (string, bool) {
	if r == nil || connID == "" {
		return "", false
	}

	r.mu.Lock()
	name, bound := r.names[connID]
	delete(r.names, connID)
	count := len(r.names)
	r.mu.Unlock()

	if bound {
		r.log.Info("roster.unbind", "conn_id", connID, "username", name, "participants", count)
	}
	return name, bound
}

// Lookup returns the bound display name for a connection, if any.
// The roster, not any handler-local flag, authorizes chat events.
func (r *Roster) Lookup(connID string) (string, bool) {
	if r == nil || connID == "" {
		return "", false
	}

	r.mu.RLock()
	name, ok := r.names[connID]
	r.mu.RUnlock()
	return name, ok
}

// SnapshotNames returns a consistent point-in-time list of bound names.
func (r *Roster) SnapshotNames() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]string, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, name)
	}
	r.mu.RUnlock()
	return out
}

// SnapshotClients returns the live connections at this instant, bound or not.
// Broadcast iterates this snapshot so concurrent joins/leaves never race the
// fan-out loop.
func (r *Roster) SnapshotClients() []*Client {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()
	return out
}

// Len reports the number of live connections.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	n := len(r.clients)
	r.mu.RUnlock()
	return n
}

// CloseAll signals every live client to shut down. Used on process shutdown
// after the listener stopped accepting; per-connection handlers observe the
// close and run their normal teardown.
func (r *Roster) CloseAll() {
	if r == nil {
		return
	}

	for _, c := range r.SnapshotClients() {
		c.Close()
	}
}
