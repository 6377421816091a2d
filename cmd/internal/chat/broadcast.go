package chat

import (
	"encoding/json"
	"log/slog"
)

// Broadcaster fans events out to every live connection in the roster.
//
// Concurrency guarantees:
// - An event is serialized exactly once per Broadcast call.
// - Fan-out never blocks: a member with a full queue or one that is shutting
//   down is skipped and counted as a drop.
// - A failed delivery to one connection never affects the others and never
//   surfaces to the caller.
type Broadcaster struct {
	log     *slog.Logger
	roster  *Roster
	metrics *Metrics
}

// NewBroadcaster constructs a broadcaster over the given roster.
func NewBroadcaster(log *slog.Logger, roster *Roster, metrics *Metrics) *Broadcaster {
	return &Broadcaster{log: log, roster: roster, metrics: metrics}
}

// Broadcast serializes event once and delivers it to a snapshot of the live
// connections. Delivery order across connections is unspecified; per
// connection, sequential Broadcast calls stay FIFO because each client has a
// single writer goroutine draining its queue.
func (b *Broadcaster) Broadcast(event any) {
	if b == nil {
		return
	}

	frame, err := json.Marshal(event)
	if err != nil {
		// Events are server-built structs; this indicates a programming
		// error, not a runtime condition worth crashing over.
		b.log.Error("broadcast.marshal.fail", "err", err)
		return
	}

	delivered, dropped := 0, 0
	for _, c := range b.roster.SnapshotClients() {
		if c.TrySend(frame) {
			delivered++
			continue
		}
		dropped++
		b.log.Info("broadcast.drop", "conn_id", c.ConnID)
	}

	if b.metrics != nil {
		b.metrics.RecordBroadcast(delivered, dropped)
	}
}
