package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultStoreTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// connState is the per-connection protocol state. It exists alongside the
// roster (which stays authoritative for bind checks) so the handler never
// infers lifecycle from map presence alone.
type connState uint8

const (
	stateUnbound connState = iota
	stateBound
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBound:
		return "bound"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSGateway is the WebSocket entrypoint of the chat server.
//
// It enforces origin policy, rate limits, and heartbeats, and drives the
// per-connection state machine Unbound -> Bound -> Closed against the
// Roster, MessageStore, and Broadcaster.
type WSGateway struct {
	log       *slog.Logger
	roster    *Roster
	store     MessageStore
	broadcast *Broadcaster
	metrics   *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	storeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When roster/store are nil, it falls back to in-memory implementations.
func NewWSGateway(log *slog.Logger, roster *Roster, store MessageStore, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if roster == nil {
		roster = NewRoster(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}

	g := &WSGateway{
		log:       log,
		roster:    roster,
		store:     store,
		broadcast: NewBroadcaster(log, roster, metrics),
		metrics:   metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.storeTimeout = envDurationWS("PARLEY_WS_STORE_TIMEOUT", wsDefaultStoreTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Roster exposes the live registry, e.g. for shutdown and presence endpoints.
func (g *WSGateway) Roster() *Roster { return g.roster }

// ServeHTTP adapter so the gateway can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// connection state machine until the peer disconnects.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	connID := NewConnID(time.Now().UTC())
	client := NewClient(connID, g.sendQueueSize)

	g.roster.Add(client)
	g.recordGauges()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// state is owned by the read loop; the roster stays authoritative for
	// bind checks, the local value only tracks the lifecycle explicitly.
	state := stateUnbound

	var closeOnce sync.Once

	// shutdown is idempotent and may be called from any of the session
	// goroutines. Ordering matters: unbind first (captures the name exactly
	// once), then drop from the fan-out set, then announce the leave to the
	// survivors.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			name, wasBound := g.roster.Unbind(connID)
			g.roster.Remove(connID)
			g.recordGauges()

			_ = conn.Close(code, reason)
			cancel()

			if wasBound {
				g.broadcast.Broadcast(v1.NewUserLeft(name, time.Now().UTC()))
			}
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case frame := <-client.Send:
				if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Informational greeting; no state change.
	g.sendEvent(client, v1.NewConnectionEstablished("Connected to chat server. Please send your username."))

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		ev, err := readInbound(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, wireErrf(v1.CodeBadJSON, "invalid JSON"))
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.sendError(client, wireErrf(v1.CodeRateLimited, "too many events"))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := ev.Validate(); err != nil {
			g.sendError(client, wireErrf(v1.CodeBadEvent, "%v", err))
			continue readLoop
		}

		switch ev.Type {
		case v1.TypeSetUsername:
			if err := g.onSetUsername(ctx, client, ev); err != nil {
				g.sendError(client, err)
				continue readLoop
			}
			state = stateBound

		case v1.TypeSendMessage:
			// The roster, not the local state flag, authorizes the send.
			if err := g.onSendMessage(ctx, client, ev); err != nil {
				g.sendError(client, err)
				continue readLoop
			}
		}
	}

	// Closed is terminal: nothing past this point handles peer events.
	wasBound := state == stateBound
	state = stateClosed

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.log.Debug("ws.session.closed", "conn_id", connID, "state", state.String(), "was_bound", wasBound)
}

// ---- handlers ----

// wireError pairs a machine-readable code with the message sent to the
// offending connection. Handlers return it; nothing else escapes to the peer.
type wireError struct {
	code string
	msg  string
}

func (e *wireError) Error() string { return e.msg }

func wireErrf(code, format string, args ...any) *wireError {
	return &wireError{code: code, msg: fmt.Sprintf(format, args...)}
}

func (g *WSGateway) onSetUsername(ctx context.Context, client *Client, ev v1.Inbound) error {
	name := strings.TrimSpace(ev.Username)
	if name == "" {
		return wireErrf(v1.CodeInvalidUsername, "empty username")
	}
	if len([]rune(name)) > maxUsernameChars {
		return wireErrf(v1.CodeInvalidUsername, "username too long: max=%d chars", maxUsernameChars)
	}

	if _, err := g.roster.Bind(client.ConnID, name); err != nil {
		if errors.Is(err, ErrAlreadyBound) {
			// Registry state is authoritative: the connection stays Bound
			// under its original name, no re-announcement.
			return wireErrf(v1.CodeAlreadyBound, "username already set for this connection")
		}
		return wireErrf(v1.CodeBadEvent, "bind failed: %v", err)
	}
	g.recordGauges()

	histCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	msgs, err := g.store.Recent(histCtx, defaultHistoryLimit)
	cancel()
	if err != nil {
		// Bind stands; history is best-effort on top of it.
		g.log.Info("ws.history.fail", "conn_id", client.ConnID, "err", err)
		msgs = nil
	}

	entries := make([]v1.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, v1.HistoryEntry{
			Username:  m.Author,
			Message:   m.Body,
			Timestamp: m.SentAt,
		})
	}
	g.sendEvent(client, v1.NewMessageHistory(entries))

	g.broadcast.Broadcast(v1.NewUserJoined(name, time.Now().UTC()))
	return nil
}

func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, ev v1.Inbound) error {
	author, bound := g.roster.Lookup(client.ConnID)
	if !bound {
		return wireErrf(v1.CodeUnauthorized, "please set a username first")
	}

	body := strings.TrimSpace(ev.Message)
	if body == "" {
		return wireErrf(v1.CodeEmptyMessage, "empty message")
	}
	if len([]rune(body)) > maxMessageChars {
		return wireErrf(v1.CodeMessageTooLong, "message too long: max=%d chars", maxMessageChars)
	}

	appendCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	stored, err := g.store.Append(appendCtx, author, body)
	cancel()
	if err != nil {
		// Persistence-before-broadcast: a message the store did not take is
		// dropped, never announced.
		g.metrics.RecordAppendFailure()
		g.log.Error("ws.append.fail", "conn_id", client.ConnID, "err", err)
		return wireErrf(v1.CodeStoreUnavailable, "message not delivered")
	}
	g.metrics.RecordAppend()

	g.broadcast.Broadcast(v1.NewNewMessage(stored.Author, stored.Body, stored.SentAt))
	return nil
}

// ---- send helpers ----

func (g *WSGateway) sendError(client *Client, err error) {
	var we *wireError
	if !errors.As(err, &we) {
		we = wireErrf(v1.CodeBadEvent, "%v", err)
	}
	g.sendEvent(client, v1.NewError(we.code, we.msg))
}

func (g *WSGateway) sendEvent(client *Client, event any) {
	frame, err := json.Marshal(event)
	if err != nil {
		g.log.Error("ws.send.marshal.fail", "conn_id", client.ConnID, "err", err)
		return
	}
	if !client.TrySend(frame) {
		g.log.Info("ws.send.drop", "conn_id", client.ConnID)
	}
}

func (g *WSGateway) recordGauges() {
	if g.metrics == nil {
		return
	}
	g.metrics.RecordConnections(g.roster.Len())
	g.metrics.RecordBoundSessions(len(g.roster.SnapshotNames()))
}

// ---- frame IO ----

func readInbound(ctx context.Context, conn *websocket.Conn) (v1.Inbound, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Inbound{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Inbound{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var ev v1.Inbound
	if err := json.Unmarshal(data, &ev); err != nil {
		return v1.Inbound{}, errBadJSON{err}
	}
	return ev, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
