package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

// flakyStore wraps the in-memory store with a switchable append failure.
type flakyStore struct {
	*InMemoryStore

	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *flakyStore) Append(ctx context.Context, author, body string) (ChatMessage, error) {
	s.mu.Lock()
	failing := s.fail
	s.mu.Unlock()

	if failing {
		return ChatMessage{}, fmt.Errorf("%w: append refused", ErrStoreUnavailable)
	}
	return s.InMemoryStore.Append(ctx, author, body)
}

// testGateway spins up a gateway over an in-memory store and roster.
// Origin enforcement is relaxed because test dials carry no Origin header.
func testGateway(t *testing.T) (*WSGateway, *InMemoryStore, *httptest.Server) {
	t.Helper()

	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "false")

	store := NewInMemoryStore()
	g := NewWSGateway(testLogger(), NewRoster(testLogger()), store, nil)

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	return g, store, srv
}

func dialWS(t *testing.T, ctx context.Context, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

// readEvent decodes the next frame and returns its type plus raw JSON.
func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, []byte) {
	t.Helper()

	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return head.Type, data
}

func expectEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) []byte {
	t.Helper()

	typ, data := readEvent(t, ctx, conn)
	if typ != wantType {
		t.Fatalf("expected %s, got %s (%s)", wantType, typ, data)
	}
	return data
}

func send(t *testing.T, ctx context.Context, conn *websocket.Conn, ev v1.Inbound) {
	t.Helper()

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestGateway_GreetsOnAccept(t *testing.T) {
	_, _, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)
}

func TestGateway_ChatBeforeBindRejectedWithoutAppend(t *testing.T) {
	_, store, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)

	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSendMessage, Message: "sneaky"})

	data := expectEvent(t, ctx, conn, v1.TypeError)
	var ev v1.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode error event: %v", err)
	}
	if ev.Code != v1.CodeUnauthorized {
		t.Fatalf("error code=%q, expected %q", ev.Code, v1.CodeUnauthorized)
	}
	if store.Len() != 0 {
		t.Fatalf("store has %d messages, expected 0", store.Len())
	}
}

func TestGateway_MalformedJSONKeepsConnectionOpen(t *testing.T) {
	_, _, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data := expectEvent(t, ctx, conn, v1.TypeError)
	var ev v1.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Code != v1.CodeBadJSON {
		t.Fatalf("error code=%q, expected %q", ev.Code, v1.CodeBadJSON)
	}

	// Connection is still usable.
	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, conn, v1.TypeMessageHistory)
	expectEvent(t, ctx, conn, v1.TypeUserJoined)
}

func TestGateway_SecondBindRejected(t *testing.T) {
	_, _, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)

	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, conn, v1.TypeMessageHistory)
	expectEvent(t, ctx, conn, v1.TypeUserJoined)

	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice2"})
	data := expectEvent(t, ctx, conn, v1.TypeError)
	var ev v1.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Code != v1.CodeAlreadyBound {
		t.Fatalf("error code=%q, expected %q", ev.Code, v1.CodeAlreadyBound)
	}
}

func TestGateway_Journey(t *testing.T) {
	_, _, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Client A binds as alice.
	alice := dialWS(t, ctx, srv)
	expectEvent(t, ctx, alice, v1.TypeConnectionEstablished)

	send(t, ctx, alice, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	histData := expectEvent(t, ctx, alice, v1.TypeMessageHistory)
	var hist v1.MessageHistory
	if err := json.Unmarshal(histData, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 0 {
		t.Fatalf("history: %d messages, expected empty", len(hist.Messages))
	}
	expectEvent(t, ctx, alice, v1.TypeUserJoined)

	// Client B binds as bob; both receive the join.
	bob := dialWS(t, ctx, srv)
	expectEvent(t, ctx, bob, v1.TypeConnectionEstablished)

	send(t, ctx, bob, v1.Inbound{Type: v1.TypeSetUsername, Username: "bob"})
	expectEvent(t, ctx, bob, v1.TypeMessageHistory)

	for _, conn := range []*websocket.Conn{alice, bob} {
		data := expectEvent(t, ctx, conn, v1.TypeUserJoined)
		var joined v1.UserJoined
		if err := json.Unmarshal(data, &joined); err != nil {
			t.Fatalf("decode joined: %v", err)
		}
		if joined.Username != "bob" {
			t.Fatalf("joined username=%q, expected bob", joined.Username)
		}
	}

	// Alice sends a message; both receive it with a server timestamp.
	send(t, ctx, alice, v1.Inbound{Type: v1.TypeSendMessage, Message: "hi"})
	for _, conn := range []*websocket.Conn{alice, bob} {
		data := expectEvent(t, ctx, conn, v1.TypeNewMessage)
		var msg v1.NewMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode new message: %v", err)
		}
		if msg.Username != "alice" || msg.Message != "hi" {
			t.Fatalf("message=%+v, expected alice/hi", msg)
		}
		if msg.Timestamp.IsZero() {
			t.Fatal("message timestamp is zero")
		}
	}

	// Alice disconnects; bob sees exactly one leave.
	_ = alice.Close(websocket.StatusNormalClosure, "bye")

	data := expectEvent(t, ctx, bob, v1.TypeUserLeft)
	var left v1.UserLeft
	if err := json.Unmarshal(data, &left); err != nil {
		t.Fatalf("decode left: %v", err)
	}
	if left.Username != "alice" {
		t.Fatalf("left username=%q, expected alice", left.Username)
	}
}

func TestGateway_LateJoinerReceivesHistory(t *testing.T) {
	_, _, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, srv)
	expectEvent(t, ctx, alice, v1.TypeConnectionEstablished)
	send(t, ctx, alice, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, alice, v1.TypeMessageHistory)
	expectEvent(t, ctx, alice, v1.TypeUserJoined)

	send(t, ctx, alice, v1.Inbound{Type: v1.TypeSendMessage, Message: "first"})
	expectEvent(t, ctx, alice, v1.TypeNewMessage)

	bob := dialWS(t, ctx, srv)
	expectEvent(t, ctx, bob, v1.TypeConnectionEstablished)
	send(t, ctx, bob, v1.Inbound{Type: v1.TypeSetUsername, Username: "bob"})

	data := expectEvent(t, ctx, bob, v1.TypeMessageHistory)
	var hist v1.MessageHistory
	if err := json.Unmarshal(data, &hist); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(hist.Messages) != 1 {
		t.Fatalf("history: %d messages, expected 1", len(hist.Messages))
	}
	if hist.Messages[0].Username != "alice" || hist.Messages[0].Message != "first" {
		t.Fatalf("history entry=%+v", hist.Messages[0])
	}
}

func TestGateway_EmptyMessageRejected(t *testing.T) {
	_, store, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)
	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, conn, v1.TypeMessageHistory)
	expectEvent(t, ctx, conn, v1.TypeUserJoined)

	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSendMessage, Message: "   \t  "})
	data := expectEvent(t, ctx, conn, v1.TypeError)
	var ev v1.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Code != v1.CodeEmptyMessage {
		t.Fatalf("error code=%q, expected %q", ev.Code, v1.CodeEmptyMessage)
	}
	if store.Len() != 0 {
		t.Fatalf("store has %d messages, expected 0", store.Len())
	}
}

func TestGateway_StoreFailureIsPrivateAndNeverBroadcast(t *testing.T) {
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "false")

	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	g := NewWSGateway(testLogger(), NewRoster(testLogger()), store, nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	alice := dialWS(t, ctx, srv)
	expectEvent(t, ctx, alice, v1.TypeConnectionEstablished)
	send(t, ctx, alice, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, alice, v1.TypeMessageHistory)
	expectEvent(t, ctx, alice, v1.TypeUserJoined)

	bob := dialWS(t, ctx, srv)
	expectEvent(t, ctx, bob, v1.TypeConnectionEstablished)
	send(t, ctx, bob, v1.Inbound{Type: v1.TypeSetUsername, Username: "bob"})
	expectEvent(t, ctx, bob, v1.TypeMessageHistory)
	expectEvent(t, ctx, bob, v1.TypeUserJoined)
	expectEvent(t, ctx, alice, v1.TypeUserJoined)

	// With the store down, the sender gets a private error and nothing is
	// announced to anyone.
	store.setFail(true)
	send(t, ctx, alice, v1.Inbound{Type: v1.TypeSendMessage, Message: "lost"})

	data := expectEvent(t, ctx, alice, v1.TypeError)
	var ev v1.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Code != v1.CodeStoreUnavailable {
		t.Fatalf("error code=%q, expected %q", ev.Code, v1.CodeStoreUnavailable)
	}

	// The connection survives and the next accepted message is the first
	// frame either peer sees, proving the failed one was never broadcast.
	store.setFail(false)
	send(t, ctx, alice, v1.Inbound{Type: v1.TypeSendMessage, Message: "after"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		data := expectEvent(t, ctx, conn, v1.TypeNewMessage)
		var msg v1.NewMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode new message: %v", err)
		}
		if msg.Message != "after" {
			t.Fatalf("message=%q, expected %q", msg.Message, "after")
		}
	}

	if store.Len() != 1 {
		t.Fatalf("store has %d messages, expected 1", store.Len())
	}
}

func TestGateway_UsernameTooLongRejected(t *testing.T) {
	_, _, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)

	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: strings.Repeat("a", maxUsernameChars+1)})
	data := expectEvent(t, ctx, conn, v1.TypeError)
	var ev v1.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Code != v1.CodeInvalidUsername {
		t.Fatalf("error code=%q, expected %q", ev.Code, v1.CodeInvalidUsername)
	}

	// Rejection leaves the connection unbound; a valid bind still works.
	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, conn, v1.TypeMessageHistory)
	expectEvent(t, ctx, conn, v1.TypeUserJoined)
}

func TestGateway_MessageTooLongRejected(t *testing.T) {
	_, store, srv := testGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)
	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, conn, v1.TypeMessageHistory)
	expectEvent(t, ctx, conn, v1.TypeUserJoined)

	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSendMessage, Message: strings.Repeat("x", maxMessageChars+1)})
	data := expectEvent(t, ctx, conn, v1.TypeError)
	var ev v1.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Code != v1.CodeMessageTooLong {
		t.Fatalf("error code=%q, expected %q", ev.Code, v1.CodeMessageTooLong)
	}
	if store.Len() != 0 {
		t.Fatalf("store has %d messages, expected 0", store.Len())
	}
}

func TestGateway_RateLimitClosesConnection(t *testing.T) {
	t.Setenv("PARLEY_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("PARLEY_WS_RATE_EVENTS", "3")

	g := NewWSGateway(testLogger(), NewRoster(testLogger()), NewInMemoryStore(), nil)
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := dialWS(t, ctx, srv)
	expectEvent(t, ctx, conn, v1.TypeConnectionEstablished)

	send(t, ctx, conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "alice"})
	expectEvent(t, ctx, conn, v1.TypeMessageHistory)
	expectEvent(t, ctx, conn, v1.TypeUserJoined)

	for i := 0; i < 3; i++ {
		send(t, ctx, conn, v1.Inbound{Type: v1.TypeSendMessage, Message: "spam"})
	}

	// The limiter admits 3 events total; the 4th triggers a best-effort
	// rate_limited error and a policy-violation close. The error frame may
	// lose the race against the close, so the hard assertion is the close.
	for i := 0; i < 8; i++ {
		readCtx, readCancel := context.WithTimeout(ctx, 3*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				t.Fatal("connection stayed open after exceeding the rate limit")
			}
			return // closed by the server, as required
		}
		var ev v1.ErrorEvent
		if json.Unmarshal(data, &ev) == nil && ev.Type == v1.TypeError && ev.Code == v1.CodeRateLimited {
			return // observed the error frame before the close
		}
	}
	t.Fatal("expected rate limiting to error or close the connection")
}
