// Package main provides a CI-friendly WebSocket smoke test for the Parley
// chat server.
//
// It validates:
//   - handshake + CONNECTION_ESTABLISHED greeting
//   - SET_USERNAME -> MESSAGE_HISTORY + USER_JOINED fanout
//   - SEND_MESSAGE -> NEW_MESSAGE fanout to every connection
//   - second bind rejection (already_bound)
//   - chat before bind rejection (unauthorized)
//   - history visibility for a late joiner
//   - USER_LEFT on disconnect of a bound peer
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "parley/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

// wireEvent is the union of every outbound event shape. Flat events make a
// single decode target practical.
type wireEvent struct {
	Type      string            `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Username  string            `json:"username"`
	Timestamp time.Time         `json:"timestamp"`
	Messages  []v1.HistoryEntry `json:"messages"`
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan wireEvent
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	nameA := fmt.Sprintf("smoke-a-%d", time.Now().UnixNano()%1_000_000)
	nameB := fmt.Sprintf("smoke-b-%d", time.Now().UnixNano()%1_000_000)

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	// Chat before bind must be rejected without closing the connection.
	mustSend(root, a.conn, v1.Inbound{Type: v1.TypeSendMessage, Message: "too early"}, *timeout)
	mustAssertError(root, a, v1.CodeUnauthorized, *timeout)

	mustBind(root, a, nameA, *timeout)
	mustReadUserJoined(root, a, nameA, *timeout)

	// Second bind on the same connection must be rejected.
	mustSend(root, a.conn, v1.Inbound{Type: v1.TypeSetUsername, Username: "someone-else"}, *timeout)
	mustAssertError(root, a, v1.CodeAlreadyBound, *timeout)

	if *verbose {
		fmt.Printf("bound: A=%s origin=%q\n", nameA, *origin)
	}

	mustSend(root, a.conn, v1.Inbound{Type: v1.TypeSendMessage, Message: *text}, *timeout)
	mustReadNewMessage(root, a, nameA, *text, *timeout)

	// A late joiner must see A's message in history and trigger USER_JOINED
	// on both connections.
	b := mustConnect(root, "B", *wsURL, *origin, *timeout)

	history := mustBind(root, b, nameB, *timeout)
	if !historyContains(history, nameA, *text) {
		fatalf("late joiner history missing message from %s", nameA)
	}
	mustReadUserJoined(root, b, nameB, *timeout)
	mustReadUserJoined(root, a, nameB, *timeout)

	// Fanout reaches both the sender and the peer.
	mustSend(root, b.conn, v1.Inbound{Type: v1.TypeSendMessage, Message: "reply"}, *timeout)
	mustReadNewMessage(root, b, nameB, "reply", *timeout)
	mustReadNewMessage(root, a, nameB, "reply", *timeout)

	closeWS(b.conn)
	mustReadUserLeft(root, a, nameB, *timeout)

	fmt.Printf("OK: A=%s B=%s\n", nameA, nameB)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan wireEvent, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	greeting := c.mustReadUntilType(parent, v1.TypeConnectionEstablished, stepTimeout)
	if strings.TrimSpace(greeting.Message) == "" {
		fatalf("greeting missing message (%s)", name)
	}

	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var ev wireEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if strings.TrimSpace(ev.Type) == "" {
				select {
				case c.errCh <- errors.New("event missing type"):
				default:
				}
				return
			}

			select {
			case c.inbox <- ev:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustBind sets the username and returns the history event that precedes the
// join fanout.
func mustBind(parent context.Context, c *smokeClient, username string, stepTimeout time.Duration) wireEvent {
	mustSend(parent, c.conn, v1.Inbound{Type: v1.TypeSetUsername, Username: username}, stepTimeout)

	history := c.mustReadUntilType(parent, v1.TypeMessageHistory, stepTimeout)
	if history.Messages == nil {
		fatalf("history is null, expected an array (%s)", c.name)
	}
	return history
}

func historyContains(history wireEvent, username, text string) bool {
	for _, m := range history.Messages {
		if m.Username == username && m.Message == text && !m.Timestamp.IsZero() {
			return true
		}
	}
	return false
}

func mustReadUserJoined(parent context.Context, c *smokeClient, username string, stepTimeout time.Duration) {
	ev := c.mustReadUntilType(parent, v1.TypeUserJoined, stepTimeout)
	if ev.Username != username {
		fatalf("join username mismatch (%s): got=%q want=%q", c.name, ev.Username, username)
	}
	if ev.Timestamp.IsZero() {
		fatalf("join timestamp missing/zero (%s)", c.name)
	}
}

func mustReadUserLeft(parent context.Context, c *smokeClient, username string, stepTimeout time.Duration) {
	ev := c.mustReadUntilType(parent, v1.TypeUserLeft, stepTimeout)
	if ev.Username != username {
		fatalf("leave username mismatch (%s): got=%q want=%q", c.name, ev.Username, username)
	}
}

func mustReadNewMessage(parent context.Context, c *smokeClient, username, text string, stepTimeout time.Duration) {
	ev := c.mustReadUntilType(parent, v1.TypeNewMessage, stepTimeout)
	if ev.Username != username {
		fatalf("message username mismatch (%s): got=%q want=%q", c.name, ev.Username, username)
	}
	if ev.Message != text {
		fatalf("message text mismatch (%s): got=%q want=%q", c.name, ev.Message, text)
	}
	if ev.Timestamp.IsZero() {
		fatalf("message timestamp missing/zero (%s)", c.name)
	}
}

// mustAssertError reads until an ERROR event arrives and checks its code. The
// connection must stay open afterwards.
func mustAssertError(parent context.Context, c *smokeClient, wantCode string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error %q (%s): %v", wantCode, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for error %q (%s): %v", wantCode, c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error %q (%s)", wantCode, c.name)
			}
			if ev.Type != v1.TypeError {
				fatalf("unexpected event type (%s): got=%q want=%q", c.name, ev.Type, v1.TypeError)
			}
			if ev.Code != wantCode {
				fatalf("error code mismatch (%s): got=%q want=%q", c.name, ev.Code, wantCode)
			}
			return
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) wireEvent {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case ev, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if ev.Type == wantType {
				return ev
			}
			if ev.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, ev.Code, ev.Message)
			}
			// Fanout events from other connections can interleave freely.
		}
	}
}

func mustSend(parent context.Context, conn *websocket.Conn, ev v1.Inbound, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(ev)
	if err != nil {
		fatalf("marshal event: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
