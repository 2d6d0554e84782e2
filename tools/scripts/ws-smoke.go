// Package main provides a CI-friendly WebSocket smoke test for Prism sync.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack session establishment
//   - conversation_start -> canonical conversation id (symmetric for both peers)
//   - messages_subscribe -> initial snapshot
//   - send -> ack, snapshot fanout to the other peer
//   - edit in place, then delete (second delete is a no-op)
//   - conversations_subscribe list includes the conversation
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

	v1 "prism/contracts/sync/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "prism.sync.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	uid       string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		uidA    = flag.String("uid-a", "smoke-alice", "First participant uid")
		uidB    = flag.String("uid-b", "smoke-bob", "Second participant uid")
		text    = flag.String("text", "hello prism 👋", "Message text to send")
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
	if strings.TrimSpace(*uidA) == "" || strings.TrimSpace(*uidB) == "" || *uidA == *uidB {
		fatalf("uids must be non-empty and distinct: a=%q b=%q", *uidA, *uidB)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *uidA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *uidB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	convA := mustStartConversation(root, a, *uidB, *timeout)
	convB := mustStartConversation(root, b, *uidA, *timeout)
	if convA != convB {
		fatalf("conversation id not symmetric: A=%q B=%q", convA, convB)
	}
	convID := convA

	mustSubscribeMessages(root, a, convID, *timeout)
	mustSubscribeMessages(root, b, convID, *timeout)

	msgID := mustSendAndAssertAck(root, a, convID, *text, *timeout)

	mustSnapshotContains(root, b, convID, msgID, a.uid, *text, *timeout)

	edited := *text + " (edited)"
	mustEdit(root, a, convID, msgID, edited, *timeout)
	mustSnapshotContains(root, b, convID, msgID, a.uid, edited, *timeout)

	mustDelete(root, a, convID, msgID, *timeout)
	mustSnapshotWithout(root, b, convID, msgID, *timeout)

	// Deleting an already-deleted message must not produce an error envelope.
	mustDelete(root, a, convID, msgID, *timeout)
	mustAssertNoType(root, a, v1.TypeError, 1200*time.Millisecond)

	mustConversationListContains(root, a, convID, *timeout)

	fmt.Printf("OK: A=%s B=%s conversation_id=%s message_id=%s\n", a.sessionID, b.sessionID, convID, msgID)
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

func mustConnect(parent context.Context, name, wsURL, origin, uid string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		uid:   uid,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{UID: uid, DisplayName: uid}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
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

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
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

func mustStartConversation(parent context.Context, c *smokeClient, otherUID string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeConversationStart,
		ID:   fmt.Sprintf("%s-conv-start", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.ConversationStartPayload{
			UID:         otherUID,
			DisplayName: otherUID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeConversationsSnapshot: {}}
	started := c.mustReadUntilType(parent, v1.TypeConversationStarted, stepTimeout, skip)

	var p v1.ConversationStartedPayload
	if err := json.Unmarshal(started.Payload, &p); err != nil {
		fatalf("unmarshal conversation_started payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		fatalf("conversation_started missing conversation_id (%s)", c.name)
	}
	return p.ConversationID
}

func mustSubscribeMessages(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessagesSubscribe,
		ID:      fmt.Sprintf("%s-msgs-sub", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessagesSubscribePayload{ConversationID: convID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	snap := c.mustReadUntilType(parent, v1.TypeMessagesSnapshot, stepTimeout, map[string]struct{}{v1.TypeConversationsSnapshot: {}})

	var p v1.MessagesSnapshotPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		fatalf("unmarshal messages_snapshot payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("snapshot conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convID, text string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationID: convID,
			Text:           text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{
		v1.TypeMessagesSnapshot:      {},
		v1.TypeConversationsSnapshot: {},
	}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationID != convID {
		fatalf("ack conversation_id mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Timestamp.IsZero() {
		fatalf("ack missing timestamp (%s)", c.name)
	}
	return p.MessageID
}

func mustEdit(parent context.Context, c *smokeClient, convID, msgID, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageEdit,
		ID:   fmt.Sprintf("%s-edit", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageEditPayload{
			ConversationID: convID,
			MessageID:      msgID,
			Text:           text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustDelete(parent context.Context, c *smokeClient, convID, msgID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageDelete,
		ID:   fmt.Sprintf("%s-delete", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageDeletePayload{
			ConversationID: convID,
			MessageID:      msgID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

// mustSnapshotContains waits for a messages_snapshot of convID in which msgID
// carries the wanted sender and text. Earlier snapshots (pre-fanout, or the
// pre-edit state) are skipped until the deadline.
func mustSnapshotContains(parent context.Context, c *smokeClient, convID, msgID, sender, text string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		snap := c.mustReadUntilTypeCtx(ctx, v1.TypeMessagesSnapshot, map[string]struct{}{v1.TypeConversationsSnapshot: {}})

		var p v1.MessagesSnapshotPayload
		if err := json.Unmarshal(snap.Payload, &p); err != nil {
			fatalf("unmarshal messages_snapshot payload (%s): %v", c.name, err)
		}
		if p.ConversationID != convID {
			continue
		}
		for _, m := range p.Messages {
			if m.ID == msgID && m.SenderID == sender && m.Text == text && !m.Timestamp.IsZero() {
				return
			}
		}
	}
}

// mustSnapshotWithout waits for a messages_snapshot of convID that no longer
// lists msgID.
func mustSnapshotWithout(parent context.Context, c *smokeClient, convID, msgID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		snap := c.mustReadUntilTypeCtx(ctx, v1.TypeMessagesSnapshot, map[string]struct{}{v1.TypeConversationsSnapshot: {}})

		var p v1.MessagesSnapshotPayload
		if err := json.Unmarshal(snap.Payload, &p); err != nil {
			fatalf("unmarshal messages_snapshot payload (%s): %v", c.name, err)
		}
		if p.ConversationID != convID {
			continue
		}
		present := false
		for _, m := range p.Messages {
			if m.ID == msgID {
				present = true
				break
			}
		}
		if !present {
			return
		}
	}
}

func mustConversationListContains(parent context.Context, c *smokeClient, convID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeConversationsSubscribe,
		ID:      fmt.Sprintf("%s-convs-sub", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.ConversationsSubscribePayload{}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessagesSnapshot: {}}
	snap := c.mustReadUntilType(parent, v1.TypeConversationsSnapshot, stepTimeout, skip)

	var p v1.ConversationsSnapshotPayload
	if err := json.Unmarshal(snap.Payload, &p); err != nil {
		fatalf("unmarshal conversations_snapshot payload (%s): %v", c.name, err)
	}
	for _, conv := range p.Conversations {
		if conv.ID == convID {
			if conv.LastUpdate.IsZero() {
				fatalf("conversation %s missing last_update (%s)", convID, c.name)
			}
			return
		}
	}
	fatalf("conversations_snapshot missing %s (%s)", convID, c.name)
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == forbiddenType {
				if forbiddenType == v1.TypeError {
					var ep v1.ErrorPayload
					_ = json.Unmarshal(env.Payload, &ep)
					fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
				}
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	return c.mustReadUntilTypeCtx(ctx, wantType, skipTypes)
}

func (c *smokeClient) mustReadUntilTypeCtx(ctx context.Context, wantType string, skipTypes map[string]struct{}) v1.Envelope {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
