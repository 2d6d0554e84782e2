// Package sync bridges store subscriptions to connected UI clients over
// WebSocket: live snapshot streams in, message mutations out.
package sync

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
	gosync "sync"
	"time"

	"github.com/coder/websocket"

	"prism/cmd/internal/ids"
	"prism/cmd/internal/messaging"
	usersession "prism/cmd/internal/session"
	"prism/cmd/internal/social"
	"prism/cmd/internal/store"
	v1 "prism/contracts/sync/v1"
)

const (
	wsSubprotocolV1 = "prism.sync.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Gateway is the WebSocket entrypoint for Prism sync.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the conversation manager and message
// service. Live snapshot streams opened by a session are torn down with it.
type Gateway struct {
	log      *slog.Logger
	convs    *messaging.Manager
	msgs     *messaging.Messages
	profiles *social.Profiles

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewGateway constructs a gateway with secure defaults. profiles may be nil;
// then hello skips the profile write.
func NewGateway(log *slog.Logger, convs *messaging.Manager, msgs *messaging.Messages, profiles *social.Profiles) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &Gateway{log: log, convs: convs, msgs: msgs, profiles: profiles}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is
	// not an origin policy.
	g.devInsecure = envBoolWS("PRISM_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PRISM_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PRISM_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns (host patterns). Derive the
	// patterns from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PRISM_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PRISM_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PRISM_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PRISM_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PRISM_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PRISM_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PRISM_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state: the signed-in user context and the
// live store subscriptions opened on their behalf.
type session struct {
	client *Client
	auth   *usersession.Session

	mu   gosync.Mutex
	subs map[string]store.Unsubscribe
}

func (s *session) hello() bool {
	_, ok := s.auth.Current()
	return ok
}

// me maps the signed-in user to a messaging participant. Zero value before
// hello.
func (s *session) me() messaging.Participant {
	u, ok := s.auth.Current()
	if !ok {
		return messaging.Participant{}
	}
	return messaging.Participant{
		UID:         u.UID,
		DisplayName: u.DisplayName,
		Username:    u.Username,
		AvatarURL:   u.PhotoURL,
	}
}

// replaceSub swaps the subscription registered under key, cancelling any
// previous one. Re-subscribing to the same scope is therefore idempotent
// from the client's perspective.
func (s *session) replaceSub(key string, unsub store.Unsubscribe) {
	s.mu.Lock()
	old := s.subs[key]
	s.subs[key] = unsub
	s.mu.Unlock()

	if old != nil {
		old()
	}
}

func (s *session) cancelAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]store.Unsubscribe)
	s.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the sync
// loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		metricRejects.WithLabelValues("origin").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		metricRejects.WithLabelValues("subprotocol").Inc()
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := ids.NewULID(time.Now())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	sess := &session{
		client: NewClient(sessionID, g.sendQueueSize),
		auth:   usersession.New(),
		subs:   make(map[string]store.Unsubscribe),
	}

	metricConnections.Inc()
	defer metricConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce gosync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Subscriptions are cancelled before the client is closed so no
	// snapshot callback runs against a torn-down session.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.cancelAll()
			sess.auth.Clear()
			sess.client.Close()
			_ = conn.Close(code, reason)
			cancel()
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
			case <-sess.client.Done():
				return
			case env := <-sess.client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
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
			case <-sess.client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
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

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
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
				g.trySendError(ctx, sess.client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			metricRejects.WithLabelValues("rate_limited").Inc()
			g.trySendError(ctx, sess.client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			metricRejects.WithLabelValues("bad_envelope").Inc()
			g.trySendError(ctx, sess.client, "bad_envelope", err.Error())
			continue readLoop
		}

		metricEnvelopes.WithLabelValues(env.Type).Inc()

		if env.Type != v1.TypeHello && !sess.hello() {
			g.trySendError(ctx, sess.client, "hello_required", "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess.client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeConversationStart:
			if err := g.onConversationStart(ctx, sess, env); err != nil {
				g.sendOpError(ctx, sess.client, err)
				continue readLoop
			}

		case v1.TypeConversationsSubscribe:
			if err := g.onConversationsSubscribe(ctx, sess); err != nil {
				g.sendOpError(ctx, sess.client, err)
				continue readLoop
			}

		case v1.TypeMessagesSubscribe:
			if err := g.onMessagesSubscribe(ctx, sess, env); err != nil {
				g.sendOpError(ctx, sess.client, err)
				continue readLoop
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, env, now); err != nil {
				g.sendOpError(ctx, sess.client, err)
				continue readLoop
			}

		case v1.TypeMessageEdit:
			if err := g.onMessageEdit(ctx, sess, env); err != nil {
				g.sendOpError(ctx, sess.client, err)
				continue readLoop
			}

		case v1.TypeMessageDelete:
			if err := g.onMessageDelete(ctx, sess, env); err != nil {
				g.sendOpError(ctx, sess.client, err)
				continue readLoop
			}

		default:
			g.trySendError(ctx, sess.client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	uid := strings.TrimSpace(p.UID)
	if uid == "" {
		return errors.New("missing uid")
	}

	sess.client.UID = uid
	sess.auth.SetUser(usersession.User{
		UID:         uid,
		DisplayName: p.DisplayName,
		Username:    p.Username,
		PhotoURL:    p.PhotoURL,
	})

	// Keep the profile document current on sign-in. Non-fatal: the session
	// works either way, the users collection just stays stale.
	if g.profiles != nil {
		if err := g.profiles.Upsert(ctx, social.Profile{
			UID:         uid,
			DisplayName: p.DisplayName,
			Username:    p.Username,
			PhotoURL:    p.PhotoURL,
		}); err != nil {
			g.log.Warn("ws.profile.upsert.fail", "uid", uid, "err", err)
		}
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{SessionID: sess.client.SessionID})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, sess.client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *Gateway) onConversationStart(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ConversationStartPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", messaging.ErrValidation)
	}

	other := messaging.Participant{
		UID:         strings.TrimSpace(p.UID),
		DisplayName: p.DisplayName,
		Username:    p.Username,
		AvatarURL:   p.PhotoURL,
	}

	id, err := g.convs.GetOrCreate(ctx, sess.me(), other)
	if err != nil {
		return err
	}

	startedPayload, _ := json.Marshal(v1.ConversationStartedPayload{ConversationID: id})
	started := newEnvelope(v1.TypeConversationStarted, startedPayload, time.Now().UTC())

	if !g.enqueue(ctx, sess.client, started) {
		return errors.New("backpressure: conversation_started")
	}
	return nil
}

func (g *Gateway) onConversationsSubscribe(ctx context.Context, sess *session) error {
	client := sess.client

	unsub, err := g.convs.Conversations(ctx, sess.me().UID, func(convs []messaging.Conversation) {
		views := make([]v1.ConversationView, 0, len(convs))
		for _, c := range convs {
			views = append(views, toConversationView(c))
		}
		payload, _ := json.Marshal(v1.ConversationsSnapshotPayload{Conversations: views})
		g.enqueueSnapshot(client, newEnvelope(v1.TypeConversationsSnapshot, payload, time.Now().UTC()))
	})
	if err != nil {
		return err
	}

	sess.replaceSub("conversations", unsub)
	return nil
}

func (g *Gateway) onMessagesSubscribe(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessagesSubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", messaging.ErrValidation)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return fmt.Errorf("missing conversation_id: %w", messaging.ErrValidation)
	}

	client := sess.client

	unsub, err := g.msgs.Stream(ctx, convID, func(msgs []messaging.Message) {
		views := make([]v1.MessageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, toMessageView(m))
		}
		payload, _ := json.Marshal(v1.MessagesSnapshotPayload{
			ConversationID: convID,
			Messages:       views,
		})
		g.enqueueSnapshot(client, newEnvelope(v1.TypeMessagesSnapshot, payload, time.Now().UTC()))
	})
	if err != nil {
		return err
	}

	sess.replaceSub("messages/"+convID, unsub)
	return nil
}

func (g *Gateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", messaging.ErrValidation)
	}

	opts := messaging.SendOptions{ImageURL: p.ImageURL}
	if p.ReplyTo != nil {
		opts.ReplyTo = &messaging.ReplyRef{ID: p.ReplyTo.ID, Text: p.ReplyTo.Text}
	}

	msg, err := g.msgs.Send(ctx, p.ConversationID, sess.me().UID, p.Text, opts)
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: p.ConversationID,
		MessageID:      msg.ID,
		Timestamp:      msg.Timestamp,
	})
	ack := newEnvelope(v1.TypeMessageAck, ackPayload, now)

	if !g.enqueue(ctx, sess.client, ack) {
		return errors.New("backpressure: message_ack")
	}
	return nil
}

func (g *Gateway) onMessageEdit(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageEditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", messaging.ErrValidation)
	}
	return g.msgs.Edit(ctx, p.ConversationID, p.MessageID, p.Text)
}

func (g *Gateway) onMessageDelete(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", messaging.ErrValidation)
	}
	return g.msgs.Delete(ctx, p.ConversationID, p.MessageID)
}

// ---- send helpers ----

// enqueueSnapshot delivers a live snapshot without blocking the mutating
// caller: if the client queue is full, the snapshot is dropped; the next
// mutation re-delivers a fresh one.
func (g *Gateway) enqueueSnapshot(client *Client, env v1.Envelope) {
	select {
	case <-client.Done():
	case client.Send <- env:
	default:
		g.log.Info("ws.snapshot.drop", "session_id", client.SessionID, "type", env.Type)
	}
}

func (g *Gateway) sendOpError(ctx context.Context, client *Client, err error) {
	g.trySendError(ctx, client, errCode(err), err.Error())
}

func (g *Gateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

func errCode(err error) string {
	switch {
	case errors.Is(err, messaging.ErrNotAuthenticated):
		return "not_authenticated"
	case messaging.IsNotFound(err):
		return "not_found"
	case messaging.IsValidation(err):
		return "validation"
	case store.IsTransport(err):
		return "transport"
	default:
		return "internal"
	}
}

// ---- view mapping ----

func toConversationView(c messaging.Conversation) v1.ConversationView {
	return v1.ConversationView{
		ID:                   c.ID,
		Participants:         c.Participants,
		ParticipantNames:     c.ParticipantNames,
		ParticipantAvatars:   c.ParticipantAvatars,
		ParticipantUsernames: c.ParticipantUsernames,
		LastMessage:          c.LastMessage,
		LastUpdate:           c.LastUpdate,
	}
}

func toMessageView(m messaging.Message) v1.MessageView {
	v := v1.MessageView{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		ImageURL:  m.ImageURL,
		Timestamp: m.Timestamp,
		Edited:    m.Edited,
		EditedAt:  m.EditedAt,
	}
	if m.ReplyTo != nil {
		v.ReplyTo = &v1.ReplyRefView{ID: m.ReplyTo.ID, Text: m.ReplyTo.Text}
	}
	return v
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := ids.NewULID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not
	// conn.Read. This fallback exists for robustness when error strings are
	// propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
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
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep this strict: only hosts extracted from
	// the allowlist are accepted.
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
	raw = strings.TrimSpace(raw)
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
