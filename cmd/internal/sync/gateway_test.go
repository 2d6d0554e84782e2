package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"prism/cmd/internal/messaging"
	usersession "prism/cmd/internal/session"
	"prism/cmd/internal/social"
	"prism/cmd/internal/store"
	v1 "prism/contracts/sync/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestErrCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "not authenticated", err: messaging.ErrNotAuthenticated, want: "not_authenticated"},
		{name: "wrapped not authenticated", err: fmt.Errorf("send: %w", messaging.ErrNotAuthenticated), want: "not_authenticated"},
		{name: "validation", err: fmt.Errorf("empty text: %w", messaging.ErrValidation), want: "validation"},
		{name: "not found", err: fmt.Errorf("edit x: %w", messaging.ErrNotFound), want: "not_found"},
		{name: "transport", err: &store.TransportError{Op: "store.postgres.upsert", Err: errors.New("conn refused")}, want: "transport"},
		{name: "unknown", err: errors.New("boom"), want: "internal"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := errCode(tc.err); got != tc.want {
				t.Fatalf("errCode(%v)=%q want=%q", tc.err, got, tc.want)
			}
		})
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost:3000", want: "localhost"},
		{in: "https://App.Example.com", want: "app.example.com"},
		{in: "127.0.0.1:8080", want: "127.0.0.1"},
		{in: "example.com", want: "example.com"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatternsFromAllowedOrigins(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost:3000",
		"http://localhost", // duplicate host
		"https://app.example.com",
		"*", // wildcard is not a host pattern
		"",
	})
	want := []string{"app.example.com", "localhost"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}

func TestEnforceOrigin(t *testing.T) {
	g := &Gateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://app.example.com"},
	}

	cases := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "missing origin rejected", origin: "", wantErr: true},
		{name: "exact match", origin: "http://localhost"},
		{name: "same host different port", origin: "http://localhost:3000"},
		{name: "allowed https origin", origin: "https://app.example.com"},
		{name: "unknown origin rejected", origin: "https://evil.example.com", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}

			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection: %v", err)
			}
		})
	}
}

func TestEnforceOrigin_OptionalOrigin(t *testing.T) {
	t.Parallel()

	g := &Gateway{originRequired: false, allowedOrigins: []string{"http://localhost"}}

	r := httptest.NewRequest("GET", "/ws", nil)
	if err := g.enforceOrigin(r); err != nil {
		t.Fatalf("missing origin should pass when not required: %v", err)
	}
}

func TestToMessageView(t *testing.T) {
	t.Parallel()

	edited := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	m := messaging.Message{
		ID:        "m1",
		SenderID:  "alice",
		Text:      "hi",
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Edited:    true,
		EditedAt:  &edited,
		ReplyTo:   &messaging.ReplyRef{ID: "m0", Text: "original"},
	}

	v := toMessageView(m)
	if v.ID != "m1" || v.SenderID != "alice" || !v.Edited {
		t.Fatalf("view=%+v", v)
	}
	if v.EditedAt == nil || !v.EditedAt.Equal(edited) {
		t.Fatalf("editedAt=%v", v.EditedAt)
	}
	if v.ReplyTo == nil || v.ReplyTo.ID != "m0" || v.ReplyTo.Text != "original" {
		t.Fatalf("replyTo=%+v", v.ReplyTo)
	}
}

func TestOnHello_EstablishesSessionAndPersistsProfile(t *testing.T) {
	t.Parallel()

	log := testLogger()
	st := store.NewMemoryStore(log)
	t.Cleanup(func() { _ = st.Close() })

	convs := messaging.NewManager(log, st)
	msgs := messaging.NewMessages(log, st, convs)
	g := NewGateway(log, convs, msgs, social.NewProfiles(log, st))

	sess := &session{
		client: NewClient("s1", 8),
		auth:   usersession.New(),
		subs:   make(map[string]store.Unsubscribe),
	}
	if sess.hello() {
		t.Fatalf("session identified before hello")
	}

	payload, _ := json.Marshal(v1.HelloPayload{UID: "alice", DisplayName: "Alice", Username: "alice1"})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeHello, ID: "e1", TS: time.Now().UTC(), Payload: payload}

	ctx := context.Background()
	if err := g.onHello(ctx, sess, env); err != nil {
		t.Fatalf("onHello: %v", err)
	}

	if !sess.hello() || sess.me().UID != "alice" || sess.me().DisplayName != "Alice" {
		t.Fatalf("session after hello: %+v", sess.me())
	}

	select {
	case ack := <-sess.client.Send:
		if ack.Type != v1.TypeHelloAck {
			t.Fatalf("ack type=%s", ack.Type)
		}
		var p v1.HelloAckPayload
		if err := json.Unmarshal(ack.Payload, &p); err != nil || p.SessionID != "s1" {
			t.Fatalf("ack payload=%s err=%v", ack.Payload, err)
		}
	default:
		t.Fatalf("hello_ack not enqueued")
	}

	doc, err := st.Get(ctx, "users", "alice")
	if err != nil {
		t.Fatalf("profile not persisted: %v", err)
	}
	if doc["displayName"] != "Alice" || doc["username"] != "alice1" {
		t.Fatalf("profile doc=%v", doc)
	}
}

func TestOnHello_RejectsMissingUID(t *testing.T) {
	t.Parallel()

	g := NewGateway(testLogger(), nil, nil, nil)
	sess := &session{
		client: NewClient("s1", 8),
		auth:   usersession.New(),
		subs:   make(map[string]store.Unsubscribe),
	}

	payload, _ := json.Marshal(v1.HelloPayload{UID: "   "})
	env := v1.Envelope{V: v1.Version, Type: v1.TypeHello, ID: "e1", TS: time.Now().UTC(), Payload: payload}

	if err := g.onHello(context.Background(), sess, env); err == nil {
		t.Fatalf("expected rejection")
	}
	if sess.hello() {
		t.Fatalf("session must stay unidentified")
	}
}

func TestSessionReplaceSubCancelsPrevious(t *testing.T) {
	t.Parallel()

	sess := &session{subs: make(map[string]store.Unsubscribe)}

	firstCancelled := 0
	sess.replaceSub("conversations", func() { firstCancelled++ })

	secondCancelled := 0
	sess.replaceSub("conversations", func() { secondCancelled++ })

	if firstCancelled != 1 {
		t.Fatalf("previous subscription not cancelled: %d", firstCancelled)
	}
	if secondCancelled != 0 {
		t.Fatalf("new subscription cancelled early")
	}

	sess.cancelAll()
	if secondCancelled != 1 {
		t.Fatalf("cancelAll missed live subscription: %d", secondCancelled)
	}

	// cancelAll drains the registry; a second call touches nothing.
	sess.cancelAll()
	if firstCancelled != 1 || secondCancelled != 1 {
		t.Fatalf("cancelAll not idempotent: %d %d", firstCancelled, secondCancelled)
	}
}

func TestClientCloseIsIdempotentAndSignalsDone(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 8)

	select {
	case <-c.Done():
		t.Fatalf("done closed before Close")
	default:
	}

	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatalf("done not closed after Close")
	}
}
