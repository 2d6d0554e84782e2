package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"prism/cmd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore(testLogger())
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(testLogger(), st), st
}

func TestPairID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		a, b    string
		want    string
		wantErr bool
	}{
		{name: "ordered", a: "alice", b: "bob", want: "alice_bob"},
		{name: "reversed", a: "bob", b: "alice", want: "alice_bob"},
		{name: "trims whitespace", a: " alice ", b: "bob", want: "alice_bob"},
		{name: "self", a: "alice", b: "alice", wantErr: true},
		{name: "empty first", a: "", b: "bob", wantErr: true},
		{name: "empty second", a: "alice", b: "  ", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := PairID(tc.a, tc.b)
			if tc.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("PairID: %v", err)
			}
			if got != tc.want {
				t.Fatalf("PairID(%q,%q)=%q want=%q", tc.a, tc.b, got, tc.want)
			}
		})
	}
}

func TestPairID_Symmetric(t *testing.T) {
	t.Parallel()

	ab, err := PairID("u1", "u2")
	if err != nil {
		t.Fatalf("PairID: %v", err)
	}
	ba, err := PairID("u2", "u1")
	if err != nil {
		t.Fatalf("PairID: %v", err)
	}
	if ab != ba {
		t.Fatalf("PairID not symmetric: %q vs %q", ab, ba)
	}
}

func TestManager_GetOrCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	m, st := newTestManager(t)
	ctx := context.Background()

	alice := Participant{UID: "alice", DisplayName: "Alice", Username: "alice1", AvatarURL: "https://cdn/a.png"}
	bob := Participant{UID: "bob", DisplayName: "Bob", Username: "bob1"}

	id1, err := m.GetOrCreate(ctx, alice, bob)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	// Same pair from the other side converges on one document.
	id2, err := m.GetOrCreate(ctx, bob, alice)
	if err != nil {
		t.Fatalf("GetOrCreate reversed: %v", err)
	}
	if id1 != id2 || id1 != "alice_bob" {
		t.Fatalf("ids: %q %q", id1, id2)
	}

	doc, err := st.Get(ctx, "conversations", id1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	participants, _ := doc["participants"].([]any)
	if len(participants) != 2 || participants[0] != "alice" || participants[1] != "bob" {
		t.Fatalf("participants=%v", participants)
	}
	names, _ := doc["participantNames"].(map[string]any)
	if names["alice"] != "Alice" || names["bob"] != "Bob" {
		t.Fatalf("participantNames=%v", names)
	}
}

func TestManager_GetOrCreateRejectsSelf(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	_, err := m.GetOrCreate(context.Background(), Participant{UID: "alice"}, Participant{UID: "alice"})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestManager_ConversationsOrderedByLastUpdateDesc(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	alice := Participant{UID: "alice", DisplayName: "Alice"}
	for _, other := range []Participant{
		{UID: "bob", DisplayName: "Bob"},
		{UID: "carol", DisplayName: "Carol"},
		{UID: "dave", DisplayName: "Dave"},
	} {
		if _, err := m.GetOrCreate(ctx, alice, other); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", other.UID, err)
		}
	}

	// A conversation alice is not part of must stay invisible to her.
	if _, err := m.GetOrCreate(ctx, Participant{UID: "bob"}, Participant{UID: "carol"}); err != nil {
		t.Fatalf("GetOrCreate(bob,carol): %v", err)
	}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	touches := []struct {
		id string
		at time.Time
	}{
		{"alice_bob", base.Add(1 * time.Minute)},
		{"alice_dave", base.Add(3 * time.Minute)},
		{"alice_carol", base.Add(2 * time.Minute)},
	}
	for _, tc := range touches {
		if err := m.Touch(ctx, tc.id, "preview", tc.at); err != nil {
			t.Fatalf("Touch(%s): %v", tc.id, err)
		}
	}

	var last []Conversation
	unsub, err := m.Conversations(ctx, "alice", func(convs []Conversation) { last = convs })
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	defer unsub()

	gotIDs := make([]string, 0, len(last))
	for _, c := range last {
		gotIDs = append(gotIDs, c.ID)
	}
	want := []string{"alice_dave", "alice_carol", "alice_bob"}
	if len(gotIDs) != len(want) {
		t.Fatalf("ids=%v want=%v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("ids=%v want=%v", gotIDs, want)
		}
	}
}

func TestManager_ConversationsStreamFollowsMutations(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	var snapshots int
	var last []Conversation
	unsub, err := m.Conversations(ctx, "alice", func(convs []Conversation) {
		snapshots++
		last = convs
	})
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	defer unsub()

	if snapshots != 1 || len(last) != 0 {
		t.Fatalf("initial: snapshots=%d last=%v", snapshots, last)
	}

	if _, err := m.GetOrCreate(ctx, Participant{UID: "alice", DisplayName: "Alice"}, Participant{UID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if len(last) != 1 || last[0].ID != "alice_bob" {
		t.Fatalf("after create: %v", last)
	}
	if last[0].ParticipantNames["bob"] != "Bob" {
		t.Fatalf("names=%v", last[0].ParticipantNames)
	}
}

func TestManager_ConversationSingleDocStream(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	var got *Conversation
	calls := 0
	unsub, err := m.Conversation(ctx, "alice_bob", func(c *Conversation) {
		calls++
		got = c
	})
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	defer unsub()

	if calls != 1 || got != nil {
		t.Fatalf("expected initial nil delivery, calls=%d got=%v", calls, got)
	}

	if _, err := m.GetOrCreate(ctx, Participant{UID: "alice"}, Participant{UID: "bob"}); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	if got == nil || got.ID != "alice_bob" {
		t.Fatalf("after create: %v", got)
	}
}

func TestManager_TouchValidatesID(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	if err := m.Touch(context.Background(), "  ", "x", time.Now()); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
