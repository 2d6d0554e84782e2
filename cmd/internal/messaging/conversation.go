// Package messaging implements Prism's two-party conversation and message
// core on top of the store adapter contract.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"prism/cmd/internal/store"
)

const conversationsCollection = "conversations"

// messagesCollection returns the per-conversation message log collection.
func messagesCollection(conversationID string) string {
	return conversationsCollection + "/" + conversationID + "/messages"
}

// Participant carries the display metadata cached on a conversation so lists
// render without a profile lookup per row.
type Participant struct {
	UID         string
	DisplayName string
	Username    string
	AvatarURL   string
}

// Conversation is a two-party thread. Shared by both participants; metadata
// fields are last-writer-wins.
type Conversation struct {
	ID                   string
	Participants         []string
	ParticipantNames     map[string]string
	ParticipantAvatars   map[string]string
	ParticipantUsernames map[string]string
	LastMessage          string
	LastUpdate           time.Time
}

// PairID derives the canonical conversation id for two participants: ids
// sorted lexicographically, joined by an underscore. PairID(a,b) == PairID(b,a).
// Equal or empty ids are rejected; a self-conversation is not a supported state.
func PairID(a, b string) (string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", fmt.Errorf("empty participant id: %w", ErrValidation)
	}
	if a == b {
		return "", fmt.Errorf("self-conversation: %w", ErrValidation)
	}
	if a > b {
		a, b = b, a
	}
	return a + pairSeparator + b, nil
}

// Manager derives conversation identity and maintains conversation metadata.
type Manager struct {
	log   *slog.Logger
	store store.Store
}

// NewManager constructs a conversation manager over st.
func NewManager(log *slog.Logger, st store.Store) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, store: st}
}

// GetOrCreate upserts the conversation for the unordered pair (me, other):
// participant set plus display caches for both sides in one merge write.
// Safe to call repeatedly; at most one conversation document exists per pair.
func (m *Manager) GetOrCreate(ctx context.Context, me, other Participant) (string, error) {
	id, err := PairID(me.UID, other.UID)
	if err != nil {
		return "", err
	}

	participants := []any{me.UID, other.UID}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].(string) < participants[j].(string)
	})

	fields := store.Document{
		"participants": participants,
		"participantNames": map[string]any{
			me.UID:    me.DisplayName,
			other.UID: other.DisplayName,
		},
		"participantAvatars": map[string]any{
			me.UID:    me.AvatarURL,
			other.UID: other.AvatarURL,
		},
		"participantUsernames": map[string]any{
			me.UID:    me.Username,
			other.UID: other.Username,
		},
		"lastUpdate": store.FormatTime(time.Now()),
	}

	if err := m.store.Upsert(ctx, conversationsCollection, id, fields); err != nil {
		return "", err
	}

	m.log.Info("conversation.upsert", "conversation_id", id)
	return id, nil
}

// Touch refreshes the conversation preview and lastUpdate timestamp.
// Called after every successful message send.
func (m *Manager) Touch(ctx context.Context, conversationID, preview string, at time.Time) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("empty conversation id: %w", ErrValidation)
	}
	if at.IsZero() {
		at = time.Now()
	}

	return m.store.Upsert(ctx, conversationsCollection, conversationID, store.Document{
		"lastMessage": preview,
		"lastUpdate":  store.FormatTime(at),
	})
}

// Conversations streams the live conversation list for uid, ordered by
// lastUpdate descending, re-delivering the full ordered snapshot on every
// relevant mutation.
func (m *Manager) Conversations(ctx context.Context, uid string, fn func([]Conversation)) (store.Unsubscribe, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return nil, fmt.Errorf("empty user id: %w", ErrValidation)
	}
	if fn == nil {
		return nil, fmt.Errorf("nil callback: %w", ErrValidation)
	}

	q := store.Query{
		Collection: conversationsCollection,
		OrderBy:    "lastUpdate",
		Descending: true,
	}.WhereContains("participants", uid)

	return m.store.Subscribe(ctx, q, func(docs []store.Document) {
		out := make([]Conversation, 0, len(docs))
		for _, d := range docs {
			out = append(out, docToConversation(d))
		}
		fn(out)
	})
}

// Conversation streams a single conversation document; fn receives nil when
// the conversation does not exist.
func (m *Manager) Conversation(ctx context.Context, conversationID string, fn func(*Conversation)) (store.Unsubscribe, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("empty conversation id: %w", ErrValidation)
	}
	if fn == nil {
		return nil, fmt.Errorf("nil callback: %w", ErrValidation)
	}

	q := store.Query{Collection: conversationsCollection}.Where("id", conversationID)

	return m.store.Subscribe(ctx, q, func(docs []store.Document) {
		if len(docs) == 0 {
			fn(nil)
			return
		}
		c := docToConversation(docs[0])
		fn(&c)
	})
}

func docToConversation(d store.Document) Conversation {
	c := Conversation{
		ID:                   d.ID(),
		ParticipantNames:     stringMap(d["participantNames"]),
		ParticipantAvatars:   stringMap(d["participantAvatars"]),
		ParticipantUsernames: stringMap(d["participantUsernames"]),
	}
	c.LastMessage, _ = d["lastMessage"].(string)
	if arr, ok := d["participants"].([]any); ok {
		for _, e := range arr {
			if s, ok := e.(string); ok {
				c.Participants = append(c.Participants, s)
			}
		}
	}
	if s, ok := d["lastUpdate"].(string); ok {
		if t, err := store.ParseTime(s); err == nil {
			c.LastUpdate = t
		}
	}
	return c
}

func stringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, e := range m {
		if s, ok := e.(string); ok {
			out[k] = s
		}
	}
	return out
}
