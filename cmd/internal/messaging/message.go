package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"prism/cmd/internal/store"
)

// ReplyRef links a message to the one it replies to, with a text snapshot so
// the reference renders even after the original is edited or deleted.
type ReplyRef struct {
	ID   string
	Text string
}

// Message is one entry of a per-conversation ordered log.
//
// Lifecycle: Sent -> {Edited}* -> Deleted (terminal). Edit never moves the
// message: Timestamp is assigned once at send.
type Message struct {
	ID        string
	SenderID  string
	Text      string
	ImageURL  string
	Timestamp time.Time
	Edited    bool
	EditedAt  *time.Time
	ReplyTo   *ReplyRef
}

// SendOptions carries the optional parts of a send.
type SendOptions struct {
	ImageURL string
	ReplyTo  *ReplyRef
}

// Messages implements message CRUD and live streams for conversations.
type Messages struct {
	log   *slog.Logger
	store store.Store
	convs *Manager
}

// NewMessages constructs the message service. convs receives the
// preview/timestamp touch after every successful send.
func NewMessages(log *slog.Logger, st store.Store, convs *Manager) *Messages {
	if log == nil {
		log = slog.Default()
	}
	return &Messages{log: log, store: st, convs: convs}
}

// Send validates, persists and announces a new message, then refreshes the
// conversation preview. A failed touch is non-fatal: the preview goes stale
// and self-heals on the next send.
func (s *Messages) Send(ctx context.Context, conversationID, senderID, text string, opts SendOptions) (Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Message{}, fmt.Errorf("empty conversation id: %w", ErrValidation)
	}
	if strings.TrimSpace(senderID) == "" {
		return Message{}, ErrNotAuthenticated
	}

	text = strings.TrimSpace(text)
	if text == "" && opts.ImageURL == "" {
		return Message{}, fmt.Errorf("empty text without attachment: %w", ErrValidation)
	}
	if len([]rune(text)) > maxMessageChars {
		return Message{}, fmt.Errorf("message too long: max=%d chars: %w", maxMessageChars, ErrValidation)
	}

	now := time.Now().UTC()

	fields := store.Document{
		"senderId":  senderID,
		"text":      text,
		"timestamp": store.FormatTime(now),
		"edited":    false,
	}
	if opts.ImageURL != "" {
		fields["imageUrl"] = opts.ImageURL
	}
	if opts.ReplyTo != nil {
		fields["replyTo"] = map[string]any{
			"id":   opts.ReplyTo.ID,
			"text": opts.ReplyTo.Text,
		}
	}

	id, err := s.store.Insert(ctx, messagesCollection(conversationID), fields)
	if err != nil {
		return Message{}, err
	}

	preview := text
	if preview == "" {
		preview = "Shared an image"
	}
	if err := s.convs.Touch(ctx, conversationID, preview, now); err != nil {
		// No transactional guarantee across message and conversation;
		// a stale preview is acceptable.
		s.log.Warn("message.touch_fail", "conversation_id", conversationID, "err", err)
	}

	s.log.Info("message.sent", "conversation_id", conversationID, "message_id", id)

	msg := Message{
		ID:        id,
		SenderID:  senderID,
		Text:      text,
		ImageURL:  opts.ImageURL,
		Timestamp: now,
	}
	if opts.ReplyTo != nil {
		r := *opts.ReplyTo
		msg.ReplyTo = &r
	}
	return msg, nil
}

// Edit replaces the message text and marks it edited. The send timestamp and
// ordering position are untouched; the reply target cannot be changed.
// A missing target surfaces ErrNotFound: an edit must never silently succeed.
func (s *Messages) Edit(ctx context.Context, conversationID, messageID, newText string) error {
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("empty id: %w", ErrValidation)
	}

	newText = strings.TrimSpace(newText)
	if newText == "" {
		return fmt.Errorf("empty text: %w", ErrValidation)
	}
	if len([]rune(newText)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars: %w", maxMessageChars, ErrValidation)
	}

	collection := messagesCollection(conversationID)

	// The local adapter ignores missing ids on Mutate, so existence is
	// checked explicitly to keep edit semantics identical across backends.
	if _, err := s.store.Get(ctx, collection, messageID); err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("edit %s: %w", messageID, ErrNotFound)
		}
		return err
	}

	err := s.store.Mutate(ctx, collection, messageID, []store.Update{
		store.Set("text", newText),
		store.Set("edited", true),
		store.Set("editedAt", store.FormatTime(time.Now())),
	})
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("edit %s: %w", messageID, ErrNotFound)
		}
		return err
	}

	s.log.Info("message.edited", "conversation_id", conversationID, "message_id", messageID)
	return nil
}

// Delete removes the message. Deleting an already-deleted message is a
// harmless no-op: the UI's second delete click must not crash.
func (s *Messages) Delete(ctx context.Context, conversationID, messageID string) error {
	conversationID = strings.TrimSpace(conversationID)
	messageID = strings.TrimSpace(messageID)
	if conversationID == "" || messageID == "" {
		return fmt.Errorf("empty id: %w", ErrValidation)
	}

	err := s.store.Remove(ctx, messagesCollection(conversationID), messageID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil
		}
		return err
	}

	s.log.Info("message.deleted", "conversation_id", conversationID, "message_id", messageID)
	return nil
}

// Stream delivers the full message log ascending by timestamp, again on every
// send/edit/delete in the conversation. Whole snapshots, never deltas.
func (s *Messages) Stream(ctx context.Context, conversationID string, fn func([]Message)) (store.Unsubscribe, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("empty conversation id: %w", ErrValidation)
	}
	if fn == nil {
		return nil, fmt.Errorf("nil callback: %w", ErrValidation)
	}

	q := store.Query{
		Collection: messagesCollection(conversationID),
		OrderBy:    "timestamp",
	}

	return s.store.Subscribe(ctx, q, func(docs []store.Document) {
		out := make([]Message, 0, len(docs))
		for _, d := range docs {
			out = append(out, docToMessage(d))
		}
		fn(out)
	})
}

func docToMessage(d store.Document) Message {
	m := Message{ID: d.ID()}
	m.SenderID, _ = d["senderId"].(string)
	m.Text, _ = d["text"].(string)
	m.ImageURL, _ = d["imageUrl"].(string)
	m.Edited, _ = d["edited"].(bool)

	if s, ok := d["timestamp"].(string); ok {
		if t, err := store.ParseTime(s); err == nil {
			m.Timestamp = t
		}
	}
	if s, ok := d["editedAt"].(string); ok {
		if t, err := store.ParseTime(s); err == nil {
			m.EditedAt = &t
		}
	}
	if r, ok := d["replyTo"].(map[string]any); ok {
		ref := ReplyRef{}
		ref.ID, _ = r["id"].(string)
		ref.Text, _ = r["text"].(string)
		m.ReplyTo = &ref
	}
	return m
}
