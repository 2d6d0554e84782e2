// Package v1 defines the Prism sync protocol contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol
// authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the session handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeConversationStart upserts the conversation with another user
	// (client -> server).
	TypeConversationStart = "conversation_start"
	// TypeConversationStarted returns the canonical conversation id
	// (server -> client).
	TypeConversationStarted = "conversation_started"

	// TypeConversationsSubscribe opens the live conversation-list stream
	// for the session user (client -> server).
	TypeConversationsSubscribe = "conversations_subscribe"
	// TypeConversationsSnapshot delivers the full ordered conversation
	// list (server -> client, repeated).
	TypeConversationsSnapshot = "conversations_snapshot"

	// TypeMessagesSubscribe opens the live message stream of one
	// conversation (client -> server).
	TypeMessagesSubscribe = "messages_subscribe"
	// TypeMessagesSnapshot delivers the full ordered message log
	// (server -> client, repeated).
	TypeMessagesSnapshot = "messages_snapshot"

	// TypeMessageSend requests sending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageEdit requests an in-place text edit (client -> server).
	TypeMessageEdit = "message_edit"
	// TypeMessageDelete requests a hard delete (client -> server).
	TypeMessageDelete = "message_delete"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:                  {},
	TypeHelloAck:               {},
	TypeConversationStart:      {},
	TypeConversationStarted:    {},
	TypeConversationsSubscribe: {},
	TypeConversationsSnapshot:  {},
	TypeMessagesSubscribe:      {},
	TypeMessagesSnapshot:       {},
	TypeMessageSend:            {},
	TypeMessageAck:             {},
	TypeMessageEdit:            {},
	TypeMessageDelete:          {},
	TypeError:                  {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks wire-level envelope invariants.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%s want=%s", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload identifies the session user. Identity verification belongs to
// the external session provider; this layer only carries it.
type HelloPayload struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// HelloAckPayload confirms the handshake.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// ConversationStartPayload names the other participant.
type ConversationStartPayload struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name,omitempty"`
	Username    string `json:"username,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// ConversationStartedPayload returns the canonical pair id.
type ConversationStartedPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationsSubscribePayload opens the conversation-list stream.
// The scope user is the session user; the payload is empty by design.
type ConversationsSubscribePayload struct{}

// ConversationView is one conversation-list entry.
type ConversationView struct {
	ID                   string            `json:"id"`
	Participants         []string          `json:"participants"`
	ParticipantNames     map[string]string `json:"participant_names,omitempty"`
	ParticipantAvatars   map[string]string `json:"participant_avatars,omitempty"`
	ParticipantUsernames map[string]string `json:"participant_usernames,omitempty"`
	LastMessage          string            `json:"last_message,omitempty"`
	LastUpdate           time.Time         `json:"last_update"`
}

// ConversationsSnapshotPayload is the full ordered conversation list.
type ConversationsSnapshotPayload struct {
	Conversations []ConversationView `json:"conversations"`
}

// MessagesSubscribePayload opens one conversation's message stream.
type MessagesSubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// ReplyRefView references the replied-to message with a text snapshot.
type ReplyRefView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// MessageView is one message-log entry.
type MessageView struct {
	ID        string        `json:"id"`
	SenderID  string        `json:"sender_id"`
	Text      string        `json:"text"`
	ImageURL  string        `json:"image_url,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Edited    bool          `json:"edited,omitempty"`
	EditedAt  *time.Time    `json:"edited_at,omitempty"`
	ReplyTo   *ReplyRefView `json:"reply_to,omitempty"`
}

// MessagesSnapshotPayload is the full ordered message log.
type MessagesSnapshotPayload struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
}

// MessageSendPayload requests a send.
type MessageSendPayload struct {
	ConversationID string        `json:"conversation_id"`
	Text           string        `json:"text"`
	ImageURL       string        `json:"image_url,omitempty"`
	ReplyTo        *ReplyRefView `json:"reply_to,omitempty"`
}

// MessageAckPayload confirms a send.
type MessageAckPayload struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// MessageEditPayload requests an in-place edit.
type MessageEditPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Text           string `json:"text"`
}

// MessageDeletePayload requests a hard delete.
type MessageDeletePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ErrorPayload carries a machine-readable code and a human message.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
