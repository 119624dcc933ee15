package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Platform identifies the external messaging surface behind a channel.
type Platform string

const (
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformMessenger Platform = "messenger"
	PlatformInstagram Platform = "instagram"
)

func (p Platform) Valid() bool {
	switch p {
	case PlatformWhatsApp, PlatformMessenger, PlatformInstagram:
		return true
	}
	return false
}

// ChannelStatus is the persisted connection status of a channel.
type ChannelStatus string

const (
	ChannelPending      ChannelStatus = "pending"
	ChannelActive       ChannelStatus = "active"
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelError        ChannelStatus = "error"
)

// ConversationStatus is the agent-facing lifecycle of a thread.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationPending  ConversationStatus = "pending"
	ConversationResolved ConversationStatus = "resolved"
	ConversationArchived ConversationStatus = "archived"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationPending, ConversationResolved, ConversationArchived:
		return true
	}
	return false
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Channel is a connected external messaging surface.
type Channel struct {
	ID           string        `db:"id" json:"id"`
	Platform     Platform      `db:"platform" json:"platform"`
	ExternalID   *string       `db:"external_id" json:"externalId,omitempty"`
	Name         string        `db:"name" json:"name"`
	SessionData  JSONMap       `db:"session_data" json:"-"`
	Status       ChannelStatus `db:"status" json:"status"`
	LastActiveAt *time.Time    `db:"last_active_at" json:"lastActiveAt,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updatedAt"`
}

// Conversation is one thread between a channel and a single external contact.
type Conversation struct {
	ID              string             `db:"id" json:"id"`
	ChannelID       string             `db:"channel_id" json:"channelId"`
	ContactID       string             `db:"contact_id" json:"contactId"`
	ContactName     string             `db:"contact_name" json:"contactName"`
	ContactAvatar   string             `db:"contact_avatar" json:"contactAvatar,omitempty"`
	Status          ConversationStatus `db:"status" json:"status"`
	AssignedAgentID *string            `db:"assigned_agent_id" json:"assignedAgentId,omitempty"`
	UnreadCount     int                `db:"unread_count" json:"unreadCount"`
	LastMessage     string             `db:"last_message" json:"lastMessage"`
	LastMessageAt   *time.Time         `db:"last_message_at" json:"lastMessageAt,omitempty"`
	Labels          StringList         `db:"labels" json:"labels"`
	Notes           string             `db:"notes" json:"notes"`
	Metadata        JSONMap            `db:"metadata" json:"metadata"`
	CreatedAt       time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updatedAt"`
}

// Message is one unit of communication within a conversation.
type Message struct {
	ID             string        `db:"id" json:"id"`
	ConversationID string        `db:"conversation_id" json:"conversationId"`
	Direction      Direction     `db:"direction" json:"direction"`
	Body           string        `db:"body" json:"body"`
	ContentType    ContentType   `db:"content_type" json:"contentType"`
	MediaRef       *string       `db:"media_ref" json:"mediaRef,omitempty"`
	Status         MessageStatus `db:"status" json:"status"`
	AgentID        *string       `db:"agent_id" json:"agentId,omitempty"`
	ExternalID     *string       `db:"external_id" json:"externalId,omitempty"`
	Metadata       JSONMap       `db:"metadata" json:"metadata"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
}

// ContactMeta carries the platform-provided display data for a contact.
type ContactMeta struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// StrPtr returns nil for empty strings.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// JSONMap is a free-form object stored as JSON text.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *JSONMap) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil {
		return fmt.Errorf("scanning JSONMap: %w", err)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding JSONMap: %w", err)
	}
	*m = out
	return nil
}

// StringList is an ordered list of strings stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil {
		return fmt.Errorf("scanning StringList: %w", err)
	}
	if len(raw) == 0 {
		*l = StringList{}
		return nil
	}
	out := StringList{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decoding StringList: %w", err)
	}
	*l = out
	return nil
}

func scanText(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", src)
	}
}

var (
	_ sql.Scanner   = (*JSONMap)(nil)
	_ driver.Valuer = JSONMap(nil)
	_ sql.Scanner   = (*StringList)(nil)
	_ driver.Valuer = StringList(nil)
)
