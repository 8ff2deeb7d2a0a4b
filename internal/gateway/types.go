package gateway

import (
	"context"
	"time"
)

// PlatformAdapter connects one chat platform to the relay.
type PlatformAdapter interface {
	Platform() string
	Connect(ctx context.Context) error
	// Send posts a message and returns the platform's id for it.
	Send(ctx context.Context, msg *OutboundMessage) (string, error)
	OnMessage(handler MessageHandler)
	Broadcast(ctx context.Context, msg *BroadcastMessage) error
	Close() error
}

// Editor is implemented by adapters whose platform can change or remove
// posted messages.
type Editor interface {
	Update(ctx context.Context, channelID, messageID, content string) error
	Delete(ctx context.Context, channelID, messageID string) error
}

// MessageHandler processes inbound messages from any platform.
type MessageHandler func(ctx context.Context, msg *InboundMessage)

// InboundMessage is a normalized message from any platform.
type InboundMessage struct {
	Platform  string    `json:"platform"`
	ChannelID string    `json:"channel_id"`
	MessageID string    `json:"message_id,omitempty"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ReplyTo   string    `json:"reply_to,omitempty"`
}

// OutboundMessage is a message sent to a specific platform channel.
type OutboundMessage struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	SkillID   string `json:"skill_id,omitempty"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// BroadcastType categorizes broadcast messages.
type BroadcastType string

const (
	BroadcastAnnouncement BroadcastType = "announcement"
	BroadcastHandoff      BroadcastType = "handoff"
)

// BroadcastMessage is sent to multiple platforms simultaneously.
type BroadcastMessage struct {
	Type      BroadcastType `json:"type"`
	Title     string        `json:"title"`
	Content   string        `json:"content"`
	SkillID   string        `json:"skill_id,omitempty"`
	Platforms []string      `json:"platforms,omitempty"`
}

// Persona defines how a skill appears on a platform.
type Persona struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url"`
	Emoji   string `json:"emoji"` // fallback if no icon_url, e.g. ":robot_face:"
}

// AdapterStatus reports the connection state of an adapter.
type AdapterStatus struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Details     string     `json:"details,omitempty"`
}

// StatusReporter is implemented by adapters that track their connection.
type StatusReporter interface {
	Status() AdapterStatus
}
