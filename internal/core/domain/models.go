// Package domain contains core business entities
// Following Hexagonal Architecture: These models are infrastructure-agnostic
package domain

import (
	"encoding/json"
	"time"
)

// Platform identifiers for the supported bot platforms
const (
	PlatformFeishu = "feishu"
	PlatformWeCom  = "wecom"
)

// WebhookLog represents the audit trail for incoming webhook events
type WebhookLog struct {
	ID          int64           `json:"id" db:"id"`
	Platform    string          `json:"platform" db:"platform"`         // "feishu", "wecom"
	PayloadJSON json.RawMessage `json:"payload_json" db:"payload_json"` // Raw inbound payload (decrypted for wecom)
	Status      string          `json:"status" db:"status"`             // "pending", "processed", "failed"
	RetryCount  int             `json:"retry_count" db:"retry_count"`
	ErrorLog    *string         `json:"error_log,omitempty" db:"error_log"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WebhookStatus constants for lifecycle management
const (
	WebhookStatusPending   = "pending"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// MessageType tags for the canonical message variant
const (
	MessageTypeText        = "text"
	MessageTypePost        = "post"
	MessageTypeImage       = "image"
	MessageTypeFile        = "file"
	MessageTypeAudio       = "audio"
	MessageTypeVideo       = "video"
	MessageTypeLocation    = "location"
	MessageTypeLink        = "link"
	MessageTypeEvent       = "event"
	MessageTypeInteractive = "interactive"
	MessageTypeSticker     = "sticker"
	MessageTypeShare       = "share"
	MessageTypeUnknown     = "unknown"
)

// ChatType constants
const (
	ChatTypePrivate = "p2p"
	ChatTypeGroup   = "group"
)

// CanonicalMessage is the platform-agnostic normalized representation of any
// inbound message event. Immutable once parsed: the platform adapters produce
// it, application handlers consume it.
//
// Invariant: Content always holds the variant matching MessageType (e.g.
// TextContent for "text"). Unknown platform types degrade to RawJSONContent
// or RawTextContent under MessageTypeUnknown instead of failing.
type CanonicalMessage struct {
	MessageID   string    `json:"message_id"`
	Platform    string    `json:"platform"`
	MessageType string    `json:"message_type"`
	Content     any       `json:"content"`
	SenderID    string    `json:"sender_id"`
	ChatID      string    `json:"chat_id"`
	ChatType    string    `json:"chat_type"` // "p2p" or "group"
	CreateTime  time.Time `json:"create_time"`
	Mentions    []string  `json:"mentions,omitempty"` // Ordered user ids
	RawContent  string    `json:"raw_content"`        // Original wire string
}

// Content variants. One struct per MessageType tag; every field defaults to
// its zero value when the wire payload is malformed or missing.

// TextContent is the payload of a "text" message
type TextContent struct {
	Text string `json:"text"`
}

// PostContent is the payload of a rich-text "post" message
type PostContent struct {
	Title string `json:"title"`
	Text  string `json:"text"` // Flattened plain text of all paragraphs
}

// ImageContent is the payload of an "image" message
type ImageContent struct {
	ImageKey string `json:"image_key"`
}

// FileContent is the payload of a "file" message
type FileContent struct {
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
}

// AudioContent is the payload of an "audio"/voice message
type AudioContent struct {
	FileKey     string `json:"file_key"`
	Duration    int    `json:"duration"`    // Milliseconds
	Recognition string `json:"recognition"` // Speech-to-text result, if any
}

// VideoContent is the payload of a "video"/media message
type VideoContent struct {
	FileKey  string `json:"file_key"`
	ImageKey string `json:"image_key"` // Cover thumbnail
	Duration int    `json:"duration"`
}

// LocationContent is the payload of a "location" message
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
}

// LinkContent is the payload of a "link" message
type LinkContent struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// EventContent is the payload of a platform "event" notification
type EventContent struct {
	Event   string `json:"event"`
	AgentID string `json:"agent_id,omitempty"`
}

// InteractiveContent is the payload of a card interaction callback
type InteractiveContent struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// StickerContent is the payload of a "sticker" message
type StickerContent struct {
	FileKey string `json:"file_key"`
}

// ShareContent is the payload of a shared chat/user card
type ShareContent struct {
	ChatID string `json:"chat_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// RawJSONContent wraps an unrecognized payload that still decoded as JSON
type RawJSONContent struct {
	Fields map[string]any `json:"fields"`
}

// RawTextContent wraps an unrecognized payload that is not valid JSON
type RawTextContent struct {
	Text string `json:"text"`
}
