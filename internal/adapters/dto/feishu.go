// Package dto contains data transfer objects for the platform wire formats
// Separating DTOs from handlers prevents import cycles
package dto

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"botbridge/internal/core/domain"
)

// FeishuEventType values this gateway routes on
const (
	FeishuEventMessageReceive = "im.message.receive_v1"
)

// FeishuWebhookRequest is the top-level webhook payload from Feishu.
// Two shapes share the endpoint: the one-time URL verification handshake
// (Type == "url_verification") and schema-2.0 event callbacks.
type FeishuWebhookRequest struct {
	// URL verification handshake fields
	Type      string `json:"type,omitempty"`
	Token     string `json:"token,omitempty"`
	Challenge string `json:"challenge,omitempty"`

	// Event callback fields
	Schema string            `json:"schema,omitempty"`
	Header FeishuEventHeader `json:"header,omitempty"`
	Event  json.RawMessage   `json:"event,omitempty"`
}

// IsURLVerification reports whether this payload is the registration handshake
func (r *FeishuWebhookRequest) IsURLVerification() bool {
	return r.Type == "url_verification"
}

// VerificationToken returns the static token for whichever shape carried it
func (r *FeishuWebhookRequest) VerificationToken() string {
	if r.Token != "" {
		return r.Token
	}
	return r.Header.Token
}

// FeishuEventHeader is the schema-2.0 event metadata block
type FeishuEventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

// FeishuMessageEvent is the im.message.receive_v1 event body
type FeishuMessageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID  string `json:"open_id"`
			UserID  string `json:"user_id"`
			UnionID string `json:"union_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string          `json:"message_id"`
		RootID      string          `json:"root_id"`
		ParentID    string          `json:"parent_id"`
		CreateTime  string          `json:"create_time"` // Unix milliseconds as string
		ChatID      string          `json:"chat_id"`
		ChatType    string          `json:"chat_type"` // "p2p" or "group"
		MessageType string          `json:"message_type"`
		Content     string          `json:"content"` // JSON string, shape keyed by MessageType
		Mentions    []FeishuMention `json:"mentions"`
	} `json:"message"`
}

// FeishuMention is one @-mention inside a message
type FeishuMention struct {
	Key string `json:"key"`
	ID  struct {
		OpenID  string `json:"open_id"`
		UserID  string `json:"user_id"`
		UnionID string `json:"union_id"`
	} `json:"id"`
	Name string `json:"name"`
}

// ============================================================================
// Content parsing
// ============================================================================

// ParseFeishuContent normalizes a platform content string into the canonical
// variant for its message-type tag. These parsers run on untrusted,
// externally-delivered payloads: malformed or missing content never errors,
// every absent field defaults to its zero value. Unknown tags attempt a
// generic JSON decode and fall back to the raw string verbatim.
func ParseFeishuContent(messageType, content string) (tag string, parsed any) {
	switch messageType {
	case "text":
		var c domain.TextContent
		_ = json.Unmarshal([]byte(content), &c)
		return domain.MessageTypeText, c

	case "post":
		return domain.MessageTypePost, parseFeishuPost(content)

	case "image":
		var c domain.ImageContent
		_ = json.Unmarshal([]byte(content), &c)
		return domain.MessageTypeImage, c

	case "file":
		var c domain.FileContent
		_ = json.Unmarshal([]byte(content), &c)
		return domain.MessageTypeFile, c

	case "audio":
		var c domain.AudioContent
		_ = json.Unmarshal([]byte(content), &c)
		return domain.MessageTypeAudio, c

	case "media", "video":
		var c domain.VideoContent
		_ = json.Unmarshal([]byte(content), &c)
		return domain.MessageTypeVideo, c

	case "location":
		var raw struct {
			Latitude  string `json:"latitude"`
			Longitude string `json:"longitude"`
			Name      string `json:"name"`
		}
		_ = json.Unmarshal([]byte(content), &raw)
		lat, _ := strconv.ParseFloat(raw.Latitude, 64)
		lng, _ := strconv.ParseFloat(raw.Longitude, 64)
		return domain.MessageTypeLocation, domain.LocationContent{
			Latitude:  lat,
			Longitude: lng,
			Name:      raw.Name,
		}

	case "sticker":
		var c domain.StickerContent
		_ = json.Unmarshal([]byte(content), &c)
		return domain.MessageTypeSticker, c

	case "share_chat":
		var raw struct {
			ChatID string `json:"chat_id"`
		}
		_ = json.Unmarshal([]byte(content), &raw)
		return domain.MessageTypeShare, domain.ShareContent{ChatID: raw.ChatID}

	case "share_user":
		var raw struct {
			UserID string `json:"user_id"`
		}
		_ = json.Unmarshal([]byte(content), &raw)
		return domain.MessageTypeShare, domain.ShareContent{UserID: raw.UserID}

	case "interactive":
		var raw struct {
			Title string `json:"title"`
			Text  string `json:"text"`
		}
		_ = json.Unmarshal([]byte(content), &raw)
		return domain.MessageTypeInteractive, domain.InteractiveContent{Title: raw.Title, Text: raw.Text}

	default:
		var fields map[string]any
		if err := json.Unmarshal([]byte(content), &fields); err == nil {
			return domain.MessageTypeUnknown, domain.RawJSONContent{Fields: fields}
		}
		return domain.MessageTypeUnknown, domain.RawTextContent{Text: content}
	}
}

// parseFeishuPost flattens the rich-text post shape: a title plus a list of
// paragraphs, each a list of tagged runs.
func parseFeishuPost(content string) domain.PostContent {
	var raw struct {
		Title   string `json:"title"`
		Content [][]struct {
			Tag  string `json:"tag"`
			Text string `json:"text"`
			Href string `json:"href"`
		} `json:"content"`
	}
	_ = json.Unmarshal([]byte(content), &raw)

	var b strings.Builder
	for i, paragraph := range raw.Content {
		if i > 0 {
			b.WriteString("\n")
		}
		for _, run := range paragraph {
			b.WriteString(run.Text)
		}
	}
	return domain.PostContent{Title: raw.Title, Text: b.String()}
}

// ExtractFeishuMentions walks the mentions list in order, returning open ids
// and silently skipping entries that lack one.
func ExtractFeishuMentions(mentions []FeishuMention) []string {
	var ids []string
	for _, m := range mentions {
		if m.ID.OpenID == "" {
			continue
		}
		ids = append(ids, m.ID.OpenID)
	}
	return ids
}

// ToCanonicalMessage converts an im.message.receive_v1 event into the
// platform-agnostic record
func (e *FeishuMessageEvent) ToCanonicalMessage() *domain.CanonicalMessage {
	tag, content := ParseFeishuContent(e.Message.MessageType, e.Message.Content)

	ms, _ := strconv.ParseInt(e.Message.CreateTime, 10, 64)
	if ms > 1e12 { // milliseconds when large enough, seconds otherwise
		ms = ms / 1000
	}

	return &domain.CanonicalMessage{
		MessageID:   e.Message.MessageID,
		Platform:    domain.PlatformFeishu,
		MessageType: tag,
		Content:     content,
		SenderID:    e.Sender.SenderID.OpenID,
		ChatID:      e.Message.ChatID,
		ChatType:    normalizeFeishuChatType(e.Message.ChatType),
		CreateTime:  time.Unix(ms, 0),
		Mentions:    ExtractFeishuMentions(e.Message.Mentions),
		RawContent:  e.Message.Content,
	}
}

// GenericFeishuEvent converts any non-message event callback into a canonical
// event record so handlers registered for its event type still fire. The
// event body keeps its raw shape: decoded JSON fields when possible, the
// verbatim string otherwise.
func GenericFeishuEvent(header FeishuEventHeader, event json.RawMessage) *domain.CanonicalMessage {
	var content any
	var fields map[string]any
	if err := json.Unmarshal(event, &fields); err == nil {
		content = domain.RawJSONContent{Fields: fields}
	} else {
		content = domain.RawTextContent{Text: string(event)}
	}

	ms, _ := strconv.ParseInt(header.CreateTime, 10, 64)
	if ms > 1e12 {
		ms = ms / 1000
	}

	return &domain.CanonicalMessage{
		MessageID:   header.EventID,
		Platform:    domain.PlatformFeishu,
		MessageType: domain.MessageTypeEvent,
		Content:     content,
		CreateTime:  time.Unix(ms, 0),
		RawContent:  string(event),
	}
}

func normalizeFeishuChatType(chatType string) string {
	if chatType == "group" {
		return domain.ChatTypeGroup
	}
	return domain.ChatTypePrivate
}
