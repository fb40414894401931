package dto

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"botbridge/internal/core/domain"
)

// WeComMessage is the decrypted flat-tag XML callback body. One struct covers
// every message type; unused tags stay empty.
type WeComMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"` // Unix seconds
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	AgentID      string   `xml:"AgentID"`

	// text
	Content string `xml:"Content"`

	// image / voice / video / file share MediaId
	MediaID      string `xml:"MediaId"`
	PicURL       string `xml:"PicUrl"`
	Format       string `xml:"Format"`
	Recognition  string `xml:"Recognition"`
	ThumbMediaID string `xml:"ThumbMediaId"`
	FileName     string `xml:"FileName"`

	// location
	LocationX float64 `xml:"Location_X"`
	LocationY float64 `xml:"Location_Y"`
	Scale     int     `xml:"Scale"`
	Label     string  `xml:"Label"`

	// link
	Title       string `xml:"Title"`
	Description string `xml:"Description"`
	URL         string `xml:"Url"`

	// event
	Event    string `xml:"Event"`
	EventKey string `xml:"EventKey"`
}

// ParseWeComMessage decodes a decrypted XML body and dispatches on MsgType
// into the canonical record. Unlike the Feishu content parsers this dispatch
// is strict: an unrecognized MsgType is a hard error, because downstream
// field extraction depends entirely on knowing the shape.
func ParseWeComMessage(plaintext []byte) (*domain.CanonicalMessage, error) {
	var m WeComMessage
	if err := xml.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("parse wecom message xml: %w", err)
	}

	var (
		tag     string
		content any
	)

	switch strings.ToLower(strings.TrimSpace(m.MsgType)) {
	case "text":
		tag = domain.MessageTypeText
		content = domain.TextContent{Text: m.Content}
	case "image":
		tag = domain.MessageTypeImage
		content = domain.ImageContent{ImageKey: m.MediaID}
	case "voice":
		tag = domain.MessageTypeAudio
		content = domain.AudioContent{FileKey: m.MediaID, Recognition: m.Recognition}
	case "video":
		tag = domain.MessageTypeVideo
		content = domain.VideoContent{FileKey: m.MediaID, ImageKey: m.ThumbMediaID}
	case "file":
		tag = domain.MessageTypeFile
		content = domain.FileContent{FileKey: m.MediaID, FileName: m.FileName}
	case "location":
		tag = domain.MessageTypeLocation
		content = domain.LocationContent{Latitude: m.LocationX, Longitude: m.LocationY, Name: m.Label}
	case "link":
		tag = domain.MessageTypeLink
		content = domain.LinkContent{Title: m.Title, Description: m.Description, URL: m.URL}
	case "event":
		tag = domain.MessageTypeEvent
		content = domain.EventContent{Event: m.Event, AgentID: m.AgentID}
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, m.MsgType)
	}

	messageID := m.MsgID
	if messageID == "" && m.Event != "" {
		// Events carry no MsgId; synthesize a stable id for dedup
		messageID = fmt.Sprintf("%s:%s:%d", m.Event, m.FromUserName, m.CreateTime)
	}

	return &domain.CanonicalMessage{
		MessageID:   messageID,
		Platform:    domain.PlatformWeCom,
		MessageType: tag,
		Content:     content,
		SenderID:    m.FromUserName,
		ChatID:      m.FromUserName, // Self-built app callbacks are 1:1 with the user
		ChatType:    domain.ChatTypePrivate,
		CreateTime:  time.Unix(m.CreateTime, 0),
		RawContent:  string(plaintext),
	}, nil
}

// WeComEventKey builds the router key for a wecom canonical message. Message
// types route on the tag itself; platform events route on the event name so
// handlers can subscribe to e.g. "event:subscribe".
func WeComEventKey(msg *domain.CanonicalMessage) string {
	if msg.MessageType == domain.MessageTypeEvent {
		if ec, ok := msg.Content.(domain.EventContent); ok && ec.Event != "" {
			return "event:" + strings.ToLower(ec.Event)
		}
	}
	return msg.MessageType
}

// replyCDATA wraps a text node in CDATA markers per the platform convention
type replyCDATA struct {
	Value string `xml:",cdata"`
}

// BuildWeComTextReply renders the plaintext XML reply for a text response.
// The caller encrypts and signs it before sending.
func BuildWeComTextReply(toUser, fromCorp, text string) []byte {
	type replyText struct {
		XMLName      xml.Name   `xml:"xml"`
		ToUserName   replyCDATA `xml:"ToUserName"`
		FromUserName replyCDATA `xml:"FromUserName"`
		CreateTime   string     `xml:"CreateTime"`
		MsgType      replyCDATA `xml:"MsgType"`
		Content      replyCDATA `xml:"Content"`
	}
	out, _ := xml.Marshal(replyText{
		ToUserName:   replyCDATA{toUser},
		FromUserName: replyCDATA{fromCorp},
		CreateTime:   strconv.FormatInt(time.Now().Unix(), 10),
		MsgType:      replyCDATA{"text"},
		Content:      replyCDATA{text},
	})
	return out
}
