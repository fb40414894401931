package gateway

import (
	"encoding/json"
	"fmt"
)

// Card is the wire shape of a Feishu interactive card
type Card struct {
	Config   CardConfig    `json:"config"`
	Header   *CardHeader   `json:"header,omitempty"`
	Elements []CardElement `json:"elements"`
}

// CardConfig controls card-wide behavior
type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"`
	EnableForward  bool `json:"enable_forward"`
}

// CardHeader is the colored title bar
type CardHeader struct {
	Title    CardText `json:"title"`
	Template string   `json:"template,omitempty"` // "blue", "red", "green", ...
}

// CardText is a tagged text node
type CardText struct {
	Tag     string `json:"tag"` // "plain_text" or "lark_md"
	Content string `json:"content"`
}

// CardElement is one entry of the elements list. Exactly the fields for its
// Tag are populated; the rest stay empty and are omitted on the wire.
type CardElement struct {
	Tag      string       `json:"tag"` // "markdown", "hr", "img", "note", "div", "action"
	Content  string       `json:"content,omitempty"`
	ImgKey   string       `json:"img_key,omitempty"`
	Alt      *CardText    `json:"alt,omitempty"`
	Elements []CardText   `json:"elements,omitempty"` // note runs
	Fields   []CardField  `json:"fields,omitempty"`   // div fields
	Actions  []CardAction `json:"actions,omitempty"`
}

// CardField is one column entry of a "div" fields block
type CardField struct {
	IsShort bool     `json:"is_short"`
	Text    CardText `json:"text"`
}

// CardAction is a button inside an "action" block
type CardAction struct {
	Tag   string         `json:"tag"` // always "button"
	Text  CardText       `json:"text"`
	Type  string         `json:"type,omitempty"` // "default", "primary", "danger"
	Value map[string]any `json:"value,omitempty"`
}

// CardBuilder accumulates card content fluently and finalizes once. The
// builder mutates in place and returns itself so calls chain; after Build or
// BuildJSON the produced card is not mutated further.
type CardBuilder struct {
	card Card
}

// NewCardBuilder starts an empty card with the default config
func NewCardBuilder() *CardBuilder {
	return &CardBuilder{
		card: Card{
			Config:   CardConfig{WideScreenMode: true, EnableForward: true},
			Elements: []CardElement{},
		},
	}
}

// SetHeader sets the title bar. template is a platform color name like
// "blue"; empty keeps the default.
func (b *CardBuilder) SetHeader(title, template string) *CardBuilder {
	b.card.Header = &CardHeader{
		Title:    CardText{Tag: "plain_text", Content: title},
		Template: template,
	}
	return b
}

// AddMarkdown appends a markdown block
func (b *CardBuilder) AddMarkdown(content string) *CardBuilder {
	b.card.Elements = append(b.card.Elements, CardElement{Tag: "markdown", Content: content})
	return b
}

// AddDivider appends a horizontal rule
func (b *CardBuilder) AddDivider() *CardBuilder {
	b.card.Elements = append(b.card.Elements, CardElement{Tag: "hr"})
	return b
}

// AddImage appends an image block by key
func (b *CardBuilder) AddImage(imageKey, alt string) *CardBuilder {
	b.card.Elements = append(b.card.Elements, CardElement{
		Tag:    "img",
		ImgKey: imageKey,
		Alt:    &CardText{Tag: "plain_text", Content: alt},
	})
	return b
}

// AddNote appends a small-print note line
func (b *CardBuilder) AddNote(content string) *CardBuilder {
	b.card.Elements = append(b.card.Elements, CardElement{
		Tag:      "note",
		Elements: []CardText{{Tag: "plain_text", Content: content}},
	})
	return b
}

// AddFields appends a two-column fields block; entries are lark_md
func (b *CardBuilder) AddFields(fields ...string) *CardBuilder {
	el := CardElement{Tag: "div"}
	for _, f := range fields {
		el.Fields = append(el.Fields, CardField{
			IsShort: true,
			Text:    CardText{Tag: "lark_md", Content: f},
		})
	}
	b.card.Elements = append(b.card.Elements, el)
	return b
}

// AddActionButton appends an action block with a single button carrying an
// opaque value map delivered back on click.
func (b *CardBuilder) AddActionButton(text, buttonType string, value map[string]any) *CardBuilder {
	b.card.Elements = append(b.card.Elements, CardElement{
		Tag: "action",
		Actions: []CardAction{{
			Tag:   "button",
			Text:  CardText{Tag: "plain_text", Content: text},
			Type:  buttonType,
			Value: value,
		}},
	})
	return b
}

// Build finalizes the card document
func (b *CardBuilder) Build() *Card {
	return &b.card
}

// BuildJSON finalizes and serializes the card to its wire JSON string
func (b *CardBuilder) BuildJSON() (string, error) {
	out, err := json.Marshal(&b.card)
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	return string(out), nil
}

// BuildJSON serializes an already-built card
func (c *Card) BuildJSON() (string, error) {
	out, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	return string(out), nil
}
