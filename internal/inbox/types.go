// Package inbox keeps the WhatsApp conversation list of an operator in sync
// with the message store and its live change feed.
package inbox

import "time"

// Direction of a message relative to the business number.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Type is the message kind.
type Type string

const (
	TypeText        Type = "text"
	TypeImage       Type = "image"
	TypeAudio       Type = "audio"
	TypeVideo       Type = "video"
	TypeDocument    Type = "document"
	TypeUnsupported Type = "unsupported"
)

// Status is the delivery state of a message. Inbound messages are always
// StatusReceived.
type Status string

const (
	StatusReceived  Status = "received"
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Content is the type-specific payload of a message. It is one of
// TextContent, MediaContent or UnsupportedContent.
type Content interface {
	contentType() Type
}

// TextContent is the payload of a text message.
type TextContent struct {
	Body string `json:"body"`
}

// MediaContent is the payload of an image, audio, video or document message.
type MediaContent struct {
	Kind     Type   `json:"kind"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// UnsupportedContent marks a message kind the inbox cannot render.
type UnsupportedContent struct {
	RawType string `json:"raw_type"`
}

func (TextContent) contentType() Type        { return TypeText }
func (c MediaContent) contentType() Type     { return c.Kind }
func (UnsupportedContent) contentType() Type { return TypeUnsupported }

// Message is a parsed WhatsApp message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Direction      Direction `json:"direction"`
	Type           Type      `json:"type"`
	Content        Content   `json:"content"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the thread with one external contact as shown in the
// conversation list. A zero LastMessageTimestamp means no messages yet.
type Conversation struct {
	ContactID            string    `json:"contact_id"`
	DisplayName          string    `json:"display_name,omitempty"`
	LastMessagePreview   string    `json:"last_message_preview"`
	LastMessageTimestamp time.Time `json:"last_message_timestamp"`
	LastMessageID        string    `json:"last_message_id,omitempty"`
	LastMessageStatus    Status    `json:"last_message_status,omitempty"`
	UnreadCount          int       `json:"unread_count"`
}

// HasMessages reports whether any message has been seen for the conversation.
func (c Conversation) HasMessages() bool {
	return !c.LastMessageTimestamp.IsZero()
}
