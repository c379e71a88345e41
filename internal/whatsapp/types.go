package whatsapp

import (
	"strconv"
	"time"
)

// KindWebhook is the bus event carrying a parsed *WebhookPayload.
const KindWebhook = "wa.webhook"

// WebhookPayload is the body of a Cloud API webhook delivery.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []WebhookContact `json:"contacts"`
	Messages []Message        `json:"messages"`
	Statuses []StatusUpdate   `json:"statuses"`
}

type WebhookContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// Message is an inbound message object. It is stored as the message content.
type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *Text  `json:"text,omitempty"`
	Image     *Media `json:"image,omitempty"`
	Audio     *Media `json:"audio,omitempty"`
	Video     *Media `json:"video,omitempty"`
	Document  *Media `json:"document,omitempty"`
}

// Media returns the media object for media types, or nil.
func (m *Message) Media() *Media {
	switch m.Type {
	case "image":
		return m.Image
	case "audio":
		return m.Audio
	case "video":
		return m.Video
	case "document":
		return m.Document
	}
	return nil
}

// Time parses the unix-seconds timestamp. ok is false when it is absent or malformed.
func (m *Message) Time() (time.Time, bool) {
	return parseUnix(m.Timestamp)
}

// StatusUpdate reports delivery progress of an outbound message.
type StatusUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

func parseUnix(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}

type Text struct {
	PreviewURL bool   `json:"preview_url,omitempty"`
	Body       string `json:"body"`
}

// Media is both the inbound media descriptor and the outbound media object.
type Media struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

// OutgoingMessage is the request body of a send.
type OutgoingMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             *Text  `json:"text,omitempty"`
	Image            *Media `json:"image,omitempty"`
	Audio            *Media `json:"audio,omitempty"`
	Video            *Media `json:"video,omitempty"`
	Document         *Media `json:"document,omitempty"`
}

// NewText builds a text message to a recipient.
func NewText(to, body string) OutgoingMessage {
	return OutgoingMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &Text{Body: body},
	}
}

// NewMedia builds an image, audio, video or document message by link.
func NewMedia(to, kind string, m Media) OutgoingMessage {
	msg := OutgoingMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             kind,
	}
	switch kind {
	case "image":
		msg.Image = &m
	case "audio":
		m.Caption = ""
		msg.Audio = &m
	case "video":
		msg.Video = &m
	case "document":
		msg.Document = &m
	}
	return msg
}

// SendResponse is the reply to a successful send.
type SendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// MessageID returns the id of the first accepted message, or "".
func (r *SendResponse) MessageID() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[0].ID
}

// MediaInfo describes an uploaded media object.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}
