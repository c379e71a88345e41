package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TDXCORE/EmailApp/internal/store"
)

// Addresses lists the numbers that identify the business side of a
// conversation (phone number id and display number).
type Addresses []string

// Own reports whether n is one of our own addresses.
func (a Addresses) Own(n string) bool {
	for _, x := range a {
		if x != "" && x == n {
			return true
		}
	}
	return false
}

// rowContent mirrors the Cloud API message object stored in the content column.
type rowContent struct {
	Text *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *rowMedia `json:"image"`
	Audio    *rowMedia `json:"audio"`
	Video    *rowMedia `json:"video"`
	Document *rowMedia `json:"document"`
}

type rowMedia struct {
	ID       string `json:"id"`
	Link     string `json:"link"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
}

var validStatus = map[Status]bool{
	StatusReceived: true, StatusPending: true, StatusSent: true,
	StatusDelivered: true, StatusRead: true, StatusFailed: true,
}

// ParseRow converts a stored row into a Message. Rows that cannot be
// attributed to a conversation or carry malformed content are rejected.
func ParseRow(row store.WAMessage, own Addresses) (Message, error) {
	if row.MessageID == "" {
		return Message{}, errors.New("parse row: empty message id")
	}
	if row.FromNumber == "" || row.ToNumber == "" {
		return Message{}, fmt.Errorf("parse row %s: missing address", row.MessageID)
	}

	m := Message{
		ID:        row.MessageID,
		CreatedAt: time.UnixMilli(row.CreatedAt),
	}
	if own.Own(row.FromNumber) {
		m.Direction = Outbound
		m.ConversationID = row.ToNumber
	} else {
		m.Direction = Inbound
		m.ConversationID = row.FromNumber
	}

	if m.Direction == Inbound {
		m.Status = StatusReceived
	} else {
		m.Status = Status(row.Status)
		if !validStatus[m.Status] {
			return Message{}, fmt.Errorf("parse row %s: unknown status %q", row.MessageID, row.Status)
		}
	}

	var rc rowContent
	if row.Content != "" {
		if err := json.Unmarshal([]byte(row.Content), &rc); err != nil {
			return Message{}, fmt.Errorf("parse row %s content: %w", row.MessageID, err)
		}
	}

	m.Type = Type(row.Type)
	switch m.Type {
	case TypeText:
		body := ""
		if rc.Text != nil {
			body = rc.Text.Body
		}
		m.Content = TextContent{Body: body}
	case TypeImage:
		m.Content = mediaContent(m.Type, rc.Image)
	case TypeAudio:
		m.Content = mediaContent(m.Type, rc.Audio)
	case TypeVideo:
		m.Content = mediaContent(m.Type, rc.Video)
	case TypeDocument:
		m.Content = mediaContent(m.Type, rc.Document)
	default:
		m.Type = TypeUnsupported
		m.Content = UnsupportedContent{RawType: row.Type}
	}
	return m, nil
}

func mediaContent(kind Type, rm *rowMedia) MediaContent {
	c := MediaContent{Kind: kind}
	if rm != nil {
		c.Link = rm.Link
		c.Caption = rm.Caption
		c.Filename = rm.Filename
		c.MimeType = rm.MimeType
	}
	return c
}
