package inbox

import (
	"testing"

	"github.com/TDXCORE/EmailApp/internal/store"
)

var own = Addresses{"1234567890", "+1 555 0100"}

func TestParseRowDirection(t *testing.T) {
	in, err := ParseRow(store.WAMessage{
		MessageID: "wamid.in", FromNumber: "5511999", ToNumber: "1234567890",
		Type: "text", Content: `{"text":{"body":"hola"}}`, Status: "received", CreatedAt: 1000,
	}, own)
	if err != nil {
		t.Fatal(err)
	}
	if in.Direction != Inbound || in.ConversationID != "5511999" || in.Status != StatusReceived {
		t.Errorf("inbound = %+v", in)
	}
	if c, ok := in.Content.(TextContent); !ok || c.Body != "hola" {
		t.Errorf("content = %#v", in.Content)
	}
	if in.CreatedAt.UnixMilli() != 1000 {
		t.Errorf("created_at = %v", in.CreatedAt)
	}

	out, err := ParseRow(store.WAMessage{
		MessageID: "client-1", FromNumber: "+1 555 0100", ToNumber: "5511999",
		Type: "text", Content: `{"text":{"body":"hi"}}`, Status: "pending", CreatedAt: 2000,
	}, own)
	if err != nil {
		t.Fatal(err)
	}
	if out.Direction != Outbound || out.ConversationID != "5511999" || out.Status != StatusPending {
		t.Errorf("outbound = %+v", out)
	}
}

func TestParseRowContent(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		content string
		want    Content
	}{
		{"image", "image", `{"image":{"link":"http://m/1.jpg","caption":"pic","mime_type":"image/jpeg"}}`,
			MediaContent{Kind: TypeImage, Link: "http://m/1.jpg", Caption: "pic", MimeType: "image/jpeg"}},
		{"document", "document", `{"document":{"link":"http://m/a.pdf","filename":"a.pdf"}}`,
			MediaContent{Kind: TypeDocument, Link: "http://m/a.pdf", Filename: "a.pdf"}},
		{"audio without payload", "audio", `{}`, MediaContent{Kind: TypeAudio}},
		{"sticker is unsupported", "sticker", `{"sticker":{"id":"1"}}`, UnsupportedContent{RawType: "sticker"}},
		{"empty content", "text", "", TextContent{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseRow(store.WAMessage{MessageID: "x", FromNumber: "55", ToNumber: "1234567890", Type: tt.typ, Content: tt.content}, own)
			if err != nil {
				t.Fatal(err)
			}
			if m.Content != tt.want {
				t.Errorf("content = %#v, want %#v", m.Content, tt.want)
			}
		})
	}
}

func TestParseRowRejects(t *testing.T) {
	tests := []struct {
		name string
		row  store.WAMessage
	}{
		{"empty id", store.WAMessage{FromNumber: "55", ToNumber: "1234567890", Type: "text"}},
		{"missing address", store.WAMessage{MessageID: "x", FromNumber: "55", Type: "text"}},
		{"bad json", store.WAMessage{MessageID: "x", FromNumber: "55", ToNumber: "1234567890", Type: "text", Content: "{"}},
		{"unknown outbound status", store.WAMessage{MessageID: "x", FromNumber: "1234567890", ToNumber: "55", Type: "text", Status: "weird"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseRow(tt.row, own); err == nil {
				t.Error("expected error")
			}
		})
	}
}
