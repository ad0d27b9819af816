package classify

import (
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/message"
)

func mustParse(t *testing.T, raw string) *Event {
	t.Helper()
	evt, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return evt
}

func TestClassifyText(t *testing.T) {
	evt := mustParse(t, `{"from":"911234567890","id":"wamid.1","timestamp":1700000000,"type":"text","text":{"body":"hi"}}`)
	msg := Classify(evt)

	if msg.Content != "hi" {
		t.Errorf("Content = %q, want hi", msg.Content)
	}
	if msg.Kind != message.KindText {
		t.Errorf("Kind = %q", msg.Kind)
	}
	if msg.Direction != message.Received {
		t.Errorf("Direction = %q", msg.Direction)
	}
	if msg.ProviderID != "wamid.1" || msg.Address != "911234567890" {
		t.Errorf("ProviderID/Address = %q/%q", msg.ProviderID, msg.Address)
	}
	if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("Timestamp = %v", msg.Timestamp)
	}
	if msg.Media != nil {
		t.Errorf("text message should have no media")
	}
	if len(msg.Raw) == 0 {
		t.Errorf("raw payload not kept")
	}
}

func TestClassifyImageDeclaredSize(t *testing.T) {
	evt := mustParse(t, `{"from":"1","id":"wamid.2","timestamp":"1700000000","type":"image",
		"image":{"id":"media-1","mime_type":"image/jpeg","file_size":204800,"sha256":"abc"}}`)
	msg := Classify(evt)

	if !strings.Contains(msg.Content, "200.00 KB") {
		t.Errorf("Content = %q, want 200.00 KB", msg.Content)
	}
	if msg.Media == nil {
		t.Fatal("expected media draft")
	}
	if msg.Media.Handle != "media-1" || msg.Media.MimeType != "image/jpeg" || msg.Media.DeclaredSize != 204800 {
		t.Errorf("media draft = %+v", msg.Media)
	}
	if msg.Media.Status != message.MediaPending {
		t.Errorf("Status = %q, want pending", msg.Media.Status)
	}
	if msg.Timestamp.Unix() != 1700000000 {
		t.Errorf("string timestamp not decoded: %v", msg.Timestamp)
	}
}

func TestClassifyContentNeverEmpty(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind message.Kind
		want string
	}{
		{"text missing body", `{"type":"text"}`, message.KindText, "[Text message]"},
		{"image missing object", `{"type":"image"}`, message.KindImage, "[Image] 0 Bytes"},
		{"image caption", `{"type":"image","image":{"caption":"look"}}`, message.KindImage, "look"},
		{"document filename", `{"type":"document","document":{"filename":"a.pdf","file_size":1024}}`, message.KindDocument, "[Document] a.pdf (1.00 KB)"},
		{"sticker malformed", `{"type":"sticker","sticker":"oops"}`, message.KindSticker, "[Sticker] 0 Bytes"},
		{"location full", `{"type":"location","location":{"latitude":1.5,"longitude":-2,"name":"Home"}}`, message.KindLocation, "[Location] Home (1.5, -2)"},
		{"location empty", `{"type":"location"}`, message.KindLocation, "[Location]"},
		{"contacts", `{"type":"contacts","contacts":[{"name":{"formatted_name":"Ana"}}]}`, message.KindContacts, "[Contact] Ana"},
		{"contacts empty", `{"type":"contacts"}`, message.KindContacts, "[Contact]"},
		{"button reply", `{"type":"interactive","interactive":{"type":"button_reply","button_reply":{"id":"b1","title":"Yes"}}}`, message.KindInteractive, "Yes"},
		{"list reply", `{"type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"l1","title":"Option"}}}`, message.KindInteractive, "Option"},
		{"interactive empty", `{"type":"interactive"}`, message.KindInteractive, "[Interactive]"},
		{"quick reply button", `{"type":"button","button":{"text":"Stop","payload":"STOP"}}`, message.KindInteractive, "Stop"},
		{"reaction", `{"type":"reaction","reaction":{"emoji":"👍","message_id":"wamid.0"}}`, message.KindReaction, "[Reaction] 👍"},
		{"reaction removed", `{"type":"reaction","reaction":{"message_id":"wamid.0"}}`, message.KindReaction, "[Reaction removed]"},
		{"unknown type", `{"type":"order","order":{"catalog_id":"x"}}`, message.KindUnknown, "[order]"},
		{"no type", `{"from":"1"}`, message.KindUnknown, "[unknown]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Classify(mustParse(t, tt.raw))
			if msg.Content != tt.want {
				t.Errorf("Content = %q, want %q", msg.Content, tt.want)
			}
			if msg.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", msg.Kind, tt.kind)
			}
		})
	}
}

func TestClassifyTagIsAuthoritative(t *testing.T) {
	// An image object on a text event must not turn it into media.
	msg := Classify(mustParse(t, `{"type":"text","text":{"body":"x"},"image":{"id":"m"}}`))
	if msg.Kind != message.KindText || msg.Media != nil {
		t.Errorf("got kind %q media %v", msg.Kind, msg.Media)
	}
}

func TestClassifyUnknownEchoesRaw(t *testing.T) {
	msg := Classify(mustParse(t, `{"type":"order","order":{"catalog_id":"x"}}`))
	if msg.Media == nil {
		t.Fatal("expected media draft for unknown kind")
	}
	if string(msg.Media.Raw) != `{"catalog_id":"x"}` {
		t.Errorf("Raw = %s", msg.Media.Raw)
	}
	if msg.Media.Status != message.MediaUnresolved {
		t.Errorf("Status = %q", msg.Media.Status)
	}
}

func TestClassifyMissingTimestampUsesNow(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := now
	now = func() time.Time { return fixed }
	defer func() { now = orig }()

	msg := Classify(mustParse(t, `{"type":"text","text":{"body":"x"}}`))
	if !msg.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", msg.Timestamp, fixed)
	}
}

func TestParseRejectsNonObject(t *testing.T) {
	for _, raw := range []string{``, `[]`, `"text"`, `null`, `{bad`} {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Errorf("Parse(%q) should fail", raw)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"911234567890", "911234567890"},
		{"+91 12345-67890", "911234567890"},
		{"911234567890@s.whatsapp.net", "911234567890"},
		{"911234567890:12@s.whatsapp.net", "911234567890"},
		{"  5511999 ", "5511999"},
	}
	for _, tt := range tests {
		if got := NormalizeAddress(tt.in); got != tt.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
