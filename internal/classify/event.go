// Package classify turns provider-shaped message events into canonical
// messages. The declared type tag is authoritative: each tag decodes into
// exactly one payload variant and classification is an exhaustive switch
// over those variants.
package classify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/wprelay/internal/message"
)

// Event is one raw provider message event.
type Event struct {
	From      string
	ID        string
	Timestamp time.Time
	Type      string
	Body      Payload
	Raw       json.RawMessage
}

// Payload is the kind-specific part of an Event. The concrete types below
// are the only implementations.
type Payload interface {
	kind() message.Kind
}

// Text is a plain text message.
type Text struct {
	Body string
}

// Media is any binary attachment: image, audio, video, document or sticker.
type Media struct {
	Kind     message.Kind
	Handle   string
	MimeType string
	FileSize int64
	Caption  string
	SHA256   string
	Filename string
}

// Location is a shared map pin.
type Location struct {
	Latitude  *float64
	Longitude *float64
	Name      string
	Address   string
}

// Contacts is one or more shared contact cards.
type Contacts struct {
	Names []string
}

// Interactive is a reply to a button or list prompt.
type Interactive struct {
	Type    string
	ReplyID string
	Title   string
}

// Reaction is an emoji reaction to an earlier message.
type Reaction struct {
	Emoji     string
	MessageID string
}

// Unknown is any type tag this relay does not understand. The raw payload is
// kept so consumers can still handle it.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Text) kind() message.Kind        { return message.KindText }
func (m Media) kind() message.Kind     { return m.Kind }
func (Location) kind() message.Kind    { return message.KindLocation }
func (Contacts) kind() message.Kind    { return message.KindContacts }
func (Interactive) kind() message.Kind { return message.KindInteractive }
func (Reaction) kind() message.Kind    { return message.KindReaction }
func (Unknown) kind() message.Kind     { return message.KindUnknown }

// Parse decodes a raw event. Only input that is not a JSON object is an
// error; malformed sub-objects decode to an empty variant of the declared type.
func Parse(data []byte) (*Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode event: not an object")
	}

	evt := &Event{Raw: append(json.RawMessage(nil), data...)}
	decodeInto(fields["from"], &evt.From)
	decodeInto(fields["id"], &evt.ID)
	decodeInto(fields["type"], &evt.Type)
	var ts flexInt
	decodeInto(fields["timestamp"], &ts)
	if ts > 0 {
		evt.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	evt.Body = decodeBody(evt.Type, fields)
	return evt, nil
}

func decodeBody(tag string, fields map[string]json.RawMessage) Payload {
	switch tag {
	case "text":
		var v struct {
			Body string `json:"body"`
		}
		decodeInto(fields["text"], &v)
		return Text{Body: v.Body}
	case "image", "audio", "video", "document", "sticker":
		var v mediaJSON
		decodeInto(fields[tag], &v)
		return Media{
			Kind:     message.Kind(tag),
			Handle:   v.ID,
			MimeType: v.MimeType,
			FileSize: int64(v.FileSize),
			Caption:  v.Caption,
			SHA256:   v.SHA256,
			Filename: v.Filename,
		}
	case "location":
		var v struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
			Name      string   `json:"name"`
			Address   string   `json:"address"`
		}
		decodeInto(fields["location"], &v)
		return Location{Latitude: v.Latitude, Longitude: v.Longitude, Name: v.Name, Address: v.Address}
	case "contacts":
		var v []struct {
			Name struct {
				FormattedName string `json:"formatted_name"`
				FirstName     string `json:"first_name"`
			} `json:"name"`
		}
		decodeInto(fields["contacts"], &v)
		var names []string
		for _, c := range v {
			name := c.Name.FormattedName
			if name == "" {
				name = c.Name.FirstName
			}
			if name != "" {
				names = append(names, name)
			}
		}
		return Contacts{Names: names}
	case "interactive":
		var v struct {
			Type        string     `json:"type"`
			ButtonReply *replyJSON `json:"button_reply"`
			ListReply   *replyJSON `json:"list_reply"`
		}
		decodeInto(fields["interactive"], &v)
		out := Interactive{Type: v.Type}
		switch {
		case v.ButtonReply != nil:
			out.ReplyID, out.Title = v.ButtonReply.ID, v.ButtonReply.Title
		case v.ListReply != nil:
			out.ReplyID, out.Title = v.ListReply.ID, v.ListReply.Title
		}
		return out
	case "button":
		var v struct {
			Text    string `json:"text"`
			Payload string `json:"payload"`
		}
		decodeInto(fields["button"], &v)
		return Interactive{Type: "button", ReplyID: v.Payload, Title: v.Text}
	case "reaction":
		var v struct {
			Emoji     string `json:"emoji"`
			MessageID string `json:"message_id"`
		}
		decodeInto(fields["reaction"], &v)
		return Reaction{Emoji: v.Emoji, MessageID: v.MessageID}
	default:
		return Unknown{Type: tag, Raw: fields[tag]}
	}
}

type mediaJSON struct {
	ID       string  `json:"id"`
	MimeType string  `json:"mime_type"`
	FileSize flexInt `json:"file_size"`
	Caption  string  `json:"caption"`
	SHA256   string  `json:"sha256"`
	Filename string  `json:"filename"`
}

type replyJSON struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// decodeInto ignores decode errors; the zero value is the degraded result.
func decodeInto(raw json.RawMessage, v any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, v)
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}
