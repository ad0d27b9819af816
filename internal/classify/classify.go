package classify

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"

	"github.com/matheus3301/wprelay/internal/message"
)

// now is replaced in tests.
var now = time.Now

// Classify maps an event onto a message skeleton: content, kind, media draft,
// address, provider id, timestamp and raw payload. Identity and conversation
// are left unresolved. The result always has non-empty content.
func Classify(evt *Event) *message.Message {
	msg := &message.Message{
		ProviderID: evt.ID,
		Direction:  message.Received,
		Address:    NormalizeAddress(evt.From),
		Status:     message.StatusReceived,
		Timestamp:  evt.Timestamp,
		Raw:        evt.Raw,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now().UTC()
	}

	body := evt.Body
	if body == nil {
		body = Unknown{Type: evt.Type}
	}
	msg.Kind = body.kind()

	switch p := body.(type) {
	case Text:
		msg.Content = strings.TrimSpace(p.Body)
		if msg.Content == "" {
			msg.Content = "[Text message]"
		}
	case Media:
		msg.Media = &message.MediaReference{
			Kind:         p.Kind,
			MimeType:     p.MimeType,
			DeclaredSize: p.FileSize,
			Handle:       p.Handle,
			Caption:      p.Caption,
			Filename:     p.Filename,
			SHA256:       p.SHA256,
			Status:       message.MediaPending,
		}
		msg.Content = message.MediaContent(msg.Media)
	case Location:
		msg.Content = locationContent(p)
	case Contacts:
		msg.Content = "[Contact]"
		if len(p.Names) > 0 {
			msg.Content = "[Contact] " + p.Names[0]
		}
	case Interactive:
		msg.Content = strings.TrimSpace(p.Title)
		if msg.Content == "" {
			msg.Content = "[Interactive]"
		}
	case Reaction:
		if p.Emoji == "" {
			msg.Content = "[Reaction removed]"
		} else {
			msg.Content = "[Reaction] " + p.Emoji
		}
	case Unknown:
		label := p.Type
		if label == "" {
			label = string(message.KindUnknown)
		}
		msg.Content = "[" + label + "]"
		msg.Media = &message.MediaReference{
			Kind:   message.KindUnknown,
			Status: message.MediaUnresolved,
			Raw:    p.Raw,
		}
	default:
		panic(fmt.Sprintf("classify: unhandled payload %T", body))
	}
	return msg
}

func locationContent(p Location) string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = strings.TrimSpace(p.Address)
	}
	var coords string
	if p.Latitude != nil && p.Longitude != nil {
		coords = "(" + formatCoord(*p.Latitude) + ", " + formatCoord(*p.Longitude) + ")"
	}
	switch {
	case name != "" && coords != "":
		return "[Location] " + name + " " + coords
	case name != "":
		return "[Location] " + name
	case coords != "":
		return "[Location] " + coords
	default:
		return "[Location]"
	}
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NormalizeAddress reduces a provider address to bare digits: JIDs such as
// "911234567890@s.whatsapp.net" lose their server and device parts, and a
// leading "+" and common separators are dropped.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "@") {
		if jid, err := types.ParseJID(addr); err == nil && jid.User != "" {
			addr = jid.User
		}
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '+', ' ', '-', '(', ')':
			return -1
		}
		return r
	}, addr)
}
