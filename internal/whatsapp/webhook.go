package whatsapp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Envelope is the body the Cloud API posts to the webhook.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one notification inside an entry.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries the messages and status callbacks of a change.
type ChangeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []Contact         `json:"contacts"`
	Messages []json.RawMessage `json:"messages"`
	Statuses []StatusUpdate    `json:"statuses"`
}

// Contact is the sender profile attached to inbound messages.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// StatusUpdate is a delivery status callback for a sent message.
type StatusUpdate struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	Timestamp   json.Number `json:"timestamp"`
	RecipientID string      `json:"recipient_id"`
}

// Time returns the callback time, or the zero time when absent.
func (s StatusUpdate) Time() time.Time {
	secs, err := s.Timestamp.Int64()
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// Inbound is one raw message event with its sender's profile name.
type Inbound struct {
	Raw         json.RawMessage
	ProfileName string
}

// ParseEnvelope decodes a webhook body.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode webhook envelope: %w", err)
	}
	return &env, nil
}

// Messages returns every message event in the envelope, in order.
func (e *Envelope) Messages() []Inbound {
	var out []Inbound
	for _, entry := range e.Entry {
		for _, ch := range entry.Changes {
			names := make(map[string]string, len(ch.Value.Contacts))
			for _, c := range ch.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, raw := range ch.Value.Messages {
				var head struct {
					From string `json:"from"`
				}
				_ = json.Unmarshal(raw, &head)
				out = append(out, Inbound{Raw: raw, ProfileName: names[head.From]})
			}
		}
	}
	return out
}

// Statuses returns every status callback in the envelope, in order.
func (e *Envelope) Statuses() []StatusUpdate {
	var out []StatusUpdate
	for _, entry := range e.Entry {
		for _, ch := range entry.Changes {
			out = append(out, ch.Value.Statuses...)
		}
	}
	return out
}

// VerifyChallenge answers the subscription handshake. It returns the
// challenge to echo when the mode is "subscribe" and the token matches.
func VerifyChallenge(q url.Values, verifyToken string) (string, bool) {
	if verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != verifyToken {
		return "", false
	}
	return q.Get("hub.challenge"), true
}
