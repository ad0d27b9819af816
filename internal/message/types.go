// Package message defines the canonical representation every pipeline stage
// operates on, independent of the provider payload it came from.
package message

import (
	"encoding/json"
	"time"
)

// Direction says whether a message was received from or sent to an address.
type Direction string

const (
	Received Direction = "received"
	Sent     Direction = "sent"
)

// Source returns the automation-facing label for the direction.
func (d Direction) Source() string {
	if d == Sent {
		return "outgoing"
	}
	return "incoming"
}

// Kind tags the content of a message.
type Kind string

const (
	KindText        Kind = "text"
	KindImage       Kind = "image"
	KindAudio       Kind = "audio"
	KindVideo       Kind = "video"
	KindDocument    Kind = "document"
	KindSticker     Kind = "sticker"
	KindLocation    Kind = "location"
	KindContacts    Kind = "contacts"
	KindInteractive Kind = "interactive"
	KindReaction    Kind = "reaction"
	KindUnknown     Kind = "unknown"
)

// HasMedia reports whether the kind carries a binary payload.
func (k Kind) HasMedia() bool {
	switch k {
	case KindImage, KindAudio, KindVideo, KindDocument, KindSticker:
		return true
	}
	return false
}

// Status is the delivery status of a message.
type Status string

const (
	StatusReceived  Status = "received"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// ParseStatus maps a provider status string onto a Status. Unknown values
// report false.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusReceived, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return Status(s), true
	}
	return "", false
}

// AcquisitionStatus tracks media materialization.
type AcquisitionStatus string

const (
	MediaPending    AcquisitionStatus = "pending"
	MediaResolved   AcquisitionStatus = "resolved"
	MediaUnresolved AcquisitionStatus = "unresolved"
)

// Identity is a provider-address-keyed contact.
type Identity struct {
	ID            int64     `json:"id"`
	Address       string    `json:"address"`
	Name          string    `json:"name"`
	MessageCount  int64     `json:"messageCount"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Status        string    `json:"status"`
	Tags          []string  `json:"tags"`
	// Ephemeral identities were synthesized because the store was unreachable
	// and have no persisted id.
	Ephemeral bool `json:"ephemeral,omitempty"`
}

// Conversation is the 1:1 chat attached to an Identity.
type Conversation struct {
	ID            int64     `json:"id"`
	Address       string    `json:"address"`
	IdentityID    int64     `json:"contactId"`
	Name          string    `json:"name,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	LastMessage   string    `json:"lastMessage"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	Active        bool      `json:"isActive"`
	Ephemeral     bool      `json:"ephemeral,omitempty"`
}

// MediaReference describes a binary attachment and, once acquired, where it lives.
type MediaReference struct {
	Kind         Kind              `json:"type"`
	MimeType     string            `json:"mimeType,omitempty"`
	DeclaredSize int64             `json:"fileSize,omitempty"`
	Handle       string            `json:"mediaId,omitempty"`
	Caption      string            `json:"caption,omitempty"`
	Filename     string            `json:"filename,omitempty"`
	SHA256       string            `json:"sha256,omitempty"`
	URL          string            `json:"url,omitempty"`
	Size         int64             `json:"actualSize,omitempty"`
	ContentType  string            `json:"contentType,omitempty"`
	Status       AcquisitionStatus `json:"status"`
	Raw          json.RawMessage   `json:"raw,omitempty"`
}

// Resolved reports whether the bytes were stored and a URL is known.
func (r *MediaReference) Resolved() bool {
	return r != nil && r.Status == MediaResolved && r.URL != ""
}

// Message is the canonical, kind-tagged form of one provider event.
type Message struct {
	ID             int64           `json:"id"`
	ProviderID     string          `json:"messageId,omitempty"`
	Direction      Direction       `json:"direction"`
	Address        string          `json:"address"`
	ContactName    string          `json:"contactName,omitempty"`
	ConversationID int64           `json:"chatId"`
	IdentityID     int64           `json:"contactId"`
	Content        string          `json:"content"`
	Kind           Kind            `json:"messageType"`
	Media          *MediaReference `json:"mediaInfo,omitempty"`
	Status         Status          `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	Raw            json.RawMessage `json:"rawData,omitempty"`
}

// Bind attaches the message to its resolved identity and conversation.
func (m *Message) Bind(id *Identity, conv *Conversation) {
	m.IdentityID = id.ID
	m.ConversationID = conv.ID
	if m.ContactName == "" {
		m.ContactName = id.Name
	}
}
