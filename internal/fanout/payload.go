package fanout

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/matheus3301/wprelay/internal/message"
)

// Platform is the fixed platform label sent to the automation consumer.
const Platform = "whatsapp"

// AutomationPayload is the body posted to the automation webhook.
type AutomationPayload struct {
	From        string                  `json:"from"`
	Message     string                  `json:"message"`
	Timestamp   time.Time               `json:"timestamp"`
	ContactName string                  `json:"contactName"`
	MessageID   string                  `json:"messageId"`
	Source      string                  `json:"source"`
	ContactID   int64                   `json:"contactId"`
	ChatID      int64                   `json:"chatId"`
	Platform    string                  `json:"platform"`
	MessageType message.Kind            `json:"messageType"`
	MediaInfo   *message.MediaReference `json:"mediaInfo,omitempty"`
	RawData     json.RawMessage         `json:"rawData,omitempty"`
}

// MessagePayload is the data of a new_message or message_sent realtime event.
type MessagePayload struct {
	From         string                  `json:"from"`
	Message      string                  `json:"message"`
	Timestamp    time.Time               `json:"timestamp"`
	ContactName  string                  `json:"contactName"`
	MessageID    string                  `json:"messageId"`
	MediaInfo    *message.MediaReference `json:"mediaInfo,omitempty"`
	Source       string                  `json:"source"`
	N8NForwarded bool                    `json:"n8nForwarded"`
}

// StatusPayload is the data of a message_status realtime event.
type StatusPayload struct {
	MessageID string         `json:"messageId"`
	Status    message.Status `json:"status"`
	Recipient string         `json:"recipient"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewAutomationPayload builds the automation body for msg.
func NewAutomationPayload(msg *message.Message, includeRaw bool) *AutomationPayload {
	p := &AutomationPayload{
		From:        msg.Address,
		Message:     msg.Content,
		Timestamp:   msg.Timestamp,
		ContactName: msg.ContactName,
		MessageID:   messageID(msg),
		Source:      msg.Direction.Source(),
		ContactID:   msg.IdentityID,
		ChatID:      msg.ConversationID,
		Platform:    Platform,
		MessageType: msg.Kind,
		MediaInfo:   msg.Media,
	}
	if includeRaw {
		p.RawData = msg.Raw
	}
	return p
}

// NewMessagePayload builds the realtime data for msg.
func NewMessagePayload(msg *message.Message, forwarded bool) *MessagePayload {
	return &MessagePayload{
		From:         msg.Address,
		Message:      msg.Content,
		Timestamp:    msg.Timestamp,
		ContactName:  msg.ContactName,
		MessageID:    messageID(msg),
		MediaInfo:    msg.Media,
		Source:       msg.Direction.Source(),
		N8NForwarded: forwarded,
	}
}

// messageID prefers the provider id and falls back to the stored id.
func messageID(msg *message.Message) string {
	if msg.ProviderID != "" {
		return msg.ProviderID
	}
	if msg.ID != 0 {
		return strconv.FormatInt(msg.ID, 10)
	}
	return ""
}
