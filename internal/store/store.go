// Package store holds the persistence strategy shared by the pipeline and the
// read API, plus its durable SQL implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/wprelay/internal/message"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Mode names the active store implementation.
type Mode string

const (
	ModeDurable Mode = "durable"
	ModeCache   Mode = "cache"
)

// Summary is the conversation state written together with a message.
type Summary struct {
	Preview     string
	At          time.Time
	UnreadDelta int
}

// Stats are aggregate counts reported by the status endpoint.
type Stats struct {
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
}

// Store is implemented by the durable SQL store and the bounded in-memory
// cache. One implementation is chosen at startup.
type Store interface {
	Mode() Mode

	// TouchIdentity creates the identity with count 1 or increments its
	// counter and refreshes last activity, atomically.
	TouchIdentity(ctx context.Context, address, name string, at time.Time) (*message.Identity, error)
	GetIdentity(ctx context.Context, address string) (*message.Identity, error)

	// EnsureConversation returns the identity's conversation, creating it
	// with zero unread messages when absent.
	EnsureConversation(ctx context.Context, id *message.Identity) (*message.Conversation, error)
	GetConversation(ctx context.Context, address string) (*message.Conversation, error)
	ListConversations(ctx context.Context, limit, offset int) ([]message.Conversation, error)
	MarkRead(ctx context.Context, address string) error

	HasMessage(ctx context.Context, providerID string) (bool, error)
	// SaveMessage stores msg and applies sum to its conversation in one unit.
	// A message whose provider id is already stored is not written again;
	// the existing id is returned with created=false.
	SaveMessage(ctx context.Context, msg *message.Message, sum Summary) (id int64, created bool, err error)
	UpdateStatus(ctx context.Context, providerID string, status message.Status) (bool, error)
	ListMessages(ctx context.Context, address string, before time.Time, limit int) ([]message.Message, error)

	QueueOutbox(ctx context.Context, clientMsgID, address, body string) error
	PendingOutbox(ctx context.Context) ([]OutboxEntry, error)
	MarkOutboxSending(ctx context.Context, clientMsgID string) error
	MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error
	MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error

	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64     `json:"id"`
	ClientMsgID  string    `json:"clientMsgId"`
	Address      string    `json:"to"`
	Body         string    `json:"message"`
	Status       string    `json:"status"` // queued, sending, sent, failed
	ErrorMessage string    `json:"error,omitempty"`
	ServerMsgID  string    `json:"messageId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
