// Package identity resolves the contact and chat that own a message.
package identity

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/store"
)

// Resolver performs the find-or-create-then-touch step of the pipeline.
type Resolver struct {
	store store.Store
	log   *zap.Logger
}

// NewResolver creates a resolver over s.
func NewResolver(s store.Store, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: s, log: log}
}

// Resolve returns the identity and conversation for address, creating them
// when absent. If the store fails, an ephemeral pair with no persisted ids is
// returned so the message can still reach realtime and automation consumers.
func (r *Resolver) Resolve(ctx context.Context, address, name string, at time.Time) (*message.Identity, *message.Conversation) {
	id, err := r.store.TouchIdentity(ctx, address, name, at)
	if err != nil {
		r.log.Warn("identity store unavailable, using ephemeral identity",
			zap.String("address", address),
			zap.Error(err),
		)
		return Ephemeral(address, name, at)
	}
	conv, err := r.store.EnsureConversation(ctx, id)
	if err != nil {
		r.log.Warn("conversation store unavailable, using ephemeral conversation",
			zap.String("address", address),
			zap.Error(err),
		)
		_, conv = Ephemeral(address, id.Name, at)
		conv.IdentityID = id.ID
	}
	return id, conv
}

// Ephemeral synthesizes an unpersisted identity and conversation.
func Ephemeral(address, name string, at time.Time) (*message.Identity, *message.Conversation) {
	if name == "" {
		name = address
	}
	id := &message.Identity{
		Address:       address,
		Name:          name,
		MessageCount:  1,
		LastMessageAt: at,
		Status:        "active",
		Tags:          []string{},
		Ephemeral:     true,
	}
	conv := &message.Conversation{
		Address:   address,
		Name:      name,
		Active:    true,
		Ephemeral: true,
	}
	return id, conv
}
