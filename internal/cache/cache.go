// Package cache implements the bounded in-memory store used when the durable
// store is unavailable.
package cache

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/store"
)

// Params configures the cache bounds.
type Params struct {
	MaxConversations int
	MaxMessages      int
}

type entry struct {
	conv     message.Conversation
	messages []message.Message // ordered by timestamp, oldest first
}

// Cache is a store.Store kept entirely in memory. Each conversation keeps at
// most MaxMessages messages, trimmed on write. The number of conversations is
// bounded by Sweep. Provider ids of the last MaxConversations*MaxMessages
// messages are remembered even after the messages are dropped.
type Cache struct {
	mu      sync.Mutex
	sweepMu sync.Mutex

	maxConversations int
	maxMessages      int

	identities map[string]*message.Identity
	entries    map[string]*entry
	byProvider map[string]int64 // retained messages only
	seen       *seenSet
	outbox     []store.OutboxEntry

	nextIdentity int64
	nextConv     int64
	nextMessage  int64
	nextOutbox   int64

	log *zap.Logger
}

var _ store.Store = (*Cache)(nil)

// New creates an empty cache. Non-positive bounds fall back to 1000
// conversations and 100 messages per conversation.
func New(p Params, log *zap.Logger) *Cache {
	if p.MaxConversations <= 0 {
		p.MaxConversations = 1000
	}
	if p.MaxMessages <= 0 {
		p.MaxMessages = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		maxConversations: p.MaxConversations,
		maxMessages:      p.MaxMessages,
		identities:       make(map[string]*message.Identity),
		entries:          make(map[string]*entry),
		byProvider:       make(map[string]int64),
		seen:             newSeenSet(p.MaxConversations * p.MaxMessages),
		log:              log,
	}
}

// Mode implements store.Store.
func (c *Cache) Mode() store.Mode { return store.ModeCache }

// Close implements store.Store.
func (c *Cache) Close() error { return nil }

// TouchIdentity implements store.Store.
func (c *Cache) TouchIdentity(_ context.Context, address, name string, at time.Time) (*message.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.identities[address]
	if !ok {
		c.nextIdentity++
		if name == "" {
			name = address
		}
		id = &message.Identity{
			ID:            c.nextIdentity,
			Address:       address,
			Name:          name,
			LastMessageAt: at,
			Status:        "active",
			Tags:          []string{},
		}
		c.identities[address] = id
	} else if name != "" && name != address {
		id.Name = name
	}
	id.MessageCount++
	if at.After(id.LastMessageAt) {
		id.LastMessageAt = at
	}
	out := *id
	return &out, nil
}

// GetIdentity implements store.Store.
func (c *Cache) GetIdentity(_ context.Context, address string) (*message.Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.identities[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *id
	return &out, nil
}

// EnsureConversation implements store.Store.
func (c *Cache) EnsureConversation(_ context.Context, id *message.Identity) (*message.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(id.Address, id.ID, 0)
	return c.conversationLocked(e), nil
}

// entryLocked returns the entry for address, creating it when absent. A
// non-zero convID is reused so messages bound before an eviction keep their
// conversation id.
func (c *Cache) entryLocked(address string, identityID, convID int64) *entry {
	if e, ok := c.entries[address]; ok {
		return e
	}
	if convID == 0 {
		c.nextConv++
		convID = c.nextConv
	}
	e := &entry{conv: message.Conversation{
		ID:         convID,
		Address:    address,
		IdentityID: identityID,
		Active:     true,
	}}
	c.entries[address] = e
	return e
}

func (c *Cache) conversationLocked(e *entry) *message.Conversation {
	conv := e.conv
	conv.Name = conv.Address
	if id, ok := c.identities[conv.Address]; ok && id.Name != "" {
		conv.Name = id.Name
	}
	return &conv
}

// GetConversation implements store.Store.
func (c *Cache) GetConversation(_ context.Context, address string) (*message.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[address]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c.conversationLocked(e), nil
}

// ListConversations implements store.Store, most recently active first.
func (c *Cache) ListConversations(_ context.Context, limit, offset int) ([]message.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	convs := make([]message.Conversation, 0, len(c.entries))
	for _, e := range c.entries {
		convs = append(convs, *c.conversationLocked(e))
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID > convs[j].ID
	})
	if offset >= len(convs) {
		return nil, nil
	}
	convs = convs[offset:]
	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// MarkRead implements store.Store.
func (c *Cache) MarkRead(_ context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[address]
	if !ok {
		return store.ErrNotFound
	}
	e.conv.UnreadCount = 0
	return nil
}

// HasMessage implements store.Store. Trimmed and evicted messages are still
// known while their id is in the seen set.
func (c *Cache) HasMessage(_ context.Context, providerID string) (bool, error) {
	if providerID == "" {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen.get(providerID)
	return ok, nil
}

// SaveMessage implements store.Store. A message older than everything the
// conversation retains is dropped by the trim in the same write; it is
// reported as not created and leaves the summary alone.
func (c *Cache) SaveMessage(_ context.Context, msg *message.Message, sum store.Summary) (int64, bool, error) {
	if msg.ConversationID == 0 || msg.IdentityID == 0 {
		return 0, false, fmt.Errorf("save message: unbound conversation or identity")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ProviderID != "" {
		if id, ok := c.seen.get(msg.ProviderID); ok {
			return id, false, nil
		}
	}

	// The entry may have been evicted and recreated since the message was
	// bound; the address is the key, so the message follows it.
	e := c.entryLocked(msg.Address, msg.IdentityID, msg.ConversationID)

	c.nextMessage++
	stored := *msg
	stored.ID = c.nextMessage
	stored.ConversationID = e.conv.ID
	pos := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].Timestamp.After(stored.Timestamp)
	})
	e.messages = slices.Insert(e.messages, pos, stored)
	if stored.ProviderID != "" {
		c.byProvider[stored.ProviderID] = stored.ID
		c.seen.add(stored.ProviderID, stored.ID)
	}

	if n := len(e.messages) - c.maxMessages; n > 0 {
		for _, old := range e.messages[:n] {
			if old.ProviderID != "" {
				delete(c.byProvider, old.ProviderID)
			}
		}
		e.messages = slices.Clone(e.messages[n:])
		if pos < n {
			return stored.ID, false, nil
		}
	}

	e.conv.UnreadCount += sum.UnreadDelta
	if !sum.At.Before(e.conv.LastMessageAt) {
		e.conv.LastMessage = sum.Preview
		e.conv.LastMessageAt = sum.At
	}
	return stored.ID, true, nil
}

// UpdateStatus implements store.Store.
func (c *Cache) UpdateStatus(_ context.Context, providerID string, status message.Status) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byProvider[providerID]
	if !ok {
		return false, nil
	}
	for _, e := range c.entries {
		for i := range e.messages {
			if e.messages[i].ID == id {
				e.messages[i].Status = status
				return true, nil
			}
		}
	}
	return false, nil
}

// ListMessages implements store.Store, newest first.
func (c *Cache) ListMessages(_ context.Context, address string, before time.Time, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[address]
	if !ok {
		return nil, nil
	}
	var out []message.Message
	for i := len(e.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := e.messages[i]
		if !before.IsZero() && !m.Timestamp.Before(before) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Stats implements store.Store.
func (c *Cache) Stats(context.Context) (*store.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &store.Stats{Conversations: int64(len(c.entries))}
	for _, e := range c.entries {
		s.Messages += int64(len(e.messages))
	}
	return s, nil
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts the least recently active conversations until at most
// MaxConversations remain, and returns how many were evicted. A sweep that
// finds another one running returns immediately.
func (c *Cache) Sweep() int {
	if !c.sweepMu.TryLock() {
		return 0
	}
	defer c.sweepMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	excess := len(c.entries) - c.maxConversations
	if excess <= 0 {
		return 0
	}
	victims := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		victims = append(victims, e)
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i].conv, victims[j].conv
		if !a.LastMessageAt.Equal(b.LastMessageAt) {
			return a.LastMessageAt.Before(b.LastMessageAt)
		}
		return a.ID < b.ID
	})
	for _, e := range victims[:excess] {
		for _, m := range e.messages {
			if m.ProviderID != "" {
				delete(c.byProvider, m.ProviderID)
			}
		}
		delete(c.entries, e.conv.Address)
		delete(c.identities, e.conv.Address)
	}
	c.log.Info("cache sweep evicted conversations",
		zap.Int("evicted", excess),
		zap.Int("remaining", len(c.entries)),
	)
	return excess
}
