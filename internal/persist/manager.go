// Package persist writes canonical messages and their conversation summary.
package persist

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/store"
)

// PreviewLen is the maximum preview length in runes.
const PreviewLen = 100

// Manager serializes summary updates per conversation over a store.Store.
type Manager struct {
	store store.Store
	locks *keyedMutex
	log   *zap.Logger
}

// NewManager creates a manager over s.
func NewManager(s store.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: s, locks: newKeyedMutex(), log: log}
}

// Mode reports which store implementation is active.
func (m *Manager) Mode() store.Mode { return m.store.Mode() }

// Save stores msg in conv and sets msg.ID. Only received messages count as
// unread. created is false when the provider id was already stored.
func (m *Manager) Save(ctx context.Context, msg *message.Message, conv *message.Conversation) (created bool, err error) {
	unlock := m.locks.lock(conv.Address)
	defer unlock()

	sum := store.Summary{
		Preview: message.Preview(msg.Content, PreviewLen),
		At:      msg.Timestamp,
	}
	if msg.Direction == message.Received {
		sum.UnreadDelta = 1
	}

	id, created, err := m.store.SaveMessage(ctx, msg, sum)
	if err != nil {
		return false, fmt.Errorf("persist message %q: %w", msg.ProviderID, err)
	}
	msg.ID = id
	if !created {
		m.log.Debug("message already stored",
			zap.String("msg_id", msg.ProviderID),
			zap.Int64("id", id),
		)
	}
	return created, nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
