package cache

import (
	"context"
	"time"

	"github.com/matheus3301/wprelay/internal/store"
)

// QueueOutbox implements store.Store.
func (c *Cache) QueueOutbox(_ context.Context, clientMsgID, address, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOutbox++
	c.outbox = append(c.outbox, store.OutboxEntry{
		ID:          c.nextOutbox,
		ClientMsgID: clientMsgID,
		Address:     address,
		Body:        body,
		Status:      "queued",
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

// PendingOutbox implements store.Store.
func (c *Cache) PendingOutbox(context.Context) ([]store.OutboxEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []store.OutboxEntry
	for _, e := range c.outbox {
		if e.Status == "queued" {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkOutboxSending implements store.Store.
func (c *Cache) MarkOutboxSending(_ context.Context, clientMsgID string) error {
	c.updateOutbox(clientMsgID, func(e *store.OutboxEntry) { e.Status = "sending" })
	return nil
}

// MarkOutboxSent implements store.Store. Sent entries are dropped.
func (c *Cache) MarkOutboxSent(_ context.Context, clientMsgID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.outbox {
		if e.ClientMsgID == clientMsgID {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}

// MarkOutboxFailed implements store.Store.
func (c *Cache) MarkOutboxFailed(_ context.Context, clientMsgID, errMsg string) error {
	c.updateOutbox(clientMsgID, func(e *store.OutboxEntry) {
		e.Status = "failed"
		e.ErrorMessage = errMsg
	})
	return nil
}

func (c *Cache) updateOutbox(clientMsgID string, fn func(*store.OutboxEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.outbox {
		if c.outbox[i].ClientMsgID == clientMsgID {
			fn(&c.outbox[i])
			return
		}
	}
}
