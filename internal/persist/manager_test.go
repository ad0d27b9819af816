package persist

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/cache"
	"github.com/matheus3301/wprelay/internal/message"
)

func bound(t *testing.T, c *cache.Cache, address, providerID, content string, dir message.Direction) (*message.Message, *message.Conversation) {
	t.Helper()
	ctx := context.Background()
	at := time.Now()
	id, err := c.TouchIdentity(ctx, address, "", at)
	if err != nil {
		t.Fatal(err)
	}
	conv, err := c.EnsureConversation(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	msg := &message.Message{ProviderID: providerID, Direction: dir, Address: address, Content: content, Timestamp: at}
	msg.Bind(id, conv)
	return msg, conv
}

func TestSaveUnreadOnlyForReceived(t *testing.T) {
	c := cache.New(cache.Params{}, nil)
	m := NewManager(c, nil)
	ctx := context.Background()

	in, conv := bound(t, c, "1", "in", "hello", message.Received)
	if created, err := m.Save(ctx, in, conv); err != nil || !created {
		t.Fatalf("save received: created=%v err=%v", created, err)
	}
	if in.ID == 0 {
		t.Error("message id not set")
	}
	out, conv := bound(t, c, "1", "out", "reply", message.Sent)
	if _, err := m.Save(ctx, out, conv); err != nil {
		t.Fatal(err)
	}

	got, _ := c.GetConversation(ctx, "1")
	if got.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", got.UnreadCount)
	}
	if got.LastMessage != "reply" {
		t.Errorf("preview = %q", got.LastMessage)
	}
}

func TestSaveTruncatesPreview(t *testing.T) {
	c := cache.New(cache.Params{}, nil)
	m := NewManager(c, nil)

	long := strings.Repeat("é", 150)
	msg, conv := bound(t, c, "1", "x", long, message.Received)
	if _, err := m.Save(context.Background(), msg, conv); err != nil {
		t.Fatal(err)
	}
	got, _ := c.GetConversation(context.Background(), "1")
	if n := len([]rune(got.LastMessage)); n != PreviewLen {
		t.Errorf("preview runes = %d, want %d", n, PreviewLen)
	}
}

func TestSaveDuplicate(t *testing.T) {
	c := cache.New(cache.Params{}, nil)
	m := NewManager(c, nil)
	msg, conv := bound(t, c, "1", "dup", "x", message.Received)

	if created, _ := m.Save(context.Background(), msg, conv); !created {
		t.Fatal("first save not created")
	}
	first := msg.ID
	if created, _ := m.Save(context.Background(), msg, conv); created {
		t.Error("duplicate reported as created")
	}
	if msg.ID != first {
		t.Errorf("duplicate id = %d, want %d", msg.ID, first)
	}
}

func TestConcurrentSavesKeepCounters(t *testing.T) {
	c := cache.New(cache.Params{MaxMessages: 1000}, nil)
	m := NewManager(c, nil)

	const n = 50
	msgs := make([]*message.Message, n)
	var conv *message.Conversation
	for i := range n {
		msgs[i], conv = bound(t, c, "busy", fmt.Sprintf("m%d", i), "x", message.Received)
	}

	var wg sync.WaitGroup
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg *message.Message) {
			defer wg.Done()
			if _, err := m.Save(context.Background(), msg, conv); err != nil {
				t.Error(err)
			}
		}(msg)
	}
	wg.Wait()

	got, _ := c.GetConversation(context.Background(), "busy")
	if got.UnreadCount != n {
		t.Errorf("unread = %d, want %d", got.UnreadCount, n)
	}
	if m.locks.size() != 0 {
		t.Errorf("locks leaked: %d", m.locks.size())
	}
}

func TestSaveUnboundFails(t *testing.T) {
	m := NewManager(cache.New(cache.Params{}, nil), nil)
	msg := &message.Message{Content: "x"}
	if _, err := m.Save(context.Background(), msg, &message.Conversation{Address: "1"}); err == nil {
		t.Error("expected error for unbound message")
	}
}
