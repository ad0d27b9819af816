package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/matheus3301/wprelay/internal/bus"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubStreamsRealtimeEvents(t *testing.T) {
	b := bus.New()
	h := NewHub(b, Params{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, "subscription", func() bool { return b.Subscribers(bus.KindNewMessage) == 1 })

	b.Publish(bus.Event{Kind: "internal.ignored", Payload: "x"})
	b.Publish(bus.Event{Kind: bus.KindNewMessage, Payload: map[string]string{"message": "hi"}})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Type string            `json:"type"`
		ID   string            `json:"id"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != "new_message" || env.ID == "" || env.Data["message"] != "hi" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestHubUnsubscribesOnClose(t *testing.T) {
	b := bus.New()
	h := NewHub(b, Params{}, nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	waitFor(t, "subscription", func() bool { return b.Subscribers(bus.KindNewMessage) == 1 })
	if h.Clients() != 1 {
		t.Errorf("clients = %d", h.Clients())
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	waitFor(t, "disconnect", func() bool { return h.Clients() == 0 })
	if n := b.Subscribers(bus.KindNewMessage); n != 0 {
		t.Errorf("subscribers after close = %d", n)
	}
}
