package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/message"
)

func textMessage() *message.Message {
	return &message.Message{
		ID:             7,
		ProviderID:     "wamid.1",
		Direction:      message.Received,
		Address:        "911234567890",
		ContactName:    "Ana",
		ConversationID: 3,
		IdentityID:     2,
		Content:        "hi",
		Kind:           message.KindText,
		Status:         message.StatusReceived,
		Timestamp:      time.Unix(1700000000, 0).UTC(),
		Raw:            json.RawMessage(`{"type":"text"}`),
	}
}

type mockForwarder struct {
	mu    sync.Mutex
	calls []*AutomationPayload
	block bool
	err   error
}

func (m *mockForwarder) Forward(ctx context.Context, p *AutomationPayload) error {
	m.mu.Lock()
	m.calls = append(m.calls, p)
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

func (m *mockForwarder) payloads() []*AutomationPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*AutomationPayload(nil), m.calls...)
}

func receive(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func TestDispatchForwardsAndBroadcasts(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.RealtimePrefix, 4)
	defer unsub()
	fwd := &mockForwarder{}
	d := NewDispatcher(fwd, b, Params{}, nil, nil)

	o := receive(t, d.Dispatch(textMessage()))
	if !o.Forwarded || o.Delivered != 1 {
		t.Errorf("outcome = %+v", o)
	}

	p := fwd.payloads()
	if len(p) != 1 {
		t.Fatalf("forward calls = %d", len(p))
	}
	if p[0].Source != "incoming" || p[0].Platform != "whatsapp" || p[0].ChatID != 3 || p[0].ContactID != 2 {
		t.Errorf("automation payload = %+v", p[0])
	}
	if p[0].RawData != nil {
		t.Error("raw data sent without IncludeRaw")
	}

	evt := <-events
	if evt.Kind != bus.KindNewMessage {
		t.Errorf("kind = %q", evt.Kind)
	}
	data := evt.Payload.(*MessagePayload)
	if !data.N8NForwarded || data.Message != "hi" || data.MessageID != "wamid.1" {
		t.Errorf("realtime payload = %+v", data)
	}
}

func TestDispatchSentUsesMessageSent(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.RealtimePrefix, 1)
	defer unsub()
	fwd := &mockForwarder{}
	d := NewDispatcher(fwd, b, Params{IncludeRaw: true}, nil, nil)

	msg := textMessage()
	msg.Direction = message.Sent
	receive(t, d.Dispatch(msg))

	if evt := <-events; evt.Kind != bus.KindMessageSent {
		t.Errorf("kind = %q", evt.Kind)
	}
	if p := fwd.payloads()[0]; p.Source != "outgoing" || string(p.RawData) != `{"type":"text"}` {
		t.Errorf("payload = %+v", p)
	}
}

func TestForwardTimeoutStillBroadcasts(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.RealtimePrefix, 1)
	defer unsub()
	d := NewDispatcher(&mockForwarder{block: true}, b, Params{ForwardTimeout: 50 * time.Millisecond}, nil, nil)

	start := time.Now()
	o := receive(t, d.Dispatch(textMessage()))
	if o.Forwarded || !errors.Is(o.ForwardErr, context.DeadlineExceeded) {
		t.Errorf("outcome = %+v", o)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("broadcast waited past the forward timeout")
	}
	if data := (<-events).Payload.(*MessagePayload); data.N8NForwarded {
		t.Error("n8nForwarded = true after timeout")
	}
}

func TestBroadcastWaitShorterThanForward(t *testing.T) {
	b := bus.New()
	d := NewDispatcher(&mockForwarder{block: true}, b, Params{
		ForwardTimeout: time.Second,
		BroadcastWait:  20 * time.Millisecond,
	}, nil, nil)

	start := time.Now()
	o := receive(t, d.Dispatch(textMessage()))
	if o.Forwarded {
		t.Error("forwarded before forward completed")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("broadcast not bounded by its own wait")
	}
}

func TestForwardFailureAndNoSubscribers(t *testing.T) {
	d := NewDispatcher(&mockForwarder{err: errors.New("boom")}, bus.New(), Params{}, nil, nil)
	o := receive(t, d.Dispatch(textMessage()))
	if o.Forwarded || o.Delivered != 0 {
		t.Errorf("outcome = %+v", o)
	}
}

func TestDisabledForwarder(t *testing.T) {
	d := NewDispatcher(nil, nil, Params{}, nil, nil)
	o := receive(t, d.Dispatch(textMessage()))
	if o.Forwarded || !errors.Is(o.ForwardErr, ErrDisabled) {
		t.Errorf("outcome = %+v", o)
	}
}

func TestHTTPForwarderSigns(t *testing.T) {
	secret := []byte("s3cret")
	var got AutomationPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !ValidSignature(secret, body, r.Header.Get(SignatureHeader)) {
			t.Error("bad signature")
		}
		if err := json.Unmarshal(body, &got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	f := NewHTTPForwarder(srv.URL, string(secret), srv.Client())
	if err := f.Forward(context.Background(), NewAutomationPayload(textMessage(), false)); err != nil {
		t.Fatal(err)
	}
	if got.From != "911234567890" || got.MessageType != message.KindText || got.MessageID != "wamid.1" {
		t.Errorf("received %+v", got)
	}
}

func TestHTTPForwarderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Error("signature sent without secret")
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewHTTPForwarder(srv.URL, "", nil).Forward(context.Background(), &AutomationPayload{}); err == nil {
		t.Error("expected error for 502")
	}
	if err := NewHTTPForwarder("", "", nil).Forward(context.Background(), &AutomationPayload{}); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestMessageIDFallsBackToStoredID(t *testing.T) {
	msg := textMessage()
	msg.ProviderID = ""
	if got := NewMessagePayload(msg, false).MessageID; got != "7" {
		t.Errorf("messageId = %q, want 7", got)
	}
}
