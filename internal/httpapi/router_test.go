package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/cache"
	"github.com/matheus3301/wprelay/internal/fanout"
	"github.com/matheus3301/wprelay/internal/identity"
	"github.com/matheus3301/wprelay/internal/ingest"
	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/outbox"
	"github.com/matheus3301/wprelay/internal/persist"
	"github.com/matheus3301/wprelay/internal/status"
	"github.com/matheus3301/wprelay/internal/store"
)

type fakeOutbox struct {
	to, body string
}

func (f *fakeOutbox) Enqueue(_ context.Context, to, body string) (string, error) {
	if to == "" || body == "" {
		return "", outbox.ErrInvalid
	}
	f.to, f.body = to, body
	return "client-1", nil
}

type failingEngine struct{}

func (failingEngine) Ingest(context.Context, ingest.Input) (*ingest.Result, error) {
	return nil, errors.New("database is locked")
}

func (failingEngine) IngestStatus(context.Context, ingest.StatusInput) (bool, error) {
	return false, nil
}

type server struct {
	*httptest.Server
	store  store.Store
	outbox *fakeOutbox
	media  string
}

func newServer(t *testing.T, engine Ingester) *server {
	t.Helper()
	c := cache.New(cache.Params{}, nil)
	b := bus.New()
	if engine == nil {
		engine = ingest.NewEngine(ingest.Deps{
			Store:    c,
			Resolver: identity.NewResolver(c, nil),
			Persist:  persist.NewManager(c, nil),
			Fanout:   fanout.NewDispatcher(nil, b, fanout.Params{}, nil, nil),
		})
	}
	machine := status.NewMachine(b)
	if err := machine.Transition(status.Degraded, "no durable store"); err != nil {
		t.Fatal(err)
	}
	ob := &fakeOutbox{}
	mediaDir := t.TempDir()
	srv := httptest.NewServer(NewRouter(Deps{
		Store:       c,
		Engine:      engine,
		Outbox:      ob,
		Status:      machine,
		MediaDir:    mediaDir,
		Metrics:     metrics.New(),
		VerifyToken: "verify-me",
	}))
	t.Cleanup(srv.Close)
	return &server{Server: srv, store: c, outbox: ob, media: mediaDir}
}

func (s *server) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

const envelope = `{
  "object": "whatsapp_business_account",
  "entry": [{"id": "WABA", "changes": [{"field": "messages", "value": {
    "messaging_product": "whatsapp",
    "metadata": {"phone_number_id": "123"},
    "contacts": [{"profile": {"name": "Ana"}, "wa_id": "911234567890"}],
    "messages": [
      {"from": "911234567890", "id": "wamid.1", "timestamp": "1700000000", "type": "text", "text": {"body": "hi"}},
      "not an event"
    ]
  }}]}]
}`

func TestVerifyChallenge(t *testing.T) {
	s := newServer(t, nil)
	resp, body := s.do(t, "GET", "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=abc", "")
	if resp.StatusCode != 200 || body != "abc" {
		t.Errorf("got %d %q", resp.StatusCode, body)
	}
	resp, _ = s.do(t, "GET", "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=abc", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong token status = %d", resp.StatusCode)
	}
}

func TestWebhookIngestsAndReadAPI(t *testing.T) {
	s := newServer(t, nil)

	resp, body := s.do(t, "POST", "/webhook", envelope)
	if resp.StatusCode != 200 {
		t.Fatalf("webhook status = %d: %s", resp.StatusCode, body)
	}

	resp, body = s.do(t, "GET", "/api/chats", "")
	var convs []message.Conversation
	if err := json.Unmarshal([]byte(body), &convs); err != nil || resp.StatusCode != 200 {
		t.Fatalf("list chats: %d %s", resp.StatusCode, body)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 1 || convs[0].LastMessage != "hi" {
		t.Errorf("chats = %+v", convs)
	}

	_, body = s.do(t, "GET", "/api/chats/+911234567890/messages?limit=10", "")
	var msgs []message.Message
	if err := json.Unmarshal([]byte(body), &msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" || msgs[0].ContactName != "Ana" {
		t.Errorf("messages = %+v", msgs)
	}

	_, body = s.do(t, "GET", "/api/contacts/911234567890", "")
	var id message.Identity
	if err := json.Unmarshal([]byte(body), &id); err != nil {
		t.Fatal(err)
	}
	if id.Name != "Ana" || id.MessageCount != 1 {
		t.Errorf("contact = %+v", id)
	}

	if resp, _ := s.do(t, "POST", "/api/chats/911234567890/read", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("mark read status = %d", resp.StatusCode)
	}
	_, body = s.do(t, "GET", "/api/chats/911234567890", "")
	var conv message.Conversation
	_ = json.Unmarshal([]byte(body), &conv)
	if conv.UnreadCount != 0 {
		t.Errorf("unread after read = %d", conv.UnreadCount)
	}

	// Redelivery of the same envelope is acknowledged and stored once.
	if resp, _ := s.do(t, "POST", "/webhook", envelope); resp.StatusCode != 200 {
		t.Errorf("redelivery status = %d", resp.StatusCode)
	}
	stats, _ := s.store.Stats(context.Background())
	if stats.Messages != 1 {
		t.Errorf("messages stored = %d", stats.Messages)
	}
}

func TestWebhookErrors(t *testing.T) {
	s := newServer(t, nil)
	if resp, _ := s.do(t, "POST", "/webhook", "{"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json status = %d", resp.StatusCode)
	}

	failing := newServer(t, failingEngine{})
	if resp, _ := failing.do(t, "POST", "/webhook", envelope); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failed ingest status = %d", resp.StatusCode)
	}
}

// downStore fails every identity write, as an unreachable database would.
type downStore struct {
	store.Store
}

func (downStore) TouchIdentity(context.Context, string, string, time.Time) (*message.Identity, error) {
	return nil, errors.New("connection refused")
}

func TestWebhookNotAcknowledgedWhenStoreDown(t *testing.T) {
	c := cache.New(cache.Params{}, nil)
	down := downStore{Store: c}
	engine := ingest.NewEngine(ingest.Deps{
		Store:    down,
		Resolver: identity.NewResolver(down, nil),
		Persist:  persist.NewManager(down, nil),
		Fanout:   fanout.NewDispatcher(nil, bus.New(), fanout.Params{}, nil, nil),
	})
	s := newServer(t, engine)

	resp, body := s.do(t, "POST", "/webhook", envelope)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ok, _ := c.HasMessage(context.Background(), "wamid.1"); ok {
		t.Error("message stored while the store was down")
	}
}

func TestNotFound(t *testing.T) {
	s := newServer(t, nil)
	for _, path := range []string{"/api/chats/000", "/api/contacts/000"} {
		if resp, _ := s.do(t, "GET", path, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
	}
	if resp, _ := s.do(t, "POST", "/api/chats/000/read", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("mark read unknown status = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "GET", "/api/chats/1/messages?before=yesterday", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad before status = %d", resp.StatusCode)
	}
}

func TestSend(t *testing.T) {
	s := newServer(t, nil)
	resp, body := s.do(t, "POST", "/api/messages/send", `{"to":"5511","message":"hello"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out SendResponse
	_ = json.Unmarshal([]byte(body), &out)
	if out.ClientMsgID != "client-1" || out.Status != "queued" || s.outbox.body != "hello" {
		t.Errorf("response = %+v", out)
	}

	if resp, _ := s.do(t, "POST", "/api/messages/send", `{"to":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid send status = %d", resp.StatusCode)
	}
	if resp, _ := s.do(t, "POST", "/api/messages/send", `nope`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
}

func TestStatus(t *testing.T) {
	s := newServer(t, nil)
	_, body := s.do(t, "GET", "/api/status", "")
	var st StatusResponse
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != "DEGRADED" || st.Store != store.ModeCache || st.Stats == nil {
		t.Errorf("status = %+v", st)
	}
}

func TestMediaAndMetrics(t *testing.T) {
	s := newServer(t, nil)
	if err := os.MkdirAll(filepath.Join(s.media, "image"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.media, "image", "m.png"), []byte("png"), 0600); err != nil {
		t.Fatal(err)
	}

	resp, body := s.do(t, "GET", "/media/image/m.png", "")
	if resp.StatusCode != 200 || body != "png" {
		t.Errorf("media = %d %q", resp.StatusCode, body)
	}
	if resp, _ := s.do(t, "GET", "/media/image/", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("directory listing status = %d", resp.StatusCode)
	}

	resp, body = s.do(t, "GET", "/metrics", "")
	if resp.StatusCode != 200 || !strings.Contains(body, "wprelay_") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
