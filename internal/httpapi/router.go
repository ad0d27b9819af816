// Package httpapi serves the provider webhook, the read and send API, media
// files, metrics and the realtime WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/ingest"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/status"
	"github.com/matheus3301/wprelay/internal/store"
)

// Ingester is the pipeline entry point.
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Input) (*ingest.Result, error)
	IngestStatus(ctx context.Context, in ingest.StatusInput) (bool, error)
}

// Enqueuer queues outgoing messages.
type Enqueuer interface {
	Enqueue(ctx context.Context, address, body string) (string, error)
}

// Deps are the handlers' collaborators. Realtime, MediaDir and Metrics are
// optional; their routes are not mounted when unset.
type Deps struct {
	Store       store.Store
	Engine      Ingester
	Outbox      Enqueuer
	Status      *status.Machine
	Realtime    RealtimeHandler
	MediaDir    string
	MediaPrefix string
	Metrics     *metrics.Metrics
	VerifyToken string
	// MaxBody caps webhook and API request bodies.
	MaxBody int64
	Logger  *zap.Logger
}

// RealtimeHandler is the WebSocket endpoint.
type RealtimeHandler interface {
	http.Handler
	Clients() int
}

type api struct {
	Deps
	log *zap.Logger
}

// NewRouter builds the chi mux with all routes wired.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.MaxBody <= 0 {
		d.MaxBody = 5 << 20
	}
	if d.MediaPrefix == "" {
		d.MediaPrefix = "/media"
	}
	a := &api{Deps: d, log: d.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, a.logRequests)

	r.Get("/health", a.handleHealth)

	r.Get("/webhook", a.handleVerify)
	r.Post("/webhook", a.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Post("/messages/send", a.handleSend)
		r.Get("/chats", a.handleListChats)
		r.Get("/chats/{address}", a.handleGetChat)
		r.Get("/chats/{address}/messages", a.handleListMessages)
		r.Post("/chats/{address}/read", a.handleMarkRead)
		r.Get("/contacts/{address}", a.handleGetContact)
	})

	if d.Realtime != nil {
		r.Handle("/ws", d.Realtime)
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
	if d.MediaDir != "" {
		prefix := strings.TrimRight(d.MediaPrefix, "/")
		r.Handle(prefix+"/*", http.StripPrefix(prefix+"/", mediaFiles(d.MediaDir)))
	}
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// logRequests logs each request at debug level with its outcome.
func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// mediaFiles serves stored blobs without directory listings.
func mediaFiles(root string) http.Handler {
	fs := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		fs.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}
