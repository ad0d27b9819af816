// Package realtime streams bus events under the "realtime." namespace to
// WebSocket subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/bus"
)

// Envelope is the frame written to subscribers.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Params configures a Hub.
type Params struct {
	// OriginPatterns are passed to websocket.Accept. Empty allows same-origin only.
	OriginPatterns []string
	WriteTimeout   time.Duration
	Buffer         int
}

// Hub serves the WebSocket endpoint. Each connection gets its own bus
// subscription; a slow client only loses its own events.
type Hub struct {
	bus     *bus.Bus
	p       Params
	log     *zap.Logger
	clients atomic.Int64
}

// NewHub creates a hub over b.
func NewHub(b *bus.Bus, p Params, log *zap.Logger) *Hub {
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = 5 * time.Second
	}
	if p.Buffer <= 0 {
		p.Buffer = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{bus: b, p: p, log: log}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int { return int(h.clients.Load()) }

// ServeHTTP upgrades the request and streams events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.p.OriginPatterns})
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "unexpected close")
	}()

	h.clients.Add(1)
	defer h.clients.Add(-1)
	events, unsub := h.bus.Subscribe(bus.RealtimePrefix, h.p.Buffer)
	defer unsub()
	h.log.Debug("realtime subscriber connected", zap.String("remote", r.RemoteAddr))

	// Subscribers never send; CloseRead handles control frames and cancels
	// ctx when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			h.log.Debug("realtime subscriber disconnected", zap.String("remote", r.RemoteAddr))
			return
		case evt := <-events:
			if err := h.write(ctx, conn, evt); err != nil {
				h.log.Debug("realtime write failed", zap.Error(err))
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, evt bus.Event) error {
	data, err := json.Marshal(Envelope{
		Type:      strings.TrimPrefix(evt.Kind, bus.RealtimePrefix),
		ID:        uuid.NewString(),
		Timestamp: evt.Timestamp,
		Data:      evt.Payload,
	})
	if err != nil {
		h.log.Error("encode realtime event", zap.String("kind", evt.Kind), zap.Error(err))
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.p.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
