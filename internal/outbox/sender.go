// Package outbox queues outgoing text messages and sends them through the
// provider, feeding each sent message back into the ingest pipeline.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/wprelay/internal/classify"
	"github.com/matheus3301/wprelay/internal/fanout"
	"github.com/matheus3301/wprelay/internal/ingest"
	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/store"
)

// ErrInvalid is returned by Enqueue for an empty address or body.
var ErrInvalid = errors.New("recipient and message are required")

// TextSender sends a text message and returns the provider message id.
type TextSender interface {
	SendText(ctx context.Context, to, body string) (serverMsgID string, err error)
}

// Ingester runs a sent message through the pipeline.
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Input) (*ingest.Result, error)
}

// StatusPublisher broadcasts delivery status changes.
type StatusPublisher interface {
	PublishStatus(p *fanout.StatusPayload) int
}

// Params configures a Sender.
type Params struct {
	PollInterval time.Duration
	// RatePerSec limits provider calls; 0 disables the limit.
	RatePerSec float64
	Burst      int
}

// Sender drains the outbox.
type Sender struct {
	store    store.Store
	sender   TextSender
	ingester Ingester
	status   StatusPublisher
	limiter  *rate.Limiter
	poll     time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new outbox sender.
func NewSender(s store.Store, sender TextSender, ing Ingester, st StatusPublisher, p Params, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if p.PollInterval <= 0 {
		p.PollInterval = 500 * time.Millisecond
	}
	limit := rate.Inf
	if p.RatePerSec > 0 {
		limit = rate.Limit(p.RatePerSec)
	}
	if p.Burst <= 0 {
		p.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		store:    s,
		sender:   sender,
		ingester: ing,
		status:   st,
		limiter:  rate.NewLimiter(limit, p.Burst),
		poll:     p.PollInterval,
		metrics:  m,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue queues body for address and returns the client message id.
func (s *Sender) Enqueue(ctx context.Context, address, body string) (string, error) {
	address = classify.NormalizeAddress(address)
	if address == "" || strings.TrimSpace(body) == "" {
		return "", ErrInvalid
	}
	id := uuid.NewString()
	if err := s.store.QueueOutbox(ctx, id, address, body); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop stops the sender loop and waits for an in-flight batch.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.wake:
		case <-ctx.Done():
			return
		}
		s.processPending(ctx)
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.store.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.store.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		s.send(ctx, entry)
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) {
	serverMsgID, err := s.sender.SendText(ctx, entry.Address, entry.Body)
	if err != nil {
		s.metrics.OutboxSend(false)
		s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		if err := s.store.MarkOutboxFailed(ctx, entry.ClientMsgID, err.Error()); err != nil {
			s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		if s.status != nil {
			s.status.PublishStatus(&fanout.StatusPayload{
				MessageID: entry.ClientMsgID,
				Status:    message.StatusFailed,
				Recipient: entry.Address,
				Timestamp: time.Now().UTC(),
			})
		}
		return
	}
	s.metrics.OutboxSend(true)

	if err := s.store.MarkOutboxSent(ctx, entry.ClientMsgID, serverMsgID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID), zap.String("server_msg_id", serverMsgID))

	raw, err := sentEvent(entry, serverMsgID, time.Now())
	if err != nil {
		s.logger.Error("encode sent event", zap.Error(err))
		return
	}
	if _, err := s.ingester.Ingest(ctx, ingest.Input{Raw: raw, Direction: message.Sent}); err != nil {
		s.logger.Error("failed to record sent message",
			zap.Error(err),
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", serverMsgID),
		)
	}
}

// sentEvent renders a sent text in the provider's inbound event shape so it
// takes the same classification path as received messages.
func sentEvent(entry store.OutboxEntry, serverMsgID string, at time.Time) (json.RawMessage, error) {
	evt := map[string]any{
		"from":      entry.Address,
		"id":        serverMsgID,
		"timestamp": strconv.FormatInt(at.Unix(), 10),
		"type":      "text",
		"text":      map[string]string{"body": entry.Body},
	}
	return json.Marshal(evt)
}
