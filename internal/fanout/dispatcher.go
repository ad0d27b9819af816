// Package fanout delivers stored messages to the automation webhook and to
// realtime subscribers. Consumers are independent: one failing or hanging
// never delays or fails the other, and nothing is reported back to ingest
// as an error.
package fanout

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/bus"
	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/metrics"
)

// Publisher is the broadcast side; *bus.Bus satisfies it.
type Publisher interface {
	Publish(evt bus.Event) int
}

// Params configures a Dispatcher.
type Params struct {
	ForwardTimeout time.Duration
	// BroadcastWait bounds how long the broadcast waits for the forward
	// outcome before publishing with n8nForwarded=false.
	BroadcastWait time.Duration
	IncludeRaw    bool
}

// Outcome summarizes one dispatch.
type Outcome struct {
	Forwarded  bool
	ForwardErr error
	Delivered  int
}

// Dispatcher runs the forward and broadcast tasks for each message.
type Dispatcher struct {
	fwd     Forwarder
	pub     Publisher
	p       Params
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. A nil forwarder behaves as disabled.
func NewDispatcher(fwd Forwarder, pub Publisher, p Params, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if p.ForwardTimeout <= 0 {
		p.ForwardTimeout = 5 * time.Second
	}
	if p.BroadcastWait <= 0 {
		p.BroadcastWait = p.ForwardTimeout + time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{fwd: fwd, pub: pub, p: p, log: log, metrics: m}
}

// Dispatch starts both tasks and returns immediately. The returned channel
// receives exactly one Outcome once the broadcast has happened; callers may
// ignore it.
func (d *Dispatcher) Dispatch(msg *message.Message) <-chan Outcome {
	auto := NewAutomationPayload(msg, d.p.IncludeRaw)
	kind := bus.KindNewMessage
	if msg.Direction == message.Sent {
		kind = bus.KindMessageSent
	}

	forwarded := make(chan error, 1)
	go func() {
		forwarded <- d.forward(auto)
	}()

	out := make(chan Outcome, 1)
	go func() {
		var fwdErr error
		timer := time.NewTimer(d.p.BroadcastWait)
		select {
		case fwdErr = <-forwarded:
		case <-timer.C:
			fwdErr = context.DeadlineExceeded
		}
		timer.Stop()

		ok := fwdErr == nil
		n := d.publish(bus.Event{Kind: kind, Payload: NewMessagePayload(msg, ok)})
		out <- Outcome{Forwarded: ok, ForwardErr: fwdErr, Delivered: n}
	}()
	return out
}

// PublishStatus broadcasts a delivery status change.
func (d *Dispatcher) PublishStatus(p *StatusPayload) int {
	return d.publish(bus.Event{Kind: bus.KindMessageStatus, Payload: p})
}

func (d *Dispatcher) forward(p *AutomationPayload) error {
	if d.fwd == nil {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.p.ForwardTimeout)
	defer cancel()

	err := d.fwd.Forward(ctx, p)
	switch {
	case err == nil:
		d.metrics.Forward(true)
	case errors.Is(err, ErrDisabled):
	default:
		d.metrics.Forward(false)
		d.log.Warn("automation forward failed",
			zap.String("msg_id", p.MessageID),
			zap.String("from", p.From),
			zap.Error(err),
		)
	}
	return err
}

func (d *Dispatcher) publish(evt bus.Event) int {
	if d.pub == nil {
		return 0
	}
	n := d.pub.Publish(evt)
	d.metrics.Broadcast()
	if n == 0 {
		d.log.Debug("no realtime subscribers", zap.String("kind", evt.Kind))
	}
	return n
}
