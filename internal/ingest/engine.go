// Package ingest runs the message pipeline: classify, resolve identity,
// acquire media, persist, then fan out.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/wprelay/internal/classify"
	"github.com/matheus3301/wprelay/internal/dedup"
	"github.com/matheus3301/wprelay/internal/fanout"
	"github.com/matheus3301/wprelay/internal/identity"
	"github.com/matheus3301/wprelay/internal/media"
	"github.com/matheus3301/wprelay/internal/message"
	"github.com/matheus3301/wprelay/internal/metrics"
	"github.com/matheus3301/wprelay/internal/persist"
	"github.com/matheus3301/wprelay/internal/store"
)

var (
	// ErrInvariant marks a broken internal guarantee, such as a message bound
	// to a conversation of another identity.
	ErrInvariant = errors.New("pipeline invariant violated")

	// ErrMalformed is returned for events with nothing to ingest: not a JSON
	// object, or no sender address.
	ErrMalformed = errors.New("malformed event")

	// ErrNotPersisted is returned with a non-nil Result when the identity
	// store failed: the message was fanned out but not stored, and the
	// provider should redeliver it.
	ErrNotPersisted = errors.New("message not persisted")
)

// DefaultTimeout bounds one pipeline run shared by concurrent deliveries.
const DefaultTimeout = 2 * time.Minute

// Input is one raw provider event.
type Input struct {
	Raw       json.RawMessage
	Direction message.Direction
	// ProfileName is the sender name from the webhook envelope, if any.
	ProfileName string
}

// Result describes what the pipeline did with an event.
type Result struct {
	Message *message.Message
	// Duplicate is set when the provider id was already stored or claimed.
	Duplicate bool
	// Persisted is false when the identity was ephemeral.
	Persisted bool
	// Fanout receives the dispatch outcome; nil when nothing was dispatched.
	Fanout <-chan fanout.Outcome
}

// Deps are the stages the engine runs.
type Deps struct {
	Store    store.Store
	Resolver *identity.Resolver
	Acquirer *media.Acquirer
	Persist  *persist.Manager
	Fanout   *fanout.Dispatcher
	Dedup    *dedup.Filter
	Metrics  *metrics.Metrics
	Tracer   trace.Tracer
	Logger   *zap.Logger
	// Timeout bounds a shared run, which is detached from the callers'
	// cancellation. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Engine is safe for concurrent use.
type Engine struct {
	d       Deps
	flight  singleflight.Group
	log     *zap.Logger
	tracer  trace.Tracer
	timeout time.Duration
}

// NewEngine creates an engine. Store, Resolver, Persist and Fanout are required.
func NewEngine(d Deps) *Engine {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/matheus3301/wprelay/internal/ingest")
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{d: d, log: log, tracer: tracer, timeout: timeout}
}

// Ingest runs one event through the pipeline. Concurrent calls for the same
// provider id share one run, which a caller giving up does not cancel.
// Durable write failures, unpersisted messages (ErrNotPersisted), malformed
// events and invariant violations are returned as errors; media and fan-out
// failures are reflected on the message instead.
func (e *Engine) Ingest(ctx context.Context, in Input) (*Result, error) {
	evt, err := classify.Parse(in.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.ID == "" {
		return e.run(ctx, evt, in)
	}
	v, err, _ := e.flight.Do(evt.ID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		return e.run(ctx, evt, in)
	})
	res, _ := v.(*Result)
	return res, err
}

func (e *Engine) run(ctx context.Context, evt *classify.Event, in Input) (res *Result, err error) {
	ctx, span := e.tracer.Start(ctx, "ingest.message", trace.WithAttributes(
		attribute.String("message.id", evt.ID),
		attribute.String("message.type", evt.Type),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := time.Now()
	msg := classify.Classify(evt)
	e.observe("classify", start)
	if in.Direction == message.Sent {
		msg.Direction = message.Sent
		msg.Status = message.StatusSent
	}
	msg.ContactName = in.ProfileName
	if msg.Address == "" {
		e.d.Metrics.IngestError("classify")
		return nil, fmt.Errorf("%w: no sender address in event %q", ErrMalformed, evt.ID)
	}
	span.SetAttributes(attribute.String("message.kind", string(msg.Kind)))

	if msg.ProviderID != "" {
		dup, err := e.seen(ctx, msg.ProviderID)
		if err != nil {
			return nil, err
		}
		if dup {
			e.d.Metrics.Duplicate()
			span.SetAttributes(attribute.Bool("message.duplicate", true))
			return &Result{Message: msg, Duplicate: true}, nil
		}
	}

	res, err = e.process(ctx, msg)
	if err != nil && msg.ProviderID != "" {
		if rerr := e.d.Dedup.Release(context.WithoutCancel(ctx), msg.ProviderID); rerr != nil {
			e.log.Warn("dedup release failed", zap.String("msg_id", msg.ProviderID), zap.Error(rerr))
		}
	}
	return res, err
}

// seen reports whether the provider id was already handled, here or by
// another process. Lookup failures are logged and treated as unseen; the
// store's unique key still prevents a second row.
func (e *Engine) seen(ctx context.Context, providerID string) (bool, error) {
	claimed, err := e.d.Dedup.Claim(ctx, providerID)
	if err != nil {
		e.log.Warn("dedup unavailable", zap.String("msg_id", providerID), zap.Error(err))
		claimed = true
	}
	if !claimed {
		e.log.Debug("message claimed elsewhere", zap.String("msg_id", providerID))
		return true, nil
	}
	exists, err := e.d.Store.HasMessage(ctx, providerID)
	if err != nil {
		e.log.Warn("duplicate lookup failed", zap.String("msg_id", providerID), zap.Error(err))
		return false, nil
	}
	if exists {
		e.log.Debug("message already stored", zap.String("msg_id", providerID))
	}
	return exists, nil
}

func (e *Engine) process(ctx context.Context, msg *message.Message) (*Result, error) {
	start := time.Now()
	id, conv := e.d.Resolver.Resolve(ctx, msg.Address, msg.ContactName, msg.Timestamp)
	e.observe("resolve", start)
	if err := checkBinding(id, conv); err != nil {
		e.d.Metrics.IngestError("resolve")
		return nil, err
	}
	msg.Bind(id, conv)
	if msg.ContactName == "" {
		msg.ContactName = id.Name
	}
	ephemeral := id.Ephemeral || conv.Ephemeral

	if msg.Kind.HasMedia() {
		start = time.Now()
		resolved := e.d.Acquirer.Acquire(ctx, msg)
		e.observe("media", start)
		e.d.Metrics.Media(resolved)
	}

	res := &Result{Message: msg}
	if ephemeral {
		// Consumers still hear about the message; the error makes the
		// provider redeliver it once the store is back.
		e.d.Metrics.IngestError("persist")
		res.Fanout = e.d.Fanout.Dispatch(msg)
		e.log.Warn("store degraded, message fanned out but not persisted",
			zap.String("msg_id", msg.ProviderID),
			zap.String("address", msg.Address),
		)
		return res, fmt.Errorf("%w: no stored identity for %q", ErrNotPersisted, msg.Address)
	}

	start = time.Now()
	created, err := e.d.Persist.Save(ctx, msg, conv)
	e.observe("persist", start)
	if err != nil {
		e.d.Metrics.IngestError("persist")
		return nil, err
	}
	if !created {
		e.d.Metrics.Duplicate()
		res.Duplicate = true
		return res, nil
	}
	res.Persisted = true

	e.d.Metrics.Ingested(string(msg.Direction), string(msg.Kind))
	res.Fanout = e.d.Fanout.Dispatch(msg)
	e.log.Info("message ingested",
		zap.String("msg_id", msg.ProviderID),
		zap.Int64("id", msg.ID),
		zap.String("address", msg.Address),
		zap.String("direction", string(msg.Direction)),
		zap.String("kind", string(msg.Kind)),
	)
	return res, nil
}

// checkBinding verifies the resolver's output before anything is written.
func checkBinding(id *message.Identity, conv *message.Conversation) error {
	switch {
	case id == nil || conv == nil:
		return fmt.Errorf("%w: unresolved identity or conversation", ErrInvariant)
	case conv.Address != id.Address:
		return fmt.Errorf("%w: conversation %q bound to identity %q", ErrInvariant, conv.Address, id.Address)
	case !id.Ephemeral && id.ID == 0:
		return fmt.Errorf("%w: persisted identity %q without id", ErrInvariant, id.Address)
	case !conv.Ephemeral && (conv.ID == 0 || conv.IdentityID != id.ID):
		return fmt.Errorf("%w: conversation %q references identity %d, want %d", ErrInvariant, conv.Address, conv.IdentityID, id.ID)
	}
	return nil
}

// StatusInput is one delivery status callback.
type StatusInput struct {
	ProviderID string
	Status     string
	Recipient  string
	Timestamp  time.Time
}

// IngestStatus records a delivery status for a stored message and broadcasts
// it. Unknown status values are ignored. It reports whether a stored
// message changed.
func (e *Engine) IngestStatus(ctx context.Context, in StatusInput) (bool, error) {
	st, ok := message.ParseStatus(in.Status)
	if !ok || in.ProviderID == "" {
		e.log.Debug("ignoring status callback", zap.String("msg_id", in.ProviderID), zap.String("status", in.Status))
		return false, nil
	}
	ctx, span := e.tracer.Start(ctx, "ingest.status", trace.WithAttributes(
		attribute.String("message.id", in.ProviderID),
		attribute.String("message.status", string(st)),
	))
	defer span.End()

	updated, err := e.d.Store.UpdateStatus(ctx, in.ProviderID, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.d.Metrics.IngestError("status")
		return false, fmt.Errorf("update status of %q: %w", in.ProviderID, err)
	}
	at := in.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	e.d.Fanout.PublishStatus(&fanout.StatusPayload{
		MessageID: in.ProviderID,
		Status:    st,
		Recipient: in.Recipient,
		Timestamp: at,
	})
	return updated, nil
}

func (e *Engine) observe(stage string, start time.Time) {
	e.d.Metrics.ObserveStage(stage, time.Since(start).Seconds())
}
