// Package broker bridges the local gateway to the cross-process pub/sub
// fabric. Every broadcast, including one destined only for connections of the
// publishing process, goes out through the broker and comes back on the
// subscribe link, so delivery order is the broker's order for every process.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mverbeek/pushgate/internal/apperr"
	"github.com/mverbeek/pushgate/internal/gateway"
	"github.com/mverbeek/pushgate/internal/metrics"
	"github.com/mverbeek/pushgate/transport"
)

// Topic carries every broadcast envelope. All processes publish to and
// subscribe from the same topic.
const Topic = "pushgate.broadcast"

// ErrNotAttached reports a Broadcast before Attach established the broker
// links.
var ErrNotAttached = errors.New("broker: not attached")

// LocalDeliverer receives broadcasts arriving on the subscribe link.
// Satisfied by the gateway.
type LocalDeliverer interface {
	LocalDeliver(msg gateway.Message)
}

// Adapter owns the process's publish and subscribe links to the broker.
type Adapter struct {
	log    *slog.Logger
	tr     transport.Transport
	tracer trace.Tracer

	mu        sync.RWMutex
	deliverer LocalDeliverer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New wraps an already-built transport. Attach must be called before the
// adapter accepts broadcasts.
func New(tr transport.Transport, log *slog.Logger) *Adapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		log:    log,
		tr:     tr,
		tracer: otel.Tracer("pushgate/broker"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Attach opens the subscribe link and starts the delivery loop. The ctx bounds
// link establishment only; the subscription itself lives until Close.
func (a *Adapter) Attach(ctx context.Context, d LocalDeliverer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messages, err := a.tr.Subscriber.Subscribe(a.ctx, Topic)
	if err != nil {
		return errors.Join(errors.New("broker: subscribe failed"), err)
	}

	a.mu.Lock()
	a.deliverer = d
	a.mu.Unlock()

	go a.deliveryLoop(messages)
	a.log.Info("broker attached", "topic", Topic)
	return nil
}

// Broadcast publishes the message to the broker. It never delivers locally:
// the publishing process receives its own broadcast on the subscribe link
// like everyone else.
func (a *Adapter) Broadcast(ctx context.Context, msg gateway.Message) error {
	if a.getDeliverer() == nil {
		return ErrNotAttached
	}
	if !msg.Scope.Valid() {
		return apperr.Validation("broadcast scope is invalid")
	}
	if len(msg.Payload) > 0 && !json.Valid(msg.Payload) {
		return apperr.Validation("broadcast payload must be a JSON document")
	}

	ctx, span := a.tracer.Start(ctx, "broker.broadcast", trace.WithAttributes(
		attribute.String("broadcast.event", msg.Event),
		attribute.String("broadcast.scope", string(msg.Scope.Kind)),
	))
	defer span.End()

	wm, err := encodeEnvelope(msg)
	if err != nil {
		span.RecordError(err)
		return err
	}
	wm.SetContext(ctx)

	if err := a.tr.Publisher.Publish(Topic, wm); err != nil {
		span.RecordError(err)
		return errors.Join(errors.New("broker: publish failed"), err)
	}

	metrics.BroadcastsPublished.Inc()
	return nil
}

// Close tears down the delivery loop and both broker links. Safe to call when
// Attach never ran.
func (a *Adapter) Close() error {
	a.cancel()
	if a.getDeliverer() != nil {
		<-a.done
	}
	return a.tr.Close()
}

func (a *Adapter) getDeliverer() LocalDeliverer {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.deliverer
}

func (a *Adapter) deliveryLoop(messages <-chan *message.Message) {
	defer close(a.done)

	for wm := range messages {
		msg, err := decodeEnvelope(wm)
		if err != nil {
			// A malformed envelope is not retryable; ack and drop.
			metrics.EnvelopeDecodeFailures.Inc()
			a.log.Error("dropping undecodable broadcast", "uuid", wm.UUID, "err", err)
			wm.Ack()
			continue
		}

		a.getDeliverer().LocalDeliver(msg)
		metrics.BroadcastsDelivered.Inc()
		wm.Ack()
	}
}
