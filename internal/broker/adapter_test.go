package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/mverbeek/pushgate/internal/apperr"
	"github.com/mverbeek/pushgate/internal/gateway"
	"github.com/mverbeek/pushgate/transport"
)

type chanDeliverer struct {
	msgs chan gateway.Message
}

func newChanDeliverer() *chanDeliverer {
	return &chanDeliverer{msgs: make(chan gateway.Message, 16)}
}

func (d *chanDeliverer) LocalDeliver(msg gateway.Message) { d.msgs <- msg }

func (d *chanDeliverer) next(t *testing.T) gateway.Message {
	t.Helper()
	select {
	case msg := <-d.msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast delivered")
		return gateway.Message{}
	}
}

func newTestAdapter(t *testing.T) (*Adapter, transport.Transport) {
	t.Helper()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	tr := transport.Transport{Publisher: pubsub, Subscriber: pubsub}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(tr, log)
	t.Cleanup(func() { _ = a.Close() })
	return a, tr
}

func TestBroadcastBeforeAttach(t *testing.T) {
	a, _ := newTestAdapter(t)

	err := a.Broadcast(context.Background(), gateway.Message{Event: "e", Scope: gateway.ToAll()})
	if !errors.Is(err, ErrNotAttached) {
		t.Fatalf("err = %v, want ErrNotAttached", err)
	}
}

func TestBroadcastEchoesToPublisher(t *testing.T) {
	a, _ := newTestAdapter(t)
	d := newChanDeliverer()
	if err := a.Attach(context.Background(), d); err != nil {
		t.Fatalf("attach: %v", err)
	}

	payload := []byte(`{"text":"hello","n":42}`)
	msg := gateway.Message{Event: "chat", Scope: gateway.ToRoom("lobby"), Payload: payload}
	if err := a.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	got := d.next(t)
	if got.Event != "chat" {
		t.Errorf("event = %q, want chat", got.Event)
	}
	if got.Scope != gateway.ToRoom("lobby") {
		t.Errorf("scope = %+v", got.Scope)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("payload not byte-identical: %s", got.Payload)
	}
}

func TestBroadcastOrderPreserved(t *testing.T) {
	a, _ := newTestAdapter(t)
	d := newChanDeliverer()
	if err := a.Attach(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	for i, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		msg := gateway.Message{Event: "seq", Scope: gateway.ToAll(), Payload: []byte(payload)}
		if err := a.Broadcast(context.Background(), msg); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}

	for _, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if got := d.next(t); string(got.Payload) != want {
			t.Fatalf("out of order: got %s, want %s", got.Payload, want)
		}
	}
}

func TestBroadcastRejectsInvalidScope(t *testing.T) {
	a, _ := newTestAdapter(t)
	d := newChanDeliverer()
	if err := a.Attach(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	bad := []gateway.Message{
		{Event: "e", Scope: gateway.Scope{Kind: gateway.ScopeRoom}},
		{Event: "e", Scope: gateway.Scope{Kind: "planet", Target: "earth"}},
		{Event: "e", Scope: gateway.Scope{Kind: gateway.ScopeAll, Target: "extra"}},
	}
	for _, msg := range bad {
		err := a.Broadcast(context.Background(), msg)
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
			t.Errorf("scope %+v: err = %v, want validation error", msg.Scope, err)
		}
	}
}

func TestBroadcastRejectsNonJSONPayload(t *testing.T) {
	a, _ := newTestAdapter(t)
	d := newChanDeliverer()
	if err := a.Attach(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	msg := gateway.Message{Event: "e", Scope: gateway.ToAll(), Payload: []byte("not json")}
	err := a.Broadcast(context.Background(), msg)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.KindValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestUndecodableEnvelopeIsDropped(t *testing.T) {
	a, tr := newTestAdapter(t)
	d := newChanDeliverer()
	if err := a.Attach(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	// Inject garbage straight onto the topic, then a valid broadcast. Only the
	// valid one may surface.
	garbage := message.NewMessage(watermill.NewUUID(), []byte("{{{"))
	if err := tr.Publisher.Publish(Topic, garbage); err != nil {
		t.Fatal(err)
	}
	good := gateway.Message{Event: "after", Scope: gateway.ToAll(), Payload: []byte(`{}`)}
	if err := a.Broadcast(context.Background(), good); err != nil {
		t.Fatal(err)
	}

	if got := d.next(t); got.Event != "after" {
		t.Fatalf("event = %q, want after", got.Event)
	}
}

func TestCloseWithoutAttach(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	tr := transport.Transport{Publisher: pubsub, Subscriber: pubsub}
	a := New(tr, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
