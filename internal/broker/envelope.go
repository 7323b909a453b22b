package broker

import (
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mverbeek/pushgate/internal/gateway"
	"github.com/mverbeek/pushgate/internal/ids"
	"github.com/mverbeek/pushgate/internal/jsoncodec"
)

// envelope is the broker wire format for a broadcast. The payload crosses the
// broker byte for byte; only the envelope itself is re-encoded.
type envelope struct {
	Event   string          `json:"event"`
	Scope   gateway.Scope   `json:"scope"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeEnvelope(msg gateway.Message) (*message.Message, error) {
	data, err := jsoncodec.Marshal(envelope{
		Event:   msg.Event,
		Scope:   msg.Scope,
		Payload: json.RawMessage(msg.Payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding broadcast envelope: %w", err)
	}
	return message.NewMessage(ids.New(), data), nil
}

func decodeEnvelope(msg *message.Message) (gateway.Message, error) {
	var env envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		return gateway.Message{}, fmt.Errorf("decoding broadcast envelope: %w", err)
	}
	out := gateway.Message{Event: env.Event, Scope: env.Scope, Payload: env.Payload}
	if !out.Scope.Valid() {
		return gateway.Message{}, fmt.Errorf("broadcast envelope has invalid scope %q", env.Scope.Kind)
	}
	return out, nil
}
