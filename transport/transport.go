// Package transport defines the broker transport contract for pushgate.
// Each backend (nats, rabbitmq, kafka, channel) lives in its own sub-package
// and registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is the pair of independent broker links the adapter operates on:
// one used only for publishing, one only for subscribing.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close releases both links. Errors from the publish side win; the subscribe
// side is closed regardless.
func (t Transport) Close() error {
	var pubErr, subErr error
	if t.Publisher != nil {
		pubErr = t.Publisher.Close()
	}
	if t.Subscriber != nil {
		subErr = t.Subscriber.Close()
	}
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports. The
// interface keeps transport packages independent of the settings package.
type Config interface {
	// GetBrokerSystem returns the transport type name.
	GetBrokerSystem() string

	// GetBrokerURL returns the broker endpoint (nats, rabbitmq).
	GetBrokerURL() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
}
