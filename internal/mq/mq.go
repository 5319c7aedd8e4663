// Package mq publishes and consumes account events on a message broker.
package mq

import (
	"context"
	"fmt"
	"strings"

	"github.com/maqalati/server/config"
)

// Message is a broker independent delivery.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Handler processes a message. Returning an error requeues it.
type Handler func(ctx context.Context, msg Message) error

// Backend is implemented by the RabbitMQ and Pub/Sub clients.
type Backend interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Close() error
}

// Open connects to the broker selected by cfg.Backend. An empty backend
// returns (nil, nil): events are then only logged.
func Open(ctx context.Context, cfg config.MQConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "":
		return nil, nil
	case "rabbitmq":
		client, err := NewRabbitMQClient(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "pubsub":
		client, err := NewPubSubClient(ctx, cfg.PubSub)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("mq: unknown backend %q", cfg.Backend)
	}
}
