package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maqalati/server/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AttrEvent is the attribute carrying the event type. RabbitMQ also receives
// it as the message type property.
const AttrEvent = "event"

// RabbitMQClient publishes to and consumes from queues named after the
// channel, on the default exchange. Publishing is safe for concurrent use:
// amqp channels are not, so publishes share one channel under a mutex and
// every subscription opens its own.
type RabbitMQClient struct {
	conn     *amqp.Connection
	cfg      config.RabbitMQConfig
	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	return &RabbitMQClient{
		conn:     conn,
		cfg:      cfg,
		pub:      pub,
		declared: make(map[string]bool),
	}, nil
}

// Publish sends a persistent JSON message to the named queue.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	headers := make(amqp.Table, len(attrs))
	for key, value := range attrs {
		headers[key] = value
	}
	messageID := uuid.NewString()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Type:         attrs[AttrEvent],
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         data,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.declared[channel] {
		if _, err := r.declareQueue(r.pub, channel); err != nil {
			return "", err
		}
		r.declared[channel] = true
	}
	if err := r.pub.PublishWithContext(ctx, "", channel, false, false, msg); err != nil {
		return "", fmt.Errorf("rabbitmq publish %s: %w", channel, err)
	}
	return messageID, nil
}

// Subscribe blocks consuming the named queue until ctx is done. Messages the
// handler fails on are requeued.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer ch.Close()

	if r.cfg.PrefetchCount > 0 {
		if err := ch.Qos(r.cfg.PrefetchCount, 0, false); err != nil {
			return fmt.Errorf("rabbitmq qos: %w", err)
		}
	}
	if _, err := r.declareQueue(ch, channel); err != nil {
		return err
	}

	consumerTag := "maqalati-" + uuid.NewString()
	deliveries, err := ch.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", channel, err)
	}
	defer func() {
		_ = ch.Cancel(consumerTag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handler(ctx, deliveryMessage(delivery)); err != nil {
				_ = delivery.Nack(false, true)
				continue
			}
			_ = delivery.Ack(false)
		}
	}
}

func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	if r.pub != nil {
		_ = r.pub.Close()
	}
	r.mu.Unlock()
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *RabbitMQClient) declareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		r.cfg.QueueDurable,
		r.cfg.QueueAutoDelete,
		false,
		false,
		nil,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("rabbitmq declare %s: %w", name, err)
	}
	return q, nil
}

func deliveryMessage(d amqp.Delivery) Message {
	attrs := headersToAttributes(d.Headers)
	if d.Type != "" {
		if attrs == nil {
			attrs = make(map[string]string, 1)
		}
		if _, ok := attrs[AttrEvent]; !ok {
			attrs[AttrEvent] = d.Type
		}
	}
	return Message{
		ID:         d.MessageId,
		Data:       d.Body,
		Attributes: attrs,
	}
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}
