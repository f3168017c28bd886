// Package amqp implements domain.BrokerAdapter against RabbitMQ using
// rabbitmq/amqp091-go. Each topic maps to a durable direct exchange plus a
// durable queue of the same name bound with the topic as routing key.
package amqp

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

const headerMessageID = "x-message-id"

// Adapter implements domain.BrokerAdapter over a single AMQP channel.
type Adapter struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	mu     sync.Mutex
	topics map[string]bool
	closed bool
}

// New dials url and opens a channel.
func New(url string) (*Adapter, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("op=amqp.new: %w", errJoin(domain.ErrBrokerFailure, err))
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("op=amqp.new: %w", errJoin(domain.ErrBrokerFailure, err))
	}
	return &Adapter{conn: conn, ch: ch, topics: make(map[string]bool)}, nil
}

func (a *Adapter) ensureTopic(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.topics[topic] {
		return nil
	}
	if err := a.ch.ExchangeDeclare(topic, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topic, err)
	}
	if _, err := a.ch.QueueDeclare(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	if err := a.ch.QueueBind(topic, topic, topic, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topic, err)
	}
	a.topics[topic] = true
	return nil
}

// Send publishes payload to topic's exchange with messageID in both the
// message-id property and an x-message-id header, using persistent
// (durable) delivery mode.
func (a *Adapter) Send(ctx context.Context, topic string, payload []byte, messageID string, options []byte) (bool, error) {
	if err := a.ensureTopic(topic); err != nil {
		return false, fmt.Errorf("op=amqp.send: %w", errJoin(domain.ErrBrokerFailure, err))
	}
	routingKey := topic
	if len(options) > 0 {
		routingKey = string(options)
	}
	err := a.ch.PublishWithContext(ctx, topic, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Headers:      amqp.Table{headerMessageID: messageID},
		Body:         payload,
	})
	if err != nil {
		return false, fmt.Errorf("op=amqp.send: %w", errJoin(domain.ErrBrokerFailure, err))
	}
	return true, nil
}

// Consume declares/binds topics' queues and delivers each message to
// callback with manual ack/nack (at-least-once).
func (a *Adapter) Consume(ctx context.Context, topics []string, callback func(domain.Envelope) bool) error {
	deliveries := make(chan amqp.Delivery)
	for _, topic := range topics {
		if err := a.ensureTopic(topic); err != nil {
			return fmt.Errorf("op=amqp.consume: %w", errJoin(domain.ErrBrokerFailure, err))
		}
		msgs, err := a.ch.ConsumeWithContext(ctx, topic, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("op=amqp.consume: %w", errJoin(domain.ErrBrokerFailure, err))
		}
		go func() {
			for d := range msgs {
				select {
				case deliveries <- d:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			messageID := d.MessageId
			if messageID == "" {
				if v, ok := d.Headers[headerMessageID]; ok {
					if s, ok := v.(string); ok {
						messageID = s
					}
				}
			}
			env := domain.Envelope{
				MessageID: messageID,
				Topic:     d.Exchange,
				Payload:   d.Body,
				RawHandle: d,
			}
			if callback(env) {
				_ = d.Ack(false)
			} else {
				_ = d.Nack(false, true)
			}
		}
	}
}

// Ack acknowledges a delivery obtained via Consume's Envelope.RawHandle.
func (a *Adapter) Ack(_ context.Context, rawHandle any) error {
	d, ok := rawHandle.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("op=amqp.ack: %w", fmt.Errorf("unexpected handle type %T", rawHandle))
	}
	return d.Ack(false)
}

// Nack negatively acknowledges a delivery, optionally requeueing it.
func (a *Adapter) Nack(_ context.Context, rawHandle any, requeue bool) error {
	d, ok := rawHandle.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("op=amqp.nack: %w", fmt.Errorf("unexpected handle type %T", rawHandle))
	}
	return d.Nack(false, requeue)
}

// Close tears down the channel and connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if err := a.ch.Close(); err != nil {
		_ = a.conn.Close()
		return fmt.Errorf("op=amqp.close: %w", err)
	}
	return a.conn.Close()
}

func errJoin(sentinel, err error) error {
	return fmt.Errorf("%w: %v", sentinel, err)
}
