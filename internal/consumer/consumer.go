// Package consumer implements the idempotent Event Consumer (C3): a
// topic-routed handler registry backed by the idempotency ledger, so
// at-least-once broker redelivery never invokes a handler twice.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/internal/observability"
)

// validate is safe for concurrent use and caches struct validation rules,
// so one package-level instance is shared by every Consumer.
var validate = validator.New()

// Handler processes a single envelope's payload and reports success. A
// false return or an error marks the message failed (eligible for
// compensation); a panic is recovered and treated the same way.
type Handler func(ctx context.Context, messageID, topic string, payload []byte) (bool, error)

// Consumer routes envelopes from a BrokerAdapter to topic-registered
// handlers, deduplicating via an IdempotencyStore.
type Consumer struct {
	idempotency domain.IdempotencyStore
	broker      domain.BrokerAdapter

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New constructs a Consumer.
func New(idempotency domain.IdempotencyStore, broker domain.BrokerAdapter) *Consumer {
	return &Consumer{idempotency: idempotency, broker: broker, handlers: make(map[string]Handler)}
}

// Register binds handler to topic. Registration is additive and must not
// be called concurrently with Start.
func (c *Consumer) Register(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

// Process validates, deduplicates, and dispatches a single envelope. It
// never returns an error: every outcome is folded into the returned bool,
// which the caller (normally a BrokerAdapter.Consume loop) uses to decide
// ack vs. nack.
func (c *Consumer) Process(ctx context.Context, env domain.Envelope) bool {
	tracer := otel.Tracer("consumer")
	ctx, span := tracer.Start(ctx, "consumer.Process")
	defer span.End()
	span.SetAttributes(attribute.String("message.topic", env.Topic), attribute.String("message.id", env.MessageID))

	if err := validate.Struct(env); err != nil {
		slog.Error("consumer: invalid envelope", slog.String("message_id", env.MessageID), slog.String("topic", env.Topic), slog.Any("error", err))
		return false
	}

	processed, err := c.idempotency.IsProcessed(ctx, env.MessageID)
	if err != nil {
		slog.Error("consumer: is_processed check failed", slog.String("message_id", env.MessageID), slog.Any("error", err))
		return false
	}
	if processed {
		slog.Info("consumer: already processed", slog.String("message_id", env.MessageID))
		observability.RecordConsumed(env.Topic, "duplicate")
		return true
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.Topic]
	c.mu.RUnlock()
	if !ok {
		slog.Warn("consumer: no handler", slog.String("topic", env.Topic))
		return false
	}

	if err := c.idempotency.MarkProcessing(ctx, env.MessageID, env.Topic, env.Payload); err != nil {
		slog.Error("consumer: mark_processing failed", slog.String("message_id", env.MessageID), slog.Any("error", err))
		return false
	}

	ok, err = c.invokeSafely(ctx, handler, env)
	if err != nil {
		c.markFailed(ctx, env.MessageID, env.Topic, err.Error())
		return false
	}
	if !ok {
		c.markFailed(ctx, env.MessageID, env.Topic, "handler returned false")
		return false
	}

	marked, err := c.idempotency.MarkProcessed(ctx, env.MessageID)
	if err != nil {
		slog.Error("consumer: mark_processed failed", slog.String("message_id", env.MessageID), slog.Any("error", err))
		return false
	}
	if !marked {
		// The row moved out of "processing" before this update landed (e.g. a
		// concurrent redelivery already marked it failed); treat the handler's
		// success as lost rather than reporting a false "processed".
		c.markFailed(ctx, env.MessageID, env.Topic, "lost race to mark_processed")
		return false
	}
	observability.RecordConsumed(env.Topic, "processed")
	return true
}

func (c *Consumer) markFailed(ctx context.Context, messageID, topic, reason string) {
	if _, err := c.idempotency.MarkFailed(ctx, messageID, reason); err != nil {
		slog.Error("consumer: mark_failed failed", slog.String("message_id", messageID), slog.Any("error", err))
	}
	observability.RecordConsumed(topic, "failed")
}

// invokeSafely recovers a handler panic and reports it as an error, same
// as an explicit handler error return.
func (c *Consumer) invokeSafely(ctx context.Context, handler Handler, env domain.Envelope) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return handler(ctx, env.MessageID, env.Topic, env.Payload)
}

// Start delegates to broker.Consume with topics defaulting to every
// registered handler's topic, blocking until the adapter's consume loop
// terminates.
func (c *Consumer) Start(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	if len(topics) == 0 {
		for topic := range c.handlers {
			topics = append(topics, topic)
		}
	}
	c.mu.Unlock()

	return c.broker.Consume(ctx, topics, func(env domain.Envelope) bool {
		return c.Process(ctx, env)
	})
}
