// Package compensation implements the Compensation Scanner (C4): a
// polling worker that resolves terminally failed outbox/consumption
// records against a topic-scoped, business-supplied compensator.
package compensation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/internal/observability"
	"github.com/fairyhunter13/outboxmq/internal/registry"
)

// Config tunes a Scanner's batch size and poll pacing.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

// Scanner holds two topic-indexed compensator maps (producer-side and
// consumer-side) and drives check_producer/check_consumer passes.
type Scanner struct {
	outbox      domain.OutboxStore
	idempotency domain.IdempotencyStore
	cfg         Config

	mu                   sync.RWMutex
	producerCompensators map[string]domain.Compensator
	consumerCompensators map[string]domain.Compensator

	// registry is consulted when a topic has no directly registered
	// compensator, the lookup-by-name alternative to Register*Compensator.
	registry *registry.Registry
}

// New constructs a Scanner with its own empty service registry.
func New(outbox domain.OutboxStore, idempotency domain.IdempotencyStore, cfg Config) *Scanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Scanner{
		outbox:               outbox,
		idempotency:          idempotency,
		cfg:                  cfg,
		producerCompensators: make(map[string]domain.Compensator),
		consumerCompensators: make(map[string]domain.Compensator),
		registry:             registry.New(),
	}
}

// RegisterNamedCompensator binds name in the Scanner's service registry,
// the lookup-by-name alternative to RegisterProducerCompensator /
// RegisterConsumerCompensator: a topic with no direct registration falls
// back to resolving a compensator named after the topic itself.
func (s *Scanner) RegisterNamedCompensator(name string, compensator domain.Compensator) {
	s.registry.Register(name, compensator)
}

// resolve returns direct's compensator for topic if one was registered,
// otherwise falls back to the registry lookup keyed by the same topic name.
func (s *Scanner) resolve(direct map[string]domain.Compensator, topic string) (domain.Compensator, bool) {
	s.mu.RLock()
	compensator, ok := direct[topic]
	s.mu.RUnlock()
	if ok {
		return compensator, true
	}
	compensator, err := s.registry.Lookup(topic)
	if err != nil {
		return nil, false
	}
	return compensator, true
}

// RegisterProducerCompensator binds a compensator for topic's failed
// outbox records.
func (s *Scanner) RegisterProducerCompensator(topic string, compensator domain.Compensator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.producerCompensators[topic] = compensator
}

// RegisterConsumerCompensator binds a compensator for topic's failed
// consumption records.
func (s *Scanner) RegisterConsumerCompensator(topic string, compensator domain.Compensator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumerCompensators[topic] = compensator
}

// CheckProducer scans failed outbox records and returns how many were
// successfully compensated. A batch never aborts on one record's
// resolution failure or panic.
func (s *Scanner) CheckProducer(ctx context.Context) (int, error) {
	tracer := otel.Tracer("compensation")
	ctx, span := tracer.Start(ctx, "compensation.CheckProducer")
	defer span.End()

	records, err := s.outbox.FetchFailed(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("compensation.batch_size", len(records)))

	count := 0
	for _, rec := range records {
		compensator, ok := s.resolve(s.producerCompensators, rec.Topic)
		if !ok {
			slog.Warn("compensation: no producer compensator", slog.String("topic", rec.Topic))
			continue
		}
		if s.invoke(ctx, compensator, rec.MessageID, rec.Topic, rec.Payload) {
			if _, err := s.outbox.MarkCompensated(ctx, rec.MessageID); err != nil {
				slog.Error("compensation: mark_compensated failed", slog.String("message_id", rec.MessageID), slog.Any("error", err))
				continue
			}
			observability.RecordCompensation("producer", "compensated")
			count++
		} else {
			observability.RecordCompensation("producer", "failed")
		}
	}
	return count, nil
}

// CheckConsumer is CheckProducer's symmetric counterpart over failed
// consumption records.
func (s *Scanner) CheckConsumer(ctx context.Context) (int, error) {
	tracer := otel.Tracer("compensation")
	ctx, span := tracer.Start(ctx, "compensation.CheckConsumer")
	defer span.End()

	records, err := s.idempotency.FetchFailed(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("compensation.batch_size", len(records)))

	count := 0
	for _, rec := range records {
		compensator, ok := s.resolve(s.consumerCompensators, rec.Topic)
		if !ok {
			slog.Warn("compensation: no consumer compensator", slog.String("topic", rec.Topic))
			continue
		}
		if s.invoke(ctx, compensator, rec.MessageID, rec.Topic, rec.Payload) {
			if _, err := s.idempotency.MarkCompensated(ctx, rec.MessageID); err != nil {
				slog.Error("compensation: mark_compensated failed", slog.String("message_id", rec.MessageID), slog.Any("error", err))
				continue
			}
			observability.RecordCompensation("consumer", "compensated")
			count++
		} else {
			observability.RecordCompensation("consumer", "failed")
		}
	}
	return count, nil
}

// invoke recovers a compensator panic and logs any failure; it is never
// retried within the same scan. A subsequent scan picks it back up; retry
// pacing is the Dispatcher's job, not the scanner's.
func (s *Scanner) invoke(ctx context.Context, compensator domain.Compensator, messageID, topic string, payload []byte) bool {
	ok, err := s.invokeSafely(ctx, compensator, messageID, topic, payload)
	if err != nil {
		slog.Error("compensation: compensator raised", slog.String("message_id", messageID), slog.Any("error", err))
		return false
	}
	if !ok {
		slog.Error("compensation: compensator returned false", slog.String("message_id", messageID))
	}
	return ok
}

func (s *Scanner) invokeSafely(ctx context.Context, compensator domain.Compensator, messageID, topic string, payload []byte) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in compensator: %v", r)
		}
	}()
	return compensator(ctx, messageID, topic, payload)
}

// Run polls CheckProducer then CheckConsumer every PollInterval, the same
// loop shape as the Dispatcher: idle backoff up to MaxBackoff, reset on
// any compensation, cooperative cancellation at the sleep boundary, and
// an optional max_iterations bound for testability.
func (s *Scanner) Run(ctx context.Context, maxIterations int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.PollInterval
	bo.MaxInterval = s.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for iteration := 0; maxIterations <= 0 || iteration < maxIterations; iteration++ {
		producerCount, err := s.CheckProducer(ctx)
		if err != nil {
			slog.Error("compensation: check_producer failed", slog.Any("error", err))
		}
		consumerCount, err := s.CheckConsumer(ctx)
		if err != nil {
			slog.Error("compensation: check_consumer failed", slog.Any("error", err))
		}

		var sleep time.Duration
		if producerCount+consumerCount > 0 {
			bo.Reset()
			sleep = s.cfg.PollInterval
		} else {
			sleep = bo.NextBackOff()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
	return nil
}
