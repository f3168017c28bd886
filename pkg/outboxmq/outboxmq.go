// Package outboxmq is the embeddable facade over the coordinator: a
// single entry point an application wires its Postgres pool and broker
// adapter into, getting back a Producer, Dispatcher, Consumer, and
// Compensation Scanner that already agree on the same stores.
package outboxmq

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/outboxmq/internal/compensation"
	"github.com/fairyhunter13/outboxmq/internal/consumer"
	"github.com/fairyhunter13/outboxmq/internal/dispatcher"
	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/internal/producer"
	"github.com/fairyhunter13/outboxmq/internal/store/postgres"
)

// Re-exported domain types, so callers never need to import the internal
// packages directly.
type (
	// Handler processes one consumed message.
	Handler = consumer.Handler
	// Compensator resolves a terminally failed record.
	Compensator = domain.Compensator
	// OutboxRecord is a persisted outbox row.
	OutboxRecord = domain.OutboxRecord
	// BrokerAdapter is the pluggable transport (Kafka, AMQP, or a custom one).
	BrokerAdapter = domain.BrokerAdapter
)

// Config tunes the Dispatcher and Compensation Scanner embedded in a
// Coordinator.
type Config struct {
	DispatcherBatchSize    int
	DispatcherMaxRetry     int
	DispatcherPollInterval time.Duration

	CompensationBatchSize    int
	CompensationPollInterval time.Duration
}

// Coordinator bundles the four components over one Postgres-backed
// outbox/idempotency ledger pair and one broker adapter.
type Coordinator struct {
	Outbox      *postgres.OutboxStore
	Idempotency *postgres.IdempotencyStore
	Broker      domain.BrokerAdapter

	Producer     *producer.Producer
	Dispatcher   *dispatcher.Dispatcher
	Consumer     *consumer.Consumer
	Compensation *compensation.Scanner
}

// New wires a Coordinator's four components over pool/broker. debug
// enables the Outbox Store's soft-failure diagnostic logging.
func New(pool postgres.PgxPool, broker domain.BrokerAdapter, debug bool, cfg Config) *Coordinator {
	outbox := postgres.NewOutboxStore(pool, debug)
	idempotency := postgres.NewIdempotencyStore(pool)

	return &Coordinator{
		Outbox:      outbox,
		Idempotency: idempotency,
		Broker:      broker,
		Producer:    producer.New(outbox),
		Dispatcher: dispatcher.New(outbox, broker, dispatcher.Config{
			BatchSize:    cfg.DispatcherBatchSize,
			MaxRetry:     cfg.DispatcherMaxRetry,
			PollInterval: cfg.DispatcherPollInterval,
		}),
		Consumer: consumer.New(idempotency, broker),
		Compensation: compensation.New(outbox, idempotency, compensation.Config{
			BatchSize:    cfg.CompensationBatchSize,
			PollInterval: cfg.CompensationPollInterval,
		}),
	}
}

// Migrate creates both persisted tables if they don't already exist.
func (c *Coordinator) Migrate(ctx context.Context) error {
	if err := c.Outbox.CreateSchema(ctx); err != nil {
		return fmt.Errorf("op=coordinator.migrate: %w", err)
	}
	if err := c.Idempotency.CreateSchema(ctx); err != nil {
		return fmt.Errorf("op=coordinator.migrate: %w", err)
	}
	return nil
}

// RegisterHandler binds a consumer handler for topic.
func (c *Coordinator) RegisterHandler(topic string, handler Handler) {
	c.Consumer.Register(topic, handler)
}

// RegisterProducerCompensator binds a producer-side compensator for topic.
func (c *Coordinator) RegisterProducerCompensator(topic string, compensator Compensator) {
	c.Compensation.RegisterProducerCompensator(topic, compensator)
}

// RegisterConsumerCompensator binds a consumer-side compensator for topic.
func (c *Coordinator) RegisterConsumerCompensator(topic string, compensator Compensator) {
	c.Compensation.RegisterConsumerCompensator(topic, compensator)
}

// RegisterNamedCompensator binds a compensator in the Compensation Scanner's
// service registry, the lookup-by-name alternative to
// RegisterProducerCompensator/RegisterConsumerCompensator: useful when a
// topic's compensator is only known by a separately-configured service name.
func (c *Coordinator) RegisterNamedCompensator(name string, compensator Compensator) {
	c.Compensation.RegisterNamedCompensator(name, compensator)
}

// StatusCounts returns the row counts for both tables, as one map per
// table (outbox, then consumption) keyed by status.
func (c *Coordinator) StatusCounts(ctx context.Context) (outbox map[domain.OutboxStatus]int64, consumption map[domain.ConsumptionStatus]int64, err error) {
	outbox, err = c.Outbox.StatusCounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	consumption, err = c.Idempotency.StatusCounts(ctx)
	if err != nil {
		return nil, nil, err
	}
	return outbox, consumption, nil
}
