// Package domain defines the core entities, ports, and error taxonomy shared
// by every component of the outbox coordinator.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Only InvariantViolation-class errors and a
// StoreFailure surfaced directly from commit cross the API boundary back to
// the business caller; everything else is absorbed, logged, and retried or
// compensated by the owning component.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")

	// ErrStoreFailure wraps any backend I/O or constraint error surfaced by
	// the Outbox Store or Idempotency Store.
	ErrStoreFailure = errors.New("store failure")

	// ErrBrokerFailure wraps a send/consume/ack failure from a Broker Adapter.
	ErrBrokerFailure = errors.New("broker failure")

	// ErrAlreadyInTransaction is an InvariantViolation: begin() called while
	// a Producer transaction is already open.
	ErrAlreadyInTransaction = errors.New("already in transaction")

	// ErrNotInTransaction is an InvariantViolation: prepare()/commit() called
	// outside an open Producer transaction.
	ErrNotInTransaction = errors.New("not in transaction")

	// ErrSaveFailed is surfaced from Producer.commit when any staged message
	// fails to persist; the producer has already rolled back when this is
	// returned.
	ErrSaveFailed = errors.New("save failed")
)

// OutboxStatus is the lifecycle state of an OutboxRecord.
type OutboxStatus string

// Outbox status values. Initial state is OutboxPending; the permitted
// transition lattice is pending -> sent | failed, failed -> compensated.
// Nothing else is legal.
const (
	OutboxPending     OutboxStatus = "pending"
	OutboxSent        OutboxStatus = "sent"
	OutboxFailed      OutboxStatus = "failed"
	OutboxCompensated OutboxStatus = "compensated"
)

// OutboxRecord is a single row of the outbox table.
type OutboxRecord struct {
	ID         int64
	MessageID  string
	Topic      string
	Payload    []byte
	Options    []byte
	Status     OutboxStatus
	Error      *string
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConsumptionStatus is the lifecycle state of a ConsumptionRecord.
type ConsumptionStatus string

// Consumption status values. processing -> {processed, failed}, failed ->
// compensated. processed is terminal for delivery purposes.
const (
	ConsumptionProcessing  ConsumptionStatus = "processing"
	ConsumptionProcessed   ConsumptionStatus = "processed"
	ConsumptionFailed      ConsumptionStatus = "failed"
	ConsumptionCompensated ConsumptionStatus = "compensated"
)

// ConsumptionRecord is a single row of the idempotency ledger.
type ConsumptionRecord struct {
	ID        int64
	MessageID string
	Topic     string
	Payload   []byte
	Status    ConsumptionStatus
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Envelope is a single incoming delivery handed to the Event Consumer by a
// Broker Adapter. RawHandle is opaque: only the adapter that produced it may
// interpret it (used for ack/nack).
type Envelope struct {
	MessageID string `validate:"required"`
	Topic     string `validate:"required"`
	Payload   []byte
	RawHandle any
}

// OutboxStore is the port implemented by the persistence backend for
// OutboxRecords. Nested logical transactions follow a reference-counted
// discipline: Begin at depth 0 opens a physical transaction, Begin at depth
// >= 1 only increments the counter; Commit at depth 1 physically commits, at
// depth > 1 only decrements; Rollback at any depth aborts the whole stack
// and resets the counter to 0.
type OutboxStore interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Save(ctx context.Context, rec OutboxRecord) error
	FetchPending(ctx context.Context, limit int) ([]OutboxRecord, error)
	FetchFailed(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkSent(ctx context.Context, messageID string) (bool, error)
	MarkFailed(ctx context.Context, messageID, errText string) (bool, error)
	MarkCompensated(ctx context.Context, messageID string) (bool, error)
	IncrementRetry(ctx context.Context, messageID string) (bool, error)
	CreateSchema(ctx context.Context) error
}

// IdempotencyStore is the port implemented by the persistence backend for
// ConsumptionRecords.
type IdempotencyStore interface {
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessing(ctx context.Context, messageID, topic string, payload []byte) error
	MarkProcessed(ctx context.Context, messageID string) (bool, error)
	MarkFailed(ctx context.Context, messageID, errText string) (bool, error)
	MarkCompensated(ctx context.Context, messageID string) (bool, error)
	FetchFailed(ctx context.Context, limit int) ([]ConsumptionRecord, error)
	CreateSchema(ctx context.Context) error
}

// BrokerAdapter is the uniform interface over concrete brokers.
// Implementations own broker-specific retry/reconnection. Options is an
// opaque byte sequence interpreted only by the concrete adapter (e.g. AMQP
// exchange/routing-key hints or Kafka partition-key hints).
type BrokerAdapter interface {
	Send(ctx context.Context, topic string, payload []byte, messageID string, options []byte) (bool, error)
	Consume(ctx context.Context, topics []string, callback func(Envelope) bool) error
	Ack(ctx context.Context, rawHandle any) error
	Nack(ctx context.Context, rawHandle any, requeue bool) error
	Close() error
}

// PermanentErrorClassifier is an optional capability a BrokerAdapter may
// implement to let the Dispatcher distinguish a permanent send failure (bad
// payload, broker refused outright) from a transient one. When absent,
// every failure feeds the same retry counter.
type PermanentErrorClassifier interface {
	PermanentError(err error) bool
}

// Compensator is a topic-scoped business callback invoked by the
// Compensation Scanner to resolve a terminally failed outbox or consumption
// record.
type Compensator func(ctx context.Context, messageID, topic string, payload []byte) (bool, error)

// Context is a type alias to stdlib context.Context, threaded through
// domain ports without importing "context" by name at every call site.
type Context = context.Context
