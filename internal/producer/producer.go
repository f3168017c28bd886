// Package producer implements the Transactional Producer (C1): a thin
// state machine over an OutboxStore that lets business code stage one or
// more messages inside its own local transaction and flush them atomically.
package producer

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

// idGenerator produces a fresh message_id that is cryptographically random
// and globally unique.
type idGenerator func() string

// Producer implements an {idle -> in_txn -> idle} state machine over an
// OutboxStore.
type Producer struct {
	store domain.OutboxStore
	genID idGenerator

	mu     sync.Mutex
	inTxn  bool
	staged []domain.OutboxRecord
}

// New constructs a Producer backed by store, generating message_ids as
// UUIDv4 strings by default.
func New(store domain.OutboxStore) *Producer {
	return &Producer{store: store, genID: uuid.NewString}
}

// WithULIDGenerator switches message_id generation to lexicographically
// sortable ULIDs instead of UUIDv4, for hosts that want outbox rows to
// sort by message_id the same way they sort by created_at.
func (p *Producer) WithULIDGenerator() *Producer {
	entropy := ulid.Monotonic(rand.Reader, 0)
	var mu sync.Mutex
	p.genID = func() string {
		mu.Lock()
		defer mu.Unlock()
		return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	}
	return p
}

// Begin opens a transaction and clears the staged list. Returns
// domain.ErrAlreadyInTransaction if one is already open on this Producer.
func (p *Producer) Begin(ctx domain.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inTxn {
		return fmt.Errorf("op=producer.begin: %w", domain.ErrAlreadyInTransaction)
	}
	if err := p.store.Begin(ctx); err != nil {
		return fmt.Errorf("op=producer.begin: %w", err)
	}
	p.inTxn = true
	p.staged = nil
	return nil
}

// Prepare stages a message for the open transaction and returns its newly
// generated message_id. Returns domain.ErrNotInTransaction if Begin was not
// called first.
func (p *Producer) Prepare(ctx domain.Context, topic string, payload, options []byte) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return "", fmt.Errorf("op=producer.prepare: %w", domain.ErrNotInTransaction)
	}
	messageID := p.genID()
	now := time.Now().UTC()
	p.staged = append(p.staged, domain.OutboxRecord{
		MessageID:  messageID,
		Topic:      topic,
		Payload:    payload,
		Options:    options,
		Status:     domain.OutboxPending,
		RetryCount: 0,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	return messageID, nil
}

// Commit persists every staged message inside the open transaction and
// commits it. If any save fails, the whole transaction is rolled back and
// domain.ErrSaveFailed is returned. After a successful Commit, every staged
// message is durably visible as pending in the outbox.
func (p *Producer) Commit(ctx domain.Context) error {
	tracer := otel.Tracer("producer")
	ctx, span := tracer.Start(ctx, "producer.Commit")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return fmt.Errorf("op=producer.commit: %w", domain.ErrNotInTransaction)
	}
	span.SetAttributes(attribute.Int("producer.staged_count", len(p.staged)))

	for _, rec := range p.staged {
		if err := p.store.Save(ctx, rec); err != nil {
			_ = p.store.Rollback(ctx)
			p.inTxn = false
			p.staged = nil
			return fmt.Errorf("op=producer.commit: %w", fmt.Errorf("%w: %v", domain.ErrSaveFailed, err))
		}
	}
	if err := p.store.Commit(ctx); err != nil {
		p.inTxn = false
		p.staged = nil
		return fmt.Errorf("op=producer.commit: %w", err)
	}
	p.inTxn = false
	p.staged = nil
	return nil
}

// Rollback aborts the open transaction unconditionally. It is safe to call
// as cleanup after a failed Commit (Commit already rolled back and reset
// state, so a subsequent Rollback here is a harmless no-op).
func (p *Producer) Rollback(ctx domain.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.inTxn {
		return nil
	}
	p.inTxn = false
	p.staged = nil
	if err := p.store.Rollback(ctx); err != nil {
		return fmt.Errorf("op=producer.rollback: %w", err)
	}
	return nil
}
