// Package dispatcher implements the outbox Dispatcher (C2): a polling
// worker that drains pending outbox rows onto a broker with bounded retry.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/internal/observability"
)

// Config tunes a Dispatcher's batch size, retry ceiling, and poll pacing.
type Config struct {
	BatchSize    int
	MaxRetry     int
	PollInterval time.Duration
	// MaxBackoff bounds how far the poll interval is allowed to stretch on
	// consecutive empty batches (idle backoff); it never affects per-message
	// retry_count, which is a pure counter.
	MaxBackoff time.Duration
}

// Dispatcher drains outbox.FetchPending batches onto a BrokerAdapter.
type Dispatcher struct {
	store  domain.OutboxStore
	broker domain.BrokerAdapter
	cfg    Config
}

// New constructs a Dispatcher. Zero-value Config fields fall back to
// batch_size=100, max_retry=5.
func New(store domain.OutboxStore, broker domain.BrokerAdapter, cfg Config) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Dispatcher{store: store, broker: broker, cfg: cfg}
}

// DispatchOnce runs one fetch/send/mark pass and returns the number of
// messages successfully sent. It never aborts the batch on a single
// record's failure.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	tracer := otel.Tracer("dispatcher")
	ctx, span := tracer.Start(ctx, "dispatcher.DispatchOnce")
	defer span.End()

	records, err := d.store.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("dispatcher.batch_size", len(records)))
	observability.RecordBatchSize(len(records))

	sentCount := 0
	for _, rec := range records {
		if d.dispatchRecord(ctx, rec) {
			sentCount++
		}
	}
	span.SetAttributes(attribute.Int("dispatcher.sent_count", sentCount))
	return sentCount, nil
}

// dispatchRecord sends a single record and applies the mark_sent /
// increment_retry / mark_failed transition. It swallows and logs any error
// from broker.Send itself, treating a raised exception the same as an
// explicit ok=false so the batch always continues to the next record.
func (d *Dispatcher) dispatchRecord(ctx context.Context, rec domain.OutboxRecord) bool {
	ok, err := d.sendSafely(ctx, rec)
	if err != nil {
		slog.Error("dispatcher: broker send raised", slog.String("message_id", rec.MessageID), slog.Any("error", err))
		observability.RecordDispatch(rec.Topic, "error")
		return d.handleSendFailure(ctx, rec, err)
	}
	if ok {
		if _, err := d.store.MarkSent(ctx, rec.MessageID); err != nil {
			slog.Error("dispatcher: mark_sent failed", slog.String("message_id", rec.MessageID), slog.Any("error", err))
		}
		observability.RecordDispatch(rec.Topic, "sent")
		return true
	}
	return d.handleSendFailure(ctx, rec, nil)
}

// handleSendFailure applies the increment_retry / mark_failed transition for
// a send that did not succeed, either because broker.Send returned
// ok=false, err=nil or because it raised/returned a genuine error. A
// classified-permanent error fast-fails the record to "failed" regardless
// of how many retries remain.
func (d *Dispatcher) handleSendFailure(ctx context.Context, rec domain.OutboxRecord, err error) bool {
	if d.isPermanent(err) {
		if _, markErr := d.store.MarkFailed(ctx, rec.MessageID, "permanent broker error: "+err.Error()); markErr != nil {
			slog.Error("dispatcher: mark_failed failed", slog.String("message_id", rec.MessageID), slog.Any("error", markErr))
		}
		observability.RecordDispatch(rec.Topic, "failed")
		return false
	}
	if rec.RetryCount+1 >= d.cfg.MaxRetry {
		if _, markErr := d.store.MarkFailed(ctx, rec.MessageID, "max retry exceeded"); markErr != nil {
			slog.Error("dispatcher: mark_failed failed", slog.String("message_id", rec.MessageID), slog.Any("error", markErr))
		}
		observability.RecordDispatch(rec.Topic, "failed")
		return false
	}
	if _, incErr := d.store.IncrementRetry(ctx, rec.MessageID); incErr != nil {
		slog.Error("dispatcher: increment_retry failed", slog.String("message_id", rec.MessageID), slog.Any("error", incErr))
	}
	observability.RecordDispatch(rec.Topic, "retry")
	return false
}

// sendSafely recovers a panic out of broker.Send so one malformed record
// can never take down the dispatch loop.
func (d *Dispatcher) sendSafely(ctx context.Context, rec domain.OutboxRecord) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in broker.send: %v", r)
		}
	}()
	return d.broker.Send(ctx, rec.Topic, rec.Payload, rec.MessageID, rec.Options)
}

// isPermanent probes the broker adapter's optional PermanentErrorClassifier
// capability; adapters that don't implement it never fast-fail a record
// past the retry counter.
func (d *Dispatcher) isPermanent(err error) bool {
	if err == nil {
		return false
	}
	classifier, ok := d.broker.(domain.PermanentErrorClassifier)
	if !ok {
		return false
	}
	return classifier.PermanentError(err)
}

// Run polls DispatchOnce every PollInterval until ctx is cancelled or
// maxIterations is reached (0 means unbounded). Idle backoff: the sleep
// interval grows on consecutive empty batches up to cfg.MaxBackoff, and
// resets the moment a batch sends at least one message.
func (d *Dispatcher) Run(ctx context.Context, maxIterations int) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.PollInterval
	bo.MaxInterval = d.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	for iteration := 0; maxIterations <= 0 || iteration < maxIterations; iteration++ {
		sent, err := d.DispatchOnce(ctx)
		if err != nil {
			slog.Error("dispatcher: dispatch_once failed", slog.Any("error", err))
		}

		var sleep time.Duration
		if sent > 0 {
			bo.Reset()
			sleep = d.cfg.PollInterval
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
