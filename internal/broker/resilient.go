// Package broker holds transport-agnostic decorators over domain.BrokerAdapter.
package broker

import (
	"context"
	"time"

	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/internal/observability"
)

// WithCircuitBreaker wraps adapter.Send with a circuit breaker so a broker
// outage trips after maxFailures consecutive send errors; for timeout after
// that, Send fails fast with an error instead of reaching the broker, until
// the breaker half-opens again. A fast-failed Send is still a failed attempt
// to the Dispatcher and counts against the row's retry_count.
// Consume/Ack/Nack/Close pass straight through; only Send is protected since
// that's the call the Dispatcher issues per-row at high frequency.
func WithCircuitBreaker(adapter domain.BrokerAdapter, name string, maxFailures int, timeout time.Duration) domain.BrokerAdapter {
	return &resilientAdapter{
		adapter: adapter,
		cb:      observability.NewCircuitBreaker(name, maxFailures, timeout),
	}
}

type resilientAdapter struct {
	adapter domain.BrokerAdapter
	cb      *observability.CircuitBreaker
}

func (r *resilientAdapter) Send(ctx context.Context, topic string, payload []byte, messageID string, options []byte) (bool, error) {
	var ok bool
	err := r.cb.Call(func() error {
		var sendErr error
		ok, sendErr = r.adapter.Send(ctx, topic, payload, messageID, options)
		return sendErr
	})
	return ok, err
}

func (r *resilientAdapter) Consume(ctx context.Context, topics []string, callback func(domain.Envelope) bool) error {
	return r.adapter.Consume(ctx, topics, callback)
}

func (r *resilientAdapter) Ack(ctx context.Context, rawHandle any) error {
	return r.adapter.Ack(ctx, rawHandle)
}

func (r *resilientAdapter) Nack(ctx context.Context, rawHandle any, requeue bool) error {
	return r.adapter.Nack(ctx, rawHandle, requeue)
}

func (r *resilientAdapter) Close() error {
	return r.adapter.Close()
}

// PermanentError satisfies domain.PermanentErrorClassifier by delegating to
// the wrapped adapter when it implements the capability, so wrapping an
// adapter in a circuit breaker never hides its permanent-error signal from
// the Dispatcher.
func (r *resilientAdapter) PermanentError(err error) bool {
	if classifier, ok := r.adapter.(domain.PermanentErrorClassifier); ok {
		return classifier.PermanentError(err)
	}
	return false
}
