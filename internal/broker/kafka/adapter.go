// Package kafka implements domain.BrokerAdapter against Kafka/Redpanda
// using twmb/franz-go, at-least-once (no transactional/EOS producer: exactly-
// once broker delivery is explicitly out of scope for this coordinator).
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

// headerMessageID is the record header carrying the outbox message_id, so
// redelivered duplicates arrive with a stable identifier.
const headerMessageID = "message_id"

// Adapter implements domain.BrokerAdapter over a single shared *kgo.Client
// used for both producing and consuming.
type Adapter struct {
	client  *kgo.Client
	groupID string

	mu     sync.Mutex
	closed bool
}

// Config configures an Adapter.
type Config struct {
	Brokers []string
	GroupID string
}

// New constructs an Adapter. GroupID is only required if Consume will be
// called; a Send-only adapter may leave it empty.
func New(cfg Config) (*Adapter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.new: %w", fmt.Errorf("no seed brokers configured"))
	}

	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	kotelSvc := kotel.NewKotel(kotel.WithTracer(tracer))

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequestRetries(10),
		kgo.WithHooks(kotelSvc.Hooks()...),
	}
	if cfg.GroupID != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.GroupID), kgo.ConsumeTopics())
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.new: %w", err)
	}
	return &Adapter{client: client, groupID: cfg.GroupID}, nil
}

// Send publishes payload to topic with message_id propagated as a record
// header, and partition-key hint taken from options when present.
func (a *Adapter) Send(ctx context.Context, topic string, payload []byte, messageID string, options []byte) (bool, error) {
	rec := &kgo.Record{
		Topic: topic,
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: headerMessageID, Value: []byte(messageID)},
		},
	}
	if len(options) > 0 {
		rec.Key = options
	} else {
		rec.Key = []byte(messageID)
	}

	result := a.client.ProduceSync(ctx, rec)
	if err := result.FirstErr(); err != nil {
		return false, fmt.Errorf("op=kafka.send: %w", errJoin(domain.ErrBrokerFailure, err))
	}
	return true, nil
}

// Consume polls for records on topics and invokes callback for each,
// committing offsets only for records the callback accepts (at-least-once:
// a crash between deliver and commit replays the record).
func (a *Adapter) Consume(ctx context.Context, topics []string, callback func(domain.Envelope) bool) error {
	if a.groupID == "" {
		return fmt.Errorf("op=kafka.consume: %w", fmt.Errorf("adapter was constructed without a consumer group"))
	}
	a.client.AddConsumeTopics(topics...)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fetches := a.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("kafka fetch error", slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			messageID := headerValue(rec.Headers, headerMessageID)
			env := domain.Envelope{
				MessageID: messageID,
				Topic:     rec.Topic,
				Payload:   rec.Value,
				RawHandle: rec,
			}
			if callback(env) {
				a.client.MarkCommitRecords(rec)
			}
		})

		if err := a.client.CommitMarkedOffsets(ctx); err != nil {
			slog.Error("kafka commit offsets failed", slog.Any("error", err))
		}
	}
}

// Ack is a no-op: Consume commits offsets for accepted records internally
// via MarkCommitRecords/CommitMarkedOffsets.
func (a *Adapter) Ack(_ context.Context, _ any) error { return nil }

// Nack is also a no-op for the same reason: leaving a record unmarked
// guarantees it is redelivered on the next poll cycle after a rebalance.
func (a *Adapter) Nack(_ context.Context, _ any, _ bool) error { return nil }

// Close releases the underlying client.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.client.Close()
	return nil
}

func headerValue(headers []kgo.RecordHeader, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func errJoin(sentinel, err error) error {
	return fmt.Errorf("%w: %v", sentinel, err)
}
