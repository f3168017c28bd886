package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

type fakeStore struct {
	pending []domain.OutboxRecord

	sent        []string
	failed      map[string]string
	retried     map[string]int
	compensated []string
}

func newFakeStore(records ...domain.OutboxRecord) *fakeStore {
	return &fakeStore{pending: records, failed: map[string]string{}, retried: map[string]int{}}
}

func (s *fakeStore) Begin(ctx context.Context) error    { return nil }
func (s *fakeStore) Commit(ctx context.Context) error   { return nil }
func (s *fakeStore) Rollback(ctx context.Context) error { return nil }
func (s *fakeStore) Save(ctx context.Context, rec domain.OutboxRecord) error { return nil }

func (s *fakeStore) FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	if limit < len(s.pending) {
		out := s.pending[:limit]
		s.pending = s.pending[limit:]
		return out, nil
	}
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *fakeStore) FetchFailed(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	return nil, nil
}

func (s *fakeStore) MarkSent(ctx context.Context, messageID string) (bool, error) {
	s.sent = append(s.sent, messageID)
	return true, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	s.failed[messageID] = errText
	return true, nil
}

func (s *fakeStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	s.compensated = append(s.compensated, messageID)
	return true, nil
}

func (s *fakeStore) IncrementRetry(ctx context.Context, messageID string) (bool, error) {
	s.retried[messageID]++
	return true, nil
}

func (s *fakeStore) CreateSchema(ctx context.Context) error { return nil }

type fakeBroker struct {
	sendResult map[string]bool
	sendErr    map[string]error
}

func (b *fakeBroker) Send(ctx context.Context, topic string, payload []byte, messageID string, options []byte) (bool, error) {
	if err, ok := b.sendErr[messageID]; ok {
		return false, err
	}
	return b.sendResult[messageID], nil
}

func (b *fakeBroker) Consume(ctx context.Context, topics []string, callback func(domain.Envelope) bool) error {
	return nil
}
func (b *fakeBroker) Ack(ctx context.Context, rawHandle any) error            { return nil }
func (b *fakeBroker) Nack(ctx context.Context, rawHandle any, requeue bool) error { return nil }
func (b *fakeBroker) Close() error                                            { return nil }

// fakePermanentBroker classifies every send error as permanent, letting a
// test assert that the Dispatcher fast-fails instead of retrying.
type fakePermanentBroker struct {
	fakeBroker
}

func (b *fakePermanentBroker) PermanentError(err error) bool { return err != nil }

func TestDispatchOnce_MarksSentOnSuccess(t *testing.T) {
	store := newFakeStore(domain.OutboxRecord{MessageID: "m1", Topic: "t"})
	broker := &fakeBroker{sendResult: map[string]bool{"m1": true}}
	d := New(store, broker, Config{})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"m1"}, store.sent)
}

func TestDispatchOnce_IncrementsRetryBelowCeiling(t *testing.T) {
	store := newFakeStore(domain.OutboxRecord{MessageID: "m1", Topic: "t", RetryCount: 1})
	broker := &fakeBroker{sendResult: map[string]bool{"m1": false}}
	d := New(store, broker, Config{MaxRetry: 5})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, store.retried["m1"])
	assert.Empty(t, store.failed)
}

func TestDispatchOnce_MarksFailedAtRetryCeiling(t *testing.T) {
	store := newFakeStore(domain.OutboxRecord{MessageID: "m1", Topic: "t", RetryCount: 4})
	broker := &fakeBroker{sendResult: map[string]bool{"m1": false}}
	d := New(store, broker, Config{MaxRetry: 5})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, "max retry exceeded", store.failed["m1"])
}

func TestDispatchOnce_SendErrorIncrementsRetryAndContinuesBatch(t *testing.T) {
	store := newFakeStore(
		domain.OutboxRecord{MessageID: "m1", Topic: "t"},
		domain.OutboxRecord{MessageID: "m2", Topic: "t"},
	)
	broker := &fakeBroker{
		sendErr:    map[string]error{"m1": errors.New("boom")},
		sendResult: map[string]bool{"m2": true},
	}
	d := New(store, broker, Config{MaxRetry: 5})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, store.retried["m1"])
	assert.Equal(t, []string{"m2"}, store.sent)
}

func TestDispatchOnce_PermanentErrorFailsImmediatelyBelowRetryCeiling(t *testing.T) {
	store := newFakeStore(domain.OutboxRecord{MessageID: "m1", Topic: "t", RetryCount: 0})
	broker := &fakePermanentBroker{fakeBroker{sendErr: map[string]error{"m1": errors.New("rejected: malformed payload")}}}
	d := New(store, broker, Config{MaxRetry: 5})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Contains(t, store.failed["m1"], "rejected: malformed payload")
	assert.Empty(t, store.retried, "a permanent error must not be retried")
}

func TestDispatchOnce_NonPermanentBrokerStillRetriesOnError(t *testing.T) {
	store := newFakeStore(domain.OutboxRecord{MessageID: "m1", Topic: "t", RetryCount: 0})
	broker := &fakeBroker{sendErr: map[string]error{"m1": errors.New("transient timeout")}}
	d := New(store, broker, Config{MaxRetry: 5})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, store.retried["m1"])
	assert.Empty(t, store.failed, "a plain BrokerAdapter without PermanentErrorClassifier must only retry")
}

func TestRun_StopsAtMaxIterations(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	d := New(store, broker, Config{PollInterval: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	err := d.Run(context.Background(), 3)
	require.NoError(t, err)
}

func TestRun_CancellableViaContext(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	d := New(store, broker, Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx, 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}
