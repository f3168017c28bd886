package producer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

// fakeStore is a minimal in-memory domain.OutboxStore used to exercise the
// Producer's state machine without a database.
type fakeStore struct {
	begun      bool
	committed  bool
	rolledBack bool
	saved      []domain.OutboxRecord

	failSaveAt int // 1-indexed; 0 means never fail
	saveCalls  int
}

func (f *fakeStore) Begin(ctx context.Context) error {
	f.begun = true
	return nil
}

func (f *fakeStore) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeStore) Rollback(ctx context.Context) error {
	f.rolledBack = true
	f.saved = nil
	return nil
}

func (f *fakeStore) Save(ctx context.Context, rec domain.OutboxRecord) error {
	f.saveCalls++
	if f.failSaveAt != 0 && f.saveCalls == f.failSaveAt {
		return errors.New("boom")
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeStore) FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	return nil, nil
}

func (f *fakeStore) FetchFailed(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	return nil, nil
}

func (f *fakeStore) MarkSent(ctx context.Context, messageID string) (bool, error) {
	return false, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	return false, nil
}

func (f *fakeStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	return false, nil
}

func (f *fakeStore) IncrementRetry(ctx context.Context, messageID string) (bool, error) {
	return false, nil
}

func (f *fakeStore) CreateSchema(ctx context.Context) error { return nil }

func TestProducer_HappyPathCommit(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	p := New(store)

	require.NoError(t, p.Begin(ctx))
	id1, err := p.Prepare(ctx, "orders.created", []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	id2, err := p.Prepare(ctx, "orders.created", []byte(`{"a":2}`), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)

	require.NoError(t, p.Commit(ctx))
	assert.True(t, store.committed)
	assert.False(t, store.rolledBack)
	assert.Len(t, store.saved, 2)
	for _, rec := range store.saved {
		assert.Equal(t, domain.OutboxPending, rec.Status)
		assert.Equal(t, 0, rec.RetryCount)
	}
}

func TestProducer_CommitRollsBackOnSaveFailure(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{failSaveAt: 2}
	p := New(store)

	require.NoError(t, p.Begin(ctx))
	_, err := p.Prepare(ctx, "orders.created", []byte("one"), nil)
	require.NoError(t, err)
	_, err = p.Prepare(ctx, "orders.created", []byte("two"), nil)
	require.NoError(t, err)

	err = p.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSaveFailed)
	assert.True(t, store.rolledBack)
	assert.False(t, store.committed)
	assert.Empty(t, store.saved)
}

func TestProducer_PrepareOutsideTransactionFails(t *testing.T) {
	ctx := context.Background()
	p := New(&fakeStore{})

	_, err := p.Prepare(ctx, "topic", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotInTransaction)
}

func TestProducer_BeginTwiceFails(t *testing.T) {
	ctx := context.Background()
	p := New(&fakeStore{})

	require.NoError(t, p.Begin(ctx))
	err := p.Begin(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyInTransaction)
}

func TestProducer_RollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	p := New(store)

	require.NoError(t, p.Begin(ctx))
	require.NoError(t, p.Rollback(ctx))
	assert.True(t, store.rolledBack)

	// Second call, already idle: no-op, no error.
	require.NoError(t, p.Rollback(ctx))
}

func TestProducer_ULIDGeneratorProducesSortableIDs(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	p := New(store).WithULIDGenerator()

	require.NoError(t, p.Begin(ctx))
	id1, err := p.Prepare(ctx, "t", []byte("x"), nil)
	require.NoError(t, err)
	id2, err := p.Prepare(ctx, "t", []byte("y"), nil)
	require.NoError(t, err)

	assert.Len(t, id1, 26)
	assert.Len(t, id2, 26)
	assert.NotEqual(t, id1, id2)
}

func TestProducer_StateResetsAfterCommitAllowsNewTransaction(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	p := New(store)

	require.NoError(t, p.Begin(ctx))
	_, err := p.Prepare(ctx, "t", []byte("x"), nil)
	require.NoError(t, err)
	require.NoError(t, p.Commit(ctx))

	// idle again: begin should succeed.
	require.NoError(t, p.Begin(ctx))
}
