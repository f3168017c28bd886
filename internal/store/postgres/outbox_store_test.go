package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/internal/store/postgres"
)

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestOutboxStore_Save(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO mq_messages").
		WithArgs("msg-1", "order.created", []byte(`{"order_id":1001}`), pgxmock.AnyArg(), domain.OutboxPending, 0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Save(ctx, domain.OutboxRecord{
		MessageID: "msg-1",
		Topic:     "order.created",
		Payload:   []byte(`{"order_id":1001}`),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_Save_Error(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO mq_messages").
		WillReturnError(assert.AnError)

	err := store.Save(ctx, domain.OutboxRecord{MessageID: "x", Topic: "t", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreFailure)
}

func TestOutboxStore_NestedTransactionDepth(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectCommit()

	// Begin at depth 0 opens the physical transaction; Begin at depth 1
	// only increments the counter, with no further pgxmock expectation.
	require.NoError(t, store.Begin(ctx))
	require.NoError(t, store.Begin(ctx))

	// Commit at depth 2 only decrements; at depth 1 it physically commits.
	require.NoError(t, store.Commit(ctx))
	require.NoError(t, store.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_MarkSent(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	mock.ExpectExec("UPDATE mq_messages SET status").
		WithArgs("msg-1", domain.OutboxSent, domain.OutboxPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.MarkSent(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStore_MarkSent_AbsentRow(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	mock.ExpectExec("UPDATE mq_messages SET status").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.MarkSent(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutboxStore_IncrementRetry(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	mock.ExpectExec("UPDATE mq_messages SET retry_count").
		WithArgs("msg-1", domain.OutboxPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := store.IncrementRetry(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOutboxStore_StatusCounts(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	rows := pgxmock.NewRows([]string{"status", "count"}).
		AddRow(domain.OutboxPending, int64(3)).
		AddRow(domain.OutboxSent, int64(10))
	mock.ExpectQuery("SELECT status, COUNT").WillReturnRows(rows)

	counts, err := store.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[domain.OutboxPending])
	assert.Equal(t, int64(10), counts[domain.OutboxSent])
}

func TestOutboxStore_CommitRollbackAtDepthZeroIsSoftFailure(t *testing.T) {
	mock := newMockPool(t)
	store := postgres.NewOutboxStore(mock, false)
	ctx := context.Background()

	assert.NoError(t, store.Commit(ctx))
	assert.NoError(t, store.Rollback(ctx))
}
