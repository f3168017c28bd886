package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outboxmq/internal/store/postgres"
)

func newMockConn(t *testing.T) pgxmock.PgxConnIface {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mock.Close(context.Background()) })
	return mock
}

func TestCleanupService_CleanupOldData_OK(t *testing.T) {
	mock := newMockConn(t)
	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM mq_messages").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(3)))
	mock.ExpectQuery("DELETE FROM mq_consumption_records").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectCommit()
	mock.ExpectRollback()

	svc := postgres.NewCleanupServiceFromBeginner(mock, 30)
	require.NoError(t, svc.CleanupOldData(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupService_BeginError(t *testing.T) {
	mock := newMockConn(t)
	mock.ExpectBegin().WillReturnError(assert.AnError)

	svc := postgres.NewCleanupServiceFromBeginner(mock, 30)
	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
}

func TestCleanupService_OutboxQueryError(t *testing.T) {
	mock := newMockConn(t)
	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM mq_messages").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	svc := postgres.NewCleanupServiceFromBeginner(mock, 30)
	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
}

func TestCleanupService_CommitError(t *testing.T) {
	mock := newMockConn(t)
	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM mq_messages").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery("DELETE FROM mq_consumption_records").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectCommit().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	svc := postgres.NewCleanupServiceFromBeginner(mock, 30)
	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
}

func TestNewCleanupService_ZeroRetentionDaysDefaultsTo90(t *testing.T) {
	svc := postgres.NewCleanupServiceFromBeginner(newMockConn(t), 0)
	require.Equal(t, 90, svc.RetentionDays)
}

func TestNewCleanupService_NegativeRetentionDaysDefaultsTo90(t *testing.T) {
	svc := postgres.NewCleanupServiceFromBeginner(newMockConn(t), -5)
	require.Equal(t, 90, svc.RetentionDays)
}

func TestCleanupService_RunPeriodic_ImmediateCancel(t *testing.T) {
	mock := newMockConn(t)
	mock.ExpectBegin().WillReturnError(assert.AnError)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := postgres.NewCleanupServiceFromBeginner(mock, 30)
	svc.RunPeriodic(ctx, 0)
}

func TestCleanupService_RunPeriodic_TicksOnce(t *testing.T) {
	mock := newMockConn(t)
	mock.ExpectBegin()
	mock.ExpectQuery("DELETE FROM mq_messages").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery("DELETE FROM mq_consumption_records").WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectCommit()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	svc := postgres.NewCleanupServiceFromBeginner(mock, 30)
	svc.RunPeriodic(ctx, 200*time.Millisecond)
}
