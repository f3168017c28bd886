package outboxmq_test

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/outboxmq/internal/domain"
	"github.com/fairyhunter13/outboxmq/pkg/outboxmq"
)

type fakeBroker struct{}

func (fakeBroker) Send(ctx context.Context, topic string, payload []byte, messageID string, options []byte) (bool, error) {
	return true, nil
}
func (fakeBroker) Consume(ctx context.Context, topics []string, callback func(domain.Envelope) bool) error {
	return nil
}
func (fakeBroker) Ack(ctx context.Context, rawHandle any) error            { return nil }
func (fakeBroker) Nack(ctx context.Context, rawHandle any, requeue bool) error { return nil }
func (fakeBroker) Close() error                                            { return nil }

func TestNew_WiresAllFourComponents(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := outboxmq.New(mock, fakeBroker{}, false, outboxmq.Config{})
	assert.NotNil(t, c.Producer)
	assert.NotNil(t, c.Dispatcher)
	assert.NotNil(t, c.Consumer)
	assert.NotNil(t, c.Compensation)
}

func TestMigrate_CreatesBothSchemas(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mq_messages").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mq_consumption_records").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	c := outboxmq.New(mock, fakeBroker{}, false, outboxmq.Config{})
	require.NoError(t, c.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterHandler_IsReachableByConsumer(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := outboxmq.New(mock, fakeBroker{}, false, outboxmq.Config{})
	invoked := false
	c.RegisterHandler("orders.created", func(ctx context.Context, messageID, topic string, payload []byte) (bool, error) {
		invoked = true
		return true, nil
	})

	mock.ExpectQuery("SELECT 1 FROM mq_consumption_records").
		WithArgs("m1", domain.ConsumptionProcessed).
		WillReturnError(assert.AnError)
	// IsProcessed errors are treated as "bail safe" in Consumer.Process, so
	// registering the handler but failing the idempotency check still
	// exercises the wiring without needing a full row-scan fixture here.
	ok := c.Consumer.Process(context.Background(), domain.Envelope{MessageID: "m1", Topic: "orders.created"})
	assert.False(t, ok)
	assert.False(t, invoked)
}

func TestRegisterNamedCompensator_IsReachableByCompensationScanner(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := outboxmq.New(mock, fakeBroker{}, false, outboxmq.Config{})
	c.RegisterNamedCompensator("billing-service", func(ctx context.Context, messageID, topic string, payload []byte) (bool, error) {
		return true, nil
	})

	mock.ExpectQuery("UPDATE mq_messages").WillReturnError(assert.AnError)
	_, err = c.Compensation.CheckProducer(context.Background())
	assert.Error(t, err, "FetchFailed errors propagate, but registering the name must not panic before reaching the store")
}
