package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

// IdempotencyStore implements domain.IdempotencyStore against PostgreSQL.
// Unlike OutboxStore it carries no nested-transaction state: every call is
// a single autocommit statement, matching the Consumer's per-envelope
// processing model.
type IdempotencyStore struct {
	pool     PgxPool
	workerID string
}

// NewIdempotencyStore constructs an IdempotencyStore backed by pool.
func NewIdempotencyStore(pool PgxPool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool, workerID: uuid.NewString()}
}

// IsProcessed reports whether messageID has a processed ledger row.
func (s *IdempotencyStore) IsProcessed(ctx domain.Context, messageID string) (bool, error) {
	tracer := otel.Tracer("store.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.IsProcessed")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "mq_consumption_records"))

	q := `SELECT 1 FROM mq_consumption_records WHERE message_id=$1 AND status=$2`
	var one int
	err := s.pool.QueryRow(ctx, q, messageID, domain.ConsumptionProcessed).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=idempotency.is_processed: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return true, nil
}

// MarkProcessing inserts a processing row. A messageID with no existing row
// is a fresh delivery. A messageID already processed or compensated is a
// genuine duplicate and is left untouched (the INSERT no-ops). A messageID
// stuck at failed is reopened to processing so a redelivered message gets a
// real retry instead of being silently re-marked "processed" over a row the
// Compensation Scanner may already be working.
func (s *IdempotencyStore) MarkProcessing(ctx domain.Context, messageID, topic string, payload []byte) error {
	q := `INSERT INTO mq_consumption_records (message_id, topic, data, status)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (message_id) DO UPDATE
	      SET status=$4, data=$3, error=NULL, updated_at=now()
	      WHERE mq_consumption_records.status = $5`
	_, err := s.pool.Exec(ctx, q, messageID, topic, payload, domain.ConsumptionProcessing, domain.ConsumptionFailed)
	if err != nil {
		return fmt.Errorf("op=idempotency.mark_processing: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return nil
}

// MarkProcessed transitions processing -> processed. Idempotent: a second
// call on an already-processed row returns (true, nil), never an error.
func (s *IdempotencyStore) MarkProcessed(ctx domain.Context, messageID string) (bool, error) {
	q := `UPDATE mq_consumption_records SET status=$2, updated_at=now()
	      WHERE message_id=$1 AND status IN ($3,$2)`
	tag, err := s.pool.Exec(ctx, q, messageID, domain.ConsumptionProcessed, domain.ConsumptionProcessing)
	if err != nil {
		return false, fmt.Errorf("op=idempotency.mark_processed: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions processing -> failed, recording errText.
func (s *IdempotencyStore) MarkFailed(ctx domain.Context, messageID, errText string) (bool, error) {
	q := `UPDATE mq_consumption_records SET status=$2, error=$3, updated_at=now()
	      WHERE message_id=$1 AND status=$4`
	tag, err := s.pool.Exec(ctx, q, messageID, domain.ConsumptionFailed, errText, domain.ConsumptionProcessing)
	if err != nil {
		return false, fmt.Errorf("op=idempotency.mark_failed: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompensated transitions failed -> compensated.
func (s *IdempotencyStore) MarkCompensated(ctx domain.Context, messageID string) (bool, error) {
	q := `UPDATE mq_consumption_records SET status=$2, updated_at=now()
	      WHERE message_id=$1 AND status=$3`
	tag, err := s.pool.Exec(ctx, q, messageID, domain.ConsumptionCompensated, domain.ConsumptionFailed)
	if err != nil {
		return false, fmt.Errorf("op=idempotency.mark_compensated: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return tag.RowsAffected() > 0, nil
}

// FetchFailed claims up to limit failed rows (oldest updated_at first), for
// the Compensation Scanner's consumer-side pass.
func (s *IdempotencyStore) FetchFailed(ctx domain.Context, limit int) ([]domain.ConsumptionRecord, error) {
	tracer := otel.Tracer("store.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.FetchFailed")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "mq_consumption_records"))

	if limit <= 0 {
		return nil, nil
	}
	q := `
		UPDATE mq_consumption_records
		SET locked_at = now(), locked_by = $1
		WHERE id IN (
			SELECT id FROM mq_consumption_records
			WHERE status = $2
			  AND (locked_at IS NULL OR locked_at < $4)
			ORDER BY updated_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message_id, topic, data, status, error, created_at, updated_at
	`
	staleBefore := time.Now().Add(-staleLockWindow)
	rows, err := s.pool.Query(ctx, q, s.workerID, domain.ConsumptionFailed, limit, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.fetch_failed: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	defer rows.Close()

	var out []domain.ConsumptionRecord
	for rows.Next() {
		var rec domain.ConsumptionRecord
		var topic, payload *string
		var errText *string
		if err := rows.Scan(&rec.ID, &rec.MessageID, &topic, &payload, &rec.Status, &errText, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=idempotency.fetch_failed_scan: %w", errors.Join(domain.ErrStoreFailure, err))
		}
		if topic != nil {
			rec.Topic = *topic
		}
		if payload != nil {
			rec.Payload = []byte(*payload)
		}
		rec.Error = errText
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=idempotency.fetch_failed_rows: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return out, nil
}

// StatusCounts returns the number of mq_consumption_records rows grouped
// by status, backing outboxctl's /status introspection endpoint.
func (s *IdempotencyStore) StatusCounts(ctx domain.Context) (map[domain.ConsumptionStatus]int64, error) {
	tracer := otel.Tracer("store.idempotency")
	ctx, span := tracer.Start(ctx, "idempotency.StatusCounts")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "postgresql"), attribute.String("db.sql.table", "mq_consumption_records"))

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM mq_consumption_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=idempotency.status_counts: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	defer rows.Close()

	counts := make(map[domain.ConsumptionStatus]int64)
	for rows.Next() {
		var status domain.ConsumptionStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("op=idempotency.status_counts_scan: %w", errors.Join(domain.ErrStoreFailure, err))
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=idempotency.status_counts_rows: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return counts, nil
}

// CreateSchema creates the consumption ledger table and its indexes if missing.
func (s *IdempotencyStore) CreateSchema(ctx domain.Context) error {
	if _, err := s.pool.Exec(ctx, consumptionSchema); err != nil {
		return fmt.Errorf("op=idempotency.create_schema: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return nil
}
