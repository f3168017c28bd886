package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outboxmq/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the stores, kept narrow for
// easy mocking in unit tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// querier is satisfied by both PgxPool and pgx.Tx, letting OutboxStore run
// its statements against whichever is currently active.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// staleLockWindow bounds how long a claim (locked_at/locked_by) survives a
// dispatcher crash before another instance is allowed to reclaim the row.
const staleLockWindow = 5 * time.Minute

// OutboxStore implements domain.OutboxStore against PostgreSQL. Nested
// logical transactions are tracked with a reference-counted depth: Begin at
// depth 0 opens a physical transaction, Begin at depth >= 1 only increments
// the counter; Commit at depth 1 physically commits, at depth > 1 only
// decrements; Rollback at any depth aborts the stack and resets depth to 0.
type OutboxStore struct {
	pool     PgxPool
	workerID string
	debug    bool

	mu    sync.Mutex
	tx    pgx.Tx
	depth int
}

// NewOutboxStore constructs an OutboxStore backed by pool. debug enables
// diagnostic logging on soft-failure commit/rollback (depth already 0).
func NewOutboxStore(pool PgxPool, debug bool) *OutboxStore {
	return &OutboxStore{pool: pool, workerID: uuid.NewString(), debug: debug}
}

func (s *OutboxStore) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

// Begin opens (or joins) a logical transaction.
func (s *OutboxStore) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return fmt.Errorf("op=outbox.begin: %w", errors.Join(domain.ErrStoreFailure, err))
		}
		s.tx = tx
	}
	s.depth++
	return nil
}

// Commit closes (or unwinds one level of) the logical transaction. At
// depth 0 this is a soft failure: no physical transaction exists, so there
// is nothing to commit, and a debug record is emitted rather than an error.
func (s *OutboxStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		if s.debug {
			fmt.Printf("outbox: commit at depth 0 (soft failure, no-op)\n")
		}
		return nil
	}
	s.depth--
	if s.depth == 0 {
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=outbox.commit: %w", errors.Join(domain.ErrStoreFailure, err))
		}
	}
	return nil
}

// Rollback aborts the whole logical transaction stack regardless of depth.
// At depth 0 this is a soft failure, matching Commit's behavior.
func (s *OutboxStore) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth == 0 {
		if s.debug {
			fmt.Printf("outbox: rollback at depth 0 (soft failure, no-op)\n")
		}
		return nil
	}
	tx := s.tx
	s.tx = nil
	s.depth = 0
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("op=outbox.rollback: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return nil
}

// Save persists a new outbox row.
func (s *OutboxStore) Save(ctx context.Context, rec domain.OutboxRecord) error {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "mq_messages"),
	)
	status := rec.Status
	if status == "" {
		status = domain.OutboxPending
	}
	q := `INSERT INTO mq_messages (message_id, topic, data, options, status, retry_count)
	      VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := s.conn().Exec(ctx, q, rec.MessageID, rec.Topic, rec.Payload, rec.Options, status, rec.RetryCount)
	if err != nil {
		return fmt.Errorf("op=outbox.save: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return nil
}

// FetchPending claims up to limit pending rows (oldest first) using
// SELECT ... FOR UPDATE SKIP LOCKED, marking them with this store's
// worker id so concurrent dispatcher instances do not double-claim.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	return s.fetchByStatus(ctx, domain.OutboxPending, "created_at", limit)
}

// FetchFailed claims up to limit failed rows (oldest updated_at first),
// for the Compensation Scanner.
func (s *OutboxStore) FetchFailed(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	return s.fetchByStatus(ctx, domain.OutboxFailed, "updated_at", limit)
}

func (s *OutboxStore) fetchByStatus(ctx context.Context, status domain.OutboxStatus, orderCol string, limit int) ([]domain.OutboxRecord, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.fetchByStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "mq_messages"),
		attribute.String("outbox.status", string(status)),
	)
	if limit <= 0 {
		return nil, nil
	}
	// #nosec G201 -- orderCol is a fixed internal literal, never user input.
	q := fmt.Sprintf(`
		UPDATE mq_messages
		SET locked_at = now(), locked_by = $1
		WHERE id IN (
			SELECT id FROM mq_messages
			WHERE status = $2
			  AND (locked_at IS NULL OR locked_at < $4 OR locked_by = $1)
			ORDER BY %s ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message_id, topic, data, options, status, error, retry_count, created_at, updated_at
	`, orderCol)

	staleBefore := time.Now().Add(-staleLockWindow)
	rows, err := s.conn().Query(ctx, q, s.workerID, status, limit, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.fetch_%s: %w", status, errors.Join(domain.ErrStoreFailure, err))
	}
	defer rows.Close()

	var out []domain.OutboxRecord
	for rows.Next() {
		var rec domain.OutboxRecord
		var options *string
		var errText *string
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.Topic, &rec.Payload, &options, &rec.Status, &errText, &rec.RetryCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=outbox.fetch_%s_scan: %w", status, errors.Join(domain.ErrStoreFailure, err))
		}
		if options != nil {
			rec.Options = []byte(*options)
		}
		rec.Error = errText
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.fetch_%s_rows: %w", status, errors.Join(domain.ErrStoreFailure, err))
	}
	return out, nil
}

// MarkSent transitions a row from pending to sent. Idempotent on absent or
// already-transitioned rows: returns (false, nil), never an error.
func (s *OutboxStore) MarkSent(ctx context.Context, messageID string) (bool, error) {
	q := `UPDATE mq_messages SET status=$2, locked_at=NULL, locked_by=NULL, updated_at=now()
	      WHERE message_id=$1 AND status=$3`
	tag, err := s.conn().Exec(ctx, q, messageID, domain.OutboxSent, domain.OutboxPending)
	if err != nil {
		return false, fmt.Errorf("op=outbox.mark_sent: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions a row from pending to failed, recording errText.
func (s *OutboxStore) MarkFailed(ctx context.Context, messageID, errText string) (bool, error) {
	q := `UPDATE mq_messages SET status=$2, error=$3, locked_at=NULL, locked_by=NULL, updated_at=now()
	      WHERE message_id=$1 AND status=$4`
	tag, err := s.conn().Exec(ctx, q, messageID, domain.OutboxFailed, errText, domain.OutboxPending)
	if err != nil {
		return false, fmt.Errorf("op=outbox.mark_failed: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCompensated transitions a row from failed to compensated.
func (s *OutboxStore) MarkCompensated(ctx context.Context, messageID string) (bool, error) {
	q := `UPDATE mq_messages SET status=$2, locked_at=NULL, locked_by=NULL, updated_at=now()
	      WHERE message_id=$1 AND status=$3`
	tag, err := s.conn().Exec(ctx, q, messageID, domain.OutboxCompensated, domain.OutboxFailed)
	if err != nil {
		return false, fmt.Errorf("op=outbox.mark_compensated: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementRetry bumps retry_count by one on a pending row.
func (s *OutboxStore) IncrementRetry(ctx context.Context, messageID string) (bool, error) {
	q := `UPDATE mq_messages SET retry_count = retry_count + 1, updated_at=now()
	      WHERE message_id=$1 AND status=$2`
	tag, err := s.conn().Exec(ctx, q, messageID, domain.OutboxPending)
	if err != nil {
		return false, fmt.Errorf("op=outbox.increment_retry: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return tag.RowsAffected() > 0, nil
}

// StatusCounts returns the number of mq_messages rows grouped by status,
// backing outboxctl's /status introspection endpoint.
func (s *OutboxStore) StatusCounts(ctx context.Context) (map[domain.OutboxStatus]int64, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.StatusCounts")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "COUNT"),
		attribute.String("db.sql.table", "mq_messages"),
	)

	rows, err := s.conn().Query(ctx, `SELECT status, COUNT(*) FROM mq_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.status_counts: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	defer rows.Close()

	counts := make(map[domain.OutboxStatus]int64)
	for rows.Next() {
		var status domain.OutboxStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("op=outbox.status_counts_scan: %w", errors.Join(domain.ErrStoreFailure, err))
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.status_counts_rows: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return counts, nil
}

// CreateSchema creates the outbox table and its indexes if missing.
func (s *OutboxStore) CreateSchema(ctx context.Context) error {
	if _, err := s.conn().Exec(ctx, outboxSchema); err != nil {
		return fmt.Errorf("op=outbox.create_schema: %w", errors.Join(domain.ErrStoreFailure, err))
	}
	return nil
}
