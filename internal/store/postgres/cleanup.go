package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// beginner is the narrow slice of pgxpool.Pool CleanupService needs, kept
// separate so unit tests can inject a mock Begin without a live database.
type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CleanupService removes terminal outbox/consumption rows past a retention
// window. This is an opt-in maintenance operation: the core state machines
// (Dispatcher, Consumer, Compensation Scanner) never delete rows themselves.
type CleanupService struct {
	Pool          beginner
	RetentionDays int
}

// NewCleanupService constructs a CleanupService. retentionDays <= 0 defaults
// to 90.
func NewCleanupService(pool *pgxpool.Pool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// NewCleanupServiceFromBeginner constructs a CleanupService over any
// beginner, the seam unit tests use to inject a mock transaction source.
func NewCleanupServiceFromBeginner(pool beginner, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData deletes sent/compensated outbox rows and processed/compensated
// consumption rows older than the retention window. Pending, failed, and
// processing rows are never touched regardless of age.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.RetentionDays)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var deletedOutbox int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM mq_messages
			WHERE status IN ('sent', 'compensated') AND updated_at < $1
			RETURNING id
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedOutbox)
	if err != nil {
		return fmt.Errorf("op=cleanup.outbox: %w", err)
	}

	var deletedConsumption int64
	err = tx.QueryRow(ctx, `
		WITH deleted AS (
			DELETE FROM mq_consumption_records
			WHERE status IN ('processed', 'compensated') AND updated_at < $1
			RETURNING id
		)
		SELECT count(*) FROM deleted
	`, cutoff).Scan(&deletedConsumption)
	if err != nil {
		return fmt.Errorf("op=cleanup.consumption: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("retention cleanup completed",
		slog.Int64("deleted_outbox", deletedOutbox),
		slog.Int64("deleted_consumption", deletedConsumption),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic runs CleanupOldData once immediately, then on every interval
// tick until ctx is canceled. interval <= 0 defaults to 24h.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial retention cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention cleanup stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic retention cleanup failed", slog.Any("error", err))
			}
		}
	}
}
