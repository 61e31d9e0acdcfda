package log

import (
	"context"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// JobLogger persists scheduler job runs to the scheduler_job_logs table
// so operators can inspect job history without scraping service logs.
// Writes are best-effort and never fail the job itself.
type JobLogger struct {
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

type JobLog struct {
	JobID      string
	Level      zerolog.Level
	Message    string
	Metadata   map[string]any
	DurationMS int64
}

func NewJobLogger(pool *pgxpool.Pool, logger *zerolog.Logger) *JobLogger {
	log := logger.With().Str("channel", "job_logger").Logger()

	return &JobLogger{
		pool:   pool,
		logger: &log,
	}
}

func (l *JobLogger) Record(ctx context.Context, entry JobLog) {
	if err := l.record(ctx, entry); err != nil {
		l.logger.Error().Err(err).
			Str("job_id", entry.JobID).
			Msg("unable to persist job log")
	}
}

func (l *JobLogger) record(ctx context.Context, entry JobLog) error {
	var metadata pgtype.JSONB
	if err := metadata.Set(entry.Metadata); err != nil {
		return errors.Wrap(err, "unable to marshal job log metadata")
	}

	_, err := l.pool.Exec(
		ctx,
		`insert into scheduler_job_logs (job_id, level, message, metadata, duration_ms, created_at)
		 values ($1, $2, $3, $4, $5, $6)`,
		entry.JobID,
		entry.Level.String(),
		entry.Message,
		metadata,
		entry.DurationMS,
		time.Now().UTC(),
	)

	return errors.Wrap(err, "unable to insert job log")
}

// DeleteOlderThan trims job log history. Returns the number of deleted rows.
func (l *JobLogger) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := l.pool.Exec(ctx, `delete from scheduler_job_logs where created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "unable to delete job logs")
	}

	return tag.RowsAffected(), nil
}
