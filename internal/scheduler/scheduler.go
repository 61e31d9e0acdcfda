// Package scheduler runs the recurring maintenance jobs of the billing
// service on a cron timetable and records every run to the job log table.
package scheduler

import (
	"context"
	"time"

	"github.com/mentorium/billing/internal/log"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ErrUnknownJob = errors.New("unknown job")

// Job names, also the identifiers accepted by the internal run-job endpoint.
const (
	JobExpireLapsed   = "expire_lapsed_subscriptions"
	JobResetFreeUsage = "reset_free_usage_periods"
	JobCompactJournal = "compact_event_journal"
	JobRefreshRevenue = "refresh_revenue_metrics"
)

const jobTimeout = 5 * time.Minute

type JobFunc func(ctx context.Context) (map[string]any, error)

type Job struct {
	Name     string
	Schedule string
	Run      JobFunc
}

type Scheduler struct {
	cron        *cron.Cron
	jobs        []Job
	byName      map[string]Job
	tableLogger TableLogger
	logger      *zerolog.Logger
}

func NewScheduler(handler *Handler, tableLogger TableLogger, logger *zerolog.Logger) *Scheduler {
	logCtx := logger.With().Str("channel", "scheduler").Logger()

	s := &Scheduler{
		cron:        cron.New(cron.WithLocation(time.UTC)),
		tableLogger: tableLogger,
		logger:      &logCtx,
	}

	s.jobs = []Job{
		{Name: JobExpireLapsed, Schedule: "@every 10m", Run: handler.ExpireLapsedSubscriptions},
		{Name: JobResetFreeUsage, Schedule: "13 0 * * *", Run: handler.ResetFreeUsagePeriods},
		{Name: JobCompactJournal, Schedule: "47 3 * * *", Run: handler.CompactEventJournal},
		{Name: JobRefreshRevenue, Schedule: "@every 15m", Run: handler.RefreshRevenueMetrics},
	}

	s.byName = make(map[string]Job, len(s.jobs))
	for _, job := range s.jobs {
		s.byName[job.Name] = job
	}

	return s
}

// Start registers the timetable and launches the cron loop.
func (s *Scheduler) Start() error {
	for _, job := range s.jobs {
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() {
			// failures are recorded by execute itself
			_ = s.execute(context.Background(), job)
		})
		if err != nil {
			return errors.Wrapf(err, "unable to schedule job %q", job.Name)
		}
	}

	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("scheduler started")

	return nil
}

// Stop halts the timetable and waits for running jobs to finish or for the
// context to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "jobs still running at shutdown")
	}
}

// RunJob executes one job immediately, outside its schedule.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	job, ok := s.byName[name]
	if !ok {
		return errors.Wrapf(ErrUnknownJob, "name %q", name)
	}

	return s.execute(ctx, job)
}

// JobNames lists the registered jobs in timetable order.
func (s *Scheduler) JobNames() []string {
	names := make([]string, len(s.jobs))
	for i, job := range s.jobs {
		names[i] = job.Name
	}

	return names
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	started := time.Now()
	metadata, err := job.Run(ctx)
	duration := time.Since(started)

	entry := log.JobLog{
		JobID:      job.Name,
		Level:      zerolog.InfoLevel,
		Message:    "completed",
		Metadata:   metadata,
		DurationMS: duration.Milliseconds(),
	}

	if err != nil {
		entry.Level = zerolog.ErrorLevel
		entry.Message = err.Error()

		s.logger.Error().Err(err).
			Str("job", job.Name).
			Dur("duration", duration).
			Msg("job failed")
	} else {
		s.logger.Info().
			Str("job", job.Name).
			Dur("duration", duration).
			Interface("metadata", metadata).
			Msg("job completed")
	}

	// The job context may already be done; the record still has to land.
	logCtx, logCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer logCancel()

	s.tableLogger.Record(logCtx, entry)

	return err
}
