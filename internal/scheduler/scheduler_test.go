package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/mentorium/billing/internal/log"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconciliationStub struct {
	swept      int
	sweepErr   error
	compacted  int
	compactCut time.Time
}

func (r *reconciliationStub) SweepLapsed(_ context.Context, _ time.Time) (int, error) {
	return r.swept, r.sweepErr
}

func (r *reconciliationStub) CompactJournal(olderThan time.Time) (int, error) {
	r.compactCut = olderThan

	return r.compacted, nil
}

type subscriptionStub struct {
	reset int
}

func (s *subscriptionStub) ResetDueFreeUsage(_ context.Context, _ time.Time) (int, error) {
	return s.reset, nil
}

type revenueStub struct {
	err error
}

func (r *revenueStub) PublishMetrics(_ context.Context) error {
	return r.err
}

type tableLoggerStub struct {
	entries []log.JobLog
	trimmed int64
	trimCut time.Time
}

func (l *tableLoggerStub) Record(_ context.Context, entry log.JobLog) {
	l.entries = append(l.entries, entry)
}

func (l *tableLoggerStub) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	l.trimCut = cutoff

	return l.trimmed, nil
}

func newTestScheduler(recon *reconciliationStub, subs *subscriptionStub, rev *revenueStub, table *tableLoggerStub) *Scheduler {
	logger := zerolog.Nop()
	handler := New(recon, subs, rev, table, 30*24*time.Hour)

	return NewScheduler(handler, table, &logger)
}

func TestRunJob(t *testing.T) {
	t.Run("unknown job", func(t *testing.T) {
		s := newTestScheduler(&reconciliationStub{}, &subscriptionStub{}, &revenueStub{}, &tableLoggerStub{})

		err := s.RunJob(context.Background(), "defragment_disk")
		assert.ErrorIs(t, err, ErrUnknownJob)
	})

	t.Run("successful run lands in the job log", func(t *testing.T) {
		table := &tableLoggerStub{}
		s := newTestScheduler(&reconciliationStub{swept: 3}, &subscriptionStub{}, &revenueStub{}, table)

		err := s.RunJob(context.Background(), JobExpireLapsed)
		require.NoError(t, err)

		require.Len(t, table.entries, 1)
		entry := table.entries[0]
		assert.Equal(t, JobExpireLapsed, entry.JobID)
		assert.Equal(t, zerolog.InfoLevel, entry.Level)
		assert.Equal(t, "completed", entry.Message)
		assert.Equal(t, 3, entry.Metadata["swept"])
	})

	t.Run("failed run is recorded with the error", func(t *testing.T) {
		table := &tableLoggerStub{}
		s := newTestScheduler(&reconciliationStub{}, &subscriptionStub{}, &revenueStub{err: errors.New("registry gone")}, table)

		err := s.RunJob(context.Background(), JobRefreshRevenue)
		require.Error(t, err)

		require.Len(t, table.entries, 1)
		entry := table.entries[0]
		assert.Equal(t, zerolog.ErrorLevel, entry.Level)
		assert.Contains(t, entry.Message, "unable to refresh revenue metrics")
	})
}

func TestCompactEventJournal(t *testing.T) {
	recon := &reconciliationStub{compacted: 120}
	table := &tableLoggerStub{trimmed: 40}
	handler := New(recon, &subscriptionStub{}, &revenueStub{}, table, 720*time.Hour)

	metadata, err := handler.CompactEventJournal(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 120, metadata["journal_entries"])
	assert.Equal(t, int64(40), metadata["job_logs"])

	wantCutoff := time.Now().UTC().Add(-720 * time.Hour)
	assert.WithinDuration(t, wantCutoff, recon.compactCut, time.Minute)
	assert.WithinDuration(t, wantCutoff, table.trimCut, time.Minute)
}

func TestJobNames(t *testing.T) {
	s := newTestScheduler(&reconciliationStub{}, &subscriptionStub{}, &revenueStub{}, &tableLoggerStub{})

	assert.Equal(t, []string{
		JobExpireLapsed,
		JobResetFreeUsage,
		JobCompactJournal,
		JobRefreshRevenue,
	}, s.JobNames())
}
