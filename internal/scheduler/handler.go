package scheduler

import (
	"context"
	"time"

	"github.com/mentorium/billing/internal/log"
	"github.com/pkg/errors"
)

// ReconciliationService is the slice of reconciliation the jobs act on.
type ReconciliationService interface {
	SweepLapsed(ctx context.Context, now time.Time) (int, error)
	CompactJournal(olderThan time.Time) (int, error)
}

type SubscriptionService interface {
	ResetDueFreeUsage(ctx context.Context, now time.Time) (int, error)
}

type RevenueService interface {
	PublishMetrics(ctx context.Context) error
}

// TableLogger persists job runs and trims their history.
type TableLogger interface {
	Record(ctx context.Context, entry log.JobLog)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Handler carries the scheduled jobs. Each job returns metadata for the job
// log; the runner owns timing, logging and persistence.
type Handler struct {
	reconciliation ReconciliationService
	subscriptions  SubscriptionService
	revenue        RevenueService
	tableLogger    TableLogger
	retention      time.Duration
}

func New(
	reconciliationService ReconciliationService,
	subscriptionService SubscriptionService,
	revenueService RevenueService,
	tableLogger TableLogger,
	retention time.Duration,
) *Handler {
	return &Handler{
		reconciliation: reconciliationService,
		subscriptions:  subscriptionService,
		revenue:        revenueService,
		tableLogger:    tableLogger,
		retention:      retention,
	}
}

// ExpireLapsedSubscriptions downgrades entitled records whose paid period ran
// out without a renewal event reaching us.
func (h *Handler) ExpireLapsedSubscriptions(ctx context.Context) (map[string]any, error) {
	swept, err := h.reconciliation.SweepLapsed(ctx, time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "unable to sweep lapsed subscriptions")
	}

	return map[string]any{"swept": swept}, nil
}

// ResetFreeUsagePeriods starts a fresh metering month for free tier records.
func (h *Handler) ResetFreeUsagePeriods(ctx context.Context) (map[string]any, error) {
	reset, err := h.subscriptions.ResetDueFreeUsage(ctx, time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "unable to reset free tier usage periods")
	}

	return map[string]any{"reset": reset}, nil
}

// CompactEventJournal drops processed-event entries and job log rows that
// outlived the retention window.
func (h *Handler) CompactEventJournal(ctx context.Context) (map[string]any, error) {
	cutoff := time.Now().UTC().Add(-h.retention)

	compacted, err := h.reconciliation.CompactJournal(cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "unable to compact event journal")
	}

	trimmed, err := h.tableLogger.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "unable to trim job logs")
	}

	return map[string]any{"journal_entries": compacted, "job_logs": trimmed}, nil
}

// RefreshRevenueMetrics recomputes the revenue snapshot and publishes it to
// the metrics registry.
func (h *Handler) RefreshRevenueMetrics(ctx context.Context) (map[string]any, error) {
	if err := h.revenue.PublishMetrics(ctx); err != nil {
		return nil, errors.Wrap(err, "unable to refresh revenue metrics")
	}

	return nil, nil
}
