package internalapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mentorium/billing/internal/scheduler"
	"github.com/mentorium/billing/internal/service/reconciliation"
	"github.com/mentorium/billing/internal/service/revenue"
	"github.com/mentorium/billing/internal/service/subscription"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type revenueStub struct {
	snapshot *revenue.Snapshot
	churn    float64
	months   int
	err      error
}

func (r *revenueStub) Snapshot(_ context.Context) (*revenue.Snapshot, error) {
	return r.snapshot, r.err
}

func (r *revenueStub) ChurnRate(_ context.Context, windowMonths int) (float64, error) {
	r.months = windowMonths

	return r.churn, r.err
}

type reconciliationStub struct {
	stats reconciliation.Stats
}

func (r *reconciliationStub) Stats() reconciliation.Stats {
	return r.stats
}

type listerStub struct {
	subs   []*subscription.Subscription
	limit  int
	offset int
}

func (l *listerStub) ListCurrent(_ context.Context, limit, offset int) ([]*subscription.Subscription, error) {
	l.limit = limit
	l.offset = offset

	return l.subs, nil
}

type jobRunnerStub struct {
	err error
	ran []string
}

func (j *jobRunnerStub) RunJob(_ context.Context, name string) error {
	if j.err != nil {
		return j.err
	}

	j.ran = append(j.ran, name)

	return nil
}

func (j *jobRunnerStub) JobNames() []string {
	return []string{"expire_lapsed_subscriptions", "refresh_revenue_metrics"}
}

type handlerEnv struct {
	echo    *echo.Echo
	revenue *revenueStub
	lister  *listerStub
	jobs    *jobRunnerStub
}

func setup(recon *reconciliationStub, rev *revenueStub, lister *listerStub, jobs *jobRunnerStub) *handlerEnv {
	logger := zerolog.Nop()
	handler := New(rev, recon, lister, jobs, &logger)

	e := echo.New()
	e.GET("/internal/v1/revenue", handler.GetRevenueSnapshot)
	e.GET("/internal/v1/revenue/churn", handler.GetChurnRate)
	e.GET("/internal/v1/reconciliation/stats", handler.GetReconciliationStats)
	e.GET("/internal/v1/subscription", handler.ListSubscriptions)
	e.POST("/internal/v1/job", handler.RunSchedulerJob)

	return &handlerEnv{echo: e, revenue: rev, lister: lister, jobs: jobs}
}

func (env *handlerEnv) get(target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	return rec
}

func (env *handlerEnv) post(target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)

	return rec
}

func TestGetRevenueSnapshot(t *testing.T) {
	snapshot := &revenue.Snapshot{
		MRR:               decimal.NewFromInt(148),
		ARR:               decimal.NewFromInt(1776),
		ActiveSubscribers: 3,
		GeneratedAt:       time.Now().UTC(),
	}
	env := setup(&reconciliationStub{}, &revenueStub{snapshot: snapshot}, &listerStub{}, &jobRunnerStub{})

	rec := env.get("/internal/v1/revenue")
	require.Equal(t, http.StatusOK, rec.Code)

	var got revenue.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.MRR.Equal(decimal.NewFromInt(148)))
	assert.Equal(t, 3, got.ActiveSubscribers)
}

func TestGetChurnRate(t *testing.T) {
	for _, tt := range []struct {
		name       string
		query      string
		wantMonths int
	}{
		{name: "default window", query: "", wantMonths: 1},
		{name: "explicit window", query: "?months=3", wantMonths: 3},
		{name: "garbage falls back", query: "?months=soon", wantMonths: 1},
		{name: "zero clamps up", query: "?months=0", wantMonths: 1},
		{name: "huge clamps down", query: "?months=600", wantMonths: 24},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rev := &revenueStub{churn: 12.5}
			env := setup(&reconciliationStub{}, rev, &listerStub{}, &jobRunnerStub{})

			rec := env.get("/internal/v1/revenue/churn" + tt.query)
			require.Equal(t, http.StatusOK, rec.Code)

			var resp ChurnResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantMonths, resp.WindowMonths)
			assert.Equal(t, tt.wantMonths, rev.months)
			assert.InDelta(t, 12.5, resp.ChurnRate, 0.0001)
		})
	}
}

func TestGetReconciliationStats(t *testing.T) {
	stats := reconciliation.Stats{Applied: 10, Duplicates: 2, Stale: 1}
	env := setup(&reconciliationStub{stats: stats}, &revenueStub{}, &listerStub{}, &jobRunnerStub{})

	rec := env.get("/internal/v1/reconciliation/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var got reconciliation.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, stats, got)
}

func TestListSubscriptions(t *testing.T) {
	now := time.Now().UTC()
	lister := &listerStub{subs: []*subscription.Subscription{
		{
			AccountID:               uuid.New(),
			PlanID:                  "pro",
			Status:                  subscription.StatusActive,
			BillingCycle:            "monthly",
			Currency:                "USD",
			Amount:                  decimal.NewFromInt(49),
			ProcessorSubscriptionID: "sub_123",
			CurrentPeriodEnd:        now.AddDate(0, 1, 0),
			Version:                 4,
		},
	}}
	env := setup(&reconciliationStub{}, &revenueStub{}, lister, &jobRunnerStub{})

	t.Run("defaults", func(t *testing.T) {
		rec := env.get("/internal/v1/subscription")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SubscriptionListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		assert.Equal(t, 50, resp.Limit)
		assert.Equal(t, 0, resp.Offset)
		require.Len(t, resp.Results, 1)
		assert.Equal(t, "pro", resp.Results[0].PlanID)
		assert.Equal(t, "sub_123", resp.Results[0].ProcessorSubscriptionID)
		assert.Equal(t, int64(4), resp.Results[0].Version)
	})

	t.Run("bounds", func(t *testing.T) {
		rec := env.get("/internal/v1/subscription?limit=9000&offset=-3")
		require.Equal(t, http.StatusOK, rec.Code)

		assert.Equal(t, 50, lister.limit)
		assert.Equal(t, 0, lister.offset)
	})
}

func TestRunSchedulerJob(t *testing.T) {
	t.Run("runs the job", func(t *testing.T) {
		jobs := &jobRunnerStub{}
		env := setup(&reconciliationStub{}, &revenueStub{}, &listerStub{}, jobs)

		rec := env.post("/internal/v1/job", `{"name":"refresh_revenue_metrics"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		assert.Equal(t, []string{"refresh_revenue_metrics"}, jobs.ran)
		assert.Contains(t, rec.Body.String(), `"status":"completed"`)
	})

	t.Run("missing name", func(t *testing.T) {
		env := setup(&reconciliationStub{}, &revenueStub{}, &listerStub{}, &jobRunnerStub{})

		rec := env.post("/internal/v1/job", `{}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown job lists the known ones", func(t *testing.T) {
		jobs := &jobRunnerStub{err: errors.Wrap(scheduler.ErrUnknownJob, "name \"mine_bitcoin\"")}
		env := setup(&reconciliationStub{}, &revenueStub{}, &listerStub{}, jobs)

		rec := env.post("/internal/v1/job", `{"name":"mine_bitcoin"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "expire_lapsed_subscriptions")
	})

	t.Run("job failure", func(t *testing.T) {
		jobs := &jobRunnerStub{err: errors.New("journal unavailable")}
		env := setup(&reconciliationStub{}, &revenueStub{}, &listerStub{}, jobs)

		rec := env.post("/internal/v1/job", `{"name":"compact_event_journal"}`)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}
