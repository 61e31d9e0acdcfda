package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements Store in process memory. It backs unit tests and local
// development without Postgres, with the same semantics as the SQL store.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	subs   []*Subscription
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) GetCurrentByAccount(_ context.Context, accountID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub := m.currentByAccount(accountID); sub != nil {
		return sub.Clone(), nil
	}

	return nil, ErrSubscriptionNotFound
}

func (m *Memory) GetByProcessorSubscriptionID(_ context.Context, processorID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.subs) - 1; i >= 0; i-- {
		if m.subs[i].ProcessorSubscriptionID == processorID && processorID != "" {
			return m.subs[i].Clone(), nil
		}
	}

	return nil, ErrSubscriptionNotFound
}

func (m *Memory) GetCurrentByProcessorCustomerID(_ context.Context, customerID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.subs) - 1; i >= 0; i-- {
		sub := m.subs[i]
		if sub.ProcessorCustomerID == customerID && customerID != "" && !sub.SupersededAt.Valid {
			return sub.Clone(), nil
		}
	}

	return nil, ErrSubscriptionNotFound
}

func (m *Memory) Create(_ context.Context, params CreateParams) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentByAccount(params.AccountID) != nil {
		return nil, ErrAlreadyExists
	}

	m.nextID++
	now := time.Now().UTC()

	sub := &Subscription{
		ID:                      m.nextID,
		UUID:                    uuid.New(),
		AccountID:               params.AccountID,
		PlanID:                  params.PlanID,
		Status:                  params.Status,
		BillingCycle:            params.BillingCycle,
		Currency:                params.Currency,
		Amount:                  params.Amount,
		Entitlements:            params.Entitlements.Clone(),
		Usage:                   Usage{LastResetAt: params.CurrentPeriodStart},
		ProcessorCustomerID:     params.ProcessorCustomerID,
		ProcessorSubscriptionID: params.ProcessorSubscriptionID,
		CurrentPeriodStart:      params.CurrentPeriodStart,
		CurrentPeriodEnd:        params.CurrentPeriodEnd,
		CancelAtPeriodEnd:       params.CancelAtPeriodEnd,
		Version:                 1,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	if !params.TrialEnd.IsZero() {
		sub.TrialEnd.Valid = true
		sub.TrialEnd.Time = params.TrialEnd
	}

	m.subs = append(m.subs, sub)

	return sub.Clone(), nil
}

func (m *Memory) UpdateVersioned(_ context.Context, sub *Subscription) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stored := range m.subs {
		if stored.ID != sub.ID {
			continue
		}

		if stored.Version != sub.Version {
			return nil, ErrVersionConflict
		}

		stored.PlanID = sub.PlanID
		stored.Status = sub.Status
		stored.BillingCycle = sub.BillingCycle
		stored.Currency = sub.Currency
		stored.Amount = sub.Amount
		stored.Entitlements = sub.Entitlements.Clone()
		stored.ProcessorCustomerID = sub.ProcessorCustomerID
		stored.ProcessorSubscriptionID = sub.ProcessorSubscriptionID
		stored.CurrentPeriodStart = sub.CurrentPeriodStart
		stored.CurrentPeriodEnd = sub.CurrentPeriodEnd
		stored.TrialEnd = sub.TrialEnd
		stored.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		stored.CanceledAt = sub.CanceledAt
		stored.Version++
		stored.UpdatedAt = time.Now().UTC()

		return stored.Clone(), nil
	}

	return nil, ErrVersionConflict
}

func (m *Memory) SupersedeCurrent(_ context.Context, accountID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.currentByAccount(accountID)
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	sub.SupersededAt.Valid = true
	sub.SupersededAt.Time = at.UTC()
	sub.UpdatedAt = at.UTC()

	return nil
}

func (m *Memory) IncrementUsage(_ context.Context, accountID uuid.UUID, counter Counter, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.currentByAccount(accountID)
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	apply := func(v int64) int64 {
		if v+delta < 0 {
			return 0
		}
		return v + delta
	}

	switch counter {
	case CounterProjects:
		sub.Usage.ProjectsCreated = apply(sub.Usage.ProjectsCreated)
	case CounterAIMinutes:
		sub.Usage.AIMinutesUsed = apply(sub.Usage.AIMinutesUsed)
	case CounterCodeExecutions:
		sub.Usage.CodeExecutionsUsed = apply(sub.Usage.CodeExecutionsUsed)
	case CounterStorageMB:
		sub.Usage.StorageMBUsed = apply(sub.Usage.StorageMBUsed)
	default:
		return ErrSubscriptionNotFound
	}

	sub.UpdatedAt = time.Now().UTC()

	return nil
}

func (m *Memory) ResetUsage(_ context.Context, accountID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := m.currentByAccount(accountID)
	if sub == nil {
		return ErrSubscriptionNotFound
	}

	sub.Usage = Usage{LastResetAt: at.UTC()}
	sub.UpdatedAt = at.UTC()

	return nil
}

func (m *Memory) ListCurrent(_ context.Context, limit, offset int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var current []*Subscription
	for i := len(m.subs) - 1; i >= 0; i-- {
		if !m.subs[i].SupersededAt.Valid {
			current = append(current, m.subs[i])
		}
	}

	if offset >= len(current) {
		return nil, nil
	}

	current = current[offset:]
	if len(current) > limit {
		current = current[:limit]
	}

	return cloneAll(current), nil
}

func (m *Memory) ListLapsed(_ context.Context, now time.Time, limit int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}

	var lapsed []*Subscription
	for _, sub := range m.subs {
		if sub.SupersededAt.Valid || sub.PlanID == "free" {
			continue
		}
		if sub.LapsedAt(now) {
			lapsed = append(lapsed, sub)
		}
	}

	sort.Slice(lapsed, func(i, j int) bool {
		return lapsed[i].CurrentPeriodEnd.Before(lapsed[j].CurrentPeriodEnd)
	})

	if len(lapsed) > limit {
		lapsed = lapsed[:limit]
	}

	return cloneAll(lapsed), nil
}

func (m *Memory) ListFreeUsageResetDue(_ context.Context, monthStart time.Time, limit int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}

	var due []*Subscription
	for _, sub := range m.subs {
		if sub.SupersededAt.Valid || sub.PlanID != "free" {
			continue
		}
		if sub.Usage.LastResetAt.Before(monthStart) {
			due = append(due, sub)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Usage.LastResetAt.Before(due[j].Usage.LastResetAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}

	return cloneAll(due), nil
}

func (m *Memory) ListForRevenue(_ context.Context) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*Subscription
	for _, sub := range m.subs {
		if sub.PlanID != "free" {
			records = append(records, sub)
		}
	}

	return cloneAll(records), nil
}

func (m *Memory) currentByAccount(accountID uuid.UUID) *Subscription {
	for i := len(m.subs) - 1; i >= 0; i-- {
		sub := m.subs[i]
		if sub.AccountID == accountID && !sub.SupersededAt.Valid {
			return sub
		}
	}

	return nil
}

func cloneAll(subs []*Subscription) []*Subscription {
	cloned := make([]*Subscription, len(subs))
	for i, sub := range subs {
		cloned[i] = sub.Clone()
	}

	return cloned
}
