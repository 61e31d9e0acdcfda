package subscription

import (
	"context"
	"fmt"
	"sync"

	"github.com/mentorium/billing/internal/processor"
)

// MockGateway implements ProcessorGateway in memory. Local development runs on
// it when no processor credentials are configured; tests inject failures to
// exercise the unavailable-processor paths.
type MockGateway struct {
	mu        sync.Mutex
	customers int
	sessions  int
	renewals  map[string]bool

	CreateCustomerErr error
	CreateSessionErr  error
	SetCancelErr      error
}

func NewMockGateway() *MockGateway {
	return &MockGateway{renewals: make(map[string]bool)}
}

func (g *MockGateway) CreateCustomer(_ context.Context, _ processor.CustomerParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.CreateCustomerErr != nil {
		return "", g.CreateCustomerErr
	}

	g.customers++

	return fmt.Sprintf("cus_mock_%04d", g.customers), nil
}

func (g *MockGateway) CreateCheckoutSession(_ context.Context, params processor.CheckoutParams) (*processor.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.CreateSessionErr != nil {
		return nil, g.CreateSessionErr
	}

	g.sessions++
	id := fmt.Sprintf("cs_mock_%04d", g.sessions)

	return &processor.CheckoutSession{
		ID:  id,
		URL: fmt.Sprintf("https://checkout.invalid/pay/%s?plan=%s", id, params.PlanID),
	}, nil
}

func (g *MockGateway) SetCancelAtPeriodEnd(_ context.Context, processorSubscriptionID string, cancel bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.SetCancelErr != nil {
		return g.SetCancelErr
	}

	g.renewals[processorSubscriptionID] = cancel

	return nil
}

// CancelRequested reports whether cancellation was requested for a processor
// subscription id.
func (g *MockGateway) CancelRequested(processorSubscriptionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.renewals[processorSubscriptionID]
}
