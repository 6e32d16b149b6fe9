package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a Provider that records calls and returns configurable results.
type Mock struct {
	mu sync.Mutex

	// Customers maps userID -> customerID.
	Customers map[string]string
	Checkouts []CheckoutRequest
	// Canceled collects provider subscription ids passed to
	// CancelSubscription, suffixed "@period_end" for scheduled cancels.
	Canceled []string
	Retried  []string
	// Declines lists invoice ids whose retry is refused.
	Declines map[string]bool

	// Error fields allow tests to inject failures.
	CreateCustomerErr error
	CheckoutErr       error
	PortalErr         error
	CancelErr         error
	RetryErr          error

	seq int
}

var _ Provider = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{
		Customers: make(map[string]string),
		Declines:  make(map[string]bool),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) CreateCustomer(_ context.Context, req CustomerRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateCustomerErr != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, m.CreateCustomerErr)
	}
	if id, ok := m.Customers[req.UserID]; ok {
		return id, nil
	}
	m.seq++
	id := fmt.Sprintf("cus_mock_%d", m.seq)
	m.Customers[req.UserID] = id
	return id, nil
}

func (m *Mock) CreateCheckout(_ context.Context, req CheckoutRequest) (*Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CheckoutErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, m.CheckoutErr)
	}
	m.seq++
	m.Checkouts = append(m.Checkouts, req)
	id := fmt.Sprintf("cs_mock_%d", m.seq)
	return &Checkout{SessionID: id, URL: "https://checkout.example.test/" + id}, nil
}

func (m *Mock) CreatePortalSession(_ context.Context, req PortalRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PortalErr != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, m.PortalErr)
	}
	return "https://portal.example.test/" + req.CustomerID, nil
}

func (m *Mock) CancelSubscription(_ context.Context, providerSubscriptionID string, atPeriodEnd bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CancelErr != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, m.CancelErr)
	}
	if atPeriodEnd {
		providerSubscriptionID += "@period_end"
	}
	m.Canceled = append(m.Canceled, providerSubscriptionID)
	return nil
}

func (m *Mock) RetryInvoice(_ context.Context, invoiceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RetryErr != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, m.RetryErr)
	}
	m.Retried = append(m.Retried, invoiceID)
	if m.Declines[invoiceID] {
		return fmt.Errorf("%w: invoice %s", ErrDeclined, invoiceID)
	}
	return nil
}

// CanceledIDs returns a copy of Canceled.
func (m *Mock) CanceledIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Canceled...)
}
