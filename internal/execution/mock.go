package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"crypto_link/internal/domain"
)

// MockVenue is a scriptable transport that only logs and records calls.
// Hooks override the default behavior for tests.
type MockVenue struct {
	name string

	mu        sync.Mutex
	available bool
	seq       int
	placed    []domain.PlaceRequest
	cancels   []domain.OrderRef
	reports   map[string]domain.OrderReport

	onPlace  func(ctx context.Context, req domain.PlaceRequest) (domain.PlaceAck, error)
	onCancel func(ctx context.Context, ref domain.OrderRef) error
}

// NewMockVenue creates an available mock transport.
func NewMockVenue(name string) *MockVenue {
	return &MockVenue{
		name:      name,
		available: true,
		reports:   make(map[string]domain.OrderReport),
	}
}

func (m *MockVenue) Name() string { return m.name }

func (m *MockVenue) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// SetAvailable toggles availability.
func (m *MockVenue) SetAvailable(v bool) {
	m.mu.Lock()
	m.available = v
	m.mu.Unlock()
}

// OnPlace replaces the placement behavior.
func (m *MockVenue) OnPlace(fn func(ctx context.Context, req domain.PlaceRequest) (domain.PlaceAck, error)) {
	m.mu.Lock()
	m.onPlace = fn
	m.mu.Unlock()
}

// OnCancel replaces the cancel behavior.
func (m *MockVenue) OnCancel(fn func(ctx context.Context, ref domain.OrderRef) error) {
	m.mu.Lock()
	m.onCancel = fn
	m.mu.Unlock()
}

// FailPlace makes every placement fail with err.
func (m *MockVenue) FailPlace(err error) {
	m.OnPlace(func(context.Context, domain.PlaceRequest) (domain.PlaceAck, error) {
		return domain.PlaceAck{}, err
	})
}

// FailCancel makes every cancel fail with err.
func (m *MockVenue) FailCancel(err error) {
	m.OnCancel(func(context.Context, domain.OrderRef) error { return err })
}

// SetReport scripts the QueryOrder answer for an exchange id.
func (m *MockVenue) SetReport(exchangeID string, rep domain.OrderReport) {
	m.mu.Lock()
	m.reports[exchangeID] = rep
	m.mu.Unlock()
}

// Placed returns the placement requests seen so far.
func (m *MockVenue) Placed() []domain.PlaceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.PlaceRequest(nil), m.placed...)
}

// Cancels returns the cancel requests seen so far.
func (m *MockVenue) Cancels() []domain.OrderRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderRef(nil), m.cancels...)
}

func (m *MockVenue) PlaceOrder(ctx context.Context, req domain.PlaceRequest) (domain.PlaceAck, error) {
	m.mu.Lock()
	m.placed = append(m.placed, req)
	m.seq++
	id := fmt.Sprintf("%s-%d", m.name, m.seq)
	hook := m.onPlace
	m.mu.Unlock()

	slog.Info("MOCK EXECUTION: Place Order",
		slog.String("venue", m.name),
		slog.String("cl_ord_id", req.ClientOrderID),
		slog.String("symbol", req.Order.Symbol),
		slog.String("side", string(req.Order.Side)),
		slog.String("qty", req.Order.Quantity.String()))

	if hook != nil {
		return hook(ctx, req)
	}
	return domain.PlaceAck{ExchangeID: id}, nil
}

func (m *MockVenue) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, ref)
	hook := m.onCancel
	m.mu.Unlock()

	slog.Info("MOCK EXECUTION: Cancel Order",
		slog.String("venue", m.name),
		slog.String("order_id", ref.ExchangeID))

	if hook != nil {
		return hook(ctx, ref)
	}
	return nil
}

func (m *MockVenue) QueryOrder(_ context.Context, ref domain.OrderRef) (domain.OrderReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[ref.ExchangeID]
	if !ok {
		return domain.OrderReport{}, fmt.Errorf("%w: %s", domain.ErrNotFound, ref.ExchangeID)
	}
	rep.Ref = ref
	return rep, nil
}
