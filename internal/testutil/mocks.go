package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/gateway"
	"github.com/google/uuid"
)

// --- Payment Repository Mock ---

// MockPaymentRepository is an in-memory payment.Repository. Its conditional
// update is atomic under the mutex, like the SQL it stands in for. Stored
// records are copied on the way in and out.
type MockPaymentRepository struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*payment.Payment
	byCode   map[payment.OrderCode]uuid.UUID
	events   map[uuid.UUID][]*payment.PaymentEvent

	CreateFunc                  func(ctx context.Context, p *payment.Payment) error
	GetByIDFunc                 func(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
	GetByOrderCodeFunc          func(ctx context.Context, code payment.OrderCode) (*payment.Payment, error)
	ConditionalUpdateStatusFunc func(ctx context.Context, id uuid.UUID, expected, next payment.Status) (*payment.Payment, bool, error)
	ListFunc                    func(ctx context.Context, filter payment.ListFilter) ([]*payment.Payment, error)
	AddEventFunc                func(ctx context.Context, event *payment.PaymentEvent) error
	GetEventsFunc               func(ctx context.Context, paymentID uuid.UUID) ([]*payment.PaymentEvent, error)
}

func NewMockPaymentRepository() *MockPaymentRepository {
	return &MockPaymentRepository{
		payments: make(map[uuid.UUID]*payment.Payment),
		byCode:   make(map[payment.OrderCode]uuid.UUID),
		events:   make(map[uuid.UUID][]*payment.PaymentEvent),
	}
}

func clonePayment(p *payment.Payment) *payment.Payment {
	c := *p
	c.Metadata = make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// AddPayment seeds the store, bypassing CreateFunc.
func (m *MockPaymentRepository) AddPayment(p *payment.Payment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = clonePayment(p)
	m.byCode[p.OrderCode] = p.ID
}

func (m *MockPaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.byCode[p.OrderCode]; taken {
		return domainErrors.ErrDuplicateOrderCode
	}
	m.payments[p.ID] = clonePayment(p)
	m.byCode[p.OrderCode] = p.ID
	return nil
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *MockPaymentRepository) GetByOrderCode(ctx context.Context, code payment.OrderCode) (*payment.Payment, error) {
	if m.GetByOrderCodeFunc != nil {
		return m.GetByOrderCodeFunc(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, domainErrors.ErrPaymentNotFound
	}
	return clonePayment(m.payments[id]), nil
}

func (m *MockPaymentRepository) ConditionalUpdateStatus(
	ctx context.Context,
	id uuid.UUID,
	expected, next payment.Status,
) (*payment.Payment, bool, error) {
	if m.ConditionalUpdateStatusFunc != nil {
		return m.ConditionalUpdateStatusFunc(ctx, id, expected, next)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok || p.Status != expected {
		return nil, false, nil
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	return clonePayment(p), true, nil
}

func (m *MockPaymentRepository) List(ctx context.Context, filter payment.ListFilter) ([]*payment.Payment, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*payment.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		if filter.Status != nil && p.Status != *filter.Status {
			continue
		}
		result = append(result, clonePayment(p))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*payment.Payment{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MockPaymentRepository) AddEvent(ctx context.Context, event *payment.PaymentEvent) error {
	if m.AddEventFunc != nil {
		return m.AddEventFunc(ctx, event)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.PaymentID] = append(m.events[event.PaymentID], event)
	return nil
}

func (m *MockPaymentRepository) GetEvents(ctx context.Context, paymentID uuid.UUID) ([]*payment.PaymentEvent, error) {
	if m.GetEventsFunc != nil {
		return m.GetEventsFunc(ctx, paymentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payment.PaymentEvent(nil), m.events[paymentID]...), nil
}

// Count returns the number of stored payments.
func (m *MockPaymentRepository) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payments)
}

// EventTypes returns the recorded event types for a payment, in order.
func (m *MockPaymentRepository) EventTypes(paymentID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events[paymentID]))
	for _, e := range m.events[paymentID] {
		types = append(types, e.EventType)
	}
	return types
}

// --- Transaction Manager Mock ---

// MockTransactionManager runs fn directly unless WithTransactionFunc is set.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Gateway Mock ---

// MockGatewayClient records session requests and returns a fixed checkout URL.
type MockGatewayClient struct {
	mu       sync.Mutex
	requests []gateway.SessionRequest

	CreateSessionFunc func(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error)
}

func (m *MockGatewayClient) Name() string { return "mock" }

func (m *MockGatewayClient) CreateSession(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, req)
	}
	return &gateway.Session{CheckoutURL: "https://checkout.test/" + req.OrderCode.String(), Reference: "ref-" + req.OrderCode.String()}, nil
}

func (m *MockGatewayClient) Requests() []gateway.SessionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.SessionRequest(nil), m.requests...)
}

// --- Side-effect doubles ---

// RecordingAction counts executions and returns ExecuteFunc's result.
type RecordingAction struct {
	ActionName  string
	ExecuteFunc func(ctx context.Context, p *payment.Payment) error

	mu    sync.Mutex
	calls []uuid.UUID
}

func (a *RecordingAction) Name() string { return a.ActionName }

func (a *RecordingAction) Execute(ctx context.Context, p *payment.Payment) error {
	a.mu.Lock()
	a.calls = append(a.calls, p.ID)
	a.mu.Unlock()
	if a.ExecuteFunc != nil {
		return a.ExecuteFunc(ctx, p)
	}
	return nil
}

func (a *RecordingAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// DeadLetter is one entry captured by MockDeadLetterSink.
type DeadLetter struct {
	PaymentID string
	Action    string
	Reason    string
	Data      map[string]any
}

type MockDeadLetterSink struct {
	mu      sync.Mutex
	letters []DeadLetter

	PublishFunc func(ctx context.Context, paymentID, action, reason string, data map[string]any) error
}

func (s *MockDeadLetterSink) PublishToDLQ(ctx context.Context, paymentID, action, reason string, data map[string]any) error {
	s.mu.Lock()
	s.letters = append(s.letters, DeadLetter{PaymentID: paymentID, Action: action, Reason: reason, Data: data})
	s.mu.Unlock()
	if s.PublishFunc != nil {
		return s.PublishFunc(ctx, paymentID, action, reason, data)
	}
	return nil
}

func (s *MockDeadLetterSink) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.letters...)
}
