package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the interface for payment persistence
type Repository interface {
	// Create inserts a new payment. Returns ErrDuplicateOrderCode when the
	// order code is already taken.
	Create(ctx context.Context, payment *Payment) error

	// GetByID retrieves a payment by ID
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)

	// GetByOrderCode retrieves a payment by its order code
	GetByOrderCode(ctx context.Context, code OrderCode) (*Payment, error)

	// ConditionalUpdateStatus sets the status to next only if the stored status
	// equals expected, as a single atomic write. It reports whether the write
	// was applied and, if so, returns the updated record.
	ConditionalUpdateStatus(ctx context.Context, id uuid.UUID, expected, next Status) (*Payment, bool, error)

	// List lists payments with filters, newest first by default
	List(ctx context.Context, filter ListFilter) ([]*Payment, error)

	// AddEvent adds a payment event for audit trail
	AddEvent(ctx context.Context, event *PaymentEvent) error

	// GetEvents retrieves events for a payment
	GetEvents(ctx context.Context, paymentID uuid.UUID) ([]*PaymentEvent, error)
}

// ListFilter defines filters for listing payments
type ListFilter struct {
	Status    *Status
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string
}

// PaymentEvent represents an event in the payment lifecycle
type PaymentEvent struct {
	ID        uuid.UUID
	PaymentID uuid.UUID
	EventType string
	EventData map[string]any
	CreatedAt time.Time
}

const (
	EventCreated         = "payment.created"
	EventStatusChanged   = "payment.status_changed"
	EventWebhookReceived = "webhook.received"
)

// NewEvent builds an audit event for a payment.
func NewEvent(paymentID uuid.UUID, eventType string, data map[string]any) *PaymentEvent {
	return &PaymentEvent{
		ID:        uuid.New(),
		PaymentID: paymentID,
		EventType: eventType,
		EventData: data,
		CreatedAt: time.Now().UTC(),
	}
}
