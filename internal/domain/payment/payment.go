package payment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/google/uuid"
)

// Status represents the payment status in the state machine
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

var allStatuses = []Status{StatusPending, StatusCompleted, StatusCancelled, StatusFailed, StatusExpired}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == candidate {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", errors.ErrInvalidStatus, s)
}

// IsTerminal reports whether no transition is defined out of s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed || s == StatusExpired
}

// OrderCode is the externally visible correlation key shared with the gateway.
type OrderCode int64

func (c OrderCode) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// ParseOrderCode parses a positive decimal order code.
func ParseOrderCode(s string) (OrderCode, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v <= 0 {
		return 0, errors.NewValidationError("order_code", "must be a positive integer")
	}
	return OrderCode(v), nil
}

// Payment is the persisted unit of truth for one payment attempt.
type Payment struct {
	ID          uuid.UUID
	OrderCode   OrderCode
	Amount      int64 // minor currency unit
	Description string
	Status      Status
	CheckoutURL string
	Gateway     string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ValidateDetails checks the caller-supplied fields of a new payment.
func ValidateDetails(amount int64, description string) error {
	if amount <= 0 {
		return errors.NewValidationError("amount", "must be greater than 0")
	}
	if strings.TrimSpace(description) == "" {
		return errors.NewValidationError("description", "cannot be empty")
	}
	return nil
}

// NewPayment creates a new pending payment
func NewPayment(
	orderCode OrderCode,
	amount int64,
	description string,
	checkoutURL string,
	gateway string,
	metadata map[string]any,
) (*Payment, error) {
	if err := ValidateDetails(amount, description); err != nil {
		return nil, err
	}
	if orderCode <= 0 {
		return nil, errors.NewValidationError("order_code", "must be a positive integer")
	}
	if checkoutURL == "" {
		return nil, errors.NewValidationError("checkout_url", "cannot be empty")
	}

	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	now := time.Now().UTC()
	return &Payment{
		ID:          uuid.New(),
		OrderCode:   orderCode,
		Amount:      amount,
		Description: description,
		Status:      StatusPending,
		CheckoutURL: checkoutURL,
		Gateway:     gateway,
		Metadata:    md,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Decision is the outcome of evaluating a requested status change.
type Decision int

const (
	// DecisionApply means the record is PENDING and the conditional write must run.
	DecisionApply Decision = iota
	// DecisionNoOp means the record already holds the requested status.
	DecisionNoOp
)

// CanTransitionTo checks if the payment can transition to the given status
func (p *Payment) CanTransitionTo(target Status) bool {
	return p.Status == StatusPending && target.IsTerminal()
}

// Evaluate applies the transition rule to a requested target status without
// mutating the payment. Re-requesting the current status is a no-op; leaving a
// terminal status is rejected.
func (p *Payment) Evaluate(target Status) (Decision, error) {
	if p.Status == target {
		return DecisionNoOp, nil
	}
	if !p.CanTransitionTo(target) {
		return DecisionNoOp, errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(p.Status)+" to "+string(target),
			errors.ErrInvalidStateTransition,
		)
	}
	return DecisionApply, nil
}

// IsTerminal checks if the payment is in a terminal state
func (p *Payment) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// MetadataString returns metadata[key] rendered as a string, or "" when absent.
func (p *Payment) MetadataString(key string) string {
	v, ok := p.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
