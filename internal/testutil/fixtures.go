package testutil

import (
	"sync/atomic"
	"time"

	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/google/uuid"
)

var nextCode atomic.Int64

func init() {
	nextCode.Store(100000)
}

// NextOrderCode returns a process-unique order code for fixtures.
func NextOrderCode() payment.OrderCode {
	return payment.OrderCode(nextCode.Add(1))
}

// NewTestPayment builds a PENDING payment with metadata for both side effects.
func NewTestPayment(amount int64) *payment.Payment {
	now := time.Now().UTC()
	code := NextOrderCode()
	return &payment.Payment{
		ID:          uuid.New(),
		OrderCode:   code,
		Amount:      amount,
		Description: "course X",
		Status:      payment.StatusPending,
		CheckoutURL: "https://checkout.test/" + code.String(),
		Gateway:     "mock",
		Metadata: map[string]any{
			"email":       "buyer@example.com",
			"userId":      "user-1",
			"serviceId":   "svc-1",
			"serviceName": "Course X",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewTestPaymentWithStatus builds a payment already in status.
func NewTestPaymentWithStatus(amount int64, status payment.Status) *payment.Payment {
	p := NewTestPayment(amount)
	p.Status = status
	return p
}

// SequenceGenerator yields the given codes in order, then repeats the last one.
type SequenceGenerator struct {
	codes []payment.OrderCode
	i     atomic.Int64
}

func NewSequenceGenerator(codes ...payment.OrderCode) *SequenceGenerator {
	return &SequenceGenerator{codes: codes}
}

func (g *SequenceGenerator) Next() payment.OrderCode {
	i := int(g.i.Add(1) - 1)
	if i >= len(g.codes) {
		i = len(g.codes) - 1
	}
	return g.codes[i]
}
