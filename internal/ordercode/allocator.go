// Package ordercode issues the integer order codes gateways use to identify payments.
package ordercode

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	"github.com/cassiomorais/paylink/pkg/retry"
	"github.com/rs/zerolog"
)

// Lookup is the slice of the payment store the allocator needs.
type Lookup interface {
	GetByOrderCode(ctx context.Context, code payment.OrderCode) (*payment.Payment, error)
}

var errCollision = errors.New("order code collision")

// Allocator hands out order codes that no stored payment uses.
type Allocator struct {
	gen         Generator
	lookup      Lookup
	maxAttempts uint
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

func NewAllocator(
	gen Generator,
	lookup Lookup,
	maxAttempts uint,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Allocator {
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	return &Allocator{
		gen:         gen,
		lookup:      lookup,
		maxAttempts: maxAttempts,
		metrics:     metrics,
		logger:      logger,
	}
}

// Allocate draws candidates until one is free or attempts run out, in which
// case it returns ErrAllocationExhausted. The store's unique constraint still
// has the final word if two allocators race on the same candidate.
func (a *Allocator) Allocate(ctx context.Context) (payment.OrderCode, error) {
	code, err := retry.DoWithResult(ctx, retry.Config{
		MaxAttempts:  a.maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		RetryIf:      func(err error) bool { return errors.Is(err, errCollision) },
	}, func() (payment.OrderCode, error) {
		candidate := a.gen.Next()
		if err := a.EnsureAvailable(ctx, candidate); err != nil {
			if errors.Is(err, domainErrors.ErrDuplicateOrderCode) {
				a.logger.Debug().Stringer("order_code", candidate).Msg("Order code collision, drawing again")
				if a.metrics != nil {
					a.metrics.OrderCodeCollisions.Inc()
				}
				return 0, errCollision
			}
			return 0, err
		}
		return candidate, nil
	})
	if err != nil {
		if errors.Is(err, errCollision) {
			return 0, fmt.Errorf("%d attempts: %w", a.maxAttempts, domainErrors.ErrAllocationExhausted)
		}
		return 0, fmt.Errorf("allocate order code: %w", err)
	}
	return code, nil
}

// EnsureAvailable returns ErrDuplicateOrderCode when a payment already uses code.
func (a *Allocator) EnsureAvailable(ctx context.Context, code payment.OrderCode) error {
	_, err := a.lookup.GetByOrderCode(ctx, code)
	switch {
	case err == nil:
		return domainErrors.ErrDuplicateOrderCode
	case errors.Is(err, domainErrors.ErrPaymentNotFound):
		return nil
	default:
		return fmt.Errorf("check order code %s: %w", code, err)
	}
}
