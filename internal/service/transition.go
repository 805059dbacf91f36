package service

import (
	"context"
	"fmt"

	"github.com/cassiomorais/paylink/internal/dispatch"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// SideEffectDispatcher runs the side effects of a completed payment.
type SideEffectDispatcher interface {
	Dispatch(ctx context.Context, p *payment.Payment) []dispatch.Result
}

const (
	SourceWebhook = "webhook"
	SourceAdmin   = "admin"
)

// TransitionResult reports what a status change request did.
type TransitionResult struct {
	Payment *payment.Payment
	// Applied is true only for the caller whose conditional write moved the
	// payment out of PENDING.
	Applied bool
	// SideEffects is non-nil only when Applied and the target was COMPLETED.
	SideEffects []dispatch.Result
}

// transitioner is the single path every status change goes through.
type transitioner struct {
	repo       payment.Repository
	txManager  TransactionManager
	dispatcher SideEffectDispatcher
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// apply moves p to target. Same-status requests are no-ops, illegal ones fail
// with ErrInvalidStateTransition, and legal ones go through a conditional
// write on PENDING so concurrent callers cannot both win. Side effects run
// after the commit and only for the winner of PENDING -> COMPLETED.
func (t *transitioner) apply(
	ctx context.Context,
	p *payment.Payment,
	target payment.Status,
	source string,
	detail map[string]any,
) (*TransitionResult, error) {
	decision, err := p.Evaluate(target)
	if err != nil {
		return nil, err
	}
	if decision == payment.DecisionNoOp {
		return &TransitionResult{Payment: p}, nil
	}

	var (
		updated *payment.Payment
		applied bool
	)
	err = t.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		updated, applied, err = t.repo.ConditionalUpdateStatus(txCtx, p.ID, payment.StatusPending, target)
		if err != nil || !applied {
			return err
		}

		data := map[string]any{
			"from":   string(payment.StatusPending),
			"to":     string(target),
			"source": source,
		}
		for k, v := range detail {
			data[k] = v
		}
		return t.repo.AddEvent(txCtx, payment.NewEvent(p.ID, payment.EventStatusChanged, data))
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s -> %s: %w", payment.StatusPending, target, err)
	}

	if !applied {
		return t.afterLostRace(ctx, p, target)
	}

	log := t.logger.With().
		Str("payment_id", p.ID.String()).
		Stringer("order_code", p.OrderCode).
		Str("source", source).
		Logger()
	log.Info().Str("status", string(target)).Msg("Payment status changed")
	if t.metrics != nil {
		t.metrics.StatusTransitions.WithLabelValues(string(target), source).Inc()
	}

	res := &TransitionResult{Payment: updated, Applied: true}
	if target == payment.StatusCompleted && t.dispatcher != nil {
		res.SideEffects = t.dispatcher.Dispatch(ctx, updated)
	}
	return res, nil
}

// afterLostRace re-reads the record once another writer got there first and
// judges the request against what that writer stored.
func (t *transitioner) afterLostRace(ctx context.Context, p *payment.Payment, target payment.Status) (*TransitionResult, error) {
	if t.metrics != nil {
		t.metrics.TransitionConflicts.WithLabelValues(string(target)).Inc()
	}

	current, err := t.repo.GetByID(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("reload payment after conflict: %w", err)
	}

	decision, err := current.Evaluate(target)
	if err != nil {
		return nil, err
	}
	if decision == payment.DecisionApply {
		return nil, fmt.Errorf("payment %s still %s after conditional write was not applied", p.ID, current.Status)
	}

	t.logger.Debug().
		Str("payment_id", p.ID.String()).
		Str("status", string(current.Status)).
		Msg("Concurrent transition already applied")
	return &TransitionResult{Payment: current}, nil
}
