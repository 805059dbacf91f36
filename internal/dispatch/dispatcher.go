// Package dispatch runs the side effects of a completed payment. Side effects
// are best-effort: each one runs on its own, failures are logged and
// dead-lettered, and nothing is ever reported back to the caller as an error.
package dispatch

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
	"golang.org/x/sync/errgroup"
)

// Action is one side effect of entering COMPLETED. Returning an error wrapping
// ErrSideEffectSkipped means the payment carries nothing for this action.
type Action interface {
	Name() string
	Execute(ctx context.Context, p *payment.Payment) error
}

// DeadLetterSink stores failed side effects for later replay.
type DeadLetterSink interface {
	PublishToDLQ(ctx context.Context, paymentID, action, reason string, data map[string]any) error
}

type Config struct {
	ActionTimeout time.Duration
	MaxAttempts   uint
	RetryDelay    time.Duration
}

type Outcome string

const (
	OutcomeSucceeded Outcome = "success"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failure"
)

// Result describes how one action went.
type Result struct {
	Action   string
	Outcome  Outcome
	Attempts uint
	Err      error
}

type Dispatcher struct {
	actions []Action
	sink    DeadLetterSink
	cfg     Config
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(
	cfg Config,
	sink DeadLetterSink,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	actions ...Action,
) *Dispatcher {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	return &Dispatcher{
		actions: actions,
		sink:    sink,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs every action concurrently and waits for all of them, each
// bounded by the action timeout. Cancellation of ctx does not stop actions
// already started.
func (d *Dispatcher) Dispatch(ctx context.Context, p *payment.Payment) []Result {
	ctx = context.WithoutCancel(ctx)
	results := make([]Result, len(d.actions))

	var g errgroup.Group
	for i, a := range d.actions {
		g.Go(func() error {
			results[i] = d.run(ctx, a, p)
			if results[i].Outcome == OutcomeFailed {
				d.deadLetter(ctx, p, results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Replay re-runs a single named action. Unlike Dispatch it reports the failure
// so the replay tool can leave the entry pending.
func (d *Dispatcher) Replay(ctx context.Context, actionName string, p *payment.Payment) error {
	for _, a := range d.actions {
		if a.Name() != actionName {
			continue
		}
		res := d.run(ctx, a, p)
		if res.Outcome == OutcomeFailed {
			return res.Err
		}
		return nil
	}
	return fmt.Errorf("unknown action %q", actionName)
}

// Actions lists the configured action names.
func (d *Dispatcher) Actions() []string {
	names := make([]string, len(d.actions))
	for i, a := range d.actions {
		names[i] = a.Name()
	}
	return names
}

func (d *Dispatcher) run(ctx context.Context, a Action, p *payment.Payment) (res Result) {
	res.Action = a.Name()
	start := time.Now()
	log := d.logger.With().
		Str("action", a.Name()).
		Str("payment_id", p.ID.String()).
		Stringer("order_code", p.OrderCode).
		Logger()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ActionTimeout)
	defer cancel()

	res.Err = retry.Do(ctx, retry.Config{
		MaxAttempts:  d.cfg.MaxAttempts,
		InitialDelay: d.cfg.RetryDelay,
		MaxDelay:     d.cfg.ActionTimeout,
		RetryIf: func(err error) bool {
			return !errors.Is(err, domainErrors.ErrSideEffectSkipped)
		},
		OnRetry: func(n uint, err error) {
			log.Warn().Err(err).Uint("attempt", n+1).Msg("Side effect failed, retrying")
		},
	}, func() error {
		res.Attempts++
		return safeExecute(ctx, a, p)
	})

	switch {
	case res.Err == nil:
		res.Outcome = OutcomeSucceeded
		log.Info().Uint("attempts", res.Attempts).Msg("Side effect completed")
	case errors.Is(res.Err, domainErrors.ErrSideEffectSkipped):
		res.Outcome = OutcomeSkipped
		log.Debug().Err(res.Err).Msg("Side effect skipped")
	default:
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("%s: %w: %w", a.Name(), domainErrors.ErrSideEffectFailed, res.Err)
		log.Error().Err(res.Err).
			Uint("attempts", res.Attempts).
			Int64("amount", p.Amount).
			Interface("metadata", p.Metadata).
			Msg("Side effect failed")
	}

	if d.metrics != nil {
		d.metrics.SideEffectsTotal.WithLabelValues(a.Name(), string(res.Outcome)).Inc()
		d.metrics.SideEffectDuration.WithLabelValues(a.Name()).Observe(time.Since(start).Seconds())
	}
	return res
}

func (d *Dispatcher) deadLetter(ctx context.Context, p *payment.Payment, res Result) {
	if d.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := d.sink.PublishToDLQ(ctx, p.ID.String(), res.Action, res.Err.Error(), map[string]any{
		"order_code": p.OrderCode.String(),
		"amount":     p.Amount,
		"attempts":   res.Attempts,
	})
	if err != nil {
		d.logger.Error().Err(err).
			Str("action", res.Action).
			Str("payment_id", p.ID.String()).
			Msg("Failed to dead-letter side effect")
	}
}

func safeExecute(ctx context.Context, a Action, p *payment.Payment) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", a.Name(), r)
		}
	}()
	return a.Execute(ctx, p)
}
