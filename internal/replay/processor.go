// Package replay re-runs side effects that were dead-lettered after a
// payment completed.
package replay

import (
	"context"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	infraRedis "github.com/cassiomorais/paylink/internal/infrastructure/redis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MessageSource is a consumer-group view of the dead-letter stream.
type MessageSource interface {
	ReadPending(ctx context.Context) ([]redis.XMessage, error)
	Read(ctx context.Context) ([]redis.XMessage, error)
	Ack(ctx context.Context, messageID string) error
}

type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory returns a lock for the given name.
type LockFactory func(name string) Locker

type PaymentLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error)
}

// ActionRunner re-runs one named side effect and reports its failure.
type ActionRunner interface {
	Replay(ctx context.Context, actionName string, p *payment.Payment) error
}

// Stats counts what one pass did.
type Stats struct {
	Replayed int
	Failed   int
	Skipped  int
	Busy     int
}

type Processor struct {
	source   MessageSource
	locks    LockFactory
	payments PaymentLookup
	runner   ActionRunner
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewProcessor(
	source MessageSource,
	locks LockFactory,
	payments PaymentLookup,
	runner ActionRunner,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		source:   source,
		locks:    locks,
		payments: payments,
		runner:   runner,
		metrics:  metrics,
		logger:   logger.With().Str("component", "replay").Logger(),
	}
}

// Drain retries this consumer's pending entries, then consumes new entries
// until the stream has nothing more to deliver. Entries whose action fails
// again, or whose lock is held elsewhere, stay pending for the next pass.
func (p *Processor) Drain(ctx context.Context) (Stats, error) {
	var stats Stats

	pending, err := p.source.ReadPending(ctx)
	if err != nil {
		return stats, err
	}
	p.process(ctx, pending, &stats)

	for ctx.Err() == nil {
		msgs, err := p.source.Read(ctx)
		if err != nil {
			return stats, err
		}
		if len(msgs) == 0 {
			break
		}
		p.process(ctx, msgs, &stats)
	}
	return stats, ctx.Err()
}

func (p *Processor) process(ctx context.Context, msgs []redis.XMessage, stats *Stats) {
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		switch p.handle(ctx, msg) {
		case resultReplayed:
			stats.Replayed++
		case resultFailed:
			stats.Failed++
		case resultSkipped:
			stats.Skipped++
		case resultBusy:
			stats.Busy++
		}
	}
}

type result int

const (
	resultReplayed result = iota
	resultFailed
	resultSkipped
	resultBusy
)

func (p *Processor) handle(ctx context.Context, msg redis.XMessage) result {
	dl, err := infraRedis.ParseDeadLetter(msg)
	if err != nil {
		p.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping unreadable dead letter")
		p.ack(ctx, msg.ID)
		return resultSkipped
	}

	log := p.logger.With().
		Str("message_id", dl.MessageID).
		Str("payment_id", dl.PaymentID).
		Str("action", dl.Action).
		Logger()

	paid, err := p.lookup(ctx, dl.PaymentID)
	if err != nil {
		if errors.Is(err, domainErrors.ErrPaymentNotFound) || errors.Is(err, domainErrors.ErrInvalidInput) {
			log.Warn().Err(err).Msg("Dropping dead letter for unknown payment")
			p.ack(ctx, msg.ID)
			return resultSkipped
		}
		log.Error().Err(err).Msg("Payment lookup failed")
		return resultFailed
	}
	if paid.Status != payment.StatusCompleted {
		log.Warn().Str("status", string(paid.Status)).Msg("Dropping dead letter for payment that is not completed")
		p.ack(ctx, msg.ID)
		return resultSkipped
	}

	lock := p.locks(dl.PaymentID + ":" + dl.Action)
	acquired, err := lock.Acquire(ctx)
	if err != nil || !acquired {
		log.Info().Err(err).Msg("Side effect is being replayed elsewhere")
		return resultBusy
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to release replay lock")
		}
	}()

	if err := p.runner.Replay(ctx, dl.Action, paid); err != nil {
		log.Error().Err(err).Msg("Replay failed, leaving entry pending")
		p.observe(dl.Action, "failure")
		return resultFailed
	}

	p.ack(ctx, msg.ID)
	p.observe(dl.Action, "success")
	log.Info().Msg("Side effect replayed")
	return resultReplayed
}

func (p *Processor) lookup(ctx context.Context, rawID string) (*payment.Payment, error) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("payment id %q: %w", rawID, domainErrors.ErrInvalidInput)
	}
	return p.payments.GetByID(ctx, id)
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.source.Ack(ctx, id); err != nil {
		p.logger.Error().Err(err).Str("message_id", id).Msg("Failed to ack dead letter")
	}
}

func (p *Processor) observe(action, status string) {
	if p.metrics != nil {
		p.metrics.ReplayMessagesProcessed.WithLabelValues(action, status).Inc()
	}
}
