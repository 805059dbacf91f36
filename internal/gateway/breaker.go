package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	"github.com/sony/gobreaker/v2"
)

type BreakerSettings struct {
	Timeout          time.Duration // per call
	FailureThreshold uint32        // consecutive failures before opening
	OpenTimeout      time.Duration // how long the circuit stays open
}

// BreakerClient bounds every session call with a deadline and stops calling a
// gateway that keeps failing.
type BreakerClient struct {
	inner   Client
	cb      *gobreaker.CircuitBreaker[*Session]
	timeout time.Duration
	metrics *observability.Metrics
}

func NewBreakerClient(inner Client, s BreakerSettings, metrics *observability.Metrics) *BreakerClient {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}

	b := &BreakerClient{inner: inner, timeout: s.Timeout, metrics: metrics}
	b.cb = gobreaker.NewCircuitBreaker[*Session](gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		// A rejection means the gateway is up and answering.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domainErrors.ErrGatewayRejected)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return b
}

func (b *BreakerClient) Name() string { return b.inner.Name() }

func (b *BreakerClient) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	session, err := b.cb.Execute(func() (*Session, error) {
		return b.inner.CreateSession(ctx, req)
	})
	err = b.classify(ctx, err)
	b.observe(start, err)
	return session, err
}

func (b *BreakerClient) classify(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s circuit open: %w", b.Name(), domainErrors.ErrGatewayUnavailable)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", b.Name(), domainErrors.ErrGatewayTimeout)
	case errors.Is(err, domainErrors.ErrGatewayRejected),
		errors.Is(err, domainErrors.ErrGatewayUnavailable),
		errors.Is(err, domainErrors.ErrGatewayTimeout):
		return err
	default:
		return fmt.Errorf("%s: %w: %w", b.Name(), domainErrors.ErrGatewayUnavailable, err)
	}
}

func (b *BreakerClient) observe(start time.Time, err error) {
	if b.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	b.metrics.GatewayRequestDuration.WithLabelValues(b.Name(), result).Observe(time.Since(start).Seconds())
	b.metrics.CircuitBreakerRequests.WithLabelValues(b.Name(), result).Inc()
}
