//go:build integration

package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("paylink"),
		tcpostgres.WithUsername("paylink"),
		tcpostgres.WithPassword("paylink"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, MigrateUp(dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newPending(t *testing.T, code payment.OrderCode) *payment.Payment {
	t.Helper()
	p, err := payment.NewPayment(code, 50000, "Course purchase", "https://pay.example.com/"+code.String(), "mock",
		map[string]any{"userId": "u-1"})
	require.NoError(t, err)
	return p
}

func TestPaymentRepository_CreateAndGet(t *testing.T) {
	pool := setupDB(t)
	repo := NewPaymentRepository(pool)
	ctx := context.Background()

	p := newPending(t, 1001)
	require.NoError(t, repo.Create(ctx, p))

	byID, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.OrderCode, byID.OrderCode)
	assert.Equal(t, int64(50000), byID.Amount)
	assert.Equal(t, payment.StatusPending, byID.Status)
	assert.Equal(t, "u-1", byID.Metadata["userId"])

	byCode, err := repo.GetByOrderCode(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byCode.ID)

	_, err = repo.GetByOrderCode(ctx, 9999)
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)
}

func TestPaymentRepository_DuplicateOrderCode(t *testing.T) {
	pool := setupDB(t)
	repo := NewPaymentRepository(pool)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newPending(t, 2002)))
	err := repo.Create(ctx, newPending(t, 2002))
	assert.ErrorIs(t, err, domainErrors.ErrDuplicateOrderCode)
}

func TestPaymentRepository_ConditionalUpdateStatus_SingleWinner(t *testing.T) {
	pool := setupDB(t)
	repo := NewPaymentRepository(pool)
	ctx := context.Background()

	p := newPending(t, 3003)
	require.NoError(t, repo.Create(ctx, p))

	const n = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := repo.ConditionalUpdateStatus(ctx, p.ID, payment.StatusPending, payment.StatusCompleted)
			assert.NoError(t, err)
			if applied {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	stored, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, stored.Status)
}

func TestPaymentRepository_ListNewestFirst(t *testing.T) {
	pool := setupDB(t)
	repo := NewPaymentRepository(pool)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, code := range []payment.OrderCode{11, 12, 13} {
		p := newPending(t, code)
		p.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		p.UpdatedAt = p.CreatedAt
		require.NoError(t, repo.Create(ctx, p))
	}

	list, err := repo.List(ctx, payment.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, payment.OrderCode(13), list[0].OrderCode)
	assert.Equal(t, payment.OrderCode(11), list[2].OrderCode)

	completed := payment.StatusCompleted
	list, err = repo.List(ctx, payment.ListFilter{Status: &completed})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPaymentRepository_EventsAndTransactions(t *testing.T) {
	pool := setupDB(t)
	repo := NewPaymentRepository(pool)
	txm := NewTxManager(pool)
	ctx := context.Background()

	p := newPending(t, 4004)
	require.NoError(t, repo.Create(ctx, p))

	err := txm.WithTransaction(ctx, func(ctx context.Context) error {
		if err := repo.AddEvent(ctx, payment.NewEvent(p.ID, payment.EventStatusChanged, map[string]any{"to": "COMPLETED"})); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	events, err := repo.GetEvents(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, events)

	require.NoError(t, repo.AddEvent(ctx, payment.NewEvent(p.ID, payment.EventCreated, nil)))
	events, err = repo.GetEvents(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, payment.EventCreated, events[0].EventType)
}

func TestIdempotencyRepository_GetSet(t *testing.T) {
	pool := setupDB(t)
	repo := NewIdempotencyRepository(pool)
	ctx := context.Background()

	entry, err := repo.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	now := time.Now()
	require.NoError(t, repo.Set(ctx, &IdempotencyEntry{
		Key: "k1", ResponseBody: `{"id":"1"}`, ResponseStatus: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	require.NoError(t, repo.Set(ctx, &IdempotencyEntry{
		Key: "k1", ResponseBody: `{"id":"2"}`, ResponseStatus: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	entry, err = repo.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, `{"id":"1"}`, entry.ResponseBody)
}

func TestIdempotencyRepository_ReserveFillRelease(t *testing.T) {
	pool := setupDB(t)
	repo := NewIdempotencyRepository(pool)
	ctx := context.Background()
	expires := time.Now().Add(time.Minute)

	ok, err := repo.Reserve(ctx, "k2", expires)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Reserve(ctx, "k2", expires)
	require.NoError(t, err)
	assert.False(t, ok, "second caller must not run the request")

	entry, err := repo.Get(ctx, "k2")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Pending())

	now := time.Now()
	require.NoError(t, repo.Set(ctx, &IdempotencyEntry{
		Key: "k2", ResponseBody: `{"id":"1"}`, ResponseStatus: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))
	entry, err = repo.Get(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, entry.Pending())
	assert.Equal(t, 201, entry.ResponseStatus)

	require.NoError(t, repo.Release(ctx, "k2"))
	entry, err = repo.Get(ctx, "k2")
	require.NoError(t, err)
	assert.NotNil(t, entry, "release leaves finished entries alone")

	ok, err = repo.Reserve(ctx, "k3", expires)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Release(ctx, "k3"))
	ok, err = repo.Reserve(ctx, "k3", expires)
	require.NoError(t, err)
	assert.True(t, ok)
}
