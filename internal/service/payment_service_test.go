package service

import (
	"context"
	"errors"
	"testing"

	"github.com/cassiomorais/paylink/internal/dispatch"
	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/gateway"
	"github.com/cassiomorais/paylink/internal/ordercode"
	"github.com/cassiomorais/paylink/internal/testutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers ---

type serviceFixture struct {
	svc      *PaymentService
	repo     *testutil.MockPaymentRepository
	gateway  *testutil.MockGatewayClient
	notify   *testutil.RecordingAction
	access   *testutil.RecordingAction
	dlq      *testutil.MockDeadLetterSink
	dispatch *dispatch.Dispatcher
}

func newDispatcher(dlq *testutil.MockDeadLetterSink, actions ...dispatch.Action) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(dispatch.Config{MaxAttempts: 1}, dlq, nil, zerolog.Nop(), actions...)
}

func setupPaymentService(codes ...payment.OrderCode) *serviceFixture {
	if len(codes) == 0 {
		codes = []payment.OrderCode{testutil.NextOrderCode()}
	}
	f := &serviceFixture{
		repo:    testutil.NewMockPaymentRepository(),
		gateway: &testutil.MockGatewayClient{},
		notify:  &testutil.RecordingAction{ActionName: dispatch.ActionNotification},
		access:  &testutil.RecordingAction{ActionName: dispatch.ActionAccessGrant},
		dlq:     &testutil.MockDeadLetterSink{},
	}
	f.dispatch = newDispatcher(f.dlq, f.notify, f.access)

	alloc := ordercode.NewAllocator(testutil.NewSequenceGenerator(codes...), f.repo, 3, nil, zerolog.Nop())
	f.svc = NewPaymentService(
		f.repo,
		testutil.NewMockTransactionManager(),
		f.gateway,
		alloc,
		f.dispatch,
		PaymentServiceConfig{ReturnURL: "http://localhost:3000/payment/success", CancelURL: "http://localhost:3000/payment/expired"},
		nil,
		zerolog.Nop(),
	)
	return f
}

func validRequest() CreatePaymentRequest {
	return CreatePaymentRequest{
		Amount:      500000,
		Description: "course X",
		Metadata: map[string]any{
			"email":     "buyer@example.com",
			"userId":    "user-1",
			"serviceId": "svc-1",
		},
	}
}

// --- CreatePayment Tests ---

func TestCreatePayment_Success(t *testing.T) {
	f := setupPaymentService(4242)
	ctx := context.Background()

	p, err := f.svc.CreatePayment(ctx, validRequest())
	require.NoError(t, err)

	assert.Equal(t, payment.OrderCode(4242), p.OrderCode)
	assert.Equal(t, payment.StatusPending, p.Status)
	assert.Equal(t, int64(500000), p.Amount)
	assert.Equal(t, "https://checkout.test/4242", p.CheckoutURL)
	assert.Equal(t, "mock", p.Gateway)

	stored, err := f.repo.GetByOrderCode(ctx, 4242)
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)
	assert.Equal(t, []string{payment.EventCreated}, f.repo.EventTypes(p.ID))

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "http://localhost:3000/payment/success", reqs[0].ReturnURL)
	assert.Equal(t, "http://localhost:3000/payment/expired", reqs[0].CancelURL)
	assert.Equal(t, "buyer@example.com", reqs[0].BuyerEmail)
}

func TestCreatePayment_RequestURLsOverrideDefaults(t *testing.T) {
	f := setupPaymentService()
	req := validRequest()
	req.ReturnURL = "https://shop.example/ok"
	req.CancelURL = "https://shop.example/cancel"

	_, err := f.svc.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	reqs := f.gateway.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "https://shop.example/ok", reqs[0].ReturnURL)
	assert.Equal(t, "https://shop.example/cancel", reqs[0].CancelURL)
}

func TestCreatePayment_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		desc   string
	}{
		{"zero amount", 0, "course X"},
		{"negative amount", -10, "course X"},
		{"empty description", 1000, ""},
		{"blank description", 1000, "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupPaymentService()
			_, err := f.svc.CreatePayment(context.Background(), CreatePaymentRequest{Amount: tt.amount, Description: tt.desc})
			assert.ErrorIs(t, err, domainErrors.ErrInvalidInput)
			assert.Empty(t, f.gateway.Requests())
			assert.Equal(t, 0, f.repo.Count())
		})
	}
}

func TestCreatePayment_GatewayFailure_StoresNothing(t *testing.T) {
	f := setupPaymentService()
	f.gateway.CreateSessionFunc = func(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
		return nil, domainErrors.ErrGatewayUnavailable
	}

	_, err := f.svc.CreatePayment(context.Background(), validRequest())
	assert.ErrorIs(t, err, domainErrors.ErrGatewayUnavailable)
	assert.Equal(t, 0, f.repo.Count())
}

func TestCreatePayment_SuppliedOrderCode(t *testing.T) {
	f := setupPaymentService()
	code := payment.OrderCode(777)
	req := validRequest()
	req.OrderCode = &code

	p, err := f.svc.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, code, p.OrderCode)
}

func TestCreatePayment_SuppliedOrderCodeTaken(t *testing.T) {
	f := setupPaymentService()
	existing := testutil.NewTestPayment(1000)
	f.repo.AddPayment(existing)

	req := validRequest()
	req.OrderCode = &existing.OrderCode

	_, err := f.svc.CreatePayment(context.Background(), req)
	assert.ErrorIs(t, err, domainErrors.ErrDuplicateOrderCode)
	assert.Empty(t, f.gateway.Requests())
	assert.Equal(t, 1, f.repo.Count())
}

func TestCreatePayment_SuppliedOrderCodeNotPositive(t *testing.T) {
	f := setupPaymentService()
	code := payment.OrderCode(0)
	req := validRequest()
	req.OrderCode = &code

	_, err := f.svc.CreatePayment(context.Background(), req)
	assert.ErrorIs(t, err, domainErrors.ErrInvalidInput)
}

func TestCreatePayment_AllocatorSkipsTakenCode(t *testing.T) {
	f := setupPaymentService(100, 101)
	taken := testutil.NewTestPayment(1000)
	taken.OrderCode = 100
	f.repo.AddPayment(taken)

	p, err := f.svc.CreatePayment(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, payment.OrderCode(101), p.OrderCode)
}

func TestCreatePayment_StoreRaceSurfacesDuplicate(t *testing.T) {
	f := setupPaymentService()
	f.repo.CreateFunc = func(ctx context.Context, p *payment.Payment) error {
		return domainErrors.ErrDuplicateOrderCode
	}

	_, err := f.svc.CreatePayment(context.Background(), validRequest())
	assert.ErrorIs(t, err, domainErrors.ErrDuplicateOrderCode)
	assert.Len(t, f.gateway.Requests(), 1)
}

// --- Query Tests ---

func TestGetByID_NotFound(t *testing.T) {
	f := setupPaymentService()
	_, err := f.svc.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)
}

func TestGetByOrderCode(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)

	got, err := f.svc.GetByOrderCode(context.Background(), p.OrderCode)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = f.svc.GetByOrderCode(context.Background(), p.OrderCode+1)
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)
}

func TestResolve(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)
	ctx := context.Background()

	byID, err := f.svc.Resolve(ctx, p.ID.String())
	require.NoError(t, err)
	assert.Equal(t, p.ID, byID.ID)

	byCode, err := f.svc.Resolve(ctx, p.OrderCode.String())
	require.NoError(t, err)
	assert.Equal(t, p.ID, byCode.ID)

	_, err = f.svc.Resolve(ctx, "not-a-ref")
	assert.ErrorIs(t, err, domainErrors.ErrInvalidInput)
}

func TestListPayments_NewestFirst(t *testing.T) {
	f := setupPaymentService()
	older := testutil.NewTestPayment(1000)
	newer := testutil.NewTestPayment(2000)
	newer.CreatedAt = older.CreatedAt.Add(1)
	f.repo.AddPayment(older)
	f.repo.AddPayment(newer)

	list, err := f.svc.ListPayments(context.Background(), payment.ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
}

func TestGetEvents_UnknownPayment(t *testing.T) {
	f := setupPaymentService()
	_, err := f.svc.GetEvents(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domainErrors.ErrPaymentNotFound)
}

// --- UpdateStatus Tests ---

func TestUpdateStatus_CompletedRunsSideEffects(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)

	updated, err := f.svc.UpdateStatus(context.Background(), p.ID.String(), payment.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, updated.Status)
	assert.Equal(t, 1, f.notify.Calls())
	assert.Equal(t, 1, f.access.Calls())
	assert.Equal(t, []string{payment.EventStatusChanged}, f.repo.EventTypes(p.ID))
}

func TestUpdateStatus_RepeatIsNoOp(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)
	ctx := context.Background()

	_, err := f.svc.UpdateStatus(ctx, p.ID.String(), payment.StatusCompleted)
	require.NoError(t, err)
	again, err := f.svc.UpdateStatus(ctx, p.OrderCode.String(), payment.StatusCompleted)
	require.NoError(t, err)

	assert.Equal(t, payment.StatusCompleted, again.Status)
	assert.Equal(t, 1, f.notify.Calls())
	assert.Len(t, f.repo.EventTypes(p.ID), 1)
}

func TestUpdateStatus_PendingOnPendingIsNoOp(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)

	got, err := f.svc.UpdateStatus(context.Background(), p.ID.String(), payment.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)
	assert.Empty(t, f.repo.EventTypes(p.ID))
}

func TestUpdateStatus_LeavingTerminalRejected(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPaymentWithStatus(1000, payment.StatusCompleted)
	f.repo.AddPayment(p)

	_, err := f.svc.UpdateStatus(context.Background(), p.ID.String(), payment.StatusCancelled)
	assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)

	stored, _ := f.repo.GetByID(context.Background(), p.ID)
	assert.Equal(t, payment.StatusCompleted, stored.Status)
	assert.Zero(t, f.notify.Calls())
}

func TestUpdateStatus_CancelledDoesNotDispatch(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)

	got, err := f.svc.UpdateStatus(context.Background(), p.ID.String(), payment.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, got.Status)
	assert.Zero(t, f.notify.Calls())
	assert.Zero(t, f.access.Calls())
}

func TestUpdateStatus_SideEffectFailureDoesNotFail(t *testing.T) {
	f := setupPaymentService()
	f.notify.ExecuteFunc = func(ctx context.Context, p *payment.Payment) error {
		return errors.New("smtp down")
	}
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)

	got, err := f.svc.UpdateStatus(context.Background(), p.ID.String(), payment.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCompleted, got.Status)
	assert.Equal(t, 1, f.access.Calls())

	letters := f.dlq.Letters()
	require.Len(t, letters, 1)
	assert.Equal(t, dispatch.ActionNotification, letters[0].Action)
}

func TestUpdateStatus_StorageErrorPropagates(t *testing.T) {
	f := setupPaymentService()
	p := testutil.NewTestPayment(1000)
	f.repo.AddPayment(p)
	f.repo.ConditionalUpdateStatusFunc = func(ctx context.Context, id uuid.UUID, expected, next payment.Status) (*payment.Payment, bool, error) {
		return nil, false, errors.New("connection reset")
	}

	_, err := f.svc.UpdateStatus(context.Background(), p.ID.String(), payment.StatusCompleted)
	assert.Error(t, err)
	assert.Zero(t, f.notify.Calls())
}
