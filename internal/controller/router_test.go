package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cassiomorais/paylink/internal/dispatch"
	domainErrors "github.com/cassiomorais/paylink/internal/domain/errors"
	"github.com/cassiomorais/paylink/internal/domain/payment"
	"github.com/cassiomorais/paylink/internal/gateway"
	"github.com/cassiomorais/paylink/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/paylink/internal/middleware"
	"github.com/cassiomorais/paylink/internal/ordercode"
	"github.com/cassiomorais/paylink/internal/repository/postgres"
	"github.com/cassiomorais/paylink/internal/service"
	"github.com/cassiomorais/paylink/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	webhookSecret = "whsec-controller"
	jwtSecret     = "controller-test-secret-32-characters!"
)

type testAPI struct {
	handler http.Handler
	repo    *testutil.MockPaymentRepository
	gateway *testutil.MockGatewayClient
	notify  *testutil.RecordingAction
	access  *testutil.RecordingAction
}

type memoryIdempotency struct {
	entries map[string]*postgres.IdempotencyEntry
}

func (m *memoryIdempotency) Get(ctx context.Context, key string) (*postgres.IdempotencyEntry, error) {
	return m.entries[key], nil
}

func (m *memoryIdempotency) Reserve(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = &postgres.IdempotencyEntry{Key: key, ExpiresAt: expiresAt}
	return true, nil
}

func (m *memoryIdempotency) Set(ctx context.Context, e *postgres.IdempotencyEntry) error {
	m.entries[e.Key] = e
	return nil
}

func (m *memoryIdempotency) Release(ctx context.Context, key string) error {
	if e, ok := m.entries[key]; ok && e.Pending() {
		delete(m.entries, key)
	}
	return nil
}

func newTestAPI(t *testing.T, secret string) *testAPI {
	t.Helper()
	api := &testAPI{
		repo:    testutil.NewMockPaymentRepository(),
		gateway: &testutil.MockGatewayClient{},
		notify:  &testutil.RecordingAction{ActionName: dispatch.ActionNotification},
		access:  &testutil.RecordingAction{ActionName: dispatch.ActionAccessGrant},
	}
	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	txManager := testutil.NewMockTransactionManager()
	dispatcher := dispatch.NewDispatcher(dispatch.Config{MaxAttempts: 1}, &testutil.MockDeadLetterSink{}, metrics, logger, api.notify, api.access)

	gen := testutil.NewSequenceGenerator(9001, 9002, 9003, 9004)
	alloc := ordercode.NewAllocator(gen, api.repo, 5, metrics, logger)

	registry := gateway.NewRegistry()
	registry.Register("mock", gateway.NewMockGateway(gateway.WithWebhookSecret(webhookSecret)))

	api.handler = NewRouter(RouterDeps{
		HealthChecks:     []HealthCheck{{Name: "database", Ping: func(ctx context.Context) error { return nil }}},
		PaymentService:   service.NewPaymentService(api.repo, txManager, api.gateway, alloc, dispatcher, service.PaymentServiceConfig{ReturnURL: "http://localhost:3000/payment/success", CancelURL: "http://localhost:3000/payment/expired"}, metrics, logger),
		WebhookService:   service.NewWebhookService(api.repo, txManager, registry, dispatcher, metrics, logger),
		IdempotencyStore: &memoryIdempotency{entries: map[string]*postgres.IdempotencyEntry{}},
		Metrics:          metrics,
		Gatherer:         reg,
		JWTSecret:        secret,
		WebhookRateLimit: 1000,
	})
	return api
}

func (a *testAPI) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func (a *testAPI) webhook(code int64, status string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]any{"orderCode": code, "status": status})
	h := http.Header{}
	h.Set(gateway.SignatureHeader, gateway.SignMockPayload(webhookSecret, body))
	return a.do(http.MethodPost, "/webhooks/mock", body, h)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

// --- Payments ---

func TestCreatePayment_Created(t *testing.T) {
	api := newTestAPI(t, "")

	w := api.do(http.MethodPost, "/api/v1/payments", map[string]any{
		"amount":      500000,
		"description": "course X",
		"metadata":    map[string]any{"email": "buyer@example.com"},
	}, nil)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[PaymentResponse](t, w)
	assert.Equal(t, int64(9001), resp.OrderCode)
	assert.Equal(t, "PENDING", resp.Status)
	assert.Equal(t, "https://checkout.test/9001", resp.CheckoutURL)
	assert.NotEmpty(t, resp.ID)
}

func TestCreatePayment_ValidationFailure(t *testing.T) {
	api := newTestAPI(t, "")

	w := api.do(http.MethodPost, "/api/v1/payments", map[string]any{"amount": 0, "description": "x"}, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode[ErrorResponse](t, w).Code)
	assert.Empty(t, api.gateway.Requests())
}

func TestCreatePayment_GatewayDown(t *testing.T) {
	api := newTestAPI(t, "")
	api.gateway.CreateSessionFunc = func(ctx context.Context, req gateway.SessionRequest) (*gateway.Session, error) {
		return nil, domainErrors.ErrGatewayUnavailable
	}

	w := api.do(http.MethodPost, "/api/v1/payments", map[string]any{"amount": 100, "description": "x"}, nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 0, api.repo.Count())
}

func TestCreatePayment_IdempotencyKeyReplays(t *testing.T) {
	api := newTestAPI(t, "")
	h := http.Header{}
	h.Set("Idempotency-Key", "abc")
	body := map[string]any{"amount": 100, "description": "x"}

	first := api.do(http.MethodPost, "/api/v1/payments", body, h)
	second := api.do(http.MethodPost, "/api/v1/payments", body, h)

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replayed"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, api.repo.Count())
}

func TestCreatePayment_DuplicateOrderCode(t *testing.T) {
	api := newTestAPI(t, "")
	existing := testutil.NewTestPayment(100)
	api.repo.AddPayment(existing)

	w := api.do(http.MethodPost, "/api/v1/payments", map[string]any{
		"amount": 100, "description": "x", "orderCode": int64(existing.OrderCode),
	}, nil)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate_order_code", decode[ErrorResponse](t, w).Code)
}

func TestGetPayment(t *testing.T) {
	api := newTestAPI(t, "")
	p := testutil.NewTestPayment(100)
	api.repo.AddPayment(p)

	byID := api.do(http.MethodGet, "/api/v1/payments/"+p.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, byID.Code)
	assert.Equal(t, p.ID.String(), decode[PaymentResponse](t, byID).ID)

	byCode := api.do(http.MethodGet, "/api/v1/payments/order/"+p.OrderCode.String(), nil, nil)
	require.Equal(t, http.StatusOK, byCode.Code)
	assert.Equal(t, int64(p.OrderCode), decode[PaymentResponse](t, byCode).OrderCode)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/payments/not-a-uuid", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/payments/order/abc", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(http.MethodGet, "/api/v1/payments/order/1", nil, nil).Code)
}

func TestListPayments_NewestFirstWithFilter(t *testing.T) {
	api := newTestAPI(t, "")
	older := testutil.NewTestPayment(100)
	newer := testutil.NewTestPaymentWithStatus(200, payment.StatusCompleted)
	newer.CreatedAt = older.CreatedAt.Add(time.Second)
	api.repo.AddPayment(older)
	api.repo.AddPayment(newer)

	all := decode[[]PaymentResponse](t, api.do(http.MethodGet, "/api/v1/payments", nil, nil))
	require.Len(t, all, 2)
	assert.Equal(t, newer.ID.String(), all[0].ID)

	pending := decode[[]PaymentResponse](t, api.do(http.MethodGet, "/api/v1/payments?status=pending", nil, nil))
	require.Len(t, pending, 1)
	assert.Equal(t, older.ID.String(), pending[0].ID)

	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/payments?status=REFUNDED", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, api.do(http.MethodGet, "/api/v1/payments?limit=-1", nil, nil).Code)
}

func TestGetEvents(t *testing.T) {
	api := newTestAPI(t, "")
	w := api.do(http.MethodPost, "/api/v1/payments", map[string]any{"amount": 100, "description": "x"}, nil)
	created := decode[PaymentResponse](t, w)
	api.webhook(created.OrderCode, "PAID")

	events := decode[[]EventResponse](t, api.do(http.MethodGet, "/api/v1/payments/"+created.ID+"/events", nil, nil))
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.Equal(t, []string{payment.EventCreated, payment.EventWebhookReceived, payment.EventStatusChanged}, types)
}

// --- Status updates ---

func TestUpdateStatus_ByOrderCode(t *testing.T) {
	api := newTestAPI(t, "")
	p := testutil.NewTestPayment(100)
	api.repo.AddPayment(p)

	w := api.do(http.MethodPut, "/api/v1/payments/"+p.OrderCode.String()+"/status", map[string]string{"status": "COMPLETED"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", decode[PaymentResponse](t, w).Status)

	again := api.do(http.MethodPut, "/api/v1/payments/"+p.ID.String()+"/status", map[string]string{"status": "COMPLETED"}, nil)
	assert.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, 1, api.notify.Calls())

	conflict := api.do(http.MethodPut, "/api/v1/payments/"+p.ID.String()+"/status", map[string]string{"status": "CANCELLED"}, nil)
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestUpdateStatus_InvalidStatus(t *testing.T) {
	api := newTestAPI(t, "")
	p := testutil.NewTestPayment(100)
	api.repo.AddPayment(p)

	w := api.do(http.MethodPut, "/api/v1/payments/"+p.ID.String()+"/status", map[string]string{"status": "REFUNDED"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateStatus_RequiresTokenWhenConfigured(t *testing.T) {
	api := newTestAPI(t, jwtSecret)
	p := testutil.NewTestPayment(100)
	api.repo.AddPayment(p)
	path := "/api/v1/payments/" + p.ID.String() + "/status"
	body := map[string]string{"status": "EXPIRED"}

	assert.Equal(t, http.StatusUnauthorized, api.do(http.MethodPut, path, body, nil).Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, customMW.Claims{
		Role: customMW.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Authorization", "Bearer "+signed)

	w := api.do(http.MethodPut, path, body, h)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EXPIRED", decode[PaymentResponse](t, w).Status)
}

// --- Webhooks ---

func TestWebhook_PaidThenDuplicateThenLateCancel(t *testing.T) {
	api := newTestAPI(t, "")
	created := decode[PaymentResponse](t, api.do(http.MethodPost, "/api/v1/payments", map[string]any{
		"amount":      500000,
		"description": "course X",
		"metadata":    map[string]any{"email": "buyer@example.com", "userId": "u1", "serviceId": "course-x"},
	}, nil))

	paid := api.webhook(created.OrderCode, "PAID")
	require.Equal(t, http.StatusOK, paid.Code, paid.Body.String())
	first := decode[WebhookResponse](t, paid)
	assert.True(t, first.Success)
	assert.Equal(t, "applied", first.Outcome)
	assert.Equal(t, "COMPLETED", first.Status)
	assert.True(t, first.SideEffectsTriggered)

	dup := decode[WebhookResponse](t, api.webhook(created.OrderCode, "PAID"))
	assert.Equal(t, "duplicate", dup.Outcome)

	lateW := api.webhook(created.OrderCode, "CANCELLED")
	assert.Equal(t, http.StatusOK, lateW.Code)
	late := decode[WebhookResponse](t, lateW)
	assert.Equal(t, "rejected", late.Outcome)
	assert.Equal(t, "COMPLETED", late.Status)

	assert.Equal(t, 1, api.notify.Calls())
	assert.Equal(t, 1, api.access.Calls())
}

func TestWebhook_UnknownOrder(t *testing.T) {
	api := newTestAPI(t, "")

	w := api.webhook(123456789, "PAID")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_order", decode[ErrorResponse](t, w).Code)
	assert.Zero(t, api.notify.Calls())
}

func TestWebhook_BadSignature(t *testing.T) {
	api := newTestAPI(t, "")
	h := http.Header{}
	h.Set(gateway.SignatureHeader, "00")

	w := api.do(http.MethodPost, "/webhooks/mock", []byte(`{"orderCode":1,"status":"PAID"}`), h)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_signature", decode[ErrorResponse](t, w).Code)
}

func TestWebhook_UnknownGateway(t *testing.T) {
	api := newTestAPI(t, "")

	w := api.do(http.MethodPost, "/webhooks/stripe", []byte(`{}`), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Health and metrics ---

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, "")

	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health/live", nil, nil).Code)
	assert.Equal(t, http.StatusOK, api.do(http.MethodGet, "/health/ready", nil, nil).Code)

	metrics := api.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "test_http_requests_total")
}

func TestReadiness_DependencyDown(t *testing.T) {
	h := NewHealthController(
		HealthCheck{Name: "database", Ping: func(ctx context.Context) error { return nil }},
		HealthCheck{Name: "redis", Ping: func(ctx context.Context) error { return context.DeadlineExceeded }},
	)
	w := httptest.NewRecorder()
	h.Readiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "redis unavailable", decode[map[string]string](t, w)["reason"])
}
