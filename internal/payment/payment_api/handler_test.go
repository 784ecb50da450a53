package payment_api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/payment/gateway"
	"ms-admission/internal/payment/syncengine"
)

const serverKey = "SB-Mid-server-test"

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) ApplyExternalUpdate(ctx context.Context, u syncengine.ExternalUpdate) (*syncengine.ApplyResult, error) {
	args := m.Called(ctx, u)
	if r := args.Get(0); r != nil {
		return r.(*syncengine.ApplyResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) Reconcile(ctx context.Context, number string) (*syncengine.ReconcileResult, error) {
	args := m.Called(ctx, number)
	if r := args.Get(0); r != nil {
		return r.(*syncengine.ReconcileResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) ReconcileAndApply(ctx context.Context, number, source string) (*syncengine.ReconcileResult, error) {
	args := m.Called(ctx, number, source)
	if r := args.Get(0); r != nil {
		return r.(*syncengine.ReconcileResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) BulkReconcile(ctx context.Context) (*syncengine.BulkResult, error) {
	args := m.Called(ctx)
	if r := args.Get(0); r != nil {
		return r.(*syncengine.BulkResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func newRouter(engine *MockEngine) http.Handler {
	h := NewHandler(engine, serverKey, "", logger.NewLoggerWithOutput(nil))
	r := chi.NewRouter()
	h.RegisterWebhookRoutes(r)
	r.Route("/admin", h.RegisterAdminRoutes)
	return r
}

func notificationBody(orderID, txStatus, signature string) string {
	if signature == "" {
		signature = gateway.Signature(orderID, "200", "300000.00", serverKey)
	}
	b, _ := json.Marshal(map[string]string{
		"order_id":           orderID,
		"transaction_status": txStatus,
		"transaction_id":     "txn-9",
		"payment_type":       "qris",
		"status_code":        "200",
		"gross_amount":       "300000.00",
		"signature_key":      signature,
	})
	return string(b)
}

func post(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestNotification_AppliesSignedUpdate(t *testing.T) {
	engine := new(MockEngine)
	engine.On("ApplyExternalUpdate", mock.Anything, mock.MatchedBy(func(u syncengine.ExternalUpdate) bool {
		return u.OrderNumber == "ORD-1" && u.RawStatus == "settlement" && u.Source == models.SourceWebhook &&
			u.TransactionID == "txn-9" && u.PaymentType == "qris" && u.Payload != ""
	})).Return(&syncengine.ApplyResult{OrderNumber: "ORD-1", Status: "settlement", Outcome: models.OutcomeApplied}, nil)

	rec := post(newRouter(engine), "/payments/notifications", notificationBody("ORD-1", "settlement", ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), models.OutcomeApplied)
	engine.AssertExpectations(t)
}

func TestNotification_BadSignature(t *testing.T) {
	engine := new(MockEngine)
	rec := post(newRouter(engine), "/payments/notifications", notificationBody("ORD-1", "settlement", strings.Repeat("a", 128)))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	engine.AssertNotCalled(t, "ApplyExternalUpdate", mock.Anything, mock.Anything)
}

func TestNotification_MissingFields(t *testing.T) {
	engine := new(MockEngine)
	rec := post(newRouter(engine), "/payments/notifications", `{"order_id":"ORD-1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "signature_key")
}

func TestNotification_MalformedJSON(t *testing.T) {
	rec := post(newRouter(new(MockEngine)), "/payments/notifications", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotification_ErrorsAskForRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown order", models.ErrOrderNotFound, http.StatusNotFound},
		{"storage failure", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := new(MockEngine)
			engine.On("ApplyExternalUpdate", mock.Anything, mock.Anything).Return(nil, tt.err)

			rec := post(newRouter(engine), "/payments/notifications", notificationBody("ORD-2", "expire", ""))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestNotification_IgnoredOutcomesAreAcknowledged(t *testing.T) {
	engine := new(MockEngine)
	engine.On("ApplyExternalUpdate", mock.Anything, mock.Anything).
		Return(&syncengine.ApplyResult{OrderNumber: "ORD-3", Status: "pending", Outcome: models.OutcomeIgnoredLocked}, nil)

	rec := post(newRouter(engine), "/payments/notifications", notificationBody("ORD-3", "expire", ""))
	assert.Equal(t, http.StatusOK, rec.Code, "the gateway must not retry a locked order")
}

func TestStripeWebhook_WithoutSecret(t *testing.T) {
	engine := new(MockEngine)
	rec := post(newRouter(engine), "/payments/stripe/webhook", `{}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	engine.AssertNotCalled(t, "ApplyExternalUpdate", mock.Anything, mock.Anything)
}

func TestAdminReconcileRoutes(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Reconcile", mock.Anything, "ORD-9").
		Return(&syncengine.ReconcileResult{OrderNumber: "ORD-9", GatewayState: syncengine.GatewayFound, Match: true}, nil)
	engine.On("ReconcileAndApply", mock.Anything, "ORD-9", models.SourceReconcile).
		Return(nil, models.ErrReconcileInProgress)
	router := newRouter(engine)

	req := httptest.NewRequest(http.MethodGet, "/admin/orders/ORD-9/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"match":true`)

	rec = post(router, "/admin/orders/ORD-9/reconcile", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

}

// sweepEngine walks a fixed candidate list and stops early only when its
// context ends.
type sweepEngine struct {
	MockEngine
	candidates int
	checked    atomic.Int32
	started    chan struct{}
}

func (e *sweepEngine) BulkReconcile(ctx context.Context) (*syncengine.BulkResult, error) {
	close(e.started)
	for i := 0; i < e.candidates; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
		e.checked.Add(1)
	}
	return &syncengine.BulkResult{Checked: int(e.checked.Load())}, nil
}

func TestBulkReconcile_RunsInBackground(t *testing.T) {
	engine := &sweepEngine{candidates: 8, started: make(chan struct{})}
	h := NewHandler(engine, serverKey, "", logger.NewLoggerWithOutput(nil))
	h.BulkTimeout = 5 * time.Second
	r := chi.NewRouter()
	r.Route("/admin", h.RegisterAdminRoutes)

	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/admin/orders/reconcile", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body struct {
		Data BulkRun `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Data.RunID)

	<-engine.started
	cancel()
	h.Wait()
	assert.Equal(t, int32(8), engine.checked.Load(), "client disconnect does not stop the sweep")
}

func TestBulkReconcile_TimeoutBoundsSweep(t *testing.T) {
	engine := &sweepEngine{candidates: 1000, started: make(chan struct{})}
	h := NewHandler(engine, serverKey, "", logger.NewLoggerWithOutput(nil))
	h.BulkTimeout = 30 * time.Millisecond
	r := chi.NewRouter()
	r.Route("/admin", h.RegisterAdminRoutes)

	rec := post(r, "/admin/orders/reconcile", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.Wait()
	assert.Less(t, engine.checked.Load(), int32(1000))
}
