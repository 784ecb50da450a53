package order_api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"ms-admission/internal/config"
	"ms-admission/internal/database/dbtest"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/order"
	orderdb "ms-admission/internal/order/db"
	ticketdb "ms-admission/internal/tickets/db"
	"ms-admission/internal/tickets/qr"
	tickets "ms-admission/internal/tickets/service"
	"ms-admission/internal/utils"
)

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Fields  map[string]string `json:"fields"`
}

var signer = qr.NewSigner("hash-key", "https://gate.example.com")

func newRouter(t *testing.T) (http.Handler, *bun.DB) {
	t.Helper()
	bunDB := dbtest.Open(t)
	log := logger.NewLoggerWithOutput(nil)
	cfg := &config.Config{Checkout: config.CheckoutConfig{
		BundleDiscountEnabled: true,
		StalePendingTTL:       2 * time.Hour,
		MaxQuantity:           10,
	}}
	svc := order.NewOrderService(&orderdb.DB{Bun: bunDB}, tickets.NewIssuer(&ticketdb.DB{Bun: bunDB}, log), nil, cfg, log)

	r := chi.NewRouter()
	NewHandler(svc, signer, log).RegisterRoutes(r)
	return r, bunDB
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestPlaceOrder_ThenLookup(t *testing.T) {
	r, bunDB := newRouter(t)
	dbtest.SeedTicketType(t, bunDB, "Regular", 150000, true)

	rec, env := do(t, r, http.MethodPost, "/checkout/orders",
		`{"buyer_name":"Ana","buyer_email":"ana@example.com","buyer_phone":"0811000001","quantity":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created CreatedOrder
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.AccessToken)
	assert.Equal(t, "pending", created.Status)
	assert.False(t, created.Paid)
	assert.Equal(t, int64(450000), created.Amount)
	assert.Equal(t, int64(6000), created.BundleDiscount)
	assert.Equal(t, int64(444000), created.FinalAmount)

	rec, _ = do(t, r, http.MethodGet, "/checkout/orders/"+created.OrderNumber, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "the order number alone is not enough")

	rec, env = do(t, r, http.MethodGet, "/checkout/orders/"+created.OrderNumber+"?token="+created.AccessToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched OrderView
	require.NoError(t, json.Unmarshal(env.Data, &fetched))
	require.Len(t, fetched.Tickets, 3)
	for _, tk := range fetched.Tickets {
		assert.Equal(t, models.TicketPending, tk.Status)
		assert.Empty(t, tk.QRURL, "pending tickets have no QR")
	}
}

func TestPlaceOrder_Errors(t *testing.T) {
	r, bunDB := newRouter(t)

	rec, env := do(t, r, http.MethodPost, "/checkout/orders",
		`{"buyer_name":"Ana","buyer_email":"ana@example.com","buyer_phone":"0811000001","quantity":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "no ticket type on sale")
	assert.False(t, env.Success)

	dbtest.SeedTicketType(t, bunDB, "Regular", 150000, true)

	rec, env = do(t, r, http.MethodPost, "/checkout/orders",
		`{"buyer_name":"Ana","buyer_email":"not-an-email","buyer_phone":"0811000001","quantity":11}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Fields, "buyer_email")
	assert.Contains(t, env.Fields, "quantity")

	_, _ = do(t, r, http.MethodPost, "/checkout/orders",
		`{"buyer_name":"Ana","buyer_email":"ana@example.com","buyer_phone":"0811000001","quantity":1}`)
	rec, _ = do(t, r, http.MethodPost, "/checkout/orders",
		`{"buyer_name":"Ben","buyer_email":"ana@example.com","buyer_phone":"0811000002","quantity":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "email already has an active order")
}

func TestGetOrder_ShowsQRForValidTickets(t *testing.T) {
	r, bunDB := newRouter(t)
	dbtest.SeedOrder(t, bunDB, "ORD-PAID", "settlement", 1, models.TicketValid)
	token := signer.AccessToken("ORD-PAID")

	rec, env := do(t, r, http.MethodGet, "/checkout/orders/ORD-PAID?token="+token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view OrderView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.True(t, view.Paid)
	require.Len(t, view.Tickets, 1)
	assert.Equal(t, "/api/checkout/tickets/TKT-ORD-PAID-001-SEED01/qr?token="+token, view.Tickets[0].QRURL)

	rec, _ = do(t, r, http.MethodGet, "/checkout/orders/ORD-MISSING?token="+signer.AccessToken("ORD-MISSING"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder_HidesTicketsWithoutToken(t *testing.T) {
	r, bunDB := newRouter(t)
	dbtest.SeedOrder(t, bunDB, "ORD-PAID", "settlement", 2, models.TicketValid)
	dbtest.SeedOrder(t, bunDB, "ORD-OTHER", "settlement", 1, models.TicketValid)

	for _, token := range []string{"", "deadbeef", signer.AccessToken("ORD-OTHER")} {
		req := httptest.NewRequest(http.MethodGet, "/checkout/orders/ORD-PAID", nil)
		req.Header.Set(utils.OrderTokenHeader, token)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code, "token %q", token)
		assert.NotContains(t, rec.Body.String(), "TKT-ORD-PAID")
	}
}

func TestValidateDiscount(t *testing.T) {
	r, bunDB := newRouter(t)
	dbtest.SeedTicketType(t, bunDB, "Regular", 150000, true)
	_, err := bunDB.NewInsert().Model(&models.DiscountCode{
		Code: "HEMAT10", Kind: models.PERCENTAGE, Value: 10, Active: true, UsageLimit: 5,
	}).Exec(context.Background())
	require.NoError(t, err)

	rec, env := do(t, r, http.MethodPost, "/checkout/discounts/validate", `{"code":"hemat10","quantity":2}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var quote order.DiscountQuote
	require.NoError(t, json.Unmarshal(env.Data, &quote))
	assert.True(t, quote.Valid)
	assert.Equal(t, int64(300000), quote.Subtotal)
	assert.Equal(t, int64(30000), quote.DiscountAmount)

	rec, env = do(t, r, http.MethodPost, "/checkout/discounts/validate", `{"code":"NOPE"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Discount code is not valid", env.Message)

	rec, _ = do(t, r, http.MethodPost, "/checkout/discounts/validate", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
