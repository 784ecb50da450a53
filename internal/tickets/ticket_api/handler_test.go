package ticket_api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/database/dbtest"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	ticketdb "ms-admission/internal/tickets/db"
	tickets "ms-admission/internal/tickets/service"
	"ms-admission/internal/tickets/qr"
	"ms-admission/internal/utils"
)

const hashKey = "hash-key"

func newRouter(t *testing.T) (http.Handler, *qr.Signer) {
	t.Helper()
	bunDB := dbtest.Open(t)
	store := &ticketdb.DB{Bun: bunDB}
	log := logger.NewLoggerWithOutput(nil)

	dbtest.SeedOrder(t, bunDB, "ORD-PAID", "settlement", 2, models.TicketValid)
	dbtest.SeedOrder(t, bunDB, "ORD-WAIT", "pending", 1, models.TicketPending)

	signer := qr.NewSigner(hashKey, "https://gate.example.com")
	h := NewHandler(store, tickets.NewIssuer(store, log), signer, log)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, signer
}

func TestQRCode(t *testing.T) {
	r, signer := newRouter(t)

	tests := []struct {
		name   string
		code   string
		token  string
		status int
	}{
		{"valid ticket", "TKT-ORD-PAID-001-SEED01", signer.AccessToken("ORD-PAID"), http.StatusOK},
		{"pending ticket", "TKT-ORD-WAIT-001-SEED01", signer.AccessToken("ORD-WAIT"), http.StatusConflict},
		{"unknown ticket", "TKT-NOPE", signer.AccessToken("ORD-PAID"), http.StatusNotFound},
		{"no token", "TKT-ORD-PAID-001-SEED01", "", http.StatusNotFound},
		{"token of another order", "TKT-ORD-PAID-001-SEED01", signer.AccessToken("ORD-WAIT"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/checkout/tickets/"+tt.code+"/qr?token="+tt.token, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
				assert.Equal(t, []byte("\x89PNG"), rec.Body.Bytes()[:4])
			}
		})
	}
}

func TestQRCode_BareCodeGetsNoSignedPayload(t *testing.T) {
	r, signer := newRouter(t)
	code := "TKT-ORD-PAID-001-SEED01"
	signed, err := qrcode.Encode(signer.PayloadURL(code, "ORD-PAID"), qrcode.Medium, 256)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/checkout/tickets/"+code+"/qr", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEqual(t, signed, rec.Body.Bytes())
	assert.NotContains(t, rec.Body.String(), signer.Hash(code, "ORD-PAID"))

	req = httptest.NewRequest(http.MethodGet, "/checkout/tickets/"+code+"/qr", nil)
	req.Header.Set(utils.OrderTokenHeader, signer.AccessToken("ORD-PAID"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, signed, rec.Body.Bytes(), "the token holder gets the signed QR")
}

func TestGetTotalTicketsCount(t *testing.T) {
	r, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/checkout/tickets/count", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data TicketCountResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Data.TotalCount)
	assert.Equal(t, 2, body.Data.Sold)
}
