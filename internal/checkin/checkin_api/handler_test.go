package checkin_api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/auth"
	"ms-admission/internal/checkin"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

type MockGuard struct {
	mock.Mock
}

func (m *MockGuard) Validate(ctx context.Context, req checkin.ScanRequest) (*checkin.Decision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(*checkin.Decision), args.Error(1)
}

func (m *MockGuard) CheckIn(ctx context.Context, req checkin.ScanRequest) (*checkin.Decision, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(*checkin.Decision), args.Error(1)
}

func (m *MockGuard) GateStats(ctx context.Context) (*models.TicketStats, error) {
	args := m.Called(ctx)
	if s := args.Get(0); s != nil {
		return s.(*models.TicketStats), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockGuard) AdminResetSingle(ctx context.Context, op models.Operator, code, secret, confirm string) (*models.Ticket, error) {
	args := m.Called(ctx, op, code, secret, confirm)
	if t := args.Get(0); t != nil {
		return t.(*models.Ticket), args.Error(1)
	}
	return nil, args.Error(1)
}

var gateOperator = models.Operator{ID: "gate-1", Role: models.RoleScanner}

// withOperator stands in for auth.Middleware.
func withOperator(op *models.Operator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if op != nil {
				r = r.WithContext(auth.WithOperator(r.Context(), *op))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func newRouter(guard *MockGuard, op *models.Operator) http.Handler {
	h := NewHandler(guard, logger.NewLoggerWithOutput(nil))
	r := chi.NewRouter()
	r.Use(withOperator(op))
	h.RegisterScannerRoutes(r)
	r.Route("/admin", h.RegisterAdminRoutes)
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCheckIn_PassesOperatorAndDecision(t *testing.T) {
	guard := new(MockGuard)
	guard.On("CheckIn", mock.Anything, mock.MatchedBy(func(req checkin.ScanRequest) bool {
		return req.Operator == gateOperator && req.Raw == "https://gate.example.com/scan?ticket=TKT-1&verify=abc"
	})).Return(&checkin.Decision{Type: checkin.DecisionValid, Reason: checkin.ReasonCheckedIn, TicketCode: "TKT-1"}, nil)

	rec := post(newRouter(guard, &gateOperator), "/scanner/checkin", `{"raw":"https://gate.example.com/scan?ticket=TKT-1&verify=abc"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data checkin.Decision `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, checkin.DecisionValid, body.Data.Type)
	guard.AssertExpectations(t)
}

func TestValidate_RejectionsAreStill200(t *testing.T) {
	guard := new(MockGuard)
	guard.On("Validate", mock.Anything, mock.Anything).
		Return(&checkin.Decision{Type: checkin.DecisionUsed, Reason: checkin.ReasonAlreadyUsed}, nil)

	rec := post(newRouter(guard, &gateOperator), "/scanner/validate", `{"ticket_code":"TKT-1","verify":"abc"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"already_used"`)
}

func TestCheckIn_ErrorDecision(t *testing.T) {
	guard := new(MockGuard)
	guard.On("CheckIn", mock.Anything, mock.Anything).
		Return(&checkin.Decision{Type: checkin.DecisionError, Reason: checkin.ReasonInternal}, errors.New("db down"))

	rec := post(newRouter(guard, &gateOperator), "/scanner/checkin", `{"ticket_code":"TKT-1"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
	assert.Contains(t, rec.Body.String(), `"internal_error"`)
}

func TestScan_RequiresOperatorAndJSON(t *testing.T) {
	guard := new(MockGuard)

	rec := post(newRouter(guard, nil), "/scanner/checkin", `{"ticket_code":"TKT-1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(newRouter(guard, &gateOperator), "/scanner/checkin", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	guard.AssertNotCalled(t, "CheckIn", mock.Anything, mock.Anything)
}

func TestStats(t *testing.T) {
	guard := new(MockGuard)
	guard.On("GateStats", mock.Anything).Return(&models.TicketStats{Total: 10, Valid: 6, Used: 3, Pending: 1}, nil)

	req := httptest.NewRequest(http.MethodGet, "/scanner/stats", nil)
	rec := httptest.NewRecorder()
	newRouter(guard, &gateOperator).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"used":3`)
}

func TestResetTicket(t *testing.T) {
	admin := models.Operator{ID: "admin-1", Role: models.RoleAdmin}

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"reset", `{"secret_token":"s3cret","confirm_code":"TKT-1"}`, nil, http.StatusOK},
		{"bad token", `{"secret_token":"nope","confirm_code":"TKT-1"}`, models.ErrForbidden, http.StatusForbidden},
		{"pending ticket", `{"secret_token":"s3cret","confirm_code":"TKT-1"}`, models.ErrTicketPending, http.StatusBadRequest},
		{"missing confirm", `{"secret_token":"s3cret"}`, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guard := new(MockGuard)
			var ticket *models.Ticket
			if tt.err == nil {
				ticket = &models.Ticket{TicketCode: "TKT-1", Status: models.TicketValid}
			}
			guard.On("AdminResetSingle", mock.Anything, admin, "TKT-1", mock.Anything, mock.Anything).Return(ticket, tt.err).Maybe()

			rec := post(newRouter(guard, &admin), "/admin/tickets/TKT-1/reset", tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
