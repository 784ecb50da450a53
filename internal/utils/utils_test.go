package utils

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/models"
)

func TestGenerateTicketCode_Format(t *testing.T) {
	code := GenerateTicketCode("ORD-01HZX", 7)
	assert.Regexp(t, regexp.MustCompile(`^TKT-ORD-01HZX-007-[A-Z0-9]{6}$`), code)
}

func TestGenerateOrderNumber_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		n := GenerateOrderNumber()
		require.True(t, strings.HasPrefix(n, "ORD-"))
		require.False(t, seen[n])
		seen[n] = true
	}
}

func TestValidateStruct_CheckoutRequest(t *testing.T) {
	err := ValidateStruct(&models.CheckoutRequest{
		BuyerName:  "Ana",
		BuyerEmail: "not-an-email",
		BuyerPhone: "0812345678",
		Quantity:   11,
	})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "buyer_email")
	assert.Contains(t, verr.Fields, "quantity")
	assert.NotContains(t, verr.Fields, "buyer_name")
}

func TestStatusForError(t *testing.T) {
	cases := map[error]int{
		models.NewValidationError("quantity", "bad"):        http.StatusBadRequest,
		&models.DuplicateContactError{Field: "buyer_email"}: http.StatusConflict,
		fmt.Errorf("wrap: %w", models.ErrOrderNotFound):     http.StatusNotFound,
		models.ErrDiscountLimitReached:                      http.StatusConflict,
		models.ErrSyncLocked:                                http.StatusLocked,
		models.ErrForbidden:                                 http.StatusForbidden,
		models.ErrOrderNotLocked:                            http.StatusPreconditionFailed,
		errors.New("boom"):                                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, StatusForError(err), err.Error())
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, "failed", errors.New("pq: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")
}
