package discount

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-admission/internal/models"
)

func newService(now time.Time) *DiscountService {
	s := NewDiscountService(nil)
	s.now = func() time.Time { return now }
	return s
}

func TestValidateAndCalculateDiscount(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	s := newService(now)

	tests := []struct {
		name   string
		code   *models.DiscountCode
		valid  bool
		amount int64
		reason string
	}{
		{"nil code", nil, false, 0, ""},
		{"fixed", &models.DiscountCode{Kind: models.FIXED, Value: 25000, Active: true}, true, 25000, ""},
		{"fixed capped at subtotal", &models.DiscountCode{Kind: models.FIXED, Value: 500000, Active: true}, true, 300000, ""},
		{"percentage", &models.DiscountCode{Kind: models.PERCENTAGE, Value: 15, Active: true}, true, 45000, ""},
		{"inactive", &models.DiscountCode{Kind: models.FIXED, Value: 1, Active: false}, false, 0, "Discount is not active"},
		{"not started", &models.DiscountCode{Kind: models.FIXED, Value: 1, Active: true, ValidFrom: &future}, false, 0, "Discount is not yet active"},
		{"expired", &models.DiscountCode{Kind: models.FIXED, Value: 1, Active: true, ValidUntil: &past}, false, 0, "Discount has expired"},
		{"used up", &models.DiscountCode{Kind: models.FIXED, Value: 1, Active: true, UsageLimit: 2, UsedCount: 2}, false, 0, "Discount usage limit has been reached"},
		{"inside window", &models.DiscountCode{Kind: models.FIXED, Value: 1000, Active: true, ValidFrom: &past, ValidUntil: &future}, true, 1000, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.ValidateAndCalculateDiscount(tt.code, 300000)
			require.NoError(t, err)
			assert.Equal(t, tt.valid, res.IsValid)
			assert.Equal(t, tt.amount, res.DiscountAmount)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestValidateAndCalculateDiscount_BadDefinitions(t *testing.T) {
	s := newService(time.Now())
	_, err := s.ValidateAndCalculateDiscount(&models.DiscountCode{Kind: "bogo", Active: true}, 1000)
	assert.Error(t, err)
	_, err = s.ValidateAndCalculateDiscount(&models.DiscountCode{Kind: models.PERCENTAGE, Value: 150, Active: true}, 1000)
	assert.Error(t, err)
}

func TestBundleDiscount(t *testing.T) {
	assert.Equal(t, int64(0), BundleDiscount(1, true))
	assert.Equal(t, int64(4000), BundleDiscount(2, true))
	assert.Equal(t, int64(6000), BundleDiscount(3, true))
	assert.Equal(t, int64(8000), BundleDiscount(4, true))
	assert.Equal(t, int64(10000), BundleDiscount(5, true))
	assert.Equal(t, int64(0), BundleDiscount(6, true))
	assert.Equal(t, int64(0), BundleDiscount(3, false))
}

func TestFinalAmount_FloorsAtZero(t *testing.T) {
	assert.Equal(t, int64(286000), FinalAmount(300000, 10000, 4000))
	assert.Equal(t, int64(0), FinalAmount(5000, 5000, 4000))
}
