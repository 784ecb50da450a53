package discount

import (
	"fmt"
	"time"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

// bundleDiscounts is the flat amount taken off per order size. Sizes above 5
// get nothing.
var bundleDiscounts = map[int]int64{
	2: 4000,
	3: 6000,
	4: 8000,
	5: 10000,
}

// DiscountService handles validation and calculation of discounts
type DiscountService struct {
	logger *logger.Logger
	now    func() time.Time
}

func NewDiscountService(log *logger.Logger) *DiscountService {
	return &DiscountService{
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ApplyDiscountResult represents the result of applying a discount
type ApplyDiscountResult struct {
	IsValid        bool   `json:"is_valid"`
	DiscountAmount int64  `json:"discount_amount"`
	Reason         string `json:"reason,omitempty"`
}

// ValidateAndCalculateDiscount checks the code against its window and usage
// limit and computes the amount it takes off subtotal. An unusable code is
// reported through Reason, not as an error.
func (s *DiscountService) ValidateAndCalculateDiscount(discount *models.DiscountCode, subtotal int64) (*ApplyDiscountResult, error) {
	result := &ApplyDiscountResult{}
	if discount == nil {
		return result, nil
	}

	if !discount.Active {
		result.Reason = "Discount is not active"
		return result, nil
	}
	now := s.now()
	if discount.ValidFrom != nil && now.Before(*discount.ValidFrom) {
		result.Reason = "Discount is not yet active"
		return result, nil
	}
	if discount.ValidUntil != nil && !now.Before(*discount.ValidUntil) {
		result.Reason = "Discount has expired"
		return result, nil
	}
	if discount.UsageLimit > 0 && discount.UsedCount >= discount.UsageLimit {
		result.Reason = "Discount usage limit has been reached"
		return result, nil
	}

	var amount int64
	switch discount.Kind {
	case models.FIXED:
		amount = discount.Value
	case models.PERCENTAGE:
		if discount.Value < 0 || discount.Value > 100 {
			return nil, fmt.Errorf("percentage discount %s has value %d", discount.Code, discount.Value)
		}
		amount = subtotal * discount.Value / 100
	default:
		return nil, fmt.Errorf("unsupported discount type: %s", discount.Kind)
	}

	if amount < 0 {
		amount = 0
	}
	if amount > subtotal {
		amount = subtotal
	}

	result.IsValid = true
	result.DiscountAmount = amount
	s.logger.Debug("DISCOUNT", fmt.Sprintf("Code %s takes %d off %d", discount.Code, amount, subtotal))
	return result, nil
}

// BundleDiscount returns the flat multi-ticket discount, or 0 when bundles are off.
func BundleDiscount(quantity int, enabled bool) int64 {
	if !enabled {
		return 0
	}
	return bundleDiscounts[quantity]
}

// FinalAmount subtracts both discounts and never goes below zero.
func FinalAmount(amount, discountAmount, bundleAmount int64) int64 {
	final := amount - discountAmount - bundleAmount
	if final < 0 {
		return 0
	}
	return final
}
