package discount

import (
	"context"
	"fmt"
	"strings"

	"github.com/uptrace/bun"

	"ms-admission/internal/logger"
	"ms-admission/internal/models"
)

type CodeStore interface {
	GetDiscountCode(ctx context.Context, idb bun.IDB, code string) (*models.DiscountCode, error)
	GetReferralCode(ctx context.Context, idb bun.IDB, code string) (*models.ReferralCode, error)
}

// DiscountFetcher resolves codes typed at checkout into catalog rows.
type DiscountFetcher struct {
	store   CodeStore
	service *DiscountService
	logger  *logger.Logger
}

func NewDiscountFetcher(store CodeStore, service *DiscountService, log *logger.Logger) *DiscountFetcher {
	return &DiscountFetcher{store: store, service: service, logger: log}
}

// NormalizeCode trims and upper-cases a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Resolve loads a discount code and validates it for subtotal. An empty code
// returns a zero result. A code that exists but cannot be used yields
// ErrDiscountInvalid, or ErrDiscountLimitReached when its uses ran out.
func (df *DiscountFetcher) Resolve(ctx context.Context, idb bun.IDB, code string, subtotal int64) (*models.DiscountCode, *ApplyDiscountResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, &ApplyDiscountResult{}, nil
	}
	dc, err := df.store.GetDiscountCode(ctx, idb, code)
	if err != nil {
		return nil, nil, err
	}
	result, err := df.service.ValidateAndCalculateDiscount(dc, subtotal)
	if err != nil {
		return nil, nil, err
	}
	if !result.IsValid {
		df.logger.Debug("DISCOUNT", fmt.Sprintf("Rejected code %s: %s", code, result.Reason))
		if dc.UsageLimit > 0 && dc.UsedCount >= dc.UsageLimit {
			return dc, result, models.ErrDiscountLimitReached
		}
		return dc, result, models.ErrDiscountInvalid
	}
	return dc, result, nil
}

// ResolveReferral loads an active referral code. Empty codes resolve to nil.
func (df *DiscountFetcher) ResolveReferral(ctx context.Context, idb bun.IDB, code string) (*models.ReferralCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, nil
	}
	rc, err := df.store.GetReferralCode(ctx, idb, code)
	if err != nil {
		return nil, err
	}
	if !rc.Active {
		return nil, models.ErrReferralInvalid
	}
	return rc, nil
}
