package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpnhub/internal/ledger"
	"vpnhub/internal/repository"
)

type CouponService struct {
	coupons repository.CouponRepository
	users   repository.UserRepository
	keys    repository.KeyRepository
	ledger  *ledger.Ledger
	logger  *zap.Logger

	now func() time.Time
}

func NewCouponService(
	coupons repository.CouponRepository,
	users repository.UserRepository,
	keys repository.KeyRepository,
	moneyLedger *ledger.Ledger,
	logger *zap.Logger,
) *CouponService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CouponService{
		coupons: coupons,
		users:   users,
		keys:    keys,
		ledger:  moneyLedger,
		logger:  logger,
		now:     time.Now,
	}
}

// RedeemResult reports which of the three coupon effects fired.
type RedeemResult struct {
	Credited        decimal.Decimal `json:"credited"`
	DaysAdded       int             `json:"days_added"`
	DiscountPercent int             `json:"discount_percent"`
}

// Redeem applies a coupon for a user. Amount coupons credit balance
// directly; days coupons extend every key the user owns; percent coupons
// return the discount for the caller to attach to the next purchase.
func (s *CouponService) Redeem(ctx context.Context, tgID int64, code string) (*RedeemResult, error) {
	user, err := s.users.FindByTgID(ctx, tgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	coupon, err := s.coupons.FindByCode(ctx, strings.TrimSpace(strings.ToLower(code)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}
	if coupon.IsUsed || (coupon.UsageLimit > 0 && coupon.UsageCount >= coupon.UsageLimit) {
		return nil, ErrCouponExhausted
	}
	if coupon.NewUsersOnly {
		keys, listErr := s.keys.List(ctx, repository.KeyListFilter{TgID: &tgID})
		if listErr != nil {
			return nil, listErr
		}
		if len(keys) > 0 {
			return nil, ErrCouponNewUsersOnly
		}
	}

	// One redemption per (coupon, user); the repository enforces the
	// usage limit atomically.
	if err := s.coupons.RecordUsage(ctx, coupon.ID, user.TgID); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrCouponAlreadyUsed
		}
		return nil, err
	}

	result := &RedeemResult{}
	switch {
	case coupon.Amount != nil && coupon.Amount.Sign() > 0:
		externalID := couponExternalID(coupon.ID, tgID)
		if _, err := s.ledger.Credit(ctx, tgID, *coupon.Amount, "coupon", externalID); err != nil {
			return nil, err
		}
		result.Credited = *coupon.Amount

	case coupon.Days != nil && *coupon.Days > 0:
		extended, err := s.extendKeys(ctx, tgID, *coupon.Days)
		if err != nil {
			return nil, err
		}
		if extended == 0 {
			return nil, ErrKeyNotFound
		}
		result.DaysAdded = *coupon.Days

	case coupon.Percent != nil && *coupon.Percent > 0:
		result.DiscountPercent = *coupon.Percent

	default:
		return nil, ErrCouponNotFound
	}

	s.logger.Info("coupon redeemed",
		zap.String("code", coupon.Code),
		zap.Int64("tg_id", tgID),
	)
	return result, nil
}

func (s *CouponService) extendKeys(ctx context.Context, tgID int64, days int) (int, error) {
	keys, err := s.keys.List(ctx, repository.KeyListFilter{TgID: &tgID})
	if err != nil {
		return 0, err
	}

	nowMs := s.now().UnixMilli()
	extended := 0
	for _, key := range keys {
		if key.IsFrozen {
			// Frozen keys carry remaining-ms; add straight to it.
			key.ExpiryTime += int64(days) * msPerDay
		} else {
			base := key.ExpiryTime
			if nowMs > base {
				base = nowMs
			}
			key.ExpiryTime = base + int64(days)*msPerDay
		}
		key.UpdatedAt = s.now().UTC()
		if err := s.keys.Update(ctx, key); err != nil {
			s.logger.Warn("extend key by coupon",
				zap.String("email", key.Email), zap.Error(err))
			continue
		}
		extended++
	}
	return extended, nil
}

func couponExternalID(couponID, tgID int64) string {
	// Stable per (coupon, user) so a retried redemption cannot
	// double-credit.
	return fmt.Sprintf("coupon_%d_%d", couponID, tgID)
}
