package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coupon grants exactly one of: a balance amount, extra days on a key, or
// a percent discount on the next purchase.
type Coupon struct {
	ID           int64            `db:"id" json:"id"`
	Code         string           `db:"code" json:"code"`
	Amount       *decimal.Decimal `db:"amount" json:"amount,omitempty"`
	Days         *int             `db:"days" json:"days,omitempty"`
	Percent      *int             `db:"percent" json:"percent,omitempty"`
	UsageLimit   int              `db:"usage_limit" json:"usage_limit"`
	UsageCount   int              `db:"usage_count" json:"usage_count"`
	IsUsed       bool             `db:"is_used" json:"is_used"`
	NewUsersOnly bool             `db:"new_users_only" json:"new_users_only"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
}

type CouponUsage struct {
	CouponID int64     `db:"coupon_id" json:"coupon_id"`
	UserID   int64     `db:"user_id" json:"user_id"`
	UsedAt   time.Time `db:"used_at" json:"used_at"`
}
