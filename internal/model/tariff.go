package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Reserved tariff group codes. Clusters never bind to these directly;
// they exist for campaign, gift and trial sales.
const (
	TariffGroupDiscounts    = "discounts"
	TariffGroupDiscountsMax = "discounts_max"
	TariffGroupGifts        = "gifts"
	TariffGroupTrial        = "trial"
)

// ReservedTariffGroup reports whether the group code is one of the
// reserved campaign groups excluded from regular auto-renew selection.
func ReservedTariffGroup(group string) bool {
	switch group {
	case TariffGroupDiscounts, TariffGroupDiscountsMax, TariffGroupGifts:
		return true
	default:
		return false
	}
}

// Tariff is a pricing document. When Configurable is set, the user picks
// device/traffic options and the price is derived; otherwise PriceRub is
// the fixed price. A zero value inside an options list means unlimited.
type Tariff struct {
	ID               int64         `db:"id" json:"id"`
	Name             string        `db:"name" json:"name"`
	GroupCode        string        `db:"group_code" json:"group_code"`
	SubgroupTitle    *string       `db:"subgroup_title" json:"subgroup_title,omitempty"`
	DurationDays     int           `db:"duration_days" json:"duration_days"`
	PriceRub         int64         `db:"price_rub" json:"price_rub"`
	TrafficLimit     int64         `db:"traffic_limit" json:"traffic_limit"`
	DeviceLimit      int           `db:"device_limit" json:"device_limit"`
	IsActive         bool          `db:"is_active" json:"is_active"`
	Configurable     bool          `db:"configurable" json:"configurable"`
	DeviceOptions    []int         `db:"device_options" json:"device_options,omitempty"`
	TrafficOptionsGB []int         `db:"traffic_options_gb" json:"traffic_options_gb,omitempty"`
	DeviceStepRub    int64         `db:"device_step_rub" json:"device_step_rub"`
	TrafficStepRub   int64         `db:"traffic_step_rub" json:"traffic_step_rub"`
	DeviceOverrides  map[int]int64 `db:"device_overrides" json:"device_overrides,omitempty"`
	TrafficOverrides map[int]int64 `db:"traffic_overrides" json:"traffic_overrides,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// SubgroupHash returns a short stable hash of a subgroup title, used to
// route compact callback payloads back to the subgroup.
func SubgroupHash(title string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(title)))
	return hex.EncodeToString(sum[:])[:12]
}
