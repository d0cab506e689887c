package model

import (
	"time"

	"github.com/google/uuid"
)

// Key is a VPN subscription. ClientID doubles as the panel-side identity.
// While IsFrozen is set, ExpiryTime holds milliseconds remaining at freeze
// time instead of an absolute instant.
type Key struct {
	ClientID             uuid.UUID `db:"client_id" json:"client_id"`
	TgID                 int64     `db:"tg_id" json:"tg_id"`
	Email                string    `db:"email" json:"email"`
	ServerID             string    `db:"server_id" json:"server_id"`
	ExpiryTime           int64     `db:"expiry_time" json:"expiry_time"`
	IsFrozen             bool      `db:"is_frozen" json:"is_frozen"`
	TariffID             *int64    `db:"tariff_id" json:"tariff_id,omitempty"`
	SelectedDeviceLimit  *int      `db:"selected_device_limit" json:"selected_device_limit,omitempty"`
	SelectedTrafficLimit *int      `db:"selected_traffic_limit" json:"selected_traffic_limit,omitempty"`
	SelectedPriceRub     *int64    `db:"selected_price_rub" json:"selected_price_rub,omitempty"`
	CurrentDeviceLimit   *int      `db:"current_device_limit" json:"current_device_limit,omitempty"`
	CurrentTrafficLimit  *int      `db:"current_traffic_limit" json:"current_traffic_limit,omitempty"`
	LegacyLink           *string   `db:"legacy_link" json:"legacy_link,omitempty"`
	ModernLink           *string   `db:"modern_link" json:"modern_link,omitempty"`
	Alias                *string   `db:"alias" json:"alias,omitempty"`
	Notified             bool      `db:"notified" json:"notified"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the key has run out at the given instant.
// A frozen key never expires: its clock is stopped.
func (k *Key) Expired(nowMs int64) bool {
	return !k.IsFrozen && nowMs >= k.ExpiryTime
}

// RemainingMs returns milliseconds left on the key at the given instant.
func (k *Key) RemainingMs(nowMs int64) int64 {
	if k.IsFrozen {
		return k.ExpiryTime
	}
	if left := k.ExpiryTime - nowMs; left > 0 {
		return left
	}
	return 0
}
