package model

import (
	"encoding/json"
	"time"
)

// Well-known settings keys. Each value is an opaque JSON document decoded
// into a typed config record by the settings store.
const (
	SettingButtons        = "BUTTONS_CONFIG"
	SettingPayments       = "PAYMENTS_CONFIG"
	SettingNotifications  = "NOTIFICATIONS_CONFIG"
	SettingModes          = "MODES_CONFIG"
	SettingMoney          = "MONEY_CONFIG"
	SettingProvidersOrder = "PROVIDERS_ORDER"
	SettingTariffs        = "TARIFFS_CONFIG"
	SettingManagement     = "management"
)

type Setting struct {
	Key         string          `db:"key" json:"key"`
	Value       json.RawMessage `db:"value" json:"value"`
	Description *string         `db:"description" json:"description,omitempty"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}
