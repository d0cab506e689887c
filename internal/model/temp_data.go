package model

import (
	"encoding/json"
	"time"
)

// States a deferred command can be parked under while the user pays.
const (
	StateWaitingForPurchasePayment = "waiting_for_purchase_payment"
	StateWaitingForRenewalPayment  = "waiting_for_renewal_payment"
	StateWaitingForGiftPayment     = "waiting_for_gift_payment"
	StateWaitingForAddonsPayment   = "waiting_for_addons_payment"
)

// TemporaryData parks the parameters of a deferred command keyed by user.
// Consumed on use; rows nobody ever paid for are removed by the daily sweep.
type TemporaryData struct {
	TgID      int64           `db:"tg_id" json:"tg_id"`
	State     string          `db:"state" json:"state"`
	Data      json.RawMessage `db:"data" json:"data"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
