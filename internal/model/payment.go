package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailure   PaymentStatus = "failure"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Payment is an append-only ledger row. A success row is the sole trigger
// to credit balance; (payment_system, payment_id) is unique.
type Payment struct {
	ID            int64           `db:"id" json:"id"`
	TgID          int64           `db:"tg_id" json:"tg_id"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	PaymentSystem string          `db:"payment_system" json:"payment_system"`
	Status        PaymentStatus   `db:"status" json:"status"`
	Currency      string          `db:"currency" json:"currency"`
	PaymentID     string          `db:"payment_id" json:"payment_id"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
