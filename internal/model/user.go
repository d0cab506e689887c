package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrialState is tri-state: never used, used, or opened for an extended trial.
type TrialState int

const (
	TrialAvailable TrialState = 0
	TrialUsed      TrialState = 1
	TrialExtended  TrialState = -1
)

type User struct {
	TgID      int64           `db:"tg_id" json:"tg_id"`
	Username  *string         `db:"username" json:"username,omitempty"`
	FirstName *string         `db:"first_name" json:"first_name,omitempty"`
	LastName  *string         `db:"last_name" json:"last_name,omitempty"`
	Language  *string         `db:"language" json:"language,omitempty"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	Trial     TrialState      `db:"trial" json:"trial"`
	IsBot     bool            `db:"is_bot" json:"is_bot"`
	IsBanned  bool            `db:"is_banned" json:"is_banned"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
