package model

import "time"

type Referral struct {
	ReferrerTgID int64     `db:"referrer_tg_id" json:"referrer_tg_id"`
	ReferredTgID int64     `db:"referred_tg_id" json:"referred_tg_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
