package model

import "time"

type AdminRole string

const (
	AdminRoleSuperadmin AdminRole = "superadmin"
	AdminRoleModerator  AdminRole = "moderator"
)

// Admin holds an API token as salted SHA-256; the raw token is shown once
// at creation time and never stored.
type Admin struct {
	TgID        int64     `db:"tg_id" json:"tg_id"`
	Role        AdminRole `db:"role" json:"role"`
	TokenHash   string    `db:"token_hash" json:"-"`
	TokenSalt   string    `db:"token_salt" json:"-"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
