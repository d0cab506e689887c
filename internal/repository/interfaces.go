package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vpnhub/internal/model"
)

var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a unique constraint rejects a write
// (duplicate external payment id, referral pair, coupon redemption).
var ErrDuplicate = errors.New("duplicate record")

type Pagination struct {
	Limit  int32 `json:"limit"`
	Offset int32 `json:"offset"`
}

type KeyListFilter struct {
	TgID       *int64     `json:"tg_id,omitempty"`
	ServerID   *string    `json:"server_id,omitempty"`
	Frozen     *bool      `json:"frozen,omitempty"`
	ExpiringBy *int64     `json:"expiring_by,omitempty"`
	Pagination Pagination `json:"pagination"`
}

type UserRepository interface {
	FindByTgID(ctx context.Context, tgID int64) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	Update(ctx context.Context, user *model.User) error
	// AdjustBalance applies a signed delta and fails with ErrNotFound if the
	// user is missing or the result would go negative.
	AdjustBalance(ctx context.Context, tgID int64, delta decimal.Decimal) (decimal.Decimal, error)
	SetTrial(ctx context.Context, tgID int64, state model.TrialState) error
	SetBanned(ctx context.Context, tgID int64, banned bool) error
	Count(ctx context.Context) (int64, error)
}

type KeyRepository interface {
	FindByClientID(ctx context.Context, clientID uuid.UUID) (*model.Key, error)
	FindByEmail(ctx context.Context, email string) (*model.Key, error)
	Create(ctx context.Context, key *model.Key) error
	Update(ctx context.Context, key *model.Key) error
	Delete(ctx context.Context, clientID uuid.UUID) error
	List(ctx context.Context, filter KeyListFilter) ([]*model.Key, error)
	// ListUnfrozen returns every non-frozen key in one pass for the
	// notification tick.
	ListUnfrozen(ctx context.Context) ([]*model.Key, error)
	CountActiveByCluster(ctx context.Context) (map[string]int64, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	SetNotified(ctx context.Context, clientID uuid.UUID, notified bool) error
}

type TariffRepository interface {
	FindByID(ctx context.Context, id int64) (*model.Tariff, error)
	ListByGroup(ctx context.Context, groupCode string, activeOnly bool) ([]*model.Tariff, error)
	List(ctx context.Context) ([]*model.Tariff, error)
	Create(ctx context.Context, tariff *model.Tariff) error
	Update(ctx context.Context, tariff *model.Tariff) error
	Delete(ctx context.Context, id int64) error
}

type PaymentRepository interface {
	Create(ctx context.Context, payment *model.Payment) error
	FindByExternalID(ctx context.Context, system, paymentID string) (*model.Payment, error)
	// HasRecentSuccess is the 60-second duplicate-webhook look-back: it
	// reports whether a success row matching the triple exists since the
	// given instant.
	HasRecentSuccess(ctx context.Context, tgID int64, amount decimal.Decimal, system string, since time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id int64, status model.PaymentStatus) error
	SumSuccessful(ctx context.Context, from, to time.Time) (decimal.Decimal, error)
	ListByUser(ctx context.Context, tgID int64, page Pagination) ([]*model.Payment, error)
}

type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (*model.Coupon, error)
	Create(ctx context.Context, coupon *model.Coupon) error
	Update(ctx context.Context, coupon *model.Coupon) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, page Pagination) ([]*model.Coupon, error)
	// RecordUsage inserts the (coupon, user) pair and bumps usage_count in
	// one transaction; ErrDuplicate on a repeat redemption.
	RecordUsage(ctx context.Context, couponID, userID int64) error
}

type NotificationRepository interface {
	Find(ctx context.Context, tgID int64, notificationType string) (*model.NotificationRecord, error)
	Upsert(ctx context.Context, tgID int64, notificationType string, at time.Time) error
	Delete(ctx context.Context, tgID int64, notificationTypes ...string) error
}

type SettingRepository interface {
	Get(ctx context.Context, key string) (*model.Setting, error)
	Upsert(ctx context.Context, setting *model.Setting) error
	List(ctx context.Context) ([]*model.Setting, error)
}

type TempDataRepository interface {
	Find(ctx context.Context, tgID int64) (*model.TemporaryData, error)
	Set(ctx context.Context, tgID int64, state string, data json.RawMessage) error
	Delete(ctx context.Context, tgID int64) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type ReferralRepository interface {
	Create(ctx context.Context, referral *model.Referral) error
	CountByReferrer(ctx context.Context, referrerTgID int64) (int64, error)
}

type AdminRepository interface {
	FindByTgID(ctx context.Context, tgID int64) (*model.Admin, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (*model.Admin, error)
	Create(ctx context.Context, admin *model.Admin) error
	Delete(ctx context.Context, tgID int64) error
	List(ctx context.Context) ([]*model.Admin, error)
}
