package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type referralRepository struct {
	pool *pgxpool.Pool
}

func NewReferralRepository(pool *pgxpool.Pool) repository.ReferralRepository {
	return &referralRepository{pool: pool}
}

var _ repository.ReferralRepository = (*referralRepository)(nil)

func (r *referralRepository) Create(ctx context.Context, referral *model.Referral) error {
	if referral.CreatedAt.IsZero() {
		referral.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO referrals (referrer_tg_id, referred_tg_id, created_at) VALUES ($1, $2, $3)`,
		referral.ReferrerTgID, referral.ReferredTgID, referral.CreatedAt,
	)
	return mapUniqueViolation(err)
}

func (r *referralRepository) CountByReferrer(ctx context.Context, referrerTgID int64) (int64, error) {
	var total int64
	err := r.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_tg_id = $1`,
		referrerTgID,
	).Scan(&total)
	return total, err
}
