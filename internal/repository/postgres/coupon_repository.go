package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type couponRepository struct {
	pool *pgxpool.Pool
}

func NewCouponRepository(pool *pgxpool.Pool) repository.CouponRepository {
	return &couponRepository{pool: pool}
}

var _ repository.CouponRepository = (*couponRepository)(nil)

const couponColumns = `
	id,
	code,
	amount::text,
	days,
	percent,
	usage_limit,
	usage_count,
	is_used,
	new_users_only,
	created_at
`

func scanCoupon(row scanTarget) (*model.Coupon, error) {
	var c model.Coupon
	var amount *string
	if err := row.Scan(
		&c.ID,
		&c.Code,
		&amount,
		&c.Days,
		&c.Percent,
		&c.UsageLimit,
		&c.UsageCount,
		&c.IsUsed,
		&c.NewUsersOnly,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}

	if amount != nil {
		parsed, err := decimal.NewFromString(*amount)
		if err != nil {
			return nil, err
		}
		c.Amount = &parsed
	}
	return &c, nil
}

func (r *couponRepository) FindByCode(ctx context.Context, code string) (*model.Coupon, error) {
	query := `SELECT ` + couponColumns + ` FROM coupons WHERE code = $1`
	coupon, err := scanCoupon(r.pool.QueryRow(ctx, query, strings.TrimSpace(code)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return coupon, nil
}

func (r *couponRepository) Create(ctx context.Context, coupon *model.Coupon) error {
	if coupon.CreatedAt.IsZero() {
		coupon.CreatedAt = time.Now().UTC()
	}

	var amount *string
	if coupon.Amount != nil {
		s := coupon.Amount.String()
		amount = &s
	}

	query := `
		INSERT INTO coupons (
			code, amount, days, percent, usage_limit, usage_count,
			is_used, new_users_only, created_at
		)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err := r.pool.QueryRow(
		ctx,
		query,
		strings.TrimSpace(coupon.Code),
		amount,
		coupon.Days,
		coupon.Percent,
		coupon.UsageLimit,
		coupon.UsageCount,
		coupon.IsUsed,
		coupon.NewUsersOnly,
		coupon.CreatedAt,
	).Scan(&coupon.ID)
	return mapUniqueViolation(err)
}

func (r *couponRepository) Update(ctx context.Context, coupon *model.Coupon) error {
	var amount *string
	if coupon.Amount != nil {
		s := coupon.Amount.String()
		amount = &s
	}

	query := `
		UPDATE coupons
		SET code = $2,
			amount = $3::numeric,
			days = $4,
			percent = $5,
			usage_limit = $6,
			usage_count = $7,
			is_used = $8,
			new_users_only = $9
		WHERE id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		coupon.ID,
		strings.TrimSpace(coupon.Code),
		amount,
		coupon.Days,
		coupon.Percent,
		coupon.UsageLimit,
		coupon.UsageCount,
		coupon.IsUsed,
		coupon.NewUsersOnly,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *couponRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM coupons WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *couponRepository) List(ctx context.Context, page repository.Pagination) ([]*model.Coupon, error) {
	limit, offset := normalizePagination(page)
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	coupons := make([]*model.Coupon, 0, limit)
	for rows.Next() {
		coupon, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, coupon)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return coupons, nil
}

// RecordUsage inserts the redemption pair and bumps the counter in one
// transaction. The unique (coupon_id, user_id) index rejects repeats.
func (r *couponRepository) RecordUsage(ctx context.Context, couponID, userID int64) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(
			ctx,
			`INSERT INTO coupon_usages (coupon_id, user_id, used_at) VALUES ($1, $2, $3)`,
			couponID, userID, time.Now().UTC(),
		)
		if err != nil {
			return mapUniqueViolation(err)
		}

		tag, err := tx.Exec(
			ctx,
			`UPDATE coupons
			    SET usage_count = usage_count + 1,
			        is_used = (usage_count + 1 >= usage_limit)
			  WHERE id = $1 AND usage_count < usage_limit`,
			couponID,
		)
		if err != nil {
			return err
		}
		return ensureAffected(tag)
	})
}
