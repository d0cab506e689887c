package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return &userRepository{pool: pool}
}

var _ repository.UserRepository = (*userRepository)(nil)

const userColumns = `
	tg_id,
	username,
	first_name,
	last_name,
	language,
	balance::text,
	trial,
	is_bot,
	is_banned,
	created_at,
	updated_at
`

func scanUser(row scanTarget) (*model.User, error) {
	var u model.User
	var balance string
	if err := row.Scan(
		&u.TgID,
		&u.Username,
		&u.FirstName,
		&u.LastName,
		&u.Language,
		&balance,
		&u.Trial,
		&u.IsBot,
		&u.IsBanned,
		&u.CreatedAt,
		&u.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, err
	}
	u.Balance = parsed
	return &u, nil
}

func (r *userRepository) FindByTgID(ctx context.Context, tgID int64) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tg_id = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, tgID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}

	query := `
		INSERT INTO users (
			tg_id, username, first_name, last_name, language,
			balance, trial, is_bot, is_banned, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		user.TgID,
		user.Username,
		user.FirstName,
		user.LastName,
		user.Language,
		user.Balance.String(),
		user.Trial,
		user.IsBot,
		user.IsBanned,
		user.CreatedAt,
		user.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (r *userRepository) Update(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE users
		SET username = $2,
			first_name = $3,
			last_name = $4,
			language = $5,
			trial = $6,
			is_bot = $7,
			is_banned = $8,
			updated_at = $9
		WHERE tg_id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		user.TgID,
		user.Username,
		user.FirstName,
		user.LastName,
		user.Language,
		user.Trial,
		user.IsBot,
		user.IsBanned,
		user.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) AdjustBalance(ctx context.Context, tgID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	query := `
		UPDATE users
		SET balance = balance + $2::numeric,
			updated_at = $3
		WHERE tg_id = $1
		  AND balance + $2::numeric >= 0
		RETURNING balance::text
	`

	var balance string
	err := r.pool.QueryRow(ctx, query, tgID, delta.String(), time.Now().UTC()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

func (r *userRepository) SetTrial(ctx context.Context, tgID int64, state model.TrialState) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE users SET trial = $2, updated_at = $3 WHERE tg_id = $1`,
		tgID, state, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) SetBanned(ctx context.Context, tgID int64, banned bool) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE users SET is_banned = $2, updated_at = $3 WHERE tg_id = $1`,
		tgID, banned, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total)
	return total, err
}
