package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type adminRepository struct {
	pool *pgxpool.Pool
}

func NewAdminRepository(pool *pgxpool.Pool) repository.AdminRepository {
	return &adminRepository{pool: pool}
}

var _ repository.AdminRepository = (*adminRepository)(nil)

const adminColumns = `tg_id, role, token_hash, token_salt, description, created_at`

func scanAdmin(row scanTarget) (*model.Admin, error) {
	var a model.Admin
	if err := row.Scan(&a.TgID, &a.Role, &a.TokenHash, &a.TokenSalt, &a.Description, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *adminRepository) FindByTgID(ctx context.Context, tgID int64) (*model.Admin, error) {
	admin, err := scanAdmin(r.pool.QueryRow(
		ctx,
		`SELECT `+adminColumns+` FROM admins WHERE tg_id = $1`,
		tgID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return admin, nil
}

func (r *adminRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*model.Admin, error) {
	admin, err := scanAdmin(r.pool.QueryRow(
		ctx,
		`SELECT `+adminColumns+` FROM admins WHERE token_hash = $1`,
		tokenHash,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return admin, nil
}

func (r *adminRepository) Create(ctx context.Context, admin *model.Admin) error {
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO admins (tg_id, role, token_hash, token_salt, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		admin.TgID, admin.Role, admin.TokenHash, admin.TokenSalt, admin.Description, admin.CreatedAt,
	)
	return mapUniqueViolation(err)
}

func (r *adminRepository) Delete(ctx context.Context, tgID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM admins WHERE tg_id = $1`, tgID)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *adminRepository) List(ctx context.Context) ([]*model.Admin, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+adminColumns+` FROM admins ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	admins := make([]*model.Admin, 0, 8)
	for rows.Next() {
		admin, err := scanAdmin(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, admin)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return admins, nil
}
