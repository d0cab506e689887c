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

type settingRepository struct {
	pool *pgxpool.Pool
}

func NewSettingRepository(pool *pgxpool.Pool) repository.SettingRepository {
	return &settingRepository{pool: pool}
}

var _ repository.SettingRepository = (*settingRepository)(nil)

func (r *settingRepository) Get(ctx context.Context, key string) (*model.Setting, error) {
	var s model.Setting
	err := r.pool.QueryRow(
		ctx,
		`SELECT key, value, description, updated_at FROM settings WHERE key = $1`,
		key,
	).Scan(&s.Key, &s.Value, &s.Description, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *settingRepository) Upsert(ctx context.Context, setting *model.Setting) error {
	setting.UpdatedAt = time.Now().UTC()
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO settings (key, value, description, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key)
		 DO UPDATE SET value = EXCLUDED.value,
		               description = COALESCE(EXCLUDED.description, settings.description),
		               updated_at = EXCLUDED.updated_at`,
		setting.Key, setting.Value, setting.Description, setting.UpdatedAt,
	)
	return err
}

func (r *settingRepository) List(ctx context.Context) ([]*model.Setting, error) {
	rows, err := r.pool.Query(ctx, `SELECT key, value, description, updated_at FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make([]*model.Setting, 0, 16)
	for rows.Next() {
		var s model.Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.Description, &s.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return settings, nil
}
