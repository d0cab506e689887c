package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type tempDataRepository struct {
	pool *pgxpool.Pool
}

func NewTempDataRepository(pool *pgxpool.Pool) repository.TempDataRepository {
	return &tempDataRepository{pool: pool}
}

var _ repository.TempDataRepository = (*tempDataRepository)(nil)

func (r *tempDataRepository) Find(ctx context.Context, tgID int64) (*model.TemporaryData, error) {
	var td model.TemporaryData
	err := r.pool.QueryRow(
		ctx,
		`SELECT tg_id, state, data, updated_at FROM temporary_data WHERE tg_id = $1`,
		tgID,
	).Scan(&td.TgID, &td.State, &td.Data, &td.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &td, nil
}

func (r *tempDataRepository) Set(ctx context.Context, tgID int64, state string, data json.RawMessage) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO temporary_data (tg_id, state, data, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tg_id)
		 DO UPDATE SET state = EXCLUDED.state,
		               data = EXCLUDED.data,
		               updated_at = EXCLUDED.updated_at`,
		tgID, state, data, time.Now().UTC(),
	)
	return err
}

func (r *tempDataRepository) Delete(ctx context.Context, tgID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM temporary_data WHERE tg_id = $1`, tgID)
	return err
}

func (r *tempDataRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM temporary_data WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
