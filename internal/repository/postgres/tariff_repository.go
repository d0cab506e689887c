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

type tariffRepository struct {
	pool *pgxpool.Pool
}

func NewTariffRepository(pool *pgxpool.Pool) repository.TariffRepository {
	return &tariffRepository{pool: pool}
}

var _ repository.TariffRepository = (*tariffRepository)(nil)

const tariffColumns = `
	id,
	name,
	group_code,
	subgroup_title,
	duration_days,
	price_rub,
	traffic_limit,
	device_limit,
	is_active,
	configurable,
	device_options,
	traffic_options_gb,
	device_step_rub,
	traffic_step_rub,
	device_overrides,
	traffic_overrides,
	created_at,
	updated_at
`

func scanTariff(row scanTarget) (*model.Tariff, error) {
	var t model.Tariff
	var deviceOptions, trafficOptions, deviceOverrides, trafficOverrides []byte
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.GroupCode,
		&t.SubgroupTitle,
		&t.DurationDays,
		&t.PriceRub,
		&t.TrafficLimit,
		&t.DeviceLimit,
		&t.IsActive,
		&t.Configurable,
		&deviceOptions,
		&trafficOptions,
		&t.DeviceStepRub,
		&t.TrafficStepRub,
		&deviceOverrides,
		&trafficOverrides,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := decodeJSON(deviceOptions, &t.DeviceOptions); err != nil {
		return nil, err
	}
	if err := decodeJSON(trafficOptions, &t.TrafficOptionsGB); err != nil {
		return nil, err
	}
	if err := decodeJSON(deviceOverrides, &t.DeviceOverrides); err != nil {
		return nil, err
	}
	if err := decodeJSON(trafficOverrides, &t.TrafficOverrides); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeJSON(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func encodeJSON(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func (r *tariffRepository) FindByID(ctx context.Context, id int64) (*model.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE id = $1`
	tariff, err := scanTariff(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tariff, nil
}

func (r *tariffRepository) ListByGroup(ctx context.Context, groupCode string, activeOnly bool) ([]*model.Tariff, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariffs WHERE group_code = $1`
	if activeOnly {
		query += ` AND is_active = true`
	}
	query += ` ORDER BY duration_days ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, groupCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTariffs(rows)
}

func (r *tariffRepository) List(ctx context.Context) ([]*model.Tariff, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+tariffColumns+` FROM tariffs ORDER BY group_code ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTariffs(rows)
}

func collectTariffs(rows pgx.Rows) ([]*model.Tariff, error) {
	tariffs := make([]*model.Tariff, 0, 16)
	for rows.Next() {
		tariff, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		tariffs = append(tariffs, tariff)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tariffs, nil
}

func (r *tariffRepository) Create(ctx context.Context, tariff *model.Tariff) error {
	now := time.Now().UTC()
	if tariff.CreatedAt.IsZero() {
		tariff.CreatedAt = now
	}
	if tariff.UpdatedAt.IsZero() {
		tariff.UpdatedAt = tariff.CreatedAt
	}

	deviceOptions, err := encodeJSON(tariff.DeviceOptions)
	if err != nil {
		return err
	}
	trafficOptions, err := encodeJSON(tariff.TrafficOptionsGB)
	if err != nil {
		return err
	}
	deviceOverrides, err := encodeJSON(tariff.DeviceOverrides)
	if err != nil {
		return err
	}
	trafficOverrides, err := encodeJSON(tariff.TrafficOverrides)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tariffs (
			name, group_code, subgroup_title, duration_days, price_rub,
			traffic_limit, device_limit, is_active, configurable,
			device_options, traffic_options_gb, device_step_rub,
			traffic_step_rub, device_overrides, traffic_overrides,
			created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17
		)
		RETURNING id
	`

	return r.pool.QueryRow(
		ctx,
		query,
		tariff.Name,
		tariff.GroupCode,
		tariff.SubgroupTitle,
		tariff.DurationDays,
		tariff.PriceRub,
		tariff.TrafficLimit,
		tariff.DeviceLimit,
		tariff.IsActive,
		tariff.Configurable,
		deviceOptions,
		trafficOptions,
		tariff.DeviceStepRub,
		tariff.TrafficStepRub,
		deviceOverrides,
		trafficOverrides,
		tariff.CreatedAt,
		tariff.UpdatedAt,
	).Scan(&tariff.ID)
}

func (r *tariffRepository) Update(ctx context.Context, tariff *model.Tariff) error {
	tariff.UpdatedAt = time.Now().UTC()

	deviceOptions, err := encodeJSON(tariff.DeviceOptions)
	if err != nil {
		return err
	}
	trafficOptions, err := encodeJSON(tariff.TrafficOptionsGB)
	if err != nil {
		return err
	}
	deviceOverrides, err := encodeJSON(tariff.DeviceOverrides)
	if err != nil {
		return err
	}
	trafficOverrides, err := encodeJSON(tariff.TrafficOverrides)
	if err != nil {
		return err
	}

	query := `
		UPDATE tariffs
		SET name = $2,
			group_code = $3,
			subgroup_title = $4,
			duration_days = $5,
			price_rub = $6,
			traffic_limit = $7,
			device_limit = $8,
			is_active = $9,
			configurable = $10,
			device_options = $11,
			traffic_options_gb = $12,
			device_step_rub = $13,
			traffic_step_rub = $14,
			device_overrides = $15,
			traffic_overrides = $16,
			updated_at = $17
		WHERE id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		tariff.ID,
		tariff.Name,
		tariff.GroupCode,
		tariff.SubgroupTitle,
		tariff.DurationDays,
		tariff.PriceRub,
		tariff.TrafficLimit,
		tariff.DeviceLimit,
		tariff.IsActive,
		tariff.Configurable,
		deviceOptions,
		trafficOptions,
		tariff.DeviceStepRub,
		tariff.TrafficStepRub,
		deviceOverrides,
		trafficOverrides,
		tariff.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *tariffRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM tariffs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}
