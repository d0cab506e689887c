package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type keyRepository struct {
	pool *pgxpool.Pool
}

func NewKeyRepository(pool *pgxpool.Pool) repository.KeyRepository {
	return &keyRepository{pool: pool}
}

var _ repository.KeyRepository = (*keyRepository)(nil)

const keyColumns = `
	client_id,
	tg_id,
	email,
	server_id,
	expiry_time,
	is_frozen,
	tariff_id,
	selected_device_limit,
	selected_traffic_limit,
	selected_price_rub,
	current_device_limit,
	current_traffic_limit,
	legacy_link,
	modern_link,
	alias,
	notified,
	created_at,
	updated_at
`

func scanKey(row scanTarget) (*model.Key, error) {
	var k model.Key
	if err := row.Scan(
		&k.ClientID,
		&k.TgID,
		&k.Email,
		&k.ServerID,
		&k.ExpiryTime,
		&k.IsFrozen,
		&k.TariffID,
		&k.SelectedDeviceLimit,
		&k.SelectedTrafficLimit,
		&k.SelectedPriceRub,
		&k.CurrentDeviceLimit,
		&k.CurrentTrafficLimit,
		&k.LegacyLink,
		&k.ModernLink,
		&k.Alias,
		&k.Notified,
		&k.CreatedAt,
		&k.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *keyRepository) FindByClientID(ctx context.Context, clientID uuid.UUID) (*model.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM keys WHERE client_id = $1`
	key, err := scanKey(r.pool.QueryRow(ctx, query, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (r *keyRepository) FindByEmail(ctx context.Context, email string) (*model.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM keys WHERE email = $1`
	key, err := scanKey(r.pool.QueryRow(ctx, query, strings.ToLower(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (r *keyRepository) Create(ctx context.Context, key *model.Key) error {
	if key.ClientID == uuid.Nil {
		key.ClientID = uuid.New()
	}
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	if key.UpdatedAt.IsZero() {
		key.UpdatedAt = key.CreatedAt
	}

	query := `
		INSERT INTO keys (
			client_id, tg_id, email, server_id, expiry_time, is_frozen,
			tariff_id, selected_device_limit, selected_traffic_limit,
			selected_price_rub, current_device_limit, current_traffic_limit,
			legacy_link, modern_link, alias, notified, created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		key.ClientID,
		key.TgID,
		strings.ToLower(key.Email),
		key.ServerID,
		key.ExpiryTime,
		key.IsFrozen,
		key.TariffID,
		key.SelectedDeviceLimit,
		key.SelectedTrafficLimit,
		key.SelectedPriceRub,
		key.CurrentDeviceLimit,
		key.CurrentTrafficLimit,
		key.LegacyLink,
		key.ModernLink,
		key.Alias,
		key.Notified,
		key.CreatedAt,
		key.UpdatedAt,
	)
	return mapUniqueViolation(err)
}

func (r *keyRepository) Update(ctx context.Context, key *model.Key) error {
	key.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE keys
		SET tg_id = $2,
			email = $3,
			server_id = $4,
			expiry_time = $5,
			is_frozen = $6,
			tariff_id = $7,
			selected_device_limit = $8,
			selected_traffic_limit = $9,
			selected_price_rub = $10,
			current_device_limit = $11,
			current_traffic_limit = $12,
			legacy_link = $13,
			modern_link = $14,
			alias = $15,
			notified = $16,
			updated_at = $17
		WHERE client_id = $1
	`

	tag, err := r.pool.Exec(
		ctx,
		query,
		key.ClientID,
		key.TgID,
		strings.ToLower(key.Email),
		key.ServerID,
		key.ExpiryTime,
		key.IsFrozen,
		key.TariffID,
		key.SelectedDeviceLimit,
		key.SelectedTrafficLimit,
		key.SelectedPriceRub,
		key.CurrentDeviceLimit,
		key.CurrentTrafficLimit,
		key.LegacyLink,
		key.ModernLink,
		key.Alias,
		key.Notified,
		key.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *keyRepository) Delete(ctx context.Context, clientID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM keys WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *keyRepository) List(ctx context.Context, filter repository.KeyListFilter) ([]*model.Key, error) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.TgID != nil {
		args = append(args, *filter.TgID)
		conditions = append(conditions, fmt.Sprintf("tg_id = $%d", len(args)))
	}
	if filter.ServerID != nil {
		args = append(args, *filter.ServerID)
		conditions = append(conditions, fmt.Sprintf("server_id = $%d", len(args)))
	}
	if filter.Frozen != nil {
		args = append(args, *filter.Frozen)
		conditions = append(conditions, fmt.Sprintf("is_frozen = $%d", len(args)))
	}
	if filter.ExpiringBy != nil {
		args = append(args, *filter.ExpiringBy)
		conditions = append(conditions, fmt.Sprintf("expiry_time <= $%d AND is_frozen = false", len(args)))
	}

	query := `SELECT ` + keyColumns + ` FROM keys`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	limit, offset := normalizePagination(filter.Pagination)
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectKeys(rows)
}

func (r *keyRepository) ListUnfrozen(ctx context.Context) ([]*model.Key, error) {
	query := `SELECT ` + keyColumns + ` FROM keys WHERE is_frozen = false ORDER BY expiry_time ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectKeys(rows)
}

func collectKeys(rows pgx.Rows) ([]*model.Key, error) {
	keys := make([]*model.Key, 0, 64)
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *keyRepository) CountActiveByCluster(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(
		ctx,
		`SELECT server_id, COUNT(*)
		   FROM keys
		  WHERE is_frozen = false
		  GROUP BY server_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var serverID string
		var total int64
		if err := rows.Scan(&serverID, &total); err != nil {
			return nil, err
		}
		counts[serverID] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *keyRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM keys WHERE email = $1)`,
		strings.ToLower(email),
	).Scan(&exists)
	return exists, err
}

func (r *keyRepository) SetNotified(ctx context.Context, clientID uuid.UUID, notified bool) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE keys SET notified = $2, updated_at = $3 WHERE client_id = $1`,
		clientID, notified, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}
