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

type notificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) repository.NotificationRepository {
	return &notificationRepository{pool: pool}
}

var _ repository.NotificationRepository = (*notificationRepository)(nil)

func (r *notificationRepository) Find(ctx context.Context, tgID int64, notificationType string) (*model.NotificationRecord, error) {
	var rec model.NotificationRecord
	err := r.pool.QueryRow(
		ctx,
		`SELECT tg_id, notification_type, last_notification_time
		   FROM notifications
		  WHERE tg_id = $1 AND notification_type = $2`,
		tgID, notificationType,
	).Scan(&rec.TgID, &rec.NotificationType, &rec.LastNotificationTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *notificationRepository) Upsert(ctx context.Context, tgID int64, notificationType string, at time.Time) error {
	_, err := r.pool.Exec(
		ctx,
		`INSERT INTO notifications (tg_id, notification_type, last_notification_time)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tg_id, notification_type)
		 DO UPDATE SET last_notification_time = EXCLUDED.last_notification_time`,
		tgID, notificationType, at.UTC(),
	)
	return err
}

func (r *notificationRepository) Delete(ctx context.Context, tgID int64, notificationTypes ...string) error {
	if len(notificationTypes) == 0 {
		return nil
	}
	_, err := r.pool.Exec(
		ctx,
		`DELETE FROM notifications WHERE tg_id = $1 AND notification_type = ANY($2)`,
		tgID, notificationTypes,
	)
	return err
}
