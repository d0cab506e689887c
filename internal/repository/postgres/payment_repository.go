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

type paymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) repository.PaymentRepository {
	return &paymentRepository{pool: pool}
}

var _ repository.PaymentRepository = (*paymentRepository)(nil)

const paymentColumns = `
	id,
	tg_id,
	amount::text,
	payment_system,
	status,
	currency,
	payment_id,
	created_at
`

func scanPayment(row scanTarget) (*model.Payment, error) {
	var p model.Payment
	var amount string
	if err := row.Scan(
		&p.ID,
		&p.TgID,
		&amount,
		&p.PaymentSystem,
		&p.Status,
		&p.Currency,
		&p.PaymentID,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	p.Amount = parsed
	return &p, nil
}

func (r *paymentRepository) Create(ctx context.Context, payment *model.Payment) error {
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO payments (
			tg_id, amount, payment_system, status, currency, payment_id, created_at
		)
		VALUES ($1, $2::numeric, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := r.pool.QueryRow(
		ctx,
		query,
		payment.TgID,
		payment.Amount.String(),
		payment.PaymentSystem,
		payment.Status,
		payment.Currency,
		payment.PaymentID,
		payment.CreatedAt,
	).Scan(&payment.ID)
	return mapUniqueViolation(err)
}

func (r *paymentRepository) FindByExternalID(ctx context.Context, system, paymentID string) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_system = $1 AND payment_id = $2`
	payment, err := scanPayment(r.pool.QueryRow(ctx, query, system, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (r *paymentRepository) HasRecentSuccess(
	ctx context.Context,
	tgID int64,
	amount decimal.Decimal,
	system string,
	since time.Time,
) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM payments
			 WHERE tg_id = $1
			   AND amount = $2::numeric
			   AND payment_system = $3
			   AND status = $4
			   AND created_at >= $5
		)`,
		tgID, amount.String(), system, model.PaymentStatusSuccess, since,
	).Scan(&exists)
	return exists, err
}

func (r *paymentRepository) UpdateStatus(ctx context.Context, id int64, status model.PaymentStatus) error {
	tag, err := r.pool.Exec(
		ctx,
		`UPDATE payments SET status = $2 WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *paymentRepository) SumSuccessful(ctx context.Context, from, to time.Time) (decimal.Decimal, error) {
	var sum string
	err := r.pool.QueryRow(
		ctx,
		`SELECT COALESCE(SUM(amount), 0)::text
		   FROM payments
		  WHERE status = $1 AND created_at >= $2 AND created_at <= $3`,
		model.PaymentStatusSuccess, from, to,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

func (r *paymentRepository) ListByUser(ctx context.Context, tgID int64, page repository.Pagination) ([]*model.Payment, error) {
	limit, offset := normalizePagination(page)
	rows, err := r.pool.Query(
		ctx,
		`SELECT `+paymentColumns+`
		   FROM payments
		  WHERE tg_id = $1
		  ORDER BY created_at DESC
		  LIMIT $2 OFFSET $3`,
		tgID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]*model.Payment, 0, limit)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}
