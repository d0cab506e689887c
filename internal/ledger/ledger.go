// Package ledger pairs every balance change with an append-only payments
// row and drives the payment-intent flow: commands short on funds are
// parked in temporary data and resumed when a verified credit arrives.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicatePayment    = errors.New("duplicate payment")
	ErrUserNotFound        = errors.New("user not found")
)

// SystemBalance tags ledger rows written for internal debits and refunds,
// as opposed to provider-credited rows.
const SystemBalance = "balance"

// dedupeWindow is the duplicate-webhook look-back on (tg_id, amount,
// system) before a credit row is written.
const dedupeWindow = 60 * time.Second

// ResumeFunc replays a deferred command after a credit covered its
// shortfall. It must delete the temporary data itself on success.
type ResumeFunc func(ctx context.Context, tgID int64, state string, command json.RawMessage) error

// Intent is the envelope parked in temporary data while the user pays.
type Intent struct {
	Shortfall decimal.Decimal `json:"shortfall"`
	Command   json.RawMessage `json:"command"`
}

type Ledger struct {
	users    repository.UserRepository
	payments repository.PaymentRepository
	tempData repository.TempDataRepository
	logger   *zap.Logger

	resume ResumeFunc
	now    func() time.Time
}

func New(
	users repository.UserRepository,
	payments repository.PaymentRepository,
	tempData repository.TempDataRepository,
	logger *zap.Logger,
) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		users:    users,
		payments: payments,
		tempData: tempData,
		logger:   logger,
		now:      time.Now,
	}
}

// SetResumeFunc installs the deferred-command replayer. Set after
// construction to break the ledger/service cycle.
func (l *Ledger) SetResumeFunc(fn ResumeFunc) { l.resume = fn }

func (l *Ledger) Balance(ctx context.Context, tgID int64) (decimal.Decimal, error) {
	user, err := l.users.FindByTgID(ctx, tgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return decimal.Zero, ErrUserNotFound
		}
		return decimal.Zero, err
	}
	return user.Balance, nil
}

// Credit applies a verified provider payment exactly once. Duplicate
// webhooks are rejected both by the (system, payment_id) unique row and
// by a 60-second look-back on the (tg_id, amount, system) triple. On
// success it checks for a parked intent and resumes it when the new
// balance covers the recorded shortfall.
func (l *Ledger) Credit(ctx context.Context, tgID int64, amount decimal.Decimal, system, externalID string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("credit amount must be positive, got %s", amount)
	}

	if externalID != "" {
		existing, err := l.payments.FindByExternalID(ctx, system, externalID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return decimal.Zero, err
		}
		if existing != nil {
			return decimal.Zero, ErrDuplicatePayment
		}
	}

	since := l.now().Add(-dedupeWindow)
	recent, err := l.payments.HasRecentSuccess(ctx, tgID, amount, system, since)
	if err != nil {
		return decimal.Zero, err
	}
	if recent {
		return decimal.Zero, ErrDuplicatePayment
	}

	payment := &model.Payment{
		TgID:          tgID,
		Amount:        amount,
		PaymentSystem: system,
		Status:        model.PaymentStatusSuccess,
		Currency:      "RUB",
		PaymentID:     externalID,
		CreatedAt:     l.now().UTC(),
	}
	if err := l.payments.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return decimal.Zero, ErrDuplicatePayment
		}
		return decimal.Zero, err
	}

	balance, err := l.users.AdjustBalance(ctx, tgID, amount)
	if err != nil {
		return decimal.Zero, err
	}

	l.logger.Info("balance credited",
		zap.Int64("tg_id", tgID),
		zap.String("amount", amount.String()),
		zap.String("system", system),
	)

	l.maybeResume(ctx, tgID, amount)
	return balance, nil
}

// Debit withdraws synchronously; it never leaves the balance negative.
func (l *Ledger) Debit(ctx context.Context, tgID int64, amount decimal.Decimal, reason string) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("debit amount must be non-negative, got %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	user, err := l.users.FindByTgID(ctx, tgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}
	if user.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}

	if _, err := l.users.AdjustBalance(ctx, tgID, amount.Neg()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Raced below zero between read and write.
			return ErrInsufficientBalance
		}
		return err
	}

	if err := l.payments.Create(ctx, l.internalRow(tgID, amount, reason)); err != nil {
		l.logger.Error("debit applied but ledger row failed",
			zap.Int64("tg_id", tgID),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
	}
	return nil
}

// Refund is the compensating credit for a debit whose business operation
// failed after the money moved.
func (l *Ledger) Refund(ctx context.Context, tgID int64, amount decimal.Decimal, reason string) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if _, err := l.users.AdjustBalance(ctx, tgID, amount); err != nil {
		return err
	}
	if err := l.payments.Create(ctx, l.internalRow(tgID, amount, "refund:"+reason)); err != nil {
		l.logger.Error("refund applied but ledger row failed",
			zap.Int64("tg_id", tgID),
			zap.Error(err),
		)
	}
	l.logger.Info("balance refunded",
		zap.Int64("tg_id", tgID),
		zap.String("amount", amount.String()),
		zap.String("reason", reason),
	)
	return nil
}

// SweepStale removes parked intents older than maxAge. Their users walked
// away from the checkout; a credit arriving later just tops up the balance.
func (l *Ledger) SweepStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	removed, err := l.tempData.DeleteOlderThan(ctx, l.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("sweep stale intents: %w", err)
	}
	if removed > 0 {
		l.logger.Info("stale payment intents swept", zap.Int64("removed", removed))
	}
	return removed, nil
}

func (l *Ledger) internalRow(tgID int64, amount decimal.Decimal, reason string) *model.Payment {
	return &model.Payment{
		TgID:          tgID,
		Amount:        amount,
		PaymentSystem: SystemBalance,
		Status:        model.PaymentStatusSuccess,
		Currency:      "RUB",
		PaymentID:     fmt.Sprintf("%s_%d_%d", reason, tgID, l.now().UnixNano()),
		CreatedAt:     l.now().UTC(),
	}
}

// Shortfall is what the user still has to pay: ceil(price − balance),
// floored at zero.
func Shortfall(price, balance decimal.Decimal) decimal.Decimal {
	diff := price.Sub(balance)
	if diff.Sign() <= 0 {
		return decimal.Zero
	}
	return diff.Ceil()
}

// StashIntent parks a deferred command under the user's temporary data.
// A later Credit covering the shortfall resumes it.
func (l *Ledger) StashIntent(ctx context.Context, tgID int64, state string, shortfall decimal.Decimal, command json.RawMessage) error {
	blob, err := json.Marshal(Intent{Shortfall: shortfall, Command: command})
	if err != nil {
		return err
	}
	return l.tempData.Set(ctx, tgID, state, blob)
}

// DropIntent discards a parked command, e.g. when the user cancels.
func (l *Ledger) DropIntent(ctx context.Context, tgID int64) error {
	err := l.tempData.Delete(ctx, tgID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (l *Ledger) maybeResume(ctx context.Context, tgID int64, credited decimal.Decimal) {
	if l.resume == nil {
		return
	}

	parked, err := l.tempData.Find(ctx, tgID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			l.logger.Error("intent lookup failed", zap.Int64("tg_id", tgID), zap.Error(err))
		}
		return
	}

	var intent Intent
	if err := json.Unmarshal(parked.Data, &intent); err != nil {
		l.logger.Warn("discarding malformed intent", zap.Int64("tg_id", tgID), zap.Error(err))
		_ = l.tempData.Delete(ctx, tgID)
		return
	}
	if credited.LessThan(intent.Shortfall) {
		// Partial top-up; keep waiting. Surplus stays on balance either way.
		return
	}

	if err := l.resume(ctx, tgID, parked.State, intent.Command); err != nil {
		l.logger.Error("deferred command resume failed",
			zap.Int64("tg_id", tgID),
			zap.String("state", parked.State),
			zap.Error(err),
		)
	}
}
