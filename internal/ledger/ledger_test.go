package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

type fakeUserRepo struct {
	balances map[int64]decimal.Decimal
}

func (r *fakeUserRepo) FindByTgID(_ context.Context, tgID int64) (*model.User, error) {
	balance, ok := r.balances[tgID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.User{TgID: tgID, Balance: balance}, nil
}

func (r *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	r.balances[user.TgID] = user.Balance
	return nil
}

func (r *fakeUserRepo) Update(context.Context, *model.User) error { return nil }

func (r *fakeUserRepo) AdjustBalance(_ context.Context, tgID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	balance, ok := r.balances[tgID]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	next := balance.Add(delta)
	if next.Sign() < 0 {
		return decimal.Zero, repository.ErrNotFound
	}
	r.balances[tgID] = next
	return next, nil
}

func (r *fakeUserRepo) SetTrial(context.Context, int64, model.TrialState) error { return nil }
func (r *fakeUserRepo) SetBanned(context.Context, int64, bool) error            { return nil }
func (r *fakeUserRepo) Count(context.Context) (int64, error)                    { return 0, nil }

type fakePaymentRepo struct {
	rows []*model.Payment
}

func (r *fakePaymentRepo) Create(_ context.Context, payment *model.Payment) error {
	for _, row := range r.rows {
		if row.PaymentSystem == payment.PaymentSystem && row.PaymentID == payment.PaymentID {
			return repository.ErrDuplicate
		}
	}
	r.rows = append(r.rows, payment)
	return nil
}

func (r *fakePaymentRepo) FindByExternalID(_ context.Context, system, paymentID string) (*model.Payment, error) {
	for _, row := range r.rows {
		if row.PaymentSystem == system && row.PaymentID == paymentID {
			return row, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakePaymentRepo) HasRecentSuccess(_ context.Context, tgID int64, amount decimal.Decimal, system string, since time.Time) (bool, error) {
	for _, row := range r.rows {
		if row.TgID == tgID && row.Amount.Equal(amount) && row.PaymentSystem == system &&
			row.Status == model.PaymentStatusSuccess && !row.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakePaymentRepo) UpdateStatus(context.Context, int64, model.PaymentStatus) error { return nil }
func (r *fakePaymentRepo) SumSuccessful(context.Context, time.Time, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (r *fakePaymentRepo) ListByUser(_ context.Context, _ int64, _ repository.Pagination) ([]*model.Payment, error) {
	return nil, nil
}

type fakeTempDataRepo struct {
	rows map[int64]*model.TemporaryData
}

func (r *fakeTempDataRepo) Find(_ context.Context, tgID int64) (*model.TemporaryData, error) {
	row, ok := r.rows[tgID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return row, nil
}

func (r *fakeTempDataRepo) Set(_ context.Context, tgID int64, state string, data json.RawMessage) error {
	r.rows[tgID] = &model.TemporaryData{TgID: tgID, State: state, Data: data}
	return nil
}

func (r *fakeTempDataRepo) Delete(_ context.Context, tgID int64) error {
	delete(r.rows, tgID)
	return nil
}

func (r *fakeTempDataRepo) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for tgID, row := range r.rows {
		if row.UpdatedAt.Before(cutoff) {
			delete(r.rows, tgID)
			removed++
		}
	}
	return removed, nil
}

func newTestLedger() (*Ledger, *fakeUserRepo, *fakePaymentRepo, *fakeTempDataRepo) {
	users := &fakeUserRepo{balances: map[int64]decimal.Decimal{}}
	payments := &fakePaymentRepo{}
	tempData := &fakeTempDataRepo{rows: map[int64]*model.TemporaryData{}}
	return New(users, payments, tempData, nil), users, payments, tempData
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCredit_AppliesOnce(t *testing.T) {
	l, users, payments, _ := newTestLedger()
	users.balances[1] = decimal.Zero

	balance, err := l.Credit(context.Background(), 1, dec("150"), "yookassa", "pay-1")
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if !balance.Equal(dec("150")) {
		t.Fatalf("balance = %s", balance)
	}
	if len(payments.rows) != 1 {
		t.Fatalf("rows = %d", len(payments.rows))
	}
}

func TestCredit_DuplicateExternalID(t *testing.T) {
	l, users, _, _ := newTestLedger()
	users.balances[1] = decimal.Zero

	if _, err := l.Credit(context.Background(), 1, dec("150"), "yookassa", "pay-1"); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	_, err := l.Credit(context.Background(), 1, dec("150"), "yookassa", "pay-1")
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("err = %v, want ErrDuplicatePayment", err)
	}
	if !users.balances[1].Equal(dec("150")) {
		t.Fatalf("balance double-credited: %s", users.balances[1])
	}
}

func TestCredit_LookbackDedupesSameTriple(t *testing.T) {
	l, users, _, _ := newTestLedger()
	users.balances[1] = decimal.Zero

	// Same (tg_id, amount, system) with a different external id within
	// 60 s is still a duplicate webhook.
	if _, err := l.Credit(context.Background(), 1, dec("150"), "yookassa", "pay-1"); err != nil {
		t.Fatalf("first credit: %v", err)
	}
	_, err := l.Credit(context.Background(), 1, dec("150"), "yookassa", "pay-2")
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("err = %v, want ErrDuplicatePayment", err)
	}
}

func TestCredit_LookbackExpires(t *testing.T) {
	l, users, _, _ := newTestLedger()
	users.balances[1] = decimal.Zero

	base := time.Now()
	l.now = func() time.Time { return base }
	if _, err := l.Credit(context.Background(), 1, dec("150"), "yookassa", "pay-1"); err != nil {
		t.Fatalf("first credit: %v", err)
	}

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := l.Credit(context.Background(), 1, dec("150"), "yookassa", "pay-2"); err != nil {
		t.Fatalf("credit after window: %v", err)
	}
	if !users.balances[1].Equal(dec("300")) {
		t.Fatalf("balance = %s, want 300", users.balances[1])
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	l, users, _, _ := newTestLedger()
	users.balances[1] = dec("99.50")

	err := l.Debit(context.Background(), 1, dec("100"), "renew")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if !users.balances[1].Equal(dec("99.50")) {
		t.Fatalf("balance changed: %s", users.balances[1])
	}
}

func TestDebit_WritesLedgerRow(t *testing.T) {
	l, users, payments, _ := newTestLedger()
	users.balances[1] = dec("200")

	if err := l.Debit(context.Background(), 1, dec("150"), "renew"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !users.balances[1].Equal(dec("50")) {
		t.Fatalf("balance = %s", users.balances[1])
	}
	if len(payments.rows) != 1 || payments.rows[0].PaymentSystem != SystemBalance {
		t.Fatalf("ledger row missing: %+v", payments.rows)
	}
}

func TestRefund_RestoresBalance(t *testing.T) {
	l, users, _, _ := newTestLedger()
	users.balances[1] = dec("200")

	if err := l.Debit(context.Background(), 1, dec("150"), "renew"); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if err := l.Refund(context.Background(), 1, dec("150"), "renew"); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if !users.balances[1].Equal(dec("200")) {
		t.Fatalf("balance = %s, want 200", users.balances[1])
	}
}

func TestShortfall(t *testing.T) {
	if got := Shortfall(dec("150"), dec("99.50")); !got.Equal(dec("51")) {
		t.Errorf("Shortfall(150, 99.50) = %s, want 51", got)
	}
	if got := Shortfall(dec("150"), dec("200")); !got.IsZero() {
		t.Errorf("Shortfall(150, 200) = %s, want 0", got)
	}
}

func TestCredit_ResumesParkedIntent(t *testing.T) {
	l, users, _, tempData := newTestLedger()
	users.balances[1] = decimal.Zero

	command := json.RawMessage(`{"email":"k1a2b3c4","tariff_id":7}`)
	if err := l.StashIntent(context.Background(), 1, model.StateWaitingForRenewalPayment, dec("51"), command); err != nil {
		t.Fatalf("StashIntent: %v", err)
	}

	var resumedState string
	var resumedCommand json.RawMessage
	l.SetResumeFunc(func(ctx context.Context, tgID int64, state string, cmd json.RawMessage) error {
		resumedState = state
		resumedCommand = cmd
		return l.DropIntent(ctx, tgID)
	})

	if _, err := l.Credit(context.Background(), 1, dec("60"), "yookassa", "pay-1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if resumedState != model.StateWaitingForRenewalPayment {
		t.Fatalf("resumed state = %q", resumedState)
	}
	if string(resumedCommand) != string(command) {
		t.Fatalf("resumed command = %s", resumedCommand)
	}
	if _, ok := tempData.rows[1]; ok {
		t.Error("intent should be consumed")
	}
}

func TestCredit_PartialTopUpKeepsIntent(t *testing.T) {
	l, users, _, tempData := newTestLedger()
	users.balances[1] = decimal.Zero

	if err := l.StashIntent(context.Background(), 1, model.StateWaitingForAddonsPayment, dec("100"), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("StashIntent: %v", err)
	}

	resumed := false
	l.SetResumeFunc(func(context.Context, int64, string, json.RawMessage) error {
		resumed = true
		return nil
	})

	if _, err := l.Credit(context.Background(), 1, dec("40"), "yookassa", "pay-1"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if resumed {
		t.Error("partial top-up must not resume")
	}
	if _, ok := tempData.rows[1]; !ok {
		t.Error("intent should remain parked")
	}
}

func TestSweepStale_RemovesOnlyOldIntents(t *testing.T) {
	t.Parallel()

	l, _, _, tempData := newTestLedger()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	tempData.rows[1] = &model.TemporaryData{TgID: 1, UpdatedAt: base.Add(-48 * time.Hour)}
	tempData.rows[2] = &model.TemporaryData{TgID: 2, UpdatedAt: base.Add(-time.Hour)}

	removed, err := l.SweepStale(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := tempData.rows[1]; ok {
		t.Error("stale intent should be gone")
	}
	if _, ok := tempData.rows[2]; !ok {
		t.Error("fresh intent should remain")
	}
}
