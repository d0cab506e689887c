package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vpnhub/internal/cluster"
	"vpnhub/internal/ledger"
	"vpnhub/internal/model"
	"vpnhub/internal/panel"
	"vpnhub/internal/repository"
	"vpnhub/internal/settings"
)

// --- fakes ---

type fakeUserRepo struct {
	users map[int64]*model.User
}

func (r *fakeUserRepo) FindByTgID(_ context.Context, tgID int64) (*model.User, error) {
	user, ok := r.users[tgID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

func (r *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	r.users[user.TgID] = user
	return nil
}

func (r *fakeUserRepo) Update(_ context.Context, user *model.User) error {
	r.users[user.TgID] = user
	return nil
}

func (r *fakeUserRepo) AdjustBalance(_ context.Context, tgID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	user, ok := r.users[tgID]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	next := user.Balance.Add(delta)
	if next.Sign() < 0 {
		return decimal.Zero, repository.ErrNotFound
	}
	user.Balance = next
	return next, nil
}

func (r *fakeUserRepo) SetTrial(_ context.Context, tgID int64, state model.TrialState) error {
	user, ok := r.users[tgID]
	if !ok {
		return repository.ErrNotFound
	}
	user.Trial = state
	return nil
}

func (r *fakeUserRepo) SetBanned(_ context.Context, tgID int64, banned bool) error {
	if user, ok := r.users[tgID]; ok {
		user.IsBanned = banned
	}
	return nil
}

func (r *fakeUserRepo) Count(context.Context) (int64, error) { return 0, nil }

type fakeKeyRepo struct {
	keys map[uuid.UUID]*model.Key
}

func (r *fakeKeyRepo) FindByClientID(_ context.Context, clientID uuid.UUID) (*model.Key, error) {
	key, ok := r.keys[clientID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	clone := *key
	return &clone, nil
}

func (r *fakeKeyRepo) FindByEmail(_ context.Context, email string) (*model.Key, error) {
	for _, key := range r.keys {
		if key.Email == email {
			clone := *key
			return &clone, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeKeyRepo) Create(_ context.Context, key *model.Key) error {
	clone := *key
	r.keys[key.ClientID] = &clone
	return nil
}

func (r *fakeKeyRepo) Update(_ context.Context, key *model.Key) error {
	if _, ok := r.keys[key.ClientID]; !ok {
		return repository.ErrNotFound
	}
	clone := *key
	r.keys[key.ClientID] = &clone
	return nil
}

func (r *fakeKeyRepo) Delete(_ context.Context, clientID uuid.UUID) error {
	delete(r.keys, clientID)
	return nil
}

func (r *fakeKeyRepo) List(_ context.Context, filter repository.KeyListFilter) ([]*model.Key, error) {
	out := make([]*model.Key, 0, len(r.keys))
	for _, key := range r.keys {
		if filter.TgID != nil && key.TgID != *filter.TgID {
			continue
		}
		clone := *key
		out = append(out, &clone)
	}
	return out, nil
}

func (r *fakeKeyRepo) ListUnfrozen(_ context.Context) ([]*model.Key, error) {
	out := make([]*model.Key, 0, len(r.keys))
	for _, key := range r.keys {
		if !key.IsFrozen {
			clone := *key
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeKeyRepo) CountActiveByCluster(context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (r *fakeKeyRepo) EmailExists(_ context.Context, email string) (bool, error) {
	_, err := r.FindByEmail(context.Background(), email)
	return err == nil, nil
}

func (r *fakeKeyRepo) SetNotified(_ context.Context, clientID uuid.UUID, notified bool) error {
	if key, ok := r.keys[clientID]; ok {
		key.Notified = notified
	}
	return nil
}

type fakeTariffRepo struct {
	tariffs map[int64]*model.Tariff
}

func (r *fakeTariffRepo) FindByID(_ context.Context, id int64) (*model.Tariff, error) {
	tariff, ok := r.tariffs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return tariff, nil
}

func (r *fakeTariffRepo) ListByGroup(_ context.Context, groupCode string, activeOnly bool) ([]*model.Tariff, error) {
	out := make([]*model.Tariff, 0)
	for _, tariff := range r.tariffs {
		if tariff.GroupCode == groupCode && (!activeOnly || tariff.IsActive) {
			out = append(out, tariff)
		}
	}
	return out, nil
}

func (r *fakeTariffRepo) List(context.Context) ([]*model.Tariff, error) {
	out := make([]*model.Tariff, 0, len(r.tariffs))
	for _, tariff := range r.tariffs {
		out = append(out, tariff)
	}
	return out, nil
}

func (r *fakeTariffRepo) Create(_ context.Context, tariff *model.Tariff) error {
	r.tariffs[tariff.ID] = tariff
	return nil
}

func (r *fakeTariffRepo) Update(_ context.Context, tariff *model.Tariff) error {
	r.tariffs[tariff.ID] = tariff
	return nil
}

func (r *fakeTariffRepo) Delete(_ context.Context, id int64) error {
	delete(r.tariffs, id)
	return nil
}

type fakePaymentRepo struct {
	rows []*model.Payment
}

func (r *fakePaymentRepo) Create(_ context.Context, payment *model.Payment) error {
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

func (r *fakePaymentRepo) HasRecentSuccess(context.Context, int64, decimal.Decimal, string, time.Time) (bool, error) {
	return false, nil
}

func (r *fakePaymentRepo) UpdateStatus(context.Context, int64, model.PaymentStatus) error { return nil }
func (r *fakePaymentRepo) SumSuccessful(context.Context, time.Time, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (r *fakePaymentRepo) ListByUser(context.Context, int64, repository.Pagination) ([]*model.Payment, error) {
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

func (r *fakeTempDataRepo) DeleteOlderThan(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeNotifRepo struct {
	rows map[string]*model.NotificationRecord
}

func notifKey(tgID int64, notificationType string) string {
	return fmt.Sprintf("%d/%s", tgID, notificationType)
}

func (r *fakeNotifRepo) Find(_ context.Context, tgID int64, notificationType string) (*model.NotificationRecord, error) {
	row, ok := r.rows[notifKey(tgID, notificationType)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return row, nil
}

func (r *fakeNotifRepo) Upsert(_ context.Context, tgID int64, notificationType string, at time.Time) error {
	r.rows[notifKey(tgID, notificationType)] = &model.NotificationRecord{
		TgID: tgID, NotificationType: notificationType, LastNotificationTime: at,
	}
	return nil
}

func (r *fakeNotifRepo) Delete(_ context.Context, tgID int64, notificationTypes ...string) error {
	for _, nt := range notificationTypes {
		delete(r.rows, notifKey(tgID, nt))
	}
	return nil
}

type fakeSettingRepo struct {
	rows map[string]json.RawMessage
}

func (r *fakeSettingRepo) Get(_ context.Context, key string) (*model.Setting, error) {
	value, ok := r.rows[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.Setting{Key: key, Value: value}, nil
}

func (r *fakeSettingRepo) Upsert(_ context.Context, setting *model.Setting) error {
	r.rows[setting.Key] = setting.Value
	return nil
}

func (r *fakeSettingRepo) List(_ context.Context) ([]*model.Setting, error) {
	out := make([]*model.Setting, 0, len(r.rows))
	for key, value := range r.rows {
		out = append(out, &model.Setting{Key: key, Value: value})
	}
	return out, nil
}

type provisionerCall struct {
	op        string
	clusterID string
}

type fakeProvisioner struct {
	calls      []provisionerCall
	failCreate bool
	failRenew  bool
	lastRenew  cluster.RenewParams
}

func okResult() *cluster.Result {
	return &cluster.Result{
		Status:     cluster.StatusSuccess,
		LegacyLink: "vless://abc",
		ModernLink: "https://sub.example/abc",
		Endpoints:  []cluster.EndpointResult{{Endpoint: "https://a", OK: true}},
	}
}

func failedResult() *cluster.Result {
	return &cluster.Result{Status: cluster.StatusFailure}
}

func (p *fakeProvisioner) Create(_ context.Context, clusterID string, _ panel.ClientConfig) (*cluster.Result, error) {
	p.calls = append(p.calls, provisionerCall{"create", clusterID})
	if p.failCreate {
		return failedResult(), nil
	}
	return okResult(), nil
}

func (p *fakeProvisioner) Renew(_ context.Context, clusterID string, params cluster.RenewParams) (*cluster.Result, error) {
	p.calls = append(p.calls, provisionerCall{"renew", clusterID})
	p.lastRenew = params
	if p.failRenew {
		return failedResult(), nil
	}
	return okResult(), nil
}

func (p *fakeProvisioner) Toggle(_ context.Context, clusterID string, _ uuid.UUID, _ string, _ bool) (*cluster.Result, error) {
	p.calls = append(p.calls, provisionerCall{"toggle", clusterID})
	return okResult(), nil
}

func (p *fakeProvisioner) Delete(_ context.Context, clusterID string, _ uuid.UUID, _ string) (*cluster.Result, error) {
	p.calls = append(p.calls, provisionerCall{"delete", clusterID})
	return okResult(), nil
}

func (p *fakeProvisioner) ChangeSubgroup(_ context.Context, clusterID string, _ panel.ClientConfig, _, _ string) (*cluster.Result, error) {
	p.calls = append(p.calls, provisionerCall{"change_subgroup", clusterID})
	return okResult(), nil
}

func (p *fakeProvisioner) PickLeastLoaded(context.Context) (string, error) {
	return "ru-1", nil
}

func (p *fakeProvisioner) callCount(op string) int {
	n := 0
	for _, call := range p.calls {
		if call.op == op {
			n++
		}
	}
	return n
}

// --- fixture ---

type fixture struct {
	svc      *KeyService
	users    *fakeUserRepo
	keys     *fakeKeyRepo
	tariffs  *fakeTariffRepo
	notifs   *fakeNotifRepo
	temp     *fakeTempDataRepo
	prov     *fakeProvisioner
	store    *settings.Store
	nowMs    int64
	clientID uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	users := &fakeUserRepo{users: map[int64]*model.User{}}
	keys := &fakeKeyRepo{keys: map[uuid.UUID]*model.Key{}}
	tariffs := &fakeTariffRepo{tariffs: map[int64]*model.Tariff{}}
	notifs := &fakeNotifRepo{rows: map[string]*model.NotificationRecord{}}
	temp := &fakeTempDataRepo{rows: map[int64]*model.TemporaryData{}}
	prov := &fakeProvisioner{}
	store := settings.NewStore(&fakeSettingRepo{rows: map[string]json.RawMessage{}}, nil)
	moneyLedger := ledger.New(users, &fakePaymentRepo{}, temp, nil)

	svc := NewKeyService(keys, users, tariffs, notifs, moneyLedger, prov, store, nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	clientID := uuid.MustParse("7f9c24e8-3b12-40d5-9bc2-61d7dc6a3f10")
	svc.newClientID = func() uuid.UUID { return clientID }
	svc.newEmail = func() (string, error) { return "k1a2b3c4", nil }

	return &fixture{
		svc:      svc,
		users:    users,
		keys:     keys,
		tariffs:  tariffs,
		notifs:   notifs,
		temp:     temp,
		prov:     prov,
		store:    store,
		nowMs:    now.UnixMilli(),
		clientID: clientID,
	}
}

func (f *fixture) addUser(tgID int64, balance string) *model.User {
	user := &model.User{TgID: tgID, Balance: decimal.RequireFromString(balance)}
	f.users.users[tgID] = user
	return user
}

func (f *fixture) addTariff(id int64, priceRub int64, days int) *model.Tariff {
	tariff := &model.Tariff{
		ID:           id,
		Name:         "Basic",
		GroupCode:    "main",
		DurationDays: days,
		PriceRub:     priceRub,
		TrafficLimit: 100 << 30,
		DeviceLimit:  1,
		IsActive:     true,
	}
	f.tariffs.tariffs[id] = tariff
	return tariff
}

func (f *fixture) setModes(t *testing.T, raw string) {
	t.Helper()
	if err := f.store.Update(context.Background(), model.SettingModes, json.RawMessage(raw)); err != nil {
		t.Fatalf("set modes: %v", err)
	}
}

// --- tests ---

func TestCreate_DebitsAndProvisions(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "500")
	f.addTariff(7, 300, 30)

	key, err := f.svc.Create(context.Background(), CreateKeyRequest{TgID: 1, TariffID: 7})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if !f.users.users[1].Balance.Equal(decimal.RequireFromString("200")) {
		t.Errorf("balance = %s, want 200", f.users.users[1].Balance)
	}
	if key.ServerID != "ru-1" {
		t.Errorf("cluster = %q", key.ServerID)
	}
	if key.ExpiryTime != f.nowMs+30*msPerDay {
		t.Errorf("expiry = %d", key.ExpiryTime)
	}
	if key.LegacyLink == nil || key.ModernLink == nil {
		t.Error("links not recorded")
	}
	if f.prov.callCount("create") != 1 {
		t.Errorf("create calls = %d", f.prov.callCount("create"))
	}
}

func TestCreate_InsufficientBalanceParksIntent(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "100")
	f.addTariff(7, 300, 30)

	_, err := f.svc.Create(context.Background(), CreateKeyRequest{TgID: 1, TariffID: 7})
	var payErr *PaymentRequiredError
	if !errors.As(err, &payErr) {
		t.Fatalf("err = %v, want PaymentRequiredError", err)
	}
	if !payErr.Shortfall.Equal(decimal.RequireFromString("200")) {
		t.Errorf("shortfall = %s, want 200", payErr.Shortfall)
	}
	if payErr.State != model.StateWaitingForPurchasePayment {
		t.Errorf("state = %q", payErr.State)
	}
	if _, ok := f.temp.rows[1]; !ok {
		t.Error("intent not parked")
	}
	if len(f.keys.keys) != 0 {
		t.Error("no key should exist")
	}
	if !f.users.users[1].Balance.Equal(decimal.RequireFromString("100")) {
		t.Errorf("balance touched: %s", f.users.users[1].Balance)
	}
}

func TestCreate_RefundsWhenProvisioningFails(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "500")
	f.addTariff(7, 300, 30)
	f.prov.failCreate = true

	_, err := f.svc.Create(context.Background(), CreateKeyRequest{TgID: 1, TariffID: 7})
	if !errors.Is(err, ErrProvisioningFailed) {
		t.Fatalf("err = %v", err)
	}
	if !f.users.users[1].Balance.Equal(decimal.RequireFromString("500")) {
		t.Errorf("balance not refunded: %s", f.users.users[1].Balance)
	}
}

func TestCreate_TrialIsFreeAndOneShot(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "0")
	trial := f.addTariff(9, 0, 3)
	trial.GroupCode = model.TariffGroupTrial

	key, err := f.svc.Create(context.Background(), CreateKeyRequest{TgID: 1, TariffID: 9, Trial: true})
	if err != nil {
		t.Fatalf("trial create: %v", err)
	}
	if key.ExpiryTime != f.nowMs+3*msPerDay {
		t.Errorf("trial expiry = %d", key.ExpiryTime)
	}
	if f.users.users[1].Trial != model.TrialUsed {
		t.Error("trial not marked used")
	}

	_, err = f.svc.Create(context.Background(), CreateKeyRequest{TgID: 1, TariffID: 9, Trial: true})
	if !errors.Is(err, ErrTrialAlreadyUsed) {
		t.Fatalf("second trial err = %v", err)
	}
}

func TestRenew_ExtendsFromLaterOfNowOrExpiry(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "1000")
	f.addTariff(7, 300, 30)

	// Active key renewed early: extend from previous expiry.
	active := &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs + 5*msPerDay, TariffID: int64Ptr(7),
	}
	f.keys.keys[f.clientID] = active

	key, err := f.svc.Renew(context.Background(), f.clientID, 7)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if key.ExpiryTime != f.nowMs+35*msPerDay {
		t.Errorf("early renew expiry = %d, want now+35d", key.ExpiryTime)
	}

	// Expired key: extend from now.
	expired := f.keys.keys[f.clientID]
	expired.ExpiryTime = f.nowMs - 10*msPerDay
	key, err = f.svc.Renew(context.Background(), f.clientID, 7)
	if err != nil {
		t.Fatalf("Renew expired: %v", err)
	}
	if key.ExpiryTime != f.nowMs+30*msPerDay {
		t.Errorf("expired renew expiry = %d, want now+30d", key.ExpiryTime)
	}
}

func TestRenew_FrozenRejected(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "1000")
	f.addTariff(7, 300, 30)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: 5 * msPerDay, IsFrozen: true,
	}

	_, err := f.svc.Renew(context.Background(), f.clientID, 7)
	if !errors.Is(err, ErrKeyFrozen) {
		t.Fatalf("err = %v, want ErrKeyFrozen", err)
	}
}

func TestRenew_ClearsStaleNoticeAndHotLeadRecords(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "1000")
	f.addTariff(7, 300, 30)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs - 10*msPerDay, TariffID: int64Ptr(7),
	}

	// Leftovers from the lapse the user is renewing out of. Without the
	// cleanup the next expiry would find the old expired record, skip the
	// fresh warning and start the delete clock from the previous cycle.
	past := time.Date(2026, 2, 20, 12, 0, 0, 0, time.UTC)
	for _, nt := range []string{
		"k1a2b3c4_expired", "k1a2b3c4_expiring_24h", "k1a2b3c4_expiring_10h",
		model.HotLeadStep1, model.HotLeadStep2,
	} {
		if err := f.notifs.Upsert(context.Background(), 1, nt, past); err != nil {
			t.Fatalf("seed record %s: %v", nt, err)
		}
	}
	if err := f.notifs.Upsert(context.Background(), 2, "other_expired", past); err != nil {
		t.Fatalf("seed foreign record: %v", err)
	}

	if _, err := f.svc.Renew(context.Background(), f.clientID, 7); err != nil {
		t.Fatalf("Renew: %v", err)
	}

	for _, nt := range []string{
		"k1a2b3c4_expired", "k1a2b3c4_expiring_24h", "k1a2b3c4_expiring_10h",
		model.HotLeadStep1, model.HotLeadStep2,
	} {
		if _, ok := f.notifs.rows[notifKey(1, nt)]; ok {
			t.Errorf("record %s survived the renewal", nt)
		}
	}
	if _, ok := f.notifs.rows[notifKey(2, "other_expired")]; !ok {
		t.Error("another user's record was cleared")
	}
}

func TestFreezeUnfreeze_ConservesRemaining(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "0")
	f.addTariff(7, 300, 30)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs + 12*msPerDay, TariffID: int64Ptr(7),
	}

	frozen, err := f.svc.Freeze(context.Background(), f.clientID)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if !frozen.IsFrozen || frozen.ExpiryTime != 12*msPerDay {
		t.Fatalf("frozen = %+v", frozen)
	}

	thawed, err := f.svc.Unfreeze(context.Background(), f.clientID)
	if err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if thawed.IsFrozen {
		t.Error("still frozen")
	}
	if thawed.ExpiryTime != f.nowMs+12*msPerDay {
		t.Errorf("expiry = %d, want now+12d", thawed.ExpiryTime)
	}

	// 12 of 30 days remaining on a 100 GiB tariff: 12/30 of the base is
	// exactly 40 GiB.
	wantGrant := int64(40) << 30
	if f.prov.lastRenew.TrafficBytes != wantGrant {
		t.Errorf("traffic grant = %d, want %d", f.prov.lastRenew.TrafficBytes, wantGrant)
	}
}

func configurableTariff(id int64) *model.Tariff {
	return &model.Tariff{
		ID: id, Name: "Flex", GroupCode: "main",
		DurationDays: 30, PriceRub: 500,
		TrafficLimit: 50 << 30, DeviceLimit: 1,
		IsActive: true, Configurable: true,
		DeviceOptions:    []int{1, 3, 5, 0},
		TrafficOptionsGB: []int{50, 100, 200, 0},
		DeviceStepRub:    100,
		TrafficStepRub:   2,
	}
}

func TestApplyConfig_UpgradeChargesDiff(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "1000")
	f.tariffs.tariffs[7] = configurableTariff(7)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs + 10*msPerDay, TariffID: int64Ptr(7),
		SelectedDeviceLimit: intPtr(1), SelectedTrafficLimit: intPtr(50),
		CurrentDeviceLimit: intPtr(1), CurrentTrafficLimit: intPtr(50),
	}

	// 1→3 devices is +200 at 100/step; traffic unchanged.
	key, err := f.svc.ApplyConfig(context.Background(), f.clientID, 3, 50)
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if !f.users.users[1].Balance.Equal(decimal.RequireFromString("800")) {
		t.Errorf("balance = %s, want 800", f.users.users[1].Balance)
	}
	if *key.SelectedDeviceLimit != 3 || *key.CurrentDeviceLimit != 3 {
		t.Errorf("limits = %+v", key)
	}
	if f.prov.callCount("renew") != 1 {
		t.Errorf("renew calls = %d, want 1", f.prov.callCount("renew"))
	}
}

func TestApplyConfig_DowngradeDeferred(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "1000")
	f.tariffs.tariffs[7] = configurableTariff(7)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs + 10*msPerDay, TariffID: int64Ptr(7),
		SelectedDeviceLimit: intPtr(3), SelectedTrafficLimit: intPtr(100),
		CurrentDeviceLimit: intPtr(3), CurrentTrafficLimit: intPtr(100),
	}

	// Downgrades rejected by default.
	_, err := f.svc.ApplyConfig(context.Background(), f.clientID, 1, 100)
	if !errors.Is(err, ErrDowngradeNotAllowed) {
		t.Fatalf("err = %v, want ErrDowngradeNotAllowed", err)
	}

	f.setModes(t, `{"auto_renew_enabled":true,"allow_downgrade":true}`)
	key, err := f.svc.ApplyConfig(context.Background(), f.clientID, 1, 100)
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if *key.SelectedDeviceLimit != 1 {
		t.Errorf("selected devices = %d, want 1", *key.SelectedDeviceLimit)
	}
	if *key.CurrentDeviceLimit != 3 {
		t.Errorf("current devices = %d, want 3 (deferred)", *key.CurrentDeviceLimit)
	}
	if f.prov.callCount("renew") != 0 {
		t.Error("deferred downgrade must not touch panels")
	}
	if !f.users.users[1].Balance.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("downgrade must not charge, balance = %s", f.users.users[1].Balance)
	}
}

func TestApplyConfig_PackModeIsAdditive(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "1000")
	f.tariffs.tariffs[7] = configurableTariff(7)
	f.setModes(t, `{"auto_renew_enabled":true,"key_addons_pack_mode":"all"}`)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs + 10*msPerDay, TariffID: int64Ptr(7),
		SelectedDeviceLimit: intPtr(1), SelectedTrafficLimit: intPtr(50),
		CurrentDeviceLimit: intPtr(1), CurrentTrafficLimit: intPtr(50),
	}

	key, err := f.svc.ApplyConfig(context.Background(), f.clientID, 2, 50)
	if err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}
	if *key.CurrentDeviceLimit != 3 {
		t.Errorf("current devices = %d, want 1+2=3", *key.CurrentDeviceLimit)
	}
	if *key.SelectedDeviceLimit != 1 {
		t.Errorf("selected devices = %d, packs must not change selection", *key.SelectedDeviceLimit)
	}
}

func TestRenew_RevertsPacksToSelected(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "2000")
	f.tariffs.tariffs[7] = configurableTariff(7)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs + 2*msPerDay, TariffID: int64Ptr(7),
		SelectedDeviceLimit: intPtr(1), SelectedTrafficLimit: intPtr(50),
		CurrentDeviceLimit: intPtr(3), CurrentTrafficLimit: intPtr(150),
	}

	key, err := f.svc.Renew(context.Background(), f.clientID, 7)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if *key.CurrentDeviceLimit != 1 || *key.CurrentTrafficLimit != 50 {
		t.Errorf("packs survived renewal: %+v", key)
	}
	if f.prov.lastRenew.DeviceLimit != 1 {
		t.Errorf("panel device limit = %d, want 1", f.prov.lastRenew.DeviceLimit)
	}
}

func TestResumeDeferred_ReplaysRenewal(t *testing.T) {
	f := newFixture(t)
	f.addUser(1, "1000")
	f.addTariff(7, 300, 30)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4",
		ServerID: "ru-1", ExpiryTime: f.nowMs - msPerDay, TariffID: int64Ptr(7),
	}
	f.temp.rows[1] = &model.TemporaryData{TgID: 1, State: model.StateWaitingForRenewalPayment}

	command, _ := json.Marshal(renewCommand{ClientID: f.clientID, TariffID: 7})
	if err := f.svc.ResumeDeferred(context.Background(), 1, model.StateWaitingForRenewalPayment, command); err != nil {
		t.Fatalf("ResumeDeferred: %v", err)
	}

	key := f.keys.keys[f.clientID]
	if key.ExpiryTime != f.nowMs+30*msPerDay {
		t.Errorf("expiry = %d, want now+30d", key.ExpiryTime)
	}
	if _, ok := f.temp.rows[1]; ok {
		t.Error("intent should be consumed")
	}
}

func TestDelete_PurgesPanelsAndRow(t *testing.T) {
	f := newFixture(t)
	f.keys.keys[f.clientID] = &model.Key{
		ClientID: f.clientID, TgID: 1, Email: "k1a2b3c4", ServerID: "ru-1",
	}

	if err := f.svc.Delete(context.Background(), f.clientID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if f.prov.callCount("delete") != 1 {
		t.Errorf("delete calls = %d", f.prov.callCount("delete"))
	}
	if len(f.keys.keys) != 0 {
		t.Error("row not removed")
	}
}
