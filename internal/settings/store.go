// Package settings holds operator configuration: JSON documents persisted
// per well-known key and decoded into one immutable Snapshot. Readers get
// the snapshot pointer without locking; admin writes persist first, then
// swap the whole snapshot.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/model"
	"vpnhub/internal/repository"
)

// ButtonsConfig toggles user-facing features in the chat UI.
type ButtonsConfig struct {
	FreezeEnabled       bool `json:"freeze_enabled"`
	GiftsEnabled        bool `json:"gifts_enabled"`
	CouponsEnabled      bool `json:"coupons_enabled"`
	ReferralsEnabled    bool `json:"referrals_enabled"`
	ConfiguratorEnabled bool `json:"configurator_enabled"`
	AliasEditEnabled    bool `json:"alias_edit_enabled"`
	HwidResetEnabled    bool `json:"hwid_reset_enabled"`
}

// ProviderConfig is one payment provider's switch and credentials.
type ProviderConfig struct {
	Enabled  bool   `json:"enabled"`
	ShopID   string `json:"shop_id,omitempty"`
	Secret   string `json:"secret,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type PaymentsConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
}

func (c PaymentsConfig) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok && p.Enabled
}

type NotificationsConfig struct {
	// BaseIntervalSeconds is the notifier tick period.
	BaseIntervalSeconds int `json:"base_interval_seconds"`
	// NotifyInactiveTrafficHours is the key age before the zero-traffic
	// quiet check fires; 0 disables the check.
	NotifyInactiveTrafficHours int `json:"notify_inactive_traffic_hours"`
	HotLeadsIntervalHours      int `json:"hot_leads_interval_hours"`
	DiscountActiveHours        int `json:"discount_active_hours"`
}

type ModesConfig struct {
	AutoRenewEnabled bool `json:"auto_renew_enabled"`
	AllowDowngrade   bool `json:"allow_downgrade"`
	// KeyAddonsPackMode is "" (permanent config changes), "traffic",
	// "devices" or "all" (additive one-off packs for those dimensions).
	KeyAddonsPackMode   string `json:"key_addons_pack_mode"`
	RecalcOnAddon       bool   `json:"recalc_on_addon"`
	DeleteKeyEnabled    bool   `json:"delete_key_enabled"`
	DeleteKeyDelayHours int    `json:"delete_key_delay_hours"`
	TrialEnabled        bool   `json:"trial_enabled"`
	TrialDays           int    `json:"trial_days"`
	ExtendedTrialDays   int    `json:"extended_trial_days"`
	ResetTrafficOnRenew bool   `json:"reset_traffic_on_renew"`
}

func (c ModesConfig) PacksFor(dimension string) bool {
	return c.KeyAddonsPackMode == "all" || c.KeyAddonsPackMode == dimension
}

type MoneyConfig struct {
	BaseCurrency      string  `json:"base_currency"`
	RateMarkupPercent float64 `json:"rate_markup_percent"`
	RateCacheMinutes  int     `json:"rate_cache_minutes"`
	// ReferralPercents holds percentage-per-level for referral bonuses.
	ReferralPercents []int `json:"referral_percents"`
	CashbackPercent  int   `json:"cashback_percent"`
}

type TariffsConfig struct {
	// TrialTrafficBytes is the fixed traffic floor for trial keys.
	TrialTrafficBytes int64  `json:"trial_traffic_bytes"`
	TrialDeviceLimit  int    `json:"trial_device_limit"`
	TrialClusterName  string `json:"trial_cluster_name,omitempty"`
}

type ManagementConfig struct {
	AdminTgIDs  []int64 `json:"admin_tg_ids"`
	SupportLink string  `json:"support_link,omitempty"`
	ChannelLink string  `json:"channel_link,omitempty"`
}

// Snapshot is one immutable view of every configuration scope.
type Snapshot struct {
	Buttons        ButtonsConfig
	Payments       PaymentsConfig
	Notifications  NotificationsConfig
	Modes          ModesConfig
	Money          MoneyConfig
	ProvidersOrder []string
	Tariffs        TariffsConfig
	Management     ManagementConfig
}

func defaultSnapshot() *Snapshot {
	return &Snapshot{
		Buttons: ButtonsConfig{
			FreezeEnabled:       true,
			ConfiguratorEnabled: true,
		},
		Payments: PaymentsConfig{Providers: map[string]ProviderConfig{}},
		Notifications: NotificationsConfig{
			BaseIntervalSeconds:   600,
			HotLeadsIntervalHours: 24,
			DiscountActiveHours:   24,
		},
		Modes: ModesConfig{
			AutoRenewEnabled: true,
			TrialEnabled:     true,
			TrialDays:        3,
		},
		Money: MoneyConfig{
			BaseCurrency:     "RUB",
			RateCacheMinutes: 30,
		},
		Tariffs: TariffsConfig{
			TrialTrafficBytes: 10 << 30,
			TrialDeviceLimit:  1,
		},
	}
}

// Store loads, caches and writes through configuration documents.
type Store struct {
	repo   repository.SettingRepository
	logger *zap.Logger
	snap   atomic.Pointer[Snapshot]
}

func NewStore(repo repository.SettingRepository, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{repo: repo, logger: logger}
	s.snap.Store(defaultSnapshot())
	return s
}

// Current returns the live snapshot. The returned value must be treated
// as read-only.
func (s *Store) Current() *Snapshot {
	return s.snap.Load()
}

// Load reads every persisted scope and swaps the snapshot in whole.
// Missing keys keep their defaults; a malformed document is logged and
// skipped rather than failing the boot.
func (s *Store) Load(ctx context.Context) error {
	rows, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	next := defaultSnapshot()
	for _, row := range rows {
		if err := applyScope(next, row.Key, row.Value); err != nil {
			s.logger.Warn("skipping malformed setting",
				zap.String("key", row.Key),
				zap.Error(err),
			)
		}
	}
	s.snap.Store(next)
	return nil
}

// Update validates and persists one scope document, then reloads.
func (s *Store) Update(ctx context.Context, key string, value json.RawMessage) error {
	probe := defaultSnapshot()
	if err := applyScope(probe, key, value); err != nil {
		return err
	}

	if err := s.repo.Upsert(ctx, &model.Setting{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist setting %s: %w", key, err)
	}
	return s.Load(ctx)
}

// Get returns the raw persisted document for one scope.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if !KnownKey(key) {
		return nil, fmt.Errorf("unknown settings key %q", key)
	}
	row, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}

// ScopeKeys lists every well-known settings key.
func ScopeKeys() []string {
	return []string{
		model.SettingButtons,
		model.SettingPayments,
		model.SettingNotifications,
		model.SettingModes,
		model.SettingMoney,
		model.SettingProvidersOrder,
		model.SettingTariffs,
		model.SettingManagement,
	}
}

func KnownKey(key string) bool {
	for _, k := range ScopeKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func applyScope(snap *Snapshot, key string, value json.RawMessage) error {
	var err error
	switch key {
	case model.SettingButtons:
		err = json.Unmarshal(value, &snap.Buttons)
	case model.SettingPayments:
		err = json.Unmarshal(value, &snap.Payments)
	case model.SettingNotifications:
		err = json.Unmarshal(value, &snap.Notifications)
	case model.SettingModes:
		err = json.Unmarshal(value, &snap.Modes)
	case model.SettingMoney:
		err = json.Unmarshal(value, &snap.Money)
	case model.SettingProvidersOrder:
		err = json.Unmarshal(value, &snap.ProvidersOrder)
	case model.SettingTariffs:
		err = json.Unmarshal(value, &snap.Tariffs)
	case model.SettingManagement:
		err = json.Unmarshal(value, &snap.Management)
	default:
		return fmt.Errorf("unknown settings key %q", key)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
