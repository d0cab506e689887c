package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpnhub/internal/cluster"
	"vpnhub/internal/ledger"
	"vpnhub/internal/model"
	"vpnhub/internal/panel"
	"vpnhub/internal/pricing"
	"vpnhub/internal/repository"
	"vpnhub/internal/settings"
)

const msPerDay = int64(86_400_000)

// Provisioner is the cluster coordinator surface the key service needs.
type Provisioner interface {
	Create(ctx context.Context, clusterID string, cfg panel.ClientConfig) (*cluster.Result, error)
	Renew(ctx context.Context, clusterID string, params cluster.RenewParams) (*cluster.Result, error)
	Toggle(ctx context.Context, clusterID string, clientID uuid.UUID, email string, enable bool) (*cluster.Result, error)
	Delete(ctx context.Context, clusterID string, clientID uuid.UUID, email string) (*cluster.Result, error)
	ChangeSubgroup(ctx context.Context, clusterID string, cfg panel.ClientConfig, oldSubgroup, newSubgroup string) (*cluster.Result, error)
	PickLeastLoaded(ctx context.Context) (string, error)
}

type KeyService struct {
	keys          repository.KeyRepository
	users         repository.UserRepository
	tariffs       repository.TariffRepository
	notifications repository.NotificationRepository
	ledger        *ledger.Ledger
	clusters      Provisioner
	settings      *settings.Store
	logger        *zap.Logger

	now         func() time.Time
	newClientID func() uuid.UUID
	newEmail    func() (string, error)
}

func NewKeyService(
	keys repository.KeyRepository,
	users repository.UserRepository,
	tariffs repository.TariffRepository,
	notifications repository.NotificationRepository,
	moneyLedger *ledger.Ledger,
	clusters Provisioner,
	settingsStore *settings.Store,
	logger *zap.Logger,
) *KeyService {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &KeyService{
		keys:          keys,
		users:         users,
		tariffs:       tariffs,
		notifications: notifications,
		ledger:        moneyLedger,
		clusters:      clusters,
		settings:      settingsStore,
		logger:        logger,
		now:           time.Now,
		newClientID:   uuid.New,
	}
	s.newEmail = randomEmail
	return s
}

type CreateKeyRequest struct {
	TgID      int64  `json:"tg_id"`
	TariffID  int64  `json:"tariff_id"`
	ClusterID string `json:"cluster_id,omitempty"`
	// DeviceLimit/TrafficGB are the configurator selections; zero means
	// unlimited, nil means tariff default.
	DeviceLimit *int `json:"device_limit,omitempty"`
	TrafficGB   *int `json:"traffic_gb,omitempty"`
	Trial       bool `json:"trial,omitempty"`
	// GiftFrom, when set, pays for a key owned by TgID.
	GiftFrom int64 `json:"gift_from,omitempty"`
	// DiscountPercent comes from a redeemed percent coupon.
	DiscountPercent int `json:"discount_percent,omitempty"`
}

// Create purchases and provisions a new key. On insufficient balance the
// request is parked as a payment intent and a PaymentRequiredError is
// returned; a later credit replays it through ResumeDeferred.
func (s *KeyService) Create(ctx context.Context, req CreateKeyRequest) (*model.Key, error) {
	user, err := s.loadUser(ctx, req.TgID)
	if err != nil {
		return nil, err
	}

	tariff, err := s.loadActiveTariff(ctx, req.TariffID)
	if err != nil {
		return nil, err
	}

	if req.Trial {
		if user.Trial == model.TrialUsed {
			return nil, ErrTrialAlreadyUsed
		}
	}

	price, selection := s.priceFor(tariff, req.DeviceLimit, req.TrafficGB)
	if req.DiscountPercent > 0 {
		price = pricing.ApplyPercentDiscount(price, req.DiscountPercent)
	}
	if req.Trial {
		price = 0
	}

	payer := req.TgID
	state := model.StateWaitingForPurchasePayment
	if req.GiftFrom != 0 {
		payer = req.GiftFrom
		state = model.StateWaitingForGiftPayment
	}

	if price > 0 {
		if err := s.chargeOrPark(ctx, payer, price, state, req); err != nil {
			return nil, err
		}
	}

	key, err := s.provisionNew(ctx, user, tariff, req, selection, price)
	if err != nil {
		if price > 0 {
			if refundErr := s.ledger.Refund(ctx, payer, decimal.NewFromInt(price), "create"); refundErr != nil {
				s.logger.Error("refund after failed create",
					zap.Int64("tg_id", payer), zap.Error(refundErr))
			}
		}
		return nil, err
	}

	if req.Trial {
		if err := s.users.SetTrial(ctx, user.TgID, model.TrialUsed); err != nil {
			s.logger.Error("mark trial used", zap.Int64("tg_id", user.TgID), zap.Error(err))
		}
	}

	return key, nil
}

func (s *KeyService) provisionNew(
	ctx context.Context,
	user *model.User,
	tariff *model.Tariff,
	req CreateKeyRequest,
	selection *pricing.Selection,
	price int64,
) (*model.Key, error) {
	email, err := s.uniqueEmail(ctx)
	if err != nil {
		return nil, err
	}

	clusterID := req.ClusterID
	if clusterID == "" {
		clusterID, err = s.clusters.PickLeastLoaded(ctx)
		if err != nil {
			return nil, err
		}
	}

	durationDays := tariff.DurationDays
	if req.Trial {
		modes := s.settings.Current().Modes
		durationDays = modes.TrialDays
		if user.Trial == model.TrialExtended {
			durationDays = modes.ExtendedTrialDays
		}
		if durationDays <= 0 {
			durationDays = tariff.DurationDays
		}
	}

	nowMs := s.now().UnixMilli()
	expiry := nowMs + int64(durationDays)*msPerDay
	deviceLimit, trafficBytes := s.limitsFor(tariff, selection, req.Trial)

	clientID := s.newClientID()
	cfg := panel.ClientConfig{
		ClientID:     clientID,
		TgID:         user.TgID,
		Email:        email,
		ExpiryMs:     expiry,
		DeviceLimit:  deviceLimit,
		TrafficBytes: trafficBytes,
		Subgroup:     subgroupOf(tariff),
		Enabled:      true,
	}

	result, err := s.clusters.Create(ctx, clusterID, cfg)
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		return nil, ErrProvisioningFailed
	}
	if result.Status == cluster.StatusPartial {
		s.logger.Warn("key created partially",
			zap.String("email", email), zap.String("cluster", clusterID))
	}

	key := &model.Key{
		ClientID:   clientID,
		TgID:       user.TgID,
		Email:      email,
		ServerID:   clusterID,
		ExpiryTime: expiry,
		TariffID:   &tariff.ID,
		CreatedAt:  s.now().UTC(),
		UpdatedAt:  s.now().UTC(),
	}
	if selection != nil {
		key.SelectedDeviceLimit = intPtr(selection.DeviceLimit)
		key.SelectedTrafficLimit = intPtr(selection.TrafficGB)
		key.SelectedPriceRub = int64Ptr(price)
		key.CurrentDeviceLimit = intPtr(selection.DeviceLimit)
		key.CurrentTrafficLimit = intPtr(selection.TrafficGB)
	}
	if result.LegacyLink != "" {
		key.LegacyLink = &result.LegacyLink
	}
	if result.ModernLink != "" {
		key.ModernLink = &result.ModernLink
	}

	if err := s.keys.Create(ctx, key); err != nil {
		// Panels hold a client the store does not know about; purge it.
		if _, cleanupErr := s.clusters.Delete(ctx, clusterID, clientID, email); cleanupErr != nil {
			s.logger.Error("orphan cleanup failed",
				zap.String("email", email), zap.Error(cleanupErr))
		}
		return nil, err
	}

	s.logger.Info("key created",
		zap.String("email", email),
		zap.Int64("tg_id", user.TgID),
		zap.String("cluster", clusterID),
		zap.Int64("price", price),
	)
	return key, nil
}

type renewCommand struct {
	ClientID uuid.UUID `json:"client_id"`
	TariffID int64     `json:"tariff_id"`
}

// Renew extends a key with a tariff purchase. Expiry extends from
// whichever is later, now or the previous expiry, so early renewals do
// not lose paid time. Limits revert to the selected configuration:
// addon packs do not survive a renewal, and a deferred downgrade is
// reconciled here.
func (s *KeyService) Renew(ctx context.Context, clientID uuid.UUID, tariffID int64) (*model.Key, error) {
	key, err := s.loadKey(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if key.IsFrozen {
		return nil, ErrKeyFrozen
	}

	tariff, err := s.loadActiveTariff(ctx, tariffID)
	if err != nil {
		return nil, err
	}

	price, selection := s.renewalPrice(tariff, key)

	if price > 0 {
		command := renewCommand{ClientID: clientID, TariffID: tariffID}
		if err := s.chargeOrPark(ctx, key.TgID, price, model.StateWaitingForRenewalPayment, command); err != nil {
			return nil, err
		}
	}

	nowMs := s.now().UnixMilli()
	base := key.ExpiryTime
	if nowMs > base {
		base = nowMs
	}
	newExpiry := base + int64(tariff.DurationDays)*msPerDay

	deviceLimit, trafficBytes := s.limitsFor(tariff, selection, false)
	oldSubgroup := s.currentSubgroup(ctx, key)

	result, err := s.clusters.Renew(ctx, key.ServerID, cluster.RenewParams{
		ClientID:       key.ClientID,
		TgID:           key.TgID,
		Email:          key.Email,
		NewExpiryMs:    newExpiry,
		TrafficBytes:   trafficBytes,
		DeviceLimit:    deviceLimit,
		ResetTraffic:   s.settings.Current().Modes.ResetTrafficOnRenew,
		TargetSubgroup: subgroupOf(tariff),
		OldSubgroup:    oldSubgroup,
	})
	if err == nil && result.Failed() {
		err = ErrProvisioningFailed
	}
	if err != nil {
		if price > 0 {
			if refundErr := s.ledger.Refund(ctx, key.TgID, decimal.NewFromInt(price), "renew"); refundErr != nil {
				s.logger.Error("refund after failed renew",
					zap.Int64("tg_id", key.TgID), zap.Error(refundErr))
			}
		}
		return nil, err
	}

	key.ExpiryTime = newExpiry
	key.TariffID = &tariff.ID
	if selection != nil {
		key.CurrentDeviceLimit = intPtr(selection.DeviceLimit)
		key.CurrentTrafficLimit = intPtr(selection.TrafficGB)
	} else {
		key.CurrentDeviceLimit = nil
		key.CurrentTrafficLimit = nil
	}
	key.Notified = false
	key.UpdatedAt = s.now().UTC()
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, err
	}

	// The notice cycle restarts: a stale expired record would otherwise
	// suppress the next warning and start the delete clock early. The
	// hot-lead campaign re-arms for the next lapse the same way.
	if err := s.notifications.Delete(ctx, key.TgID,
		key.Email+"_expired", key.Email+"_expiring_24h", key.Email+"_expiring_10h",
		model.HotLeadStep1, model.HotLeadStep2, model.HotLeadStep3,
	); err != nil {
		s.logger.Warn("clear notice records after renew",
			zap.String("email", key.Email), zap.Error(err))
	}

	s.logger.Info("key renewed",
		zap.String("email", key.Email),
		zap.Int64("tariff_id", tariff.ID),
		zap.Int64("price", price),
	)
	return key, nil
}

// Freeze stops the clock: the remote client is disabled and expiry_time
// is replaced by the milliseconds remaining.
func (s *KeyService) Freeze(ctx context.Context, clientID uuid.UUID) (*model.Key, error) {
	key, err := s.loadKey(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if key.IsFrozen {
		return nil, ErrKeyFrozen
	}

	result, err := s.clusters.Toggle(ctx, key.ServerID, key.ClientID, key.Email, false)
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		return nil, ErrProvisioningFailed
	}

	key.ExpiryTime = key.RemainingMs(s.now().UnixMilli())
	key.IsFrozen = true
	key.UpdatedAt = s.now().UTC()
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info("key frozen", zap.String("email", key.Email))
	return key, nil
}

// Unfreeze restarts the clock and re-applies a proportional traffic
// grant sized to the time remaining.
func (s *KeyService) Unfreeze(ctx context.Context, clientID uuid.UUID) (*model.Key, error) {
	key, err := s.loadKey(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !key.IsFrozen {
		return nil, ErrKeyNotFrozen
	}

	remaining := key.ExpiryTime
	newExpiry := s.now().UnixMilli() + remaining

	baseBytes := s.settings.Current().Tariffs.TrialTrafficBytes
	deviceLimit := s.settings.Current().Tariffs.TrialDeviceLimit
	subgroup := ""
	if key.TariffID != nil {
		if tariff, tariffErr := s.tariffs.FindByID(ctx, *key.TariffID); tariffErr == nil {
			baseBytes = tariff.TrafficLimit
			deviceLimit = tariff.DeviceLimit
			subgroup = subgroupOf(tariff)
			if key.CurrentTrafficLimit != nil {
				baseBytes = pricing.TrafficGBToBytes(*key.CurrentTrafficLimit)
			}
			if key.CurrentDeviceLimit != nil {
				deviceLimit = *key.CurrentDeviceLimit
			}
		}
	}
	grant := cluster.UnfreezeTrafficGrant(remaining, baseBytes)

	result, err := s.clusters.Renew(ctx, key.ServerID, cluster.RenewParams{
		ClientID:       key.ClientID,
		TgID:           key.TgID,
		Email:          key.Email,
		NewExpiryMs:    newExpiry,
		TrafficBytes:   grant,
		DeviceLimit:    deviceLimit,
		TargetSubgroup: subgroup,
		OldSubgroup:    subgroup,
	})
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		return nil, ErrProvisioningFailed
	}
	if _, err := s.clusters.Toggle(ctx, key.ServerID, key.ClientID, key.Email, true); err != nil {
		s.logger.Warn("re-enable after unfreeze", zap.String("email", key.Email), zap.Error(err))
	}

	key.ExpiryTime = newExpiry
	key.IsFrozen = false
	key.UpdatedAt = s.now().UTC()
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info("key unfrozen",
		zap.String("email", key.Email),
		zap.Int64("traffic_grant", grant),
	)
	return key, nil
}

type applyConfigCommand struct {
	ClientID    uuid.UUID `json:"client_id"`
	DeviceLimit int       `json:"device_limit"`
	TrafficGB   int       `json:"traffic_gb"`
}

// ApplyConfig changes a key's device/traffic configuration mid-period.
// In pack mode the request is an additive one-off increment on top of
// the currently provisioned limits; otherwise it is a permanent change
// of the selected configuration. Downgrades, when allowed, are recorded
// but deferred to the next renewal.
func (s *KeyService) ApplyConfig(ctx context.Context, clientID uuid.UUID, deviceLimit, trafficGB int) (*model.Key, error) {
	key, err := s.loadKey(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if key.IsFrozen {
		return nil, ErrKeyFrozen
	}
	if key.TariffID == nil {
		return nil, ErrTariffNotFound
	}
	tariff, err := s.tariffs.FindByID(ctx, *key.TariffID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTariffNotFound
		}
		return nil, err
	}
	if !tariff.Configurable {
		return nil, pricing.ErrNotConfigurable
	}

	modes := s.settings.Current().Modes
	current := s.currentSelection(tariff, key)
	requested := pricing.Selection{DeviceLimit: deviceLimit, TrafficGB: trafficGB}

	packMode := modes.PacksFor("devices") || modes.PacksFor("traffic")
	if packMode {
		return s.applyPack(ctx, key, tariff, current, requested, modes)
	}

	selected := s.selectedSelection(tariff, key)
	if pricing.IsDowngrade(selected, requested) {
		if !modes.AllowDowngrade {
			return nil, ErrDowngradeNotAllowed
		}
		// Deferred: takes effect at next renewal.
		key.SelectedDeviceLimit = intPtr(requested.DeviceLimit)
		key.SelectedTrafficLimit = intPtr(requested.TrafficGB)
		key.SelectedPriceRub = int64Ptr(pricing.Price(tariff, requested))
		key.UpdatedAt = s.now().UTC()
		if err := s.keys.Update(ctx, key); err != nil {
			return nil, err
		}
		return key, nil
	}

	diff := pricing.Price(tariff, requested) - pricing.Price(tariff, selected)
	if diff < 0 {
		diff = 0
	}
	charge := s.maybeProrate(diff, key, tariff, modes)

	if charge > 0 {
		command := applyConfigCommand{ClientID: clientID, DeviceLimit: deviceLimit, TrafficGB: trafficGB}
		if err := s.chargeOrPark(ctx, key.TgID, charge, model.StateWaitingForAddonsPayment, command); err != nil {
			return nil, err
		}
	}

	if err := s.pushLimits(ctx, key, tariff, requested); err != nil {
		if charge > 0 {
			if refundErr := s.ledger.Refund(ctx, key.TgID, decimal.NewFromInt(charge), "addons"); refundErr != nil {
				s.logger.Error("refund after failed config apply",
					zap.Int64("tg_id", key.TgID), zap.Error(refundErr))
			}
		}
		return nil, err
	}

	key.SelectedDeviceLimit = intPtr(requested.DeviceLimit)
	key.SelectedTrafficLimit = intPtr(requested.TrafficGB)
	key.SelectedPriceRub = int64Ptr(pricing.Price(tariff, requested))
	key.CurrentDeviceLimit = intPtr(requested.DeviceLimit)
	key.CurrentTrafficLimit = intPtr(requested.TrafficGB)
	key.UpdatedAt = s.now().UTC()
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *KeyService) applyPack(
	ctx context.Context,
	key *model.Key,
	tariff *model.Tariff,
	current, pack pricing.Selection,
	modes settings.ModesConfig,
) (*model.Key, error) {
	// Dimensions outside the pack scope keep their provisioned value;
	// the pack sum applies only to the scoped ones (zero is sticky:
	// unlimited plus anything stays unlimited).
	summed := pricing.ApplyPack(current, pack)
	merged := current
	if modes.PacksFor("devices") {
		merged.DeviceLimit = summed.DeviceLimit
	}
	if modes.PacksFor("traffic") {
		merged.TrafficGB = summed.TrafficGB
	}

	diff := pricing.Price(tariff, merged) - pricing.Price(tariff, current)
	if diff < 0 {
		diff = 0
	}
	charge := s.maybeProrate(diff, key, tariff, modes)

	if charge > 0 {
		command := applyConfigCommand{ClientID: key.ClientID, DeviceLimit: pack.DeviceLimit, TrafficGB: pack.TrafficGB}
		if err := s.chargeOrPark(ctx, key.TgID, charge, model.StateWaitingForAddonsPayment, command); err != nil {
			return nil, err
		}
	}

	if err := s.pushLimits(ctx, key, tariff, merged); err != nil {
		if charge > 0 {
			if refundErr := s.ledger.Refund(ctx, key.TgID, decimal.NewFromInt(charge), "addons"); refundErr != nil {
				s.logger.Error("refund after failed pack apply",
					zap.Int64("tg_id", key.TgID), zap.Error(refundErr))
			}
		}
		return nil, err
	}

	// Packs touch only the provisioned limits; selected_* is what the
	// key reverts to at renewal.
	key.CurrentDeviceLimit = intPtr(merged.DeviceLimit)
	key.CurrentTrafficLimit = intPtr(merged.TrafficGB)
	key.UpdatedAt = s.now().UTC()
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (s *KeyService) pushLimits(ctx context.Context, key *model.Key, tariff *model.Tariff, sel pricing.Selection) error {
	subgroup := subgroupOf(tariff)
	result, err := s.clusters.Renew(ctx, key.ServerID, cluster.RenewParams{
		ClientID:       key.ClientID,
		TgID:           key.TgID,
		Email:          key.Email,
		NewExpiryMs:    key.ExpiryTime,
		TrafficBytes:   pricing.TrafficGBToBytes(sel.TrafficGB),
		DeviceLimit:    sel.DeviceLimit,
		TargetSubgroup: subgroup,
		OldSubgroup:    subgroup,
	})
	if err != nil {
		return err
	}
	if result.Failed() {
		return ErrProvisioningFailed
	}
	return nil
}

// MigrateSubgroup switches the key to a tariff in a different subgroup
// of the same cluster group. Expiry is untouched: only the panel-side
// placement and the tariff binding change.
func (s *KeyService) MigrateSubgroup(ctx context.Context, clientID uuid.UUID, tariffID int64) (*model.Key, error) {
	key, err := s.loadKey(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if key.IsFrozen {
		return nil, ErrKeyFrozen
	}

	tariff, err := s.loadActiveTariff(ctx, tariffID)
	if err != nil {
		return nil, err
	}

	oldSubgroup := s.currentSubgroup(ctx, key)
	newSubgroup := subgroupOf(tariff)
	if oldSubgroup == newSubgroup {
		key.TariffID = &tariff.ID
		key.UpdatedAt = s.now().UTC()
		if err := s.keys.Update(ctx, key); err != nil {
			return nil, err
		}
		return key, nil
	}

	deviceLimit, trafficBytes := s.limitsFor(tariff, selectionPtr(s.currentSelection(tariff, key)), false)
	result, err := s.clusters.ChangeSubgroup(ctx, key.ServerID, panel.ClientConfig{
		ClientID:     key.ClientID,
		TgID:         key.TgID,
		Email:        key.Email,
		ExpiryMs:     key.ExpiryTime,
		DeviceLimit:  deviceLimit,
		TrafficBytes: trafficBytes,
		Enabled:      true,
	}, oldSubgroup, newSubgroup)
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		return nil, ErrProvisioningFailed
	}

	key.TariffID = &tariff.ID
	key.UpdatedAt = s.now().UTC()
	if err := s.keys.Update(ctx, key); err != nil {
		return nil, err
	}

	s.logger.Info("key migrated",
		zap.String("email", key.Email),
		zap.String("from_subgroup", oldSubgroup),
		zap.String("to_subgroup", newSubgroup),
	)
	return key, nil
}

// Delete purges the key from its panels and removes the row.
func (s *KeyService) Delete(ctx context.Context, clientID uuid.UUID) error {
	key, err := s.loadKey(ctx, clientID)
	if err != nil {
		return err
	}

	result, err := s.clusters.Delete(ctx, key.ServerID, key.ClientID, key.Email)
	if err != nil {
		return err
	}
	if result.Failed() {
		return ErrProvisioningFailed
	}

	if err := s.keys.Delete(ctx, clientID); err != nil {
		return err
	}
	s.logger.Info("key deleted", zap.String("email", key.Email))
	return nil
}

// SetAlias updates the user-editable label.
func (s *KeyService) SetAlias(ctx context.Context, clientID uuid.UUID, alias string) error {
	key, err := s.loadKey(ctx, clientID)
	if err != nil {
		return err
	}
	if alias == "" {
		key.Alias = nil
	} else {
		key.Alias = &alias
	}
	key.UpdatedAt = s.now().UTC()
	return s.keys.Update(ctx, key)
}

// ResumeDeferred replays a command parked while the user paid. It is
// installed as the ledger's resume hook.
func (s *KeyService) ResumeDeferred(ctx context.Context, tgID int64, state string, command json.RawMessage) error {
	var err error
	switch state {
	case model.StateWaitingForPurchasePayment, model.StateWaitingForGiftPayment:
		var req CreateKeyRequest
		if err = json.Unmarshal(command, &req); err == nil {
			_, err = s.Create(ctx, req)
		}
	case model.StateWaitingForRenewalPayment:
		var cmd renewCommand
		if err = json.Unmarshal(command, &cmd); err == nil {
			_, err = s.Renew(ctx, cmd.ClientID, cmd.TariffID)
		}
	case model.StateWaitingForAddonsPayment:
		var cmd applyConfigCommand
		if err = json.Unmarshal(command, &cmd); err == nil {
			_, err = s.ApplyConfig(ctx, cmd.ClientID, cmd.DeviceLimit, cmd.TrafficGB)
		}
	default:
		return fmt.Errorf("unknown deferred state %q", state)
	}
	if err != nil {
		return err
	}
	return s.ledger.DropIntent(ctx, tgID)
}

// chargeOrPark debits the payer or stashes the command as a payment
// intent, returning PaymentRequiredError in the latter case.
func (s *KeyService) chargeOrPark(ctx context.Context, tgID int64, price int64, state string, command any) error {
	amount := decimal.NewFromInt(price)
	err := s.ledger.Debit(ctx, tgID, amount, "key")
	if err == nil {
		return nil
	}
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		return err
	}

	balance, balErr := s.ledger.Balance(ctx, tgID)
	if balErr != nil {
		return balErr
	}
	shortfall := ledger.Shortfall(amount, balance)

	blob, marshalErr := json.Marshal(command)
	if marshalErr != nil {
		return marshalErr
	}
	if stashErr := s.ledger.StashIntent(ctx, tgID, state, shortfall, blob); stashErr != nil {
		return stashErr
	}
	return &PaymentRequiredError{State: state, Shortfall: shortfall}
}

func (s *KeyService) maybeProrate(diff int64, key *model.Key, tariff *model.Tariff, modes settings.ModesConfig) int64 {
	if diff <= 0 {
		return 0
	}
	if !modes.RecalcOnAddon || tariff.DurationDays <= 0 {
		return diff
	}
	remainingSeconds := key.RemainingMs(s.now().UnixMilli()) / 1000
	durationSeconds := int64(tariff.DurationDays) * 86_400
	return pricing.Prorate(diff, remainingSeconds, durationSeconds)
}

func (s *KeyService) priceFor(tariff *model.Tariff, deviceLimit, trafficGB *int) (int64, *pricing.Selection) {
	if !tariff.Configurable || (deviceLimit == nil && trafficGB == nil) {
		return tariff.PriceRub, nil
	}
	sel := pricing.Selection{
		DeviceLimit: tariff.DeviceLimit,
		TrafficGB:   pricing.BaselineTrafficGB(tariff),
	}
	if deviceLimit != nil {
		sel.DeviceLimit = *deviceLimit
	}
	if trafficGB != nil {
		sel.TrafficGB = *trafficGB
	}
	return pricing.Price(tariff, sel), &sel
}

func (s *KeyService) renewalPrice(tariff *model.Tariff, key *model.Key) (int64, *pricing.Selection) {
	if !tariff.Configurable {
		return tariff.PriceRub, nil
	}
	sel := s.selectedSelection(tariff, key)
	return pricing.Price(tariff, sel), &sel
}

func (s *KeyService) selectedSelection(tariff *model.Tariff, key *model.Key) pricing.Selection {
	sel := pricing.Selection{
		DeviceLimit: tariff.DeviceLimit,
		TrafficGB:   pricing.BaselineTrafficGB(tariff),
	}
	if key.SelectedDeviceLimit != nil {
		sel.DeviceLimit = *key.SelectedDeviceLimit
	}
	if key.SelectedTrafficLimit != nil {
		sel.TrafficGB = *key.SelectedTrafficLimit
	}
	return sel
}

func (s *KeyService) currentSelection(tariff *model.Tariff, key *model.Key) pricing.Selection {
	sel := s.selectedSelection(tariff, key)
	if key.CurrentDeviceLimit != nil {
		sel.DeviceLimit = *key.CurrentDeviceLimit
	}
	if key.CurrentTrafficLimit != nil {
		sel.TrafficGB = *key.CurrentTrafficLimit
	}
	return sel
}

func (s *KeyService) limitsFor(tariff *model.Tariff, selection *pricing.Selection, trial bool) (int, int64) {
	if trial {
		cfg := s.settings.Current().Tariffs
		return cfg.TrialDeviceLimit, cfg.TrialTrafficBytes
	}
	if selection != nil {
		return selection.DeviceLimit, pricing.TrafficGBToBytes(selection.TrafficGB)
	}
	return tariff.DeviceLimit, tariff.TrafficLimit
}

func (s *KeyService) currentSubgroup(ctx context.Context, key *model.Key) string {
	if key.TariffID == nil {
		return ""
	}
	tariff, err := s.tariffs.FindByID(ctx, *key.TariffID)
	if err != nil {
		return ""
	}
	return subgroupOf(tariff)
}

func (s *KeyService) loadUser(ctx context.Context, tgID int64) (*model.User, error) {
	user, err := s.users.FindByTgID(ctx, tgID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if user.IsBanned {
		return nil, ErrUserBanned
	}
	return user, nil
}

func (s *KeyService) loadKey(ctx context.Context, clientID uuid.UUID) (*model.Key, error) {
	key, err := s.keys.FindByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return key, nil
}

func (s *KeyService) loadActiveTariff(ctx context.Context, id int64) (*model.Tariff, error) {
	tariff, err := s.tariffs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrTariffNotFound
		}
		return nil, err
	}
	if !tariff.IsActive {
		return nil, ErrTariffInactive
	}
	return tariff, nil
}

func (s *KeyService) uniqueEmail(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		email, err := s.newEmail()
		if err != nil {
			return "", err
		}
		exists, err := s.keys.EmailExists(ctx, email)
		if err != nil {
			return "", err
		}
		if !exists {
			return email, nil
		}
	}
	return "", errors.New("could not generate a unique email")
}

const emailAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomEmail() (string, error) {
	out := make([]byte, 8)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(emailAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = emailAlphabet[n.Int64()]
	}
	return string(out), nil
}

func subgroupOf(tariff *model.Tariff) string {
	if tariff.SubgroupTitle == nil {
		return ""
	}
	return *tariff.SubgroupTitle
}

func intPtr(v int) *int { return &v }

func int64Ptr(v int64) *int64 { return &v }

func selectionPtr(sel pricing.Selection) *pricing.Selection { return &sel }
