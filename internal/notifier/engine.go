// Package notifier runs the periodic loop over active keys: expiry
// notices, auto-renewal, delayed post-expiry deletion, the zero-traffic
// quiet check and the hot-lead discount campaign.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vpnhub/internal/ledger"
	"vpnhub/internal/metrics"
	"vpnhub/internal/model"
	"vpnhub/internal/repository"
	"vpnhub/internal/service"
	"vpnhub/internal/settings"
	"vpnhub/internal/telegram"
)

var ErrOfferExpired = errors.New("discount offer has expired")

const (
	msPerHour = int64(3_600_000)
	msPerDay  = 24 * msPerHour

	cooldown24h = 24 * time.Hour
	cooldown10h = 10 * time.Hour

	hotLeadStep1 = model.HotLeadStep1
	hotLeadStep2 = model.HotLeadStep2
	hotLeadStep3 = model.HotLeadStep3
)

// Sender is the outbound chat port.
type Sender interface {
	Send(ctx context.Context, tgID int64, text string) error
}

// Renewer is the key-service surface the loop drives.
type Renewer interface {
	Renew(ctx context.Context, clientID uuid.UUID, tariffID int64) (*model.Key, error)
	Delete(ctx context.Context, clientID uuid.UUID) error
}

// ClusterInfo resolves cluster placement details.
type ClusterInfo interface {
	GroupCode(name string) (string, error)
	Traffic(ctx context.Context, clusterID string, clientID uuid.UUID, email string) (int64, error)
}

type Engine struct {
	keys          repository.KeyRepository
	users         repository.UserRepository
	tariffs       repository.TariffRepository
	notifications repository.NotificationRepository
	moneyLedger   *ledger.Ledger
	renewer       Renewer
	clusters      ClusterInfo
	settings      *settings.Store
	sender        Sender
	locker        Locker
	logger        *zap.Logger

	now func() time.Time
}

func NewEngine(
	keys repository.KeyRepository,
	users repository.UserRepository,
	tariffs repository.TariffRepository,
	notifications repository.NotificationRepository,
	moneyLedger *ledger.Ledger,
	renewer Renewer,
	clusters ClusterInfo,
	settingsStore *settings.Store,
	sender Sender,
	locker Locker,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = &MutexLocker{}
	}
	return &Engine{
		keys:          keys,
		users:         users,
		tariffs:       tariffs,
		notifications: notifications,
		moneyLedger:   moneyLedger,
		renewer:       renewer,
		clusters:      clusters,
		settings:      settingsStore,
		sender:        sender,
		locker:        locker,
		logger:        logger,
		now:           time.Now,
	}
}

// Tick is one pass of the loop. Overlapping ticks are skipped.
func (e *Engine) Tick(ctx context.Context) error {
	release, ok := e.locker.TryLock(ctx)
	if !ok {
		metrics.NotificationTickSkipped.Inc()
		e.logger.Debug("notification tick skipped, previous still running")
		return nil
	}
	defer release()

	keys, err := e.keys.ListUnfrozen(ctx)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	nowMs := e.now().UnixMilli()
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		left := key.ExpiryTime - nowMs
		switch {
		case left <= 0:
			e.handleExpired(ctx, key)
		case left <= 10*msPerHour:
			e.handleExpiring(ctx, key, "_expiring_10h", cooldown10h)
		case left <= 24*msPerHour:
			e.handleExpiring(ctx, key, "_expiring_24h", cooldown24h)
		default:
			e.checkZeroTraffic(ctx, key, nowMs)
		}
	}
	return nil
}

func (e *Engine) handleExpiring(ctx context.Context, key *model.Key, suffix string, cooldown time.Duration) {
	if e.settings.Current().Modes.AutoRenewEnabled {
		if e.tryAutoRenew(ctx, key) {
			return
		}
	}

	noticeType := key.Email + suffix
	if !e.pastCooldown(ctx, key.TgID, noticeType, cooldown) {
		return
	}
	hours := "24"
	if suffix == "_expiring_10h" {
		hours = "10"
	}
	text := fmt.Sprintf("Key %s expires in less than %s hours. Top up your balance or renew it now.", displayName(key), hours)
	e.send(ctx, key.TgID, noticeType, text)
}

func (e *Engine) handleExpired(ctx context.Context, key *model.Key) {
	modes := e.settings.Current().Modes
	if modes.AutoRenewEnabled && e.tryAutoRenew(ctx, key) {
		return
	}

	// The first expired observation only arms the hot-lead campaign; the
	// expired notice and the delete clock start on a later tick.
	if e.advanceHotLead(ctx, key.TgID) {
		return
	}

	noticeType := key.Email + "_expired"
	record, err := e.notifications.Find(ctx, key.TgID, noticeType)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		e.logger.Error("expired record lookup", zap.String("email", key.Email), zap.Error(err))
		return
	}

	if record == nil {
		text := fmt.Sprintf("Key %s has expired. Renew it to restore access.", displayName(key))
		if !e.send(ctx, key.TgID, noticeType, text) {
			return
		}
		if modes.DeleteKeyEnabled && modes.DeleteKeyDelayHours == 0 {
			e.deleteExpiredKey(ctx, key)
		}
		return
	}

	if !modes.DeleteKeyEnabled {
		return
	}
	delay := time.Duration(modes.DeleteKeyDelayHours) * time.Hour
	if e.now().Sub(record.LastNotificationTime) >= delay {
		e.deleteExpiredKey(ctx, key)
	}
}

func (e *Engine) deleteExpiredKey(ctx context.Context, key *model.Key) {
	if err := e.renewer.Delete(ctx, key.ClientID); err != nil {
		e.logger.Error("post-expiry delete", zap.String("email", key.Email), zap.Error(err))
		return
	}
	metrics.KeysDeleted.Inc()
	text := fmt.Sprintf("Key %s was removed after staying expired. You can create a new one anytime.", displayName(key))
	if err := e.sender.Send(ctx, key.TgID, text); err != nil {
		e.handleSendError(ctx, key.TgID, err)
	}
	_ = e.notifications.Delete(ctx, key.TgID,
		key.Email+"_expired", key.Email+"_expiring_24h", key.Email+"_expiring_10h", key.Email+"_renew")
}

// tryAutoRenew renews from balance. Candidate tariffs come from the
// cluster's group with duration capped at 31 days; the key's last tariff
// wins when it is still active, affordable and not a campaign tariff.
func (e *Engine) tryAutoRenew(ctx context.Context, key *model.Key) bool {
	balance, err := e.moneyLedger.Balance(ctx, key.TgID)
	if err != nil {
		return false
	}

	tariff := e.pickRenewalTariff(ctx, key, balance)
	if tariff == nil {
		metrics.AutoRenewals.WithLabelValues("unaffordable").Inc()
		return false
	}

	if _, err := e.renewer.Renew(ctx, key.ClientID, tariff.ID); err != nil {
		var payErr *service.PaymentRequiredError
		if errors.As(err, &payErr) {
			// The race lost: a deferred intent must not linger from an
			// automatic attempt.
			_ = e.moneyLedger.DropIntent(ctx, key.TgID)
			metrics.AutoRenewals.WithLabelValues("unaffordable").Inc()
			return false
		}
		metrics.AutoRenewals.WithLabelValues("error").Inc()
		e.logger.Error("auto-renew failed", zap.String("email", key.Email), zap.Error(err))
		return false
	}

	metrics.AutoRenewals.WithLabelValues("success").Inc()
	text := fmt.Sprintf("Key %s was renewed automatically from your balance.", displayName(key))
	e.send(ctx, key.TgID, key.Email+"_renew", text)
	return true
}

func (e *Engine) pickRenewalTariff(ctx context.Context, key *model.Key, balance decimal.Decimal) *model.Tariff {
	affordable := func(t *model.Tariff) bool {
		price := t.PriceRub
		if t.Configurable && key.SelectedPriceRub != nil && key.TariffID != nil && *key.TariffID == t.ID {
			price = *key.SelectedPriceRub
		}
		return balance.GreaterThanOrEqual(decimal.NewFromInt(price))
	}

	if key.TariffID != nil {
		if last, err := e.tariffs.FindByID(ctx, *key.TariffID); err == nil {
			if last.IsActive && !model.ReservedTariffGroup(last.GroupCode) && affordable(last) {
				return last
			}
		}
		// A dangling tariff id falls through to cluster selection.
	}

	groupCode, err := e.clusters.GroupCode(key.ServerID)
	if err != nil {
		return nil
	}
	candidates, err := e.tariffs.ListByGroup(ctx, groupCode, true)
	if err != nil {
		return nil
	}

	var best *model.Tariff
	for _, t := range candidates {
		if t.DurationDays > 31 || model.ReservedTariffGroup(t.GroupCode) || !affordable(t) {
			continue
		}
		if best == nil || t.DurationDays > best.DurationDays {
			best = t
		}
	}
	return best
}

// checkZeroTraffic sends the one-time quiet notice for keys that never
// moved a byte. Keys with more than 30 days left are skipped: that much
// runway almost always means a fresh renewal, not an abandoned key.
func (e *Engine) checkZeroTraffic(ctx context.Context, key *model.Key, nowMs int64) {
	hours := e.settings.Current().Notifications.NotifyInactiveTrafficHours
	if hours <= 0 || key.Notified {
		return
	}
	if e.now().Sub(key.CreatedAt) < time.Duration(hours)*time.Hour {
		return
	}
	if e.now().Sub(key.UpdatedAt) < time.Hour {
		return
	}
	if key.ExpiryTime-nowMs > 30*msPerDay {
		return
	}

	total, err := e.clusters.Traffic(ctx, key.ServerID, key.ClientID, key.Email)
	if err != nil {
		return
	}
	if total > 0 {
		_ = e.keys.SetNotified(ctx, key.ClientID, true)
		return
	}

	text := fmt.Sprintf("Key %s has not seen any traffic yet. Need help setting it up?", displayName(key))
	if err := e.sender.Send(ctx, key.TgID, text); err != nil {
		e.handleSendError(ctx, key.TgID, err)
		return
	}
	metrics.NotificationsSent.WithLabelValues("zero_traffic").Inc()
	_ = e.keys.SetNotified(ctx, key.ClientID, true)
}

// advanceHotLead drives the expired-user discount campaign one step.
// Step 1 is silent; steps 2 and 3 each fire after the configured
// interval elapses since the previous one. The return reports whether
// this call recorded step 1, which marks the user's first expired
// observation of the cycle.
func (e *Engine) advanceHotLead(ctx context.Context, tgID int64) bool {
	cfg := e.settings.Current().Notifications
	if cfg.HotLeadsIntervalHours <= 0 {
		return false
	}
	interval := time.Duration(cfg.HotLeadsIntervalHours) * time.Hour

	step1, err := e.notifications.Find(ctx, tgID, hotLeadStep1)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_ = e.notifications.Upsert(ctx, tgID, hotLeadStep1, e.now().UTC())
			return true
		}
		return false
	}

	step2, err := e.notifications.Find(ctx, tgID, hotLeadStep2)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return false
		}
		if e.now().Sub(step1.LastNotificationTime) < interval {
			return false
		}
		text := fmt.Sprintf("Your subscription lapsed. Here is a discount to come back, valid for %d hours.", cfg.DiscountActiveHours)
		e.send(ctx, tgID, hotLeadStep2, text)
		return false
	}

	if _, err := e.notifications.Find(ctx, tgID, hotLeadStep3); err == nil || !errors.Is(err, repository.ErrNotFound) {
		return false
	}
	if e.now().Sub(step2.LastNotificationTime) < interval {
		return false
	}
	text := fmt.Sprintf("Last call: the biggest discount we can offer, valid for %d hours.", cfg.DiscountActiveHours)
	e.send(ctx, tgID, hotLeadStep3, text)
	return false
}

// OfferTimeLeft is the purchase pre-flight for campaign tariffs: it
// reports how long the step's discount window stays open.
func (e *Engine) OfferTimeLeft(ctx context.Context, tgID int64, groupCode string) (time.Duration, error) {
	var step string
	switch groupCode {
	case model.TariffGroupDiscounts:
		step = hotLeadStep2
	case model.TariffGroupDiscountsMax:
		step = hotLeadStep3
	default:
		return 0, nil
	}

	record, err := e.notifications.Find(ctx, tgID, step)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, ErrOfferExpired
		}
		return 0, err
	}

	window := time.Duration(e.settings.Current().Notifications.DiscountActiveHours) * time.Hour
	left := window - e.now().Sub(record.LastNotificationTime)
	if left <= 0 {
		return 0, ErrOfferExpired
	}
	return left, nil
}

// pastCooldown reports whether the notice may fire again.
func (e *Engine) pastCooldown(ctx context.Context, tgID int64, noticeType string, cooldown time.Duration) bool {
	record, err := e.notifications.Find(ctx, tgID, noticeType)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return true
		}
		e.logger.Error("notification lookup", zap.String("type", noticeType), zap.Error(err))
		return false
	}
	return e.now().Sub(record.LastNotificationTime) >= cooldown
}

// send delivers and records the notice. A failed send is not recorded,
// so the next tick retries it.
func (e *Engine) send(ctx context.Context, tgID int64, noticeType, text string) bool {
	if err := e.sender.Send(ctx, tgID, text); err != nil {
		e.handleSendError(ctx, tgID, err)
		return false
	}
	metrics.NotificationsSent.WithLabelValues(metricLabel(noticeType)).Inc()
	if err := e.notifications.Upsert(ctx, tgID, noticeType, e.now().UTC()); err != nil {
		e.logger.Error("record notification", zap.String("type", noticeType), zap.Error(err))
	}
	return true
}

func (e *Engine) handleSendError(ctx context.Context, tgID int64, err error) {
	if telegram.Unreachable(err) {
		if banErr := e.users.SetBanned(ctx, tgID, true); banErr != nil {
			e.logger.Error("mark user blocked", zap.Int64("tg_id", tgID), zap.Error(banErr))
		}
		return
	}
	e.logger.Warn("notification send failed", zap.Int64("tg_id", tgID), zap.Error(err))
}

// metricLabel collapses per-key notice types into a bounded label set.
func metricLabel(noticeType string) string {
	switch {
	case strings.HasPrefix(noticeType, "hot_lead_"):
		return noticeType
	case strings.HasSuffix(noticeType, "_expiring_24h"):
		return "expiring_24h"
	case strings.HasSuffix(noticeType, "_expiring_10h"):
		return "expiring_10h"
	case strings.HasSuffix(noticeType, "_expired"):
		return "expired"
	case strings.HasSuffix(noticeType, "_renew"):
		return "renewed"
	}
	return "other"
}

func displayName(key *model.Key) string {
	if key.Alias != nil && *key.Alias != "" {
		return *key.Alias
	}
	return key.Email
}
