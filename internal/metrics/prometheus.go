package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnhub_notifications_sent_total",
		Help: "Notifications delivered, by type",
	}, []string{"type"})

	NotificationTickSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnhub_notification_ticks_skipped_total",
		Help: "Notifier ticks skipped because a previous tick still held the lock",
	})

	AutoRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnhub_auto_renewals_total",
		Help: "Auto-renew attempts by outcome",
	}, []string{"outcome"})

	PanelFanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnhub_panel_fanout_failures_total",
		Help: "Panel endpoint failures during cluster fan-out",
	}, []string{"cluster", "op"})

	CreditsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vpnhub_credits_applied_total",
		Help: "Balance credits applied, by payment system",
	}, []string{"system"})

	CreditDedupeHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnhub_credit_dedupe_hits_total",
		Help: "Duplicate payment webhooks rejected",
	})

	KeysDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnhub_keys_deleted_total",
		Help: "Keys purged after the post-expiry delay",
	})

	ActiveKeys = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vpnhub_active_keys",
		Help: "Non-frozen keys by cluster",
	}, []string{"cluster"})

	CurrencyRateRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnhub_currency_rate_refresh_errors_total",
		Help: "Failed central-bank rate fetches",
	})

	StaleIntentsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vpnhub_stale_intents_swept_total",
		Help: "Parked payment intents removed by the daily sweep",
	})
)
