// Package scheduler wires the periodic jobs: the notification tick,
// currency-rate refresh, settings reload and metrics gauge updates.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	specSettingsReload = "0 * * * * *"
	specGaugeRefresh   = "0 */5 * * * *"
	specIntentSweep    = "0 30 4 * * *"
)

type NotifierTask interface {
	Run()
}

type CurrencyTask interface {
	Refresh()
}

type SettingsTask interface {
	Reload()
}

type StatsTask interface {
	UpdateGauges()
}

type SweepTask interface {
	Sweep()
}

type Deps struct {
	NotifierJob NotifierTask
	CurrencyJob CurrencyTask
	SettingsJob SettingsTask
	StatsJob    StatsTask
	SweepJob    SweepTask

	// TickSeconds is the notifier period; RateMinutes the currency
	// refresh period. Both come from settings at boot.
	TickSeconds int
	RateMinutes int
}

func NewScheduler(deps Deps, logger *zap.Logger) *cron.Cron {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	if deps.NotifierJob != nil {
		seconds := deps.TickSeconds
		if seconds <= 0 {
			seconds = 600
		}
		addFunc(c, fmt.Sprintf("@every %ds", seconds), "notifier.tick", logger, deps.NotifierJob.Run)
	}
	if deps.CurrencyJob != nil {
		minutes := deps.RateMinutes
		if minutes <= 0 {
			minutes = 30
		}
		addFunc(c, fmt.Sprintf("@every %dm", minutes), "currency.refresh", logger, deps.CurrencyJob.Refresh)
	}
	if deps.SettingsJob != nil {
		addFunc(c, specSettingsReload, "settings.reload", logger, deps.SettingsJob.Reload)
	}
	if deps.StatsJob != nil {
		addFunc(c, specGaugeRefresh, "stats.update_gauges", logger, deps.StatsJob.UpdateGauges)
	}
	if deps.SweepJob != nil {
		addFunc(c, specIntentSweep, "ledger.sweep_intents", logger, deps.SweepJob.Sweep)
	}

	return c
}

func addFunc(c *cron.Cron, spec string, name string, logger *zap.Logger, fn func()) {
	if c == nil || fn == nil {
		return
	}

	if _, err := c.AddFunc(spec, func() {
		defer recoverJobPanic(name, logger)
		start := time.Now()
		fn()
		logger.Debug("scheduler job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
	}); err != nil {
		logger.Error("register scheduler job failed",
			zap.String("job", name),
			zap.String("spec", spec),
			zap.Error(err),
		)
	}
}

func recoverJobPanic(jobName string, logger *zap.Logger) {
	if recovered := recover(); recovered != nil {
		logger.Error("scheduler job panic recovered",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}
