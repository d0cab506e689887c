package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/ledger"
	"vpnhub/internal/metrics"
)

// intentMaxAge gives an abandoned checkout a full day before its parked
// command is dropped.
const intentMaxAge = 24 * time.Hour

// SweepJob drops payment intents nobody ever paid for.
type SweepJob struct {
	moneyLedger *ledger.Ledger
	logger      *zap.Logger
}

func NewSweepJob(moneyLedger *ledger.Ledger, logger *zap.Logger) *SweepJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SweepJob{moneyLedger: moneyLedger, logger: logger}
}

func (j *SweepJob) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := j.moneyLedger.SweepStale(ctx, intentMaxAge)
	if err != nil {
		j.logger.Warn("stale intent sweep failed", zap.Error(err))
		return
	}
	metrics.StaleIntentsSwept.Add(float64(removed))
}
