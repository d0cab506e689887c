package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/payments"
)

// CurrencyJob keeps the rate cache warm so checkouts rarely block on
// the central-bank fetch.
type CurrencyJob struct {
	converter *payments.Converter
	logger    *zap.Logger
}

func NewCurrencyJob(converter *payments.Converter, logger *zap.Logger) *CurrencyJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CurrencyJob{converter: converter, logger: logger}
}

func (j *CurrencyJob) Refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := j.converter.Refresh(ctx); err != nil {
		j.logger.Warn("currency rate refresh failed", zap.Error(err))
	}
}
