package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/metrics"
	"vpnhub/internal/repository"
)

// StatsJob pushes slow-moving counts into prometheus gauges.
type StatsJob struct {
	keys   repository.KeyRepository
	logger *zap.Logger
}

func NewStatsJob(keys repository.KeyRepository, logger *zap.Logger) *StatsJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsJob{keys: keys, logger: logger}
}

func (j *StatsJob) UpdateGauges() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	byCluster, err := j.keys.CountActiveByCluster(ctx)
	if err != nil {
		j.logger.Warn("active key count failed", zap.Error(err))
		return
	}
	for cluster, count := range byCluster {
		metrics.ActiveKeys.WithLabelValues(cluster).Set(float64(count))
	}
}
