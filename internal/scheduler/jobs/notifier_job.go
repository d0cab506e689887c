// Package jobs holds the scheduler task implementations, each a thin
// timeout-scoped wrapper over a service call.
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/notifier"
)

type NotifierJob struct {
	engine  *notifier.Engine
	timeout time.Duration
	logger  *zap.Logger
}

func NewNotifierJob(engine *notifier.Engine, timeout time.Duration, logger *zap.Logger) *NotifierJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &NotifierJob{engine: engine, timeout: timeout, logger: logger}
}

func (j *NotifierJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.engine.Tick(ctx); err != nil {
		j.logger.Error("notification tick failed", zap.Error(err))
	}
}
