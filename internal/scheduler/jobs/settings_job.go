package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vpnhub/internal/settings"
)

// SettingsJob re-reads persisted settings so edits made by another
// process (the chat bot, a second replica) take effect without restart.
type SettingsJob struct {
	store  *settings.Store
	logger *zap.Logger
}

func NewSettingsJob(store *settings.Store, logger *zap.Logger) *SettingsJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsJob{store: store, logger: logger}
}

func (j *SettingsJob) Reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := j.store.Load(ctx); err != nil {
		j.logger.Warn("settings reload failed", zap.Error(err))
	}
}
