package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"leadpilot/services"
	"leadpilot/utils"
)

// Syncer pulls new channel activity once.
type Syncer interface {
	Run(ctx context.Context) (services.SyncResult, error)
}

// SyncWorker polls the messaging channel while an operator is present.
type SyncWorker struct {
	Syncer   Syncer
	Interval time.Duration
	Logger   *logrus.Entry
}

func NewSyncWorker(syncer Syncer, interval time.Duration) *SyncWorker {
	return &SyncWorker{
		Syncer:   syncer,
		Interval: interval,
		Logger:   utils.Logger("sync_worker"),
	}
}

func (sw *SyncWorker) Start(ctx context.Context) {
	sw.Logger.Info("Starting sync worker...")
	ticker := time.NewTicker(sw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.syncOnce(ctx)
		case <-ctx.Done():
			sw.Logger.Info("Stopping sync worker...")
			return
		}
	}
}

func (sw *SyncWorker) syncOnce(ctx context.Context) {
	result, err := sw.Syncer.Run(ctx)
	if err != nil {
		if utils.IsKind(err, utils.KindServiceUnavailable) || utils.IsKind(err, utils.KindRateLimited) {
			sw.Logger.WithError(err).Warn("Channel unavailable, sync deferred")
			return
		}
		utils.LogError("channel_sync_failed", err, nil)
		return
	}
	if result.Skipped {
		return
	}
	sw.Logger.WithFields(logrus.Fields{
		"threads":     result.Threads,
		"new_inbound": result.NewInbound,
		"failed":      result.Failed,
	}).Debug("Sync pass finished")
}
