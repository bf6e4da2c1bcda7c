package worker

import (
	"context"
	"strings"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
)

// HandleAlarm routes a fired alarm by name.
func (w *Worker) HandleAlarm(ctx context.Context, name string) {
	logger := w.logger.WithField("alarm", name)

	switch name {
	case alarm.PurgeOldSections:
		w.Eviction.Purge(ctx, false)
		return
	case alarm.ProcessPendingSaves:
		if _, err := w.Pending.ProcessPendingSaves(ctx); err != nil {
			logger.WithError(err).Error("Pending write replay failed")
		}
		return
	case alarm.ReconcileStorage:
		w.Metadata.Run(ctx)
		return
	}

	switch {
	case strings.HasPrefix(name, alarm.RetryPurgePrefix):
		w.Eviction.HandleRetryAlarm(ctx, name)
	case strings.HasPrefix(name, alarm.RetryReconcilePrefix):
		w.Metadata.HandleRetryAlarm(ctx, name)
	case strings.HasPrefix(name, alarm.RetrySaltSetupPrefix):
		w.Setup.HandleRetryAlarm(ctx, name)
	case strings.HasPrefix(name, alarm.RetryInitialPayloadPrefix):
		w.Setup.HandlePayloadRetryAlarm(ctx, name)
	case strings.HasPrefix(name, alarm.RetryReleaseLockPrefix):
		w.Locks.HandleReleaseRetry(ctx, name)
	case strings.HasPrefix(name, alarm.CleanupTabPrefix):
		if id, ok := alarm.TabID(name, alarm.CleanupTabPrefix); ok {
			w.Tabs.HandleCleanupAlarm(ctx, id)
		}
	case strings.HasPrefix(name, alarm.RepeatCheckPrefix):
		if id, ok := alarm.TabID(name, alarm.RepeatCheckPrefix); ok {
			w.Tabs.HandleRepeatCheck(ctx, id)
		}
	case strings.HasPrefix(name, alarm.HeartbeatPrefix):
		if id, ok := alarm.TabID(name, alarm.HeartbeatPrefix); ok {
			w.Tabs.HandleHeartbeat(ctx, id)
		}
	default:
		logger.Warn("Unhandled alarm")
	}
}
