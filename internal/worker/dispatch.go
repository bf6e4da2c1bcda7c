package worker

import (
	"context"
	"errors"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

type handlerFunc func(ctx context.Context, sender models.Sender, msg models.Message) (any, error)

var errPurgeFailed = errors.New("purge_failed_in_background")

// Dispatch answers one inbound message. Messages from tabs that no longer
// exist trigger a tab state reconciliation and are not handled.
func (w *Worker) Dispatch(ctx context.Context, sender models.Sender, msg models.Message) models.Response {
	logger := w.logger.WithField("message_type", string(msg.Type))

	if sender.TabID > 0 {
		if _, err := w.Host.GetTab(ctx, sender.TabID); err != nil {
			logger.WithField("tab_id", sender.TabID).Debug("Message from closed tab")
			if qerr := w.Queue.Enqueue(ctx, models.NewReconcileTask()); qerr != nil {
				logger.WithError(qerr).Error("Failed to enqueue tab reconciliation")
			}
			return models.Response{Success: false, Reason: models.ReasonTabClosed}
		}
	}

	handler, ok := w.handlers[msg.Type]
	if !ok {
		logger.Warn("Unknown message type received")
		return models.Response{Success: false, Reason: models.ReasonUnknownMessageType}
	}

	data, err := handler(ctx, sender, msg)
	if err != nil {
		logger.WithError(err).Error("Message handler failed")
		return models.Response{Success: false, Error: err.Error()}
	}
	return models.Response{Success: true, Data: data}
}

// DisabledHandler answers every message while the worker could not start.
func DisabledHandler(_ context.Context, _ models.Sender, _ models.Message) models.Response {
	return models.Response{Success: false, Error: models.ReasonCriticalInit}
}

// Handles reports whether t has a handler.
func (w *Worker) Handles(t models.MessageType) bool {
	_, ok := w.handlers[t]
	return ok
}

func (w *Worker) buildHandlers() map[models.MessageType]handlerFunc {
	return map[models.MessageType]handlerFunc{
		models.MsgUpdateMetadata:        w.handleUpdateMetadata,
		models.MsgSaveDataAndMetadata:   w.handleSaveData,
		models.MsgHashVideoID:           w.handleHashVideoID,
		models.MsgContentScriptReady:    withTab(w.handleContentScriptReady),
		models.MsgReattemptSetup:        w.handleReattemptSetup,
		models.MsgGetTabState:           withTab(w.handleGetTabState),
		models.MsgForcePurge:            w.handleForcePurge,
		models.MsgLogError:              w.handleLogError,
		models.MsgTriggerImmediatePurge: w.handleTriggerImmediatePurge,
		models.MsgGetStorageInfo:        w.handleGetStorageInfo,
		models.MsgGetUserSalt:           w.handleGetUserSalt,
		models.MsgAcquireLock:           w.handleAcquireLock,
		models.MsgReleaseLock:           w.handleReleaseLock,
		models.MsgScheduleRepeatCheck:   withTab(w.handleScheduleRepeatCheck),
		models.MsgCancelRepeatCheck:     withTab(w.handleCancelRepeatCheck),
		models.MsgRepeatStateChanged:    withTab(w.handleRepeatStateChanged),
		models.MsgStillRepeating:        withTab(w.enqueueTabTask(models.TaskStillRepeating)),
		models.MsgNavigatedAway:         withTab(w.enqueueTabTask(models.TaskNavigatedAway)),
		models.MsgSetFocusMode:          withTab(w.handleSetFocusMode),
		models.MsgStartHeartbeat:        withTab(w.handleStartHeartbeat),
		models.MsgStopHeartbeat:         withTab(w.handleStopHeartbeat),
	}
}

type tabHandler func(ctx context.Context, tabID int, msg models.Message) (any, error)

func withTab(h tabHandler) handlerFunc {
	return func(ctx context.Context, sender models.Sender, msg models.Message) (any, error) {
		if sender.TabID <= 0 {
			return nil, models.ErrNoTabID
		}
		return h(ctx, sender.TabID, msg)
	}
}

func empty() (any, error) {
	return struct{}{}, nil
}

func (w *Worker) handleUpdateMetadata(ctx context.Context, _ models.Sender, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.UpdateMetadataPayload](msg)
	if err != nil {
		return nil, err
	}
	if p.HashedID == "" {
		return nil, errors.New("hashedId is required")
	}
	if err := w.Metadata.Update(ctx, p.HashedID, p.SectionCount); err != nil {
		return nil, err
	}
	return empty()
}

func (w *Worker) handleSaveData(ctx context.Context, _ models.Sender, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.SaveDataPayload](msg)
	if err != nil {
		return nil, err
	}
	res, err := w.Sections.Persist(ctx, p.HashedID, p.Sections)
	if err != nil {
		return nil, err
	}
	return map[string]any{"pending": res.Pending, "trimmed": res.Trimmed}, nil
}

func (w *Worker) handleHashVideoID(ctx context.Context, _ models.Sender, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.HashVideoIDPayload](msg)
	if err != nil {
		return nil, err
	}
	hashed, ok, err := w.Sections.Hash(ctx, p.VideoID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"hashedId": nil}, nil
	}
	return map[string]any{"hashedId": hashed}, nil
}

func (w *Worker) handleContentScriptReady(ctx context.Context, tabID int, _ models.Message) (any, error) {
	w.Tabs.ContentScriptReady(ctx, tabID)
	return empty()
}

func (w *Worker) handleReattemptSetup(ctx context.Context, _ models.Sender, _ models.Message) (any, error) {
	w.logger.Info("User requested setup re-initialization")
	if err := w.Setup.Run(ctx, 0); err != nil && !errors.Is(err, models.ErrLockTimeout) {
		// Retries are already scheduled; the popup polls storage info.
		w.logger.WithError(err).Debug("Setup attempt failed")
	}
	return empty()
}

func (w *Worker) handleGetTabState(ctx context.Context, tabID int, _ models.Message) (any, error) {
	return w.Tabs.TabState(ctx, tabID)
}

func (w *Worker) handleForcePurge(ctx context.Context, _ models.Sender, _ models.Message) (any, error) {
	w.logger.Warn("Force purge requested by user")
	if !w.Eviction.Purge(ctx, true) {
		return nil, errPurgeFailed
	}
	return map[string]any{"purged": true}, nil
}

func (w *Worker) handleLogError(_ context.Context, sender models.Sender, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.LogErrorPayload](msg)
	if err != nil {
		return nil, err
	}
	w.logger.WithFields(map[string]any{
		"context": p.Context,
		"tab_id":  sender.TabID,
		"source":  "content_script",
	}).Error(p.Error)
	return empty()
}

func (w *Worker) handleTriggerImmediatePurge(ctx context.Context, _ models.Sender, _ models.Message) (any, error) {
	w.Eviction.TriggerImmediate(ctx)
	return empty()
}

func (w *Worker) handleGetStorageInfo(ctx context.Context, _ models.Sender, _ models.Message) (any, error) {
	return w.Eviction.StorageInfo(ctx)
}

func (w *Worker) handleGetUserSalt(ctx context.Context, _ models.Sender, _ models.Message) (any, error) {
	salt, ok, err := w.Setup.UserSalt(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return models.InitPayload{}, nil
	}
	return models.InitPayload{Salt: &salt}, nil
}

func (w *Worker) handleAcquireLock(ctx context.Context, _ models.Sender, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.LockPayload](msg)
	if err != nil {
		return nil, err
	}
	if p.Key == "" {
		return nil, errors.New("lock key is required")
	}
	var opts []lock.Option
	if p.Timeout > 0 {
		opts = append(opts, lock.WithTimeout(time.Duration(p.Timeout)*time.Millisecond))
	}
	id, err := w.Locks.Acquire(ctx, p.Key, opts...)
	if err != nil {
		return nil, err
	}
	return map[string]string{"lockId": id}, nil
}

func (w *Worker) handleReleaseLock(ctx context.Context, _ models.Sender, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.LockPayload](msg)
	if err != nil {
		return nil, err
	}
	w.Locks.Release(ctx, p.Key, p.ID)
	return empty()
}

func (w *Worker) handleScheduleRepeatCheck(_ context.Context, tabID int, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.RepeatCheckPayload](msg)
	if err != nil {
		return nil, err
	}
	if err := w.Tabs.ScheduleRepeatCheck(tabID, time.Duration(p.Delay)*time.Millisecond); err != nil {
		return nil, err
	}
	return empty()
}

func (w *Worker) handleCancelRepeatCheck(_ context.Context, tabID int, _ models.Message) (any, error) {
	w.Tabs.CancelRepeatCheck(tabID)
	return empty()
}

func (w *Worker) handleRepeatStateChanged(ctx context.Context, tabID int, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.RepeatStatePayload](msg)
	if err != nil {
		return nil, err
	}
	if err := w.Queue.Enqueue(ctx, models.NewRepeatChangedTask(tabID, p.IsRepeating, p.VideoID)); err != nil {
		return nil, err
	}
	return empty()
}

func (w *Worker) enqueueTabTask(kind models.TaskKind) tabHandler {
	return func(ctx context.Context, tabID int, _ models.Message) (any, error) {
		if err := w.Queue.Enqueue(ctx, models.NewTabTask(kind, tabID)); err != nil {
			return nil, err
		}
		return empty()
	}
}

func (w *Worker) handleSetFocusMode(ctx context.Context, tabID int, msg models.Message) (any, error) {
	p, err := models.DecodePayload[models.FocusModePayload](msg)
	if err != nil {
		return nil, err
	}
	if err := w.Queue.Enqueue(ctx, models.NewFocusModeTask(tabID, p.IsFocus)); err != nil {
		return nil, err
	}
	return empty()
}

func (w *Worker) handleStartHeartbeat(_ context.Context, tabID int, _ models.Message) (any, error) {
	if err := w.Tabs.StartHeartbeat(tabID); err != nil {
		return nil, err
	}
	return empty()
}

func (w *Worker) handleStopHeartbeat(_ context.Context, tabID int, _ models.Message) (any, error) {
	w.Tabs.StopHeartbeat(tabID)
	return empty()
}
