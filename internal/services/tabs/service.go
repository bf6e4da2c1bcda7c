// Package tabs tracks browser tab lifecycle: navigation, closure,
// heartbeats and scheduled repeat checks.
package tabs

import (
	"context"
	"sync"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/services/queue"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
)

// Queue is the part of the task queue the tab service drives.
type Queue interface {
	Enqueue(ctx context.Context, task models.Task) error
	TabState(ctx context.Context, tabID int) (models.TabState, bool, error)
}

// PayloadSender delivers the initial payload to content scripts.
type PayloadSender interface {
	SendInitialPayload(ctx context.Context, tabID, attempt int) bool
	CancelPayloadRetries(tabID int)
}

// Service reacts to tab events.
type Service struct {
	session state.Store
	host    transport.Host
	queue   Queue
	payload PayloadSender
	alarms  alarm.Scheduler
	clock   clock.Clock
	cfg     config.TabsConfig
	logger  *events.Logger

	mu        sync.Mutex
	afterFunc queue.AfterFunc
	debounce  map[int]func() bool
	stopped   bool
}

// NewService creates the tab service. Per-tab status flags live in the
// session store.
func NewService(session state.Store, host transport.Host, q Queue, payload PayloadSender, alarms alarm.Scheduler, clk clock.Clock, cfg config.TabsConfig, logger *events.Logger) *Service {
	return &Service{
		session:  session,
		host:     host,
		queue:    q,
		payload:  payload,
		alarms:   alarms,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.WithField("service", "tabs"),
		debounce: make(map[int]func() bool),
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
	}
}

// SetAfterFunc replaces the debounce timer.
func (s *Service) SetAfterFunc(fn queue.AfterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterFunc = fn
}

// Stop cancels pending debounced updates.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, stop := range s.debounce {
		stop()
		delete(s.debounce, id)
	}
}

// OnTabUpdated debounces navigation events. When the timer fires the tab
// is looked up again and its current URL recorded.
func (s *Service) OnTabUpdated(ctx context.Context, tabID int, url string) {
	if tabID <= 0 || url == "" {
		return
	}
	bg := context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if stop, ok := s.debounce[tabID]; ok {
		stop()
	}
	s.debounce[tabID] = s.afterFunc(s.cfg.DebounceDelay, func() {
		s.mu.Lock()
		delete(s.debounce, tabID)
		s.mu.Unlock()

		tab, err := s.host.GetTab(bg, tabID)
		if err != nil || tab.URL == "" {
			return
		}
		if err := s.UpdateStatus(bg, tabID, tab.URL); err != nil {
			s.logger.WithError(err).WithField("tab_id", tabID).Error("Failed to update tab status")
		}
	})
}

// UpdateStatus records whether the tab shows a video and arms or clears
// the cleanup grace alarm for tabs holding state.
func (s *Service) UpdateStatus(ctx context.Context, tabID int, url string) error {
	isVideo := models.IsVideoPage(url)
	if err := state.SetJSON(ctx, s.session, models.TabStatusKey(tabID), isVideo); err != nil {
		return err
	}

	name := alarm.CleanupTab(tabID)
	if isVideo {
		s.alarms.Clear(name)
		return nil
	}
	_, tracked, err := s.queue.TabState(ctx, tabID)
	if err != nil {
		return err
	}
	if !tracked {
		return nil
	}
	s.logger.WithField("tab_id", tabID).Debug("Tab left video content, arming cleanup")
	return s.alarms.Create(name, alarm.Schedule{Delay: s.cfg.CleanupGrace})
}

// HandleCleanupAlarm clears a tab's state if it is still off video
// content once the grace period ends.
func (s *Service) HandleCleanupAlarm(ctx context.Context, tabID int) {
	tab, err := s.host.GetTab(ctx, tabID)
	if err == nil && models.IsVideoPage(tab.URL) {
		return
	}
	s.enqueue(ctx, models.NewTabTask(models.TaskClearIfNotVideo, tabID))
}

// OnTabRemoved drops every per-tab alarm and flag and queues removal of
// the tab's state.
func (s *Service) OnTabRemoved(ctx context.Context, tabID int) {
	if tabID <= 0 {
		return
	}
	s.mu.Lock()
	if stop, ok := s.debounce[tabID]; ok {
		stop()
		delete(s.debounce, tabID)
	}
	s.mu.Unlock()

	s.alarms.Clear(alarm.RepeatCheck(tabID))
	s.alarms.Clear(alarm.CleanupTab(tabID))
	s.alarms.Clear(alarm.Heartbeat(tabID))
	s.payload.CancelPayloadRetries(tabID)

	if err := s.session.Remove(ctx, models.TabStatusKey(tabID)); err != nil {
		s.logger.WithError(err).WithField("tab_id", tabID).Warn("Failed to remove tab status")
	}
	s.enqueue(ctx, models.NewTabTask(models.TaskTabRemoved, tabID))
}

// StartHeartbeat arms the periodic liveness ping for a repeating tab.
func (s *Service) StartHeartbeat(tabID int) error {
	return s.alarms.Create(alarm.Heartbeat(tabID), alarm.Schedule{
		Delay:  s.cfg.HeartbeatInterval,
		Period: s.cfg.HeartbeatInterval,
	})
}

// StopHeartbeat disarms the liveness ping.
func (s *Service) StopHeartbeat(tabID int) {
	s.alarms.Clear(alarm.Heartbeat(tabID))
}

// HandleHeartbeat pings the tab. A tab that does not answer is treated as
// closed.
func (s *Service) HandleHeartbeat(ctx context.Context, tabID int) {
	msg, err := models.NewMessage(models.MsgAreYouStillRepeating, nil)
	if err != nil {
		return
	}
	if _, err := s.host.SendToTab(ctx, tabID, msg); err != nil {
		s.logger.WithError(err).WithField("tab_id", tabID).Info("Tab not responding, clearing repeat state")
		s.OnTabRemoved(ctx, tabID)
	}
}

// ScheduleRepeatCheck arms an EXECUTE_REPEAT_CHECK for the tab after delay.
func (s *Service) ScheduleRepeatCheck(tabID int, delay time.Duration) error {
	return s.alarms.Create(alarm.RepeatCheck(tabID), alarm.Schedule{When: s.clock.Now().Add(delay)})
}

// CancelRepeatCheck disarms a scheduled repeat check.
func (s *Service) CancelRepeatCheck(tabID int) {
	s.alarms.Clear(alarm.RepeatCheck(tabID))
}

// HandleRepeatCheck asks the tab to run its repeat check.
func (s *Service) HandleRepeatCheck(ctx context.Context, tabID int) {
	msg, err := models.NewMessage(models.MsgExecuteRepeatCheck, nil)
	if err != nil {
		return
	}
	if _, err := s.host.SendToTab(ctx, tabID, msg); err != nil {
		s.logger.WithError(err).WithField("tab_id", tabID).Debug("Tab not found for repeat check")
	}
}

// ContentScriptReady marks the tab initializing and delivers its initial
// payload. Delivery enqueues the matching ready task on success.
func (s *Service) ContentScriptReady(ctx context.Context, tabID int) {
	s.payload.CancelPayloadRetries(tabID)
	s.logger.WithField("tab_id", tabID).Debug("Content script initialized, sending initial payload")
	s.enqueue(ctx, models.NewTabTask(models.TaskInitStarted, tabID))
	s.payload.SendInitialPayload(ctx, tabID, 0)
}

// TabState answers GET_TAB_STATE.
func (s *Service) TabState(ctx context.Context, tabID int) (models.TabStateResponse, error) {
	var resp models.TabStateResponse
	st, ok, err := s.queue.TabState(ctx, tabID)
	if err != nil {
		return resp, err
	}
	if ok {
		resp.State = &st
	}
	if _, err := state.GetJSON(ctx, s.session, models.TabStatusKey(tabID), &resp.IsVideoPage); err != nil {
		return resp, err
	}
	return resp, nil
}

func (s *Service) enqueue(ctx context.Context, task models.Task) {
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.WithError(err).WithFields(map[string]any{
			"task":   string(task.Type),
			"tab_id": task.Payload.TabID,
		}).Error("Failed to enqueue task")
	}
}
