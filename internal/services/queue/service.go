// Package queue serializes every tab state mutation through a durable task
// list drained one task at a time under the queue lock.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
)

// Outcome describes what a single Drain call did.
type Outcome int

const (
	// Skipped means another drainer holds the queue lock.
	Skipped Outcome = iota
	Empty
	Applied
	// Unchanged means the task applied but left the state map as it was.
	Unchanged
	Requeued
	Discarded
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Empty:
		return "empty"
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	case Requeued:
		return "requeued"
	case Discarded:
		return "discarded"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Notifier delivers reducer effects to tabs.
type Notifier interface {
	SendToTab(ctx context.Context, tabID int, msg models.Message) (*models.Response, error)
}

// AfterFunc runs fn after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

func timerAfterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Service owns the task list and the tab state map in the session store.
type Service struct {
	store    state.Store
	locks    *lock.Manager
	reducer  *Reducer
	notifier Notifier
	clock    clock.Clock
	cfg      config.QueueConfig
	logger   *events.Logger

	mu        sync.Mutex
	afterFunc AfterFunc
	pending   func() bool
	stopped   bool
}

// NewService creates a queue over the session store.
func NewService(store state.Store, locks *lock.Manager, reducer *Reducer, notifier Notifier, clk clock.Clock, cfg config.QueueConfig, logger *events.Logger) *Service {
	return &Service{
		store:     store,
		locks:     locks,
		reducer:   reducer,
		notifier:  notifier,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.WithField("service", "queue"),
		afterFunc: timerAfterFunc,
	}
}

// SetAfterFunc replaces the timer used to schedule follow-up drains.
func (s *Service) SetAfterFunc(fn AfterFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterFunc = fn
}

// Stop cancels any scheduled drain. Enqueue still persists afterwards but
// no longer drains.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.pending != nil {
		s.pending()
		s.pending = nil
	}
}

func (s *Service) lockOpts(timeout time.Duration) []lock.Option {
	return []lock.Option{lock.WithTimeout(timeout), lock.WithStaleAfter(s.cfg.LockStaleAfter)}
}

// Enqueue appends task to the list and triggers a drain.
func (s *Service) Enqueue(ctx context.Context, task models.Task) error {
	if err := task.Validate(); err != nil {
		return &models.TaskError{Kind: task.Type, TabID: task.Payload.TabID, Err: err}
	}
	task.Retries = 0

	err := s.locks.WithLock(ctx, lock.QueueLock, func(ctx context.Context) error {
		tasks, err := s.loadTasks(ctx)
		if err != nil {
			return err
		}
		return s.saveTasks(ctx, append(tasks, task))
	}, s.lockOpts(s.cfg.EnqueueLockTimeout)...)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type, err)
	}

	s.logger.WithFields(map[string]any{"task": string(task.Type), "tab_id": task.Payload.TabID}).Debug("Task enqueued")

	if s.isStopped() {
		return nil
	}
	if _, err := s.Drain(ctx); err != nil {
		s.logger.WithError(err).Warn("Drain after enqueue failed")
	}
	return nil
}

// Drain applies at most one task. It never loops: a non-empty remainder is
// drained again after the redrain delay. Task effects go out once the queue
// lock is released.
func (s *Service) Drain(ctx context.Context) (Outcome, error) {
	outcome, effects, err := s.drain(ctx)
	s.deliver(ctx, effects)
	return outcome, err
}

func (s *Service) drain(ctx context.Context) (Outcome, []Effect, error) {
	lockID, err := s.locks.Acquire(ctx, lock.QueueLock, s.lockOpts(s.cfg.DrainLockTimeout)...)
	if err != nil {
		if errors.Is(err, models.ErrLockTimeout) {
			s.logger.Debug("Queue busy, skipping drain")
			return Skipped, nil, nil
		}
		return Skipped, nil, err
	}
	defer s.locks.Release(context.WithoutCancel(ctx), lock.QueueLock, lockID)

	tasks, err := s.loadTasks(ctx)
	if err != nil {
		return Skipped, nil, fmt.Errorf("load tasks: %w", err)
	}
	if len(tasks) == 0 {
		return Empty, nil, nil
	}

	task, rest := tasks[0], tasks[1:]
	// Persist the dequeue before applying so a crash never replays it.
	if err := s.saveTasks(ctx, rest); err != nil {
		return Skipped, nil, fmt.Errorf("persist dequeue: %w", err)
	}

	logger := s.logger.WithFields(map[string]any{"task": string(task.Type), "tab_id": task.Payload.TabID})
	outcome, effects, applyErr := s.apply(ctx, task, logger)
	if applyErr != nil {
		outcome, rest = s.fail(ctx, task, rest, applyErr, logger)
	}

	if len(rest) > 0 {
		s.scheduleDrain(ctx)
	}
	return outcome, effects, nil
}

func (s *Service) apply(ctx context.Context, task models.Task, logger *events.Logger) (Outcome, []Effect, error) {
	current, err := s.loadStates(ctx)
	if err != nil {
		return Skipped, nil, err
	}

	res, err := s.reducer.Reduce(ctx, task, current, s.clock.Now())
	if err != nil {
		return Skipped, nil, err
	}

	outcome := Unchanged
	if res.Changed {
		if err := state.SetJSON(ctx, s.store, models.TabStatesKey, res.States); err != nil {
			return Skipped, nil, err
		}
		outcome = Applied
	}

	logger.WithField("outcome", outcome.String()).Debug("Task processed")
	return outcome, res.Effects, nil
}

func (s *Service) deliver(ctx context.Context, effects []Effect) {
	if s.notifier == nil {
		return
	}
	for _, effect := range effects {
		if _, err := s.notifier.SendToTab(ctx, effect.TabID, effect.Message); err != nil {
			s.logger.WithError(err).WithFields(map[string]any{
				"tab_id":  effect.TabID,
				"message": string(effect.Message.Type),
			}).Warn("Failed to deliver task effect")
		}
	}
}

// fail requeues task at the front or discards it once retries run out.
func (s *Service) fail(ctx context.Context, task models.Task, rest []models.Task, cause error, logger *events.Logger) (Outcome, []models.Task) {
	task.Retries++
	if task.Retries <= s.cfg.MaxRetries {
		logger.WithError(cause).WithField("retries", task.Retries).Warn("Task failed, requeueing")
		requeued := append([]models.Task{task}, rest...)
		if err := s.saveTasks(ctx, requeued); err != nil {
			logger.WithError(err).Critical("Failed to requeue task, it is lost")
			return Discarded, rest
		}
		return Requeued, requeued
	}

	logger.WithError(cause).WithField("retries", task.Retries).Critical("Task discarded after max retries")
	if task.Type.Critical() {
		s.compensate(ctx, task.Payload.TabID, logger)
	}
	return Discarded, rest
}

// compensate drops the tab entry a lost critical update would otherwise
// leave behind.
func (s *Service) compensate(ctx context.Context, tabID int, logger *events.Logger) {
	states, err := s.loadStates(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to load tab states for cleanup")
		return
	}
	if !states.Delete(tabID) {
		return
	}
	if err := state.SetJSON(ctx, s.store, models.TabStatesKey, states); err != nil {
		logger.WithError(err).Error("Failed to remove tab state after discard")
		return
	}
	logger.Info("Removed tab state after discarded task")
}

func (s *Service) scheduleDrain(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.pending != nil {
		s.pending()
	}
	bg := context.WithoutCancel(ctx)
	s.pending = s.afterFunc(s.cfg.RedrainDelay, func() {
		if _, err := s.Drain(bg); err != nil {
			s.logger.WithError(err).Warn("Scheduled drain failed")
		}
	})
}

func (s *Service) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// loadTasks reads the task list. A list that does not decode is logged and
// treated as empty; individually invalid tasks are dropped.
func (s *Service) loadTasks(ctx context.Context) ([]models.Task, error) {
	values, err := s.store.Get(ctx, models.QueueKey)
	if err != nil {
		return nil, err
	}
	raw, ok := values[models.QueueKey]
	if !ok {
		return nil, nil
	}

	var tasks []models.Task
	if err := json.Unmarshal(raw, &tasks); err != nil {
		s.logger.WithError(err).Error("Task list is corrupt, resetting")
		return nil, nil
	}

	valid := tasks[:0]
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			s.logger.WithError(err).Warn("Dropping invalid task")
			continue
		}
		valid = append(valid, t)
	}
	return valid, nil
}

func (s *Service) saveTasks(ctx context.Context, tasks []models.Task) error {
	if tasks == nil {
		tasks = []models.Task{}
	}
	return state.SetJSON(ctx, s.store, models.QueueKey, tasks)
}

func (s *Service) loadStates(ctx context.Context) (models.TabStateMap, error) {
	values, err := s.store.Get(ctx, models.TabStatesKey)
	if err != nil {
		return nil, err
	}
	raw, ok := values[models.TabStatesKey]
	if !ok {
		return models.NewTabStateMap(), nil
	}
	states := models.NewTabStateMap()
	if err := json.Unmarshal(raw, &states); err != nil {
		s.logger.WithError(err).Error("Tab state map is corrupt, resetting")
		return models.NewTabStateMap(), nil
	}
	return states, nil
}

// Reset replaces the tab state map with an empty one.
func (s *Service) Reset(ctx context.Context) error {
	return s.locks.WithLock(ctx, lock.QueueLock, func(ctx context.Context) error {
		return state.SetJSON(ctx, s.store, models.TabStatesKey, models.NewTabStateMap())
	}, s.lockOpts(s.cfg.EnqueueLockTimeout)...)
}

// Snapshot returns the outstanding tasks and the current tab states without
// taking the lock.
func (s *Service) Snapshot(ctx context.Context) ([]models.Task, models.TabStateMap, error) {
	tasks, err := s.loadTasks(ctx)
	if err != nil {
		return nil, nil, err
	}
	states, err := s.loadStates(ctx)
	if err != nil {
		return nil, nil, err
	}
	return tasks, states, nil
}

// TabState returns the state recorded for tabID.
func (s *Service) TabState(ctx context.Context, tabID int) (models.TabState, bool, error) {
	states, err := s.loadStates(ctx)
	if err != nil {
		return models.TabState{}, false, err
	}
	st, ok := states.Get(tabID)
	return st, ok, nil
}
