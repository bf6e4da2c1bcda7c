package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

// TabLookup answers whether a tab still exists. Implementations return an
// error wrapping models.ErrNotFound for closed tabs.
type TabLookup interface {
	GetTab(ctx context.Context, tabID int) (*models.Tab, error)
}

// Effect is a message the drain must deliver after applying a task.
type Effect struct {
	TabID   int
	Message models.Message
}

// Result of reducing one task. States is always a fresh map; Changed is
// false when it equals the input and need not be persisted.
type Result struct {
	States  models.TabStateMap
	Changed bool
	Effects []Effect
}

// Reducer maps (task, tab states) to new tab states. Only
// reconcile-tab-states performs I/O, a read of the live tab list.
type Reducer struct {
	tabs   TabLookup
	logger *events.Logger
}

// NewReducer creates a reducer.
func NewReducer(tabs TabLookup, logger *events.Logger) *Reducer {
	return &Reducer{
		tabs:   tabs,
		logger: logger.WithField("component", "tab_state_reducer"),
	}
}

// Reduce applies task to current without mutating it.
func (r *Reducer) Reduce(ctx context.Context, task models.Task, current models.TabStateMap, now time.Time) (Result, error) {
	if err := task.Validate(); err != nil {
		return Result{}, &models.TaskError{Kind: task.Type, TabID: task.Payload.TabID, Err: err}
	}

	next := current.Clone()
	tabID := task.Payload.TabID
	logger := r.logger.WithFields(map[string]any{"task": string(task.Type), "tab_id": tabID})

	switch task.Type {
	case models.TaskInitStarted:
		st, _ := next.Get(tabID)
		st.Status = models.StatusInitializing
		next.Set(tabID, st)
		return changed(next), nil

	case models.TaskReady:
		st, ok := next.Get(tabID)
		if !ok || st.Status != models.StatusInitializing {
			return unchanged(next), nil
		}
		st.Status = ""
		next.Set(tabID, st)
		return changed(next), nil

	case models.TaskRepeatChanged:
		if task.Payload.IsRepeating {
			next.Set(tabID, models.TabState{
				Repeating: true,
				VideoID:   task.Payload.VideoID,
				LastSeen:  now.UnixMilli(),
			})
			logger.Debug("Tab repeat state set")
			return changed(next), nil
		}
		if !next.Delete(tabID) {
			return unchanged(next), nil
		}
		logger.Debug("Tab repeat state removed")
		return changed(next), nil

	case models.TaskStillRepeating:
		st, ok := next.Get(tabID)
		if !ok {
			// Liveness without state: the tab must stop rather than keep
			// repeating untracked.
			logger.Info("Heartbeat from tab without state, forcing stop")
			res := unchanged(next)
			res.Effects = []Effect{{TabID: tabID, Message: models.Message{Type: models.MsgForceStopRepeat}}}
			return res, nil
		}
		st.LastSeen = now.UnixMilli()
		next.Set(tabID, st)
		return changed(next), nil

	case models.TaskTabRemoved, models.TaskNavigatedAway, models.TaskClearIfNotVideo:
		if !next.Delete(tabID) {
			return unchanged(next), nil
		}
		logger.Info("Tab state cleared")
		return changed(next), nil

	case models.TaskSetFocusMode:
		st, _ := next.Get(tabID)
		if next.Has(tabID) && st.IsFocusMode == task.Payload.IsFocus {
			return unchanged(next), nil
		}
		st.IsFocusMode = task.Payload.IsFocus
		next.Set(tabID, st)
		return changed(next), nil

	case models.TaskReconcileTabStates:
		return r.reconcile(ctx, next, logger)
	}

	return Result{}, &models.TaskError{Kind: task.Type, TabID: tabID, Err: models.ErrInvalidTask}
}

func (r *Reducer) reconcile(ctx context.Context, next models.TabStateMap, logger *events.Logger) (Result, error) {
	ids, err := next.TabIDs()
	if err != nil {
		return Result{}, &models.TaskError{Kind: models.TaskReconcileTabStates, Err: err}
	}

	res := unchanged(next)
	for _, id := range ids {
		_, err := r.tabs.GetTab(ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrNotFound):
			next.Delete(id)
			res.Changed = true
			logger.WithField("closed_tab", id).Info("Removed stale state for closed tab")
		default:
			return Result{}, &models.TaskError{
				Kind:  models.TaskReconcileTabStates,
				TabID: id,
				Err:   fmt.Errorf("look up tab: %w", err),
			}
		}
	}
	return res, nil
}

func changed(m models.TabStateMap) Result {
	return Result{States: m, Changed: true}
}

func unchanged(m models.TabStateMap) Result {
	return Result{States: m}
}
