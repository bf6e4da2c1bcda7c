package models

import "fmt"

// TaskKind names a tab state mutation.
type TaskKind string

const (
	TaskInitStarted        TaskKind = "init-started"
	TaskReady              TaskKind = "ready"
	TaskRepeatChanged      TaskKind = "repeat-changed"
	TaskTabRemoved         TaskKind = "tab-removed"
	TaskStillRepeating     TaskKind = "still-repeating"
	TaskNavigatedAway      TaskKind = "navigated-away"
	TaskSetFocusMode       TaskKind = "set-focus-mode"
	TaskReconcileTabStates TaskKind = "reconcile-tab-states"
	TaskClearIfNotVideo    TaskKind = "clear-if-not-video"
)

// AllTaskKinds lists every kind the reducer understands.
func AllTaskKinds() []TaskKind {
	return []TaskKind{
		TaskInitStarted,
		TaskReady,
		TaskRepeatChanged,
		TaskTabRemoved,
		TaskStillRepeating,
		TaskNavigatedAway,
		TaskSetFocusMode,
		TaskReconcileTabStates,
		TaskClearIfNotVideo,
	}
}

// Known reports whether k is a kind the reducer understands.
func (k TaskKind) Known() bool {
	for _, known := range AllTaskKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Critical kinds get their tab entry removed when they are discarded, so a
// lost update cannot leave a tab marked as repeating forever.
func (k TaskKind) Critical() bool {
	switch k {
	case TaskRepeatChanged, TaskStillRepeating, TaskNavigatedAway:
		return true
	}
	return false
}

// RequiresTab reports whether the kind targets a single tab.
func (k TaskKind) RequiresTab() bool {
	return k != TaskReconcileTabStates
}

// TaskPayload carries the arguments of every task kind.
type TaskPayload struct {
	TabID       int    `json:"tabId,omitempty"`
	IsRepeating bool   `json:"isRepeating,omitempty"`
	VideoID     string `json:"videoId,omitempty"`
	IsFocus     bool   `json:"isFocus,omitempty"`
}

// Task is one queued mutation. Only Retries changes after enqueue.
type Task struct {
	Type    TaskKind    `json:"type"`
	Payload TaskPayload `json:"payload"`
	Retries int         `json:"retries,omitempty"`
}

// Validate checks that the task can be applied.
func (t Task) Validate() error {
	if !t.Type.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Type)
	}
	if t.Type.RequiresTab() && t.Payload.TabID <= 0 {
		return fmt.Errorf("%w: %s requires a tab id", ErrInvalidTask, t.Type)
	}
	return nil
}

// NewTabTask builds a task that only needs a tab id.
func NewTabTask(kind TaskKind, tabID int) Task {
	return Task{Type: kind, Payload: TaskPayload{TabID: tabID}}
}

// NewRepeatChangedTask builds a repeat-changed task.
func NewRepeatChangedTask(tabID int, repeating bool, videoID string) Task {
	return Task{
		Type: TaskRepeatChanged,
		Payload: TaskPayload{
			TabID:       tabID,
			IsRepeating: repeating,
			VideoID:     videoID,
		},
	}
}

// NewFocusModeTask builds a set-focus-mode task.
func NewFocusModeTask(tabID int, focus bool) Task {
	return Task{Type: TaskSetFocusMode, Payload: TaskPayload{TabID: tabID, IsFocus: focus}}
}

// NewReconcileTask builds a reconcile-tab-states task.
func NewReconcileTask() Task {
	return Task{Type: TaskReconcileTabStates}
}
