package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeLockTimeout    = "LOCK_TIMEOUT"
	ErrCodeQuotaExceeded  = "QUOTA_EXCEEDED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTransient      = "TRANSIENT_STORE"
	ErrCodeConfigMissing  = "CONFIGURATION_MISSING"
	ErrCodeInvalidTask    = "INVALID_TASK"
	ErrCodeInvalidMessage = "INVALID_MESSAGE"
	ErrCodeUnknown        = "UNKNOWN"
)

// Sentinel errors
var (
	ErrLockTimeout          = errors.New("lock acquisition timed out")
	ErrQuotaExceeded        = errors.New("QUOTA_EXCEEDED: storage quota exceeded")
	ErrNotFound             = errors.New("not found")
	ErrTransientStore       = errors.New("transient store error")
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrInvalidTask          = errors.New("invalid task")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrNoTabID              = errors.New("no_tab_id")
)

// StoreError wraps a failed key-value operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// TaskError describes a task that could not be applied.
type TaskError struct {
	Kind  TaskKind
	TabID int
	Err   error
}

func (e *TaskError) Error() string {
	if e.TabID != 0 {
		return fmt.Sprintf("task %s [tab %d]: %v", e.Kind, e.TabID, e.Err)
	}
	return fmt.Sprintf("task %s: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// LockError names the lock an acquisition failed on.
type LockError struct {
	Name string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %s: %v", e.Name, e.Err)
}

func (e *LockError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err describes a condition that may clear on
// its own: contention or a store that is temporarily unreachable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrTransientStore)
}

// ErrorCode maps an error to its structured code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLockTimeout):
		return ErrCodeLockTimeout
	case errors.Is(err, ErrQuotaExceeded):
		return ErrCodeQuotaExceeded
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrTransientStore):
		return ErrCodeTransient
	case errors.Is(err, ErrConfigurationMissing):
		return ErrCodeConfigMissing
	case errors.Is(err, ErrInvalidTask):
		return ErrCodeInvalidTask
	case errors.Is(err, ErrInvalidMessage):
		return ErrCodeInvalidMessage
	default:
		return ErrCodeUnknown
	}
}
