package alarm

import (
	"strconv"
	"strings"
)

// Fixed alarm names.
const (
	PurgeOldSections    = "purgeOldSections"
	ProcessPendingSaves = "processPendingSaves"
	ReconcileStorage    = "reconcileStorage"
)

// Alarm name prefixes. The remainder carries a tab id, an attempt number or
// a lock name.
const (
	RetryPurgePrefix          = "retry-purge:"
	RetryReconcilePrefix      = "retry-reconcile:"
	RetrySaltSetupPrefix      = "retry-salt-setup:"
	RetryInitialPayloadPrefix = "retry-send-initial-payload:"
	CleanupTabPrefix          = "cleanup-tab:"
	RepeatCheckPrefix         = "repeat-check:"
	HeartbeatPrefix           = "heartbeat:"
	RetryReleaseLockPrefix    = "retry-release-lock:"
)

// CleanupTab names the grace-period alarm for a tab.
func CleanupTab(tabID int) string {
	return CleanupTabPrefix + strconv.Itoa(tabID)
}

// RepeatCheck names the repeat-check alarm for a tab.
func RepeatCheck(tabID int) string {
	return RepeatCheckPrefix + strconv.Itoa(tabID)
}

// Heartbeat names the liveness alarm for a tab.
func Heartbeat(tabID int) string {
	return HeartbeatPrefix + strconv.Itoa(tabID)
}

// InitialPayloadPrefix is the per-tab prefix for payload retries; the
// attempt number follows it.
func InitialPayloadPrefix(tabID int) string {
	return RetryInitialPayloadPrefix + strconv.Itoa(tabID) + ":"
}

// ReleaseLockPrefix is the per-lock prefix for release retries; the
// attempt number follows it.
func ReleaseLockPrefix(lockName string) string {
	return RetryReleaseLockPrefix + lockName + ":"
}

// LockName parses the lock a release retry alarm names.
func LockName(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, RetryReleaseLockPrefix)
	if !ok {
		return "", false
	}
	lockName, _, _ := strings.Cut(rest, ":")
	return lockName, lockName != ""
}

// TabID parses the tab id following prefix. Anything after a further colon
// is ignored.
func TabID(name, prefix string) (int, bool) {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok {
		return 0, false
	}
	rest, _, _ = strings.Cut(rest, ":")
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Attempt parses the trailing attempt number of a retry alarm.
func Attempt(name string) (int, bool) {
	idx := strings.LastIndex(name, ":")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
