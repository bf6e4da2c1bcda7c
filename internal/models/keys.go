package models

import (
	"strconv"
	"strings"
)

// Persistent store keys.
const (
	StoragePrefix          = "sr:"
	MetadataKey            = StoragePrefix + "metadata"
	OnboardingStateKey     = StoragePrefix + "onboarding_state"
	PendingPrefix          = "pending_op_"
	UserSaltKey            = "userSalt"
	SaltTypeKey            = "salt_type"
	SyncEnabledKey         = "is_sync_enabled"
	SetupFailedKey         = "setup_failed"
	SetupErrorMessageKey   = "setup_error_message"
	SetupErrorTypeKey      = "setup_error_type"
	PurgeRequiredKey       = "purge_required"
	PurgeUsagePercentKey   = "purge_usage_percent"
	CriticalInitFailureKey = "CRITICAL_INIT_FAILURE"
)

// Session store keys.
const (
	QueueKey           = "stateUpdateQueue"
	TabStatesKey       = "tabStates"
	TabStatusPrefix    = "tab_status_"
	LockPrefix         = "lock_"
	RetryDataPrefix    = "retry-data:"
	SessionOnlyModeKey = "SESSION_ONLY_MODE_ACTIVE"
)

// SaltTypeBase64 marks a salt stored as base64 text.
const SaltTypeBase64 = "crypto_base64"

// Setup error types surfaced to the popup.
const (
	SetupErrorCrypto  = "crypto_api_failed"
	SetupErrorUnknown = "setup_unknown_error"
)

var reservedDataKeys = map[string]bool{
	MetadataKey:        true,
	OnboardingStateKey: true,
}

// SectionKey returns the storage key for a pseudonymized video id.
func SectionKey(hashedID string) string {
	return StoragePrefix + hashedID
}

// PendingKey returns the stash key for a deferred write of hashedID.
func PendingKey(hashedID string) string {
	return PendingPrefix + hashedID
}

// HashedIDFromKey strips the data prefix from a section key.
func HashedIDFromKey(key string) string {
	return strings.TrimPrefix(key, StoragePrefix)
}

// IsSectionKey reports whether key holds a section list rather than
// bookkeeping that happens to share the prefix.
func IsSectionKey(key string) bool {
	return strings.HasPrefix(key, StoragePrefix) && !reservedDataKeys[key]
}

// TabStatusKey returns the session key recording whether a tab is on a video page.
func TabStatusKey(tabID int) string {
	return TabStatusPrefix + strconv.Itoa(tabID)
}
