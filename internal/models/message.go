package models

import (
	"encoding/json"
	"fmt"
)

// MessageType tags every message exchanged with content scripts and the popup.
type MessageType string

// Inbound message types, handled by the worker's dispatch table.
const (
	MsgUpdateMetadata        MessageType = "UPDATE_METADATA"
	MsgSaveDataAndMetadata   MessageType = "SAVE_DATA_AND_METADATA"
	MsgHashVideoID           MessageType = "HASH_VIDEO_ID"
	MsgContentScriptReady    MessageType = "CONTENT_SCRIPT_READY"
	MsgReattemptSetup        MessageType = "REATTEMPT_SETUP"
	MsgGetTabState           MessageType = "GET_TAB_STATE"
	MsgForcePurge            MessageType = "FORCE_PURGE"
	MsgLogError              MessageType = "LOG_ERROR"
	MsgTriggerImmediatePurge MessageType = "TRIGGER_IMMEDIATE_PURGE"
	MsgGetStorageInfo        MessageType = "GET_STORAGE_INFO"
	MsgGetUserSalt           MessageType = "GET_USER_SALT"
	MsgAcquireLock           MessageType = "ACQUIRE_LOCK"
	MsgReleaseLock           MessageType = "RELEASE_LOCK"
	MsgScheduleRepeatCheck   MessageType = "SCHEDULE_REPEAT_CHECK"
	MsgCancelRepeatCheck     MessageType = "CANCEL_REPEAT_CHECK"
	MsgRepeatStateChanged    MessageType = "REPEAT_STATE_CHANGED"
	MsgStillRepeating        MessageType = "STILL_REPEATING"
	MsgNavigatedAway         MessageType = "NAVIGATED_AWAY_FROM_VIDEO"
	MsgSetFocusMode          MessageType = "SET_FOCUS_MODE"
	MsgStartHeartbeat        MessageType = "START_HEARTBEAT_ALARM"
	MsgStopHeartbeat         MessageType = "STOP_HEARTBEAT_ALARM"
)

// Outbound message types, sent to tabs.
const (
	MsgInitPayload          MessageType = "INIT_PAYLOAD"
	MsgInitFailed           MessageType = "INIT_FAILED"
	MsgStorageWarning       MessageType = "STORAGE_WARNING"
	MsgForceStopRepeat      MessageType = "FORCE_STOP_REPEAT"
	MsgExecuteRepeatCheck   MessageType = "EXECUTE_REPEAT_CHECK"
	MsgAreYouStillRepeating MessageType = "ARE_YOU_STILL_REPEATING"
)

// InboundMessageTypes lists every type the worker must handle.
func InboundMessageTypes() []MessageType {
	return []MessageType{
		MsgUpdateMetadata,
		MsgSaveDataAndMetadata,
		MsgHashVideoID,
		MsgContentScriptReady,
		MsgReattemptSetup,
		MsgGetTabState,
		MsgForcePurge,
		MsgLogError,
		MsgTriggerImmediatePurge,
		MsgGetStorageInfo,
		MsgGetUserSalt,
		MsgAcquireLock,
		MsgReleaseLock,
		MsgScheduleRepeatCheck,
		MsgCancelRepeatCheck,
		MsgRepeatStateChanged,
		MsgStillRepeating,
		MsgNavigatedAway,
		MsgSetFocusMode,
		MsgStartHeartbeat,
		MsgStopHeartbeat,
	}
}

// Message is the envelope for every exchange.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a message of type t. A nil payload
// produces a bare message.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// DecodePayload unmarshals the message payload into T.
func DecodePayload[T any](msg Message) (T, error) {
	var out T
	if len(msg.Payload) == 0 {
		return out, fmt.Errorf("%w: %s has no payload", ErrInvalidMessage, msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrInvalidMessage, msg.Type, err)
	}
	return out, nil
}

// Response is returned for every inbound message.
type Response struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Response reasons.
const (
	ReasonTabClosed          = "tab_closed"
	ReasonUnknownMessageType = "unknown_message_type"
	ReasonCriticalInit       = "critical_initialization_failure"
)

// Storage pressure levels broadcast with STORAGE_WARNING.
const (
	StorageLevelWarning      = "warning"
	StorageLevelCritical     = "critical"
	StorageLevelPurgeSuccess = "purge_success"
)

// Inbound payloads.

type UpdateMetadataPayload struct {
	HashedID     string `json:"hashedId"`
	SectionCount int    `json:"sectionCount"`
}

type SaveDataPayload struct {
	HashedID string    `json:"hashedId"`
	Sections []Section `json:"sections"`
}

type HashVideoIDPayload struct {
	VideoID string `json:"videoId"`
}

type LogErrorPayload struct {
	Context string `json:"context"`
	Error   string `json:"error"`
}

// LockPayload is shared by ACQUIRE_LOCK and RELEASE_LOCK. Timeout is in ms.
type LockPayload struct {
	Key     string `json:"key"`
	Timeout int64  `json:"timeout,omitempty"`
	ID      string `json:"id,omitempty"`
}

// RepeatCheckPayload schedules EXECUTE_REPEAT_CHECK Delay ms from now.
type RepeatCheckPayload struct {
	Delay int64 `json:"delay"`
}

type RepeatStatePayload struct {
	IsRepeating bool   `json:"isRepeating"`
	VideoID     string `json:"videoId,omitempty"`
}

type FocusModePayload struct {
	IsFocus bool `json:"isFocus"`
}

// Outbound payloads.

// InitPayload carries the salt; nil means session-only mode.
type InitPayload struct {
	Salt *string `json:"salt"`
}

type InitFailedPayload struct {
	Reason string `json:"reason"`
}

type StorageWarningPayload struct {
	Level string `json:"level"`
	Usage int    `json:"usage"`
}

// Inbound response data.

type TabStateResponse struct {
	State       *TabState `json:"state"`
	IsVideoPage bool      `json:"isVideoPage"`
}

type StorageInfo struct {
	Used              int64   `json:"used"`
	Max               int64   `json:"max"`
	Percent           int     `json:"percent"`
	SetupFailed       bool    `json:"setup_failed"`
	SetupErrorMessage *string `json:"setup_error_message"`
	SetupErrorType    *string `json:"setup_error_type"`
	CriticalFailure   bool    `json:"critical_failure"`
}
