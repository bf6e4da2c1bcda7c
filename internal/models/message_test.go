package models_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/models"
)

func TestDecodePayload(t *testing.T) {
	msg, err := models.NewMessage(models.MsgSetFocusMode, models.FocusModePayload{IsFocus: true})
	require.NoError(t, err)

	p, err := models.DecodePayload[models.FocusModePayload](msg)
	require.NoError(t, err)
	assert.True(t, p.IsFocus)

	_, err = models.DecodePayload[models.FocusModePayload](models.Message{Type: models.MsgSetFocusMode})
	assert.ErrorIs(t, err, models.ErrInvalidMessage)

	bad := models.Message{Type: models.MsgSetFocusMode, Payload: []byte(`{"isFocus":"yes"}`)}
	_, err = models.DecodePayload[models.FocusModePayload](bad)
	assert.ErrorIs(t, err, models.ErrInvalidMessage)
}

func TestInboundMessageTypesUnique(t *testing.T) {
	seen := make(map[models.MessageType]bool)
	for _, mt := range models.InboundMessageTypes() {
		assert.False(t, seen[mt], "duplicate %s", mt)
		seen[mt] = true
	}
}

func TestIsVideoPage(t *testing.T) {
	tests := map[string]bool{
		"https://www.youtube.com/watch?v=abc": true,
		"https://www.youtube.com/shorts/xyz":  true,
		"https://www.youtube.com/embed/xyz":   true,
		"https://www.youtube.com/feed/trends": false,
		"https://www.youtube.com/":            false,
		"":                                    false,
		"::not a url":                         false,
	}
	for url, want := range tests {
		assert.Equal(t, want, models.IsVideoPage(url), url)
	}
}

func TestTabFilter(t *testing.T) {
	f := models.TabFilter{Host: "youtube.com"}
	assert.True(t, f.Matches(models.Tab{URL: "https://www.youtube.com/watch?v=1"}))
	assert.True(t, f.Matches(models.Tab{URL: "https://youtube.com/"}))
	assert.False(t, f.Matches(models.Tab{URL: "https://notyoutube.com/"}))
	assert.True(t, models.TabFilter{}.Matches(models.Tab{URL: "about:blank"}))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "sr:abc", models.SectionKey("abc"))
	assert.Equal(t, "pending_op_abc", models.PendingKey("abc"))
	assert.Equal(t, "abc", models.HashedIDFromKey("sr:abc"))
	assert.True(t, models.IsSectionKey("sr:abc"))
	assert.False(t, models.IsSectionKey(models.MetadataKey))
	assert.False(t, models.IsSectionKey(models.OnboardingStateKey))
	assert.False(t, models.IsSectionKey("pending_op_abc"))
	assert.Equal(t, "tab_status_9", models.TabStatusKey(9))
}

func TestMetadataEntryExpired(t *testing.T) {
	now := time.UnixMilli(100_000_000)
	maxAge := time.Hour

	assert.True(t, models.MetadataEntry{}.Expired(now, maxAge))
	assert.False(t, models.MetadataEntry{UpdatedAt: now.UnixMilli() - 1000}.Expired(now, maxAge))
	assert.True(t, models.MetadataEntry{UpdatedAt: now.Add(-2 * time.Hour).UnixMilli()}.Expired(now, maxAge))
}

func TestLockRecordStale(t *testing.T) {
	now := time.UnixMilli(10_000)
	rec := models.LockRecord{AcquiredAt: 2_000, ID: "a"}
	assert.True(t, rec.Stale(now, 7*time.Second))
	assert.False(t, rec.Stale(now, 8*time.Second))
}
