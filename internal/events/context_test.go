package events_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

func TestFromContext(t *testing.T) {
	logger := events.FromContext(context.Background())
	assert.NotNil(t, logger)
}

func TestWithLogger(t *testing.T) {
	logger := events.NewTestLogger(events.InfoLevel, "text", &bytes.Buffer{})

	ctx := events.WithLogger(context.Background(), logger)
	assert.Same(t, logger, events.FromContext(ctx))
}

func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", events.GetRequestID(ctx))

	events.FromContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), `"request_id":"req-123"`)
}

func TestWithTabID(t *testing.T) {
	var buf bytes.Buffer
	ctx := events.WithLogger(context.Background(), events.NewTestLogger(events.InfoLevel, "json", &buf))

	ctx = events.WithTask(events.WithTabID(ctx, 42), "repeat-changed")
	id, ok := events.GetTabID(ctx)
	assert.True(t, ok)
	assert.Equal(t, 42, id)

	events.FromContext(ctx).Info("applied")
	assert.Contains(t, buf.String(), `"tab_id":42`)
	assert.Contains(t, buf.String(), `"task":"repeat-changed"`)
}

func TestGetIDsEmpty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, events.GetRequestID(ctx))
	_, ok := events.GetTabID(ctx)
	assert.False(t, ok)
}

func TestSetDefault(t *testing.T) {
	custom := events.NewTestLogger(events.InfoLevel, "text", &bytes.Buffer{})
	events.SetDefault(custom)

	assert.Same(t, custom, events.FromContext(context.Background()))
}
