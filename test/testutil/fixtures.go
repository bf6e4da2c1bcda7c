package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
)

// Epoch is the fake clock's starting point.
var Epoch = time.UnixMilli(1_700_000_000_000)

// NewTestLogger creates a logger for testing.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, "json", &buf)
}

// Env holds the collaborators shared by service tests: three in-memory
// stores, a fake clock, a manual alarm scheduler, a mock browser and a lock
// manager over the session store.
type Env struct {
	Config *config.Config
	Clock  *clock.Fake
	Alarms *alarm.Manual
	Host   *transport.MockHost

	Session *state.MemoryStore
	Local   *state.MemoryStore
	Sync    *state.MemoryStore
	// Persistent is Local behind the byte quota.
	Persistent *state.QuotaStore

	Locks  *lock.Manager
	Logs   *LogOutput
	Logger *events.Logger
}

// NewEnv builds an Env with default configuration.
func NewEnv(t *testing.T) *Env {
	t.Helper()

	cfg := config.DefaultConfig()
	logs := NewLogOutput()
	e := &Env{
		Config:  cfg,
		Clock:   clock.NewFake(Epoch),
		Alarms:  alarm.NewManual(),
		Host:    transport.NewMockHost(),
		Session: state.NewMemoryStore(),
		Local:   state.NewMemoryStore(),
		Sync:    state.NewMemoryStore(),
		Logs:    logs,
		Logger:  events.NewTestLogger(events.DebugLevel, "json", logs),
	}
	e.Persistent = state.NewQuotaStore(e.Local, cfg.Storage.MaxBytes, models.PendingPrefix)
	e.Locks = lock.NewManager(e.Session, e.Alarms, e.Clock, cfg, e.Logger)
	t.Cleanup(e.Alarms.Stop)
	return e
}

// SetMaxBytes rebuilds the quota wrapper with a new ceiling.
func (e *Env) SetMaxBytes(n int64) {
	e.Config.Storage.MaxBytes = n
	e.Persistent = state.NewQuotaStore(e.Local, n, models.PendingPrefix)
}

// NowMillis returns the fake clock in epoch ms.
func (e *Env) NowMillis() int64 {
	return e.Clock.Now().UnixMilli()
}

// SectionList builds a list of n completed one-second sections.
func SectionList(n int, updatedAt int64) models.SectionList {
	sections := make([]models.Section, n)
	for i := range sections {
		end := float64(i) + 1
		sections[i] = models.Section{Start: float64(i), End: &end}
	}
	return models.SectionList{Sections: sections, UpdatedAt: updatedAt, V: models.DataSchemaVersion}
}

// Put writes v as JSON under key.
func Put(t *testing.T, s state.Store, key string, v any) {
	t.Helper()
	require.NoError(t, state.SetJSON(context.Background(), s, key, v))
}

// Fetch decodes key into v and reports whether it was present.
func Fetch(t *testing.T, s state.Store, key string, v any) bool {
	t.Helper()
	found, err := state.GetJSON(context.Background(), s, key, v)
	require.NoError(t, err)
	return found
}

// Has reports whether key is stored.
func Has(t *testing.T, s state.Store, key string) bool {
	t.Helper()
	values, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	_, ok := values[key]
	return ok
}

// MustJSON encodes v or fails the test.
func MustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
