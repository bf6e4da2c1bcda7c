package alarm

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Manual records schedules without timers. Tests fire alarms explicitly.
type Manual struct {
	mu        sync.Mutex
	schedules map[string]Schedule
	handler   Handler
	created   []string
	stopped   bool
}

// NewManual creates an empty manual scheduler.
func NewManual() *Manual {
	return &Manual{schedules: make(map[string]Schedule)}
}

// OnAlarm sets the handler.
func (m *Manual) OnAlarm(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Create records the schedule.
func (m *Manual) Create(name string, s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	m.schedules[name] = s
	m.created = append(m.created, name)
	return nil
}

// Clear removes name.
func (m *Manual) Clear(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.schedules[name]
	delete(m.schedules, name)
	return ok
}

// ClearPrefix removes every name with prefix.
func (m *Manual) ClearPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for name := range m.schedules {
		if strings.HasPrefix(name, prefix) {
			delete(m.schedules, name)
			n++
		}
	}
	return n
}

// Names lists armed alarms, sorted.
func (m *Manual) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.schedules))
	for name := range m.schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending returns the schedule for name.
func (m *Manual) Pending(name string) (Schedule, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[name]
	return s, ok
}

// Created returns every name passed to Create, in order, including ones
// since cleared or replaced.
func (m *Manual) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Fire delivers name to the handler as if it had come due. One-shot alarms
// are removed first. It reports false if name is not armed.
func (m *Manual) Fire(ctx context.Context, name string) bool {
	m.mu.Lock()
	s, ok := m.schedules[name]
	if ok && s.Period <= 0 {
		delete(m.schedules, name)
	}
	handler := m.handler
	m.mu.Unlock()

	if !ok {
		return false
	}
	if handler != nil {
		handler(ctx, name)
	}
	return true
}

// Stop clears everything.
func (m *Manual) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.schedules = make(map[string]Schedule)
}
