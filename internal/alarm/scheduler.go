// Package alarm provides named, replaceable timers that call back into a
// single handler, one per process.
package alarm

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
)

// ErrStopped is returned by Create after Stop.
var ErrStopped = errors.New("alarm scheduler stopped")

// Schedule describes when an alarm fires. When takes precedence over Delay.
// A positive Period re-arms the alarm after every firing.
type Schedule struct {
	Delay  time.Duration
	Period time.Duration
	When   time.Time
}

// Handler receives fired alarms by name.
type Handler func(ctx context.Context, name string)

// Scheduler creates and clears named alarms. Creating a name that already
// exists replaces it.
type Scheduler interface {
	Create(name string, s Schedule) error
	Clear(name string) bool
	ClearPrefix(prefix string) int
	Names() []string
	OnAlarm(h Handler)
	Stop()
}

type timerEntry struct {
	timer    *time.Timer
	schedule Schedule
	gen      uint64
}

// TimerScheduler runs alarms on time.AfterFunc timers.
type TimerScheduler struct {
	clock  clock.Clock
	logger *events.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*timerEntry
	handler Handler
	gen     uint64
	stopped bool
}

// NewTimerScheduler creates a scheduler. Handlers run with a context that is
// cancelled by Stop.
func NewTimerScheduler(clk clock.Clock, logger *events.Logger) *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		clock:   clk,
		logger:  logger.WithField("component", "alarm_scheduler"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*timerEntry),
	}
}

// OnAlarm sets the handler.
func (s *TimerScheduler) OnAlarm(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Create arms name, replacing any alarm with that name.
func (s *TimerScheduler) Create(name string, sched Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if old, ok := s.entries[name]; ok {
		old.timer.Stop()
	}

	delay := sched.Delay
	if !sched.When.IsZero() {
		delay = sched.When.Sub(s.clock.Now())
	}
	if delay < 0 {
		delay = 0
	}

	s.gen++
	entry := &timerEntry{schedule: sched, gen: s.gen}
	entry.timer = time.AfterFunc(delay, func() { s.fire(name, entry.gen) })
	s.entries[name] = entry

	s.logger.WithFields(map[string]any{
		"alarm":  name,
		"delay":  delay.String(),
		"period": sched.Period.String(),
	}).Debug("Alarm created")
	return nil
}

func (s *TimerScheduler) fire(name string, gen uint64) {
	s.mu.Lock()
	entry, ok := s.entries[name]
	if !ok || entry.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}
	if entry.schedule.Period > 0 {
		entry.timer = time.AfterFunc(entry.schedule.Period, func() { s.fire(name, gen) })
	} else {
		delete(s.entries, name)
	}
	handler := s.handler
	ctx := s.ctx
	s.mu.Unlock()

	if handler == nil {
		s.logger.WithField("alarm", name).Warn("Alarm fired with no handler")
		return
	}
	handler(ctx, name)
}

// Clear disarms name and reports whether it existed.
func (s *TimerScheduler) Clear(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[name]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.entries, name)
	return true
}

// ClearPrefix disarms every alarm whose name starts with prefix.
func (s *TimerScheduler) ClearPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleared := 0
	for name, entry := range s.entries {
		if strings.HasPrefix(name, prefix) {
			entry.timer.Stop()
			delete(s.entries, name)
			cleared++
		}
	}
	return cleared
}

// Names lists armed alarms, sorted.
func (s *TimerScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop disarms everything and cancels the handler context.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for name, entry := range s.entries {
		entry.timer.Stop()
		delete(s.entries, name)
	}
	s.cancel()
}
