// Package worker assembles the services into the background worker and
// drives its lifecycle: startup, message dispatch, alarms and teardown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/services/eviction"
	"github.com/TheMichaelB/sectionrepeat/internal/services/metadata"
	"github.com/TheMichaelB/sectionrepeat/internal/services/queue"
	"github.com/TheMichaelB/sectionrepeat/internal/services/sections"
	"github.com/TheMichaelB/sectionrepeat/internal/services/setup"
	"github.com/TheMichaelB/sectionrepeat/internal/services/tabs"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
)

// Version is recorded in the persistent store to tell installs, updates
// and restarts apart.
var Version = "dev"

const installedVersionKey = "installed_version"

// Reason says why the worker is starting.
type Reason string

const (
	ReasonInstall Reason = "install"
	ReasonUpdate  Reason = "update"
	ReasonStartup Reason = "startup"
)

// Deps are the worker's external collaborators.
type Deps struct {
	Config *config.Config
	Logger *events.Logger
	Clock  clock.Clock
	Alarms alarm.Scheduler
	Host   transport.Host

	Session    state.Store
	Persistent state.Store // wrapped in the byte quota
	Sync       state.Store

	// Entropy for salt generation; nil means crypto/rand.
	Entropy io.Reader
}

// Worker holds every service.
type Worker struct {
	Config *config.Config

	Session    state.Store
	Persistent *state.QuotaStore
	Sync       state.Store

	Alarms   alarm.Scheduler
	Locks    *lock.Manager
	Queue    *queue.Service
	Metadata *metadata.Service
	Pending  *sections.PendingBuffer
	Sections *sections.Service
	Eviction *eviction.Engine
	Setup    *setup.Service
	Tabs     *tabs.Service
	Host     transport.Host

	clock    clock.Clock
	logger   *events.Logger
	handlers map[models.MessageType]handlerFunc
	closers  []io.Closer
}

// New wires the services over already opened stores.
func New(d Deps) (*Worker, error) {
	if d.Config == nil || d.Logger == nil {
		return nil, fmt.Errorf("%w: worker needs config and logger", models.ErrConfigurationMissing)
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	cfg := d.Config
	logger := d.Logger

	w := &Worker{
		Config:     cfg,
		Session:    d.Session,
		Persistent: state.NewQuotaStore(d.Persistent, cfg.Storage.MaxBytes, models.PendingPrefix),
		Sync:       d.Sync,
		Alarms:     d.Alarms,
		Host:       d.Host,
		clock:      clk,
		logger:     logger.WithField("component", "worker"),
	}

	validator, err := sections.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("compile section schema: %w", err)
	}

	w.Locks = lock.NewManager(w.Session, w.Alarms, clk, cfg, logger)
	w.Metadata = metadata.NewService(w.Persistent, w.Locks, w.Alarms, clk, cfg, logger)
	w.Pending = sections.NewPendingBuffer(w.Persistent, w.Metadata, validator, w.Alarms, clk, cfg, logger)
	w.Queue = queue.NewService(w.Session, w.Locks, queue.NewReducer(w.Host, logger), w.Host, clk, cfg.Queue, logger)
	w.Setup = setup.NewService(
		setup.Stores{Local: w.Persistent, Sync: w.Sync, Session: w.Session},
		w.Locks, w.Alarms, w.Host, w.Queue, clk, cfg.Setup, d.Entropy, logger,
	)
	w.Sections = sections.NewService(w.Persistent, w.Metadata, w.Pending, validator, w.Setup, clk, cfg.Sections, logger)
	w.Eviction = eviction.NewEngine(w.Persistent, w.Metadata, w.Pending, w.Locks, w.Alarms, w.Host, clk, cfg, logger)
	w.Sections.SetPurgeTrigger(w.Eviction)
	w.Tabs = tabs.NewService(w.Session, w.Host, w.Queue, w.Setup, w.Alarms, clk, cfg.Tabs, logger)

	w.handlers = w.buildHandlers()
	w.Alarms.OnAlarm(w.HandleAlarm)
	return w, nil
}

// Open opens the configured stores and builds a worker with real timers.
func Open(ctx context.Context, cfg *config.Config, host transport.Host, logger *events.Logger) (*Worker, error) {
	var closers []io.Closer
	open := func(dsn, namespace string) (state.Store, error) {
		s, err := state.Open(ctx, dsn, namespace, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, s)
		return s, nil
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	session, err := open(cfg.Stores.Session, "session")
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("session store: %w", err)
	}
	persistent, err := open(cfg.Stores.Persistent, "local")
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("persistent store: %w", err)
	}
	syncStore, err := open(cfg.Stores.Sync, "sync")
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("sync store: %w", err)
	}

	clk := clock.Real{}
	w, err := New(Deps{
		Config:     cfg,
		Logger:     logger,
		Clock:      clk,
		Alarms:     alarm.NewTimerScheduler(clk, logger),
		Host:       host,
		Session:    session,
		Persistent: persistent,
		Sync:       syncStore,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	w.closers = closers
	return w, nil
}

// DetectReason compares the recorded version with the running one.
func (w *Worker) DetectReason(ctx context.Context) (Reason, error) {
	var installed string
	found, err := state.GetJSON(ctx, w.Persistent, installedVersionKey, &installed)
	if err != nil {
		return "", err
	}
	switch {
	case !found:
		return ReasonInstall, nil
	case installed != Version:
		return ReasonUpdate, nil
	default:
		return ReasonStartup, nil
	}
}

// Init runs the startup sequence for reason. Individual steps log their
// own failures; Init only fails when the worker cannot run at all.
func (w *Worker) Init(ctx context.Context, reason Reason) error {
	logger := w.logger.WithField("reason", string(reason))
	logger.Info("Worker starting")

	if _, err := w.Locks.CleanupStale(ctx); err != nil {
		logger.WithError(err).Warn("Failed to remove stale locks")
	}
	if reason == ReasonStartup {
		w.Setup.AttemptSyncMigration(ctx)
	}
	if err := w.Queue.Enqueue(ctx, models.NewReconcileTask()); err != nil {
		logger.WithError(err).Error("Failed to enqueue tab reconciliation")
	}
	if err := w.createPeriodicAlarms(); err != nil {
		logger.WithError(err).Error("Failed to create periodic alarms")
	}

	w.Eviction.Purge(ctx, false)

	switch reason {
	case ReasonInstall:
		if err := w.Queue.Reset(ctx); err != nil {
			logger.WithError(err).Error("Failed to reset tab states")
		}
		_ = w.Setup.Run(ctx, 0)
	case ReasonUpdate:
		_ = w.Setup.Run(ctx, 0)
	case ReasonStartup:
		w.Metadata.Run(ctx)
	}

	// The version marker bypasses the quota so a full area still records it.
	if err := state.SetJSON(ctx, w.Persistent.Store, installedVersionKey, Version); err != nil {
		logger.WithError(err).Warn("Failed to record installed version")
	}

	if _, err := w.Queue.Drain(ctx); err != nil {
		logger.WithError(err).Warn("Initial drain failed")
	}
	logger.Info("Worker started")
	return nil
}

func (w *Worker) createPeriodicAlarms() error {
	s := w.Config.Schedule
	periodic := map[string]time.Duration{
		alarm.PurgeOldSections:    s.PurgeInterval,
		alarm.ProcessPendingSaves: s.PendingSavesInterval,
		alarm.ReconcileStorage:    s.ReconcileInterval,
	}
	var errs []error
	for name, every := range periodic {
		if err := w.Alarms.Create(name, alarm.Schedule{Delay: every, Period: every}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Teardown stops timers and closes the stores Open opened.
func (w *Worker) Teardown() error {
	w.Tabs.Stop()
	w.Queue.Stop()
	w.Alarms.Stop()

	var errs []error
	for _, c := range w.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	w.logger.Info("Worker stopped")
	return errors.Join(errs...)
}

// RecordCriticalFailure marks the install unusable for the popup.
func RecordCriticalFailure(ctx context.Context, s state.Store) error {
	return state.SetJSON(ctx, s, models.CriticalInitFailureKey, true)
}
