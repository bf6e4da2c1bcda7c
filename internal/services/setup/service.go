// Package setup bootstraps the per-user salt that video ids are hashed
// with, and delivers it to content scripts.
package setup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/TheMichaelB/sectionrepeat/internal/alarm"
	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/crypto"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/lock"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/retry"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
	"github.com/TheMichaelB/sectionrepeat/internal/transport"
)

var errSaltMissing = errors.New("user salt not found")

// Stores groups the three areas setup touches.
type Stores struct {
	Local   state.Store
	Sync    state.Store
	Session state.Store
}

// Enqueuer accepts tab state tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.Task) error
}

// Service owns salt setup and initial payload delivery.
type Service struct {
	stores  Stores
	locks   *lock.Manager
	alarms  alarm.Scheduler
	host    transport.Host
	queue   Enqueuer
	clock   clock.Clock
	cfg     config.SetupConfig
	entropy io.Reader
	logger  *events.Logger
}

// NewService creates the setup service. A nil entropy source means
// crypto/rand.
func NewService(stores Stores, locks *lock.Manager, alarms alarm.Scheduler, host transport.Host, queue Enqueuer, clk clock.Clock, cfg config.SetupConfig, entropy io.Reader, logger *events.Logger) *Service {
	return &Service{
		stores:  stores,
		locks:   locks,
		alarms:  alarms,
		host:    host,
		queue:   queue,
		clock:   clk,
		cfg:     cfg,
		entropy: entropy,
		logger:  logger.WithField("service", "setup"),
	}
}

func (s *Service) setupPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: s.cfg.MaxAttempts, BaseDelay: s.cfg.BaseDelay, Multiplier: s.cfg.Multiplier, Clock: s.clock}
}

func (s *Service) payloadPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: s.cfg.PayloadMaxAttempts, BaseDelay: s.cfg.PayloadBaseDelay, Multiplier: 2, Clock: s.clock}
}

// Run performs salt setup. attempt is zero based; failures schedule the
// next attempt and the last one records the failure for the popup. Lock
// contention means another setup is running and is not retried.
func (s *Service) Run(ctx context.Context, attempt int) error {
	logger := s.logger.WithField("attempt", attempt+1)

	err := s.locks.WithLock(ctx, lock.SaltSetupLock, s.bootstrap, lock.WithTimeout(s.cfg.LockTimeout))
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrLockTimeout) {
		logger.Warn("Could not acquire setup lock, another setup is likely in progress")
		return err
	}

	logger.WithError(err).Error("Salt setup failed")
	scheduled, serr := s.setupPolicy().ScheduleNext(s.alarms, alarm.RetrySaltSetupPrefix, attempt)
	if serr != nil {
		logger.WithError(serr).Error("Failed to schedule setup retry")
	}
	if !scheduled {
		logger.Critical("Setup failed after max retries")
		if rerr := s.recordFailure(ctx, err); rerr != nil {
			logger.WithError(rerr).Error("Failed to record setup failure")
		}
	}
	return err
}

// HandleRetryAlarm runs the attempt a retry-salt-setup alarm names.
func (s *Service) HandleRetryAlarm(ctx context.Context, name string) {
	attempt, ok := alarm.Attempt(name)
	if !ok {
		s.logger.WithField("alarm", name).Warn("Ignoring malformed setup retry alarm")
		return
	}
	_ = s.Run(ctx, attempt)
}

func (s *Service) bootstrap(ctx context.Context) error {
	found, err := s.findSyncSalt(ctx)
	if err != nil {
		return err
	}
	if !found {
		migrated, err := s.migrateLegacySalt(ctx)
		if err != nil {
			return err
		}
		if !migrated {
			if err := s.generateSalt(ctx); err != nil {
				return err
			}
		}
	}

	var errorType string
	if _, err := state.GetJSON(ctx, s.stores.Local, models.SetupErrorTypeKey, &errorType); err != nil {
		return err
	}
	if errorType == models.SetupErrorCrypto {
		return nil
	}
	return s.stores.Local.Set(ctx, map[string]json.RawMessage{
		models.SetupFailedKey:       json.RawMessage("false"),
		models.SetupErrorMessageKey: json.RawMessage("null"),
		models.SetupErrorTypeKey:    json.RawMessage("null"),
	})
}

func (s *Service) findSyncSalt(ctx context.Context) (bool, error) {
	values, err := s.stores.Sync.Get(ctx, models.UserSaltKey)
	if err != nil {
		return false, err
	}
	if _, ok := decodeSalt(values[models.UserSaltKey]); !ok {
		return false, nil
	}
	s.logger.Info("User salt found in sync storage")
	return true, state.SetJSON(ctx, s.stores.Local, models.SyncEnabledKey, true)
}

func (s *Service) migrateLegacySalt(ctx context.Context) (bool, error) {
	values, err := s.stores.Local.Get(ctx, models.UserSaltKey)
	if err != nil {
		return false, err
	}
	salt, ok := decodeSalt(values[models.UserSaltKey])
	if !ok {
		return false, nil
	}
	s.logger.Info("Found legacy salt in local storage, migrating to sync")
	if err := s.moveToSync(ctx, salt); err != nil {
		return false, err
	}
	s.logger.Info("Migrated salt to sync storage")
	return true, nil
}

func (s *Service) moveToSync(ctx context.Context, salt string) error {
	if err := s.writeSyncSalt(ctx, salt); err != nil {
		return err
	}
	if err := state.SetJSON(ctx, s.stores.Local, models.SyncEnabledKey, true); err != nil {
		return err
	}
	return s.stores.Local.Remove(ctx, models.UserSaltKey)
}

func (s *Service) writeSyncSalt(ctx context.Context, salt string) error {
	entries, err := jsonEntries(map[string]any{
		models.UserSaltKey: salt,
		models.SaltTypeKey: models.SaltTypeBase64,
	})
	if err != nil {
		return err
	}
	return s.stores.Sync.Set(ctx, entries)
}

// generateSalt creates a fresh salt in sync, falling back to local. An
// entropy failure is recorded rather than returned: nothing a retry does
// will fix it.
func (s *Service) generateSalt(ctx context.Context) error {
	s.logger.Info("No salt found, generating a new user salt")

	salt, err := crypto.NewSalt(s.entropy)
	if err != nil {
		s.logger.WithError(err).Critical("Random source failed, entering session-only mode")
		entries, jerr := jsonEntries(map[string]any{
			models.SyncEnabledKey:       false,
			models.SetupFailedKey:       true,
			models.SetupErrorMessageKey: err.Error(),
			models.SetupErrorTypeKey:    models.SetupErrorCrypto,
		})
		if jerr != nil {
			return jerr
		}
		return s.stores.Local.Set(ctx, entries)
	}

	if err = s.writeSyncSalt(ctx, salt); err == nil {
		s.logger.Info("New salt saved to sync storage")
		return state.SetJSON(ctx, s.stores.Local, models.SyncEnabledKey, true)
	}
	s.logger.WithError(err).Warn("Sync storage failed, falling back to local salt")

	entries, err := jsonEntries(map[string]any{
		models.UserSaltKey:    salt,
		models.SyncEnabledKey: false,
	})
	if err != nil {
		return err
	}
	return s.stores.Local.Set(ctx, entries)
}

func (s *Service) recordFailure(ctx context.Context, cause error) error {
	var failed bool
	if _, err := state.GetJSON(ctx, s.stores.Local, models.SetupFailedKey, &failed); err != nil {
		return err
	}
	if failed {
		return nil
	}
	entries, err := jsonEntries(map[string]any{
		models.SetupFailedKey:       true,
		models.SetupErrorMessageKey: cause.Error(),
		models.SetupErrorTypeKey:    models.SetupErrorUnknown,
	})
	if err != nil {
		return err
	}
	return s.stores.Local.Set(ctx, entries)
}

// AttemptSyncMigration moves a local fallback salt to sync once sync
// storage works again. Failures are expected while sync is unavailable.
func (s *Service) AttemptSyncMigration(ctx context.Context) bool {
	values, err := s.stores.Local.Get(ctx, models.SyncEnabledKey, models.UserSaltKey)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read sync state")
		return false
	}
	var enabled *bool
	if raw, ok := values[models.SyncEnabledKey]; ok {
		_ = json.Unmarshal(raw, &enabled)
	}
	salt, ok := decodeSalt(values[models.UserSaltKey])
	if enabled == nil || *enabled || !ok {
		return false
	}

	s.logger.Info("Sync disabled with a local salt, attempting migration")
	if err := s.probeSync(ctx); err != nil {
		s.logger.WithError(err).Info("Sync storage still unavailable")
		return false
	}
	if err := s.moveToSync(ctx, salt); err != nil {
		s.logger.WithError(err).Info("Sync storage still unavailable")
		return false
	}
	s.logger.Info("Migrated local salt to sync storage")
	return true
}

func (s *Service) probeSync(ctx context.Context) error {
	const probeKey = "sync_test"
	if err := state.SetJSON(ctx, s.stores.Sync, probeKey, s.clock.Now().UnixMilli()); err != nil {
		return err
	}
	return s.stores.Sync.Remove(ctx, probeKey)
}

// UserSalt reads the salt from sync with short retries, then from local.
// With neither available the session is flagged session-only and ok is
// false.
func (s *Service) UserSalt(ctx context.Context) (string, bool, error) {
	var salt string
	policy := retry.Policy{MaxAttempts: s.cfg.SaltReadAttempts, BaseDelay: s.cfg.SaltReadDelay, Multiplier: 2, Clock: s.clock}
	err := policy.Do(ctx, func(attempt int) error {
		values, err := s.stores.Sync.Get(ctx, models.UserSaltKey)
		if err != nil {
			s.logger.WithError(err).WithField("attempt", attempt+1).Warn("Failed to read salt from sync storage")
			return err
		}
		v, ok := decodeSalt(values[models.UserSaltKey])
		if !ok {
			return errSaltMissing
		}
		salt = v
		return nil
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", false, ctxErr
	}

	if err != nil {
		values, lerr := s.stores.Local.Get(ctx, models.UserSaltKey)
		if lerr != nil {
			return "", false, lerr
		}
		v, ok := decodeSalt(values[models.UserSaltKey])
		if !ok {
			s.logger.Critical("Could not get user salt from sync or local storage")
			if serr := state.SetJSON(ctx, s.stores.Session, models.SessionOnlyModeKey, true); serr != nil {
				return "", false, serr
			}
			return "", false, nil
		}
		s.logger.Info("Using fallback salt from local storage")
		salt = v
	}

	if err := s.stores.Session.Remove(ctx, models.SessionOnlyModeKey); err != nil {
		s.logger.WithError(err).Warn("Failed to clear session-only flag")
	}
	return salt, true, nil
}

// SendInitialPayload delivers the salt to a tab. attempt is zero based;
// failures retry from alarms and the last one tells the tab INIT_FAILED.
func (s *Service) SendInitialPayload(ctx context.Context, tabID, attempt int) bool {
	logger := s.logger.WithFields(map[string]any{"tab_id": tabID, "attempt": attempt + 1})

	err := s.deliver(ctx, tabID, logger)
	if err == nil {
		logger.Debug("Initial payload sent")
		if qerr := s.queue.Enqueue(ctx, models.NewTabTask(models.TaskReady, tabID)); qerr != nil {
			logger.WithError(qerr).Warn("Failed to enqueue ready task")
		}
		return true
	}

	logger.WithError(err).Warn("Failed to send initial payload")
	scheduled, serr := s.payloadPolicy().ScheduleNext(s.alarms, alarm.InitialPayloadPrefix(tabID), attempt)
	if serr != nil {
		logger.WithError(serr).Error("Failed to schedule payload retry")
	}
	if scheduled {
		return false
	}

	logger.Error("Initial payload failed after max retries")
	msg, merr := models.NewMessage(models.MsgInitFailed, models.InitFailedPayload{Reason: err.Error()})
	if merr == nil {
		if _, serr := s.host.SendToTab(ctx, tabID, msg); serr != nil {
			logger.WithError(serr).Warn("Failed to send INIT_FAILED")
		}
	}
	return false
}

func (s *Service) deliver(ctx context.Context, tabID int, logger *events.Logger) error {
	if _, err := s.host.GetTab(ctx, tabID); err != nil {
		return err
	}
	payload := models.InitPayload{}
	salt, ok, err := s.UserSalt(ctx)
	if err != nil {
		return err
	}
	if ok {
		payload.Salt = &salt
	} else {
		logger.Warn("User salt not available, sending null salt for session-only mode")
	}
	msg, err := models.NewMessage(models.MsgInitPayload, payload)
	if err != nil {
		return err
	}
	_, err = s.host.SendToTab(ctx, tabID, msg)
	return err
}

// HandlePayloadRetryAlarm resends the payload a retry alarm names.
func (s *Service) HandlePayloadRetryAlarm(ctx context.Context, name string) {
	tabID, ok := alarm.TabID(name, alarm.RetryInitialPayloadPrefix)
	attempt, aok := alarm.Attempt(name)
	if !ok || !aok {
		s.logger.WithField("alarm", name).Warn("Ignoring malformed payload retry alarm")
		return
	}
	s.SendInitialPayload(ctx, tabID, attempt)
}

// CancelPayloadRetries drops pending payload retries for a tab.
func (s *Service) CancelPayloadRetries(tabID int) {
	s.alarms.ClearPrefix(alarm.InitialPayloadPrefix(tabID))
}

// decodeSalt accepts a base64 string or a legacy array of byte values.
func decodeSalt(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var legacy []int
	if err := json.Unmarshal(raw, &legacy); err != nil || len(legacy) == 0 {
		return "", false
	}
	buf := make([]byte, len(legacy))
	for i, b := range legacy {
		if b < 0 || b > 255 {
			return "", false
		}
		buf[i] = byte(b)
	}
	return crypto.EncodeSalt(buf), true
}

func jsonEntries(values map[string]any) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}
