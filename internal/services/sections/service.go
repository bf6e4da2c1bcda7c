// Package sections persists per-video section lists and keeps the metadata
// index in step with them.
package sections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TheMichaelB/sectionrepeat/internal/clock"
	"github.com/TheMichaelB/sectionrepeat/internal/config"
	"github.com/TheMichaelB/sectionrepeat/internal/crypto"
	"github.com/TheMichaelB/sectionrepeat/internal/events"
	"github.com/TheMichaelB/sectionrepeat/internal/models"
	"github.com/TheMichaelB/sectionrepeat/internal/services/metadata"
	"github.com/TheMichaelB/sectionrepeat/internal/state"
)

// SaltSource provides the user salt. ok is false in session-only mode.
type SaltSource interface {
	UserSalt(ctx context.Context) (salt string, ok bool, err error)
}

// PurgeTrigger requests an immediate purge after a write hit the quota.
type PurgeTrigger interface {
	TriggerImmediate(ctx context.Context) bool
}

// PersistResult describes a saved list.
type PersistResult struct {
	Sections []models.Section
	// Trimmed counts completed sections dropped to respect the cap.
	Trimmed int
	// Pending is set when the store was full and the write was stashed.
	Pending bool
}

// Service reads and writes section lists.
type Service struct {
	store     state.Store
	meta      *metadata.Service
	pending   *PendingBuffer
	validator *Validator
	salt      SaltSource
	clock     clock.Clock
	cfg       config.SectionsConfig
	logger    *events.Logger

	purge PurgeTrigger
}

// NewService creates a section service over the persistent store.
func NewService(store state.Store, meta *metadata.Service, pending *PendingBuffer, validator *Validator, salt SaltSource, clk clock.Clock, cfg config.SectionsConfig, logger *events.Logger) *Service {
	return &Service{
		store:     store,
		meta:      meta,
		pending:   pending,
		validator: validator,
		salt:      salt,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.WithField("service", "sections"),
	}
}

// SetPurgeTrigger installs the purge hook. It is set after construction
// because the purge engine replays this service's pending writes.
func (s *Service) SetPurgeTrigger(p PurgeTrigger) {
	s.purge = p
}

// Hash pseudonymizes a video id with the user salt. ok is false when no
// salt is available.
func (s *Service) Hash(ctx context.Context, videoID string) (string, bool, error) {
	if videoID == "" {
		return "", false, fmt.Errorf("%w: empty video id", models.ErrInvalidMessage)
	}
	salt, ok, err := s.salt.UserSalt(ctx)
	if err != nil {
		return "", false, fmt.Errorf("read salt: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return crypto.Hash(videoID, salt), true, nil
}

// Persist trims and saves sections for hashedID and updates its index
// entry. A quota failure stashes the write as pending and requests a purge
// instead of failing.
func (s *Service) Persist(ctx context.Context, hashedID string, sections []models.Section) (PersistResult, error) {
	if hashedID == "" {
		return PersistResult{}, fmt.Errorf("%w: empty hashed id", models.ErrInvalidMessage)
	}

	kept, trimmed := models.TrimSections(sections, s.cfg.MaxPerVideo)
	if kept == nil {
		kept = []models.Section{}
	}
	list := models.SectionList{Sections: kept, UpdatedAt: s.clock.Now().UnixMilli(), V: models.DataSchemaVersion}
	raw, err := json.Marshal(list)
	if err != nil {
		return PersistResult{}, fmt.Errorf("encode sections: %w", err)
	}
	if err := s.validator.Validate(raw); err != nil {
		return PersistResult{}, fmt.Errorf("%w: %v", models.ErrInvalidMessage, err)
	}

	key := models.SectionKey(hashedID)
	logger := s.logger.WithFields(map[string]any{"key": key, "sections": len(kept)})
	if trimmed > 0 {
		logger.WithField("trimmed", trimmed).Info("Trimmed oldest sections")
	}

	res := PersistResult{Sections: kept, Trimmed: trimmed}
	err = s.meta.WithLock(ctx, func(ctx context.Context) error {
		idx, err := s.meta.Load(ctx)
		if err != nil {
			return err
		}
		_, indexed := idx[key]

		if err := s.store.Set(ctx, map[string]json.RawMessage{key: raw}); err != nil {
			if !errors.Is(err, models.ErrQuotaExceeded) {
				return fmt.Errorf("write sections: %w", err)
			}
			logger.Warn("Storage full, saving as pending")
			return s.stash(ctx, hashedID, raw, &res, logger)
		}

		err = s.meta.UpdateLocked(ctx, hashedID, models.CompletedCount(kept))
		if err == nil || !errors.Is(err, models.ErrQuotaExceeded) {
			return err
		}
		// Unindexed data would be deleted as an orphan; the stash carries
		// the write until the index has room.
		logger.Warn("Storage full while indexing, saving as pending")
		if !indexed {
			if rerr := s.store.Remove(ctx, key); rerr != nil {
				logger.WithError(rerr).Warn("Failed to remove unindexed sections")
			}
		}
		return s.stash(ctx, hashedID, raw, &res, logger)
	})
	if err != nil {
		return PersistResult{}, err
	}

	if res.Pending && s.purge != nil {
		s.purge.TriggerImmediate(context.WithoutCancel(ctx))
	}
	return res, nil
}

func (s *Service) stash(ctx context.Context, hashedID string, raw json.RawMessage, res *PersistResult, logger *events.Logger) error {
	if err := s.pending.Stash(ctx, hashedID, raw); err != nil {
		logger.WithError(err).Critical("Failed to save pending write")
		return err
	}
	res.Pending = true
	return nil
}

// Load returns the saved sections for hashedID. Corrupt lists and lists
// from another schema version are cleared and read as empty.
func (s *Service) Load(ctx context.Context, hashedID string) ([]models.Section, error) {
	key := models.SectionKey(hashedID)
	values, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load sections: %w", err)
	}
	raw, ok := values[key]
	if !ok {
		return nil, nil
	}

	logger := s.logger.WithField("key", key)
	if err := s.validator.Validate(raw); err != nil {
		logger.WithError(err).Warn("Corrupted section data, clearing")
		return nil, s.Clear(ctx, hashedID)
	}

	var list models.SectionList
	if err := json.Unmarshal(raw, &list); err != nil {
		logger.WithError(err).Warn("Corrupted section data, clearing")
		return nil, s.Clear(ctx, hashedID)
	}
	if list.V != models.DataSchemaVersion {
		logger.WithField("version", list.V).Warn("Incompatible data version, clearing")
		return nil, s.Clear(ctx, hashedID)
	}
	return list.Sections, nil
}

// Clear removes the list, its index entry and any pending write for it.
func (s *Service) Clear(ctx context.Context, hashedID string) error {
	key := models.SectionKey(hashedID)
	return s.meta.WithLock(ctx, func(ctx context.Context) error {
		idx, err := s.meta.Load(ctx)
		if err != nil {
			return err
		}
		if _, ok := idx[key]; ok {
			delete(idx, key)
			if err := s.meta.Save(ctx, idx); err != nil {
				return err
			}
		}
		if err := s.store.Remove(ctx, key, models.PendingKey(hashedID)); err != nil {
			return fmt.Errorf("remove sections: %w", err)
		}
		return nil
	})
}
