package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Backing key-value stores
	Stores StoresConfig `json:"stores" mapstructure:"stores"`

	// Persistent store quota and eviction thresholds
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Section list limits
	Sections SectionsConfig `json:"sections" mapstructure:"sections"`

	// Advisory locks
	Locks LockConfig `json:"locks" mapstructure:"locks"`

	// Tab state task queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Periodic alarms
	Schedule ScheduleConfig `json:"schedule" mapstructure:"schedule"`

	// Shared retry policy
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Salt bootstrap and initial payload delivery
	Setup SetupConfig `json:"setup" mapstructure:"setup"`

	// Tab lifecycle
	Tabs TabsConfig `json:"tabs" mapstructure:"tabs"`

	// Popup API and tab websocket endpoint
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// StoresConfig selects a backend per store by DSN.
// Supported schemes: memory:, file://, sqlite://, postgres://, dynamodb://.
type StoresConfig struct {
	Session    string `json:"session" mapstructure:"session"`       // locks, queue, tab states
	Persistent string `json:"persistent" mapstructure:"persistent"` // sections, metadata, flags
	Sync       string `json:"sync" mapstructure:"sync"`             // user salt
}

// StorageConfig for quota management.
type StorageConfig struct {
	MaxBytes            int64         `json:"max_bytes" mapstructure:"max_bytes"`
	TargetRatio         float64       `json:"target_ratio" mapstructure:"target_ratio"`
	UserTargetRatio     float64       `json:"user_target_ratio" mapstructure:"user_target_ratio"`
	WarningRatio        float64       `json:"warning_ratio" mapstructure:"warning_ratio"`
	CriticalRatio       float64       `json:"critical_ratio" mapstructure:"critical_ratio"`
	RemoveBatchSize     int           `json:"remove_batch_size" mapstructure:"remove_batch_size"`
	LockTimeout         time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`
	PurgeRetryDelay     time.Duration `json:"purge_retry_delay" mapstructure:"purge_retry_delay"`           // after lock contention
	PurgeFailRetryDelay time.Duration `json:"purge_fail_retry_delay" mapstructure:"purge_fail_retry_delay"` // after a failed purge
	PendingRetryDelay   time.Duration `json:"pending_retry_delay" mapstructure:"pending_retry_delay"`       // replay still over quota
}

// SectionsConfig for per-video section lists.
type SectionsConfig struct {
	MaxPerVideo int           `json:"max_per_video" mapstructure:"max_per_video"`
	MaxAge      time.Duration `json:"max_age" mapstructure:"max_age"`
	MaxKeys     int           `json:"max_keys" mapstructure:"max_keys"`
}

// LockConfig for the lock manager.
type LockConfig struct {
	DefaultTimeout    time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	StaleMultiplier   float64       `json:"stale_multiplier" mapstructure:"stale_multiplier"`
	RetryInterval     time.Duration `json:"retry_interval" mapstructure:"retry_interval"`
	ReleaseRetryDelay time.Duration `json:"release_retry_delay" mapstructure:"release_retry_delay"`
}

// QueueConfig for the task queue.
type QueueConfig struct {
	DrainLockTimeout   time.Duration `json:"drain_lock_timeout" mapstructure:"drain_lock_timeout"`
	EnqueueLockTimeout time.Duration `json:"enqueue_lock_timeout" mapstructure:"enqueue_lock_timeout"`
	LockStaleAfter     time.Duration `json:"lock_stale_after" mapstructure:"lock_stale_after"`
	MaxRetries         int           `json:"max_retries" mapstructure:"max_retries"`
	RedrainDelay       time.Duration `json:"redrain_delay" mapstructure:"redrain_delay"`
}

// ScheduleConfig for periodic alarms.
type ScheduleConfig struct {
	PurgeInterval        time.Duration `json:"purge_interval" mapstructure:"purge_interval"`
	PendingSavesInterval time.Duration `json:"pending_saves_interval" mapstructure:"pending_saves_interval"`
	ReconcileInterval    time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval"`
	ReconcileRetryDelay  time.Duration `json:"reconcile_retry_delay" mapstructure:"reconcile_retry_delay"`
}

// RetryConfig shapes inline store retries and the alarm-driven retries
// of purges, reconciliation, lock release and pending replays. Alarm
// sequences start from the per-site delay in their own section.
type RetryConfig struct {
	StoreAttempts  int           `json:"store_attempts" mapstructure:"store_attempts"`
	StoreBaseDelay time.Duration `json:"store_base_delay" mapstructure:"store_base_delay"`
	Multiplier     float64       `json:"multiplier" mapstructure:"multiplier"`
	AlarmAttempts  int           `json:"alarm_attempts" mapstructure:"alarm_attempts"`
}

// SetupConfig for salt bootstrap.
type SetupConfig struct {
	LockTimeout        time.Duration `json:"lock_timeout" mapstructure:"lock_timeout"`
	MaxAttempts        int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay          time.Duration `json:"base_delay" mapstructure:"base_delay"`
	Multiplier         float64       `json:"multiplier" mapstructure:"multiplier"`
	SaltReadAttempts   int           `json:"salt_read_attempts" mapstructure:"salt_read_attempts"`
	SaltReadDelay      time.Duration `json:"salt_read_delay" mapstructure:"salt_read_delay"`
	PayloadMaxAttempts int           `json:"payload_max_attempts" mapstructure:"payload_max_attempts"`
	PayloadBaseDelay   time.Duration `json:"payload_base_delay" mapstructure:"payload_base_delay"`
}

// TabsConfig for tab lifecycle handling.
type TabsConfig struct {
	Host              string        `json:"host" mapstructure:"host"`
	DebounceDelay     time.Duration `json:"debounce_delay" mapstructure:"debounce_delay"`
	CleanupGrace      time.Duration `json:"cleanup_grace" mapstructure:"cleanup_grace"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	RPCTimeout        time.Duration `json:"rpc_timeout" mapstructure:"rpc_timeout"`
}

// ServerConfig for the HTTP surface.
type ServerConfig struct {
	Addr              string        `json:"addr" mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowedOrigins    []string      `json:"allowed_origins" mapstructure:"allowed_origins"` // empty = any
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level        string `json:"level" mapstructure:"level"`   // debug, info, warn, error, critical
	Format       string `json:"format" mapstructure:"format"` // text, json
	File         string `json:"file" mapstructure:"file"`     // Log file path (empty = stdout)
	RecentBuffer int    `json:"recent_buffer" mapstructure:"recent_buffer"`
	Color        bool   `json:"color" mapstructure:"color"`
}

// DefaultConfig returns config mirroring the extension's constants.
func DefaultConfig() *Config {
	dataDir := ".sectionrepeat"

	return &Config{
		Stores: StoresConfig{
			Session:    "memory:",
			Persistent: "sqlite://" + filepath.Join(dataDir, "local.db"),
			Sync:       "sqlite://" + filepath.Join(dataDir, "sync.db"),
		},
		Storage: StorageConfig{
			MaxBytes:            5 * 1024 * 1024, // 5MB
			TargetRatio:         0.7,
			UserTargetRatio:     0.5,
			WarningRatio:        0.75,
			CriticalRatio:       0.9,
			RemoveBatchSize:     50,
			LockTimeout:         5 * time.Second,
			PurgeRetryDelay:     time.Minute,
			PurgeFailRetryDelay: 5 * time.Minute,
			PendingRetryDelay:   10 * time.Minute,
		},
		Sections: SectionsConfig{
			MaxPerVideo: 50,
			MaxAge:      30 * 24 * time.Hour,
			MaxKeys:     3000,
		},
		Locks: LockConfig{
			DefaultTimeout:    5 * time.Second,
			StaleMultiplier:   1.5,
			RetryInterval:     50 * time.Millisecond,
			ReleaseRetryDelay: 6 * time.Second,
		},
		Queue: QueueConfig{
			DrainLockTimeout:   100 * time.Millisecond,
			EnqueueLockTimeout: 5 * time.Second,
			LockStaleAfter:     15 * time.Second,
			MaxRetries:         3,
			RedrainDelay:       50 * time.Millisecond,
		},
		Schedule: ScheduleConfig{
			PurgeInterval:        60 * time.Minute,
			PendingSavesInterval: 5 * time.Minute,
			ReconcileInterval:    24 * time.Hour,
			ReconcileRetryDelay:  time.Minute,
		},
		Retry: RetryConfig{
			StoreAttempts:  3,
			StoreBaseDelay: 50 * time.Millisecond,
			Multiplier:     2,
			AlarmAttempts:  5,
		},
		Setup: SetupConfig{
			LockTimeout:        10 * time.Second,
			MaxAttempts:        3,
			BaseDelay:          30 * time.Second,
			Multiplier:         2,
			SaltReadAttempts:   3,
			SaltReadDelay:      100 * time.Millisecond,
			PayloadMaxAttempts: 4,
			PayloadBaseDelay:   600 * time.Millisecond,
		},
		Tabs: TabsConfig{
			Host:              "youtube.com",
			DebounceDelay:     150 * time.Millisecond,
			CleanupGrace:      12 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			RPCTimeout:        5 * time.Second,
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8765",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "text",
			File:         "",
			RecentBuffer: 100,
			Color:        true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Stores.Session == "" || c.Stores.Persistent == "" || c.Stores.Sync == "" {
		return errors.New("stores.session, stores.persistent and stores.sync are required")
	}

	if c.Storage.MaxBytes <= 0 {
		return errors.New("storage.max_bytes must be positive")
	}

	for name, ratio := range map[string]float64{
		"storage.target_ratio":      c.Storage.TargetRatio,
		"storage.user_target_ratio": c.Storage.UserTargetRatio,
		"storage.warning_ratio":     c.Storage.WarningRatio,
		"storage.critical_ratio":    c.Storage.CriticalRatio,
	} {
		if ratio <= 0 || ratio > 1 {
			return fmt.Errorf("%s must be in (0, 1]", name)
		}
	}

	if c.Storage.WarningRatio > c.Storage.CriticalRatio {
		return errors.New("storage.warning_ratio must not exceed storage.critical_ratio")
	}

	if c.Storage.RemoveBatchSize <= 0 {
		return errors.New("storage.remove_batch_size must be positive")
	}

	if c.Sections.MaxPerVideo <= 0 {
		return errors.New("sections.max_per_video must be positive")
	}

	if c.Sections.MaxAge <= 0 {
		return errors.New("sections.max_age must be positive")
	}

	if c.Sections.MaxKeys <= 0 {
		return errors.New("sections.max_keys must be positive")
	}

	if c.Locks.DefaultTimeout <= 0 {
		return errors.New("locks.default_timeout must be positive")
	}

	if c.Locks.StaleMultiplier < 1 {
		return errors.New("locks.stale_multiplier must be at least 1")
	}

	if c.Locks.RetryInterval <= 0 {
		return errors.New("locks.retry_interval must be positive")
	}

	if c.Queue.DrainLockTimeout <= 0 || c.Queue.EnqueueLockTimeout <= 0 {
		return errors.New("queue lock timeouts must be positive")
	}

	if c.Queue.MaxRetries < 0 {
		return errors.New("queue.max_retries must not be negative")
	}

	if c.Retry.StoreAttempts <= 0 || c.Retry.AlarmAttempts <= 0 {
		return errors.New("retry attempts must be positive")
	}

	if c.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be at least 1")
	}

	if c.Setup.MaxAttempts <= 0 || c.Setup.PayloadMaxAttempts <= 0 {
		return errors.New("setup attempts must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "critical": true,
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates parent directories for file-backed stores and logs.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	for _, dsn := range []string{c.Stores.Session, c.Stores.Persistent, c.Stores.Sync} {
		for _, scheme := range []string{"sqlite://", "file://"} {
			if strings.HasPrefix(dsn, scheme) {
				path := strings.TrimPrefix(dsn, scheme)
				if i := strings.IndexByte(path, '?'); i >= 0 {
					path = path[:i]
				}
				dirs = append(dirs, filepath.Dir(path))
			}
		}
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
