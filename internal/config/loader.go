package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	envPrefix  string

	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "SECTIONREPEAT",
	}
}

// Load reads configuration from defaults, file and environment, in that
// order of precedence from lowest to highest.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
	} else {
		v.SetConfigName("sectionrepeat")
		for _, dir := range l.defaultDirs() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	l.v = v
	return l.decode()
}

// Watch re-reads the config file on change and passes every valid result
// to onChange. Invalid edits are reported through onError and ignored.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()

	if v == nil {
		return errors.New("watch before load")
	}
	if v.ConfigFileUsed() == "" {
		return errors.New("no config file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// ConfigFileUsed returns the file that was read, if any.
func (l *Loader) ConfigFileUsed() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.v == nil {
		return ""
	}
	return l.v.ConfigFileUsed()
}

// decode must be called with l.mu held.
func (l *Loader) decode() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// defaultDirs returns default config file locations.
func (l *Loader) defaultDirs() []string {
	dirs := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "sectionrepeat"),
			filepath.Join(homeDir, ".sectionrepeat"),
		)
	}

	return dirs
}

// setDefaults registers every key so that environment overrides apply
// during Unmarshal even when no file mentions the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("stores.session", d.Stores.Session)
	v.SetDefault("stores.persistent", d.Stores.Persistent)
	v.SetDefault("stores.sync", d.Stores.Sync)

	v.SetDefault("storage.max_bytes", d.Storage.MaxBytes)
	v.SetDefault("storage.target_ratio", d.Storage.TargetRatio)
	v.SetDefault("storage.user_target_ratio", d.Storage.UserTargetRatio)
	v.SetDefault("storage.warning_ratio", d.Storage.WarningRatio)
	v.SetDefault("storage.critical_ratio", d.Storage.CriticalRatio)
	v.SetDefault("storage.remove_batch_size", d.Storage.RemoveBatchSize)
	v.SetDefault("storage.lock_timeout", d.Storage.LockTimeout)
	v.SetDefault("storage.purge_retry_delay", d.Storage.PurgeRetryDelay)
	v.SetDefault("storage.purge_fail_retry_delay", d.Storage.PurgeFailRetryDelay)
	v.SetDefault("storage.pending_retry_delay", d.Storage.PendingRetryDelay)

	v.SetDefault("sections.max_per_video", d.Sections.MaxPerVideo)
	v.SetDefault("sections.max_age", d.Sections.MaxAge)
	v.SetDefault("sections.max_keys", d.Sections.MaxKeys)

	v.SetDefault("locks.default_timeout", d.Locks.DefaultTimeout)
	v.SetDefault("locks.stale_multiplier", d.Locks.StaleMultiplier)
	v.SetDefault("locks.retry_interval", d.Locks.RetryInterval)
	v.SetDefault("locks.release_retry_delay", d.Locks.ReleaseRetryDelay)

	v.SetDefault("queue.drain_lock_timeout", d.Queue.DrainLockTimeout)
	v.SetDefault("queue.enqueue_lock_timeout", d.Queue.EnqueueLockTimeout)
	v.SetDefault("queue.lock_stale_after", d.Queue.LockStaleAfter)
	v.SetDefault("queue.max_retries", d.Queue.MaxRetries)
	v.SetDefault("queue.redrain_delay", d.Queue.RedrainDelay)

	v.SetDefault("schedule.purge_interval", d.Schedule.PurgeInterval)
	v.SetDefault("schedule.pending_saves_interval", d.Schedule.PendingSavesInterval)
	v.SetDefault("schedule.reconcile_interval", d.Schedule.ReconcileInterval)
	v.SetDefault("schedule.reconcile_retry_delay", d.Schedule.ReconcileRetryDelay)

	v.SetDefault("retry.store_attempts", d.Retry.StoreAttempts)
	v.SetDefault("retry.store_base_delay", d.Retry.StoreBaseDelay)
	v.SetDefault("retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("retry.alarm_attempts", d.Retry.AlarmAttempts)

	v.SetDefault("setup.lock_timeout", d.Setup.LockTimeout)
	v.SetDefault("setup.max_attempts", d.Setup.MaxAttempts)
	v.SetDefault("setup.base_delay", d.Setup.BaseDelay)
	v.SetDefault("setup.multiplier", d.Setup.Multiplier)
	v.SetDefault("setup.salt_read_attempts", d.Setup.SaltReadAttempts)
	v.SetDefault("setup.salt_read_delay", d.Setup.SaltReadDelay)
	v.SetDefault("setup.payload_max_attempts", d.Setup.PayloadMaxAttempts)
	v.SetDefault("setup.payload_base_delay", d.Setup.PayloadBaseDelay)

	v.SetDefault("tabs.host", d.Tabs.Host)
	v.SetDefault("tabs.debounce_delay", d.Tabs.DebounceDelay)
	v.SetDefault("tabs.cleanup_grace", d.Tabs.CleanupGrace)
	v.SetDefault("tabs.heartbeat_interval", d.Tabs.HeartbeatInterval)
	v.SetDefault("tabs.rpc_timeout", d.Tabs.RPCTimeout)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.recent_buffer", d.Log.RecentBuffer)
	v.SetDefault("log.color", d.Log.Color)
}

// SaveExample writes an example config file.
func SaveExample(path string) error {
	cfg := DefaultConfig()

	data, err := json.MarshalIndent(exampleView(cfg), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return nil
}

// exampleView renders durations as strings so the example round-trips
// through Load.
func exampleView(cfg *Config) map[string]any {
	v := viper.New()
	setDefaults(v, cfg)
	out := v.AllSettings()
	stringifyDurations(out)
	return out
}

func stringifyDurations(m map[string]any) {
	for k, val := range m {
		switch typed := val.(type) {
		case map[string]any:
			stringifyDurations(typed)
		case interface{ String() string }:
			m[k] = typed.String()
		}
	}
}
