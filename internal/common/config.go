// Package common provides shared utilities for hktick
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the collector daemon.
type Config struct {
	Upstream  UpstreamConfig  `toml:"upstream"`
	Store     StoreConfig     `toml:"store"`
	Queue     QueueConfig     `toml:"queue"`
	Retry     RetryConfig     `toml:"retry"`
	Poll      PollConfig      `toml:"poll"`
	Watchdog  WatchdogConfig  `toml:"watchdog"`
	Quality   QualityConfig   `toml:"quality"`
	Notifier  NotifierConfig  `toml:"notifier"`
	Health    HealthConfig    `toml:"health"`
	Archive   ArchiveConfig   `toml:"archive"`
	Logging   LoggingConfig   `toml:"logging"`
}

// UpstreamConfig holds the quote gateway connection target and the
// subscription set.
type UpstreamConfig struct {
	Host              string   `toml:"host" validate:"required"`
	Port              int      `toml:"port" validate:"gt=0,lte=65535"`
	Session           string   `toml:"session"`
	Symbols           []string `toml:"symbols" validate:"min=1,dive,required"`
	ReconnectMinDelay int      `toml:"reconnect_min_delay" validate:"gte=1"`
	ReconnectMaxDelay int      `toml:"reconnect_max_delay" validate:"gte=1"`
	BackfillN         int      `toml:"backfill_n" validate:"gte=0"`
	CheckIntervalSec  int      `toml:"check_interval_sec" validate:"gte=1"`
	SeedRecentDBDays  int      `toml:"seed_recent_db_days" validate:"gte=0"`
}

// StoreConfig holds the shard root and per-open sqlite pragmas.
type StoreConfig struct {
	DataRoot          string `toml:"data_root" validate:"required"`
	JournalMode       string `toml:"journal_mode"`
	Synchronous       string `toml:"synchronous"`
	TempStore         string `toml:"temp_store"`
	BusyTimeoutMs     int    `toml:"busy_timeout_ms" validate:"gte=1"`
	WALAutocheckpoint int    `toml:"wal_autocheckpoint" validate:"gte=1"`
}

// QueueConfig holds the persist queue coalesce window and drop policy.
type QueueConfig struct {
	BatchSize            int `toml:"batch_size" validate:"gte=1"`
	MaxWaitMs            int `toml:"max_wait_ms" validate:"gte=1"`
	MaxQueueSize         int `toml:"max_queue_size" validate:"gte=1"`
	HeartbeatIntervalSec int `toml:"heartbeat_interval_sec" validate:"gte=1"`
}

// RetryConfig holds the persist retry policy. The attempt budget resets the
// backoff scale, it never causes a drop.
type RetryConfig struct {
	MaxAttempts   int     `toml:"persist_retry_max_attempts" validate:"gte=1"`
	BackoffSec    float64 `toml:"persist_retry_backoff_sec" validate:"gt=0"`
	BackoffMaxSec float64 `toml:"persist_retry_backoff_max_sec" validate:"gt=0"`
}

// PollConfig holds the per-symbol polling fallback settings.
type PollConfig struct {
	Enabled     bool `toml:"enabled"`
	IntervalSec int  `toml:"interval_sec" validate:"gte=1"`
	Num         int  `toml:"num" validate:"gte=1"`
	StaleSec    int  `toml:"stale_sec" validate:"gte=0"`
}

// WatchdogConfig holds stall detection and recovery thresholds.
type WatchdogConfig struct {
	StallSec               int `toml:"stall_sec" validate:"gte=1"`
	UpstreamWindowSec      int `toml:"upstream_window_sec" validate:"gte=1"`
	QueueThresholdRows     int `toml:"queue_threshold_rows" validate:"gte=1"`
	RecoveryMaxFailures    int `toml:"recovery_max_failures" validate:"gte=1"`
	RecoveryJoinTimeoutSec int `toml:"recovery_join_timeout_sec" validate:"gte=1"`
}

// QualityConfig holds the gap/stall classifier settings.
type QualityConfig struct {
	GapEnabled         bool     `toml:"gap_enabled"`
	GapThresholdSec    float64  `toml:"gap_threshold_sec" validate:"gt=0"`
	GapActiveWindowSec int      `toml:"gap_active_window_sec" validate:"gte=1"`
	GapActiveMinTicks  int      `toml:"gap_active_min_ticks" validate:"gte=1"`
	GapStallWarnSec    float64  `toml:"gap_stall_warn_sec" validate:"gt=0"`
	TradingTZ          string   `toml:"trading_tz"`
	TradingSessions    string   `toml:"trading_sessions"`
	Holidays           []string `toml:"holidays"`
	HolidayFile        string   `toml:"holiday_file"`
}

// NotifierConfig holds Telegram delivery and cadence settings.
type NotifierConfig struct {
	Enabled                   bool    `toml:"enabled"`
	BotToken                  string  `toml:"bot_token"`
	ChatID                    string  `toml:"chat_id"`
	ThreadID                  int     `toml:"thread_id"`
	RateLimitPerMin           int     `toml:"rate_limit_per_min" validate:"gte=1"`
	AlertCooldownSec          int     `toml:"alert_cooldown_sec" validate:"gte=30"`
	AlertEscalationSteps      []int   `toml:"alert_escalation_steps"`
	HealthTradingIntervalSec  int     `toml:"health_trading_interval_sec" validate:"gte=30"`
	HealthOffhoursIntervalSec int     `toml:"health_offhours_interval_sec" validate:"gte=30"`
	DriftWarnSec              int     `toml:"drift_warn_sec" validate:"gte=1"`
	MaxRetries                int     `toml:"max_retries" validate:"gte=1"`
	RequestTimeoutSec         int     `toml:"request_timeout_sec" validate:"gte=1"`
	QueueMaxSize              int     `toml:"queue_max_size" validate:"gte=1"`
	SQLiteBusyAlertThreshold  int     `toml:"sqlite_busy_alert_threshold" validate:"gte=1"`
	DigestQueueChangePct      float64 `toml:"digest_queue_change_pct"`
	DigestDriftThresholdSec   float64 `toml:"digest_drift_threshold_sec"`
	IncludeSystemMetrics      bool    `toml:"include_system_metrics"`
}

// HealthConfig holds the HTTP health endpoint settings.
type HealthConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port" validate:"gt=0,lte=65535"`
}

// ArchiveConfig holds end-of-day shard archival settings.
type ArchiveConfig struct {
	Enabled  bool   `toml:"enabled"`
	Dir      string `toml:"dir"`
	Schedule string `toml:"schedule"`
	KeepDays int    `toml:"keep_days" validate:"gte=0"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"file_path"`
}

var validJournalModes = map[string]bool{
	"DELETE": true, "TRUNCATE": true, "PERSIST": true,
	"MEMORY": true, "WAL": true, "OFF": true,
}

var validSynchronous = map[string]bool{
	"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true,
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Host:              "127.0.0.1",
			Port:              11111,
			Session:           "ALL",
			Symbols:           nil,
			ReconnectMinDelay: 1,
			ReconnectMaxDelay: 60,
			BackfillN:         0,
			CheckIntervalSec:  5,
			SeedRecentDBDays:  3,
		},
		Store: StoreConfig{
			DataRoot:          "data/sqlite/HK",
			JournalMode:       "WAL",
			Synchronous:       "NORMAL",
			TempStore:         "MEMORY",
			BusyTimeoutMs:     5000,
			WALAutocheckpoint: 1000,
		},
		Queue: QueueConfig{
			BatchSize:            500,
			MaxWaitMs:            1000,
			MaxQueueSize:         20000,
			HeartbeatIntervalSec: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:   5,
			BackoffSec:    1.0,
			BackoffMaxSec: 30.0,
		},
		Poll: PollConfig{
			Enabled:     true,
			IntervalSec: 5,
			Num:         100,
			StaleSec:    2,
		},
		Watchdog: WatchdogConfig{
			StallSec:               120,
			UpstreamWindowSec:      90,
			QueueThresholdRows:     200,
			RecoveryMaxFailures:    3,
			RecoveryJoinTimeoutSec: 10,
		},
		Quality: QualityConfig{
			GapEnabled:         true,
			GapThresholdSec:    10.0,
			GapActiveWindowSec: 300,
			GapActiveMinTicks:  50,
			GapStallWarnSec:    30.0,
			TradingTZ:          "Asia/Hong_Kong",
			TradingSessions:    "09:30-12:00,13:00-16:00",
		},
		Notifier: NotifierConfig{
			Enabled:                   false,
			RateLimitPerMin:           18,
			AlertCooldownSec:          600,
			AlertEscalationSteps:      []int{0, 600, 1800},
			HealthTradingIntervalSec:  600,
			HealthOffhoursIntervalSec: 3600,
			DriftWarnSec:              120,
			MaxRetries:                4,
			RequestTimeoutSec:         8,
			QueueMaxSize:              256,
			SQLiteBusyAlertThreshold:  10,
			DigestQueueChangePct:      20.0,
			DigestDriftThresholdSec:   60.0,
			IncludeSystemMetrics:      true,
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8086,
		},
		Archive: ArchiveConfig{
			Enabled:  false,
			Dir:      "data/archive/HK",
			Schedule: "30 17 * * MON-FRI",
			KeepDays: 14,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks structural constraints and the closed pragma allow-lists.
// Any violation refuses startup.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if mode := strings.ToUpper(strings.TrimSpace(c.Store.JournalMode)); !validJournalModes[mode] {
		return fmt.Errorf("invalid config: unsupported journal_mode %q", c.Store.JournalMode)
	}
	if level := strings.ToUpper(strings.TrimSpace(c.Store.Synchronous)); !validSynchronous[level] {
		return fmt.Errorf("invalid config: unsupported synchronous %q", c.Store.Synchronous)
	}
	if c.Upstream.ReconnectMaxDelay < c.Upstream.ReconnectMinDelay {
		return fmt.Errorf("invalid config: reconnect_max_delay %d < reconnect_min_delay %d",
			c.Upstream.ReconnectMaxDelay, c.Upstream.ReconnectMinDelay)
	}
	if _, err := ParseTradingSessions(c.Quality.TradingSessions); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RetryBackoff returns the persist retry base and cap as durations.
func (c *RetryConfig) RetryBackoff() (base, max time.Duration) {
	return time.Duration(c.BackoffSec * float64(time.Second)),
		time.Duration(c.BackoffMaxSec * float64(time.Second))
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	envStr("HKTICK_UPSTREAM_HOST", &config.Upstream.Host)
	envInt("HKTICK_UPSTREAM_PORT", &config.Upstream.Port)
	envStr("HKTICK_UPSTREAM_SESSION", &config.Upstream.Session)
	envList("HKTICK_SYMBOLS", &config.Upstream.Symbols)
	envInt("HKTICK_RECONNECT_MIN_DELAY", &config.Upstream.ReconnectMinDelay)
	envInt("HKTICK_RECONNECT_MAX_DELAY", &config.Upstream.ReconnectMaxDelay)
	envInt("HKTICK_BACKFILL_N", &config.Upstream.BackfillN)
	envInt("HKTICK_SEED_RECENT_DB_DAYS", &config.Upstream.SeedRecentDBDays)

	envStr("HKTICK_DATA_ROOT", &config.Store.DataRoot)
	envStr("HKTICK_SQLITE_JOURNAL_MODE", &config.Store.JournalMode)
	envStr("HKTICK_SQLITE_SYNCHRONOUS", &config.Store.Synchronous)
	envInt("HKTICK_SQLITE_BUSY_TIMEOUT_MS", &config.Store.BusyTimeoutMs)
	envInt("HKTICK_SQLITE_WAL_AUTOCHECKPOINT", &config.Store.WALAutocheckpoint)

	envInt("HKTICK_BATCH_SIZE", &config.Queue.BatchSize)
	envInt("HKTICK_MAX_WAIT_MS", &config.Queue.MaxWaitMs)
	envInt("HKTICK_MAX_QUEUE_SIZE", &config.Queue.MaxQueueSize)

	envInt("HKTICK_PERSIST_RETRY_MAX_ATTEMPTS", &config.Retry.MaxAttempts)
	envFloat("HKTICK_PERSIST_RETRY_BACKOFF_SEC", &config.Retry.BackoffSec)
	envFloat("HKTICK_PERSIST_RETRY_BACKOFF_MAX_SEC", &config.Retry.BackoffMaxSec)

	envBool("HKTICK_POLL_ENABLED", &config.Poll.Enabled)
	envInt("HKTICK_POLL_INTERVAL_SEC", &config.Poll.IntervalSec)
	envInt("HKTICK_POLL_NUM", &config.Poll.Num)
	envInt("HKTICK_POLL_STALE_SEC", &config.Poll.StaleSec)

	envInt("HKTICK_WATCHDOG_STALL_SEC", &config.Watchdog.StallSec)
	envInt("HKTICK_WATCHDOG_UPSTREAM_WINDOW_SEC", &config.Watchdog.UpstreamWindowSec)
	envInt("HKTICK_WATCHDOG_QUEUE_THRESHOLD_ROWS", &config.Watchdog.QueueThresholdRows)
	envInt("HKTICK_WATCHDOG_RECOVERY_MAX_FAILURES", &config.Watchdog.RecoveryMaxFailures)

	envBool("HKTICK_GAP_ENABLED", &config.Quality.GapEnabled)
	envFloat("HKTICK_GAP_THRESHOLD_SEC", &config.Quality.GapThresholdSec)
	envInt("HKTICK_GAP_ACTIVE_WINDOW_SEC", &config.Quality.GapActiveWindowSec)
	envInt("HKTICK_GAP_ACTIVE_MIN_TICKS", &config.Quality.GapActiveMinTicks)
	envFloat("HKTICK_GAP_STALL_WARN_SEC", &config.Quality.GapStallWarnSec)
	envStr("HKTICK_TRADING_TZ", &config.Quality.TradingTZ)
	envStr("HKTICK_TRADING_SESSIONS", &config.Quality.TradingSessions)
	envStr("HKTICK_HOLIDAY_FILE", &config.Quality.HolidayFile)

	envBool("HKTICK_TELEGRAM_ENABLED", &config.Notifier.Enabled)
	envStr("HKTICK_TELEGRAM_BOT_TOKEN", &config.Notifier.BotToken)
	envStr("HKTICK_TELEGRAM_CHAT_ID", &config.Notifier.ChatID)
	envInt("HKTICK_TELEGRAM_THREAD_ID", &config.Notifier.ThreadID)
	envInt("HKTICK_TELEGRAM_RATE_LIMIT_PER_MIN", &config.Notifier.RateLimitPerMin)
	envInt("HKTICK_ALERT_COOLDOWN_SEC", &config.Notifier.AlertCooldownSec)

	envBool("HKTICK_HEALTH_ENABLED", &config.Health.Enabled)
	envStr("HKTICK_HEALTH_HOST", &config.Health.Host)
	envInt("HKTICK_HEALTH_PORT", &config.Health.Port)

	envBool("HKTICK_ARCHIVE_ENABLED", &config.Archive.Enabled)
	envStr("HKTICK_ARCHIVE_DIR", &config.Archive.Dir)

	envStr("HKTICK_LOG_LEVEL", &config.Logging.Level)
	envStr("HKTICK_LOG_FILE", &config.Logging.FilePath)
}

func envStr(name string, target *string) {
	if v := os.Getenv(name); v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = n
		}
	}
}

func envFloat(name string, target *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*target = f
		}
	}
}

func envBool(name string, target *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		*target = true
	case "0", "false", "no", "n", "off":
		*target = false
	}
}

func envList(name string, target *[]string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	var items []string
	for _, item := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	if len(items) > 0 {
		*target = items
	}
}
