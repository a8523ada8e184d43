// Package config loads walwatch configuration from YAML, .env files and
// WALWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/walwatch/walwatch/internal/channels"
	"github.com/walwatch/walwatch/internal/connection"
	"github.com/walwatch/walwatch/internal/health"
	"github.com/walwatch/walwatch/internal/model"
	"github.com/walwatch/walwatch/internal/poller"
	"github.com/walwatch/walwatch/internal/secrets"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WALWATCH_"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	CORS       CORSConfig       `yaml:"cors"`
	Logging    LoggingConfig    `yaml:"logging"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Connection ConnectionConfig `yaml:"connection"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Thresholds ThresholdsConfig `yaml:"thresholds"`
	Store      StoreConfig      `yaml:"store"`
	Events     EventsConfig     `yaml:"events"`
	NATS       NATSConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Targets    []model.Target   `yaml:"targets"`
}

type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type SchedulerConfig struct {
	TickIntervalMS    int `yaml:"tick_interval_ms"`
	DefaultIntervalMS int `yaml:"default_interval_ms"`
	JitterPercent     int `yaml:"jitter_percent"`
	FailureThreshold  int `yaml:"failure_threshold"`
	ErrorBackoffMS    int `yaml:"error_backoff_ms"`
	MaxConcurrent     int `yaml:"max_concurrent"`
}

type ConnectionConfig struct {
	ApplicationName    string `yaml:"application_name"`
	ConnectTimeoutMS   int    `yaml:"connect_timeout_ms"`
	StatementTimeoutMS int    `yaml:"statement_timeout_ms"`
	QueryTimeoutMS     int    `yaml:"query_timeout_ms"`
	BackoffBaseMS      int    `yaml:"backoff_base_ms"`
	BackoffCapMS       int    `yaml:"backoff_cap_ms"`
	MaxRetryWindowMS   int    `yaml:"max_retry_window_ms"`
}

// SecretsConfig limits what a target's credential_ref may read. Targets
// arrive over the API as well as from this file.
type SecretsConfig struct {
	AllowedDir string `yaml:"allowed_dir"`
	EnvPrefix  string `yaml:"env_prefix"`
}

// ThresholdsConfig holds the health boundaries. Sizes accept plain byte
// counts or pg_size_pretty strings such as "10 MB".
type ThresholdsConfig struct {
	LongTxDurationMS     int      `yaml:"long_tx_duration_ms"`
	LongTxWalFloor       ByteSize `yaml:"long_tx_wal_floor"`
	SlotRetainedWarn     ByteSize `yaml:"slot_retained_warn"`
	SlotRetainedError    ByteSize `yaml:"slot_retained_error"`
	WalGrowthWarnPerMin  ByteSize `yaml:"wal_growth_warn_per_min"`
	WalGrowthErrorPerMin ByteSize `yaml:"wal_growth_error_per_min"`
}

type StoreConfig struct {
	HistoryCapacity int `yaml:"history_capacity"`
}

type EventsConfig struct {
	ConnectionBufferSize int `yaml:"connection_buffer_size"`
	SchedulerBufferSize  int `yaml:"scheduler_buffer_size"`
	HealthBufferSize     int `yaml:"health_buffer_size"`
	SnapshotBufferSize   int `yaml:"snapshot_buffer_size"`
}

type NATSConfig struct {
	Enabled         bool     `yaml:"enabled"`
	URL             string   `yaml:"url"`
	SubjectPrefix   string   `yaml:"subject_prefix"`
	Topics          []string `yaml:"topics"`
	MaxReconnects   int      `yaml:"max_reconnects"`
	ReconnectWaitMS int      `yaml:"reconnect_wait_ms"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load builds the configuration: .env (if present), then the YAML file at
// configPath (skipped when empty), then WALWATCH_* overrides, then defaults.
// The result is validated.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset value.
func (c *Config) ApplyDefaults() {
	defaultInt(&c.Server.Port, 8080)
	defaultInt(&c.Server.ReadTimeoutMS, 10_000)
	defaultInt(&c.Server.WriteTimeoutMS, 10_000)
	defaultInt(&c.Server.ShutdownTimeoutMS, 15_000)
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Content-Type", "X-Request-ID"}
	}
	defaultInt(&c.CORS.MaxAgeSeconds, 300)

	defaultString(&c.Logging.Level, "info")
	defaultString(&c.Logging.Format, "text")
	defaultString(&c.Logging.Output, "stdout")

	defaultInt(&c.Scheduler.TickIntervalMS, 1_000)
	defaultInt(&c.Scheduler.DefaultIntervalMS, 30_000)
	if c.Scheduler.JitterPercent == 0 {
		c.Scheduler.JitterPercent = 10
	}
	defaultInt(&c.Scheduler.FailureThreshold, 3)
	defaultInt(&c.Scheduler.ErrorBackoffMS, 60_000)
	defaultInt(&c.Scheduler.MaxConcurrent, 16)

	defaultString(&c.Connection.ApplicationName, "walwatch")
	defaultInt(&c.Connection.ConnectTimeoutMS, 5_000)
	defaultInt(&c.Connection.StatementTimeoutMS, 10_000)
	defaultInt(&c.Connection.QueryTimeoutMS, 10_000)
	defaultInt(&c.Connection.BackoffBaseMS, 1_000)
	defaultInt(&c.Connection.BackoffCapMS, 60_000)
	defaultInt(&c.Connection.MaxRetryWindowMS, 600_000)

	defaultString(&c.Secrets.EnvPrefix, "WALWATCH_SECRET_")

	th := health.DefaultThresholds()
	defaultInt(&c.Thresholds.LongTxDurationMS, int(th.LongTxDuration.Milliseconds()))
	defaultSize(&c.Thresholds.LongTxWalFloor, th.LongTxWalFloorBytes)
	defaultSize(&c.Thresholds.SlotRetainedWarn, th.SlotRetainedWarnBytes)
	defaultSize(&c.Thresholds.SlotRetainedError, th.SlotRetainedErrorBytes)
	defaultSize(&c.Thresholds.WalGrowthWarnPerMin, int64(math.Round(th.WalGrowthWarnBPS*60)))
	defaultSize(&c.Thresholds.WalGrowthErrorPerMin, int64(math.Round(th.WalGrowthErrorBPS*60)))

	defaultInt(&c.Store.HistoryCapacity, 2880)

	defaultInt(&c.Events.ConnectionBufferSize, 64)
	defaultInt(&c.Events.SchedulerBufferSize, 64)
	defaultInt(&c.Events.HealthBufferSize, 128)
	defaultInt(&c.Events.SnapshotBufferSize, 32)

	defaultString(&c.NATS.URL, "nats://localhost:4222")
	defaultString(&c.NATS.SubjectPrefix, "walwatch.events")
	defaultInt(&c.NATS.MaxReconnects, 10)
	defaultInt(&c.NATS.ReconnectWaitMS, 2_000)

	defaultString(&c.Metrics.Path, "/metrics")
}

func defaultInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func defaultString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

func defaultSize(v *ByteSize, def int64) {
	if *v <= 0 {
		*v = ByteSize(def)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	check(c.Logging.IsLogLevelValid(), "logging.level must be one of debug, info, warn, error")
	check(slices.Contains([]string{"text", "json"}, c.Logging.Format), "logging.format must be text or json")
	check(slices.Contains([]string{"stdout", "stderr", "file"}, c.Logging.Output), "logging.output must be stdout, stderr or file")
	check(c.Logging.Output != "file" || c.Logging.FilePath != "", "logging.file_path is required when logging.output is file")

	check(c.Scheduler.DefaultIntervalMS >= 1_000, "scheduler.default_interval_ms must be at least 1000")
	check(c.Scheduler.JitterPercent >= 0 && c.Scheduler.JitterPercent <= 50, "scheduler.jitter_percent must be between 0 and 50")

	check(c.Connection.BackoffBaseMS <= c.Connection.BackoffCapMS, "connection.backoff_base_ms must not exceed connection.backoff_cap_ms")

	check(c.Secrets.AllowedDir == "" || filepath.IsAbs(c.Secrets.AllowedDir), "secrets.allowed_dir must be an absolute path")

	check(c.Thresholds.SlotRetainedWarn < c.Thresholds.SlotRetainedError, "thresholds.slot_retained_warn must be below thresholds.slot_retained_error")
	check(c.Thresholds.WalGrowthWarnPerMin < c.Thresholds.WalGrowthErrorPerMin, "thresholds.wal_growth_warn_per_min must be below thresholds.wal_growth_error_per_min")

	check(!c.NATS.Enabled || c.NATS.URL != "", "nats.url is required when nats is enabled")
	check(strings.HasPrefix(c.Metrics.Path, "/"), "metrics.path must start with /")

	policy := c.Secrets.Policy()
	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if err := model.ValidateTarget(t); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d]: %w", i, err))
		} else if err := policy.Check(t.CredentialRef); err != nil {
			errs = append(errs, fmt.Errorf("targets[%d]: credential_ref: %w", i, err))
		}
		check(!seen[t.ID], "targets[%d]: duplicate id %q", i, t.ID)
		seen[t.ID] = true
	}

	return errors.Join(errs...)
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ReadTimeout returns the HTTP read timeout.
func (s *ServerConfig) ReadTimeout() time.Duration { return ms(s.ReadTimeoutMS) }

// WriteTimeout returns the HTTP write timeout.
func (s *ServerConfig) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMS) }

// ShutdownTimeout bounds graceful shutdown.
func (s *ServerConfig) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMS) }

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Poller converts the section to the scheduler's configuration.
func (s *SchedulerConfig) Poller() poller.Config {
	return poller.Config{
		TickInterval:     ms(s.TickIntervalMS),
		DefaultInterval:  ms(s.DefaultIntervalMS),
		JitterFraction:   float64(s.JitterPercent) / 100,
		FailureThreshold: s.FailureThreshold,
		ErrorBackoff:     ms(s.ErrorBackoffMS),
		MaxConcurrent:    s.MaxConcurrent,
	}
}

// Manager converts the section to the connection manager's configuration.
func (c *ConnectionConfig) Manager() connection.Config {
	return connection.Config{
		BackoffBase:    ms(c.BackoffBaseMS),
		BackoffCap:     ms(c.BackoffCapMS),
		MaxRetryWindow: ms(c.MaxRetryWindowMS),
	}
}

// Connector builds the pgx connector for this section.
func (c *ConnectionConfig) Connector() *connection.PgxConnector {
	return &connection.PgxConnector{
		ConnectTimeout:   ms(c.ConnectTimeoutMS),
		StatementTimeout: ms(c.StatementTimeoutMS),
		ApplicationName:  c.ApplicationName,
	}
}

// Policy returns the credential reference policy.
func (s *SecretsConfig) Policy() secrets.Policy {
	return secrets.Policy{AllowedDir: s.AllowedDir, EnvPrefix: s.EnvPrefix}
}

// QueryTimeout bounds one query of the collection set.
func (c *ConnectionConfig) QueryTimeout() time.Duration { return ms(c.QueryTimeoutMS) }

// Health converts the section to health.Thresholds.
func (t *ThresholdsConfig) Health() health.Thresholds {
	return health.Thresholds{
		LongTxDuration:         ms(t.LongTxDurationMS),
		LongTxWalFloorBytes:    int64(t.LongTxWalFloor),
		SlotRetainedWarnBytes:  int64(t.SlotRetainedWarn),
		SlotRetainedErrorBytes: int64(t.SlotRetainedError),
		WalGrowthWarnBPS:       float64(t.WalGrowthWarnPerMin) / 60,
		WalGrowthErrorBPS:      float64(t.WalGrowthErrorPerMin) / 60,
	}
}

// Channels converts the section to the event hub configuration.
func (e *EventsConfig) Channels() channels.EventChannelsConfig {
	return channels.EventChannelsConfig{
		ConnectionBufferSize: e.ConnectionBufferSize,
		SchedulerBufferSize:  e.SchedulerBufferSize,
		HealthBufferSize:     e.HealthBufferSize,
		SnapshotBufferSize:   e.SnapshotBufferSize,
	}
}

// ReconnectWait returns the delay between NATS reconnect attempts.
func (n *NATSConfig) ReconnectWait() time.Duration { return ms(n.ReconnectWaitMS) }

// InitLogger builds the process logger and installs it as the slog default.
func InitLogger(cfg LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer
	switch cfg.Output {
	case "stderr":
		out = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	default:
		out = os.Stdout
	}

	logger := NewLogger(out, level, cfg.Format)
	slog.SetDefault(logger)
	return logger, nil
}

// NewLogger returns a JSON or text logger writing to w.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// envBinding maps one environment variable onto a config field.
type envBinding struct {
	key string
	set func(string) error
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"SERVER_HOST", setString(&c.Server.Host)},
		{"SERVER_PORT", setInt(&c.Server.Port)},
		{"LOGGING_LEVEL", setString(&c.Logging.Level)},
		{"LOGGING_FORMAT", setString(&c.Logging.Format)},
		{"LOGGING_OUTPUT", setString(&c.Logging.Output)},
		{"LOGGING_FILE_PATH", setString(&c.Logging.FilePath)},
		{"SCHEDULER_DEFAULT_INTERVAL_MS", setInt(&c.Scheduler.DefaultIntervalMS)},
		{"SCHEDULER_JITTER_PERCENT", setInt(&c.Scheduler.JitterPercent)},
		{"SCHEDULER_FAILURE_THRESHOLD", setInt(&c.Scheduler.FailureThreshold)},
		{"SCHEDULER_ERROR_BACKOFF_MS", setInt(&c.Scheduler.ErrorBackoffMS)},
		{"SCHEDULER_MAX_CONCURRENT", setInt(&c.Scheduler.MaxConcurrent)},
		{"CONNECTION_CONNECT_TIMEOUT_MS", setInt(&c.Connection.ConnectTimeoutMS)},
		{"CONNECTION_STATEMENT_TIMEOUT_MS", setInt(&c.Connection.StatementTimeoutMS)},
		{"CONNECTION_QUERY_TIMEOUT_MS", setInt(&c.Connection.QueryTimeoutMS)},
		{"SECRETS_ALLOWED_DIR", setString(&c.Secrets.AllowedDir)},
		{"SECRETS_ENV_PREFIX", setString(&c.Secrets.EnvPrefix)},
		{"THRESHOLDS_LONG_TX_DURATION_MS", setInt(&c.Thresholds.LongTxDurationMS)},
		{"THRESHOLDS_LONG_TX_WAL_FLOOR", setSize(&c.Thresholds.LongTxWalFloor)},
		{"THRESHOLDS_SLOT_RETAINED_WARN", setSize(&c.Thresholds.SlotRetainedWarn)},
		{"THRESHOLDS_SLOT_RETAINED_ERROR", setSize(&c.Thresholds.SlotRetainedError)},
		{"STORE_HISTORY_CAPACITY", setInt(&c.Store.HistoryCapacity)},
		{"NATS_ENABLED", setBool(&c.NATS.Enabled)},
		{"NATS_URL", setString(&c.NATS.URL)},
		{"NATS_SUBJECT_PREFIX", setString(&c.NATS.SubjectPrefix)},
		{"METRICS_ENABLED", setBool(&c.Metrics.Enabled)},
	}
}

// applyEnvOverrides applies WALWATCH_<SECTION>_<KEY> variables.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range cfg.envBindings() {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.set(v); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err))
		}
	}
	return errors.Join(errs...)
}

func setString(p *string) func(string) error {
	return func(v string) error {
		*p = v
		return nil
	}
}

func setInt(p *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}
}

func setBool(p *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*p = b
		return nil
	}
}

func setSize(p *ByteSize) func(string) error {
	return func(v string) error {
		return p.parse(v)
	}
}
