// Package config loads the server configuration from a YAML file, a .env
// file and PIPELINE_ environment variables, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/pipeline-orchestrator/internal/executor"
	"github.com/t77yq/pipeline-orchestrator/internal/handler"
	"github.com/t77yq/pipeline-orchestrator/internal/model"
	"github.com/t77yq/pipeline-orchestrator/internal/monitor"
	"github.com/t77yq/pipeline-orchestrator/internal/registry"
	"github.com/t77yq/pipeline-orchestrator/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. PIPELINE_API_ADDR.
const EnvPrefix = "PIPELINE"

// DefaultPath is read when CONFIG_PATH is unset
const DefaultPath = "config/config.yaml"

// Config is the top-level configuration structure.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Log           LogConfig          `mapstructure:"log"`
	NATS          NATSConfig         `mapstructure:"nats"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Executor      ExecutorConfig     `mapstructure:"executor"`
	Monitor       MonitorConfig      `mapstructure:"monitor"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Handlers      []handler.Config   `mapstructure:"handlers"`
	Workflows     WorkflowsConfig    `mapstructure:"workflows"`
	API           APIConfig          `mapstructure:"api"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
	// Retention is how long terminal runs and instances are kept; zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	CatchUpWindow   time.Duration `mapstructure:"catch_up_window"`
	RecheckInterval time.Duration `mapstructure:"recheck_interval"`
	Timezone        string        `mapstructure:"timezone"`
}

type ExecutorConfig struct {
	PoolSize       int               `mapstructure:"pool_size"`
	DefaultTimeout time.Duration     `mapstructure:"default_timeout"`
	GracePeriod    time.Duration     `mapstructure:"grace_period"`
	SweepInterval  time.Duration     `mapstructure:"sweep_interval"`
	Jitter         float64           `mapstructure:"jitter"`
	DefaultRetry   model.RetryPolicy `mapstructure:"default_retry"`
}

type MonitorConfig struct {
	DegradedThreshold int               `mapstructure:"degraded_threshold"`
	DownThreshold     int               `mapstructure:"down_threshold"`
	EvaluateInterval  time.Duration     `mapstructure:"evaluate_interval"`
	MetricsInterval   time.Duration     `mapstructure:"metrics_interval"`
	Rules             []model.AlertRule `mapstructure:"rules"`
}

type NotificationConfig struct {
	Slack      SlackConfig   `mapstructure:"slack"`
	Discord    DiscordConfig `mapstructure:"discord"`
	Webhook    WebhookConfig `mapstructure:"webhook"`
	Email      EmailConfig   `mapstructure:"email"`
	QueueSize  int           `mapstructure:"queue_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type SlackConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"`
}

type DiscordConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Token     string `mapstructure:"token"`
	ChannelID string `mapstructure:"channel_id"`
}

type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type EmailConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	monitor.EmailConfig `mapstructure:",squash"`
}

type WorkflowsConfig struct {
	Dir string `mapstructure:"dir"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pipeline-orchestrator")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.urls", []string{"nats://127.0.0.1:4222"})
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("storage.path", "pipeline.db")
	v.SetDefault("storage.retention", 30*24*time.Hour)
	v.SetDefault("redis.url", "")

	v.SetDefault("scheduler.tick_interval", 10*time.Second)
	v.SetDefault("scheduler.catch_up_window", 5*time.Minute)
	v.SetDefault("scheduler.recheck_interval", 30*time.Second)
	v.SetDefault("scheduler.timezone", "Local")

	v.SetDefault("executor.pool_size", 10)
	v.SetDefault("executor.default_timeout", 5*time.Minute)
	v.SetDefault("executor.grace_period", 10*time.Second)
	v.SetDefault("executor.sweep_interval", 30*time.Second)
	v.SetDefault("executor.jitter", 0.1)
	v.SetDefault("executor.default_retry.max_attempts", 3)
	v.SetDefault("executor.default_retry.base_delay", time.Second)
	v.SetDefault("executor.default_retry.multiplier", 2.0)
	v.SetDefault("executor.default_retry.max_delay", time.Minute)

	v.SetDefault("monitor.degraded_threshold", monitor.DefaultThresholds.Degraded)
	v.SetDefault("monitor.down_threshold", monitor.DefaultThresholds.Down)
	v.SetDefault("monitor.evaluate_interval", 30*time.Second)
	v.SetDefault("monitor.metrics_interval", 15*time.Second)

	v.SetDefault("notifications.slack.enabled", false)
	v.SetDefault("notifications.slack.token", "")
	v.SetDefault("notifications.slack.channel_id", "")
	v.SetDefault("notifications.discord.enabled", false)
	v.SetDefault("notifications.discord.token", "")
	v.SetDefault("notifications.discord.channel_id", "")
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.email.enabled", false)
	v.SetDefault("notifications.email.host", "")
	v.SetDefault("notifications.email.port", 587)
	v.SetDefault("notifications.email.username", "")
	v.SetDefault("notifications.email.password", "")
	v.SetDefault("notifications.email.from", "")
	v.SetDefault("notifications.queue_size", 256)
	v.SetDefault("notifications.max_retries", 3)
	v.SetDefault("notifications.retry_delay", 2*time.Second)
	v.SetDefault("notifications.timeout", 10*time.Second)

	v.SetDefault("workflows.dir", "workflows")
	v.SetDefault("api.addr", ":8080")
}

// New returns a viper instance reading path with defaults and environment
// overrides applied. A .env file in the working directory is loaded first;
// its absence is not an error.
func New(path string) *viper.Viper {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads and decodes the configuration at path. A missing file leaves
// the defaults and environment in effect.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the new configuration every time the file changes.
// A file that fails to decode or validate is logged and ignored; the
// previous configuration stays in effect.
func Watch(v *viper.Viper, logger *zap.Logger, fn func(*Config)) {
	logger = logger.Named("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Error("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logger.Info("Configuration reloaded", zap.String("file", e.Name))
		fn(cfg)
	})
	v.WatchConfig()
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	switch {
	case c.Executor.PoolSize <= 0:
		return fmt.Errorf("executor.pool_size must be positive")
	case c.Executor.Jitter < 0 || c.Executor.Jitter > executor.MaxJitter:
		return fmt.Errorf("executor.jitter must be between 0 and %g", executor.MaxJitter)
	case c.Executor.DefaultRetry.MaxAttempts <= 0:
		return fmt.Errorf("executor.default_retry.max_attempts must be positive")
	case c.Executor.DefaultTimeout <= 0:
		return fmt.Errorf("executor.default_timeout must be positive")
	case c.Scheduler.TickInterval <= 0:
		return fmt.Errorf("scheduler.tick_interval must be positive")
	case c.Monitor.DegradedThreshold > c.Monitor.DownThreshold:
		return fmt.Errorf("monitor.degraded_threshold must not exceed monitor.down_threshold")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves scheduler.timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || c.Scheduler.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

func (c *Config) EngineConfig() executor.Config {
	return executor.Config{
		PoolSize:      c.Executor.PoolSize,
		GracePeriod:   c.Executor.GracePeriod,
		SweepInterval: c.Executor.SweepInterval,
		Jitter:        c.Executor.Jitter,
	}
}

func (c *Config) SchedulerConfig() scheduler.Config {
	loc, err := c.Location()
	if err != nil {
		loc = time.Local
	}
	return scheduler.Config{
		TickInterval:    c.Scheduler.TickInterval,
		CatchUpWindow:   c.Scheduler.CatchUpWindow,
		RecheckInterval: c.Scheduler.RecheckInterval,
		Location:        loc,
	}
}

func (c *Config) RegistryDefaults() registry.Defaults {
	return registry.Defaults{Retry: c.Executor.DefaultRetry, Timeout: c.Executor.DefaultTimeout}
}

func (c *Config) Thresholds() monitor.Thresholds {
	return monitor.Thresholds{Degraded: c.Monitor.DegradedThreshold, Down: c.Monitor.DownThreshold}
}

func (c *Config) NotifierConfig() monitor.NotifierConfig {
	return monitor.NotifierConfig{
		QueueSize:  c.Notifications.QueueSize,
		MaxRetries: c.Notifications.MaxRetries,
		RetryDelay: c.Notifications.RetryDelay,
		Timeout:    c.Notifications.Timeout,
	}
}

// Channels builds the enabled notification channels
func (c *Config) Channels() ([]monitor.NotificationChannel, error) {
	n := c.Notifications
	var channels []monitor.NotificationChannel
	if n.Slack.Enabled {
		channels = append(channels, monitor.NewSlackChannel(n.Slack.Token, n.Slack.ChannelID))
	}
	if n.Discord.Enabled {
		ch, err := monitor.NewDiscordChannel(n.Discord.Token, n.Discord.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("failed to create discord channel: %w", err)
		}
		channels = append(channels, ch)
	}
	if n.Webhook.Enabled {
		channels = append(channels, monitor.NewWebhookChannel(n.Webhook.URL))
	}
	if n.Email.Enabled {
		channels = append(channels, monitor.NewEmailChannel(n.Email.EmailConfig))
	}
	return channels, nil
}
