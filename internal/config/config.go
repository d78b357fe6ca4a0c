// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Auth      AuthConfig                `mapstructure:"auth"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Queue     QueueConfig               `mapstructure:"queue"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Browser   BrowserConfig             `mapstructure:"browser"`
	Pacing    PacingConfig              `mapstructure:"pacing"`
	Publish   PublishConfig             `mapstructure:"publish"`
	Scrape    ScrapeConfig              `mapstructure:"scrape"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Notify    NotifyConfig              `mapstructure:"notify"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Platforms map[string]PlatformConfig `mapstructure:"platforms"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// QueueConfig selects the job store and tunes consumers.
type QueueConfig struct {
	// Backend is memory or redis.
	Backend         string                  `mapstructure:"backend"`
	PollInterval    time.Duration           `mapstructure:"poll_interval"`
	Lease           time.Duration           `mapstructure:"lease"`
	RetainCompleted int                     `mapstructure:"retain_completed"`
	RetainFailed    int                     `mapstructure:"retain_failed"`
	Families        map[string]FamilyConfig `mapstructure:"families"`
	// Concurrency is keyed by job type, e.g. "article-stats".
	Concurrency map[string]int `mapstructure:"concurrency"`
}

// FamilyConfig overrides the enqueue defaults of one queue.
type FamilyConfig struct {
	Priority    int           `mapstructure:"priority"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// RedisConfig addresses the shared Redis instance.
type RedisConfig struct {
	Addr            string `mapstructure:"addr"`
	Password        string `mapstructure:"password"`
	DB              int    `mapstructure:"db"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	RealtimeChannel string `mapstructure:"realtime_channel"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// BrowserConfig configures the headless browser base.
type BrowserConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Headless          bool          `mapstructure:"headless"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	UserAgents        []string      `mapstructure:"user_agents"`
	BlockedResources  []string      `mapstructure:"blocked_resources"`
	AntiBotWait       time.Duration `mapstructure:"antibot_wait"`
}

// PacingConfig bounds how often each platform is loaded.
type PacingConfig struct {
	MinInterval time.Duration            `mapstructure:"min_interval"`
	Overrides   map[string]time.Duration `mapstructure:"overrides"`
	Capacity    int                      `mapstructure:"capacity"`
	TTL         time.Duration            `mapstructure:"ttl"`
}

// PublishConfig tunes the publish orchestrator.
type PublishConfig struct {
	PlatformPause time.Duration `mapstructure:"platform_pause"`
	Concurrency   int           `mapstructure:"concurrency"`
}

// ScrapeConfig tunes the scrape orchestrator.
type ScrapeConfig struct {
	BatchDelay         time.Duration `mapstructure:"batch_delay"`
	CommentLimit       int           `mapstructure:"comment_limit"`
	Platforms          []string      `mapstructure:"platforms"`
	StatsRetentionDays int           `mapstructure:"stats_retention_days"`
}

// SchedulerConfig holds cron expressions for the recurring tasks.
type SchedulerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Timezone      string `mapstructure:"timezone"`
	DailyScrape   string `mapstructure:"daily_scrape"`
	StatsRefresh  string `mapstructure:"stats_refresh"`
	WeeklyCleanup string `mapstructure:"weekly_cleanup"`
	UserScrape    string `mapstructure:"user_scrape"`
}

// NotifyConfig configures notification channels.
type NotifyConfig struct {
	// Realtime is redis, pubsub or none.
	Realtime string       `mapstructure:"realtime"`
	PubSub   PubSubConfig `mapstructure:"pubsub"`
	Email    EmailConfig  `mapstructure:"email"`
}

// PubSubConfig names the realtime topic when Realtime is pubsub.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EmailConfig configures the SMTP channel used for severe notifications.
type EmailConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	Recipients []string      `mapstructure:"recipients"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects where comment snapshots are archived.
type StorageConfig struct {
	// Backend is memory, local or gcs.
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// PlatformConfig wires one platform's publisher endpoint and scrape selectors.
type PlatformConfig struct {
	PublishEndpoint string          `mapstructure:"publish_endpoint"`
	Selectors       SelectorsConfig `mapstructure:"selectors"`
}

// SelectorsConfig lists the CSS selectors used by the selector scraper.
type SelectorsConfig struct {
	Views          string `mapstructure:"views"`
	Likes          string `mapstructure:"likes"`
	Comments       string `mapstructure:"comments"`
	Shares         string `mapstructure:"shares"`
	Collects       string `mapstructure:"collects"`
	CommentItem    string `mapstructure:"comment_item"`
	CommentAuthor  string `mapstructure:"comment_author"`
	CommentContent string `mapstructure:"comment_content"`
	CommentLikes   string `mapstructure:"comment_likes"`
	CommentTime    string `mapstructure:"comment_time"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MULTIPUBLISH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.lease", 2*time.Minute)
	v.SetDefault("queue.retain_completed", 100)
	v.SetDefault("queue.retain_failed", 50)
	v.SetDefault("queue.concurrency", map[string]int{
		"publish-article": 1,
		"article-stats":   2,
		"comments":        1,
		"batch-stats":     1,
		"user-focused":    1,
		"cleanup":         1,
		"notification":    3,
	})
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "multipublish:jobs")
	v.SetDefault("redis.realtime_channel", "multipublish:notifications")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.navigation_timeout", 45*time.Second)
	v.SetDefault("browser.blocked_resources", []string{"Image", "Stylesheet", "Font", "Media"})
	v.SetDefault("browser.antibot_wait", 10*time.Second)
	v.SetDefault("pacing.min_interval", 2*time.Second)
	v.SetDefault("pacing.capacity", 100)
	v.SetDefault("pacing.ttl", time.Hour)
	v.SetDefault("publish.platform_pause", 5*time.Second)
	v.SetDefault("scrape.batch_delay", 3*time.Second)
	v.SetDefault("scrape.comment_limit", 50)
	v.SetDefault("scrape.stats_retention_days", 90)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.daily_scrape", "0 2 * * *")
	v.SetDefault("scheduler.stats_refresh", "0 */4 * * *")
	v.SetDefault("scheduler.weekly_cleanup", "0 3 * * 0")
	v.SetDefault("scheduler.user_scrape", "0 */6 * * *")
	v.SetDefault("notify.realtime", "none")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.timeout", 30*time.Second)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "comments")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr must be set for the redis queue backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.backend %q must be memory or redis", c.Queue.Backend))
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		errs = append(errs, errors.New("browser.max_parallel must be > 0 when the browser is enabled"))
	}
	switch c.Notify.Realtime {
	case "none", "redis":
	case "pubsub":
		if c.Notify.PubSub.ProjectID == "" || c.Notify.PubSub.TopicName == "" {
			errs = append(errs, errors.New("notify.pubsub.project_id and topic_name are required for pubsub"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.realtime %q must be none, redis or pubsub", c.Notify.Realtime))
	}
	if c.Notify.Email.Enabled && (c.Notify.Email.Host == "" || c.Notify.Email.From == "") {
		errs = append(errs, errors.New("notify.email.host and from must be set when email is enabled"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			errs = append(errs, errors.New("storage.base_dir must be set for the local backend"))
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be memory, local or gcs", c.Storage.Backend))
	}
	if c.Scrape.BatchDelay < 0 || c.Publish.PlatformPause < 0 {
		errs = append(errs, errors.New("publish.platform_pause and scrape.batch_delay must be >= 0"))
	}
	return errors.Join(errs...)
}
