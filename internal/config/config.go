package config

import (
	"fmt"
	"time"

	yamlenv "github.com/ifuryst/go-yaml-env"
	"github.com/robfig/cron/v3"

	"github.com/ifuryst/crosspost/pkg/logger"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logger    logger.Config   `yaml:"logger"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Platforms PlatformsConfig `yaml:"platforms"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Events    EventsConfig    `yaml:"events"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig selects the queue backend and the default options of the two
// job kinds. Durations use time.ParseDuration syntax. MaxStalledCount 0
// fails a stalled job instead of redelivering it; unset means 1.
type QueueConfig struct {
	Backend         string    `yaml:"backend"`
	Name            string    `yaml:"name"`
	StalledInterval string    `yaml:"stalled_interval"`
	MaxStalledCount *int      `yaml:"max_stalled_count"`
	LockDuration    string    `yaml:"lock_duration"`
	MaxBackoff      string    `yaml:"max_backoff"`
	Push            JobConfig `yaml:"push"`
	Finalize        JobConfig `yaml:"finalize"`
}

type JobConfig struct {
	Attempts     int    `yaml:"attempts"`
	BackoffType  string `yaml:"backoff_type"`
	BackoffDelay string `yaml:"backoff_delay"`
	Delay        string `yaml:"delay"`
	Timeout      string `yaml:"timeout"`
}

type WorkerConfig struct {
	Concurrency  int    `yaml:"concurrency"`
	PollInterval string `yaml:"poll_interval"`
}

type SchedulerConfig struct {
	Enabled            *bool  `yaml:"enabled"`
	Cron               string `yaml:"cron"`
	QueryWindow        string `yaml:"query_window"`
	ImmediateThreshold string `yaml:"immediate_threshold"`
}

type PlatformsConfig struct {
	Threads   PlatformAPIConfig `yaml:"threads"`
	Instagram PlatformAPIConfig `yaml:"instagram"`
}

type PlatformAPIConfig struct {
	Enabled *bool  `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// AccountConfig maps an account id to the platform credential used for it.
type AccountConfig struct {
	ID             string `yaml:"id"`
	Platform       string `yaml:"platform"`
	PlatformUserID string `yaml:"platform_user_id"`
	AccessToken    string `yaml:"access_token"`
	ExpiresAt      string `yaml:"expires_at"`
}

type EventsConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	AMQP    AMQPConfig    `yaml:"amqp"`
}

type WebhookConfig struct {
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
	Timeout string `yaml:"timeout"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type AuthConfig struct {
	TOTPSecret string `yaml:"totp_secret"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5334
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "redis"
	}
	if cfg.Queue.Name == "" {
		cfg.Queue.Name = "post_publish"
	}
	if cfg.Queue.StalledInterval == "" {
		cfg.Queue.StalledInterval = "30s"
	}
	if cfg.Queue.MaxStalledCount == nil {
		maxStalled := 1
		cfg.Queue.MaxStalledCount = &maxStalled
	}
	if cfg.Queue.LockDuration == "" {
		cfg.Queue.LockDuration = "30s"
	}
	if cfg.Queue.MaxBackoff == "" {
		cfg.Queue.MaxBackoff = "10m"
	}
	setJobDefaults(&cfg.Queue.Push, JobConfig{
		Attempts:     3,
		BackoffType:  "exponential",
		BackoffDelay: "5s",
	})
	setJobDefaults(&cfg.Queue.Finalize, JobConfig{
		Attempts:     20,
		BackoffType:  "fixed",
		BackoffDelay: "20s",
		Delay:        "10s",
	})

	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 3
	}
	if cfg.Worker.PollInterval == "" {
		cfg.Worker.PollInterval = "1s"
	}

	if cfg.Scheduler.Enabled == nil {
		enabled := true
		cfg.Scheduler.Enabled = &enabled
	}
	if cfg.Scheduler.Cron == "" {
		cfg.Scheduler.Cron = "* * * * *"
	}
	if cfg.Scheduler.QueryWindow == "" {
		cfg.Scheduler.QueryWindow = "2m"
	}
	if cfg.Scheduler.ImmediateThreshold == "" {
		cfg.Scheduler.ImmediateThreshold = "2m"
	}

	if cfg.Platforms.Threads.BaseURL == "" {
		cfg.Platforms.Threads.BaseURL = "https://graph.threads.net/v1.0"
	}
	if cfg.Platforms.Threads.Timeout == "" {
		cfg.Platforms.Threads.Timeout = "30s"
	}
	if cfg.Platforms.Instagram.BaseURL == "" {
		cfg.Platforms.Instagram.BaseURL = "https://graph.facebook.com/v23.0"
	}
	if cfg.Platforms.Instagram.Timeout == "" {
		cfg.Platforms.Instagram.Timeout = "30s"
	}

	if cfg.Events.Webhook.Timeout == "" {
		cfg.Events.Webhook.Timeout = "10s"
	}
	if cfg.Events.AMQP.Exchange == "" {
		cfg.Events.AMQP.Exchange = "crosspost.events"
	}
}

func setJobDefaults(job *JobConfig, def JobConfig) {
	if job.Attempts == 0 {
		job.Attempts = def.Attempts
	}
	if job.BackoffType == "" {
		job.BackoffType = def.BackoffType
	}
	if job.BackoffDelay == "" {
		job.BackoffDelay = def.BackoffDelay
	}
	if job.Delay == "" {
		job.Delay = def.Delay
	}
	if job.Timeout == "" {
		job.Timeout = def.Timeout
	}
}

// Validate checks that every duration parses and enum-like fields hold known values.
func (cfg *Config) Validate() error {
	durations := map[string]string{
		"queue.stalled_interval":        cfg.Queue.StalledInterval,
		"queue.lock_duration":           cfg.Queue.LockDuration,
		"queue.max_backoff":             cfg.Queue.MaxBackoff,
		"queue.push.backoff_delay":      cfg.Queue.Push.BackoffDelay,
		"queue.push.delay":              cfg.Queue.Push.Delay,
		"queue.push.timeout":            cfg.Queue.Push.Timeout,
		"queue.finalize.backoff_delay":  cfg.Queue.Finalize.BackoffDelay,
		"queue.finalize.delay":          cfg.Queue.Finalize.Delay,
		"queue.finalize.timeout":        cfg.Queue.Finalize.Timeout,
		"worker.poll_interval":          cfg.Worker.PollInterval,
		"scheduler.query_window":        cfg.Scheduler.QueryWindow,
		"scheduler.immediate_threshold": cfg.Scheduler.ImmediateThreshold,
		"platforms.threads.timeout":     cfg.Platforms.Threads.Timeout,
		"platforms.instagram.timeout":   cfg.Platforms.Instagram.Timeout,
		"events.webhook.timeout":        cfg.Events.Webhook.Timeout,
	}
	for key, value := range durations {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	switch cfg.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid queue.backend %q", cfg.Queue.Backend)
	}

	if cfg.Queue.MaxStalledCount != nil && *cfg.Queue.MaxStalledCount < 0 {
		return fmt.Errorf("invalid queue.max_stalled_count %d", *cfg.Queue.MaxStalledCount)
	}

	for _, job := range []JobConfig{cfg.Queue.Push, cfg.Queue.Finalize} {
		switch job.BackoffType {
		case "fixed", "exponential":
		default:
			return fmt.Errorf("invalid backoff_type %q", job.BackoffType)
		}
	}

	if _, err := CronParser.Parse(cfg.Scheduler.Cron); err != nil {
		return fmt.Errorf("invalid scheduler.cron %q: %w", cfg.Scheduler.Cron, err)
	}

	for _, account := range cfg.Accounts {
		if account.ID == "" || account.Platform == "" {
			return fmt.Errorf("account entries need id and platform")
		}
		if account.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, account.ExpiresAt); err != nil {
				return fmt.Errorf("invalid expires_at for account %s: %w", account.ID, err)
			}
		}
	}

	return nil
}

// CronParser accepts five-field expressions and descriptors such as @every 30s.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseDuration treats an empty string as zero.
func ParseDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	return time.ParseDuration(value)
}

// MustDuration is for values already checked by Validate.
func MustDuration(value string) time.Duration {
	d, _ := ParseDuration(value)
	return d
}

// IsEnabled reports a tri-state flag, nil meaning enabled.
func IsEnabled(flag *bool) bool {
	return flag == nil || *flag
}
