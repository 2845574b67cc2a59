package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPath is read when Load is called without an explicit path and
// the file exists.
const DefaultConfigPath = "./ticketbridge.toml"

// Config holds all configuration for the ticketbridge service
type Config struct {
	// Server settings
	Port int `koanf:"port"`

	Jira       JiraConfig       `koanf:"jira"`
	Slack      SlackConfig      `koanf:"slack"`
	Poll       PollConfig       `koanf:"poll"`
	Store      StoreConfig      `koanf:"store"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Log        LogConfig        `koanf:"log"`
}

// JiraConfig points at the ticket tracker and names the watched account.
type JiraConfig struct {
	URL              string        `koanf:"url"`
	Email            string        `koanf:"email"`
	APIToken         string        `koanf:"api_token"`
	AccountID        string        `koanf:"account_id"`
	TerminalStatuses []string      `koanf:"terminal_statuses"`
	Timeout          time.Duration `koanf:"timeout"`
	RateLimit        float64       `koanf:"rate_limit"` // requests per second, 0 disables
	MaxResults       int           `koanf:"max_results"`
}

// SlackConfig points at the chat workspace and channel.
type SlackConfig struct {
	APIURL        string `koanf:"api_url"`
	BotToken      string `koanf:"bot_token"`
	ChannelID     string `koanf:"channel_id"`
	SigningSecret string `koanf:"signing_secret"`

	// CounterpartUserID is the Slack user whose thread replies are relayed
	// back to the tracker.
	CounterpartUserID string        `koanf:"counterpart_user_id"`
	BotUserID         string        `koanf:"bot_user_id"`
	Timeout           time.Duration `koanf:"timeout"`
	MaxSkew           time.Duration `koanf:"max_skew"`
}

// PollConfig controls the forward pass trigger.
type PollConfig struct {
	Interval         time.Duration `koanf:"interval"`
	Concurrency      int           `koanf:"concurrency"`
	Scheduler        string        `koanf:"scheduler"` // "ticker", "river" or "none"
	CallTimeout      time.Duration `koanf:"call_timeout"`
	ProbeAttachments bool          `koanf:"probe_attachments"`
}

// StoreConfig selects the mapping store backend.
type StoreConfig struct {
	Driver        string        `koanf:"driver"` // "memory", "sqlite", "postgres" or "redis"
	Path          string        `koanf:"path"`
	DSN           string        `koanf:"dsn"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	ClaimTTL      time.Duration `koanf:"claim_ttl"`
}

// DispatcherConfig sizes the inbound reply queue.
type DispatcherConfig struct {
	Workers      int `koanf:"workers"`
	QueueSize    int `koanf:"queue_size"`
	MaxAttempts  int `koanf:"max_attempts"`
	RetrySeconds int `koanf:"retry_seconds"`
}

// LogConfig selects zerolog level and format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// envKeys maps the environment variable names of the deployment to config
// keys. Unlisted variables are ignored.
var envKeys = map[string]string{
	"PORT":                     "port",
	"JIRA_URL":                 "jira.url",
	"JIRA_EMAIL":               "jira.email",
	"JIRA_API_TOKEN":           "jira.api_token",
	"JIRA_ACCOUNT_ID":          "jira.account_id",
	"JIRA_TERMINAL_STATUSES":   "jira.terminal_statuses",
	"JIRA_TIMEOUT":             "jira.timeout",
	"JIRA_RATE_LIMIT":          "jira.rate_limit",
	"JIRA_MAX_RESULTS":         "jira.max_results",
	"SLACK_API_URL":            "slack.api_url",
	"SLACK_BOT_TOKEN":          "slack.bot_token",
	"SLACK_CHANNEL_ID":         "slack.channel_id",
	"SLACK_SIGNING_SECRET":     "slack.signing_secret",
	"DEVIN_USER_ID":            "slack.counterpart_user_id",
	"SLACK_BOT_USER_ID":        "slack.bot_user_id",
	"SLACK_TIMEOUT":            "slack.timeout",
	"SLACK_MAX_SKEW":           "slack.max_skew",
	"POLL_INTERVAL":            "poll.interval",
	"POLL_CONCURRENCY":         "poll.concurrency",
	"POLL_SCHEDULER":           "poll.scheduler",
	"POLL_CALL_TIMEOUT":        "poll.call_timeout",
	"POLL_PROBE_ATTACHMENTS":   "poll.probe_attachments",
	"STORE_DRIVER":             "store.driver",
	"STORE_PATH":               "store.path",
	"STORE_DSN":                "store.dsn",
	"STORE_REDIS_ADDR":         "store.redis_addr",
	"STORE_REDIS_PASSWORD":     "store.redis_password",
	"STORE_REDIS_DB":           "store.redis_db",
	"STORE_CLAIM_TTL":          "store.claim_ttl",
	"DISPATCHER_WORKERS":       "dispatcher.workers",
	"DISPATCHER_QUEUE_SIZE":    "dispatcher.queue_size",
	"DISPATCHER_MAX_ATTEMPTS":  "dispatcher.max_attempts",
	"DISPATCHER_RETRY_SECONDS": "dispatcher.retry_seconds",
	"LOG_LEVEL":                "log.level",
	"LOG_FORMAT":               "log.format",
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"port":                     8000,
		"jira.terminal_statuses":   []string{"Resolved", "Closed"},
		"jira.timeout":             "30s",
		"jira.rate_limit":          5.0,
		"jira.max_results":         50,
		"slack.api_url":            "https://slack.com/api",
		"slack.timeout":            "10s",
		"slack.max_skew":           "5m",
		"poll.interval":            "5m",
		"poll.concurrency":         1,
		"poll.scheduler":           "ticker",
		"poll.call_timeout":        "45s",
		"poll.probe_attachments":   false,
		"store.driver":             "sqlite",
		"store.path":               "./ticketbridge.db",
		"store.claim_ttl":          "10m",
		"dispatcher.workers":       2,
		"dispatcher.queue_size":    32,
		"dispatcher.max_attempts":  3,
		"dispatcher.retry_seconds": 5,
		"log.level":                "info",
		"log.format":               "json",
	}
}

// Load loads configuration from defaults, an optional TOML file and the
// environment, in that order of precedence (environment wins).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	} else if _, err := os.Stat(DefaultConfigPath); err == nil {
		if err := k.Load(file.Provider(DefaultConfigPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", DefaultConfigPath, err)
		}
	}

	envProvider := env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		if strings.TrimSpace(value) == "" {
			return "", nil
		}
		path := envKeys[key]
		if path == "jira.terminal_statuses" {
			return path, strings.Split(value, ",")
		}
		return path, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.Jira.URL = strings.TrimRight(strings.TrimSpace(c.Jira.URL), "/")
	if c.Jira.URL != "" && !strings.Contains(c.Jira.URL, "://") {
		c.Jira.URL = "https://" + c.Jira.URL
	}
	c.Slack.APIURL = strings.TrimRight(strings.TrimSpace(c.Slack.APIURL), "/")

	statuses := make([]string, 0, len(c.Jira.TerminalStatuses))
	for _, s := range c.Jira.TerminalStatuses {
		if s = strings.TrimSpace(s); s != "" {
			statuses = append(statuses, s)
		}
	}
	c.Jira.TerminalStatuses = statuses

	c.Poll.Scheduler = strings.ToLower(strings.TrimSpace(c.Poll.Scheduler))
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
}

// validate checks that all required configuration is present
func (c *Config) validate() error {
	if err := c.validateJira(); err != nil {
		return err
	}
	if err := c.validateSlack(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validatePoll(); err != nil {
		return err
	}

	c.applyDispatcherDefaults()
	return nil
}

func (c *Config) validateJira() error {
	if c.Jira.URL == "" {
		return fmt.Errorf("JIRA_URL is required")
	}
	if c.Jira.Email == "" {
		return fmt.Errorf("JIRA_EMAIL is required")
	}
	if c.Jira.APIToken == "" {
		return fmt.Errorf("JIRA_API_TOKEN is required")
	}
	if c.Jira.AccountID == "" {
		return fmt.Errorf("JIRA_ACCOUNT_ID is required")
	}
	if len(c.Jira.TerminalStatuses) == 0 {
		return fmt.Errorf("JIRA_TERMINAL_STATUSES must name at least one status")
	}
	if c.Jira.Timeout <= 0 {
		return fmt.Errorf("JIRA_TIMEOUT must be greater than 0")
	}
	if c.Jira.RateLimit < 0 {
		return fmt.Errorf("JIRA_RATE_LIMIT must not be negative")
	}
	return nil
}

func (c *Config) validateSlack() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if c.Slack.ChannelID == "" {
		return fmt.Errorf("SLACK_CHANNEL_ID is required")
	}
	if c.Slack.SigningSecret == "" {
		return fmt.Errorf("SLACK_SIGNING_SECRET is required")
	}
	if c.Slack.CounterpartUserID == "" {
		return fmt.Errorf("DEVIN_USER_ID is required")
	}
	if c.Slack.Timeout <= 0 {
		return fmt.Errorf("SLACK_TIMEOUT must be greater than 0")
	}
	if c.Slack.MaxSkew < 0 {
		return fmt.Errorf("SLACK_MAX_SKEW must not be negative")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("STORE_PATH is required for sqlite store")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("STORE_DSN is required for postgres store")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("STORE_REDIS_ADDR is required for redis store")
		}
	default:
		return fmt.Errorf("invalid store driver: %s (must be 'memory', 'sqlite', 'postgres' or 'redis')", c.Store.Driver)
	}
	if c.Store.ClaimTTL <= 0 {
		return fmt.Errorf("STORE_CLAIM_TTL must be greater than 0")
	}
	return nil
}

func (c *Config) validatePoll() error {
	switch c.Poll.Scheduler {
	case "ticker", "none":
	case "river":
		if c.Store.Driver != "postgres" {
			return fmt.Errorf("POLL_SCHEDULER=river requires STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("invalid scheduler: %s (must be 'ticker', 'river' or 'none')", c.Poll.Scheduler)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be greater than 0")
	}
	if c.Poll.Concurrency <= 0 {
		return fmt.Errorf("POLL_CONCURRENCY must be greater than 0")
	}
	if c.Poll.CallTimeout <= 0 {
		return fmt.Errorf("POLL_CALL_TIMEOUT must be greater than 0")
	}
	return nil
}

func (c *Config) applyDispatcherDefaults() {
	if c.Dispatcher.Workers <= 0 {
		c.Dispatcher.Workers = 2
	}
	if c.Dispatcher.QueueSize <= 0 {
		c.Dispatcher.QueueSize = 32
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		c.Dispatcher.MaxAttempts = 3
	}
	if c.Dispatcher.RetrySeconds <= 0 {
		c.Dispatcher.RetrySeconds = 5
	}
}

// DispatcherRetryInitial is the first backoff of the inbound reply queue.
func (c *Config) DispatcherRetryInitial() time.Duration {
	return time.Duration(c.Dispatcher.RetrySeconds) * time.Second
}
