// Package config provides YAML-based configuration loading for marketchat.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "marketchat.yaml"

// Config is the top-level marketchat configuration, loaded from marketchat.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Identity    IdentityConfig    `yaml:"identity"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	History     HistoryConfig     `yaml:"history"`
	Unread      UnreadConfig      `yaml:"unread"`
	Storage     StorageConfig     `yaml:"storage"`
	Notify      NotifyConfig      `yaml:"notify"`
	DevBroker   DevBrokerConfig   `yaml:"devbroker"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	APIURL         string `yaml:"api_url"`
	WSURL          string `yaml:"ws_url"`
	InboundPrefix  string `yaml:"inbound_prefix"`
	OutboundPrefix string `yaml:"outbound_prefix"`
	TimeZone       string `yaml:"time_zone"`
}

// CredentialsConfig says where the bearer token comes from. TokenFile wins
// over TokenEnv when both are set.
type CredentialsConfig struct {
	TokenEnv  string `yaml:"token_env"`
	TokenFile string `yaml:"token_file"`
}

// IdentityConfig overrides the viewer's user id. When empty the id is taken
// from the token subject or the last persisted value.
type IdentityConfig struct {
	UserID string `yaml:"user_id"`
}

// ReconnectConfig tunes the socket reconnection policy.
type ReconnectConfig struct {
	BaseDelayMS      int `yaml:"base_delay_ms"`
	MaxDelayMS       int `yaml:"max_delay_ms"`
	MaxAttempts      int `yaml:"max_attempts"`
	AuthRetryDelayMS int `yaml:"auth_retry_delay_ms"`
	HeartbeatMS      int `yaml:"heartbeat_ms"`
}

// HistoryConfig controls history paging.
type HistoryConfig struct {
	PageSize int    `yaml:"page_size"`
	Sort     string `yaml:"sort"`
}

// UnreadConfig controls the unread badge poller.
type UnreadConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
	StaggerSec      int `yaml:"stagger_sec"`
}

// StorageConfig selects the local database.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// NotifyConfig configures new-unread notifications. All targets are optional.
type NotifyConfig struct {
	Command             string `yaml:"command"` // e.g. "notify-send '{{.Title}}' '{{.Body}}'"
	SlackWebhookURL     string `yaml:"slack_webhook_url"`
	DiscordWebhookID    string `yaml:"discord_webhook_id"`
	DiscordWebhookToken string `yaml:"discord_webhook_token"`
}

// DevBrokerConfig configures the local development backend.
type DevBrokerConfig struct {
	Port   int               `yaml:"port"`
	Tokens map[string]string `yaml:"tokens"` // bearer token -> user id
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory is loaded first so that the
// token environment variable can be kept out of the YAML.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.Server.APIURL = strings.TrimRight(c.Server.APIURL, "/")
	if c.Server.WSURL == "" && c.Server.APIURL != "" {
		c.Server.WSURL = deriveWSURL(c.Server.APIURL)
	}
	if c.Server.InboundPrefix == "" {
		c.Server.InboundPrefix = "/receive/"
	}
	if c.Server.OutboundPrefix == "" {
		c.Server.OutboundPrefix = "/send/"
	}
	if c.Server.TimeZone == "" {
		c.Server.TimeZone = "UTC"
	}
	if c.Credentials.TokenEnv == "" {
		c.Credentials.TokenEnv = "MARKETCHAT_TOKEN"
	}
	if c.Reconnect.BaseDelayMS == 0 {
		c.Reconnect.BaseDelayMS = 1000
	}
	if c.Reconnect.MaxDelayMS == 0 {
		c.Reconnect.MaxDelayMS = 30000
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = 10
	}
	if c.Reconnect.AuthRetryDelayMS == 0 {
		c.Reconnect.AuthRetryDelayMS = 1000
	}
	if c.Reconnect.HeartbeatMS == 0 {
		c.Reconnect.HeartbeatMS = 4000
	}
	if c.History.PageSize == 0 {
		c.History.PageSize = 20
	}
	if c.History.Sort == "" {
		c.History.Sort = "createdAt,desc"
	}
	if c.Unread.PollIntervalSec == 0 {
		c.Unread.PollIntervalSec = 30
	}
	if c.Unread.StaggerSec == 0 {
		c.Unread.StaggerSec = 7
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = "marketchat.db"
	}
	if c.Storage.Driver == "mysql" {
		if c.Storage.Host == "" {
			c.Storage.Host = "127.0.0.1"
		}
		if c.Storage.Port == 0 {
			c.Storage.Port = 3306
		}
		if c.Storage.User == "" {
			c.Storage.User = "root"
		}
		if c.Storage.Database == "" {
			c.Storage.Database = "marketchat"
		}
	}
	if c.DevBroker.Port == 0 {
		c.DevBroker.Port = 8090
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Server.APIURL == "" {
		errs = append(errs, "server.api_url is required")
	} else if !strings.HasPrefix(c.Server.APIURL, "http://") && !strings.HasPrefix(c.Server.APIURL, "https://") {
		errs = append(errs, "server.api_url must be an http(s) URL")
	}
	if c.Server.WSURL != "" && !strings.HasPrefix(c.Server.WSURL, "ws://") && !strings.HasPrefix(c.Server.WSURL, "wss://") {
		errs = append(errs, "server.ws_url must be a ws(s) URL")
	}
	if _, err := time.LoadLocation(c.Server.TimeZone); err != nil {
		errs = append(errs, fmt.Sprintf("server.time_zone %q is unknown", c.Server.TimeZone))
	}
	if c.Reconnect.BaseDelayMS < 0 || c.Reconnect.MaxDelayMS < 0 || c.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "reconnect values must not be negative")
	}
	if c.Reconnect.MaxDelayMS < c.Reconnect.BaseDelayMS {
		errs = append(errs, "reconnect.max_delay_ms must be >= base_delay_ms")
	}
	if c.History.PageSize < 0 {
		errs = append(errs, "history.page_size must not be negative")
	}
	if c.Unread.PollIntervalSec < 1 {
		errs = append(errs, "unread.poll_interval_sec must be at least 1")
	}
	switch c.Storage.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q must be sqlite or mysql", c.Storage.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the zone used for zone-less backend timestamps.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Server.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BackoffBase returns the initial reconnect delay.
func (r ReconnectConfig) BackoffBase() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// BackoffMax returns the reconnect delay cap.
func (r ReconnectConfig) BackoffMax() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// AuthRetryDelay returns the delay before the one-shot credential retry.
func (r ReconnectConfig) AuthRetryDelay() time.Duration {
	return time.Duration(r.AuthRetryDelayMS) * time.Millisecond
}

// Heartbeat returns the STOMP heart-beat interval.
func (r ReconnectConfig) Heartbeat() time.Duration {
	return time.Duration(r.HeartbeatMS) * time.Millisecond
}

// PollInterval returns the unread poll interval.
func (u UnreadConfig) PollInterval() time.Duration {
	return time.Duration(u.PollIntervalSec) * time.Second
}

// Stagger returns the delay before the first unread poll.
func (u UnreadConfig) Stagger() time.Duration {
	return time.Duration(u.StaggerSec) * time.Second
}

// deriveWSURL maps http(s)://host/api to ws(s)://host/ws.
func deriveWSURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host + "/ws"
}
