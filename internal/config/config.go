// Package config handles mailbridge configuration loading.
//
// Configuration comes from a YAML file (with ${VAR} expansion) and, for
// deployments that predate the file format, from environment variables
// and an optional .env file. Both sources fill the same [Config]; the
// result is validated once at startup and never mutated afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	// Embedded zone database so notify.timezone resolves in minimal containers.
	_ "time/tzdata"
)

// Advance policy names accepted by watch.advance_policy.
const (
	AdvanceAttempt = "attempt"
	AdvanceSuccess = "success"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailbridge/config.yaml, /etc/mailbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/mailbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mailbridge configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	DataDir   string          `yaml:"data_dir"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	IMAP      IMAPConfig      `yaml:"imap"`
	Accounts  []AccountConfig `yaml:"accounts"`
	Watch     WatchConfig     `yaml:"watch"`
	Notify    NotifyConfig    `yaml:"notify"`
	Journal   JournalConfig   `yaml:"journal"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// TelegramConfig configures the Bot API transport.
type TelegramConfig struct {
	// Token is the bot token issued by @BotFather. Required.
	Token string `yaml:"token"`

	// APIURL is the Bot API base URL. Default: https://api.telegram.org.
	APIURL string `yaml:"api_url"`

	// AdminChats is a comma-separated list of chat ids allowed to run
	// the /admin_* commands.
	AdminChats string `yaml:"admin_chats"`

	// PollTimeoutSec is the getUpdates long-poll timeout. Default: 30.
	PollTimeoutSec int `yaml:"poll_timeout_sec"`
}

// AdminChatIDs splits AdminChats into trimmed, non-empty identifiers.
func (t TelegramConfig) AdminChatIDs() []string {
	var ids []string
	for _, id := range strings.Split(t.AdminChats, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// IMAPConfig holds the server settings shared by every account. The
// defaults point at Yandex Mail.
type IMAPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TLS selects implicit TLS (IMAPS). Default: true unless port is 143.
	TLS bool `yaml:"tls"`

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Mailbox is the folder to watch. Default: INBOX.
	Mailbox string `yaml:"mailbox"`

	// DialTimeoutSec bounds the connect + login + select handshake. Default: 15.
	DialTimeoutSec int `yaml:"dial_timeout_sec"`
}

// AccountConfig binds one mailbox to one Telegram chat.
type AccountConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	ChatID   string `yaml:"chat_id"`
}

// WatchConfig tunes the fetch scheduler and reconnection policy.
type WatchConfig struct {
	// SweepIntervalSec is the period of the all-accounts sweep. Default: 300.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`

	// DebounceMS delays the fetch after a new-mail event. Default: 2000.
	DebounceMS int `yaml:"debounce_ms"`

	// InitialCheckDelayMS delays the first fetch after a handshake. Default: 3000.
	InitialCheckDelayMS int `yaml:"initial_check_delay_ms"`

	// ReconnectDelaySec is the first reconnect delay. Default: 60.
	ReconnectDelaySec int `yaml:"reconnect_delay_sec"`

	// ReconnectMultiplier grows the delay after each failed attempt.
	// Default: 1 (fixed delay).
	ReconnectMultiplier float64 `yaml:"reconnect_multiplier"`

	// ReconnectMaxDelaySec caps the grown delay. Default: 600.
	ReconnectMaxDelaySec int `yaml:"reconnect_max_delay_sec"`

	// AdvancePolicy is "attempt" (default) or "success".
	AdvancePolicy string `yaml:"advance_policy"`

	// ShutdownGraceSec bounds how long shutdown waits for workers. Default: 2.
	ShutdownGraceSec int `yaml:"shutdown_grace_sec"`
}

// NotifyConfig tunes notification formatting.
type NotifyConfig struct {
	Label           string `yaml:"label"`
	MaxBody         int    `yaml:"max_body"`
	UsefulThreshold int    `yaml:"useful_threshold"`
	HTMLPrefix      int    `yaml:"html_prefix"`
	Timezone        string `yaml:"timezone"`
}

// Location resolves Timezone, falling back to the local zone when unset.
func (n NotifyConfig) Location() (*time.Location, error) {
	if n.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(n.Timezone)
}

// JournalConfig enables the SQLite delivery journal under DataDir.
type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// RetentionDays drops entries older than this at startup
	// (default 90). A negative value keeps every entry.
	RetentionDays int `yaml:"retention_days"`
}

// Retention returns how long entries are kept, or 0 to keep them all.
func (j JournalConfig) Retention() time.Duration {
	if j.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(j.RetentionDays) * 24 * time.Hour
}

// MQTTConfig configures the optional status publisher.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Configured reports whether a broker URL is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes after environment expansion.
// Defaults are not applied; callers run ApplyDefaults and Validate.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Default returns an empty configuration with defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-value fields with the defaults.
func (c *Config) ApplyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.DataDir = expandHome(c.DataDir)

	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = "https://api.telegram.org"
	}
	c.Telegram.APIURL = strings.TrimRight(c.Telegram.APIURL, "/")
	if c.Telegram.PollTimeoutSec == 0 {
		c.Telegram.PollTimeoutSec = 30
	}

	if c.IMAP.Host == "" {
		c.IMAP.Host = "imap.yandex.ru"
	}
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	// TLS defaults to true; bool zero-value cannot express "unset", so
	// only the plaintext convention port turns it off.
	if !c.IMAP.TLS && c.IMAP.Port != 143 {
		c.IMAP.TLS = true
	}
	if c.IMAP.Mailbox == "" {
		c.IMAP.Mailbox = "INBOX"
	}
	if c.IMAP.DialTimeoutSec == 0 {
		c.IMAP.DialTimeoutSec = 15
	}

	for i := range c.Accounts {
		c.Accounts[i].User = strings.TrimSpace(c.Accounts[i].User)
		c.Accounts[i].ChatID = strings.TrimSpace(c.Accounts[i].ChatID)
	}

	w := &c.Watch
	if w.SweepIntervalSec == 0 {
		w.SweepIntervalSec = 300
	}
	if w.DebounceMS == 0 {
		w.DebounceMS = 2000
	}
	if w.InitialCheckDelayMS == 0 {
		w.InitialCheckDelayMS = 3000
	}
	if w.ReconnectDelaySec == 0 {
		w.ReconnectDelaySec = 60
	}
	if w.ReconnectMultiplier == 0 {
		w.ReconnectMultiplier = 1
	}
	if w.ReconnectMaxDelaySec == 0 {
		w.ReconnectMaxDelaySec = 600
	}
	if w.AdvancePolicy == "" {
		w.AdvancePolicy = AdvanceAttempt
	}
	if w.ShutdownGraceSec == 0 {
		w.ShutdownGraceSec = 2
	}

	n := &c.Notify
	if n.Label == "" {
		n.Label = "📧 Mail"
	}
	if n.MaxBody == 0 {
		n.MaxBody = 3500
	}
	if n.UsefulThreshold == 0 {
		n.UsefulThreshold = 3
	}
	if n.HTMLPrefix == 0 {
		n.HTMLPrefix = 500
	}
	if n.Timezone == "" {
		n.Timezone = "Europe/Moscow"
	}

	if c.Journal.RetentionDays == 0 {
		c.Journal.RetentionDays = 90
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mailbridge"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "mailbridge"
	}
}

// Validate checks that the configuration can start the bridge. Every
// error here is fatal: the process exits before any connection is made.
// Returns an error describing the first problem found.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}

	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (or set TELEGRAM_TOKEN)")
	}
	if c.Telegram.PollTimeoutSec < 0 {
		return fmt.Errorf("telegram.poll_timeout_sec must not be negative")
	}

	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range (1-65535)", c.IMAP.Port)
	}

	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured (add accounts: or MAIL_USER_1/MAIL_PASS_1/MAIL_CHAT_ID_1)")
	}
	for i, a := range c.Accounts {
		if a.User == "" {
			return fmt.Errorf("accounts[%d]: user is required", i)
		}
		if a.Password == "" {
			return fmt.Errorf("accounts[%d] (%s): password is required", i, a.User)
		}
		if a.ChatID == "" {
			return fmt.Errorf("accounts[%d] (%s): chat_id is required", i, a.User)
		}
	}

	switch c.Watch.AdvancePolicy {
	case AdvanceAttempt, AdvanceSuccess:
	default:
		return fmt.Errorf("watch.advance_policy %q must be %q or %q", c.Watch.AdvancePolicy, AdvanceAttempt, AdvanceSuccess)
	}
	if c.Watch.ReconnectMultiplier < 1 {
		return fmt.Errorf("watch.reconnect_multiplier %v must be >= 1", c.Watch.ReconnectMultiplier)
	}
	if c.Watch.SweepIntervalSec < 0 || c.Watch.DebounceMS < 0 || c.Watch.ReconnectDelaySec < 0 {
		return fmt.Errorf("watch intervals must not be negative")
	}

	if c.Notify.MaxBody < 1 {
		return fmt.Errorf("notify.max_body must be positive")
	}
	if _, err := c.Notify.Location(); err != nil {
		return fmt.Errorf("notify.timezone %q: %w", c.Notify.Timezone, err)
	}

	return nil
}

// Durations converted from the integer config fields.

// SweepInterval returns the sweep period.
func (w WatchConfig) SweepInterval() time.Duration {
	return time.Duration(w.SweepIntervalSec) * time.Second
}

// Debounce returns the new-mail debounce window.
func (w WatchConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMS) * time.Millisecond
}

// InitialCheckDelay returns the delay before the post-handshake fetch.
func (w WatchConfig) InitialCheckDelay() time.Duration {
	return time.Duration(w.InitialCheckDelayMS) * time.Millisecond
}

// ShutdownGrace returns how long shutdown waits for workers.
func (w WatchConfig) ShutdownGrace() time.Duration {
	return time.Duration(w.ShutdownGraceSec) * time.Second
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
