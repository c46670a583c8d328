package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// envPrefixes lists the account variable families, in lookup order. The
// YANDEX_ names are what the bot's first deployments used.
var envPrefixes = []struct{ user, pass, chat string }{
	{"MAIL_USER_", "MAIL_PASS_", "MAIL_CHAT_ID_"},
	{"YANDEX_USER_", "YANDEX_PASS_", "YANDEX_CHAT_ID_"},
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding values that are already set. Missing
// files are ignored; with no arguments ./.env is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv fills the configuration from environment variables:
//
//   - TELEGRAM_TOKEN sets telegram.token when the file left it empty.
//   - ADMIN_CHAT_IDS sets telegram.admin_chats when the file left it empty.
//   - MAIL_USER_N / MAIL_PASS_N / MAIL_CHAT_ID_N (or the YANDEX_ aliases)
//     define accounts N = 1, 2, ... until the first incomplete triple.
//     They are used only when the file defines no accounts.
//
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if c.Telegram.Token == "" {
		c.Telegram.Token = get("TELEGRAM_TOKEN")
	}
	if c.Telegram.AdminChats == "" {
		c.Telegram.AdminChats = get("ADMIN_CHAT_IDS")
	}

	if len(c.Accounts) > 0 {
		return
	}
	for n := 1; ; n++ {
		acct, ok := envAccount(get, n)
		if !ok {
			return
		}
		c.Accounts = append(c.Accounts, acct)
	}
}

// envAccount reads account n from the first variable family that has a
// complete triple.
func envAccount(get func(string) string, n int) (AccountConfig, bool) {
	suffix := strconv.Itoa(n)
	for _, p := range envPrefixes {
		a := AccountConfig{
			User:     get(p.user + suffix),
			Password: get(p.pass + suffix),
			ChatID:   get(p.chat + suffix),
		}
		if a.User != "" && a.Password != "" && a.ChatID != "" {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// Resolve produces the final configuration: it loads .env, reads the
// YAML file when one is found (explicit must exist if given), layers the
// environment on top, applies defaults and validates. Returns the config
// and the file path used ("" for environment-only configuration).
func Resolve(explicit string) (*Config, string, error) {
	cfg, path, err := resolve(explicit)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

// ResolveTelegram is Resolve for tools that only talk to the bot: it
// requires a token but no accounts.
func ResolveTelegram(explicit string) (*Config, string, error) {
	cfg, path, err := resolve(explicit)
	if err != nil {
		return nil, path, err
	}
	if cfg.Telegram.Token == "" {
		return nil, path, fmt.Errorf("invalid configuration: telegram.token is required (or set TELEGRAM_TOKEN)")
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return nil, path, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, path, nil
}

func resolve(explicit string) (*Config, string, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, "", err
	}

	cfg := &Config{}
	path, findErr := FindConfig(explicit)
	switch {
	case findErr == nil:
		loaded, err := Load(path)
		if err != nil {
			return nil, path, fmt.Errorf("load config %s: %w", path, err)
		}
		cfg = loaded
	case explicit != "":
		return nil, "", findErr
	default:
		path = ""
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.ApplyDefaults()
	return cfg, path, nil
}
