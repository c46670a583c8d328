package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire-level detail:
// Bot API payloads and per-item IMAP fetch data.
const LevelTrace = slog.Level(-8)

var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a case-insensitive level name to an [slog.Level].
// The empty string means info.
func ParseLogLevel(s string) (slog.Level, error) {
	level, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames prints [LevelTrace] as "TRACE" rather than "DEBUG-4".
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// redactor masks known secrets in string attributes. Errors from the
// IMAP and HTTP stacks sometimes quote credentials back.
type redactor struct {
	replacer *strings.Replacer
}

func newRedactor(secrets []string) *redactor {
	var pairs []string
	for _, s := range secrets {
		// Very short secrets would mask ordinary words.
		if len(s) < 4 {
			continue
		}
		pairs = append(pairs, s, "[REDACTED]")
	}
	if len(pairs) == 0 {
		return nil
	}
	return &redactor{replacer: strings.NewReplacer(pairs...)}
}

func (r *redactor) replaceAttr(groups []string, a slog.Attr) slog.Attr {
	a = ReplaceLogLevelNames(groups, a)
	switch a.Value.Kind() {
	case slog.KindString:
		a.Value = slog.StringValue(r.replacer.Replace(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			a.Value = slog.StringValue(r.replacer.Replace(err.Error()))
		}
	}
	return a
}

// NewLogger builds the process logger. Format "json" selects the JSON
// handler, anything else text. Every occurrence of a secret in a string
// or error attribute is replaced with [REDACTED].
func NewLogger(w io.Writer, level slog.Level, format string, secrets ...string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogLevelNames}
	if r := newRedactor(secrets); r != nil {
		opts.ReplaceAttr = r.replaceAttr
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Secrets lists the credentials a logger should never print.
func (c *Config) Secrets() []string {
	secrets := []string{c.Telegram.Token, c.MQTT.Password}
	for _, a := range c.Accounts {
		secrets = append(secrets, a.Password)
	}
	return secrets
}
