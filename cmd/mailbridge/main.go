// Mailbridge watches IMAP mailboxes and forwards every new message to a
// Telegram chat.
//
// Each configured account binds one mailbox to one chat. The bot also
// answers a small set of commands (/start, /status, /check, /testmail,
// /help and the /admin_* family). Configuration comes from a YAML file
// discovered automatically (see [config.DefaultSearchPaths]) layered
// with environment variables and an optional .env file.
//
// Usage:
//
//	mailbridge serve            Run the bridge
//	mailbridge init [dir]       Write an example config.yaml and .env
//	mailbridge chatid           Reply to every bot message with its chat id
//	mailbridge check-config     Validate configuration and list accounts
//	mailbridge version          Print version and build information
//	mailbridge -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nugget/mailbridge/internal/buildinfo"
	"github.com/nugget/mailbridge/internal/config"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout; the caller
// prints a returned error to stderr and exits non-zero.
//
// Arguments are parsed by hand because the flag package's global
// FlagSet gets in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	if command == "init" {
		if len(cmdArgs) > 1 {
			return fmt.Errorf("usage: mailbridge init [dir]")
		}
		dir := "."
		if len(cmdArgs) == 1 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	}
	if len(cmdArgs) > 0 {
		return fmt.Errorf("%s: unexpected arguments: %s", command, strings.Join(cmdArgs, " "))
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "chatid":
		return runChatID(ctx, stdout, stderr, configPath)
	case "check-config":
		return runCheckConfig(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, row := range [][2]string{
		{"version", info.Version},
		{"git_commit", info.GitCommit},
		{"git_branch", info.GitBranch},
		{"build_time", info.BuildTime},
		{"go_version", info.GoVersion},
		{"os", info.OS},
		{"arch", info.Arch},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", row[0]+":", row[1])
	}
	return nil
}

// accountView is the check-config rendering of one account.
type accountView struct {
	Index    int    `json:"index"`
	User     string `json:"user"`
	Password string `json:"password"`
	ChatID   string `json:"chat_id"`
}

// runCheckConfig resolves and validates the configuration and lists the
// accounts with their passwords masked.
func runCheckConfig(w io.Writer, configPath, outputFmt string) error {
	cfg, path, err := config.Resolve(configPath)
	if err != nil {
		return err
	}

	views := make([]accountView, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		views[i] = accountView{Index: i + 1, User: a.User, Password: maskSecret(a.Password), ChatID: a.ChatID}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"config_path":    path,
			"imap":           fmt.Sprintf("%s:%d", cfg.IMAP.Host, cfg.IMAP.Port),
			"mailbox":        cfg.IMAP.Mailbox,
			"advance_policy": cfg.Watch.AdvancePolicy,
			"admins":         len(cfg.Telegram.AdminChatIDs()),
			"journal":        cfg.Journal.Enabled,
			"mqtt":           cfg.MQTT.Configured(),
			"accounts":       views,
		})
	}

	if path == "" {
		path = "(environment only)"
	}
	fmt.Fprintf(w, "config:   %s\n", path)
	fmt.Fprintf(w, "imap:     %s:%d %s (tls=%t)\n", cfg.IMAP.Host, cfg.IMAP.Port, cfg.IMAP.Mailbox, cfg.IMAP.TLS)
	fmt.Fprintf(w, "policy:   advance on %s\n", cfg.Watch.AdvancePolicy)
	fmt.Fprintf(w, "admins:   %d\n", len(cfg.Telegram.AdminChatIDs()))
	fmt.Fprintf(w, "journal:  %t\n", cfg.Journal.Enabled)
	fmt.Fprintf(w, "mqtt:     %t\n", cfg.MQTT.Configured())
	fmt.Fprintf(w, "accounts: %d\n", len(views))
	for _, v := range views {
		fmt.Fprintf(w, "  #%d %s -> chat %s (password %s)\n", v.Index, v.User, v.ChatID, v.Password)
	}
	return nil
}

// maskSecret keeps the first and last character of long secrets.
func maskSecret(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1])
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mailbridge - IMAP to Telegram mail notifications")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mailbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Run the bridge")
	fmt.Fprintln(w, "  init [dir]     Write example config.yaml and .env (default: .)")
	fmt.Fprintln(w, "  chatid         Reply to every bot message with its chat id")
	fmt.Fprintln(w, "  check-config   Validate configuration and list accounts")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  TELEGRAM_TOKEN, ADMIN_CHAT_IDS,")
	fmt.Fprintln(w, "  MAIL_USER_N / MAIL_PASS_N / MAIL_CHAT_ID_N (N = 1, 2, ...)")
	return nil
}

// newLogger builds the configured logger with every credential redacted.
// Level strings were checked by config validation.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return config.NewLogger(w, level, cfg.LogFormat, cfg.Secrets()...)
}
