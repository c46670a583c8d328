package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mailbridge/internal/config"
	"github.com/nugget/mailbridge/internal/telegram"
	"github.com/nugget/mailbridge/internal/watcher"
)

// runChatID handles "mailbridge chatid": it answers every message the
// bot receives with the sender's chat id and prints a ready-to-paste
// account block, until interrupted. Operators use it to find the
// MAIL_CHAT_ID_N value for a new user.
func runChatID(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, _, err := config.ResolveTelegram(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, cfg)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tg := telegram.NewClient(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
		Logger:      logger,
	})

	fmt.Fprintln(stdout, "Bot started. Send it a message to get the chat id...")
	serveChatID(ctx, tg, tg.Updates(ctx), stdout, logger)
	return nil
}

// serveChatID replies to each update until ctx ends or updates closes.
func serveChatID(ctx context.Context, sender watcher.Sender, updates <-chan telegram.Update, w io.Writer, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Message == nil {
				continue
			}
			chatID := u.Message.ChatID()
			fmt.Fprint(w, chatIDReport(u.Message))
			if err := sender.Send(ctx, chatID, chatIDReply(chatID)); err != nil {
				logger.Warn("chat id reply failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

// chatIDReply is the text sent back to the user.
func chatIDReply(chatID string) string {
	return "Your Chat ID: " + chatID + "\n\nSend this ID to the administrator to connect your mailbox."
}

// chatIDReport is what the operator sees for one incoming message.
func chatIDReport(m *telegram.Message) string {
	var b strings.Builder
	b.WriteString("📱 New user:\n")
	fmt.Fprintf(&b, "   Chat ID: %s\n", m.ChatID())
	if m.From != nil {
		fmt.Fprintf(&b, "   Name: %s\n", strings.TrimSpace(m.From.FirstName+" "+m.From.LastName))
		username := "none"
		if m.From.Username != "" {
			username = "@" + m.From.Username
		}
		fmt.Fprintf(&b, "   Username: %s\n", username)
	}
	b.WriteString("\nAdd to .env:\n")
	b.WriteString("MAIL_USER_N=address@yandex.ru\n")
	b.WriteString("MAIL_PASS_N=app_password\n")
	fmt.Fprintf(&b, "MAIL_CHAT_ID_N=%s\n\n", m.ChatID())
	return b.String()
}
