package telegram

import (
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// User is the part of a Telegram user mailbridge reads.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// ChatID returns the chat identifier in the decimal form used in config.
func (m *Message) ChatID() string {
	return strconv.FormatInt(m.Chat.ID, 10)
}

// Update is one getUpdates entry reduced to mailbridge's view. Only
// message updates are requested.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

func fromUser(u *tgbotapi.User) *User {
	if u == nil {
		return nil
	}
	return &User{ID: u.ID, IsBot: u.IsBot, FirstName: u.FirstName, LastName: u.LastName, Username: u.UserName}
}

func fromUpdate(u tgbotapi.Update) Update {
	out := Update{UpdateID: int64(u.UpdateID)}
	m := u.Message
	if m == nil {
		return out
	}
	msg := &Message{
		MessageID: int64(m.MessageID),
		From:      fromUser(m.From),
		Date:      int64(m.Date),
		Text:      m.Text,
	}
	if m.Chat != nil {
		msg.Chat = Chat{ID: m.Chat.ID, Type: m.Chat.Type, Title: m.Chat.Title, Username: m.Chat.UserName, FirstName: m.Chat.FirstName}
	}
	out.Message = msg
	return out
}

// ParseCommand splits "/cmd@bot args" into ("/cmd", "args"). ok is false
// when text is not a command.
func ParseCommand(text string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	cmd, args, _ = strings.Cut(text, " ")
	if i := strings.IndexByte(cmd, '\n'); i >= 0 {
		args = strings.TrimSpace(cmd[i+1:] + " " + args)
		cmd = cmd[:i]
	}
	cmd, _, _ = strings.Cut(cmd, "@")
	if cmd == "/" {
		return "", "", false
	}
	return cmd, strings.TrimSpace(args), true
}
