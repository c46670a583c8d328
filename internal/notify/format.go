package notify

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/mailbridge/internal/message"
)

const (
	// MinTextRunes is the skip threshold: shorter text is not delivered.
	MinTextRunes = 3

	// TruncationMarker is appended when the body exceeds MaxBody.
	TruncationMarker = "\n\n[...]"

	// MaxAttachmentsListed is how many attachment names are shown.
	MaxAttachmentsListed = 3

	// DateLayout renders the message date.
	DateLayout = "02.01.2006 15:04:05"
)

// Options configure a Formatter. Zero values take the defaults listed.
type Options struct {
	Label           string         // "📧 Mail"
	MaxBody         int            // 3500 runes
	UsefulThreshold int            // 3 runes; shorter text is re-derived from HTML
	HTMLPrefix      int            // 500 runes of raw HTML used for re-derivation
	Location        *time.Location // time.Local
}

func (o Options) withDefaults() Options {
	if o.Label == "" {
		o.Label = "📧 Mail"
	}
	if o.MaxBody <= 0 {
		o.MaxBody = 3500
	}
	if o.UsefulThreshold <= 0 {
		o.UsefulThreshold = 3
	}
	if o.HTMLPrefix <= 0 {
		o.HTMLPrefix = 500
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Formatter renders messages as notifications. It is stateless and safe
// for concurrent use.
type Formatter struct {
	opts Options
}

// NewFormatter creates a Formatter.
func NewFormatter(opts Options) *Formatter {
	return &Formatter{opts: opts.withDefaults()}
}

// MaxBody returns the body cap in runes.
func (f *Formatter) MaxBody() int { return f.opts.MaxBody }

var manyNewlines = regexp.MustCompile(`\n{3,}`)

// Body returns the notification body for msg: the extracted text,
// re-derived from a prefix of the raw HTML when it is too short to be
// useful, normalized and truncated. ok is false when the result is
// still shorter than MinTextRunes and the message should be skipped.
func (f *Formatter) Body(msg *message.Message) (body string, ok bool) {
	text := ExtractText(msg)

	if utf8.RuneCountInString(strings.TrimSpace(text)) < f.opts.UsefulThreshold && msg.HTMLBody != "" {
		if alt := StripHTML(runePrefix(msg.HTMLBody, f.opts.HTMLPrefix)); alt != "" {
			text = alt
		}
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	if utf8.RuneCountInString(text) < MinTextRunes {
		return "", false
	}
	if utf8.RuneCountInString(text) > f.opts.MaxBody {
		text = runePrefix(text, f.opts.MaxBody) + TruncationMarker
	}
	return text, true
}

// Header returns the label, sender, subject and date lines.
func (f *Formatter) Header(msg *message.Message) string {
	var b strings.Builder
	b.WriteString(f.opts.Label)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "👤 From: %s\n", SenderName(msg.From))
	if msg.Subject != "" {
		fmt.Fprintf(&b, "📌 Subject: %s\n", msg.Subject)
	}
	if msg.Date.IsZero() {
		b.WriteString("🕐 unknown date\n")
	} else {
		fmt.Fprintf(&b, "🕐 %s\n", msg.Date.In(f.opts.Location).Format(DateLayout))
	}
	return b.String()
}

// Format renders the full notification. ok is false when the message
// has no useful text and must not be delivered.
func (f *Formatter) Format(msg *message.Message) (string, bool) {
	body, ok := f.Body(msg)
	if !ok {
		return "", false
	}
	return f.Header(msg) + "\n" + body + AttachmentSummary(msg.Attachments), true
}

// SenderName picks the display name, else the address local part, else
// a placeholder.
func SenderName(a message.Address) string {
	if name := strings.TrimSpace(a.Name); name != "" {
		return name
	}
	if local := a.LocalPart(); local != "" {
		return local
	}
	return "Unknown sender"
}

// AttachmentSummary lists up to MaxAttachmentsListed names and counts
// the rest. It returns "" when there are none.
func AttachmentSummary(names []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n📎 Attachments:")
	for i, name := range names {
		if i == MaxAttachmentsListed {
			break
		}
		if name == "" {
			name = "unnamed"
		}
		b.WriteString("\n▫️ ")
		b.WriteString(name)
	}
	if extra := len(names) - MaxAttachmentsListed; extra > 0 {
		fmt.Fprintf(&b, "\n... and %d more", extra)
	}
	return b.String()
}
