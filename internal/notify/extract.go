// Package notify turns parsed mail into bounded plain-text Telegram
// notifications.
package notify

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/mailbridge/internal/message"
)

// NoContent is the text used when a message has no body and no subject.
const NoContent = "(no text content)"

// skipElements are elements whose text never reaches a notification.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Head:     true,
	atom.Noscript: true,
}

// ExtractText returns the best plain-text rendition of msg. It prefers
// the text/plain body, then the tag-stripped HTML body, then
// "Subject: ..." and finally [NoContent]. The result is never blank.
func ExtractText(msg *message.Message) string {
	if s := strings.TrimSpace(msg.TextBody); s != "" {
		return s
	}
	if msg.HTMLBody != "" {
		if s := StripHTML(msg.HTMLBody); s != "" {
			return s
		}
	}
	if msg.Subject != "" {
		return "Subject: " + msg.Subject
	}
	return NoContent
}

// StripHTML reduces an HTML fragment to its visible text. Entities are
// decoded, non-breaking spaces become spaces, and all whitespace runs
// collapse to a single space. Malformed markup is tolerated.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseSpaces(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			if skipElements[atom.Lookup(name)] {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if skipElements[atom.Lookup(name)] && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// collapseSpaces maps NBSP to a space and joins whitespace-separated
// fields with single spaces.
func collapseSpaces(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

// runePrefix returns the first n runes of s.
func runePrefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
