package notify

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nugget/mailbridge/internal/message"
)

func propertyParams() *gopter.TestParameters {
	p := gopter.DefaultTestParameters()
	p.MinSuccessfulTests = 300
	return p
}

func TestProperty_NotificationLengthBounded(t *testing.T) {
	properties := gopter.NewProperties(propertyParams())

	properties.Property("body never exceeds max_body plus marker", prop.ForAll(
		func(text, html string, maxBody int) bool {
			f := NewFormatter(Options{MaxBody: maxBody, Location: time.UTC})
			msg := &message.Message{TextBody: text, HTMLBody: html}
			body, ok := f.Body(msg)
			if !ok {
				return body == ""
			}
			return utf8.RuneCountInString(body) <= maxBody+utf8.RuneCountInString(TruncationMarker)
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.IntRange(3, 200),
	))

	properties.Property("format is header plus body plus summary", prop.ForAll(
		func(text, subject string, attachments []string) bool {
			f := NewFormatter(Options{MaxBody: 50, Location: time.UTC})
			msg := &message.Message{TextBody: text, Subject: subject, Attachments: attachments}
			out, ok := f.Format(msg)
			if !ok {
				return true
			}
			body, _ := f.Body(msg)
			bound := utf8.RuneCountInString(f.Header(msg)) + 1 +
				50 + utf8.RuneCountInString(TruncationMarker) +
				utf8.RuneCountInString(AttachmentSummary(attachments))
			return utf8.RuneCountInString(out) <= bound && strings.Contains(out, body)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestProperty_ExtractNeverBlankWithSubject(t *testing.T) {
	properties := gopter.NewProperties(propertyParams())

	properties.Property("non-empty subject yields non-blank text", prop.ForAll(
		func(text, html, subject string) bool {
			if strings.TrimSpace(subject) == "" {
				return true
			}
			got := ExtractText(&message.Message{TextBody: text, HTMLBody: html, Subject: subject})
			return strings.TrimSpace(got) != ""
		},
		gen.AnyString(),
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("stripped html has no angle-bracket tags", prop.ForAll(
		func(words []string) bool {
			var b strings.Builder
			for _, w := range words {
				b.WriteString("<p><b>" + w + "</b></p>")
			}
			got := StripHTML(b.String())
			return got == strings.Join(strings.Fields(strings.Join(words, " ")), " ")
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
