// Package message parses raw RFC 5322 messages into the fields a
// notification needs: sender, subject, date, the first text/plain and
// text/html bodies, and attachment filenames.
//
// Parsing is lenient. Unknown charsets and transfer encodings degrade
// to slightly garbled text instead of failing.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // register non-UTF-8 decoders
	"github.com/emersion/go-message/mail"
)

// MaxPartSize bounds how much of each text part is kept.
const MaxPartSize = 256 * 1024

// ErrEmpty is returned for a zero-length or whitespace-only message.
var ErrEmpty = errors.New("empty message")

// Address is a parsed mailbox address.
type Address struct {
	Name    string
	Address string
}

// LocalPart returns the part of the address before '@'.
func (a Address) LocalPart() string {
	local, _, _ := strings.Cut(a.Address, "@")
	return local
}

// Message is the parsed form of a raw message.
type Message struct {
	From        Address
	Subject     string
	Date        time.Time // zero when the header is absent or unparseable
	TextBody    string
	HTMLBody    string
	Attachments []string // filenames in order; "" for unnamed parts
}

// Parse decodes raw into a Message. A returned error means the bytes
// are not a usable message at all.
func Parse(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmpty
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return nil, fmt.Errorf("create mail reader: %w", err)
	}
	defer mr.Close()

	msg := &Message{}
	parseHeader(msg, &mr.Header)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			// A broken part after the headers still leaves a usable
			// notification; keep what has been collected.
			if msg.TextBody != "" || msg.HTMLBody != "" || msg.Subject != "" {
				break
			}
			return nil, fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}
		readPart(msg, part)
	}

	return msg, nil
}

func parseHeader(msg *Message, h *mail.Header) {
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		msg.From = Address{Name: list[0].Name, Address: list[0].Address}
	} else if raw := strings.TrimSpace(h.Get("From")); raw != "" {
		msg.From = fallbackAddress(raw)
	}

	if subj, err := h.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subj)
	} else {
		msg.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	if d, err := h.Date(); err == nil {
		msg.Date = d
	}
}

// fallbackAddress salvages a From header that net/mail rejects, such as
// an unquoted display name with commas.
func fallbackAddress(raw string) Address {
	if i := strings.LastIndexByte(raw, '<'); i >= 0 {
		if j := strings.IndexByte(raw[i:], '>'); j > 0 {
			name := strings.Trim(strings.TrimSpace(raw[:i]), `"`)
			return Address{Name: decodeWords(name), Address: raw[i+1 : i+j]}
		}
	}
	if strings.Contains(raw, "@") {
		return Address{Address: raw}
	}
	return Address{Name: decodeWords(raw)}
}

var wordDecoder = mime.WordDecoder{CharsetReader: message.CharsetReader}

func decodeWords(s string) string {
	if out, err := wordDecoder.DecodeHeader(s); err == nil {
		return out
	}
	return s
}

func readPart(msg *Message, part *mail.Part) {
	switch h := part.Header.(type) {
	case *mail.AttachmentHeader:
		name, _ := h.Filename()
		msg.Attachments = append(msg.Attachments, name)

	case *mail.InlineHeader:
		contentType, params, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}
		switch {
		case contentType == "text/plain" && msg.TextBody == "":
			msg.TextBody = readBody(part.Body)
		case contentType == "text/html" && msg.HTMLBody == "":
			msg.HTMLBody = readBody(part.Body)
		case !strings.HasPrefix(contentType, "text/"):
			// Inline images and similar carry a name but no text.
			if name := inlineName(h, params); name != "" {
				msg.Attachments = append(msg.Attachments, name)
			}
		}
	}
}

func inlineName(h *mail.InlineHeader, params map[string]string) string {
	if _, dp, err := h.ContentDisposition(); err == nil && dp["filename"] != "" {
		return dp["filename"]
	}
	return params["name"]
}

func readBody(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, MaxPartSize))
	if err != nil && len(body) == 0 {
		return ""
	}
	return string(body)
}
