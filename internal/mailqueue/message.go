package mailqueue

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Envelope is everything needed to render one outbound message.
type Envelope struct {
	From       *gomail.Address
	To         []*gomail.Address
	Cc         []*gomail.Address
	Bcc        []*gomail.Address
	Subject    string
	Text       string
	MessageID  string // without angle brackets
	InReplyTo  []string
	References []string
	Date       time.Time
	// Extra headers, e.g. Auto-Submitted on auto-replies.
	Headers map[string]string
}

// GenerateMessageID creates a unique Message-ID (without angle brackets).
func GenerateMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("%d.%s@%s", time.Now().Unix(), strings.ReplaceAll(uuid.New().String(), "-", ""), domain)
}

// DomainOf returns the domain part of an address.
func DomainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// Build renders the envelope as multipart/alternative with the markdown text
// converted to HTML. Bcc recipients are not written to the headers.
func Build(env Envelope) ([]byte, error) {
	var h gomail.Header
	if env.Date.IsZero() {
		env.Date = time.Now()
	}
	h.SetDate(env.Date)
	if env.From != nil {
		h.SetAddressList("From", []*gomail.Address{env.From})
	}
	h.SetAddressList("To", env.To)
	if len(env.Cc) > 0 {
		h.SetAddressList("Cc", env.Cc)
	}
	h.SetSubject(env.Subject)
	if env.MessageID != "" {
		h.SetMessageID(env.MessageID)
	}
	if len(env.InReplyTo) > 0 {
		h.SetMsgIDList("In-Reply-To", env.InReplyTo)
	}
	if len(env.References) > 0 {
		h.SetMsgIDList("References", env.References)
	}
	for k, v := range env.Headers {
		h.Set(k, v)
	}

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", env.Text},
		{"text/html", markdownToHTML(env.Text)},
	}
	for _, p := range parts {
		var ph gomail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// markdownToHTML converts markdown content to HTML
func markdownToHTML(markdown string) string {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)

	var buf strings.Builder
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		// If conversion fails, return original content
		return markdown
	}
	return buf.String()
}

// ExtractMessageID extracts the Message-ID header from a raw email message
func ExtractMessageID(raw []byte) string {
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "message-id:") {
			parts := strings.SplitN(line, ":", 2)
			return strings.Trim(strings.TrimSpace(parts[1]), "<>")
		}
	}
	return ""
}
