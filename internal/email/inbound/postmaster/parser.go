package postmaster

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	stdmail "net/mail"
	"strings"
	"time"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/jhillyerd/enmime"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/utils"
)

// ErrUnparseable is returned for payloads neither MIME reader can make sense of.
var ErrUnparseable = errors.New("unparseable message")

const (
	defaultBodyLimit       = 512 * 1024
	defaultAttachmentLimit = 25 * 1024 * 1024

	// Widths of the columns header-derived fields are stored in.
	maxSubjectBytes   = 998
	maxMessageIDBytes = 255
	maxFilenameBytes  = 255
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Envelope is the parsed, decoded form of one inbound message.
type Envelope struct {
	From       string
	FromName   string
	To         []string
	Cc         []string
	Subject    string
	Text       string
	HTML       string // sanitized
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time
	// Automated is set for auto-submitted, bulk, list and bounce mail.
	Automated   bool
	Attachments []models.Attachment
}

// Body returns the text stored on the message: the plain part when there is
// one, otherwise the sanitized HTML.
func (e *Envelope) Body() string {
	if strings.TrimSpace(e.Text) != "" {
		return e.Text
	}
	return e.HTML
}

// Parser decodes raw RFC 5322 messages.
type Parser struct {
	maxBodyBytes    int64
	attachmentLimit int64
	sanitizer       *utils.HTMLSanitizer
	decoder         *mime.WordDecoder
	logger          *log.Logger
}

// ParserOption customizes a Parser.
type ParserOption func(*Parser)

// WithBodyLimit caps the bytes read from each text part.
func WithBodyLimit(limit int64) ParserOption {
	return func(p *Parser) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// WithAttachmentLimit caps the bytes kept per attachment. Larger
// attachments are dropped.
func WithAttachmentLimit(limit int64) ParserOption {
	return func(p *Parser) {
		if limit > 0 {
			p.attachmentLimit = limit
		}
	}
}

// WithParserLogger overrides the logger used for diagnostics.
func WithParserLogger(logger *log.Logger) ParserOption {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewParser builds a parser with default limits.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		maxBodyBytes:    defaultBodyLimit,
		attachmentLimit: defaultAttachmentLimit,
		sanitizer:       utils.NewHTMLSanitizer(),
		decoder:         &mime.WordDecoder{CharsetReader: htmlcharset.NewReaderLabel},
		logger:          log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Parse decodes raw. Structured parsing uses go-message; messages it rejects
// are retried with enmime, which tolerates broken MIME. When both fail on
// the body but the header was readable, the undecoded body is kept as text.
func (p *Parser) Parse(raw []byte) (*Envelope, error) {
	env, err := p.parse(raw)
	if err != nil {
		return nil, err
	}
	env.bound()
	return env, nil
}

// bound fits header-derived fields into their columns. An over-long
// Message-ID becomes a digest, the same one any reference to it gets, so
// threading still matches.
func (e *Envelope) bound() {
	e.Subject = clip(e.Subject, maxSubjectBytes)
	e.MessageID = boundMessageID(e.MessageID)
	e.InReplyTo = boundMessageID(e.InReplyTo)
	for i, id := range e.References {
		e.References[i] = boundMessageID(id)
	}
	for i := range e.Attachments {
		e.Attachments[i].Filename = clip(e.Attachments[i].Filename, maxFilenameBytes)
		e.Attachments[i].MimeType = clip(e.Attachments[i].MimeType, maxFilenameBytes)
	}
}

func boundMessageID(id string) string {
	if len(id) <= maxMessageIDBytes {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16]) + "@mailroom.invalid"
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (p *Parser) parse(raw []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnparseable)
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if reader == nil {
		p.logf("postmaster: structured parse failed, falling back: %v", err)
		return p.parseLenient(raw)
	}
	if err != nil {
		p.logf("postmaster: %v", err)
	}

	env := &Envelope{}
	p.readHeader(&reader.Header, env)
	if env.From == "" {
		// go-message gives up on malformed address lists; enmime does not.
		return p.parseLenient(raw)
	}
	text, html, attachments, err := p.readBodyParts(reader)
	if err != nil {
		p.logf("postmaster: read parts failed, falling back: %v", err)
		lenient, lerr := p.parseLenient(raw)
		if lerr == nil {
			return lenient, nil
		}
		p.logf("postmaster: %v; keeping the raw body", lerr)
		env.Text = p.rawBody(raw)
		return env, nil
	}
	env.Text = text
	env.HTML = p.sanitizer.Sanitize(html)
	env.Attachments = attachments
	if env.Body() == "" && len(attachments) == 0 {
		// Nothing usable came out of the parts; see whether a lenient read does better.
		lenient, err := p.parseLenient(raw)
		switch {
		case err == nil && lenient.Body() != "":
			env.Text, env.HTML, env.Attachments = lenient.Text, lenient.HTML, lenient.Attachments
		case err != nil:
			env.Text = p.rawBody(raw)
		}
	}
	return env, nil
}

func (p *Parser) readHeader(h *gomail.Header, env *Envelope) {
	if subject, err := h.Subject(); err == nil {
		env.Subject = strings.TrimSpace(subject)
	} else {
		env.Subject = p.decodeHeader(h.Get("Subject"))
	}
	if list, err := h.AddressList("From"); err == nil && len(list) > 0 {
		env.From = strings.TrimSpace(list[0].Address)
		env.FromName = strings.TrimSpace(list[0].Name)
	}
	env.To = addressStrings(h, "To")
	env.Cc = addressStrings(h, "Cc")
	if id, err := h.MessageID(); err == nil {
		env.MessageID = normalizeMessageID(id)
	} else {
		env.MessageID = firstMessageID(h.Get("Message-Id"))
	}
	env.InReplyTo = firstMessageID(h.Get("In-Reply-To"))
	env.References = parseMessageIDs(h.Get("References"))
	if date, err := h.Date(); err == nil {
		env.Date = date
	}
	env.Automated = isAutomated(h.Get, env.From)
}

func addressStrings(h *gomail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a != nil && a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out
}

func (p *Parser) readBodyParts(reader *gomail.Reader) (string, string, []models.Attachment, error) {
	var plain, html string
	var attachments []models.Attachment
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if part == nil || !(gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)) {
				return "", "", nil, err
			}
			// The part is still readable, just undecoded.
			p.logf("postmaster: %v", err)
		}
		switch header := part.Header.(type) {
		case *gomail.InlineHeader:
			mimeType, _, ctErr := header.ContentType()
			mimeType = strings.ToLower(strings.TrimSpace(mimeType))
			if ctErr != nil || mimeType == "" {
				mimeType = "text/plain"
			}
			if !strings.HasPrefix(mimeType, "text/") {
				// Inline images referenced by cid: from the HTML part.
				if att := p.readAttachment(part.Body, inlineFilename(header), mimeType, true); att != nil {
					attachments = append(attachments, *att)
				}
				continue
			}
			body, readErr := p.readPartBody(part.Body)
			if readErr != nil {
				p.logf("postmaster: read part body failed: %v", readErr)
				continue
			}
			switch {
			case strings.HasPrefix(mimeType, "text/html"):
				if html == "" {
					html = body
				}
			default:
				if plain == "" {
					plain = body
				}
			}
		case *gomail.AttachmentHeader:
			filename, err := header.Filename()
			if err != nil || strings.TrimSpace(filename) == "" {
				filename = fmt.Sprintf("attachment-%d.bin", len(attachments)+1)
			}
			mimeType, _, ctErr := header.ContentType()
			if ctErr != nil || strings.TrimSpace(mimeType) == "" {
				mimeType = "application/octet-stream"
			}
			if att := p.readAttachment(part.Body, filename, strings.ToLower(mimeType), false); att != nil {
				attachments = append(attachments, *att)
			}
		}
	}
	return plain, html, attachments, nil
}

func inlineFilename(h *gomail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	if id := strings.Trim(h.Get("Content-Id"), "<> "); id != "" {
		return id
	}
	return "inline.bin"
}

func (p *Parser) readPartBody(src io.Reader) (string, error) {
	if src == nil {
		return "", nil
	}
	data, err := io.ReadAll(io.LimitReader(src, p.maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (p *Parser) readAttachment(src io.Reader, filename, mimeType string, inline bool) *models.Attachment {
	if src == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(src, p.attachmentLimit+1))
	if err != nil {
		p.logf("postmaster: read attachment %s failed: %v", filename, err)
		return nil
	}
	if int64(len(data)) > p.attachmentLimit {
		p.logf("postmaster: dropping attachment %s over %d bytes", filename, p.attachmentLimit)
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	return &models.Attachment{
		Filename: filename,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Inline:   inline,
		Content:  data,
	}
}

// rawBody returns everything after the header block, undecoded.
func (p *Parser) rawBody(raw []byte) string {
	br := bufio.NewReader(bytes.NewReader(raw))
	if _, err := textproto.ReadHeader(br); err != nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(br, p.maxBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ToValidUTF8(string(body), "\uFFFD"))
}

// parseLenient reads raw with enmime.
func (p *Parser) parseLenient(raw []byte) (*Envelope, error) {
	e, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	env := &Envelope{
		Subject:    strings.TrimSpace(e.GetHeader("Subject")),
		MessageID:  firstMessageID(e.GetHeader("Message-Id")),
		InReplyTo:  firstMessageID(e.GetHeader("In-Reply-To")),
		References: parseMessageIDs(e.GetHeader("References")),
		Text:       truncate(e.Text, p.maxBodyBytes),
		HTML:       p.sanitizer.Sanitize(truncate(e.HTML, p.maxBodyBytes)),
	}
	if list, err := e.AddressList("From"); err == nil && len(list) > 0 {
		env.From = strings.TrimSpace(list[0].Address)
		env.FromName = strings.TrimSpace(list[0].Name)
	} else {
		// Leave the raw header for the sanitizer to judge.
		env.From = e.GetHeader("From")
	}
	env.To = enmimeAddresses(e, "To")
	env.Cc = enmimeAddresses(e, "Cc")
	if date, err := stdmail.ParseDate(e.GetHeader("Date")); err == nil {
		env.Date = date
	}
	env.Automated = isAutomated(e.GetHeader, env.From)
	for _, part := range e.Attachments {
		if att := p.enmimeAttachment(part, false); att != nil {
			env.Attachments = append(env.Attachments, *att)
		}
	}
	for _, part := range e.Inlines {
		if att := p.enmimeAttachment(part, true); att != nil {
			env.Attachments = append(env.Attachments, *att)
		}
	}
	for _, perr := range e.Errors {
		p.logf("postmaster: mime: %s", perr.String())
	}
	return env, nil
}

func enmimeAddresses(e *enmime.Envelope, key string) []string {
	list, err := e.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

func (p *Parser) enmimeAttachment(part *enmime.Part, inline bool) *models.Attachment {
	if part == nil || len(part.Content) == 0 || int64(len(part.Content)) > p.attachmentLimit {
		return nil
	}
	name := part.FileName
	if name == "" {
		name = strings.Trim(part.ContentID, "<>")
	}
	if name == "" {
		name = "attachment.bin"
	}
	mimeType := strings.ToLower(part.ContentType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &models.Attachment{
		Filename: name,
		MimeType: mimeType,
		Size:     int64(len(part.Content)),
		Inline:   inline,
		Content:  part.Content,
	}
}

func (p *Parser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func (p *Parser) logf(format string, args ...any) {
	if p == nil || p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

func truncate(s string, limit int64) string {
	if limit > 0 && int64(len(s)) > limit {
		return s[:limit]
	}
	return s
}

func firstMessageID(raw string) string {
	ids := parseMessageIDs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// parseMessageIDs extracts every <id> token from a header value, falling
// back to the whole value for senders that omit the brackets.
func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var ids []string
	seen := map[string]bool{}
	for rest := raw; ; {
		start := strings.IndexByte(rest, '<')
		if start < 0 {
			break
		}
		end := strings.IndexByte(rest[start:], '>')
		if end < 0 {
			break
		}
		if id := normalizeMessageID(rest[start+1 : start+end]); id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
		rest = rest[start+end+1:]
	}
	if len(ids) == 0 {
		for _, field := range strings.Fields(raw) {
			if id := normalizeMessageID(field); id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}
