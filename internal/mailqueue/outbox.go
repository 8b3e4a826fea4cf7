package mailqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/flosch/pongo2/v6"

	"github.com/gotrs-io/mailroom/internal/database"
	"github.com/gotrs-io/mailroom/internal/models"
	"github.com/gotrs-io/mailroom/internal/ticketnumber"
)

const (
	defaultAutoReplySubject = "Re: {{ ticket.subject }}"
	defaultAutoReplyBody    = "Hello{% if customer.first_name %} {{ customer.first_name }}{% endif %},\n\n" +
		"We received your message and opened ticket {{ ticket.display_number }}. We will get back to you shortly.\n\n" +
		"{{ mailbox.name }}"
)

// ErrTemplate marks a mailbox template that cannot be parsed or rendered.
var ErrTemplate = errors.New("invalid mail template")

// Outbox renders and queues outbound mail on the caller's transaction.
type Outbox struct {
	formatter ticketnumber.Formatter
}

func NewOutbox(formatter ticketnumber.Formatter) *Outbox {
	if formatter == nil {
		formatter = ticketnumber.Plain{}
	}
	return &Outbox{formatter: formatter}
}

func (o *Outbox) templateContext(mb *models.Mailbox, t *models.Ticket, c *models.Customer) pongo2.Context {
	return pongo2.Context{
		"mailbox": map[string]interface{}{"name": mb.Name, "email": mb.Email},
		"ticket": map[string]interface{}{
			"number":         t.Number,
			"display_number": o.formatter.Format(t.Number, t.CreatedAt),
			"subject":        t.Subject,
		},
		"customer": map[string]interface{}{
			"first_name": c.FirstName,
			"last_name":  c.LastName,
			"name":       c.FullName(),
			"email":      t.CustomerEmail,
		},
	}
}

// Render executes a pongo2 template string with the ticket context. Output is
// plain text, so autoescaping is off.
func (o *Outbox) Render(tpl string, mb *models.Mailbox, t *models.Ticket, c *models.Customer) (string, error) {
	compiled, err := pongo2.FromString("{% autoescape off %}" + tpl + "{% endautoescape %}")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	out, err := compiled.Execute(o.templateContext(mb, t, c))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return out, nil
}

// QueueAutoReply queues the mailbox's auto-reply for a freshly opened ticket.
// inReplyTo is the customer's Message-ID, if any.
func (o *Outbox) QueueAutoReply(ctx context.Context, q database.Queryer, mb *models.Mailbox, t *models.Ticket, c *models.Customer, inReplyTo string) (*Item, error) {
	subjectTpl := strings.TrimSpace(mb.AutoReplySubject)
	if subjectTpl == "" {
		subjectTpl = defaultAutoReplySubject
	}
	bodyTpl := mb.AutoReplyBody
	if strings.TrimSpace(bodyTpl) == "" {
		bodyTpl = defaultAutoReplyBody
	}
	subject, err := o.Render(subjectTpl, mb, t, c)
	if err != nil {
		return nil, fmt.Errorf("auto-reply subject: %w", err)
	}
	body, err := o.Render(bodyTpl, mb, t, c)
	if err != nil {
		return nil, fmt.Errorf("auto-reply body: %w", err)
	}

	env := Envelope{
		From:      &mail.Address{Name: mb.Name, Address: mb.Email},
		To:        []*mail.Address{{Name: c.FullName(), Address: t.CustomerEmail}},
		Subject:   subject,
		Text:      body,
		MessageID: GenerateMessageID(DomainOf(mb.Email)),
		Headers: map[string]string{
			"Auto-Submitted":           "auto-replied",
			"X-Auto-Response-Suppress": "All",
		},
	}
	if inReplyTo != "" {
		env.InReplyTo = []string{inReplyTo}
		env.References = []string{inReplyTo}
	}
	recipients := []string{t.CustomerEmail}
	if mb.AutoBCC != "" {
		env.Bcc = []*mail.Address{{Address: mb.AutoBCC}}
		recipients = append(recipients, mb.AutoBCC)
	}
	return o.enqueue(ctx, q, mb, t, nil, KindAutoReply, env, recipients)
}

// QueueReply queues an agent reply. references are the Message-IDs of the
// conversation, oldest first.
func (o *Outbox) QueueReply(ctx context.Context, q database.Queryer, mb *models.Mailbox, t *models.Ticket, msg *models.Message, references []string) (*Item, error) {
	env := Envelope{
		From:       &mail.Address{Name: mb.Name, Address: mb.Email},
		Subject:    replySubject(t.Subject, o.formatter.Format(t.Number, t.CreatedAt)),
		Text:       msg.Body,
		References: references,
	}
	if msg.ExternalID != nil {
		env.MessageID = *msg.ExternalID
	} else {
		env.MessageID = GenerateMessageID(DomainOf(mb.Email))
	}
	if n := len(references); n > 0 {
		env.InReplyTo = []string{references[n-1]}
	}
	var recipients []string
	for _, list := range []struct {
		raw  string
		dest *[]*mail.Address
	}{{msg.ToAddresses, &env.To}, {msg.CcAddresses, &env.Cc}, {msg.BccAddresses, &env.Bcc}} {
		for _, addr := range splitList(list.raw) {
			*list.dest = append(*list.dest, &mail.Address{Address: addr})
			recipients = append(recipients, addr)
		}
	}
	if len(env.To) == 0 {
		env.To = []*mail.Address{{Address: t.CustomerEmail}}
		recipients = append(recipients, t.CustomerEmail)
	}
	return o.enqueue(ctx, q, mb, t, &msg.ID, KindReply, env, recipients)
}

func (o *Outbox) enqueue(ctx context.Context, q database.Queryer, mb *models.Mailbox, t *models.Ticket, threadID *int64, kind Kind, env Envelope, recipients []string) (*Item, error) {
	raw, err := Build(env)
	if err != nil {
		return nil, err
	}
	ticketID := t.ID
	item := &Item{
		MailboxID:  mb.ID,
		TicketID:   &ticketID,
		ThreadID:   threadID,
		Kind:       kind,
		Sender:     mb.Email,
		Recipient:  strings.Join(recipients, ","),
		MessageID:  env.MessageID,
		RawMessage: raw,
	}
	if err := NewRepository(q).Insert(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

func replySubject(subject, number string) string {
	s := strings.TrimSpace(subject)
	if !strings.HasPrefix(strings.ToLower(s), "re:") {
		s = "Re: " + s
	}
	if number != "" && !strings.Contains(s, number) {
		s += " [" + number + "]"
	}
	return s
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
