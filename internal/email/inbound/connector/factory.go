package connector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gotrs-io/mailroom/internal/models"
)

// ErrUnsupportedProtocol is returned for a mailbox protocol no connector
// is registered for.
var ErrUnsupportedProtocol = errors.New("unsupported mailbox protocol")

// FactoryOption customizes a connector factory.
type FactoryOption func(registry)

// registry maps normalized protocol names to fetchers. It is filled while
// the options run and read-only afterwards.
type registry map[string]Fetcher

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	r := registry{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// DefaultFactory returns a factory serving imap, imaps, pop3 and pop3s.
func DefaultFactory(imapOpts []IMAPFetcherOption, pop3Opts []POP3FetcherOption) Factory {
	return NewFactory(
		WithFetcher(NewIMAPFetcher(imapOpts...), "imap", "imaps"),
		WithFetcher(NewPOP3Fetcher(pop3Opts...), "pop3", "pop3s"),
	)
}

// WithFetcher registers a fetcher under each protocol name.
func WithFetcher(fetcher Fetcher, protocols ...string) FactoryOption {
	return func(r registry) {
		if fetcher == nil {
			return
		}
		for _, p := range protocols {
			if key := normalizeType(p); key != "" {
				r[key] = fetcher
			}
		}
	}
}

func (r registry) FetcherFor(account Account) (Fetcher, error) {
	if fetcher, ok := r[normalizeType(account.Type)]; ok {
		return fetcher, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, account.Type)
}

// AccountFromMailbox converts a mailbox's inbound settings to the connector payload.
func AccountFromMailbox(mb *models.Mailbox) Account {
	if mb == nil {
		return Account{}
	}
	accountType := normalizeType(mb.InProtocol)
	if accountType == "" {
		accountType = "imaps"
	}
	return Account{
		ID:         mb.ID,
		Type:       accountType,
		Host:       strings.TrimSpace(mb.InHost),
		Port:       mb.InPort,
		Username:   mb.InUsername,
		Password:   []byte(mb.InPassword),
		Address:    mb.Email,
		IMAPFolder: mb.InFolder,
	}
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
