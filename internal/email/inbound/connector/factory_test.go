package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailroom/internal/models"
)

type noopFetcher struct{}

func (noopFetcher) Name() string { return "noop" }

func (noopFetcher) Fetch(ctx context.Context, account Account, handler Handler) error { return nil }

func TestFactoryLooksUpNormalizedProtocol(t *testing.T) {
	factory := NewFactory(WithFetcher(noopFetcher{}, " Pop3 ", ""), WithFetcher(nil, "imap"))

	f, err := factory.FetcherFor(Account{Type: "POP3"})
	require.NoError(t, err)
	assert.Equal(t, "noop", f.Name())

	_, err = factory.FetcherFor(Account{Type: "imap"})
	require.ErrorIs(t, err, ErrUnsupportedProtocol)
	_, err = factory.FetcherFor(Account{Type: "graph"})
	require.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestDefaultFactoryCoversMailboxProtocols(t *testing.T) {
	factory := DefaultFactory(nil, nil)
	for typ, name := range map[string]string{"imap": "imap", "imaps": "imap", "pop3": "pop3", "pop3s": "pop3"} {
		f, err := factory.FetcherFor(Account{Type: typ})
		require.NoError(t, err, typ)
		assert.Equal(t, name, f.Name())
	}
}

func TestAccountFromMailbox(t *testing.T) {
	acc := AccountFromMailbox(&models.Mailbox{
		ID:         3,
		Email:      "support@example.com",
		InProtocol: " POP3S ",
		InHost:     "pop.example.com ",
		InPort:     995,
		InUsername: "support",
		InPassword: "pw",
	})
	assert.Equal(t, Account{
		ID:       3,
		Type:     "pop3s",
		Host:     "pop.example.com",
		Port:     995,
		Username: "support",
		Password: []byte("pw"),
		Address:  "support@example.com",
	}, acc)

	assert.Equal(t, "imaps", AccountFromMailbox(&models.Mailbox{}).Type)
	assert.Equal(t, Account{}, AccountFromMailbox(nil))
}
