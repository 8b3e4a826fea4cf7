package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubMaildrop is a scripted POP3 server; every command lands in calls.
type stubMaildrop struct {
	listing []pop3.MessageID
	bodies  map[int]string
	fail    map[string]error
	calls   []string
}

func (m *stubMaildrop) dialer() POP3FetcherOption {
	return withPOP3Dialer(func(Account) (pop3Conn, error) { return m, nil })
}

func (m *stubMaildrop) Auth(user, _ string) error {
	m.calls = append(m.calls, "USER "+user)
	return m.fail["USER"]
}

func (m *stubMaildrop) Quit() error {
	m.calls = append(m.calls, "QUIT")
	return m.fail["QUIT"]
}

func (m *stubMaildrop) Uidl(int) ([]pop3.MessageID, error) {
	m.calls = append(m.calls, "UIDL")
	if err := m.fail["UIDL"]; err != nil {
		return nil, err
	}
	return append([]pop3.MessageID(nil), m.listing...), nil
}

func (m *stubMaildrop) RetrRaw(id int) (*bytes.Buffer, error) {
	cmd := fmt.Sprintf("RETR %d", id)
	m.calls = append(m.calls, cmd)
	if err := m.fail[cmd]; err != nil {
		return nil, err
	}
	return bytes.NewBufferString(m.bodies[id]), nil
}

func (m *stubMaildrop) Dele(ids ...int) error {
	for _, id := range ids {
		m.calls = append(m.calls, fmt.Sprintf("DELE %d", id))
	}
	return m.fail["DELE"]
}

func (m *stubMaildrop) count(cmd string) int {
	n := 0
	for _, c := range m.calls {
		if c == cmd {
			n++
		}
	}
	return n
}

// recordingHandler keeps every accepted message and rejects failUID.
type recordingHandler struct {
	messages []*FetchedMessage
	failUID  string
	after    func()
}

func (h *recordingHandler) Handle(_ context.Context, msg *FetchedMessage) error {
	if h.failUID == msg.UID {
		return fmt.Errorf("fail %s", msg.UID)
	}
	h.messages = append(h.messages, msg)
	if h.after != nil {
		h.after()
	}
	return nil
}

var pop3Account = Account{ID: 9, Type: "pop3s", Host: "pop.example", Username: "desk", Password: []byte("secret")}

func TestPOP3FetcherDrainsMaildrop(t *testing.T) {
	drop := &stubMaildrop{
		listing: []pop3.MessageID{{ID: 1, UID: "a1", Size: 5}, {ID: 2, UID: "b2", Size: 6}},
		bodies:  map[int]string{1: "first", 2: "second"},
	}
	now := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	h := &recordingHandler{}
	f := NewPOP3Fetcher(drop.dialer(), WithPOP3Clock(func() time.Time { return now }))
	require.NoError(t, f.Fetch(context.Background(), pop3Account, h))

	assert.Equal(t, []string{"USER desk", "UIDL", "RETR 1", "DELE 1", "RETR 2", "DELE 2", "QUIT"}, drop.calls)
	require.Len(t, h.messages, 2)
	first := h.messages[0]
	assert.Equal(t, "a1", first.UID)
	assert.Equal(t, "desk@pop.example:a1", first.RemoteID)
	assert.Equal(t, int64(9), first.AccountID)
	assert.Equal(t, now, first.ReceivedAt)
	assert.Equal(t, "first", string(first.Raw))
	assert.Equal(t, map[string]string{"uidl": "a1", "pop3_id": "1", "reported_size": "5"}, first.Metadata)
}

func TestPOP3FetcherSkipsRejectedAndKeeps(t *testing.T) {
	drop := &stubMaildrop{
		listing: []pop3.MessageID{{ID: 1, UID: "a1"}, {ID: 2, UID: "b2"}, {ID: 3}},
		bodies:  map[int]string{1: "x", 2: "y", 3: "z"},
	}
	h := &recordingHandler{failUID: "b2"}
	require.NoError(t, NewPOP3Fetcher(drop.dialer()).Fetch(context.Background(), pop3Account, h))
	assert.Equal(t, 1, drop.count("DELE 1"))
	assert.Zero(t, drop.count("DELE 2"))
	assert.Equal(t, 1, drop.count("DELE 3"))
	require.Len(t, h.messages, 2)
	assert.Equal(t, "3", h.messages[1].UID, "servers without UIDL fall back to the message number")

	drop.calls = nil
	keep := NewPOP3Fetcher(drop.dialer(), WithPOP3DeleteAfterFetch(false), WithPOP3BatchLimit(1))
	require.NoError(t, keep.Fetch(context.Background(), pop3Account, &recordingHandler{}))
	assert.Equal(t, []string{"USER desk", "UIDL", "RETR 1", "QUIT"}, drop.calls)
}

func TestPOP3FetcherRetrErrorStillQuits(t *testing.T) {
	drop := &stubMaildrop{
		listing: []pop3.MessageID{{ID: 1, UID: "a1"}, {ID: 2, UID: "b2"}},
		bodies:  map[int]string{1: "x"},
		fail:    map[string]error{"RETR 2": errors.New("connection reset")},
	}
	err := NewPOP3Fetcher(drop.dialer()).Fetch(context.Background(), pop3Account, &recordingHandler{})
	require.ErrorContains(t, err, "pop3 retr 2")
	assert.Equal(t, 1, drop.count("DELE 1"))
	assert.Equal(t, 1, drop.count("QUIT"), "QUIT commits the DELE already sent")
}

func TestPOP3FetcherCancel(t *testing.T) {
	drop := &stubMaildrop{
		listing: []pop3.MessageID{{ID: 1, UID: "a1"}, {ID: 2, UID: "b2"}},
		bodies:  map[int]string{1: "x", 2: "y"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &recordingHandler{after: cancel}
	err := NewPOP3Fetcher(drop.dialer()).Fetch(ctx, pop3Account, h)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, h.messages, 1)
	assert.Zero(t, drop.count("RETR 2"))
	assert.Equal(t, 1, drop.count("QUIT"))
}

func TestPOP3FetcherFailures(t *testing.T) {
	drop := &stubMaildrop{fail: map[string]error{"USER": errors.New("bad creds")}}
	h := &recordingHandler{}
	err := NewPOP3Fetcher(drop.dialer()).Fetch(context.Background(), pop3Account, h)
	require.ErrorContains(t, err, "pop3 auth")
	assert.Equal(t, []string{"USER desk", "QUIT"}, drop.calls)
	assert.Empty(t, h.messages)

	drop = &stubMaildrop{fail: map[string]error{"UIDL": errors.New("-ERR")}}
	err = NewPOP3Fetcher(drop.dialer()).Fetch(context.Background(), pop3Account, h)
	require.ErrorContains(t, err, "pop3 uidl")
	assert.Equal(t, 1, drop.count("QUIT"))

	refused := NewPOP3Fetcher(withPOP3Dialer(func(Account) (pop3Conn, error) { return nil, errors.New("refused") }))
	require.ErrorContains(t, refused.Fetch(context.Background(), pop3Account, h), "pop3 connect")

	f := NewPOP3Fetcher()
	assert.Error(t, f.Fetch(context.Background(), pop3Account, nil))
	assert.Error(t, f.Fetch(context.Background(), Account{Type: "imap", Username: "u", Password: []byte("p")}, h))
	assert.Error(t, f.Fetch(context.Background(), Account{Type: "pop3", Password: []byte("p")}, h))
	assert.True(t, usePOP3TLS("POP3S"))
	assert.False(t, supportsPOP3("imaps"))
}
