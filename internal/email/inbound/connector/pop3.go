package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
)

// pop3Conn is the subset of *pop3.Conn the fetcher drives.
type pop3Conn interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

// POP3Fetcher drains a POP3/POP3S maildrop. Each message the handler accepts
// is marked with DELE; the server removes it on QUIT.
type POP3Fetcher struct {
	keep        bool
	dialTimeout time.Duration
	batchLimit  int
	now         func() time.Time
	logger      *log.Logger
	dial        func(Account) (pop3Conn, error)
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector ready for polling.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.dial == nil {
		f.dial = f.dialServer
	}
	return f
}

// WithPOP3DeleteAfterFetch toggles DELE for handled messages. Without it the
// same messages come back every cycle and are dropped as duplicates.
func WithPOP3DeleteAfterFetch(delete bool) POP3FetcherOption {
	return func(f *POP3Fetcher) { f.keep = !delete }
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3BatchLimit caps how many messages one Fetch call reads.
func WithPOP3BatchLimit(n int) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if n >= 0 {
			f.batchLimit = n
		}
	}
}

func withPOP3Dialer(dial func(Account) (pop3Conn, error)) POP3FetcherOption {
	return func(f *POP3Fetcher) { f.dial = dial }
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *POP3Fetcher) Name() string { return "pop3" }

// Fetch hands each message in the maildrop to handler in server order.
func (f *POP3Fetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if err := validatePOP3Account(account); err != nil {
		return err
	}

	conn, err := f.dial(account)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	if err := conn.Auth(account.Username, string(account.Password)); err != nil {
		if qerr := conn.Quit(); qerr != nil {
			f.logger.Printf("pop3: %s: quit: %v", account.Host, qerr)
		}
		return fmt.Errorf("pop3 auth: %w", err)
	}
	return drain(ctx, &pop3Session{f: f, conn: conn}, account, f.batchLimit, handler)
}

type pop3Session struct {
	f    *POP3Fetcher
	conn pop3Conn
}

func (s *pop3Session) pending(context.Context) ([]remoteMessage, error) {
	list, err := s.conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}
	out := make([]remoteMessage, 0, len(list))
	for _, meta := range list {
		uid := meta.UID
		if uid == "" {
			// Servers without UIDL support: the message number is only
			// stable within this session, dedup catches repeats.
			uid = strconv.Itoa(meta.ID)
		}
		out = append(out, remoteMessage{UID: uid, seq: uint32(meta.ID), size: int64(meta.Size)})
	}
	return out, nil
}

func (s *pop3Session) retrieve(_ context.Context, m remoteMessage) (*FetchedMessage, error) {
	payload, err := s.conn.RetrRaw(int(m.seq))
	if err != nil {
		return nil, fmt.Errorf("pop3 retr %d: %w", m.seq, err)
	}
	raw := append([]byte(nil), payload.Bytes()...)
	msg := &FetchedMessage{
		Connector:  s.f.Name(),
		UID:        m.UID,
		ReceivedAt: s.f.now(),
		SizeBytes:  int64(len(raw)),
		Raw:        raw,
		Metadata: map[string]string{
			"uidl":    m.UID,
			"pop3_id": strconv.FormatUint(uint64(m.seq), 10),
		},
	}
	if m.size > 0 {
		msg.Metadata["reported_size"] = strconv.FormatInt(m.size, 10)
	}
	return msg, nil
}

func (s *pop3Session) ack(_ context.Context, m remoteMessage) error {
	if s.f.keep {
		return nil
	}
	if err := s.conn.Dele(int(m.seq)); err != nil {
		return fmt.Errorf("pop3 dele %d: %w", m.seq, err)
	}
	return nil
}

// finish sends QUIT, which is when the server applies the DELEs.
func (s *pop3Session) finish(context.Context, []remoteMessage) error {
	if err := s.conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

func (f *POP3Fetcher) dialServer(account Account) (pop3Conn, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	tlsMode := usePOP3TLS(account.Type)
	port := account.Port
	if port == 0 {
		port = 110
		if tlsMode {
			port = 995
		}
	}
	return pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: f.dialTimeout,
		TLSEnabled:  tlsMode,
	}).NewConn()
}

func validatePOP3Account(account Account) error {
	switch {
	case !supportsPOP3(account.Type):
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	case account.Username == "":
		return errors.New("pop3 account missing username")
	case len(account.Password) == 0:
		return errors.New("pop3 account missing password")
	}
	return nil
}

func supportsPOP3(t string) bool {
	t = strings.ToLower(t)
	return t == "pop3" || t == "pop3s"
}

func usePOP3TLS(t string) bool { return strings.EqualFold(t, "pop3s") }
