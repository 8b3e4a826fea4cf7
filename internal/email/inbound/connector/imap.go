package connector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// imapConn is the subset of *imapclient.Client the fetcher drives.
type imapConn interface {
	Login(username, password string) imapCommand
	Logout() imapCommand
	Close() error
	Select(mailbox string, options *imap.SelectOptions) imapSelect
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) imapSearch
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) imapFetch
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) imapFetch
	UIDExpunge(uids imap.UIDSet) imapExpunge
}

type imapCommand interface{ Wait() error }
type imapSelect interface {
	Wait() (*imap.SelectData, error)
}
type imapSearch interface {
	Wait() (*imap.SearchData, error)
}
type imapFetch interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type imapExpunge interface{ Close() error }

// defaultIMAPChunk is how many bodies one UID FETCH round trip pulls.
const defaultIMAPChunk = 25

// IMAPFetcher reads unseen messages from an IMAP/IMAPS folder. Bodies are
// fetched with BODY.PEEK[] in small UID chunks, and each message the handler
// accepts is flagged \Seen straight away.
type IMAPFetcher struct {
	deleteAfterFetch bool
	dialTimeout      time.Duration
	batchLimit       int
	chunk            int
	now              func() time.Time
	logger           *log.Logger
	dial             func(Account) (imapConn, error)
}

// IMAPFetcherOption customizes fetcher behavior.
type IMAPFetcherOption func(*IMAPFetcher)

// NewIMAPFetcher returns an IMAP connector ready for polling.
func NewIMAPFetcher(opts ...IMAPFetcherOption) *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 10 * time.Second,
		chunk:       defaultIMAPChunk,
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

// WithIMAPDeleteAfterFetch additionally flags handled messages \Deleted and
// expunges them when the cycle ends.
func WithIMAPDeleteAfterFetch(delete bool) IMAPFetcherOption {
	return func(f *IMAPFetcher) { f.deleteAfterFetch = delete }
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger *log.Logger) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithIMAPBatchLimit caps how many unseen messages one Fetch call reads.
// The oldest are taken first; zero means no cap.
func WithIMAPBatchLimit(n int) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if n >= 0 {
			f.batchLimit = n
		}
	}
}

// WithIMAPChunkSize sets how many bodies are fetched per round trip.
func WithIMAPChunkSize(n int) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if n > 0 {
			f.chunk = n
		}
	}
}

func withIMAPDialer(dial func(Account) (imapConn, error)) IMAPFetcherOption {
	return func(f *IMAPFetcher) { f.dial = dial }
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *IMAPFetcher) Name() string { return "imap" }

// Fetch hands every unseen message in the account's folder to handler, in
// UID order.
func (f *IMAPFetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("imap fetcher requires a handler")
	}
	if err := validateIMAPAccount(account); err != nil {
		return err
	}

	conn, err := f.dial(account)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			f.logger.Printf("imap: %s: close: %v", account.Host, err)
		}
	}()

	if err := conn.Login(account.Username, string(account.Password)).Wait(); err != nil {
		return fmt.Errorf("imap auth: %w", err)
	}
	folder := account.IMAPFolder
	if folder == "" {
		folder = "INBOX"
	}
	selected, err := conn.Select(folder, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap select %s: %w", folder, err)
	}

	s := &imapSession{
		f:       f,
		conn:    conn,
		folder:  folder,
		fetched: make(map[imap.UID]*imapclient.FetchMessageBuffer),
	}
	if selected != nil && selected.UIDValidity != 0 {
		s.validity = strconv.FormatUint(uint64(selected.UIDValidity), 10)
	}
	return drain(ctx, s, account, f.batchLimit, handler)
}

type imapSession struct {
	f        *IMAPFetcher
	conn     imapConn
	folder   string
	validity string

	uids    []imap.UID
	fetched map[imap.UID]*imapclient.FetchMessageBuffer
}

func (s *imapSession) pending(context.Context) ([]remoteMessage, error) {
	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	data, err := s.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	s.uids = data.AllUIDs()
	slices.Sort(s.uids)
	out := make([]remoteMessage, len(s.uids))
	for i, uid := range s.uids {
		out[i] = remoteMessage{UID: strconv.FormatUint(uint64(uid), 10), seq: uint32(uid)}
	}
	return out, nil
}

// load fetches the chunk of pending UIDs starting at uid.
func (s *imapSession) load(uid imap.UID) error {
	start, ok := slices.BinarySearch(s.uids, uid)
	if !ok {
		return fmt.Errorf("imap fetch %d: not pending", uid)
	}
	end := min(start+s.f.chunk, len(s.uids))
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: true}},
	}
	bufs, err := s.conn.Fetch(imap.UIDSetNum(s.uids[start:end]...), opts).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}
	for _, buf := range bufs {
		s.fetched[buf.UID] = buf
	}
	// UIDs the server skipped (expunged meanwhile) must not be fetched again.
	for _, u := range s.uids[start:end] {
		if _, ok := s.fetched[u]; !ok {
			s.fetched[u] = nil
		}
	}
	return nil
}

func (s *imapSession) retrieve(_ context.Context, m remoteMessage) (*FetchedMessage, error) {
	uid := imap.UID(m.seq)
	buf, ok := s.fetched[uid]
	if !ok {
		if err := s.load(uid); err != nil {
			return nil, err
		}
		buf = s.fetched[uid]
	}
	delete(s.fetched, uid)
	if buf == nil {
		return nil, nil
	}
	body := buf.FindBodySection(&imap.FetchItemBodySection{})
	if body == nil {
		s.f.logger.Printf("imap: %s uid %s: no body returned", s.folder, m.UID)
		return nil, nil
	}
	received := buf.InternalDate
	if received.IsZero() {
		received = s.f.now()
	}
	msg := &FetchedMessage{
		Connector:  s.f.Name(),
		UID:        m.UID,
		ReceivedAt: received,
		SizeBytes:  int64(len(body)),
		Raw:        append([]byte(nil), body...),
		Metadata: map[string]string{
			"imap_uid":    m.UID,
			"imap_folder": s.folder,
		},
	}
	if s.validity != "" {
		msg.Metadata["imap_uidvalidity"] = s.validity
	}
	return msg, nil
}

func (s *imapSession) ack(_ context.Context, m remoteMessage) error {
	flags := []imap.Flag{imap.FlagSeen}
	if s.f.deleteAfterFetch {
		flags = append(flags, imap.FlagDeleted)
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: flags}
	if err := s.conn.Store(imap.UIDSetNum(imap.UID(m.seq)), store, nil).Close(); err != nil {
		return fmt.Errorf("imap store: %w", err)
	}
	return nil
}

func (s *imapSession) finish(_ context.Context, acked []remoteMessage) error {
	var errs []error
	if s.f.deleteAfterFetch && len(acked) > 0 {
		uids := make([]imap.UID, len(acked))
		for i, m := range acked {
			uids[i] = imap.UID(m.seq)
		}
		if err := s.conn.UIDExpunge(imap.UIDSetNum(uids...)).Close(); err != nil {
			errs = append(errs, fmt.Errorf("imap expunge: %w", err))
		}
	}
	if err := s.conn.Logout().Wait(); err != nil {
		errs = append(errs, fmt.Errorf("imap logout: %w", err))
	}
	return errors.Join(errs...)
}

func (f *IMAPFetcher) dialServer(account Account) (imapConn, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	tlsMode := useIMAPTLS(account.Type)
	port := account.Port
	if port == 0 {
		port = 143
		if tlsMode {
			port = 993
		}
	}
	addr := net.JoinHostPort(account.Host, strconv.Itoa(port))
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: f.dialTimeout}}
	var (
		client *imapclient.Client
		err    error
	)
	if tlsMode {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return imapClientConn{client}, nil
}

// imapClientConn narrows the concrete command types to the interfaces above.
type imapClientConn struct{ *imapclient.Client }

func (c imapClientConn) Login(username, password string) imapCommand {
	return c.Client.Login(username, password)
}
func (c imapClientConn) Logout() imapCommand { return c.Client.Logout() }
func (c imapClientConn) Select(mailbox string, options *imap.SelectOptions) imapSelect {
	return c.Client.Select(mailbox, options)
}
func (c imapClientConn) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) imapSearch {
	return c.Client.UIDSearch(criteria, options)
}
func (c imapClientConn) Fetch(numSet imap.NumSet, options *imap.FetchOptions) imapFetch {
	return c.Client.Fetch(numSet, options)
}
func (c imapClientConn) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) imapFetch {
	return c.Client.Store(numSet, store, options)
}
func (c imapClientConn) UIDExpunge(uids imap.UIDSet) imapExpunge {
	return c.Client.UIDExpunge(uids)
}

func validateIMAPAccount(account Account) error {
	switch {
	case !supportsIMAP(account.Type):
		return fmt.Errorf("account type %s not supported by IMAP connector", account.Type)
	case account.Username == "":
		return errors.New("imap account missing username")
	case len(account.Password) == 0:
		return errors.New("imap account missing password")
	}
	return nil
}

func supportsIMAP(t string) bool {
	t = strings.ToLower(t)
	return t == "imap" || t == "imaps"
}

func useIMAPTLS(t string) bool { return strings.EqualFold(t, "imaps") }
