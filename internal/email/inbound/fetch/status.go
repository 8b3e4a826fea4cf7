package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the last known outcome of a mailbox's fetch cycles.
type Status struct {
	MailboxID  int64     `json:"mailbox_id"`
	LastPollAt time.Time `json:"last_poll_at"`
	LastStatus string    `json:"last_status"`
	LastError  string    `json:"last_error,omitempty"`
	Stats      Stats     `json:"stats"`
}

// StatusRecorder persists cycle outcomes for operators.
type StatusRecorder interface {
	Record(ctx context.Context, status Status) error
}

// StatusStore records outcomes and reads back the latest one; a nil Status
// means the mailbox was never fetched.
type StatusStore interface {
	StatusRecorder
	Get(ctx context.Context, mailboxID int64) (*Status, error)
}

// RedisStatusStore keeps Status under mail_poll_status:<mailboxID>.
type RedisStatusStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStatusStore returns a store whose entries expire after a day.
func NewRedisStatusStore(client redis.Cmdable) *RedisStatusStore {
	return &RedisStatusStore{client: client, ttl: 24 * time.Hour}
}

func statusKey(mailboxID int64) string {
	return fmt.Sprintf("mail_poll_status:%d", mailboxID)
}

func (s *RedisStatusStore) Record(ctx context.Context, status Status) error {
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, statusKey(status.MailboxID), data, s.ttl).Err()
}

// Get returns the stored status, or nil when none was recorded.
func (s *RedisStatusStore) Get(ctx context.Context, mailboxID int64) (*Status, error) {
	data, err := s.client.Get(ctx, statusKey(mailboxID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode fetch status: %w", err)
	}
	return &st, nil
}

// MemoryStatusStore keeps the latest Status per mailbox in process.
type MemoryStatusStore struct {
	mu     sync.RWMutex
	latest map[int64]Status
}

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{latest: make(map[int64]Status)}
}

func (s *MemoryStatusStore) Record(_ context.Context, status Status) error {
	s.mu.Lock()
	s.latest[status.MailboxID] = status
	s.mu.Unlock()
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, mailboxID int64) (*Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.latest[mailboxID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}
