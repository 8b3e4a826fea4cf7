package fetch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants per-mailbox fetch exclusivity. Lock returns
// ErrConcurrentFetch when the mailbox is already locked; release is safe to
// call once, from any goroutine.
type Locker interface {
	Lock(ctx context.Context, mailboxID int64) (release func(), err error)
}

// MemoryLocker serializes fetches inside one process.
type MemoryLocker struct {
	mu     sync.Mutex
	locked map[int64]bool
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locked: make(map[int64]bool)}
}

func (l *MemoryLocker) Lock(_ context.Context, mailboxID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked[mailboxID] {
		return nil, ErrConcurrentFetch
	}
	l.locked[mailboxID] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locked, mailboxID)
			l.mu.Unlock()
		})
	}, nil
}

var (
	// Only the holder of the token may release or extend the lock.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLocker shares fetch exclusivity between processes. The key expires
// after ttl unless the holder is still alive to extend it, so a crashed
// worker cannot wedge a mailbox.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *log.Logger
}

// NewRedisLocker returns a locker storing keys as <prefix><mailboxID>.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration, logger *log.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "mail_fetch_lock:", logger: logger}
}

func (l *RedisLocker) key(mailboxID int64) string {
	return fmt.Sprintf("%s%d", l.prefix, mailboxID)
}

func (l *RedisLocker) Lock(ctx context.Context, mailboxID int64) (func(), error) {
	key := l.key(mailboxID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire fetch lock: %w", err)
	}
	if !ok {
		return nil, ErrConcurrentFetch
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ectx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := extendScript.Run(ectx, l.client, []string{key}, token, l.ttl.Milliseconds()).Err(); err != nil {
					l.logger.Printf("fetch: extend lock %s: %v", key, err)
				}
				cancel()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The cycle's context may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Printf("fetch: release lock %s: %v", key, err)
			}
		})
	}, nil
}
