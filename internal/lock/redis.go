package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bsm/redislock"
	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
)

// RedisSemaphore 以 Redis 鍵作為跨行程的具名鎖
//
// 鎖有 TTL；持有者崩潰後鎖會自動過期，其他節點得以繼續。
// 持有期間每 ttl/3 續約一次，工作單元再久也不會讓鎖中途過期。
type RedisSemaphore struct {
	locker *redislock.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisSemaphore 建立 Redis 具名鎖。鍵為 "<prefix>:<lockName>"
func NewRedisSemaphore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSemaphore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisSemaphore{
		locker: redislock.New(client),
		prefix: prefix,
		ttl:    ttl,
		retry:  50 * time.Millisecond,
	}
}

// Obtain 重試直到拿到鎖或 ctx 結束
func (s *RedisSemaphore) Obtain(ctx context.Context, _ Querier, lockName string) (Lease, error) {
	key := s.prefix + ":" + lockName
	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(s.retry)}

	for {
		l, err := s.locker.Obtain(ctx, key, s.ttl, opts)
		if err == nil {
			return s.hold(l, key), nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrapf(errors.CombineErrors(ErrNotObtained, ctx.Err()), "obtain %s", key)
		}
		if !errors.Is(err, redislock.ErrNotObtained) {
			return nil, errors.Wrapf(err, "obtain %s", key)
		}
	}
}

// RequiresConnection Redis 鎖不需要資料庫連線
func (s *RedisSemaphore) RequiresConnection() bool { return false }

// ============================================================================
// 續約
// ============================================================================

type redisLease struct {
	lock *redislock.Lock
	key  string
	stop context.CancelFunc
	done chan struct{}
	lost atomic.Bool
}

func (s *RedisSemaphore) hold(l *redislock.Lock, key string) *redisLease {
	ctx, cancel := context.WithCancel(context.Background())
	lease := &redisLease{lock: l, key: key, stop: cancel, done: make(chan struct{})}
	go lease.refresh(ctx, s.ttl)
	return lease
}

func (l *redisLease) refresh(ctx context.Context, ttl time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.lock.Refresh(ctx, ttl, nil)
			switch {
			case err == nil:
			case errors.Is(err, redislock.ErrNotObtained):
				l.lost.Store(true)
				return
			case ctx.Err() != nil:
				return
			}
			// 其他錯誤（網路）下一輪再試；TTL 到期前仍有兩次機會
		}
	}
}

// Err 續約失敗後回傳 ErrLeaseLost
func (l *redisLease) Err() error {
	if l.lost.Load() {
		return errors.Wrapf(ErrLeaseLost, "hold %s", l.key)
	}
	return nil
}

// Release 停止續約並釋放鎖；續約失敗過則回傳 ErrLeaseLost
func (l *redisLease) Release(ctx context.Context) error {
	l.stop()
	<-l.done
	if l.lost.Load() {
		return errors.Wrapf(ErrLeaseLost, "release %s", l.key)
	}
	if err := l.lock.Release(ctx); err != nil {
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return errors.Wrapf(ErrLeaseLost, "release %s", l.key)
		}
		return errors.Wrapf(err, "release %s", l.key)
	}
	return nil
}
