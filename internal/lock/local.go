package lock

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// LocalSemaphore 單一行程內的具名鎖，每個名稱一把
//
// 等待中的 Obtain 會在 ctx 結束時放棄。
type LocalSemaphore struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLocalSemaphore 建立行程內具名鎖
func NewLocalSemaphore() *LocalSemaphore {
	return &LocalSemaphore{locks: make(map[string]chan struct{})}
}

func (s *LocalSemaphore) slot(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	return ch
}

// Obtain 取得具名鎖
func (s *LocalSemaphore) Obtain(ctx context.Context, _ Querier, lockName string) (Lease, error) {
	ch := s.slot(lockName)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(errors.CombineErrors(ErrNotObtained, ctx.Err()), "lock %s", lockName)
	}

	var once sync.Once
	return leaseFunc(func(context.Context) error {
		released := false
		once.Do(func() {
			<-ch
			released = true
		})
		if !released {
			return errors.Newf("lock %s released twice", lockName)
		}
		return nil
	}), nil
}

// RequiresConnection 行程內鎖不需要資料庫連線
func (s *LocalSemaphore) RequiresConnection() bool { return false }
