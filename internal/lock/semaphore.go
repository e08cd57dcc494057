// Package lock 提供具名鎖（semaphore）抽象
//
// 所有會修改排程狀態的操作都必須先取得一把具名鎖。實作從單一行程內的
// mutex、資料庫的 row lock，到跨行程的 Redis 鎖都有。
package lock

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
)

// 具名鎖名稱
const (
	TriggerAccess = "TRIGGER_ACCESS" // 任務/觸發器/日曆的修改、取得與觸發
	StateAccess   = "STATE_ACCESS"   // 叢集 checkin 記帳
)

// ErrNotObtained 在 context 結束前沒拿到鎖
var ErrNotObtained = errors.New("lock not obtained")

// ErrLeaseLost 持有期間鎖已過期或被其他節點取得
var ErrLeaseLost = errors.New("lock lease lost")

// Querier is the slice of *sql.Tx a row-lock semaphore needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Lease 一次成功取得的鎖；Release 必須且只能呼叫一次
type Lease interface {
	Release(ctx context.Context) error
}

// Semaphore 具名鎖服務
type Semaphore interface {
	// Obtain blocks until lockName is held or ctx is done. q is the
	// transaction of the current unit of work; it is nil when
	// RequiresConnection reports false.
	Obtain(ctx context.Context, q Querier, lockName string) (Lease, error)

	// RequiresConnection reports whether Obtain must be given the unit of
	// work's transaction.
	RequiresConnection() bool
}

type leaseFunc func(ctx context.Context) error

func (f leaseFunc) Release(ctx context.Context) error { return f(ctx) }

// noopLease is returned by semaphores whose lock ends with the transaction.
var noopLease Lease = leaseFunc(func(context.Context) error { return nil })

// Check 回報租約是否仍有效；不會過期的租約永遠回傳 nil
func Check(l Lease) error {
	if v, ok := l.(interface{ Err() error }); ok {
		return v.Err()
	}
	return nil
}
