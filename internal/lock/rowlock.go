package lock

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// RowLockSemaphore 以資料庫 locks 表的一列作為鎖
//
// 在目前交易中更新該列即持有寫鎖，直到交易 commit 或 rollback 才釋放，
// 因此跨行程也能互斥。Lease.Release 不做事。
type RowLockSemaphore struct {
	schedName string
	updateSQL string
	insertSQL string
}

// NewRowLockSemaphore 建立 row lock semaphore；table 通常是 "locks"
func NewRowLockSemaphore(schedName, table string) *RowLockSemaphore {
	return &RowLockSemaphore{
		schedName: schedName,
		updateSQL: fmt.Sprintf("UPDATE %s SET lock_name = lock_name WHERE sched_name = ? AND lock_name = ?", table),
		insertSQL: fmt.Sprintf("INSERT INTO %s (sched_name, lock_name) VALUES (?, ?)", table),
	}
}

// Obtain 在交易內鎖定該列；列不存在時先插入
func (s *RowLockSemaphore) Obtain(ctx context.Context, q Querier, lockName string) (Lease, error) {
	if q == nil {
		return nil, errors.Newf("row lock %s: no transaction", lockName)
	}

	res, err := q.ExecContext(ctx, s.updateSQL, s.schedName, lockName)
	if err != nil {
		return nil, errors.Wrapf(err, "row lock %s", lockName)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrapf(err, "row lock %s: rows affected", lockName)
	}
	if n > 0 {
		return noopLease, nil
	}

	// first use of this lock name
	if _, err := q.ExecContext(ctx, s.insertSQL, s.schedName, lockName); err != nil {
		return nil, errors.Wrapf(err, "row lock %s: insert", lockName)
	}
	return noopLease, nil
}

// RequiresConnection row lock 需要交易
func (s *RowLockSemaphore) RequiresConnection() bool { return true }
