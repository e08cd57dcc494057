package jobstore

import (
	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrObjectAlreadyExists 以相同 key 儲存且未要求取代（可由呼叫端修正）
	ErrObjectAlreadyExists = errors.New("object already exists")
	// ErrReferentialIntegrity 觸發器指向不存在的任務，或刪除仍被引用的日曆
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	// ErrTransientPersistence 鎖、連線或逾時錯誤，可重試
	ErrTransientPersistence = errors.New("transient persistence failure")
	// ErrCriticalPersistence 無法恢復的儲存錯誤，需人工介入
	ErrCriticalPersistence = errors.New("critical persistence failure")
	// ErrSchedulerShuttingDown 關閉中，不再接受新操作
	ErrSchedulerShuttingDown = errors.New("scheduler is shutting down")
	// ErrTriggerWillNeverFire 依排程與日曆，觸發器永遠不會觸發
	ErrTriggerWillNeverFire = errors.New("trigger will never fire")
)

// transient marks err as retryable unless it already belongs to the taxonomy.
func transient(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.IsAny(err, ErrObjectAlreadyExists, ErrReferentialIntegrity,
		ErrCriticalPersistence, ErrSchedulerShuttingDown, ErrTriggerWillNeverFire,
		types.ErrInvalidJob, types.ErrInvalidTrigger, types.ErrUnknownCalendarType) {
		return errors.Wrap(err, msg)
	}
	return errors.Mark(errors.Wrap(err, msg), ErrTransientPersistence)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientPersistence)
}

// IsCritical reports whether scheduling should halt.
func IsCritical(err error) bool {
	return errors.Is(err, ErrCriticalPersistence)
}
