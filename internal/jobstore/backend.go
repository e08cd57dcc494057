package jobstore

// ============================================================================
// 職責說明：
// 1. 定義 Engine 與持久層之間唯一的契約（Backend / Tx）
// 2. 記憶體與 SQL 兩種實作共用同一組方法
// 3. 所有狀態機規則都在 Engine；Backend 只做單純的讀寫
// ============================================================================

import (
	"context"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Backend 實體儲存
type Backend interface {
	// Begin starts a unit of work. A read-only Tx rejects writes.
	Begin(ctx context.Context, readOnly bool) (Tx, error)
	Close() error
}

// Tx 一個 unit of work 內可用的讀寫操作
//
// Select* 在找不到時回傳 nil（或空切片）與 nil error。回傳的實體都是副本，
// 呼叫端可以自由修改。
type Tx interface {
	// Querier exposes the SQL transaction for row-lock semaphores; nil when
	// the backend is not SQL.
	Querier() lock.Querier
	Commit() error
	Rollback() error

	// ---- jobs ----
	InsertJob(ctx context.Context, job *types.JobDetail) error
	UpdateJob(ctx context.Context, job *types.JobDetail) error
	SelectJob(ctx context.Context, key types.JobKey) (*types.JobDetail, error)
	DeleteJob(ctx context.Context, key types.JobKey) (bool, error)
	UpdateJobData(ctx context.Context, key types.JobKey, data types.JobDataMap) error
	SelectJobKeys(ctx context.Context, m types.GroupMatcher) ([]types.JobKey, error)
	SelectJobGroups(ctx context.Context) ([]string, error)
	CountJobs(ctx context.Context) (int, error)

	// ---- triggers ----
	InsertTrigger(ctx context.Context, t *types.Trigger, state types.TriggerState) error
	UpdateTrigger(ctx context.Context, t *types.Trigger, state types.TriggerState) error
	SelectTrigger(ctx context.Context, key types.TriggerKey) (*types.Trigger, error)
	// SelectTriggerState returns StateNone for an unknown key.
	SelectTriggerState(ctx context.Context, key types.TriggerKey) (types.TriggerState, error)
	DeleteTrigger(ctx context.Context, key types.TriggerKey) (bool, error)
	SelectTriggersForJob(ctx context.Context, key types.JobKey) ([]*types.Trigger, error)
	SelectTriggersForCalendar(ctx context.Context, name string) ([]*types.Trigger, error)
	SelectTriggerKeys(ctx context.Context, m types.GroupMatcher) ([]types.TriggerKey, error)
	SelectTriggerGroups(ctx context.Context) ([]string, error)
	SelectTriggerKeysInState(ctx context.Context, state types.TriggerState) ([]types.TriggerKey, error)
	CountTriggers(ctx context.Context) (int, error)

	// UpdateTriggerStateFrom sets the state only when the current state is
	// one of from (any state when from is empty).
	UpdateTriggerStateFrom(ctx context.Context, key types.TriggerKey, to types.TriggerState, from ...types.TriggerState) (bool, error)
	UpdateTriggerStatesForJobFrom(ctx context.Context, key types.JobKey, to types.TriggerState, from ...types.TriggerState) (int, error)

	// SelectTriggersToAcquire returns WAITING triggers with a fire time at
	// or before noLaterThan, ordered by (next fire time, priority desc, key).
	SelectTriggersToAcquire(ctx context.Context, noLaterThan int64, limit int) ([]*types.Trigger, error)
	// SelectMisfiredTriggers returns WAITING or MISFIRED triggers whose next
	// fire time is before the given time and whose misfire instruction is
	// not ignore, in due order. limit <= 0 means no limit.
	SelectMisfiredTriggers(ctx context.Context, before int64, limit int) ([]*types.Trigger, error)
	CountMisfiredTriggers(ctx context.Context, before int64) (int, error)

	// ---- calendars ----
	InsertCalendar(ctx context.Context, name string, cal types.Calendar) error
	UpdateCalendar(ctx context.Context, name string, cal types.Calendar) error
	SelectCalendar(ctx context.Context, name string) (types.Calendar, error)
	DeleteCalendar(ctx context.Context, name string) (bool, error)
	SelectCalendarNames(ctx context.Context) ([]string, error)
	CountCalendars(ctx context.Context) (int, error)

	// ---- pause markers ----
	InsertPausedTriggerGroup(ctx context.Context, group string) error
	DeletePausedTriggerGroup(ctx context.Context, group string) error
	IsTriggerGroupPaused(ctx context.Context, group string) (bool, error)
	SelectPausedTriggerGroups(ctx context.Context) ([]string, error)
	InsertPausedJobGroup(ctx context.Context, group string) error
	DeletePausedJobGroup(ctx context.Context, group string) error
	IsJobGroupPaused(ctx context.Context, group string) (bool, error)
	SelectPausedJobGroups(ctx context.Context) ([]string, error)

	// ---- fired-trigger records ----
	InsertFiredTrigger(ctx context.Context, rec *types.FiredTriggerRecord) error
	UpdateFiredTrigger(ctx context.Context, rec *types.FiredTriggerRecord) error
	DeleteFiredTrigger(ctx context.Context, fireInstanceID string) error
	// SelectFiredTriggers returns the records owned by instanceID, or every
	// record when instanceID is empty.
	SelectFiredTriggers(ctx context.Context, instanceID string) ([]*types.FiredTriggerRecord, error)
	SelectFiredTriggersForJob(ctx context.Context, key types.JobKey) ([]*types.FiredTriggerRecord, error)
	SelectFiredInstanceIDs(ctx context.Context) ([]string, error)
	DeleteFiredTriggers(ctx context.Context, instanceID string) (int, error)
	CountFiredTriggersForTrigger(ctx context.Context, key types.TriggerKey) (int, error)

	// ---- cluster node records ----
	UpsertSchedulerState(ctx context.Context, rec *types.SchedulerStateRecord) error
	SelectSchedulerStates(ctx context.Context) ([]*types.SchedulerStateRecord, error)
	DeleteSchedulerState(ctx context.Context, instanceID string) error

	// ClearAll removes jobs, triggers, calendars, pause markers and fired
	// records. Scheduler state rows survive.
	ClearAll(ctx context.Context) error
}
