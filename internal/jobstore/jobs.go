package jobstore

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 任務 / 觸發器 / 日曆的儲存
// ============================================================================

// StoreJob 儲存任務；已存在且 replace 為 false 時回傳 ErrObjectAlreadyExists
func (e *Engine) StoreJob(ctx context.Context, job *types.JobDetail, replace bool) error {
	job = job.Clone()
	if err := job.Validate(); err != nil {
		return err
	}
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		return e.storeJob(ctx, u, job, replace)
	})
}

func (e *Engine) storeJob(ctx context.Context, u *unit, job *types.JobDetail, replace bool) error {
	existing, err := u.SelectJob(ctx, job.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		if !replace {
			return errors.Wrapf(ErrObjectAlreadyExists, "job %s", job.Key)
		}
		return u.UpdateJob(ctx, job)
	}
	return u.InsertJob(ctx, job)
}

// StoreTrigger 儲存觸發器
//
// 觸發器從未計算過觸發時間時，會依其日曆算出第一次觸發時間；算不出來
// 回傳 ErrTriggerWillNeverFire。群組（或任務群組）已暫停時會直接以
// PAUSED 狀態儲存。
func (e *Engine) StoreTrigger(ctx context.Context, t *types.Trigger, replace bool) error {
	t = t.Clone()
	if err := t.Validate(); err != nil {
		return err
	}
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		if err := e.prepareNewTrigger(ctx, u, t); err != nil {
			return err
		}
		if err := e.storeTrigger(ctx, u, t, nil, replace, types.StateWaiting, false, false); err != nil {
			return err
		}
		next := t.NextFireTime
		u.afterCommit(func() { e.signaler.SignalSchedulingChange(next) })
		return nil
	})
}

// StoreJobAndTrigger 在同一個 unit of work 內儲存任務與觸發器
func (e *Engine) StoreJobAndTrigger(ctx context.Context, job *types.JobDetail, t *types.Trigger) error {
	job = job.Clone()
	t = t.Clone()
	if err := job.Validate(); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return err
	}
	if t.JobKey != job.Key {
		return errors.Wrapf(ErrReferentialIntegrity, "trigger %s references job %s, not %s", t.Key, t.JobKey, job.Key)
	}
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		if err := e.storeJob(ctx, u, job, false); err != nil {
			return err
		}
		if err := e.prepareNewTrigger(ctx, u, t); err != nil {
			return err
		}
		if err := e.storeTrigger(ctx, u, t, job, false, types.StateWaiting, false, false); err != nil {
			return err
		}
		next := t.NextFireTime
		u.afterCommit(func() { e.signaler.SignalSchedulingChange(next) })
		return nil
	})
}

// prepareNewTrigger computes the first fire time of a trigger that has
// never been scheduled.
func (e *Engine) prepareNewTrigger(ctx context.Context, u *unit, t *types.Trigger) error {
	if t.NextFireTime != 0 || t.PreviousFireTime != 0 || t.TimesTriggered != 0 {
		return nil
	}
	var cal types.Calendar
	if t.CalendarName != "" {
		var err error
		if cal, err = u.SelectCalendar(ctx, t.CalendarName); err != nil {
			return err
		}
	}
	if t.ComputeFirstFireTime(cal) == 0 {
		return errors.Wrapf(ErrTriggerWillNeverFire, "trigger %s", t.Key)
	}
	return nil
}

// storeTrigger writes t in the requested state. Unless forceState is set,
// a WAITING or ACQUIRED request becomes PAUSED when the trigger's group,
// its job's group or every group is paused, and a non-concurrent job's
// trigger becomes BLOCKED while another of its triggers executes.
func (e *Engine) storeTrigger(ctx context.Context, u *unit, t *types.Trigger, job *types.JobDetail,
	replace bool, state types.TriggerState, forceState, recovering bool) error {
	existing, err := u.SelectTriggerState(ctx, t.Key)
	if err != nil {
		return err
	}
	exists := existing != types.StateNone
	if exists && !replace {
		return errors.Wrapf(ErrObjectAlreadyExists, "trigger %s", t.Key)
	}

	if !forceState {
		paused, err := e.shouldBePaused(ctx, u, t)
		if err != nil {
			return err
		}
		if paused && (state == types.StateWaiting || state == types.StateAcquired) {
			state = types.StatePaused
		}
	}

	if job == nil {
		if job, err = u.SelectJob(ctx, t.JobKey); err != nil {
			return err
		}
	}
	if job == nil {
		return errors.Wrapf(ErrReferentialIntegrity, "trigger %s references missing job %s", t.Key, t.JobKey)
	}

	if job.DisallowConcurrentExecution && !recovering {
		if state, err = e.checkBlockedState(ctx, u, job.Key, state); err != nil {
			return err
		}
	}

	if exists {
		return u.UpdateTrigger(ctx, t, state)
	}
	return u.InsertTrigger(ctx, t, state)
}

func (e *Engine) shouldBePaused(ctx context.Context, u *unit, t *types.Trigger) (bool, error) {
	paused, err := u.IsTriggerGroupPaused(ctx, t.Key.Group)
	if err != nil || paused {
		return paused, err
	}
	all, err := u.IsTriggerGroupPaused(ctx, types.AllGroupsPaused)
	if err != nil {
		return false, err
	}
	if all {
		// remember the group so ResumeTriggers can find it
		if err := u.InsertPausedTriggerGroup(ctx, t.Key.Group); err != nil {
			return false, err
		}
		return true, nil
	}
	return u.IsJobGroupPaused(ctx, t.JobKey.Group)
}

// checkBlockedState maps WAITING/PAUSED to BLOCKED/PAUSED_BLOCKED while the
// job has an executing fired record.
func (e *Engine) checkBlockedState(ctx context.Context, u *unit, jobKey types.JobKey, state types.TriggerState) (types.TriggerState, error) {
	if state != types.StateWaiting && state != types.StatePaused {
		return state, nil
	}
	recs, err := u.SelectFiredTriggersForJob(ctx, jobKey)
	if err != nil {
		return state, err
	}
	for _, rec := range recs {
		if rec.State == types.StateExecuting && rec.NonConcurrent {
			if state == types.StatePaused {
				return types.StatePausedBlocked, nil
			}
			return types.StateBlocked, nil
		}
	}
	return state, nil
}

// RemoveJob 刪除任務與其所有觸發器
func (e *Engine) RemoveJob(ctx context.Context, key types.JobKey) (bool, error) {
	var removed bool
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		triggers, err := u.SelectTriggersForJob(ctx, key)
		if err != nil {
			return err
		}
		for _, t := range triggers {
			if _, err := u.DeleteTrigger(ctx, t.Key); err != nil {
				return err
			}
		}
		removed, err = u.DeleteJob(ctx, key)
		return err
	})
	return removed, err
}

// RemoveTrigger 刪除觸發器；非 durable 任務失去最後一個觸發器時一併刪除
func (e *Engine) RemoveTrigger(ctx context.Context, key types.TriggerKey) (bool, error) {
	var removed bool
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		var err error
		removed, err = e.removeTrigger(ctx, u, key)
		return err
	})
	return removed, err
}

func (e *Engine) removeTrigger(ctx context.Context, u *unit, key types.TriggerKey) (bool, error) {
	t, err := u.SelectTrigger(ctx, key)
	if err != nil || t == nil {
		return false, err
	}
	if _, err := u.DeleteTrigger(ctx, key); err != nil {
		return false, err
	}
	return true, e.removeOrphanedJob(ctx, u, t.JobKey)
}

func (e *Engine) removeOrphanedJob(ctx context.Context, u *unit, jobKey types.JobKey) error {
	job, err := u.SelectJob(ctx, jobKey)
	if err != nil || job == nil || job.Durable {
		return err
	}
	remaining, err := u.SelectTriggersForJob(ctx, jobKey)
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		_, err = u.DeleteJob(ctx, jobKey)
	}
	return err
}

// ReplaceTrigger 以新觸發器取代舊的；兩者必須屬於同一個任務
func (e *Engine) ReplaceTrigger(ctx context.Context, key types.TriggerKey, t *types.Trigger) (bool, error) {
	t = t.Clone()
	if err := t.Validate(); err != nil {
		return false, err
	}
	var replaced bool
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		old, err := u.SelectTrigger(ctx, key)
		if err != nil || old == nil {
			return err
		}
		if old.JobKey != t.JobKey {
			return errors.Wrapf(ErrReferentialIntegrity, "new trigger %s is not for job %s", t.Key, old.JobKey)
		}
		if _, err := u.DeleteTrigger(ctx, key); err != nil {
			return err
		}
		if err := e.prepareNewTrigger(ctx, u, t); err != nil {
			return err
		}
		if err := e.storeTrigger(ctx, u, t, nil, false, types.StateWaiting, false, false); err != nil {
			return err
		}
		replaced = true
		next := t.NextFireTime
		u.afterCommit(func() { e.signaler.SignalSchedulingChange(next) })
		return nil
	})
	return replaced, err
}

// RetrieveJob 取得任務；不存在時回傳 nil
func (e *Engine) RetrieveJob(ctx context.Context, key types.JobKey) (*types.JobDetail, error) {
	var job *types.JobDetail
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		job, err = u.SelectJob(ctx, key)
		return err
	})
	return job, err
}

// RetrieveTrigger 取得觸發器；不存在時回傳 nil
func (e *Engine) RetrieveTrigger(ctx context.Context, key types.TriggerKey) (*types.Trigger, error) {
	var t *types.Trigger
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		t, err = u.SelectTrigger(ctx, key)
		return err
	})
	return t, err
}

// GetTriggerState 觸發器目前狀態；不存在時為 StateNone
func (e *Engine) GetTriggerState(ctx context.Context, key types.TriggerKey) (types.TriggerState, error) {
	state := types.StateNone
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		state, err = u.SelectTriggerState(ctx, key)
		return err
	})
	return state, err
}

// ResetTriggerFromErrorState 把 ERROR 狀態的觸發器放回排程
func (e *Engine) ResetTriggerFromErrorState(ctx context.Context, key types.TriggerKey) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		state, err := u.SelectTriggerState(ctx, key)
		if err != nil || state != types.StateError {
			return err
		}
		t, err := u.SelectTrigger(ctx, key)
		if err != nil || t == nil {
			return err
		}
		t.FireInstanceID = ""
		if err := e.storeTrigger(ctx, u, t, nil, true, types.StateWaiting, false, false); err != nil {
			return err
		}
		next := t.NextFireTime
		u.afterCommit(func() { e.signaler.SignalSchedulingChange(next) })
		return nil
	})
}

// ---- calendars ----

// StoreCalendar 儲存日曆；updateTriggers 時重新計算使用此日曆的觸發器
func (e *Engine) StoreCalendar(ctx context.Context, name string, cal types.Calendar, replace, updateTriggers bool) error {
	if name == "" || cal == nil {
		return errors.New("calendar name and calendar are required")
	}
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		existing, err := u.SelectCalendar(ctx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			return u.InsertCalendar(ctx, name, cal)
		}
		if !replace {
			return errors.Wrapf(ErrObjectAlreadyExists, "calendar %s", name)
		}
		if err := u.UpdateCalendar(ctx, name, cal); err != nil {
			return err
		}
		if !updateTriggers {
			return nil
		}

		triggers, err := u.SelectTriggersForCalendar(ctx, name)
		if err != nil {
			return err
		}
		earliest := int64(0)
		for _, t := range triggers {
			state, err := u.SelectTriggerState(ctx, t.Key)
			if err != nil {
				return err
			}
			t.UpdateWithNewCalendar(cal, u.now, e.MisfireThreshold())
			if err := u.UpdateTrigger(ctx, t, state); err != nil {
				return err
			}
			if t.NextFireTime != 0 && (earliest == 0 || t.NextFireTime < earliest) {
				earliest = t.NextFireTime
			}
		}
		u.afterCommit(func() { e.signaler.SignalSchedulingChange(earliest) })
		return nil
	})
}

// RemoveCalendar 刪除日曆；仍被觸發器引用時回傳 ErrReferentialIntegrity
func (e *Engine) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		users, err := u.SelectTriggersForCalendar(ctx, name)
		if err != nil {
			return err
		}
		if len(users) > 0 {
			return errors.Wrapf(ErrReferentialIntegrity, "calendar %s is referenced by %d trigger(s)", name, len(users))
		}
		removed, err = u.DeleteCalendar(ctx, name)
		return err
	})
	return removed, err
}

// RetrieveCalendar 取得日曆；不存在時回傳 nil
func (e *Engine) RetrieveCalendar(ctx context.Context, name string) (types.Calendar, error) {
	var cal types.Calendar
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		cal, err = u.SelectCalendar(ctx, name)
		return err
	})
	return cal, err
}

// ============================================================================
// 查詢
// ============================================================================

func (e *Engine) GetJobKeys(ctx context.Context, m types.GroupMatcher) ([]types.JobKey, error) {
	var keys []types.JobKey
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		keys, err = u.SelectJobKeys(ctx, m)
		return err
	})
	return keys, err
}

func (e *Engine) GetTriggerKeys(ctx context.Context, m types.GroupMatcher) ([]types.TriggerKey, error) {
	var keys []types.TriggerKey
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		keys, err = u.SelectTriggerKeys(ctx, m)
		return err
	})
	return keys, err
}

func (e *Engine) GetJobGroupNames(ctx context.Context) ([]string, error) {
	var names []string
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		names, err = u.SelectJobGroups(ctx)
		return err
	})
	return names, err
}

func (e *Engine) GetTriggerGroupNames(ctx context.Context) ([]string, error) {
	var names []string
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		names, err = u.SelectTriggerGroups(ctx)
		return err
	})
	return names, err
}

func (e *Engine) GetCalendarNames(ctx context.Context) ([]string, error) {
	var names []string
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		names, err = u.SelectCalendarNames(ctx)
		return err
	})
	return names, err
}

func (e *Engine) GetTriggersForJob(ctx context.Context, key types.JobKey) ([]*types.Trigger, error) {
	var triggers []*types.Trigger
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		triggers, err = u.SelectTriggersForJob(ctx, key)
		return err
	})
	return triggers, err
}

// GetPausedTriggerGroups 已暫停的觸發器群組（不含全域暫停標記）
func (e *Engine) GetPausedTriggerGroups(ctx context.Context) ([]string, error) {
	var groups []string
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		all, err := u.SelectPausedTriggerGroups(ctx)
		for _, g := range all {
			if g != types.AllGroupsPaused {
				groups = append(groups, g)
			}
		}
		return err
	})
	return groups, err
}

func (e *Engine) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	var paused bool
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		paused, err = u.IsTriggerGroupPaused(ctx, group)
		return err
	})
	return paused, err
}

func (e *Engine) IsJobGroupPaused(ctx context.Context, group string) (bool, error) {
	var paused bool
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		paused, err = u.IsJobGroupPaused(ctx, group)
		return err
	})
	return paused, err
}

// Counts 任務、觸發器與日曆的數量
type Counts struct {
	Jobs      int `json:"jobs"`
	Triggers  int `json:"triggers"`
	Calendars int `json:"calendars"`
}

func (e *Engine) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := e.executeWithoutLock(ctx, func(u *unit) error {
		var err error
		if c.Jobs, err = u.CountJobs(ctx); err != nil {
			return err
		}
		if c.Triggers, err = u.CountTriggers(ctx); err != nil {
			return err
		}
		c.Calendars, err = u.CountCalendars(ctx)
		return err
	})
	return c, err
}

// ClearAllSchedulingData 清除所有排程資料（測試與管理用）
func (e *Engine) ClearAllSchedulingData(ctx context.Context) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		return u.ClearAll(ctx)
	})
}
