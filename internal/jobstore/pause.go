package jobstore

import (
	"context"
	"sort"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 暫停 / 恢復
// ============================================================================

// PauseTrigger 暫停觸發器
func (e *Engine) PauseTrigger(ctx context.Context, key types.TriggerKey) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		return e.pauseTrigger(ctx, u, key)
	})
}

func (e *Engine) pauseTrigger(ctx context.Context, u *unit, key types.TriggerKey) error {
	if _, err := u.UpdateTriggerStateFrom(ctx, key, types.StatePaused,
		types.StateWaiting, types.StateAcquired, types.StateExecuting); err != nil {
		return err
	}
	_, err := u.UpdateTriggerStateFrom(ctx, key, types.StatePausedBlocked, types.StateBlocked)
	return err
}

// ResumeTrigger 恢復觸發器，重新判斷 WAITING / BLOCKED，並處理暫停期間錯過的觸發
func (e *Engine) ResumeTrigger(ctx context.Context, key types.TriggerKey) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		return e.resumeTrigger(ctx, u, key)
	})
}

func (e *Engine) resumeTrigger(ctx context.Context, u *unit, key types.TriggerKey) error {
	state, err := u.SelectTriggerState(ctx, key)
	if err != nil || !state.IsPaused() {
		return err
	}
	t, err := u.SelectTrigger(ctx, key)
	if err != nil || t == nil {
		return err
	}

	// a trigger paused mid-execution goes back to EXECUTING so completion
	// can settle it
	executing, err := e.isExecuting(ctx, u, t)
	if err != nil {
		return err
	}
	if executing {
		_, err := u.UpdateTriggerStateFrom(ctx, key, types.StateExecuting, state)
		return err
	}
	if t.NextFireTime == 0 {
		// 沒有下一次觸發，不能回到 WAITING
		t.FireInstanceID = ""
		return e.completeTrigger(ctx, u, t)
	}

	newState, err := e.checkBlockedState(ctx, u, t.JobKey, types.StateWaiting)
	if err != nil {
		return err
	}

	misfired, err := e.updateMisfiredTrigger(ctx, u, t, newState, true)
	if err != nil {
		return err
	}
	if !misfired {
		if _, err := u.UpdateTriggerStateFrom(ctx, key, newState, state); err != nil {
			return err
		}
	}
	next := t.NextFireTime
	u.afterCommit(func() { e.signaler.SignalSchedulingChange(next) })
	return nil
}

func (e *Engine) isExecuting(ctx context.Context, u *unit, t *types.Trigger) (bool, error) {
	recs, err := u.SelectFiredTriggersForJob(ctx, t.JobKey)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.TriggerKey == t.Key && rec.State == types.StateExecuting {
			return true, nil
		}
	}
	return false, nil
}

// PauseJob 暫停任務的所有觸發器
func (e *Engine) PauseJob(ctx context.Context, key types.JobKey) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		return e.pauseJob(ctx, u, key)
	})
}

func (e *Engine) pauseJob(ctx context.Context, u *unit, key types.JobKey) error {
	triggers, err := u.SelectTriggersForJob(ctx, key)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := e.pauseTrigger(ctx, u, t.Key); err != nil {
			return err
		}
	}
	return nil
}

// ResumeJob 恢復任務的所有觸發器
func (e *Engine) ResumeJob(ctx context.Context, key types.JobKey) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		return e.resumeJob(ctx, u, key)
	})
}

func (e *Engine) resumeJob(ctx context.Context, u *unit, key types.JobKey) error {
	triggers, err := u.SelectTriggersForJob(ctx, key)
	if err != nil {
		return err
	}
	for _, t := range triggers {
		if err := e.resumeTrigger(ctx, u, t.Key); err != nil {
			return err
		}
	}
	return nil
}

// matchingGroups returns the existing groups selected by m. An EQUALS
// matcher always selects its value so that a group can be paused before
// any trigger is stored in it.
func matchingGroups(existing []string, m types.GroupMatcher) []string {
	set := make(map[string]struct{})
	for _, g := range existing {
		if m.Matches(g) {
			set[g] = struct{}{}
		}
	}
	if m.Operator == types.MatchEquals {
		set[m.Value] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// PauseTriggers 暫停符合條件的觸發器群組，回傳被暫停的群組
func (e *Engine) PauseTriggers(ctx context.Context, m types.GroupMatcher) ([]string, error) {
	var paused []string
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		var err error
		paused, err = e.pauseTriggers(ctx, u, m)
		return err
	})
	return paused, err
}

func (e *Engine) pauseTriggers(ctx context.Context, u *unit, m types.GroupMatcher) ([]string, error) {
	existing, err := u.SelectTriggerGroups(ctx)
	if err != nil {
		return nil, err
	}
	groups := matchingGroups(existing, m)

	for _, g := range groups {
		keys, err := u.SelectTriggerKeys(ctx, types.GroupEquals(g))
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := e.pauseTrigger(ctx, u, k); err != nil {
				return nil, err
			}
		}
		if err := u.InsertPausedTriggerGroup(ctx, g); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// ResumeTriggers 恢復符合條件的觸發器群組，回傳被恢復的群組
func (e *Engine) ResumeTriggers(ctx context.Context, m types.GroupMatcher) ([]string, error) {
	var resumed []string
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		var err error
		resumed, err = e.resumeTriggers(ctx, u, m)
		return err
	})
	return resumed, err
}

func (e *Engine) resumeTriggers(ctx context.Context, u *unit, m types.GroupMatcher) ([]string, error) {
	paused, err := u.SelectPausedTriggerGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range paused {
		if g != types.AllGroupsPaused && m.Matches(g) {
			if err := u.DeletePausedTriggerGroup(ctx, g); err != nil {
				return nil, err
			}
		}
	}

	existing, err := u.SelectTriggerGroups(ctx)
	if err != nil {
		return nil, err
	}
	var groups []string
	for _, g := range existing {
		if !m.Matches(g) {
			continue
		}
		groups = append(groups, g)
		keys, err := u.SelectTriggerKeys(ctx, types.GroupEquals(g))
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if err := e.resumeTrigger(ctx, u, k); err != nil {
				return nil, err
			}
		}
	}
	return groups, nil
}

// PauseJobs 暫停符合條件的任務群組，之後存入這些群組任務的觸發器也會是 PAUSED
func (e *Engine) PauseJobs(ctx context.Context, m types.GroupMatcher) ([]string, error) {
	var paused []string
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		existing, err := u.SelectJobGroups(ctx)
		if err != nil {
			return err
		}
		paused = matchingGroups(existing, m)
		for _, g := range paused {
			if err := u.InsertPausedJobGroup(ctx, g); err != nil {
				return err
			}
			keys, err := u.SelectJobKeys(ctx, types.GroupEquals(g))
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := e.pauseJob(ctx, u, k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return paused, err
}

// ResumeJobs 恢復符合條件的任務群組
func (e *Engine) ResumeJobs(ctx context.Context, m types.GroupMatcher) ([]string, error) {
	var resumed []string
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		paused, err := u.SelectPausedJobGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range paused {
			if m.Matches(g) {
				if err := u.DeletePausedJobGroup(ctx, g); err != nil {
					return err
				}
			}
		}

		existing, err := u.SelectJobGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range existing {
			if !m.Matches(g) {
				continue
			}
			resumed = append(resumed, g)
			keys, err := u.SelectJobKeys(ctx, types.GroupEquals(g))
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := e.resumeJob(ctx, u, k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return resumed, err
}

// PauseAll 暫停所有觸發器群組，並標記之後新增的群組也要暫停
func (e *Engine) PauseAll(ctx context.Context) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		if _, err := e.pauseTriggers(ctx, u, types.AnyGroup()); err != nil {
			return err
		}
		return u.InsertPausedTriggerGroup(ctx, types.AllGroupsPaused)
	})
}

// ResumeAll 恢復所有群組並清除所有暫停標記
func (e *Engine) ResumeAll(ctx context.Context) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		if err := u.DeletePausedTriggerGroup(ctx, types.AllGroupsPaused); err != nil {
			return err
		}
		jobGroups, err := u.SelectPausedJobGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range jobGroups {
			if err := u.DeletePausedJobGroup(ctx, g); err != nil {
				return err
			}
		}
		_, err = e.resumeTriggers(ctx, u, types.AnyGroup())
		return err
	})
}
