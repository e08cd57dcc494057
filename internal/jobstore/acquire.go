package jobstore

import (
	"context"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 取得協定
// ============================================================================

// maxAcquireRounds bounds how often a batch refetches candidates after
// skipping excluded or misfired triggers.
const maxAcquireRounds = 3

// CompareDue orders triggers by next fire time, then priority (higher
// first), then key.
func CompareDue(a, b *types.Trigger) int {
	switch {
	case a.NextFireTime < b.NextFireTime:
		return -1
	case a.NextFireTime > b.NextFireTime:
		return 1
	case a.Priority > b.Priority:
		return -1
	case a.Priority < b.Priority:
		return 1
	}
	return types.Key(a.Key).Compare(types.Key(b.Key))
}

func dueComparator(a, b interface{}) int {
	return CompareDue(a.(*types.Trigger), b.(*types.Trigger))
}

// AcquireNextTriggers 取得即將觸發的觸發器並標記為 ACQUIRED
//
// 參數：
//   - noLaterThan: 本輪可接受的最晚觸發時間（Unix 毫秒）
//   - maxCount: 最多回傳幾個
//   - timeWindow: 額外的批次寬限；之後的觸發器不得晚於「第一個被接受的觸發
//     時間 + timeWindow」，已經到期（不晚於現在）的觸發器除外
//
// 同一個不可重入任務在同一批次中最多只會有一個觸發器。整批在同一個
// unit of work 內完成，失敗時全部 rollback，不會有部分取得。
func (e *Engine) AcquireNextTriggers(ctx context.Context, noLaterThan int64, maxCount int, timeWindow int64) ([]*types.Trigger, error) {
	if maxCount < 1 {
		maxCount = 1
	}
	var acquired []*types.Trigger
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		var err error
		acquired, err = e.acquireNextTriggers(ctx, u, noLaterThan, maxCount, timeWindow)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func (e *Engine) acquireNextTriggers(ctx context.Context, u *unit, noLaterThan int64, maxCount int, timeWindow int64) ([]*types.Trigger, error) {
	var acquired []*types.Trigger

	batchEnd := noLaterThan + timeWindow
	firstFire := int64(0)
	seen := make(map[types.TriggerKey]struct{})
	nonConcurrentInBatch := make(map[types.JobKey]struct{})
	jobs := make(map[types.JobKey]*types.JobDetail)

	for round := 0; round < maxAcquireRounds && len(acquired) < maxCount; round++ {
		limit := maxCount - len(acquired) + len(seen)
		candidates, err := u.SelectTriggersToAcquire(ctx, batchEnd, limit)
		if err != nil {
			return nil, err
		}

		heap := binaryheap.NewWith(dueComparator)
		for _, t := range candidates {
			if _, ok := seen[t.Key]; !ok {
				heap.Push(t)
			}
		}
		if heap.Empty() {
			break
		}

		stop := false
		for len(acquired) < maxCount {
			v, ok := heap.Pop()
			if !ok {
				break
			}
			t := v.(*types.Trigger)
			seen[t.Key] = struct{}{}

			if t.NextFireTime == 0 {
				continue
			}

			if e.isMisfired(t, u.now) {
				if err := e.doUpdateOfMisfiredTrigger(ctx, u, t, false, types.StateWaiting, false); err != nil {
					return nil, err
				}
				state, err := u.SelectTriggerState(ctx, t.Key)
				if err != nil {
					return nil, err
				}
				if t.NextFireTime != 0 && t.NextFireTime <= batchEnd && state == types.StateWaiting {
					delete(seen, t.Key)
					heap.Push(t)
				}
				continue
			}

			if t.NextFireTime > batchEnd {
				stop = true
				break
			}
			// 第一個被接受的觸發器決定批次上界；已經到期的觸發器不受限
			if firstFire != 0 && t.NextFireTime > max(firstFire+timeWindow, u.now) {
				stop = true
				break
			}

			job, ok := jobs[t.JobKey]
			if !ok {
				if job, err = u.SelectJob(ctx, t.JobKey); err != nil {
					return nil, err
				}
				jobs[t.JobKey] = job
			}
			if job == nil {
				e.log.Warnw("trigger references missing job, setting ERROR", "trigger", t.Key, "job", t.JobKey)
				if _, err := u.UpdateTriggerStateFrom(ctx, t.Key, types.StateError); err != nil {
					return nil, err
				}
				continue
			}

			if job.DisallowConcurrentExecution {
				if _, dup := nonConcurrentInBatch[job.Key]; dup {
					// stays WAITING for a later batch
					continue
				}
				nonConcurrentInBatch[job.Key] = struct{}{}
			}

			t.FireInstanceID = e.nextFireInstanceID()
			if err := u.UpdateTrigger(ctx, t, types.StateAcquired); err != nil {
				return nil, err
			}
			rec := &types.FiredTriggerRecord{
				FireInstanceID:   t.FireInstanceID,
				TriggerKey:       t.Key,
				JobKey:           t.JobKey,
				InstanceID:       e.instanceID,
				FiredTime:        u.now,
				ScheduledTime:    t.NextFireTime,
				Priority:         t.Priority,
				State:            types.StateAcquired,
				NonConcurrent:    job.DisallowConcurrentExecution,
				RequestsRecovery: job.RequestsRecovery,
			}
			if err := u.InsertFiredTrigger(ctx, rec); err != nil {
				return nil, err
			}

			if firstFire == 0 {
				firstFire = t.NextFireTime
			}
			acquired = append(acquired, t.Clone())
		}

		if stop || len(candidates) < limit {
			break
		}
	}

	if n := len(acquired); n > 0 {
		u.afterCommit(func() { e.metrics.RecordAcquired(n) })
	}
	return acquired, nil
}

// ReleaseAcquiredTrigger 把 ACQUIRED 的觸發器還回 WAITING（執行端決定不觸發）
func (e *Engine) ReleaseAcquiredTrigger(ctx context.Context, t *types.Trigger) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		stored, err := u.SelectTrigger(ctx, t.Key)
		if err != nil {
			return err
		}
		fireID := t.FireInstanceID
		if stored != nil {
			if fireID == "" {
				fireID = stored.FireInstanceID
			}
			state, err := u.SelectTriggerState(ctx, t.Key)
			if err != nil {
				return err
			}
			if state == types.StateAcquired || state == types.StateBlocked {
				newState := types.StateWaiting
				if state == types.StateBlocked {
					if newState, err = e.checkBlockedState(ctx, u, stored.JobKey, types.StateWaiting); err != nil {
						return err
					}
				}
				stored.FireInstanceID = ""
				if err := u.UpdateTrigger(ctx, stored, newState); err != nil {
					return err
				}
				next := stored.NextFireTime
				u.afterCommit(func() { e.signaler.SignalSchedulingChange(next) })
			}
		}
		if fireID != "" {
			if err := u.DeleteFiredTrigger(ctx, fireID); err != nil {
				return err
			}
		}
		u.afterCommit(e.metrics.RecordReleased)
		return nil
	})
}
