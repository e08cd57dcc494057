package jobstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 叢集 checkin 與失效節點接手
// ============================================================================
//
// 流程:
//   1. STATE_ACCESS 內找出失效節點並寫入自己的 checkin
//   2. 有失效節點時，另開一個 TRIGGER_ACCESS unit 重新確認後接手
//
// 兩把鎖從不同時持有。第一次 checkin 時自己也算失效節點，用來接手上次
// 崩潰前留下的工作；沒有 checkin 紀錄卻還留著 fired 紀錄的節點視為孤兒。
// ============================================================================

// DoCheckin 執行一次 checkin，回傳是否接手了失效節點的工作
func (e *Engine) DoCheckin(ctx context.Context) (bool, error) {
	e.checkinMu.Lock()
	defer e.checkinMu.Unlock()

	var failed []*types.SchedulerStateRecord
	var checkedIn int64
	err := e.executeInLock(ctx, lock.StateAccess, func(u *unit) error {
		var err error
		if failed, err = e.findFailedInstances(ctx, u); err != nil {
			return err
		}
		checkedIn = u.now
		return u.UpsertSchedulerState(ctx, &types.SchedulerStateRecord{
			InstanceID:      e.instanceID,
			LastCheckin:     u.now,
			CheckinInterval: e.cfg.ClusterCheckinInterval.Milliseconds(),
		})
	})
	if err != nil {
		return false, errors.Wrap(err, "cluster checkin")
	}
	e.lastCheckin = checkedIn

	recovered := false
	if len(failed) > 0 {
		err = e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
			// state may have changed between the two units
			again, err := e.findFailedInstances(ctx, u)
			if err != nil {
				return err
			}
			if len(again) == 0 {
				return nil
			}
			recovered = true
			return e.clusterRecover(ctx, u, again)
		})
		if err != nil {
			return false, errors.Wrap(err, "cluster recovery")
		}
	}

	e.firstCheckin = false
	e.metrics.RecordCheckin(len(failed))
	return recovered, nil
}

// failedIfAfter is the time after which a peer counts as failed. The local
// observed interval covers a node that itself checked in late.
func (e *Engine) failedIfAfter(rec *types.SchedulerStateRecord, now int64) int64 {
	passed := now - e.lastCheckin
	return rec.LastCheckin + max(rec.CheckinInterval, passed) + clusterSlack
}

func (e *Engine) findFailedInstances(ctx context.Context, u *unit) ([]*types.SchedulerStateRecord, error) {
	states, err := u.SelectSchedulerStates(ctx)
	if err != nil {
		return nil, err
	}

	var failed []*types.SchedulerStateRecord
	known := make(map[string]struct{}, len(states))
	foundSelf := false
	for _, rec := range states {
		known[rec.InstanceID] = struct{}{}
		if rec.InstanceID == e.instanceID {
			foundSelf = true
			if e.firstCheckin {
				failed = append(failed, rec)
			}
			continue
		}
		if e.failedIfAfter(rec, u.now) < u.now {
			failed = append(failed, rec)
		}
	}

	if e.firstCheckin {
		ids, err := u.SelectFiredInstanceIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := known[id]; !ok {
				e.log.Warnw("found orphaned fired triggers", "failed_instance", id)
				failed = append(failed, &types.SchedulerStateRecord{InstanceID: id})
			}
		}
	}

	if !foundSelf && !e.firstCheckin {
		e.log.Warnw("this instance is still active but was recovered by another instance in the cluster")
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].InstanceID < failed[j].InstanceID })
	return failed, nil
}

// clusterRecover 接手失效節點的 fired 紀錄
func (e *Engine) clusterRecover(ctx context.Context, u *unit, failed []*types.SchedulerStateRecord) error {
	total := 0
	for _, rec := range failed {
		e.log.Infow("scanning for instance's in-progress jobs", "failed_instance", rec.InstanceID)

		fired, err := u.SelectFiredTriggers(ctx, rec.InstanceID)
		if err != nil {
			return err
		}
		n, err := e.recoverFiredRecords(ctx, u, fired)
		if err != nil {
			return err
		}
		total += n

		if _, err := u.DeleteFiredTriggers(ctx, rec.InstanceID); err != nil {
			return err
		}
		if err := e.removeCompletedTriggers(ctx, u, fired); err != nil {
			return err
		}
		if rec.InstanceID != e.instanceID {
			if err := u.DeleteSchedulerState(ctx, rec.InstanceID); err != nil {
				return err
			}
		}
	}
	if total > 0 {
		u.afterCommit(func() { e.metrics.RecordRecovered(total) })
	}
	return nil
}

// recoverFiredRecords puts every trigger referenced by fired back into a
// schedulable state and queues recovery triggers for interrupted jobs that
// ask for them. It returns the number of recovery triggers created.
func (e *Engine) recoverFiredRecords(ctx context.Context, u *unit, fired []*types.FiredTriggerRecord) (int, error) {
	acquired, executing, recovering := 0, 0, 0
	for _, ft := range fired {
		switch ft.State {
		case types.StateAcquired:
			if _, err := u.UpdateTriggerStateFrom(ctx, ft.TriggerKey, types.StateWaiting, types.StateAcquired); err != nil {
				return 0, err
			}
			acquired++
		case types.StateExecuting:
			executing++
			t, err := u.SelectTrigger(ctx, ft.TriggerKey)
			if err != nil {
				return 0, err
			}
			if t != nil {
				if err := e.settleExecutingTrigger(ctx, u, t); err != nil {
					return 0, err
				}
			}
			if ft.RequestsRecovery {
				ok, err := e.storeRecoveryTrigger(ctx, u, ft, t)
				if err != nil {
					return 0, err
				}
				if ok {
					recovering++
				}
			}
		}
		if ft.NonConcurrent {
			if err := e.unblockJobTriggers(ctx, u, ft.JobKey); err != nil {
				return 0, err
			}
		}
	}
	if len(fired) > 0 {
		e.log.Infow("recovered fired triggers",
			"acquired", acquired, "executing", executing, "recovery_triggers", recovering)
	}
	return recovering, nil
}

// storeRecoveryTrigger schedules a one-shot trigger that re-runs the job of
// an interrupted execution right away. orig may be nil when the original
// trigger is gone.
func (e *Engine) storeRecoveryTrigger(ctx context.Context, u *unit, ft *types.FiredTriggerRecord, orig *types.Trigger) (bool, error) {
	job, err := u.SelectJob(ctx, ft.JobKey)
	if err != nil || job == nil {
		return false, err
	}

	name := fmt.Sprintf("recover_%s_%d", ft.InstanceID, e.recoverSeq.Add(1))
	start := ft.ScheduledTime
	if start <= 0 {
		start = u.now
	}
	rt := types.NewTrigger(types.NewTriggerKey(name, types.RecoveringJobsGroup), ft.JobKey, start)
	rt.Priority = ft.Priority
	rt.MisfireInstruction = types.MisfireIgnore
	if orig != nil {
		rt.JobData = orig.JobData.Clone()
	}
	if rt.JobData == nil {
		rt.JobData = types.JobDataMap{}
	}
	rt.JobData[types.FailedJobOrigTriggerName] = ft.TriggerKey.Name
	rt.JobData[types.FailedJobOrigTriggerGroup] = ft.TriggerKey.Group
	rt.JobData[types.FailedJobOrigTriggerFireTime] = strconv.FormatInt(ft.FiredTime, 10)
	rt.JobData[types.FailedJobOrigTriggerScheduledTime] = strconv.FormatInt(ft.ScheduledTime, 10)
	rt.ComputeFirstFireTime(nil)

	if err := e.storeTrigger(ctx, u, rt, job, false, types.StateWaiting, false, true); err != nil {
		return false, err
	}
	next := rt.NextFireTime
	u.afterCommit(func() { e.signaler.SignalSchedulingChange(next) })
	return true, nil
}

// removeCompletedTriggers drops COMPLETE triggers that no fired record
// references any more.
func (e *Engine) removeCompletedTriggers(ctx context.Context, u *unit, fired []*types.FiredTriggerRecord) error {
	seen := make(map[types.TriggerKey]struct{}, len(fired))
	for _, ft := range fired {
		if _, ok := seen[ft.TriggerKey]; ok {
			continue
		}
		seen[ft.TriggerKey] = struct{}{}

		state, err := u.SelectTriggerState(ctx, ft.TriggerKey)
		if err != nil {
			return err
		}
		if state != types.StateComplete {
			continue
		}
		remaining, err := u.CountFiredTriggersForTrigger(ctx, ft.TriggerKey)
		if err != nil {
			return err
		}
		if remaining == 0 {
			if _, err := e.removeTrigger(ctx, u, ft.TriggerKey); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) clusterLoop(ctx context.Context) {
	defer e.bgWg.Done()

	bo := e.newRetryBackOff()
	failLog := rate.Sometimes{First: 3, Interval: time.Minute}

	for {
		sleep := e.cfg.ClusterCheckinInterval
		if elapsed := time.Duration(e.now()-e.lastCheckinAt()) * time.Millisecond; elapsed < sleep {
			sleep -= elapsed
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(sleep):
		}

		recovered, err := e.DoCheckin(ctx)
		switch {
		case ctx.Err() != nil || errors.Is(err, ErrSchedulerShuttingDown):
			return
		case err != nil:
			failLog.Do(func() { e.log.Errorw("cluster checkin failed", "error", err) })
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(bo.NextBackOff()):
			}
		default:
			bo.Reset()
			if recovered {
				e.signaler.SignalSchedulingChange(0)
			}
		}
	}
}

func (e *Engine) lastCheckinAt() int64 {
	e.checkinMu.Lock()
	defer e.checkinMu.Unlock()
	return e.lastCheckin
}
