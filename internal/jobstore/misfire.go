package jobstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// Misfire 處理
// ============================================================================

// MisfireResult 一輪 misfire 掃描的結果
type MisfireResult struct {
	HasMore         bool  // 超過批次上限，還有未處理的 misfire
	Processed       int   // 本輪處理的觸發器數
	EarliestNewTime int64 // 重新計算後最早的觸發時間；0 代表沒有
}

// minLoopSleep 背景工作兩輪之間的最短間隔
const minLoopSleep = 50 * time.Millisecond

// misfireTime is the fire time before which a trigger counts as misfired.
func (e *Engine) misfireTime(now int64) int64 {
	if th := e.MisfireThreshold(); th > 0 {
		return now - th
	}
	return now
}

func (e *Engine) isMisfired(t *types.Trigger, now int64) bool {
	return t.NextFireTime != 0 &&
		t.NextFireTime < e.misfireTime(now) &&
		t.MisfireInstruction != types.MisfireIgnore
}

// updateMisfiredTrigger applies the misfire policy when t has misfired and
// reports whether it did.
func (e *Engine) updateMisfiredTrigger(ctx context.Context, u *unit, t *types.Trigger,
	newStateIfNotComplete types.TriggerState, forceState bool) (bool, error) {
	if !e.isMisfired(t, u.now) {
		return false, nil
	}
	return true, e.doUpdateOfMisfiredTrigger(ctx, u, t, forceState, newStateIfNotComplete, false)
}

func (e *Engine) doUpdateOfMisfiredTrigger(ctx context.Context, u *unit, t *types.Trigger,
	forceState bool, newStateIfNotComplete types.TriggerState, recovering bool) error {
	var cal types.Calendar
	if t.CalendarName != "" {
		var err error
		if cal, err = u.SelectCalendar(ctx, t.CalendarName); err != nil {
			return err
		}
	}

	missed := t.Clone()
	u.afterCommit(func() { e.signaler.NotifyTriggerListenersMisfired(missed) })

	t.UpdateAfterMisfire(cal, u.now)

	if t.NextFireTime == 0 {
		if err := e.storeTrigger(ctx, u, t, nil, true, types.StateComplete, forceState, recovering); err != nil {
			return err
		}
		done := t.Clone()
		u.afterCommit(func() { e.signaler.NotifySchedulerListenersFinalized(done) })
		return nil
	}
	return e.storeTrigger(ctx, u, t, nil, true, newStateIfNotComplete, forceState, false)
}

// recoverMisfiredJobs handles one batch of misfired triggers. When
// recovering (startup) the batch is unbounded.
func (e *Engine) recoverMisfiredJobs(ctx context.Context, u *unit, recovering bool) (MisfireResult, error) {
	var res MisfireResult

	limit := e.cfg.MaxMisfiresToHandleAtATime
	if recovering {
		limit = 0
	}
	fetch := 0
	if limit > 0 {
		fetch = limit + 1
	}

	triggers, err := u.SelectMisfiredTriggers(ctx, e.misfireTime(u.now), fetch)
	if err != nil {
		return res, err
	}
	if limit > 0 && len(triggers) > limit {
		res.HasMore = true
		triggers = triggers[:limit]
	}

	switch {
	case res.HasMore:
		e.log.Infow("handling the first misfired triggers, more remain", "count", len(triggers))
	case len(triggers) > 0:
		e.log.Infow("handling misfired triggers", "count", len(triggers))
	}

	for _, t := range triggers {
		if err := e.doUpdateOfMisfiredTrigger(ctx, u, t, false, types.StateWaiting, recovering); err != nil {
			return res, err
		}
		if t.NextFireTime != 0 && (res.EarliestNewTime == 0 || t.NextFireTime < res.EarliestNewTime) {
			res.EarliestNewTime = t.NextFireTime
		}
	}
	res.Processed = len(triggers)
	if res.Processed > 0 {
		n := res.Processed
		u.afterCommit(func() { e.metrics.RecordMisfired(n) })
	}
	return res, nil
}

// RecoverMisfires 執行一輪 misfire 掃描
//
// 開啟 DoubleCheckMisfires 時先以不取鎖的 count 查詢確認有 misfire，
// 避免在 misfire 罕見時搶 TRIGGER_ACCESS。
func (e *Engine) RecoverMisfires(ctx context.Context) (MisfireResult, error) {
	if e.cfg.DoubleCheckMisfires {
		var count int
		err := e.executeWithoutLock(ctx, func(u *unit) error {
			var err error
			count, err = u.CountMisfiredTriggers(ctx, e.misfireTime(u.now))
			return err
		})
		if err != nil {
			return MisfireResult{}, err
		}
		if count == 0 {
			return MisfireResult{}, nil
		}
	}

	var res MisfireResult
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		var err error
		res, err = e.recoverMisfiredJobs(ctx, u, false)
		return err
	})
	return res, err
}

func (e *Engine) newRetryBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.RetryInterval / 10
	if bo.InitialInterval < minLoopSleep {
		bo.InitialInterval = minLoopSleep
	}
	bo.MaxInterval = e.cfg.RetryInterval
	bo.MaxElapsedTime = 0
	bo.Clock = e.clock
	bo.Reset()
	return bo
}

// misfireSleep picks the delay before the next scan.
func (e *Engine) misfireSleep(res MisfireResult, elapsed time.Duration) time.Duration {
	if res.HasMore {
		return minLoopSleep
	}
	d := e.cfg.MisfireThreshold - elapsed
	if res.EarliestNewTime != 0 {
		until := time.Duration(res.EarliestNewTime-e.now()) * time.Millisecond
		if until > 0 && until < d {
			d = until
		}
	}
	if d < minLoopSleep {
		d = minLoopSleep
	}
	return d
}

func (e *Engine) misfireLoop(ctx context.Context) {
	defer e.bgWg.Done()

	bo := e.newRetryBackOff()
	failLog := rate.Sometimes{First: 3, Interval: time.Minute}

	for {
		start := e.clock.Now()
		res, err := e.RecoverMisfires(ctx)

		var sleep time.Duration
		switch {
		case ctx.Err() != nil || errors.Is(err, ErrSchedulerShuttingDown):
			return
		case err != nil:
			failLog.Do(func() { e.log.Errorw("misfire handling failed", "error", err) })
			sleep = bo.NextBackOff()
		default:
			bo.Reset()
			if res.Processed > 0 {
				e.signaler.SignalSchedulingChange(res.EarliestNewTime)
			}
			sleep = e.misfireSleep(res, e.clock.Since(start))
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(sleep):
		}
	}
}
