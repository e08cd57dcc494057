package jobstore

import (
	"context"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// RecoverJobs 非叢集模式啟動時的完整恢復
//
// 上次關閉（或崩潰）時還在進行中的觸發器全部放回可排程狀態：
//  1. ACQUIRED / BLOCKED -> WAITING，PAUSED_BLOCKED -> PAUSED
//  2. 執行到一半的觸發器依是否還有下次觸發時間改為 WAITING / COMPLETE
//  3. 清除所有 fired 紀錄後，不限數量處理 misfire
//  4. 要求恢復的任務建立一次性的 recovery trigger
//  5. 刪除殘留的 COMPLETE 觸發器
func (e *Engine) RecoverJobs(ctx context.Context) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		fired, err := u.SelectFiredTriggers(ctx, "")
		if err != nil {
			return err
		}

		released := 0
		for _, from := range []types.TriggerState{types.StateAcquired, types.StateBlocked} {
			n, err := e.moveAllInState(ctx, u, from, types.StateWaiting)
			if err != nil {
				return err
			}
			released += n
		}
		if _, err := e.moveAllInState(ctx, u, types.StatePausedBlocked, types.StatePaused); err != nil {
			return err
		}

		executing, err := u.SelectTriggerKeysInState(ctx, types.StateExecuting)
		if err != nil {
			return err
		}
		for _, key := range executing {
			t, err := u.SelectTrigger(ctx, key)
			if err != nil {
				return err
			}
			if t != nil {
				if err := e.settleExecutingTrigger(ctx, u, t); err != nil {
					return err
				}
			}
		}
		e.log.Infow("freed triggers from in-progress states",
			"released", released, "executing", len(executing))

		if _, err := u.DeleteFiredTriggers(ctx, ""); err != nil {
			return err
		}

		if _, err := e.recoverMisfiredJobs(ctx, u, true); err != nil {
			return err
		}

		recovering := 0
		for _, ft := range fired {
			if ft.State != types.StateExecuting || !ft.RequestsRecovery {
				continue
			}
			orig, err := u.SelectTrigger(ctx, ft.TriggerKey)
			if err != nil {
				return err
			}
			ok, err := e.storeRecoveryTrigger(ctx, u, ft, orig)
			if err != nil {
				return err
			}
			if ok {
				recovering++
			}
		}
		if recovering > 0 {
			e.log.Infow("recovery triggers scheduled for interrupted jobs", "count", recovering)
			u.afterCommit(func() { e.metrics.RecordRecovered(recovering) })
		}

		complete, err := u.SelectTriggerKeysInState(ctx, types.StateComplete)
		if err != nil {
			return err
		}
		for _, key := range complete {
			if _, err := e.removeTrigger(ctx, u, key); err != nil {
				return err
			}
		}
		if len(complete) > 0 {
			e.log.Infow("removed lingering complete triggers", "count", len(complete))
		}
		return nil
	})
}

func (e *Engine) moveAllInState(ctx context.Context, u *unit, from, to types.TriggerState) (int, error) {
	keys, err := u.SelectTriggerKeysInState(ctx, from)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if _, err := u.UpdateTriggerStateFrom(ctx, key, to, from); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
