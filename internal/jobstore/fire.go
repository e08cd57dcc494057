package jobstore

import (
	"context"

	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 觸發與完成
// ============================================================================

// TriggersFired 把已取得的觸發器轉為 EXECUTING 並推進排程
//
// 每個觸發器各自回傳一個 FireResult；狀態已不是 ACQUIRED（例如在取得
// 與觸發之間被暫停或刪除）或日曆不見時 Bundle 為 nil，執行端略過即可。
func (e *Engine) TriggersFired(ctx context.Context, triggers []*types.Trigger) ([]types.FireResult, error) {
	var results []types.FireResult
	err := e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		results = make([]types.FireResult, 0, len(triggers))
		fired := 0
		for _, t := range triggers {
			bundle, err := e.triggerFired(ctx, u, t)
			if err != nil {
				return err
			}
			if bundle != nil {
				fired++
			}
			results = append(results, types.FireResult{Bundle: bundle})
		}
		if fired > 0 {
			u.afterCommit(func() { e.metrics.RecordFired(fired) })
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) triggerFired(ctx context.Context, u *unit, in *types.Trigger) (*types.TriggerFiredBundle, error) {
	state, err := u.SelectTriggerState(ctx, in.Key)
	if err != nil || state != types.StateAcquired {
		return nil, err
	}
	t, err := u.SelectTrigger(ctx, in.Key)
	if err != nil || t == nil {
		return nil, err
	}
	fireID := t.FireInstanceID
	if fireID == "" {
		fireID = in.FireInstanceID
	}

	job, err := u.SelectJob(ctx, t.JobKey)
	if err != nil {
		return nil, err
	}
	if job == nil {
		e.log.Warnw("fired trigger references missing job, setting ERROR", "trigger", t.Key, "job", t.JobKey)
		if _, err := u.UpdateTriggerStateFrom(ctx, t.Key, types.StateError); err != nil {
			return nil, err
		}
		if fireID != "" {
			if err := u.DeleteFiredTrigger(ctx, fireID); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	var cal types.Calendar
	if t.CalendarName != "" {
		if cal, err = u.SelectCalendar(ctx, t.CalendarName); err != nil {
			return nil, err
		}
		if cal == nil {
			return nil, nil
		}
	}

	if err := u.UpdateFiredTrigger(ctx, &types.FiredTriggerRecord{
		FireInstanceID:   fireID,
		TriggerKey:       t.Key,
		JobKey:           t.JobKey,
		InstanceID:       e.instanceID,
		FiredTime:        u.now,
		ScheduledTime:    t.NextFireTime,
		Priority:         t.Priority,
		State:            types.StateExecuting,
		NonConcurrent:    job.DisallowConcurrentExecution,
		RequestsRecovery: job.RequestsRecovery,
	}); err != nil {
		return nil, err
	}

	prev := t.PreviousFireTime
	t.Triggered(cal)

	if job.DisallowConcurrentExecution {
		if _, err := u.UpdateTriggerStatesForJobFrom(ctx, job.Key, types.StateBlocked,
			types.StateWaiting, types.StateAcquired); err != nil {
			return nil, err
		}
		if _, err := u.UpdateTriggerStatesForJobFrom(ctx, job.Key, types.StatePausedBlocked,
			types.StatePaused); err != nil {
			return nil, err
		}
	}

	t.FireInstanceID = fireID
	if err := u.UpdateTrigger(ctx, t, types.StateExecuting); err != nil {
		return nil, err
	}

	return &types.TriggerFiredBundle{
		Job:               job,
		Trigger:           t.Clone(),
		Calendar:          cal,
		Recovering:        t.Key.Group == types.RecoveringJobsGroup,
		FireTime:          u.now,
		ScheduledFireTime: t.PreviousFireTime,
		PrevFireTime:      prev,
		NextFireTime:      t.NextFireTime,
	}, nil
}

// TriggeredJobComplete 執行完成後依指令更新觸發器與任務
func (e *Engine) TriggeredJobComplete(ctx context.Context, t *types.Trigger, job *types.JobDetail,
	instr types.CompletedExecutionInstruction) error {
	return e.executeInLock(ctx, lock.TriggerAccess, func(u *unit) error {
		if err := e.triggeredJobComplete(ctx, u, t, job, instr); err != nil {
			return err
		}
		u.afterCommit(func() {
			e.metrics.RecordCompleted(instr)
			e.signaler.SignalSchedulingChange(0)
		})
		return nil
	})
}

func (e *Engine) triggeredJobComplete(ctx context.Context, u *unit, t *types.Trigger, job *types.JobDetail,
	instr types.CompletedExecutionInstruction) error {
	stored, err := u.SelectTrigger(ctx, t.Key)
	if err != nil {
		return err
	}
	fireID := t.FireInstanceID
	if fireID == "" && stored != nil {
		fireID = stored.FireInstanceID
	}

	if stored != nil && instr != types.InstructionReExecuteJob {
		if err := e.settleExecutingTrigger(ctx, u, stored); err != nil {
			return err
		}
	}

	switch instr {
	case types.InstructionReExecuteJob:
		if stored != nil {
			if stored.NextFireTime == 0 {
				stored.NextFireTime = u.now
			}
			stored.FireInstanceID = ""
			if err := u.UpdateTrigger(ctx, stored, types.StateWaiting); err != nil {
				return err
			}
		}
	case types.InstructionSetTriggerComplete:
		if _, err := u.UpdateTriggerStateFrom(ctx, t.Key, types.StateComplete); err != nil {
			return err
		}
		done := t.Clone()
		u.afterCommit(func() { e.signaler.NotifySchedulerListenersFinalized(done) })
	case types.InstructionDeleteTrigger:
		if t.NextFireTime == 0 {
			// the caller's copy is done, but the stored trigger may have been
			// rescheduled while the job ran
			if stored != nil && stored.NextFireTime == 0 {
				if _, err := e.removeTrigger(ctx, u, t.Key); err != nil {
					return err
				}
			}
		} else {
			if _, err := e.removeTrigger(ctx, u, t.Key); err != nil {
				return err
			}
		}
	case types.InstructionSetAllJobTriggersComplete:
		if _, err := u.UpdateTriggerStatesForJobFrom(ctx, t.JobKey, types.StateComplete); err != nil {
			return err
		}
		done := t.Clone()
		u.afterCommit(func() { e.signaler.NotifySchedulerListenersFinalized(done) })
	case types.InstructionSetTriggerError:
		e.log.Infow("trigger set to ERROR state", "trigger", t.Key)
		if _, err := u.UpdateTriggerStateFrom(ctx, t.Key, types.StateError); err != nil {
			return err
		}
	case types.InstructionSetAllJobTriggersError:
		e.log.Infow("all triggers of job set to ERROR state", "job", t.JobKey)
		if _, err := u.UpdateTriggerStatesForJobFrom(ctx, t.JobKey, types.StateError); err != nil {
			return err
		}
	}

	if job != nil {
		if job.DisallowConcurrentExecution {
			if err := e.unblockJobTriggers(ctx, u, job.Key); err != nil {
				return err
			}
		}
		if job.PersistJobDataAfterExecution {
			if err := u.UpdateJobData(ctx, job.Key, job.JobData); err != nil {
				return err
			}
		}
	}

	if fireID != "" {
		return u.DeleteFiredTrigger(ctx, fireID)
	}
	return nil
}

// settleExecutingTrigger moves a trigger out of EXECUTING once its run is
// over: WAITING when it has another fire time, COMPLETE otherwise.
// A trigger paused during the run keeps its pause unless it has nothing
// left to fire.
func (e *Engine) settleExecutingTrigger(ctx context.Context, u *unit, t *types.Trigger) error {
	state, err := u.SelectTriggerState(ctx, t.Key)
	if err != nil {
		return err
	}
	switch {
	case state == types.StateExecuting:
	case state.IsPaused() && t.NextFireTime == 0:
	default:
		return nil
	}
	t.FireInstanceID = ""
	if t.NextFireTime == 0 {
		return e.completeTrigger(ctx, u, t)
	}
	return u.UpdateTrigger(ctx, t, types.StateWaiting)
}

func (e *Engine) completeTrigger(ctx context.Context, u *unit, t *types.Trigger) error {
	if err := u.UpdateTrigger(ctx, t, types.StateComplete); err != nil {
		return err
	}
	done := t.Clone()
	u.afterCommit(func() { e.signaler.NotifySchedulerListenersFinalized(done) })
	return nil
}

// unblockJobTriggers releases the siblings a non-concurrent run blocked.
func (e *Engine) unblockJobTriggers(ctx context.Context, u *unit, jobKey types.JobKey) error {
	if _, err := u.UpdateTriggerStatesForJobFrom(ctx, jobKey, types.StateWaiting, types.StateBlocked); err != nil {
		return err
	}
	_, err := u.UpdateTriggerStatesForJobFrom(ctx, jobKey, types.StatePaused, types.StatePausedBlocked)
	return err
}
