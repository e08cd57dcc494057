package jobstore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// fireDue acquires everything due now, fires it and returns the bundles.
func fireDue(t *testing.T, env *testEnv, e *jobstore.Engine) []*types.TriggerFiredBundle {
	t.Helper()
	acquired, err := e.AcquireNextTriggers(env.ctx, env.now(), 10, 0)
	require.NoError(t, err)
	res, err := e.TriggersFired(env.ctx, acquired)
	require.NoError(t, err)
	var out []*types.TriggerFiredBundle
	for _, r := range res {
		if r.Bundle != nil {
			out = append(out, r.Bundle)
		}
	}
	return out
}

func TestTriggersFiredBundle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		t0 := env.now()
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), repeating(newTrigger("t1", "job", t0), 1000)))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		b := bundles[0]
		assert.Equal(t, "job", b.Job.Key.Name)
		assert.Equal(t, t0, b.FireTime)
		assert.Equal(t, t0, b.ScheduledFireTime)
		assert.Equal(t, int64(0), b.PrevFireTime)
		assert.Equal(t, t0+1000, b.NextFireTime)
		assert.False(t, b.Recovering)
		assert.Equal(t, 1, b.Trigger.TimesTriggered)
		assertState(t, env, e, "t1", types.StateExecuting)

		// a second fire of the same (now EXECUTING) trigger yields nothing
		res, err := e.TriggersFired(env.ctx, []*types.Trigger{b.Trigger})
		require.NoError(t, err)
		assert.Nil(t, res[0].Bundle)
	})
}

func TestTriggersFiredSkipsVanishedCalendar(t *testing.T) {
	// the SQL schema has no calendar foreign key, so both backends allow this
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		require.NoError(t, e.StoreCalendar(env.ctx, "cal", types.NewRangeCalendar(), false, false))
		tr := newTrigger("t1", "job", env.now())
		tr.CalendarName = "cal"
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), tr))

		acquired, err := e.AcquireNextTriggers(env.ctx, env.now(), 1, 0)
		require.NoError(t, err)
		require.Len(t, acquired, 1)

		backend, _ := env.nodes(t)
		tx, err := backend.Begin(env.ctx, false)
		require.NoError(t, err)
		_, err = tx.DeleteCalendar(env.ctx, "cal")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		res, err := e.TriggersFired(env.ctx, acquired)
		require.NoError(t, err)
		assert.Nil(t, res[0].Bundle)
		assertState(t, env, e, "t1", types.StateAcquired)
	})
}

func TestCompleteDeleteTrigger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), newTrigger("once", "job", env.now())))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		b := bundles[0]
		require.Zero(t, b.Trigger.NextFireTime)

		instr := b.Trigger.ExecutionComplete(nil)
		require.Equal(t, types.InstructionDeleteTrigger, instr)
		require.NoError(t, e.TriggeredJobComplete(env.ctx, b.Trigger, b.Job, instr))

		assertState(t, env, e, "once", types.StateNone)
		job, err := e.RetrieveJob(env.ctx, b.Job.Key)
		require.NoError(t, err)
		assert.Nil(t, job, "non-durable job without triggers is removed")
		assert.Contains(t, env.sig.finalizedKeys(), b.Trigger.Key)
	})
}

func TestCompleteDeleteTriggerSkipsRescheduled(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), newTrigger("once", "job", env.now())))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		b := bundles[0]

		// rescheduled while the job ran
		again := newTrigger("once", "job", env.now()+60_000)
		require.NoError(t, e.StoreTrigger(env.ctx, again, true))

		require.NoError(t, e.TriggeredJobComplete(env.ctx, b.Trigger, b.Job, types.InstructionDeleteTrigger))
		assertState(t, env, e, "once", types.StateWaiting)
	})
}

func TestCompleteInstructions(t *testing.T) {
	cases := []struct {
		instr types.CompletedExecutionInstruction
		t1    types.TriggerState
		t2    types.TriggerState
	}{
		{types.InstructionNoop, types.StateWaiting, types.StateWaiting},
		{types.InstructionSetTriggerComplete, types.StateComplete, types.StateWaiting},
		{types.InstructionSetTriggerError, types.StateError, types.StateWaiting},
		{types.InstructionSetAllJobTriggersComplete, types.StateComplete, types.StateComplete},
		{types.InstructionSetAllJobTriggersError, types.StateError, types.StateError},
	}
	for _, tc := range cases {
		t.Run(tc.instr.String(), func(t *testing.T) {
			forEachBackend(t, func(t *testing.T, env *testEnv) {
				e := env.engine("n1", false)
				require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), repeating(newTrigger("t1", "job", env.now()), 1000)))
				require.NoError(t, e.StoreTrigger(env.ctx, repeating(newTrigger("t2", "job", env.now()+500), 1000), false))

				bundles := fireDue(t, env, e)
				require.Len(t, bundles, 1)
				require.NoError(t, e.TriggeredJobComplete(env.ctx, bundles[0].Trigger, bundles[0].Job, tc.instr))

				assertState(t, env, e, "t1", tc.t1)
				assertState(t, env, e, "t2", tc.t2)
			})
		})
	}
}

func TestCompleteReExecute(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), newTrigger("once", "job", env.now())))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		require.NoError(t, e.TriggeredJobComplete(env.ctx, bundles[0].Trigger, bundles[0].Job, types.InstructionReExecuteJob))

		// exhausted one-shot trigger is put back for an immediate refire
		assertState(t, env, e, "once", types.StateWaiting)
		bundles = fireDue(t, env, e)
		assert.Len(t, bundles, 1)
	})
}

func TestCompletePersistsJobData(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		job := newJob("counter")
		job.PersistJobDataAfterExecution = true
		job.DisallowConcurrentExecution = true
		job.JobData = types.JobDataMap{"runs": "0"}
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, job, repeating(newTrigger("t1", "counter", env.now()), 1000)))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		ran := bundles[0].Job
		ran.JobData["runs"] = "1"
		require.NoError(t, e.TriggeredJobComplete(env.ctx, bundles[0].Trigger, ran, types.InstructionNoop))

		got, err := e.RetrieveJob(env.ctx, job.Key)
		require.NoError(t, err)
		assert.Equal(t, "1", got.JobData.GetString("runs"))
	})
}

func TestMisfireRecoveryIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		t0 := env.now()
		tr := repeating(newTrigger("t1", "job", t0), 10_000)
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), tr))

		env.advance(5 * time.Minute)
		res, err := e.RecoverMisfires(env.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Processed)
		assert.False(t, res.HasMore)
		assert.Equal(t, t0+310_000, res.EarliestNewTime)

		first, err := e.RetrieveTrigger(env.ctx, tr.Key)
		require.NoError(t, err)
		firstState, err := e.GetTriggerState(env.ctx, tr.Key)
		require.NoError(t, err)

		res, err = e.RecoverMisfires(env.ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Processed)

		second, err := e.RetrieveTrigger(env.ctx, tr.Key)
		require.NoError(t, err)
		secondState, err := e.GetTriggerState(env.ctx, tr.Key)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, types.StateWaiting, firstState)
		assert.Equal(t, firstState, secondState)
		assert.Equal(t, 1, env.sig.misfiredCount())
	})
}

func TestMisfireBatchLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		backend, sem := env.nodes(t)
		cfg := jobstore.DefaultConfig()
		cfg.InstanceID = "n1"
		cfg.MaxMisfiresToHandleAtATime = 2
		e := jobstore.New(backend, sem, jobstore.WithConfig(cfg), jobstore.WithClock(env.clock))

		job := newJob("job")
		job.Durable = true
		require.NoError(t, e.StoreJob(env.ctx, job, false))
		for _, name := range []string{"a", "b", "c"} {
			require.NoError(t, e.StoreTrigger(env.ctx, newTrigger(name, "job", env.now()), false))
		}
		env.advance(2 * time.Minute)

		res, err := e.RecoverMisfires(env.ctx)
		require.NoError(t, err)
		assert.True(t, res.HasMore)
		assert.Equal(t, 2, res.Processed)

		res, err = e.RecoverMisfires(env.ctx)
		require.NoError(t, err)
		assert.False(t, res.HasMore)
		assert.Equal(t, 1, res.Processed)
	})
}

func TestMisfireExhaustedTriggerCompletes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		tr := newTrigger("t1", "job", env.now())
		tr.RepeatInterval = 1000
		tr.RepeatCount = 2
		tr.EndTime = env.now() + 5000
		tr.MisfireInstruction = types.MisfireRescheduleNextWithRemainingCount
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), tr))

		env.advance(2 * time.Minute)
		_, err := e.RecoverMisfires(env.ctx)
		require.NoError(t, err)
		assertState(t, env, e, "t1", types.StateComplete)
		assert.Contains(t, env.sig.finalizedKeys(), tr.Key)
	})
}

func TestPauseGroupAppliesToNewTriggers(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		job := newJob("job")
		job.Durable = true
		require.NoError(t, e.StoreJob(env.ctx, job, false))

		paused, err := e.PauseTriggers(env.ctx, types.GroupEquals("g"))
		require.NoError(t, err)
		assert.Equal(t, []string{"g"}, paused)

		require.NoError(t, e.StoreTrigger(env.ctx, newTrigger("late", "job", env.now()), false))
		assertState(t, env, e, "late", types.StatePaused)

		groups, err := e.GetPausedTriggerGroups(env.ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"g"}, groups)

		acquired, err := e.AcquireNextTriggers(env.ctx, env.now(), 10, 0)
		require.NoError(t, err)
		assert.Empty(t, acquired)

		resumed, err := e.ResumeTriggers(env.ctx, types.GroupEquals("g"))
		require.NoError(t, err)
		assert.Equal(t, []string{"g"}, resumed)
		assertState(t, env, e, "late", types.StateWaiting)

		isPaused, err := e.IsTriggerGroupPaused(env.ctx, "g")
		require.NoError(t, err)
		assert.False(t, isPaused)
	})
}

func TestPauseAndResumeBlockedTrigger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		job := newJob("serial")
		job.DisallowConcurrentExecution = true
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, job, repeating(newTrigger("a", "serial", env.now()), 60_000)))
		require.NoError(t, e.StoreTrigger(env.ctx, repeating(newTrigger("b", "serial", env.now()+1000), 60_000), false))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		assertState(t, env, e, "b", types.StateBlocked)

		require.NoError(t, e.PauseTrigger(env.ctx, types.NewTriggerKey("b", "g")))
		assertState(t, env, e, "b", types.StatePausedBlocked)

		// still blocked while a runs
		require.NoError(t, e.ResumeTrigger(env.ctx, types.NewTriggerKey("b", "g")))
		assertState(t, env, e, "b", types.StateBlocked)

		require.NoError(t, e.PauseTrigger(env.ctx, types.NewTriggerKey("b", "g")))
		require.NoError(t, e.TriggeredJobComplete(env.ctx, bundles[0].Trigger, bundles[0].Job, types.InstructionNoop))
		assertState(t, env, e, "b", types.StatePaused)
	})
}

func TestOneShotPausedWhileRunningCompletes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		once := newTrigger("once", "job", env.now())
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), once))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		require.Zero(t, bundles[0].Trigger.NextFireTime)
		assertState(t, env, e, "once", types.StateExecuting)

		require.NoError(t, e.PauseTrigger(env.ctx, once.Key))
		assertState(t, env, e, "once", types.StatePaused)

		require.NoError(t, e.TriggeredJobComplete(env.ctx, bundles[0].Trigger, bundles[0].Job, types.InstructionNoop))
		assertState(t, env, e, "once", types.StateComplete)
		assert.Contains(t, env.sig.finalizedKeys(), once.Key)

		// resume 不能把已經沒有下一次觸發的觸發器放回 WAITING
		require.NoError(t, e.ResumeTrigger(env.ctx, once.Key))
		assertState(t, env, e, "once", types.StateComplete)

		next, err := e.AcquireNextTriggers(env.ctx, env.now()+time.Hour.Milliseconds(), 10, 0)
		require.NoError(t, err)
		assert.Empty(t, next)
	})
}

func TestRepeatingPausedWhileRunningStaysPaused(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		tr := repeating(newTrigger("every", "job", env.now()), 60_000)
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), tr))

		bundles := fireDue(t, env, e)
		require.Len(t, bundles, 1)
		require.NoError(t, e.PauseTrigger(env.ctx, tr.Key))
		require.NoError(t, e.TriggeredJobComplete(env.ctx, bundles[0].Trigger, bundles[0].Job, types.InstructionNoop))
		assertState(t, env, e, "every", types.StatePaused)

		require.NoError(t, e.ResumeTrigger(env.ctx, tr.Key))
		assertState(t, env, e, "every", types.StateWaiting)
	})
}

func TestResumeAppliesMisfirePolicy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		t0 := env.now()
		tr := repeating(newTrigger("t1", "job", t0), 10_000)
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), tr))
		require.NoError(t, e.PauseJob(env.ctx, tr.JobKey))
		assertState(t, env, e, "t1", types.StatePaused)

		env.advance(5 * time.Minute)
		require.NoError(t, e.ResumeJob(env.ctx, tr.JobKey))
		assertState(t, env, e, "t1", types.StateWaiting)

		got, err := e.RetrieveTrigger(env.ctx, tr.Key)
		require.NoError(t, err)
		assert.Equal(t, t0+310_000, got.NextFireTime)
		assert.Equal(t, 1, env.sig.misfiredCount())
	})
}

func TestPauseJobsAndResumeAll(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		for _, g := range []string{"etl", "etl-nightly", "mail"} {
			job := &types.JobDetail{Key: types.NewJobKey("j", g), JobClass: "echo"}
			tr := types.NewTrigger(types.NewTriggerKey("t", g), job.Key, env.now())
			require.NoError(t, e.StoreJobAndTrigger(env.ctx, job, tr))
		}

		groups, err := e.PauseJobs(env.ctx, types.GroupStartsWith("etl"))
		require.NoError(t, err)
		assert.Equal(t, []string{"etl", "etl-nightly"}, groups)

		for g, want := range map[string]types.TriggerState{
			"etl": types.StatePaused, "etl-nightly": types.StatePaused, "mail": types.StateWaiting,
		} {
			state, err := e.GetTriggerState(env.ctx, types.NewTriggerKey("t", g))
			require.NoError(t, err)
			assert.Equal(t, want, state, g)
		}
		paused, err := e.IsJobGroupPaused(env.ctx, "etl")
		require.NoError(t, err)
		assert.True(t, paused)

		require.NoError(t, e.PauseAll(env.ctx))
		// a group created while everything is paused starts paused
		job := &types.JobDetail{Key: types.NewJobKey("j", "fresh"), JobClass: "echo"}
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, job,
			types.NewTrigger(types.NewTriggerKey("t", "fresh"), job.Key, env.now())))
		state, err := e.GetTriggerState(env.ctx, types.NewTriggerKey("t", "fresh"))
		require.NoError(t, err)
		assert.Equal(t, types.StatePaused, state)

		require.NoError(t, e.ResumeAll(env.ctx))
		for _, g := range []string{"etl", "etl-nightly", "mail", "fresh"} {
			state, err := e.GetTriggerState(env.ctx, types.NewTriggerKey("t", g))
			require.NoError(t, err)
			assert.Equal(t, types.StateWaiting, state, g)
		}
		groups, err = e.GetPausedTriggerGroups(env.ctx)
		require.NoError(t, err)
		assert.Empty(t, groups)
		paused, err = e.IsJobGroupPaused(env.ctx, "etl")
		require.NoError(t, err)
		assert.False(t, paused)
	})
}
