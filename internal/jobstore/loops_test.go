package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// 背景工作（fake clock）
// ============================================================================

func TestMisfireLoopRecoversAndSignals(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		e := env.engine("n1", false)
		require.NoError(t, e.SchedulerStarted(env.ctx))
		t.Cleanup(func() { _ = e.Shutdown(context.Background()) })

		// first pass found nothing; the loop is asleep
		env.clock.BlockUntil(1)

		t0 := env.now()
		hour := time.Hour.Milliseconds()
		require.NoError(t, e.StoreJobAndTrigger(env.ctx, newJob("job"), repeating(newTrigger("hourly", "job", t0+1000), hour)))
		before := len(env.sig.signalList())

		env.advance(2 * time.Minute)
		env.clock.BlockUntil(1)

		assert.Equal(t, 1, env.sig.misfiredCount())
		got, err := e.RetrieveTrigger(env.ctx, types.NewTriggerKey("hourly", "g"))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, t0+1000+hour, got.NextFireTime)
		assertState(t, env, e, "hourly", types.StateWaiting)

		signals := env.sig.signalList()[before:]
		assert.Equal(t, []int64{t0 + 1000 + hour}, signals)
	})
}

func TestClusterLoopRecoversFailedPeer(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		a := env.engine("A", true)
		_, err := a.DoCheckin(env.ctx)
		require.NoError(t, err)
		require.NoError(t, a.StoreJobAndTrigger(env.ctx, newJob("job"), repeating(newTrigger("t1", "job", env.now()), 60_000)))
		acquired, err := a.AcquireNextTriggers(env.ctx, env.now(), 1, 0)
		require.NoError(t, err)
		require.Len(t, acquired, 1)

		b := env.engine("B", true)
		require.NoError(t, b.SchedulerStarted(env.ctx))
		t.Cleanup(func() { _ = b.Shutdown(context.Background()) })

		// misfire loop + cluster loop asleep; A is still considered alive
		env.clock.BlockUntil(2)
		assertState(t, env, b, "t1", types.StateAcquired)

		// A never checks in again; B's loop takes over once A is overdue
		for i := 0; i < 4; i++ {
			env.advance(7500 * time.Millisecond)
			env.clock.BlockUntil(2)
		}
		assertState(t, env, b, "t1", types.StateWaiting)
		assert.Contains(t, env.sig.signalList(), int64(0))

		got, err := b.AcquireNextTriggers(env.ctx, env.now(), 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, keyNames(got))
	})
}
