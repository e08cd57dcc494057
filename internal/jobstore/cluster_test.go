package jobstore_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

func TestClusterPeersStayAliveWhileCheckingIn(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		a := env.engine("A", true)
		b := env.engine("B", true)

		for i := 0; i < 5; i++ {
			recovered, err := a.DoCheckin(env.ctx)
			require.NoError(t, err)
			assert.False(t, recovered)
			recovered, err = b.DoCheckin(env.ctx)
			require.NoError(t, err)
			assert.False(t, recovered)
			env.advance(7500 * time.Millisecond)
		}
	})
}

func TestClusterRecoversFailedNode(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		a := env.engine("A", true)
		b := env.engine("B", true)

		_, err := a.DoCheckin(env.ctx)
		require.NoError(t, err)
		_, err = b.DoCheckin(env.ctx)
		require.NoError(t, err)

		require.NoError(t, a.StoreJobAndTrigger(env.ctx, newJob("job"), repeating(newTrigger("t1", "job", env.now()), 60_000)))
		acquired, err := a.AcquireNextTriggers(env.ctx, env.now(), 1, 0)
		require.NoError(t, err)
		require.Len(t, acquired, 1)
		assertState(t, env, b, "t1", types.StateAcquired)

		// A stops checking in
		recovered := false
		for i := 0; i < 10 && !recovered; i++ {
			env.advance(7500 * time.Millisecond)
			recovered, err = b.DoCheckin(env.ctx)
			require.NoError(t, err)
		}
		require.True(t, recovered, "B never took over A's work")

		assertState(t, env, b, "t1", types.StateWaiting)
		got, err := b.AcquireNextTriggers(env.ctx, env.now(), 1, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, keyNames(got))

		// A comes back without having crashed; it re-registers itself
		recovered, err = a.DoCheckin(env.ctx)
		require.NoError(t, err)
		assert.False(t, recovered)
	})
}

func TestClusterFirstCheckinClaimsOrphanedRecords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		// ghost acquires but never checks in
		ghost := env.engine("ghost", true)
		require.NoError(t, ghost.StoreJobAndTrigger(env.ctx, newJob("job"), newTrigger("t1", "job", env.now())))
		acquired, err := ghost.AcquireNextTriggers(env.ctx, env.now(), 1, 0)
		require.NoError(t, err)
		require.Len(t, acquired, 1)

		b := env.engine("B", true)
		recovered, err := b.DoCheckin(env.ctx)
		require.NoError(t, err)
		assert.True(t, recovered)
		assertState(t, env, b, "t1", types.StateWaiting)

		// later checkins no longer look for orphans
		recovered, err = b.DoCheckin(env.ctx)
		require.NoError(t, err)
		assert.False(t, recovered)
	})
}

func TestClusterRestartSchedulesRecoveryTrigger(t *testing.T) {
	forEachBackend(t, func(t *testing.T, env *testEnv) {
		a := env.engine("A", true)
		_, err := a.DoCheckin(env.ctx)
		require.NoError(t, err)

		t0 := env.now()
		job := newJob("report")
		job.RequestsRecovery = true
		require.NoError(t, a.StoreJobAndTrigger(env.ctx, job, repeating(newTrigger("hourly", "report", t0), 3_600_000)))

		acquired, err := a.AcquireNextTriggers(env.ctx, t0, 1, 0)
		require.NoError(t, err)
		res, err := a.TriggersFired(env.ctx, acquired)
		require.NoError(t, err)
		require.NotNil(t, res[0].Bundle)

		// A crashes mid-run and comes back under the same id
		env.advance(time.Second)
		restarted := env.engine("A", true)
		recovered, err := restarted.DoCheckin(env.ctx)
		require.NoError(t, err)
		assert.True(t, recovered)

		assertState(t, env, restarted, "hourly", types.StateWaiting)
		keys, err := restarted.GetTriggerKeys(env.ctx, types.GroupEquals(types.RecoveringJobsGroup))
		require.NoError(t, err)
		require.Len(t, keys, 1)

		rt, err := restarted.RetrieveTrigger(env.ctx, keys[0])
		require.NoError(t, err)
		assert.Equal(t, job.Key, rt.JobKey)
		assert.Equal(t, types.MisfireIgnore, rt.MisfireInstruction)
		assert.Equal(t, "hourly", rt.JobData.GetString(types.FailedJobOrigTriggerName))
		assert.Equal(t, "g", rt.JobData.GetString(types.FailedJobOrigTriggerGroup))
		assert.Equal(t, strconv.FormatInt(t0, 10), rt.JobData.GetString(types.FailedJobOrigTriggerScheduledTime))

		got, err := restarted.AcquireNextTriggers(env.ctx, env.now(), 5, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		fired, err := restarted.TriggersFired(env.ctx, got)
		require.NoError(t, err)
		require.NotNil(t, fired[0].Bundle)
		assert.True(t, fired[0].Bundle.Recovering)
	})
}
