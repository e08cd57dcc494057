package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/internal/store/memory"
	"github.com/ChuLiYu/beaver-sched/internal/worker"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type harness struct {
	runner *Runner
	engine *jobstore.Engine
	store  *memory.Store
	ctx    context.Context
}

func newHarness(t *testing.T, cfg Config, reg *worker.Registry, storeOpts ...memory.Option) *harness {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	store, err := memory.New(append(storeOpts, memory.WithLogger(log))...)
	require.NoError(t, err)

	pool := worker.NewPool(16, reg, worker.WithLogger(log))
	runner := NewRunner(cfg, pool, WithLogger(log), WithSaver(store))
	engine := jobstore.New(store, lock.NewLocalSemaphore(),
		jobstore.WithLogger(log),
		jobstore.WithSignaler(runner),
		jobstore.WithInstanceID("runner-test"),
	)
	runner.Bind(engine)
	return &harness{runner: runner, engine: engine, store: store, ctx: context.Background()}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.runner.Start(h.ctx))
	t.Cleanup(func() { _ = h.runner.Stop(context.Background()) })
}

func testConfig() Config {
	return Config{
		WorkerCount:     2,
		BatchSize:       2,
		IdleWaitTime:    200 * time.Millisecond,
		JobTimeout:      time.Second,
		RetryInterval:   50 * time.Millisecond,
		BatchTimeWindow: 0,
	}
}

func durableJob(name, class string) *types.JobDetail {
	return &types.JobDetail{Key: types.NewJobKey(name, "g"), JobClass: class, Durable: true}
}

func triggerAt(name, job string, at time.Time) *types.Trigger {
	return types.NewTrigger(types.NewTriggerKey(name, "g"), types.NewJobKey(job, "g"), at.UnixMilli())
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestStartRequiresStore(t *testing.T) {
	r := NewRunner(Config{}, worker.NewPool(1, nil))
	assert.Error(t, r.Start(context.Background()))
}

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner(Config{}, worker.NewPool(1, nil))
	def := DefaultConfig()
	assert.Equal(t, def.WorkerCount, r.cfg.WorkerCount)
	assert.Equal(t, def.BatchSize, r.cfg.BatchSize)
	assert.Equal(t, def.IdleWaitTime, r.cfg.IdleWaitTime)
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.runner.Start(h.ctx))

	status := h.runner.GetStatus()
	assert.True(t, status.Running)
	assert.Equal(t, "runner-test", status.InstanceID)
	assert.Equal(t, 2, status.Workers)

	assert.Error(t, h.runner.Start(h.ctx), "second start must fail")

	require.NoError(t, h.runner.Stop(h.ctx))
	assert.False(t, h.runner.GetStatus().Running)
	require.NoError(t, h.runner.Stop(h.ctx), "stopping twice is a no-op")
}

// ============================================================================
// Firing Tests
// ============================================================================

func TestRunnerFiresOneShotTrigger(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	require.NoError(t, h.engine.StoreJob(h.ctx, durableJob("job", "echo"), false))
	require.NoError(t, h.engine.StoreTrigger(h.ctx, triggerAt("once", "job", time.Now()), false))

	key := types.NewTriggerKey("once", "g")
	require.Eventually(t, func() bool {
		state, err := h.engine.GetTriggerState(h.ctx, key)
		return err == nil && state == types.StateNone
	}, 3*time.Second, 10*time.Millisecond, "one-shot trigger should be removed after firing")

	job, err := h.engine.RetrieveJob(h.ctx, types.NewJobKey("job", "g"))
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "1", job.JobData.GetString("runs"))

	status := h.runner.GetStatus()
	assert.Equal(t, int64(1), status.Fired)
	assert.Equal(t, int64(1), status.Completed)
	assert.Equal(t, int64(1), status.Finalized)
}

func TestRunnerFiresRepeatingTrigger(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	tr := triggerAt("rep", "job", time.Now())
	tr.RepeatInterval = 30
	tr.RepeatCount = 2
	require.NoError(t, h.engine.StoreJobAndTrigger(h.ctx, durableJob("job", "echo"), tr))

	require.Eventually(t, func() bool {
		job, err := h.engine.RetrieveJob(h.ctx, types.NewJobKey("job", "g"))
		return err == nil && job != nil && job.JobData.GetString("runs") == "3"
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		state, err := h.engine.GetTriggerState(h.ctx, types.NewTriggerKey("rep", "g"))
		return err == nil && state == types.StateNone
	}, time.Second, 10*time.Millisecond)
}

func TestSchedulingChangeWakesIdleRunner(t *testing.T) {
	cfg := testConfig()
	cfg.IdleWaitTime = 10 * time.Second
	h := newHarness(t, cfg, nil)
	h.start(t)

	// let the run loop go idle with nothing to do
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, h.engine.StoreJob(h.ctx, durableJob("job", "echo"), false))
	require.NoError(t, h.engine.StoreTrigger(h.ctx, triggerAt("late", "job", time.Now()), false))

	assert.Eventually(t, func() bool {
		return h.runner.GetStatus().Completed == 1
	}, 2*time.Second, 10*time.Millisecond, "signal should cut the idle wait short")
}

func TestEarlierTriggerReplacesAcquiredBatch(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.IdleWaitTime = 5 * time.Second
	h := newHarness(t, cfg, nil)
	h.start(t)

	require.NoError(t, h.engine.StoreJob(h.ctx, durableJob("job", "echo"), false))
	require.NoError(t, h.engine.StoreTrigger(h.ctx, triggerAt("later", "job", time.Now().Add(3*time.Second)), false))

	require.Eventually(t, func() bool {
		state, _ := h.engine.GetTriggerState(h.ctx, types.NewTriggerKey("later", "g"))
		return state == types.StateAcquired
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.StoreTrigger(h.ctx, triggerAt("sooner", "job", time.Now()), false))

	require.Eventually(t, func() bool {
		state, _ := h.engine.GetTriggerState(h.ctx, types.NewTriggerKey("sooner", "g"))
		return state == types.StateNone
	}, 2*time.Second, 10*time.Millisecond, "earlier trigger should fire before the acquired one")

	// the released trigger goes back to waiting (or is re-acquired) and has not fired
	state, err := h.engine.GetTriggerState(h.ctx, types.NewTriggerKey("later", "g"))
	require.NoError(t, err)
	assert.Contains(t, []types.TriggerState{types.StateWaiting, types.StateAcquired}, state)
}

func TestUnknownJobClassErrorsTriggers(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.start(t)

	tr := triggerAt("t", "job", time.Now())
	tr.RepeatInterval = 1000
	tr.RepeatCount = types.RepeatIndefinitely
	require.NoError(t, h.engine.StoreJobAndTrigger(h.ctx, durableJob("job", "no-such-class"), tr))

	assert.Eventually(t, func() bool {
		state, _ := h.engine.GetTriggerState(h.ctx, types.NewTriggerKey("t", "g"))
		return state == types.StateError
	}, 2*time.Second, 10*time.Millisecond)
}

// ============================================================================
// Shutdown / Snapshot Tests
// ============================================================================

func TestStopWaitsForRunningJob(t *testing.T) {
	reg := worker.NewRegistry()
	started := make(chan struct{})
	reg.Register("slow", func(ctx context.Context, _ *worker.JobContext) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	h := newHarness(t, testConfig(), reg)
	require.NoError(t, h.runner.Start(h.ctx))

	require.NoError(t, h.engine.StoreJob(h.ctx, durableJob("job", "slow"), false))
	require.NoError(t, h.engine.StoreTrigger(h.ctx, triggerAt("once", "job", time.Now()), false))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	require.NoError(t, h.runner.Stop(h.ctx))
	assert.Equal(t, int64(1), h.runner.GetStatus().Completed, "completion reported before the store shut down")
}

func TestStopWritesFinalSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sched.json")
	h := newHarness(t, testConfig(), nil, memory.WithSnapshot(path))
	require.NoError(t, h.runner.Start(h.ctx))

	require.NoError(t, h.engine.StoreJob(h.ctx, durableJob("kept", "echo"), false))
	require.NoError(t, h.runner.Stop(h.ctx))

	reloaded, err := memory.New(memory.WithSnapshot(path))
	require.NoError(t, err)
	engine := jobstore.New(reloaded, lock.NewLocalSemaphore())
	job, err := engine.RetrieveJob(h.ctx, types.NewJobKey("kept", "g"))
	require.NoError(t, err)
	assert.NotNil(t, job)
}

// ============================================================================
// Signaler Tests
// ============================================================================

func TestSignalKeepsEarliestCandidate(t *testing.T) {
	r := NewRunner(Config{}, worker.NewPool(1, nil))

	r.SignalSchedulingChange(500)
	r.SignalSchedulingChange(300)
	r.SignalSchedulingChange(900)
	assert.Equal(t, int64(300), <-r.signalCh)

	r.SignalSchedulingChange(400)
	r.SignalSchedulingChange(0)
	assert.Equal(t, int64(0), <-r.signalCh, "0 means unknown and always wins")
}

func TestListenerNotificationsAreCounted(t *testing.T) {
	r := NewRunner(Config{}, worker.NewPool(1, nil))
	tr := triggerAt("t", "job", time.Now())

	r.NotifyTriggerListenersMisfired(tr)
	r.NotifyTriggerListenersMisfired(tr)
	r.NotifySchedulerListenersFinalized(tr)

	status := r.GetStatus()
	assert.Equal(t, int64(2), status.Misfired)
	assert.Equal(t, int64(1), status.Finalized)
}
