package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-sched/internal/controller"
	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/internal/store/memory"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fixedStatus struct{ st controller.Status }

func (f fixedStatus) GetStatus() controller.Status { return f.st }

func setup(t *testing.T, st StatusSource) (*Client, *jobstore.Engine) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	store, err := memory.New()
	require.NoError(t, err)
	engine := jobstore.New(store, lock.NewLocalSemaphore(), jobstore.WithLogger(log))

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewServer(engine, st, log).ServeListener(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return NewClient(conn), engine
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func job(name string) *types.JobDetail {
	return &types.JobDetail{Key: types.NewJobKey(name, "etl"), JobClass: "echo", JobData: types.JobDataMap{"message": "hi"}}
}

func trigger(name, group, jobName string) *types.Trigger {
	tr := types.NewTrigger(types.NewTriggerKey(name, group), types.NewJobKey(jobName, "etl"), time.Now().Add(time.Hour).UnixMilli())
	tr.RepeatInterval = 60000
	tr.RepeatCount = types.RepeatIndefinitely
	return tr
}

// ============================================================================
// Tests
// ============================================================================

func TestScheduleAndQuery(t *testing.T) {
	client, engine := setup(t, nil)
	ctx := testCtx(t)

	require.NoError(t, client.Schedule(ctx, job("load"), trigger("hourly", "etl", "load"), false))

	stored, err := engine.RetrieveJob(ctx, types.NewJobKey("load", "etl"))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "echo", stored.JobClass)
	assert.Equal(t, "hi", stored.JobData.GetString("message"))

	state, err := client.TriggerState(ctx, types.NewTriggerKey("hourly", "etl"))
	require.NoError(t, err)
	assert.Equal(t, types.StateWaiting, state)

	state, err = client.TriggerState(ctx, types.NewTriggerKey("missing", "etl"))
	require.NoError(t, err)
	assert.Equal(t, types.StateNone, state)

	list, err := client.ListTriggers(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.NewTriggerKey("hourly", "etl"), list[0].Key)
	assert.Equal(t, "etl.load", list[0].Job)
	assert.Equal(t, types.DefaultPriority, list[0].Priority)
	assert.NotZero(t, list[0].NextFireTime)
}

func TestScheduleDuplicateIsAlreadyExists(t *testing.T) {
	client, _ := setup(t, nil)
	ctx := testCtx(t)

	require.NoError(t, client.Schedule(ctx, job("load"), trigger("hourly", "etl", "load"), false))
	err := client.Schedule(ctx, job("load"), nil, false)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	// replace is allowed
	require.NoError(t, client.Schedule(ctx, job("load"), trigger("hourly", "etl", "load"), true))
}

func TestScheduleTriggerWithoutJobFails(t *testing.T) {
	client, _ := setup(t, nil)
	err := client.Schedule(testCtx(t), nil, trigger("orphan", "etl", "nope"), false)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestTriggerNameRequired(t *testing.T) {
	client, _ := setup(t, nil)
	_, err := client.TriggerState(testCtx(t), types.TriggerKey{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPauseResume(t *testing.T) {
	client, _ := setup(t, nil)
	ctx := testCtx(t)
	require.NoError(t, client.Schedule(ctx, job("load"), trigger("a", "etl", "load"), false))
	require.NoError(t, client.Schedule(ctx, nil, trigger("b", "mail", "load"), false))

	key := types.NewTriggerKey("a", "etl")
	require.NoError(t, client.PauseTrigger(ctx, key))
	state, err := client.TriggerState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, state)
	require.NoError(t, client.ResumeTrigger(ctx, key))
	state, err = client.TriggerState(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, types.StateWaiting, state)

	groups, err := client.PauseGroup(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"mail"}, groups)
	state, err = client.TriggerState(ctx, types.NewTriggerKey("b", "mail"))
	require.NoError(t, err)
	assert.Equal(t, types.StatePaused, state)

	_, err = client.ResumeGroup(ctx, "mail")
	require.NoError(t, err)

	require.NoError(t, client.PauseAll(ctx))
	list, err := client.ListTriggers(ctx, "")
	require.NoError(t, err)
	for _, info := range list {
		assert.Equal(t, types.StatePaused, info.State, info.Key.String())
	}

	require.NoError(t, client.ResumeAll(ctx))
	list, err = client.ListTriggers(ctx, "etl")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.StateWaiting, list[0].State)

	_, err = client.PauseGroup(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestUnschedule(t *testing.T) {
	client, _ := setup(t, nil)
	ctx := testCtx(t)
	require.NoError(t, client.Schedule(ctx, job("load"), trigger("a", "etl", "load"), false))

	removed, err := client.Unschedule(ctx, types.NewTriggerKey("a", "etl"))
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = client.Unschedule(ctx, types.NewTriggerKey("a", "etl"))
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStatus(t *testing.T) {
	client, _ := setup(t, fixedStatus{controller.Status{
		InstanceID: "node-1",
		Running:    true,
		Workers:    4,
		Available:  3,
		Fired:      12,
	}})
	ctx := testCtx(t)
	require.NoError(t, client.Schedule(ctx, job("load"), trigger("a", "etl", "load"), false))

	st, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-1", st["instance_id"])
	assert.Equal(t, true, st["running"])
	assert.Equal(t, float64(4), st["workers"])
	assert.Equal(t, float64(12), st["fired"])
	assert.Equal(t, float64(1), st["jobs"])
	assert.Equal(t, float64(1), st["triggers"])
}

func TestStoreCalendar(t *testing.T) {
	client, engine := setup(t, nil)
	ctx := testCtx(t)

	start := time.Now().Add(time.Hour)
	cal := types.NewRangeCalendar(types.TimeRange{Start: start.UnixMilli(), End: start.Add(time.Hour).UnixMilli()})
	require.NoError(t, client.StoreCalendar(ctx, "maintenance", cal, false, false))

	got, err := engine.RetrieveCalendar(ctx, "maintenance")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsTimeIncluded(start.Add(time.Minute).UnixMilli()))

	err = client.StoreCalendar(ctx, "maintenance", cal, false, false)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}
