package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/storage/wal"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func testClient(t *testing.T) (*redis.Client, string) {
	t.Helper()
	addr := os.Getenv("BEAVER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BEAVER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "beaver-test:" + t.Name() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := client.Keys(ctx, prefix+"*").Result(); err == nil && len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return client, prefix
}

func openNode(t *testing.T, client *redis.Client, prefix string, opts ...Option) *Store {
	t.Helper()
	opts = append(opts, WithLogger(zaptest.NewLogger(t).Sugar()))
	s, err := New(context.Background(), client, prefix, "test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func write(t *testing.T, s *Store, fn func(tx jobstore.Tx) error) {
	t.Helper()
	tx, err := s.Begin(context.Background(), false)
	require.NoError(t, err)
	if err := fn(tx); err != nil {
		require.NoError(t, tx.Rollback())
		t.Fatal(err)
	}
	require.NoError(t, tx.Commit())
}

func read[T any](t *testing.T, s *Store, fn func(tx jobstore.Tx) (T, error)) T {
	t.Helper()
	tx, err := s.Begin(context.Background(), true)
	require.NoError(t, err)
	defer tx.Rollback()
	v, err := fn(tx)
	require.NoError(t, err)
	return v
}

func jobNamed(name string) *types.JobDetail {
	return &types.JobDetail{
		Key:      types.NewJobKey(name, "g"),
		JobClass: "echo",
		Durable:  true,
		JobData:  types.JobDataMap{"n": 1},
	}
}

func countJobs(t *testing.T, s *Store) int {
	return read(t, s, func(tx jobstore.Tx) (int, error) { return tx.CountJobs(context.Background()) })
}

// ============================================================================
// 副本同步
// ============================================================================

func TestCommitIsVisibleOnOtherNode(t *testing.T) {
	client, prefix := testClient(t)
	a := openNode(t, client, prefix)
	b := openNode(t, client, prefix)
	ctx := context.Background()

	write(t, a, func(tx jobstore.Tx) error { return tx.InsertJob(ctx, jobNamed("j1")) })
	tr := types.NewTrigger(types.NewTriggerKey("t1", "g"), types.NewJobKey("j1", "g"), 1000)
	write(t, a, func(tx jobstore.Tx) error { return tx.InsertTrigger(ctx, tr, types.StateWaiting) })

	job := read(t, b, func(tx jobstore.Tx) (*types.JobDetail, error) { return tx.SelectJob(ctx, types.NewJobKey("j1", "g")) })
	require.NotNil(t, job)
	assert.Equal(t, 1, job.JobData["n"])

	due := read(t, b, func(tx jobstore.Tx) ([]*types.Trigger, error) { return tx.SelectTriggersToAcquire(ctx, 1000, 10) })
	require.Len(t, due, 1)
	assert.Equal(t, tr.Key, due[0].Key)

	// 反方向：B 刪除，A 看得到
	write(t, b, func(tx jobstore.Tx) error {
		_, err := tx.DeleteTrigger(ctx, tr.Key)
		return err
	})
	state := read(t, a, func(tx jobstore.Tx) (types.TriggerState, error) { return tx.SelectTriggerState(ctx, tr.Key) })
	assert.Equal(t, types.StateNone, state)
}

func TestRollbackPublishesNothing(t *testing.T) {
	client, prefix := testClient(t)
	a := openNode(t, client, prefix)
	b := openNode(t, client, prefix)
	ctx := context.Background()

	tx, err := a.Begin(ctx, false)
	require.NoError(t, err)
	require.NoError(t, tx.InsertJob(ctx, jobNamed("gone")))
	require.NoError(t, tx.Rollback())

	assert.Zero(t, countJobs(t, a))
	assert.Zero(t, countJobs(t, b))
	assert.Zero(t, client.Exists(ctx, a.seqKey).Val())
}

func TestNewNodeLoadsExistingState(t *testing.T) {
	client, prefix := testClient(t)
	a := openNode(t, client, prefix)
	ctx := context.Background()
	for _, name := range []string{"j1", "j2", "j3"} {
		write(t, a, func(tx jobstore.Tx) error { return tx.InsertJob(ctx, jobNamed(name)) })
	}
	write(t, a, func(tx jobstore.Tx) error {
		_, err := tx.DeleteJob(ctx, types.NewJobKey("j2", "g"))
		return err
	})

	late := openNode(t, client, prefix)
	keys := read(t, late, func(tx jobstore.Tx) ([]types.JobKey, error) {
		return tx.SelectJobKeys(ctx, types.GroupEquals("g"))
	})
	assert.Equal(t, []types.JobKey{types.NewJobKey("j1", "g"), types.NewJobKey("j3", "g")}, keys)
	assert.Equal(t, uint64(4), late.seq)
}

func TestTrimmedLogFallsBackToRows(t *testing.T) {
	client, prefix := testClient(t)
	a := openNode(t, client, prefix)
	b := openNode(t, client, prefix)
	ctx := context.Background()

	write(t, a, func(tx jobstore.Tx) error { return tx.InsertJob(ctx, jobNamed("j1")) })
	require.Equal(t, 1, countJobs(t, b))

	// B 落後的提交已經不在 log 裡
	write(t, a, func(tx jobstore.Tx) error { return tx.InsertJob(ctx, jobNamed("j2")) })
	require.NoError(t, client.Del(ctx, a.logKey).Err())
	write(t, a, func(tx jobstore.Tx) error { return tx.InsertJob(ctx, jobNamed("j3")) })

	assert.Equal(t, 3, countJobs(t, b))
	assert.Equal(t, uint64(3), b.seq)
}

func TestWipedSharedStateIsReloaded(t *testing.T) {
	client, prefix := testClient(t)
	a := openNode(t, client, prefix)
	ctx := context.Background()

	write(t, a, func(tx jobstore.Tx) error { return tx.InsertJob(ctx, jobNamed("j1")) })
	require.NoError(t, client.Del(ctx, a.seqKey, a.rowsKey, a.logKey).Err())

	assert.Zero(t, countJobs(t, a))
}

func TestInterleavedNodesKeepOrder(t *testing.T) {
	client, prefix := testClient(t)
	a := openNode(t, client, prefix)
	b := openNode(t, client, prefix)
	ctx := context.Background()
	key := types.NewJobKey("shared", "g")

	write(t, a, func(tx jobstore.Tx) error { return tx.InsertJob(ctx, jobNamed("shared")) })
	for i := 2; i <= 5; i++ {
		node := a
		if i%2 == 0 {
			node = b
		}
		write(t, node, func(tx jobstore.Tx) error {
			return tx.UpdateJobData(ctx, key, types.JobDataMap{"n": i})
		})
	}

	for _, node := range []*Store{a, b} {
		job := read(t, node, func(tx jobstore.Tx) (*types.JobDetail, error) { return tx.SelectJob(ctx, key) })
		require.NotNil(t, job)
		assert.Equal(t, 5, job.JobData["n"])
	}
}

// ============================================================================
// 編碼
// ============================================================================

func TestRowFieldAndStreamIDs(t *testing.T) {
	a := rowField(wal.Record{Kind: wal.KindJob, Name: "x:y", Group: "g"})
	b := rowField(wal.Record{Kind: wal.KindJob, Name: "x", Group: "y:g"})
	assert.NotEqual(t, a, b)
	assert.Equal(t, `["trigger","g","t1"]`, rowField(wal.Record{Kind: wal.KindTrigger, Name: "t1", Group: "g"}))

	assert.Equal(t, "42-0", streamID(42))
	assert.Equal(t, uint64(42), msgSeq("42-0"))
	assert.Zero(t, msgSeq("garbage"))
}
