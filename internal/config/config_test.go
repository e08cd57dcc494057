package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.JobStore.Kind)
	assert.Equal(t, 60*time.Second, cfg.JobStore.MisfireThreshold)
	assert.Equal(t, 7500*time.Millisecond, cfg.JobStore.ClusterCheckinInterval)
	assert.Equal(t, 20, cfg.JobStore.MaxMisfiresToHandleAtATime)
	assert.True(t, cfg.JobStore.DoubleCheckMisfires)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.IdleWaitTime)
	assert.Equal(t, 4, cfg.Scheduler.ThreadCount)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Snapshot.WALPath)
	assert.True(t, cfg.Snapshot.WALSync)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  instance_id: AUTO
  thread_count: 8
  batch_size: 5
  batch_time_window: 250ms
jobstore:
  kind: sql
  dsn: /tmp/sched.db
  clustered: true
  lock: row
  misfire_threshold: 5s
log:
  level: debug
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "AUTO", cfg.Scheduler.InstanceID)
	assert.Equal(t, 8, cfg.Scheduler.ThreadCount)
	assert.Equal(t, 5, cfg.Scheduler.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.BatchTimeWindow)
	assert.Equal(t, "sql", cfg.JobStore.Kind)
	assert.Equal(t, "/tmp/sched.db", cfg.JobStore.DSN)
	assert.True(t, cfg.JobStore.Clustered)
	assert.Equal(t, 5*time.Second, cfg.JobStore.MisfireThreshold)
	assert.True(t, cfg.Log.JSON)

	// untouched sections keep defaults
	assert.Equal(t, 50051, cfg.GRPC.Port)
}

func TestLoadClusteredRedisStore(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
jobstore:
  kind: redis
  lock: redis
  clustered: true
redis:
  addr: redis:6379
  store_max_log: 500
`))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.JobStore.Kind)
	assert.True(t, cfg.JobStore.Clustered)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "beaver:store:", cfg.Redis.StorePrefix)
	assert.Equal(t, int64(500), cfg.Redis.StoreMaxLog)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  thread_count: 2\n")
	t.Setenv("BEAVER_SCHEDULER_THREAD_COUNT", "16")
	t.Setenv("BEAVER_JOBSTORE_MISFIRE_THRESHOLD", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Scheduler.ThreadCount)
	assert.Equal(t, 2*time.Second, cfg.JobStore.MisfireThreshold)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "scheduler: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown store", yaml: "jobstore:\n  kind: mongo\n"},
		{name: "unknown lock", yaml: "jobstore:\n  lock: zookeeper\n"},
		{name: "row lock on memory", yaml: "jobstore:\n  lock: row\n"},
		{name: "clustered memory", yaml: "jobstore:\n  clustered: true\n"},
		{name: "clustered local lock", yaml: "jobstore:\n  kind: sql\n  clustered: true\n"},
		{name: "redis store with local lock", yaml: "jobstore:\n  kind: redis\n"},
		{name: "no threads", yaml: "scheduler:\n  thread_count: 0\n"},
		{name: "wal without snapshot", yaml: "snapshot:\n  wal_path: data/store.wal\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}
