package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.acquired)
	assert.NotNil(t, collector.completed)
	assert.NotNil(t, collector.lockWait)
	assert.NotNil(t, collector.workersBusy)

	// collectors do not share registries, so a second one must not panic
	assert.NotPanics(t, func() { NewCollector() })
}

func TestEngineCounters(t *testing.T) {
	c := NewCollector()

	c.RecordAcquired(3)
	c.RecordAcquired(2)
	c.RecordReleased()
	c.RecordFired(4)
	c.RecordMisfired(2)
	c.RecordRecovered(1)

	assert.Equal(t, 5.0, testutil.ToFloat64(c.acquired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.released))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.fired))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.misfired))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recovered))
}

func TestRecordCompletedByInstruction(t *testing.T) {
	c := NewCollector()

	instrs := []types.CompletedExecutionInstruction{
		types.InstructionNoop,
		types.InstructionNoop,
		types.InstructionDeleteTrigger,
	}
	for _, instr := range instrs {
		c.RecordCompleted(instr)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.completed.WithLabelValues("NOOP")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.completed.WithLabelValues("DELETE_TRIGGER")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.completed.WithLabelValues("SET_TRIGGER_ERROR")))
}

func TestRecordCheckin(t *testing.T) {
	c := NewCollector()

	c.RecordCheckin(2)
	c.RecordCheckin(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.checkins))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.failed))
}

func TestRecordJobRun(t *testing.T) {
	c := NewCollector()

	c.RecordJobRun(10*time.Millisecond, nil)
	c.RecordJobRun(time.Second, errors.New("boom"))
	c.SetBusyWorkers(3)
	c.SetRecoveryTime(1500 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.workersBusy))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))
	assert.Equal(t, 1, testutil.CollectAndCount(c.jobDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector()
	c.RecordLockWait("TRIGGER_ACCESS", 2*time.Millisecond)
	c.RecordFired(1)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "sched_triggers_fired_total 1")
	assert.Contains(t, string(body), `sched_lock_wait_seconds_count{lock="TRIGGER_ACCESS"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
