// ============================================================================
// beaver-sched Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集任務儲存引擎與排程執行端的指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 觸發器計數 (Counter):
//      - sched_triggers_acquired_total: 被取得的觸發器
//      - sched_triggers_released_total: 取得後被還回的觸發器
//      - sched_triggers_fired_total: 轉為 EXECUTING 的觸發器
//      - sched_triggers_misfired_total: misfire 處理的觸發器
//      - sched_jobs_completed_total{instruction}: 依完成指令分類
//      - sched_jobs_recovered_total: 建立的 recovery trigger
//      - sched_job_failures_total: 任務函式回傳錯誤
//
//   2. 延遲 (Histogram):
//      - sched_lock_wait_seconds{lock}: 取得具名鎖的等待時間
//      - sched_job_duration_seconds: 任務執行時間
//
//   3. 狀態 (Gauge):
//      - sched_workers_busy: 執行中的 worker 數
//      - sched_cluster_failed_peers: 最近一次 checkin 發現的失效節點
//      - sched_recovery_time_seconds: 最近一次啟動恢復花費的時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘觸發數
//   rate(sched_triggers_fired_total[1m])
//
//   # TRIGGER_ACCESS 95 分位等待時間
//   histogram_quantile(0.95, sched_lock_wait_seconds_bucket{lock="TRIGGER_ACCESS"})
//
// ============================================================================

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

var _ jobstore.Metrics = (*Collector)(nil)

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 引擎
	acquired  prometheus.Counter
	released  prometheus.Counter
	fired     prometheus.Counter
	misfired  prometheus.Counter
	completed *prometheus.CounterVec
	recovered prometheus.Counter
	lockWait  *prometheus.HistogramVec
	checkins  prometheus.Counter
	failed    prometheus.Gauge

	// 執行端
	jobDuration  prometheus.Histogram
	jobFailures  prometheus.Counter
	workersBusy  prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 建立收集器；指標註冊在收集器自己的 registry 上
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_triggers_acquired_total",
			Help: "Total number of triggers acquired for firing",
		}),
		released: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_triggers_released_total",
			Help: "Total number of acquired triggers released without firing",
		}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_triggers_fired_total",
			Help: "Total number of triggers fired",
		}),
		misfired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_triggers_misfired_total",
			Help: "Total number of misfired triggers handled",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sched_jobs_completed_total",
			Help: "Total number of completed executions by instruction",
		}, []string{"instruction"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_jobs_recovered_total",
			Help: "Total number of recovery triggers scheduled for interrupted jobs",
		}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sched_lock_wait_seconds",
			Help:    "Time spent obtaining a named lock",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"lock"}),
		checkins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_cluster_checkins_total",
			Help: "Total number of cluster checkins",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_cluster_failed_peers",
			Help: "Failed peers found by the latest checkin",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sched_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sched_job_failures_total",
			Help: "Total number of job executions that returned an error",
		}),
		workersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_workers_busy",
			Help: "Current number of busy workers",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sched_recovery_time_seconds",
			Help: "Time taken by the latest startup recovery in seconds",
		}),
	}

	c.registry.MustRegister(
		c.acquired, c.released, c.fired, c.misfired, c.completed, c.recovered,
		c.lockWait, c.checkins, c.failed,
		c.jobDuration, c.jobFailures, c.workersBusy, c.recoveryTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry 回傳底層 registry（測試用）
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) RecordAcquired(n int) { c.acquired.Add(float64(n)) }
func (c *Collector) RecordReleased()      { c.released.Inc() }
func (c *Collector) RecordFired(n int)    { c.fired.Add(float64(n)) }
func (c *Collector) RecordMisfired(n int) { c.misfired.Add(float64(n)) }

func (c *Collector) RecordCompleted(instr types.CompletedExecutionInstruction) {
	c.completed.WithLabelValues(instr.String()).Inc()
}

func (c *Collector) RecordRecovered(n int) { c.recovered.Add(float64(n)) }

func (c *Collector) RecordLockWait(lockName string, d time.Duration) {
	c.lockWait.WithLabelValues(lockName).Observe(d.Seconds())
}

func (c *Collector) RecordCheckin(failedPeers int) {
	c.checkins.Inc()
	c.failed.Set(float64(failedPeers))
}

// RecordJobRun 記錄一次任務執行
func (c *Collector) RecordJobRun(d time.Duration, err error) {
	c.jobDuration.Observe(d.Seconds())
	if err != nil {
		c.jobFailures.Inc()
	}
}

// SetBusyWorkers 更新執行中的 worker 數
func (c *Collector) SetBusyWorkers(n int) {
	c.workersBusy.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve 啟動 metrics HTTP 伺服器，ctx 結束時關閉
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown metrics server")
		}
		return nil
	}
}
