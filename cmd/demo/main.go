package main

// ============================================================================
// 崩潰恢復示範
//
//	go run ./cmd/demo start     # 排入長任務，Ctrl+C 模擬崩潰（不做 graceful shutdown）
//	go run ./cmd/demo recover   # 同一個 SQLite 檔重啟，requests_recovery 的任務會重跑
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/controller"
	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/store/sqlstore"
	"github.com/ChuLiYu/beaver-sched/internal/worker"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

const (
	dbPath    = "data/demo.db"
	schedName = "DemoScheduler"
	jobCount  = 40
	workers   = 8
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	log, err := logging.New("info", false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if mode == "start" {
		_ = os.Remove(dbPath)
	}
	if err := os.MkdirAll("data", 0755); err != nil {
		log.Fatalw("create data directory", "error", err)
	}

	store, err := sqlstore.Open(dbPath, schedName, log)
	if err != nil {
		log.Fatalw("open job store", "error", err)
	}
	defer store.Close()

	pool := worker.NewPool(workers*2, worker.NewRegistry(), worker.WithLogger(log))
	runner := controller.NewRunner(controller.Config{WorkerCount: workers, BatchSize: 4, IdleWaitTime: time.Second}, pool,
		controller.WithLogger(log))
	engine := jobstore.New(store, lock.NewRowLockSemaphore(schedName, sqlstore.LocksTable),
		jobstore.WithLogger(log), jobstore.WithSignaler(runner))
	runner.Bind(engine)

	ctx := context.Background()
	if mode == "start" {
		if err := scheduleDemoJobs(ctx, engine); err != nil {
			log.Fatalw("schedule demo jobs", "error", err)
		}
		fmt.Printf("✓ Scheduled %d jobs (each sleeps 2s, requests recovery)\n", jobCount)
	} else {
		printCounts(ctx, log, engine, "Before recovery")
	}

	if err := runner.Start(ctx); err != nil {
		log.Fatalw("start runner", "error", err)
	}
	fmt.Printf("✓ Runner started (mode: %s, instance: %s)\n", mode, engine.InstanceID())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if mode == "start" {
		fmt.Printf("💡 Press Ctrl+C while jobs are running to simulate a crash\n\n")
		watch(sigChan, runner, func() {
			fmt.Println("\n💥 Crashing without shutdown; run 'go run ./cmd/demo recover' next")
			os.Exit(1)
		})
		return
	}

	watch(sigChan, runner, func() {
		fmt.Println("\nReceived shutdown signal, stopping gracefully...")
	})
	stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		log.Errorw("stop runner", "error", err)
	}
	printCounts(ctx, log, engine, "After recovery")
	fmt.Println("✓ Runner stopped")
}

func scheduleDemoJobs(ctx context.Context, engine *jobstore.Engine) error {
	now := time.Now()
	for i := 1; i <= jobCount; i++ {
		job := &types.JobDetail{
			Key:              types.NewJobKey(fmt.Sprintf("crash-demo-%03d", i), "demo"),
			JobClass:         "sleep",
			RequestsRecovery: true,
			JobData:          types.JobDataMap{"duration": "2s"},
		}
		t := types.NewTrigger(types.NewTriggerKey(job.Key.Name, "demo"), job.Key, now.Add(time.Duration(i)*50*time.Millisecond).UnixMilli())
		if err := engine.StoreJobAndTrigger(ctx, job, t); err != nil {
			return err
		}
	}
	return nil
}

// watch 每 500ms 印出狀態，直到收到訊號
func watch(sigChan <-chan os.Signal, runner *controller.Runner, onSignal func()) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			onSignal()
			return
		case <-ticker.C:
			st := runner.GetStatus()
			fmt.Printf("📊 Busy=%d Fired=%d Completed=%d\n", st.Workers-st.Available, st.Fired, st.Completed)
		}
	}
}

func printCounts(ctx context.Context, log *zap.SugaredLogger, engine *jobstore.Engine, title string) {
	counts, err := engine.Counts(ctx)
	if err != nil {
		log.Warnw("count", "error", err)
		return
	}
	fmt.Printf("\n📊 %s: jobs=%d triggers=%d\n", title, counts.Jobs, counts.Triggers)
}
