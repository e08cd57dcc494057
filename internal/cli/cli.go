// ============================================================================
// beaver-sched CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that assemble and operate the scheduler
//
// Command Structure:
//   beaver-sched                   # Root command
//   ├── run                        # Start the scheduler node
//   ├── schedule -f jobs.yaml      # Store jobs/triggers/calendars
//   │   └── --local                # Write straight into the configured store
//   ├── status                     # Ask a running node for its status
//   └── admin                      # pause / resume / state / list / unschedule
//   Persistent flag: --config, -c (default configs/default.yaml)
//
// run Command:
//   1. Load config (viper, BEAVER_* env overrides)
//   2. Open the job store backend (memory + snapshot, or SQLite)
//   3. Pick the lock service (local, SQL row lock, or Redis)
//   4. Build worker pool -> runner -> engine, bind runner as the signaler
//   5. errgroup supervises metrics HTTP, gRPC admin and the runner
//   6. SIGINT / SIGTERM cancels the group; runner stops gracefully
//
// ============================================================================

package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-sched/internal/config"
	"github.com/ChuLiYu/beaver-sched/internal/controller"
	"github.com/ChuLiYu/beaver-sched/internal/jobstore"
	"github.com/ChuLiYu/beaver-sched/internal/lock"
	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/server"
	"github.com/ChuLiYu/beaver-sched/internal/store/memory"
	"github.com/ChuLiYu/beaver-sched/internal/store/redisstore"
	"github.com/ChuLiYu/beaver-sched/internal/store/sqlstore"
	"github.com/ChuLiYu/beaver-sched/internal/worker"
)

// shutdownTimeout 等待執行中任務結束的上限
const shutdownTimeout = 30 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver-sched",
		Short: "beaver-sched: a persistent, clusterable trigger scheduler",
		Long: `beaver-sched stores jobs and triggers and fires them on schedule:
- memory (with snapshots) or SQLite job store
- misfire handling and crash recovery
- cluster failover through heartbeats
- Prometheus metrics and a gRPC admin service`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildScheduleCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildAdminCommand())

	return rootCmd
}

// ============================================================================
// 組裝
// ============================================================================

// node 組裝好的排程節點
type node struct {
	cfg       *config.Config
	log       *zap.SugaredLogger
	engine    *jobstore.Engine
	runner    *controller.Runner
	collector *metrics.Collector
	closers   []func() error
	redis     *redis.Client
}

// loadNodeConfig 讀取配置並建立 logger
func loadNodeConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load config")
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// buildNode 建立引擎；withRunner 時同時建立 Worker Pool 與 Runner
func buildNode(cfg *config.Config, log *zap.SugaredLogger, withRunner bool) (_ *node, err error) {
	n := &node{cfg: cfg, log: log, collector: metrics.NewCollector()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, n.close())
		}
	}()

	backend, saver, err := n.openBackend()
	if err != nil {
		return nil, err
	}
	sem, err := n.semaphore()
	if err != nil {
		return nil, err
	}

	opts := []jobstore.Option{
		jobstore.WithConfig(engineConfig(cfg)),
		jobstore.WithLogger(log),
		jobstore.WithMetrics(n.collector),
	}

	if withRunner {
		pool := worker.NewPool(cfg.Scheduler.ThreadCount*2, worker.NewRegistry(),
			worker.WithLogger(log), worker.WithObserver(n.collector))
		runnerOpts := []controller.Option{
			controller.WithLogger(log),
			controller.WithRecoveryObserver(n.collector),
		}
		if saver != nil {
			runnerOpts = append(runnerOpts, controller.WithSaver(saver))
		}
		n.runner = controller.NewRunner(controller.Config{
			WorkerCount:      cfg.Scheduler.ThreadCount,
			BatchSize:        cfg.Scheduler.BatchSize,
			BatchTimeWindow:  cfg.Scheduler.BatchTimeWindow,
			IdleWaitTime:     cfg.Scheduler.IdleWaitTime,
			JobTimeout:       cfg.Scheduler.JobTimeout,
			SnapshotInterval: cfg.Snapshot.Interval,
			RetryInterval:    cfg.JobStore.RetryInterval,
		}, pool, runnerOpts...)
		opts = append(opts, jobstore.WithSignaler(n.runner))
	}

	n.engine = jobstore.New(backend, sem, opts...)
	if n.runner != nil {
		n.runner.Bind(n.engine)
	}
	return n, nil
}

func engineConfig(cfg *config.Config) jobstore.Config {
	ec := jobstore.DefaultConfig()
	ec.InstanceName = cfg.Scheduler.InstanceName
	ec.InstanceID = cfg.Scheduler.InstanceID
	ec.MisfireThreshold = cfg.JobStore.MisfireThreshold
	ec.MaxMisfiresToHandleAtATime = cfg.JobStore.MaxMisfiresToHandleAtATime
	ec.DoubleCheckMisfires = cfg.JobStore.DoubleCheckMisfires
	ec.Clustered = cfg.JobStore.Clustered
	ec.ClusterCheckinInterval = cfg.JobStore.ClusterCheckinInterval
	ec.RetryInterval = cfg.JobStore.RetryInterval
	return ec
}

// openBackend 開啟 store；記憶體後端有設定快照路徑時回傳 saver
func (n *node) openBackend() (jobstore.Backend, controller.Saver, error) {
	switch n.cfg.JobStore.Kind {
	case "sql":
		if dir := filepath.Dir(n.cfg.JobStore.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, errors.Wrap(err, "create database directory")
			}
		}
		store, err := sqlstore.Open(n.cfg.JobStore.DSN, n.cfg.Scheduler.InstanceName, n.log)
		if err != nil {
			return nil, nil, err
		}
		n.closers = append(n.closers, store.Close)
		return store, nil, nil
	case "redis":
		client, err := n.redisClient()
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := redisstore.New(ctx, client, n.cfg.Redis.StorePrefix, n.cfg.Scheduler.InstanceName,
			redisstore.WithMaxLog(n.cfg.Redis.StoreMaxLog),
			redisstore.WithLogger(n.log),
		)
		if err != nil {
			return nil, nil, err
		}
		n.closers = append(n.closers, store.Close)
		return store, nil, nil
	default:
		opts := []memory.Option{memory.WithLogger(n.log)}
		if n.cfg.Snapshot.Path != "" {
			opts = append(opts, memory.WithSnapshot(n.cfg.Snapshot.Path))
		}
		if n.cfg.Snapshot.WALPath != "" {
			opts = append(opts, memory.WithWAL(n.cfg.Snapshot.WALPath, n.cfg.Snapshot.WALSync))
		}
		store, err := memory.New(opts...)
		if err != nil {
			return nil, nil, err
		}
		n.closers = append(n.closers, store.Close)
		if n.cfg.Snapshot.Path == "" {
			return store, nil, nil
		}
		return store, store, nil
	}
}

func (n *node) semaphore() (lock.Semaphore, error) {
	switch n.cfg.JobStore.Lock {
	case "row":
		return lock.NewRowLockSemaphore(n.cfg.Scheduler.InstanceName, sqlstore.LocksTable), nil
	case "redis":
		client, err := n.redisClient()
		if err != nil {
			return nil, err
		}
		prefix := n.cfg.Redis.Prefix + n.cfg.Scheduler.InstanceName + ":"
		return lock.NewRedisSemaphore(client, prefix, n.cfg.Redis.LockTTL), nil
	default:
		return lock.NewLocalSemaphore(), nil
	}
}

// redisClient store 與鎖共用同一個連線
func (n *node) redisClient() (*redis.Client, error) {
	if n.redis != nil {
		return n.redis, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     n.cfg.Redis.Addr,
		Password: n.cfg.Redis.Password,
		DB:       n.cfg.Redis.DB,
	})
	n.closers = append(n.closers, client.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrapf(err, "connect to redis %s", n.cfg.Redis.Addr)
	}
	n.redis = client
	return client, nil
}

// close 依相反順序關閉資源
func (n *node) close() error {
	var err error
	for i := len(n.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, n.closers[i]())
	}
	n.closers = nil
	return err
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a scheduler node",
		Long:  "Start the scheduler: recover, then fire triggers until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx)
		},
	}
}

func runNode(ctx context.Context) (err error) {
	cfg, log, err := loadNodeConfig()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	n, err := buildNode(cfg, log, true)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, n.close()) }()

	log.Infow("starting scheduler",
		"instance", n.engine.InstanceID(),
		"store", cfg.JobStore.Kind,
		"lock", cfg.JobStore.Lock,
		"clustered", cfg.JobStore.Clustered,
		"threads", cfg.Scheduler.ThreadCount)

	if err := n.runner.Start(ctx); err != nil {
		return errors.Wrap(err, "start runner")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error { return n.collector.Serve(gctx, cfg.Metrics.Port) })
	}
	if cfg.GRPC.Enabled {
		admin := server.NewServer(n.engine, n.runner, log)
		g.Go(func() error { return admin.Serve(gctx, cfg.GRPC.Port) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Infow("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return n.runner.Stop(stopCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Infow("scheduler stopped")
	return nil
}

// ============================================================================
// schedule
// ============================================================================

func buildScheduleCommand() *cobra.Command {
	var (
		jobFilePath string
		addr        string
		local       bool
		replace     bool
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Store jobs, triggers and calendars from a YAML file",
		Long: `Read job definitions from a YAML file and store them.
By default the definitions are sent to a running node over gRPC; --local writes
them straight into the configured job store (useful for the SQL store).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := readJobFile(jobFilePath)
			if err != nil {
				return err
			}
			p, err := f.plan(time.Now())
			if err != nil {
				return err
			}
			var target scheduleTarget
			if local {
				cfg, log, err := loadNodeConfig()
				if err != nil {
					return err
				}
				n, err := buildNode(cfg, log, false)
				if err != nil {
					return err
				}
				defer n.close()
				target = engineTarget{n.engine}
			} else {
				client, err := dialAdmin(addr)
				if err != nil {
					return err
				}
				defer client.Close()
				target = client
			}
			if err := applyPlan(cmd.Context(), target, p, replace); err != nil {
				return err
			}
			cmd.Printf("Stored %d calendar(s), %d job(s), %d trigger(s)\n", len(p.Calendars), len(p.Jobs), len(p.Triggers))
			return nil
		},
	}

	cmd.Flags().StringVarP(&jobFilePath, "file", "f", "", "YAML file containing job definitions")
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (default grpc.addr from config)")
	cmd.Flags().BoolVar(&local, "local", false, "write into the configured store instead of a running node")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace existing jobs, triggers and calendars")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
