// ============================================================================
// beaver-sched 配置
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 以 viper 讀取 YAML 配置檔，環境變數可覆蓋任何欄位
//
// 優先順序（低 -> 高）:
//   1. SetDefaults 的預設值
//   2. 配置檔（預設 configs/default.yaml；不存在時只用預設值）
//   3. 環境變數 BEAVER_<SECTION>_<KEY>，例如 BEAVER_JOBSTORE_CLUSTERED=true
//
// ============================================================================

package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "BEAVER"

// Config 完整配置
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	JobStore  JobStoreConfig  `mapstructure:"jobstore"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Log       LogConfig       `mapstructure:"log"`
}

type SchedulerConfig struct {
	InstanceName    string        `mapstructure:"instance_name"`
	InstanceID      string        `mapstructure:"instance_id"` // 空字串或 AUTO 表示自動產生
	ThreadCount     int           `mapstructure:"thread_count"`
	BatchSize       int           `mapstructure:"batch_size"`
	BatchTimeWindow time.Duration `mapstructure:"batch_time_window"`
	IdleWaitTime    time.Duration `mapstructure:"idle_wait_time"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
}

type JobStoreConfig struct {
	Kind                       string        `mapstructure:"kind"` // memory | sql | redis
	DSN                        string        `mapstructure:"dsn"`  // sqlite 檔案路徑
	MisfireThreshold           time.Duration `mapstructure:"misfire_threshold"`
	MaxMisfiresToHandleAtATime int           `mapstructure:"max_misfires_to_handle_at_a_time"`
	DoubleCheckMisfires        bool          `mapstructure:"double_check_misfires"`
	Clustered                  bool          `mapstructure:"clustered"`
	ClusterCheckinInterval     time.Duration `mapstructure:"cluster_checkin_interval"`
	RetryInterval              time.Duration `mapstructure:"retry_interval"`
	Lock                       string        `mapstructure:"lock"` // local | row | redis
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	Prefix   string        `mapstructure:"prefix"`
	// jobstore.kind redis 的共享狀態
	StorePrefix string `mapstructure:"store_prefix"`
	StoreMaxLog int64  `mapstructure:"store_max_log"`
}

// SnapshotConfig 記憶體 store 的持久化；WALPath 為空表示只靠快照
type SnapshotConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	WALPath  string        `mapstructure:"wal_path"`
	WALSync  bool          `mapstructure:"wal_sync"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Addr    string `mapstructure:"addr"` // admin 指令連線的位址
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SetDefaults 設定所有欄位的預設值；AutomaticEnv 只會覆蓋有預設值的 key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.instance_name", "BeaverScheduler")
	v.SetDefault("scheduler.instance_id", "")
	v.SetDefault("scheduler.thread_count", 4)
	v.SetDefault("scheduler.batch_size", 1)
	v.SetDefault("scheduler.batch_time_window", "0s")
	v.SetDefault("scheduler.idle_wait_time", "30s")
	v.SetDefault("scheduler.job_timeout", "0s")

	v.SetDefault("jobstore.kind", "memory")
	v.SetDefault("jobstore.dsn", "data/beaver.db")
	v.SetDefault("jobstore.misfire_threshold", "60s")
	v.SetDefault("jobstore.max_misfires_to_handle_at_a_time", 20)
	v.SetDefault("jobstore.double_check_misfires", true)
	v.SetDefault("jobstore.clustered", false)
	v.SetDefault("jobstore.cluster_checkin_interval", "7.5s")
	v.SetDefault("jobstore.retry_interval", "15s")
	v.SetDefault("jobstore.lock", "local")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("redis.prefix", "beaver:lock:")
	v.SetDefault("redis.store_prefix", "beaver:store:")
	v.SetDefault("redis.store_max_log", 10000)

	v.SetDefault("snapshot.path", "")
	v.SetDefault("snapshot.interval", "1m")
	v.SetDefault("snapshot.wal_path", "")
	v.SetDefault("snapshot.wal_sync", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.port", 50051)
	v.SetDefault("grpc.addr", "localhost:50051")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// New 建立已設定預設值與環境變數綁定的 viper
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load 讀取配置檔；path 為空或檔案不存在時只使用預設值與環境變數
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "read config file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat config file %s", path)
		}
	}
	return Unmarshal(v)
}

// Unmarshal 把 viper 內容轉成 Config 並檢查
func Unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查列舉欄位與組合
func (c *Config) Validate() error {
	switch c.JobStore.Kind {
	case "memory", "sql", "redis":
	default:
		return errors.Newf("jobstore.kind must be memory, sql or redis, got %q", c.JobStore.Kind)
	}
	switch c.JobStore.Lock {
	case "local", "row", "redis":
	default:
		return errors.Newf("jobstore.lock must be local, row or redis, got %q", c.JobStore.Lock)
	}
	if c.JobStore.Lock == "row" && c.JobStore.Kind != "sql" {
		return errors.New("jobstore.lock row requires jobstore.kind sql")
	}
	if c.JobStore.Kind == "redis" && c.JobStore.Lock != "redis" {
		return errors.New("jobstore.kind redis requires jobstore.lock redis")
	}
	if c.JobStore.Clustered && c.JobStore.Kind == "memory" {
		return errors.New("jobstore.clustered requires a shared store (jobstore.kind sql or redis)")
	}
	if c.JobStore.Clustered && c.JobStore.Lock == "local" {
		return errors.New("jobstore.clustered requires a cross-process lock (row or redis)")
	}
	if c.Snapshot.WALPath != "" && c.Snapshot.Path == "" {
		return errors.New("snapshot.wal_path requires snapshot.path")
	}
	if c.Scheduler.ThreadCount < 1 {
		return errors.Newf("scheduler.thread_count must be positive, got %d", c.Scheduler.ThreadCount)
	}
	return nil
}
