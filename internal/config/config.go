package config

import (
	"time"
)

type Config struct {
	Storage      StorageConfig      `mapstructure:"storage"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type StorageConfig struct {
	Type     string `mapstructure:"type"` // "sqlite" or "mysql"
	FilePath string `mapstructure:"file_path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type RemoteConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	AuthToken   string `mapstructure:"auth_token"`
	PushTimeout string `mapstructure:"push_timeout"`
	PullTimeout string `mapstructure:"pull_timeout"`
}

func (r RemoteConfig) GetPushTimeout() time.Duration {
	return parseDurationOr(r.PushTimeout, 15*time.Second)
}

func (r RemoteConfig) GetPullTimeout() time.Duration {
	return parseDurationOr(r.PullTimeout, 30*time.Second)
}

type SyncConfig struct {
	EntityTypes     []string `mapstructure:"entity_types"`
	BatchSize       int      `mapstructure:"batch_size"`
	MaxRetries      int      `mapstructure:"max_retries"`
	BackoffInitial  string   `mapstructure:"backoff_initial"`
	BackoffMax      string   `mapstructure:"backoff_max"`
	EnqueueDebounce string   `mapstructure:"enqueue_debounce"`
	PurgeAfter      string   `mapstructure:"purge_after"`
}

func (s SyncConfig) GetBatchSize() int {
	if s.BatchSize <= 0 {
		return 25
	}
	return s.BatchSize
}

func (s SyncConfig) GetMaxRetries() int {
	if s.MaxRetries <= 0 {
		return 5
	}
	return s.MaxRetries
}

func (s SyncConfig) GetBackoffInitial() time.Duration {
	return parseDurationOr(s.BackoffInitial, 2*time.Second)
}

func (s SyncConfig) GetBackoffMax() time.Duration {
	return parseDurationOr(s.BackoffMax, 5*time.Minute)
}

func (s SyncConfig) GetEnqueueDebounce() time.Duration {
	return parseDurationOr(s.EnqueueDebounce, 3*time.Second)
}

func (s SyncConfig) GetPurgeAfter() time.Duration {
	return parseDurationOr(s.PurgeAfter, 72*time.Hour)
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

func (s SchedulerConfig) GetInterval() string {
	if s.Interval == "" {
		return "@every 15m"
	}
	return s.Interval
}

type ConnectivityConfig struct {
	ProbeURL        string `mapstructure:"probe_url"`
	ProbeInterval   string `mapstructure:"probe_interval"`
	OfflineDebounce string `mapstructure:"offline_debounce"`
}

func (c ConnectivityConfig) GetProbeInterval() time.Duration {
	return parseDurationOr(c.ProbeInterval, 30*time.Second)
}

func (c ConnectivityConfig) GetOfflineDebounce() time.Duration {
	return parseDurationOr(c.OfflineDebounce, 5*time.Second)
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDurationOr(s.ReadTimeout, 10*time.Second)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDurationOr(s.WriteTimeout, 30*time.Second)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
