// Package config loads and validates timelined's YAML configuration,
// following the teacher's LoadConfig/setDefaults/Validate shape
// (storage-node/internal/config/config.go).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foonetic/timelined/internal/trim"
)

// ServerConfig holds the node identity and admin-surface wiring.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Timeout         time.Duration `yaml:"timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ThreadPoolMin   int           `yaml:"thread_pool_min_threads"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig holds the HTTP admin/metrics/health surface.
type AdminConfig struct {
	HTTPPort   int  `yaml:"http_port"`
	TextPort   int  `yaml:"text_port"`
	TimeSeries bool `yaml:"time_series"`
}

// ReplicaPoolConfig mirrors the redisConfig schema spec.md §6.6 describes
// for both the read and write replica pools.
type ReplicaPoolConfig struct {
	PoolSize              int           `yaml:"pool_size"`
	PoolTimeoutMsec       int           `yaml:"pool_timeout_msec"`
	Pipeline              int           `yaml:"pipeline"`
	TimeoutMsec           int           `yaml:"timeout_msec"`
	KeysTimeoutMsec       int           `yaml:"keys_timeout_msec"`
	ExpirationHours       int           `yaml:"expiration_hours"`
	AutoDisableErrorLimit int           `yaml:"auto_disable_error_limit"`
	AutoDisableDuration   time.Duration `yaml:"auto_disable_duration"`
}

// FuturePoolConfig configures a bounded worker pool used to run
// replication or read fan-out concurrently.
type FuturePoolConfig struct {
	PoolSize    int           `yaml:"pool_size"`
	MaxPoolSize int           `yaml:"max_pool_size"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggingConfig mirrors the teacher's logging knobs plus the
// throttled-duplicate-log controls spec.md's ambient stack calls for.
type LoggingConfig struct {
	Level              string `yaml:"level"`
	Filename           string `yaml:"filename"`
	Rolling            bool   `yaml:"rolling"`
	ThrottlePeriodMsec int    `yaml:"throttle_period_msec"`
	ThrottleRate       int    `yaml:"throttle_rate"`
	Stats              bool   `yaml:"stats"`
}

// TimelineTrimConfig maps a timeline class name to its trim bounds.
type TimelineTrimConfig struct {
	Bounds map[string]trim.Bounds `yaml:"bounds"`
}

// ReplicaHostConfig names one replica host and its read-selection weight
// (spec.md §3 "Replica set: for a given timeline, an ordered list of
// (host, weight)"). The name-server/shard-forwarding lookup that would
// normally resolve a timeline to its replica set is an external
// collaborator (spec.md §1); cmd/timelined instead reads a static replica
// set from config for each forwarding table listed under Tables.
type ReplicaHostConfig struct {
	Host   string `yaml:"host"`
	Weight int    `yaml:"weight"`
}

// TableConfig names one forwarding table and its static replica set.
type TableConfig struct {
	Name     string              `yaml:"name"`
	Replicas []ReplicaHostConfig `yaml:"replicas"`
}

// Config is timelined's complete process configuration.
type Config struct {
	Server                ServerConfig        `yaml:"server"`
	Admin                 AdminConfig         `yaml:"admin"`
	ReadPool              ReplicaPoolConfig   `yaml:"read_pool"`
	WritePool             ReplicaPoolConfig   `yaml:"write_pool"`
	RangeQueryPageSize    int                 `yaml:"range_query_page_size"`
	TimelineTrim          TimelineTrimConfig  `yaml:"timeline_trim"`
	ReplicationFuturePool FuturePoolConfig    `yaml:"replication_future_pool"`
	ReadFuturePool        FuturePoolConfig    `yaml:"read_future_pool"`
	Logging               LoggingConfig       `yaml:"logging"`
	Tables                []TableConfig       `yaml:"tables"`
}

// LoadConfig reads and parses filePath, applies defaults, and validates
// the result.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.ThreadPoolMin == 0 {
		cfg.Server.ThreadPoolMin = 4
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Admin.HTTPPort == 0 {
		cfg.Admin.HTTPPort = 9990
	}
	if cfg.Admin.TextPort == 0 {
		cfg.Admin.TextPort = 9991
	}

	setPoolDefaults(&cfg.ReadPool)
	setPoolDefaults(&cfg.WritePool)

	if cfg.RangeQueryPageSize == 0 {
		cfg.RangeQueryPageSize = 200
	}
	if cfg.TimelineTrim.Bounds == nil {
		cfg.TimelineTrim.Bounds = map[string]trim.Bounds{
			"default": {Lower: 800, Upper: 850},
		}
	}

	setFuturePoolDefaults(&cfg.ReplicationFuturePool, 10, 50)
	setFuturePoolDefaults(&cfg.ReadFuturePool, 10, 50)

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.ThrottlePeriodMsec == 0 {
		cfg.Logging.ThrottlePeriodMsec = 60000
	}
	if cfg.Logging.ThrottleRate == 0 {
		cfg.Logging.ThrottleRate = 5
	}

	if len(cfg.Tables) == 0 {
		cfg.Tables = []TableConfig{{
			Name: "timelines",
			Replicas: []ReplicaHostConfig{
				{Host: "127.0.0.1:6379", Weight: 1},
			},
		}}
	}
}

func setPoolDefaults(p *ReplicaPoolConfig) {
	if p.PoolSize == 0 {
		p.PoolSize = 10
	}
	if p.PoolTimeoutMsec == 0 {
		p.PoolTimeoutMsec = 100
	}
	if p.Pipeline == 0 {
		p.Pipeline = 1000
	}
	if p.TimeoutMsec == 0 {
		p.TimeoutMsec = 1000
	}
	if p.KeysTimeoutMsec == 0 {
		p.KeysTimeoutMsec = 5000
	}
	if p.ExpirationHours == 0 {
		p.ExpirationHours = 24 * 30
	}
	if p.AutoDisableErrorLimit == 0 {
		p.AutoDisableErrorLimit = 5
	}
	if p.AutoDisableDuration == 0 {
		p.AutoDisableDuration = 30 * time.Second
	}
}

func setFuturePoolDefaults(p *FuturePoolConfig, size, max int) {
	if p.PoolSize == 0 {
		p.PoolSize = size
	}
	if p.MaxPoolSize == 0 {
		p.MaxPoolSize = max
	}
	if p.KeepAlive == 0 {
		p.KeepAlive = 60 * time.Second
	}
	if p.Timeout == 0 {
		p.Timeout = 5 * time.Second
	}
}

// Validate checks required fields and sane ranges.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Admin.HTTPPort < 1 || c.Admin.HTTPPort > 65535 {
		return fmt.Errorf("admin.http_port must be between 1 and 65535")
	}
	if c.ReadPool.PoolSize < 1 {
		return fmt.Errorf("read_pool.pool_size must be at least 1")
	}
	if c.WritePool.PoolSize < 1 {
		return fmt.Errorf("write_pool.pool_size must be at least 1")
	}
	for class, bounds := range c.TimelineTrim.Bounds {
		if bounds.Lower < 0 || bounds.Upper < bounds.Lower {
			return fmt.Errorf("timeline_trim.bounds[%s] must satisfy 0 <= lower <= upper", class)
		}
	}
	for _, table := range c.Tables {
		if table.Name == "" {
			return fmt.Errorf("tables: name is required")
		}
		if len(table.Replicas) == 0 {
			return fmt.Errorf("tables[%s]: at least one replica is required", table.Name)
		}
	}
	return nil
}
