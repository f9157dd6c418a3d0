// Copyright 2025 James Ross
// Package config loads the ingest job configuration document: the single
// JSON/YAML file a user writes describing the source dataset, its target
// location, and which plugins to use. Only the keys the engine itself reads
// are modeled here; full JSON-schema validation and user-facing config
// error reporting are left to an external collaborator.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Extent is an inclusive-exclusive [start, stop) range along one axis.
type Extent struct {
	Start int `mapstructure:"start"`
	Stop  int `mapstructure:"stop"`
}

func (e Extent) Size() int { return e.Stop - e.Start }

// IngestJob is the `ingest_job` document section.
type IngestJob struct {
	IngestType string            `mapstructure:"ingest_type"` // "tile" | "volumetric"
	Resolution int               `mapstructure:"resolution"`
	Extent     map[string]Extent `mapstructure:"extent"` // keys: x, y, z, t
	TileSize   map[string]int    `mapstructure:"tile_size"`
	ChunkSize  map[string]int    `mapstructure:"chunk_size"`
}

// PluginConfig names a plugin implementation and its free-form parameters.
type PluginConfig struct {
	Class  string                 `mapstructure:"class"`
	Params map[string]interface{} `mapstructure:"params"`
}

// BackendConfig names the remote control-plane endpoint.
type BackendConfig struct {
	Name     string `mapstructure:"name"`
	Class    string `mapstructure:"class"`
	Host     string `mapstructure:"host"`
	Protocol string `mapstructure:"protocol"`
}

// Client is the `client` document section.
type Client struct {
	Backend        BackendConfig `mapstructure:"backend"`
	PathProcessor  PluginConfig  `mapstructure:"path_processor"`
	TileProcessor  PluginConfig  `mapstructure:"tile_processor"`
	ChunkProcessor PluginConfig  `mapstructure:"chunk_processor"`
}

// Engine holds the engine-internal tunables: credential timeout margin,
// retry ceilings, and poll intervals. These are not part of the
// user-facing ingest_job document — they are defaults a deployment may
// override.
type Engine struct {
	CredentialTimeout    time.Duration `mapstructure:"credential_timeout"`
	MsgWaitIterations    int           `mapstructure:"msg_wait_iterations"`
	EmptyPollSleep       time.Duration `mapstructure:"empty_poll_sleep"`
	AccessDeniedLimit    int           `mapstructure:"access_denied_limit"`
	InvalidKeyLimit      int           `mapstructure:"invalid_key_limit"`
	InvalidKeySleep      time.Duration `mapstructure:"invalid_key_sleep"`
	GetTaskRetryLimit    int           `mapstructure:"get_task_retry_limit"`
	GetTaskRetrySleep    time.Duration `mapstructure:"get_task_retry_sleep"`
	TileSizeX            int           `mapstructure:"-"`
	TileSizeY            int           `mapstructure:"-"`
}

// Coordinator holds the coordinator's own tunables: pool spawn pacing and
// the monitoring loop's poll/log/window sizes.
type Coordinator struct {
	ProcessesNB        int           `mapstructure:"processes_nb"`
	SpawnStagger       time.Duration `mapstructure:"spawn_stagger"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	StatusLogInterval  time.Duration `mapstructure:"status_log_interval"`
	RateWindowSize     int           `mapstructure:"rate_window_size"`
	ManualComplete     bool          `mapstructure:"manual_complete"`
}

// CircuitBreaker configures the breaker that gates backend calls.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Redis configures the Redis connection backing the work-queue stand-in.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Observability configures the metrics port and log level.
type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Config is the full ingest configuration document plus engine-internal
// defaults.
type Config struct {
	Schema         string          `mapstructure:"schema"`
	Client         Client          `mapstructure:"client"`
	IngestJob      IngestJob       `mapstructure:"ingest_job"`
	Engine         Engine          `mapstructure:"engine"`
	Coordinator    Coordinator     `mapstructure:"coordinator"`
	CircuitBreaker CircuitBreaker  `mapstructure:"circuit_breaker"`
	Redis          Redis           `mapstructure:"redis"`
	Observability  Observability   `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Engine: Engine{
			CredentialTimeout: 3300 * time.Second,
			MsgWaitIterations: 20,
			EmptyPollSleep:    10 * time.Second,
			AccessDeniedLimit: 20,
			InvalidKeyLimit:   20,
			InvalidKeySleep:   5 * time.Second,
			GetTaskRetryLimit: 19,
			GetTaskRetrySleep: 15 * time.Second,
		},
		Coordinator: Coordinator{
			ProcessesNB:       1,
			SpawnStagger:      500 * time.Millisecond,
			PollInterval:      10 * time.Second,
			StatusLogInterval: 30 * time.Second,
			RateWindowSize:    6,
			ManualComplete:    false,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads the ingest configuration document (YAML or JSON, viper
// autodetects) plus environment overrides, layering viper defaults under
// the file under env.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("engine.credential_timeout", def.Engine.CredentialTimeout)
	v.SetDefault("engine.msg_wait_iterations", def.Engine.MsgWaitIterations)
	v.SetDefault("engine.empty_poll_sleep", def.Engine.EmptyPollSleep)
	v.SetDefault("engine.access_denied_limit", def.Engine.AccessDeniedLimit)
	v.SetDefault("engine.invalid_key_limit", def.Engine.InvalidKeyLimit)
	v.SetDefault("engine.invalid_key_sleep", def.Engine.InvalidKeySleep)
	v.SetDefault("engine.get_task_retry_limit", def.Engine.GetTaskRetryLimit)
	v.SetDefault("engine.get_task_retry_sleep", def.Engine.GetTaskRetrySleep)

	v.SetDefault("coordinator.processes_nb", def.Coordinator.ProcessesNB)
	v.SetDefault("coordinator.spawn_stagger", def.Coordinator.SpawnStagger)
	v.SetDefault("coordinator.poll_interval", def.Coordinator.PollInterval)
	v.SetDefault("coordinator.status_log_interval", def.Coordinator.StatusLogInterval)
	v.SetDefault("coordinator.rate_window_size", def.Coordinator.RateWindowSize)
	v.SetDefault("coordinator.manual_complete", def.Coordinator.ManualComplete)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Engine.TileSizeX = cfg.IngestJob.TileSize["x"]
	cfg.Engine.TileSizeY = cfg.IngestJob.TileSize["y"]
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the shape the engine itself depends on; the full
// JSON-schema validation of the document stays out of scope.
func Validate(cfg *Config) error {
	switch cfg.IngestJob.IngestType {
	case "tile", "volumetric":
	default:
		return fmt.Errorf("config: ingest_job.ingest_type must be \"tile\" or \"volumetric\", got %q", cfg.IngestJob.IngestType)
	}
	if cfg.IngestJob.IngestType == "tile" && len(cfg.IngestJob.TileSize) == 0 {
		return fmt.Errorf("config: ingest_job.tile_size is required for tile ingests")
	}
	if cfg.IngestJob.IngestType == "volumetric" {
		if len(cfg.IngestJob.ChunkSize) == 0 {
			return fmt.Errorf("config: ingest_job.chunk_size is required for volumetric ingests")
		}
		for axis, native := range map[string]int{"x": 512, "y": 512, "z": 16} {
			if size, ok := cfg.IngestJob.ChunkSize[axis]; ok && size%native != 0 {
				return fmt.Errorf("config: ingest_job.chunk_size.%s (%d) must be a multiple of %d", axis, size, native)
			}
		}
	}
	if cfg.Client.PathProcessor.Class == "" {
		return fmt.Errorf("config: client.path_processor.class is required")
	}
	if cfg.Engine.CredentialTimeout < 0 {
		return fmt.Errorf("config: engine.credential_timeout must be >= 0")
	}
	if cfg.Engine.MsgWaitIterations < 1 {
		return fmt.Errorf("config: engine.msg_wait_iterations must be >= 1")
	}
	if cfg.Coordinator.ProcessesNB < 1 {
		return fmt.Errorf("config: coordinator.processes_nb must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("config: observability.metrics_port must be 1..65535")
	}
	return nil
}
