package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App        AppConfig        `envPrefix:"APP_"`
	Postgres   PostgresConfig   `envPrefix:"POSTGRES_"`
	Redis      RedisConfig      `envPrefix:"REDIS_"`
	Logger     LoggerConfig     `envPrefix:"LOG_"`
	Auth       AuthConfig       `envPrefix:"AUTH_"`
	Dispatcher DispatcherConfig `envPrefix:"DISPATCHER_"`
	SLA        SLAConfig        `envPrefix:"SLA_"`
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `env:"NAME"                    envDefault:"ticketflow"`
	Env                   string `env:"ENV"                     envDefault:"development"`
	Host                  string `env:"HOST"                    envDefault:"0.0.0.0"`
	Port                  string `env:"PORT"                    envDefault:"8080"`
	Version               string `env:"VERSION"                 envDefault:"dev"`
	RequestTimeoutSeconds int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN               string        `env:"DSN"`
	ApplicationName   string        `env:"APPLICATION_NAME"      envDefault:"ticketflow"`
	MaxConns          int32         `env:"MAX_CONNS"             envDefault:"10"`
	MinConns          int32         `env:"MIN_CONNS"             envDefault:"2"`
	RunMigrations     bool          `env:"RUN_MIGRATIONS"        envDefault:"true"`
	ConnMaxIdleSec    int32         `env:"CONN_MAX_IDLE_SECONDS" envDefault:"30"`
	ConnMaxLifeSec    int32         `env:"CONN_MAX_LIFE_SECONDS" envDefault:"300"`
	HealthCheckPeriod time.Duration `env:"HEALTH_CHECK_PERIOD"   envDefault:"30s"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT"       envDefault:"5s"`
	ConnectAttempts   int           `env:"CONNECT_ATTEMPTS"      envDefault:"5"`
	StatementTimeout  time.Duration `env:"STATEMENT_TIMEOUT"     envDefault:"15s"`
	LockTimeout       time.Duration `env:"LOCK_TIMEOUT"          envDefault:"2s"`
	IdleInTxTimeout   time.Duration `env:"IDLE_IN_TX_TIMEOUT"    envDefault:"30s"`
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr          string `env:"ADDR"           envDefault:"127.0.0.1:6379"`
	Password      string `env:"PASSWORD"`
	DB            int    `env:"DB"             envDefault:"0"`
	WakeupChannel string `env:"WAKEUP_CHANNEL" envDefault:"ticketflow:outbox:wakeup"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
}

// AuthConfig defines bearer token parameters.
type AuthConfig struct {
	JWTSecret             string `env:"JWT_SECRET"               envDefault:"dev-secret"`
	AccessTokenTTLMinutes int    `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"60"`
}

// DispatcherConfig tunes the webhook dispatcher.
type DispatcherConfig struct {
	WorkerID          string        `env:"WORKER_ID"`
	BatchSize         int           `env:"BATCH_SIZE"         envDefault:"100"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"      envDefault:"2s"`
	LeaseTTL          time.Duration `env:"LEASE_TTL"          envDefault:"60s"`
	AttemptTimeout    time.Duration `env:"ATTEMPT_TIMEOUT"    envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"20s"`
	Concurrency       int           `env:"CONCURRENCY"        envDefault:"8"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE"       envDefault:"30s"`
	BackoffFactor     float64       `env:"BACKOFF_FACTOR"     envDefault:"2"`
	BackoffCap        time.Duration `env:"BACKOFF_CAP"        envDefault:"1h"`
	MaxAttempts       int           `env:"MAX_ATTEMPTS"       envDefault:"10"`
	MaxEventFailures  int           `env:"MAX_EVENT_FAILURES" envDefault:"5"`
	Embedded          bool          `env:"EMBEDDED"           envDefault:"true"`
}

// SLAConfig tunes SLA tracking and the breach sweep.
type SLAConfig struct {
	WarningRatio   float64 `env:"WARNING_RATIO"   envDefault:"0.1"`
	PolicyFile     string  `env:"POLICY_FILE"`
	SweepSchedule  string  `env:"SWEEP_SCHEDULE"  envDefault:"@every 1m"`
	SweepBatchSize int     `env:"SWEEP_BATCH_SIZE" envDefault:"200"`
	SweepEnabled   bool    `env:"SWEEP_ENABLED"   envDefault:"true"`
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Dispatcher.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.Dispatcher.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	d := c.Dispatcher
	switch {
	case d.BatchSize <= 0:
		return fmt.Errorf("DISPATCHER_BATCH_SIZE must be positive")
	case d.MaxAttempts <= 0:
		return fmt.Errorf("DISPATCHER_MAX_ATTEMPTS must be positive")
	case d.BackoffFactor < 1:
		return fmt.Errorf("DISPATCHER_BACKOFF_FACTOR must be at least 1")
	case d.LeaseTTL <= d.AttemptTimeout:
		return fmt.Errorf("DISPATCHER_LEASE_TTL must exceed DISPATCHER_ATTEMPT_TIMEOUT")
	case d.HeartbeatInterval <= 0 || d.HeartbeatInterval > d.LeaseTTL-d.AttemptTimeout:
		return fmt.Errorf("DISPATCHER_HEARTBEAT_INTERVAL must be positive and at most DISPATCHER_LEASE_TTL minus DISPATCHER_ATTEMPT_TIMEOUT")
	case c.SLA.WarningRatio <= 0 || c.SLA.WarningRatio >= 1:
		return fmt.Errorf("SLA_WARNING_RATIO must be in (0,1)")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}
