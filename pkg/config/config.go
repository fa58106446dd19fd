package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Remote       RemoteConfig
	Sync         SyncConfig
	Agent        AgentConfig
	Connectivity ConnectivityConfig
	Bridge       BridgeConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if cfg.Bridge.Driver == BridgeDriverRedis && cfg.Redis.URL == "" && cfg.Redis.Address == "" {
		return nil, fmt.Errorf("%s or %s is required when %s=%s", EnvRedisURL, EnvRedisAddr, EnvBridgeDriver, BridgeDriverRedis)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CIVIC_APP_ENV" required:"true"`
	Port         string `envconfig:"CIVIC_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CIVIC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CIVIC_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"CIVIC_LOG_FORMAT" default:"json"`
	// CORSOrigins is a comma separated list; empty allows the local dev servers.
	CORSOrigins []string `envconfig:"CIVIC_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CIVIC_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	Driver string `envconfig:"CIVIC_DB_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"CIVIC_DB_DSN"`
	Path   string `envconfig:"CIVIC_DB_PATH" default:"civicreport-queue.db"`

	MaxOpenConns    int           `envconfig:"CIVIC_DB_MAX_OPEN_CONNS" default:"4"`
	MaxIdleConns    int           `envconfig:"CIVIC_DB_MAX_IDLE_CONNS" default:"2"`
	ConnMaxLifetime time.Duration `envconfig:"CIVIC_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CIVIC_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	BusyTimeout     time.Duration `envconfig:"CIVIC_DB_BUSY_TIMEOUT" default:"5s"`
}

// IsSQLite reports whether the local queue lives in an on-disk SQLite file.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(db.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"CIVIC_REDIS_URL"`
	Address      string        `envconfig:"CIVIC_REDIS_ADDR"`
	Password     string        `envconfig:"CIVIC_REDIS_PASSWORD"`
	DB           int           `envconfig:"CIVIC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CIVIC_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CIVIC_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CIVIC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CIVIC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CIVIC_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// RemoteConfig carries optional defaults for the remote backend. The access
// token is never configured here; foreground sessions push it at runtime.
type RemoteConfig struct {
	Endpoint    string        `envconfig:"CIVIC_REMOTE_ENDPOINT"`
	APIKey      string        `envconfig:"CIVIC_REMOTE_API_KEY"`
	Bucket      string        `envconfig:"CIVIC_REMOTE_BUCKET" default:"issue-images"`
	HTTPTimeout time.Duration `envconfig:"CIVIC_REMOTE_HTTP_TIMEOUT" default:"30s"`
}

type SyncConfig struct {
	MaxAttempts int           `envconfig:"CIVIC_SYNC_MAX_ATTEMPTS" default:"3"`
	Interval    time.Duration `envconfig:"CIVIC_SYNC_INTERVAL" default:"2m"`
	StaleAfter  time.Duration `envconfig:"CIVIC_SYNC_STALE_AFTER" default:"10m"`
	LockTTL     time.Duration `envconfig:"CIVIC_SYNC_LOCK_TTL" default:"5m"`
}

type AgentConfig struct {
	WakeInterval time.Duration `envconfig:"CIVIC_AGENT_WAKE_INTERVAL" default:"5m"`
	MaxBackoff   time.Duration `envconfig:"CIVIC_AGENT_MAX_BACKOFF" default:"10m"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `envconfig:"CIVIC_CONNECTIVITY_PROBE_URL"`
	ProbeInterval time.Duration `envconfig:"CIVIC_CONNECTIVITY_PROBE_INTERVAL" default:"30s"`
	ProbeTimeout  time.Duration `envconfig:"CIVIC_CONNECTIVITY_PROBE_TIMEOUT" default:"5s"`
	PoorLatency   time.Duration `envconfig:"CIVIC_CONNECTIVITY_POOR_LATENCY" default:"1500ms"`
}

type BridgeConfig struct {
	Driver      string        `envconfig:"CIVIC_BRIDGE_DRIVER" default:"redis"`
	PresenceTTL time.Duration `envconfig:"CIVIC_BRIDGE_PRESENCE_TTL" default:"45s"`
	SyncTimeout time.Duration `envconfig:"CIVIC_BRIDGE_SYNC_TIMEOUT" default:"2m"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"CIVIC_AUTO_MIGRATE" default:"true"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(db.Driver)) {
	case DBDriverSQLite:
		if db.Path == "" {
			return fmt.Errorf("either %s or %s is required", EnvDBDSN, EnvDBPath)
		}
		busy := db.BusyTimeout.Milliseconds()
		if busy <= 0 {
			busy = 5000
		}
		// WAL lets the api and replay-agent processes share the file.
		db.DSN = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", db.Path, busy)
		return nil
	case DBDriverPostgres:
		return fmt.Errorf("%s is required when %s=%s", EnvDBDSN, EnvDBDriver, DBDriverPostgres)
	default:
		return fmt.Errorf("unsupported %s %q", EnvDBDriver, db.Driver)
	}
}
