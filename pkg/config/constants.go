package config

// EnvPrefix is handed to envconfig; every field carries an explicit name.
const EnvPrefix = "CIVIC"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverSQLite   = "sqlite"
	DBDriverPostgres = "postgres"

	BridgeDriverRedis  = "redis"
	BridgeDriverMemory = "memory"
)

const (
	EnvAppEnv       = "CIVIC_APP_ENV"
	EnvPort         = "CIVIC_APP_PORT"
	EnvDBDriver     = "CIVIC_DB_DRIVER"
	EnvDBDSN        = "CIVIC_DB_DSN"
	EnvDBPath       = "CIVIC_DB_PATH"
	EnvRedisURL     = "CIVIC_REDIS_URL"
	EnvRedisAddr    = "CIVIC_REDIS_ADDR"
	EnvRemoteURL    = "CIVIC_REMOTE_ENDPOINT"
	EnvRemoteAPIKey = "CIVIC_REMOTE_API_KEY"
	EnvMaxAttempts  = "CIVIC_SYNC_MAX_ATTEMPTS"
	EnvSyncInterval = "CIVIC_SYNC_INTERVAL"
	EnvBridgeDriver = "CIVIC_BRIDGE_DRIVER"
)
