package config

// EnvPrefix namespaces every variable processed by envconfig.
const EnvPrefix = "BOOKINGS"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

// Environment variable names referenced outside struct tags.
const (
	EnvAppEnv   = "BOOKINGS_APP_ENV"
	EnvPort     = "BOOKINGS_APP_PORT"
	EnvLogLevel = "BOOKINGS_LOG_LEVEL"

	EnvDBDSN    = "BOOKINGS_DB_DSN"
	EnvDBDriver = "BOOKINGS_DB_DRIVER"
	EnvDBHost   = "BOOKINGS_DB_HOST"
	EnvDBUser   = "BOOKINGS_DB_USER"
	EnvDBName   = "BOOKINGS_DB_NAME"

	EnvRedisURL = "BOOKINGS_REDIS_URL"

	EnvExpiryWindow     = "BOOKINGS_EXPIRY_WINDOW"
	EnvSchedulerBackend = "BOOKINGS_SCHEDULER_BACKEND"

	EnvGCPProjectID      = "BOOKINGS_GCP_PROJECT_ID"
	EnvPubSubBookingsTop = "BOOKINGS_PUBSUB_BOOKINGS_TOPIC"

	EnvKafkaBrokers = "BOOKINGS_KAFKA_BROKERS"
	EnvKafkaTopic   = "BOOKINGS_KAFKA_TOPIC"

	EnvOutboxSink = "BOOKINGS_OUTBOX_SINK"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

const (
	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	SchedulerBackendRedis  = "redis"
	SchedulerBackendMemory = "memory"

	OutboxSinkPubSub = "pubsub"
	OutboxSinkKafka  = "kafka"
)
