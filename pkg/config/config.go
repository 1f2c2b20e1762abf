package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	Booking      BookingConfig
	Scheduler    SchedulerConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Kafka        KafkaConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Booking.ExpiryWindow <= 0 {
		return fmt.Errorf("%s must be positive", EnvExpiryWindow)
	}
	switch strings.ToLower(c.Scheduler.Backend) {
	case SchedulerBackendRedis, SchedulerBackendMemory:
	default:
		return fmt.Errorf("%s must be one of %s|%s", EnvSchedulerBackend, SchedulerBackendRedis, SchedulerBackendMemory)
	}
	if !c.Scheduler.IsMemory() && !c.Redis.Configured() {
		return fmt.Errorf("redis is required for the %s scheduler backend", SchedulerBackendRedis)
	}
	switch strings.ToLower(c.Outbox.Sink) {
	case OutboxSinkPubSub, OutboxSinkKafka:
	default:
		return fmt.Errorf("%s must be one of %s|%s", EnvOutboxSink, OutboxSinkPubSub, OutboxSinkKafka)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"BOOKINGS_APP_ENV" required:"true"`
	Port         string `envconfig:"BOOKINGS_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BOOKINGS_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BOOKINGS_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"BOOKINGS_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BOOKINGS_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BOOKINGS_DB_DSN"`
	Driver string `envconfig:"BOOKINGS_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"BOOKINGS_DB_HOST"`
	LegacyPort     int    `envconfig:"BOOKINGS_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"BOOKINGS_DB_USER"`
	LegacyPassword string `envconfig:"BOOKINGS_DB_PASSWORD"`
	LegacyName     string `envconfig:"BOOKINGS_DB_NAME"`
	LegacySSLMode  string `envconfig:"BOOKINGS_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BOOKINGS_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BOOKINGS_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BOOKINGS_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BOOKINGS_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver is sqlite.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(db.Driver, DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"BOOKINGS_REDIS_URL"`
	Address      string        `envconfig:"BOOKINGS_REDIS_ADDR"`
	Password     string        `envconfig:"BOOKINGS_REDIS_PASSWORD"`
	DB           int           `envconfig:"BOOKINGS_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BOOKINGS_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BOOKINGS_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BOOKINGS_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BOOKINGS_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BOOKINGS_REDIS_WRITE_TIMEOUT" default:"5s"`
	// Namespace prefixes every key so several deployments can share a server.
	Namespace string `envconfig:"BOOKINGS_REDIS_NAMESPACE" default:"bk"`
}

// Configured reports whether a Redis endpoint was provided.
func (r RedisConfig) Configured() bool {
	return r.URL != "" || r.Address != ""
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"BOOKINGS_AUTO_MIGRATE" default:"false"`
	Metrics     bool `envconfig:"BOOKINGS_METRICS_ENABLED" default:"true"`
}

type BookingConfig struct {
	ExpiryWindow time.Duration `envconfig:"BOOKINGS_EXPIRY_WINDOW" default:"1m"`
}

type SchedulerConfig struct {
	Backend      string        `envconfig:"BOOKINGS_SCHEDULER_BACKEND" default:"redis"`
	Queue        string        `envconfig:"BOOKINGS_SCHEDULER_QUEUE" default:"booking-expiry"`
	PollInterval time.Duration `envconfig:"BOOKINGS_SCHEDULER_POLL_INTERVAL" default:"500ms"`
	BatchSize    int           `envconfig:"BOOKINGS_SCHEDULER_BATCH_SIZE" default:"50"`
	Lease        time.Duration `envconfig:"BOOKINGS_SCHEDULER_LEASE" default:"30s"`
	MaxAttempts  int           `envconfig:"BOOKINGS_SCHEDULER_MAX_ATTEMPTS" default:"8"`
	RetryBackoff time.Duration `envconfig:"BOOKINGS_SCHEDULER_RETRY_BACKOFF" default:"2s"`
	Concurrency  int           `envconfig:"BOOKINGS_SCHEDULER_CONCURRENCY" default:"8"`
}

// IsMemory reports whether delayed tasks live in-process.
func (s SchedulerConfig) IsMemory() bool {
	return strings.EqualFold(s.Backend, SchedulerBackendMemory)
}

type CronConfig struct {
	Interval   time.Duration `envconfig:"BOOKINGS_CRON_INTERVAL" default:"1m"`
	SweepGrace time.Duration `envconfig:"BOOKINGS_CRON_SWEEP_GRACE" default:"2m"`
	SweepBatch int           `envconfig:"BOOKINGS_CRON_SWEEP_BATCH" default:"200"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"BOOKINGS_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"BOOKINGS_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	BookingsTopic string `envconfig:"BOOKINGS_PUBSUB_BOOKINGS_TOPIC" default:"bookings-events"`
	// DeadLetterTopic receives a copy of terminal outbox rows. Empty disables it.
	DeadLetterTopic string `envconfig:"BOOKINGS_PUBSUB_DLQ_TOPIC"`
	// Ordered publishes with the booking id as ordering key.
	Ordered bool `envconfig:"BOOKINGS_PUBSUB_ORDERED" default:"true"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"BOOKINGS_KAFKA_BROKERS"`
	Topic        string        `envconfig:"BOOKINGS_KAFKA_TOPIC" default:"bookings.events"`
	DLQTopic     string        `envconfig:"BOOKINGS_KAFKA_DLQ_TOPIC" default:"bookings.events.dlq"`
	Compression  string        `envconfig:"BOOKINGS_KAFKA_COMPRESSION" default:"snappy"`
	RequiredAcks int           `envconfig:"BOOKINGS_KAFKA_REQUIRED_ACKS" default:"-1"`
	MaxAttempts  int           `envconfig:"BOOKINGS_KAFKA_MAX_ATTEMPTS" default:"5"`
	BatchTimeout time.Duration `envconfig:"BOOKINGS_KAFKA_BATCH_TIMEOUT" default:"10ms"`
}

type OutboxConfig struct {
	Sink           string `envconfig:"BOOKINGS_OUTBOX_SINK" default:"pubsub"`
	BatchSize      int    `envconfig:"BOOKINGS_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int    `envconfig:"BOOKINGS_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int    `envconfig:"BOOKINGS_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int    `envconfig:"BOOKINGS_OUTBOX_RETENTION_DAYS" default:"30"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if db.IsSQLite() {
		return fmt.Errorf("%s is required when %s=%s", EnvDBDSN, EnvDBDriver, DBDriverSQLite)
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
