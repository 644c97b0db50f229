package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Sink names accepted by TELEMETRY_SINK.
const (
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkNone     = "none"
)

// Opt-out modes accepted by TELEMETRY_OPT_OUT_MODE.
const (
	OptOutAll         = "all"
	OptOutPersistence = "persistence"
	OptOutMetrics     = "metrics"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Logger    LoggerConfig
	Telemetry TelemetryConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// TelemetryConfig configures request telemetry collection and persistence.
type TelemetryConfig struct {
	Sink          string
	OptOutCookie  string
	OptOutHeader  string
	OptOutMode    string
	Workers       int
	QueueSize     int
	TaskTimeout   time.Duration
	StreamTimeout time.Duration
	BatchSize     int
	FlushInterval time.Duration
	RetryAttempts int
	RecordTTL     time.Duration
	KeyPrefix     string
	MetricsPath   string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	taskTimeout, err := getEnvAsDuration("TELEMETRY_TASK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	streamTimeout, err := getEnvAsDuration("TELEMETRY_STREAM_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	flushInterval, err := getEnvAsDuration("TELEMETRY_FLUSH_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	recordTTL, err := getEnvAsDuration("TELEMETRY_RECORD_TTL", 30*24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "site"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8000"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Telemetry: TelemetryConfig{
			Sink:          strings.ToLower(getEnv("TELEMETRY_SINK", SinkPostgres)),
			OptOutCookie:  getEnv("TELEMETRY_OPT_OUT_COOKIE", "anonymize_logging"),
			OptOutHeader:  getEnv("TELEMETRY_OPT_OUT_HEADER", "X-Anonymize-Logging"),
			OptOutMode:    strings.ToLower(getEnv("TELEMETRY_OPT_OUT_MODE", OptOutAll)),
			Workers:       getEnvAsInt("TELEMETRY_WORKERS", 4),
			QueueSize:     getEnvAsInt("TELEMETRY_QUEUE_SIZE", 1024),
			TaskTimeout:   taskTimeout,
			StreamTimeout: streamTimeout,
			BatchSize:     getEnvAsInt("TELEMETRY_BATCH_SIZE", 64),
			FlushInterval: flushInterval,
			RetryAttempts: getEnvAsInt("TELEMETRY_RETRY_ATTEMPTS", 3),
			RecordTTL:     recordTTL,
			KeyPrefix:     getEnv("TELEMETRY_KEY_PREFIX", "requests"),
			MetricsPath:   getEnv("TELEMETRY_METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Telemetry.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (t TelemetryConfig) validate() error {
	switch t.Sink {
	case SinkPostgres, SinkRedis, SinkNone:
	default:
		return fmt.Errorf("invalid TELEMETRY_SINK: %q", t.Sink)
	}
	switch t.OptOutMode {
	case OptOutAll, OptOutPersistence, OptOutMetrics:
	default:
		return fmt.Errorf("invalid TELEMETRY_OPT_OUT_MODE: %q", t.OptOutMode)
	}
	if t.Workers <= 0 {
		return fmt.Errorf("TELEMETRY_WORKERS must be positive, got %d", t.Workers)
	}
	if t.QueueSize <= 0 {
		return fmt.Errorf("TELEMETRY_QUEUE_SIZE must be positive, got %d", t.QueueSize)
	}
	if !strings.HasPrefix(t.MetricsPath, "/") {
		return fmt.Errorf("TELEMETRY_METRICS_PATH must start with '/', got %q", t.MetricsPath)
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

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
