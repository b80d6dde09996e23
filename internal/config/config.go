package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables with defaults that let the
// binary run locally against the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	PGTxRetries   int
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	SweepLockKey  string
	SweepLockTTL  time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string
	JWTIssuer string

	SurveyGrace   time.Duration
	SweepInterval time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		PGTxRetries:     3,
		SweepLockKey:    "ride-coordination:sweep",
		SweepLockTTL:    30 * time.Second,
		KafkaTopic:      "ride-notifications",
		JWTIssuer:       "ride-coordination",
		SurveyGrace:     48 * time.Hour,
		SweepInterval:   time.Minute,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = strings.TrimSpace(os.Getenv("PG_DSN"))
	setIntFromEnv(&cfg.PGTxRetries, "PG_TX_RETRIES", &errs)
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.SweepLockKey, "SWEEP_LOCK_KEY")
	setDurationFromEnv(&cfg.SweepLockTTL, "SWEEP_LOCK_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "JWT_ISSUER")

	setDurationFromEnv(&cfg.SurveyGrace, "SURVEY_GRACE", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be set"))
	}
	if cfg.PGTxRetries < 0 {
		errs = append(errs, fmt.Errorf("PG_TX_RETRIES must be >= 0"))
	}
	if cfg.SurveyGrace <= 0 {
		errs = append(errs, fmt.Errorf("SURVEY_GRACE must be > 0"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the notification consumer process.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	DedupTTL      time.Duration

	PushEndpoint string
	PushKey      string

	DeliveryAttempts int
	DeliveryBackoff  time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		KafkaBrokers:     []string{"localhost:9092"},
		KafkaTopic:       "ride-notifications",
		KafkaGroup:       "ride-coordination-consumer",
		RedisAddr:        "localhost:6379",
		DedupTTL:         24 * time.Hour,
		DeliveryAttempts: 3,
		DeliveryBackoff:  200 * time.Millisecond,
		LogLevel:         "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.DedupTTL, "DEDUP_TTL", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	setIntFromEnv(&cfg.DeliveryAttempts, "DELIVERY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.DeliveryBackoff, "DELIVERY_BACKOFF", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.PushEndpoint == "" {
		errs = append(errs, fmt.Errorf("PUSH_ENDPOINT must be set"))
	}
	if cfg.DeliveryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
