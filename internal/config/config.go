// Package config parses the service's configuration from environment
// variables using a typed struct, in the manner of louisbranch.space's
// internal/platform/config (github.com/caarlos0/env), replacing the
// teacher's ad hoc envOrDefault helpers with a single validated source of
// truth covering spec §6.3's option table plus connection settings.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable named in spec §6.3, plus the connection
// settings the teacher's main.go previously read one at a time.
type Config struct {
	// Postgres connection.
	DBHost string `env:"DB_HOST" envDefault:"localhost"`
	DBPort string `env:"DB_PORT" envDefault:"5432"`
	DBName string `env:"DB_NAME" envDefault:"landmarkd"`
	DBUser string `env:"DB_USER" envDefault:"landmarkd"`
	DBPass string `env:"DB_PASS" envDefault:""`

	// Redis connection, used by the durable queue (see internal/queue); the
	// hot cache is in-process and does not use Redis.
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	HTTPPort string `env:"PORT" envDefault:"8080"`

	// Spec §6.3.
	QueryRadiusMeters       int           `env:"QUERY_RADIUS_METERS" envDefault:"500"`
	CacheExpirationDuration time.Duration `env:"CACHE_EXPIRATION_DURATION" envDefault:"1440h"` // 60 days
	CacheTTLSeconds         int           `env:"CACHE_TTL_SECONDS" envDefault:"600"`
	CacheMaxEntries         int           `env:"CACHE_MAX_ENTRIES" envDefault:"10000"`
	ExternalTimeoutSeconds  int           `env:"EXTERNAL_TIMEOUT_SECONDS" envDefault:"30"`
	ExternalTransportRetries int          `env:"EXTERNAL_TRANSPORT_RETRIES" envDefault:"2"`
	WorkerConcurrency       int           `env:"WORKER_CONCURRENCY" envDefault:"3"`
	WebhookSecret           string        `env:"WEBHOOK_SECRET,required"`
	QueueTopic              string        `env:"QUEUE_TOPIC" envDefault:"webhook-processing"`
	ConsumerGroup           string        `env:"CONSUMER_GROUP" envDefault:"webhook-processor-group"`

	// Added to resolve the §9 "PENDING starvation" open question.
	PendingSweepThreshold time.Duration `env:"PENDING_SWEEP_THRESHOLD" envDefault:"15m"`
	PendingSweepInterval  time.Duration `env:"PENDING_SWEEP_INTERVAL" envDefault:"1m"`

	// External geospatial service.
	OverpassBaseURL string `env:"OVERPASS_BASE_URL" envDefault:"https://overpass-api.de/api/interpreter"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) ExternalTimeout() time.Duration {
	return time.Duration(c.ExternalTimeoutSeconds) * time.Second
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName)
}
