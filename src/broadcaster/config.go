package broadcaster

import (
	"os"
	"strconv"
	"time"
)

// RedisConfig holds connection settings for the broadcast backend.
type RedisConfig struct {
	Addr     string // Redis address, default "localhost:6379"
	Password string // Redis password, default ""
	DB       int    // Redis database number, default 0
	Prefix   string // Key and topic prefix, default "tripsage:ws:"

	QueueTTL   time.Duration // priority queue lifetime, default 1h
	HistoryTTL time.Duration // message history lifetime, default 24h
	DedupeTTL  time.Duration // duplicate marker lifetime, default 10s
	MarkerTTL  time.Duration // session activity marker lifetime, default 1h
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:       "localhost:6379",
		Prefix:     "tripsage:ws:",
		QueueTTL:   time.Hour,
		HistoryTTL: 24 * time.Hour,
		DedupeTTL:  10 * time.Second,
		MarkerTTL:  time.Hour,
	}
}

// RedisConfigFromEnv loads Redis configuration from environment
// variables, falling back to defaults for any missing values.
func RedisConfigFromEnv() *RedisConfig {
	cfg := DefaultRedisConfig()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			cfg.DB = db
		}
	}
	if prefix := os.Getenv("REDIS_WS_PREFIX"); prefix != "" {
		cfg.Prefix = prefix
	}
	if ttlStr := os.Getenv("REDIS_QUEUE_TTL"); ttlStr != "" {
		if ttl, err := time.ParseDuration(ttlStr); err == nil {
			cfg.QueueTTL = ttl
		}
	}
	if ttlStr := os.Getenv("REDIS_HISTORY_TTL"); ttlStr != "" {
		if ttl, err := time.ParseDuration(ttlStr); err == nil {
			cfg.HistoryTTL = ttl
		}
	}
	return cfg
}
