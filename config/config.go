// Package config holds runtime configuration for the realtime server,
// loaded from environment variables with production defaults.
package config

import (
	"os"
	"strconv"
)

// Config holds WebSocket server configuration.
type Config struct {
	ListenAddr string // HTTP listen address, default ":8080"
	JWTSecret  string // shared signing secret for token verification

	MaxConnections      int // default 1000
	HeartbeatSeconds    int // heartbeat loop interval, default 30
	CleanupSeconds      int // cleanup loop interval, default 60
	StaleTimeoutSeconds int // heartbeat staleness window, default 300
	AuthTimeoutSeconds  int // auth handshake window, default 5
	ReadBufferSize      int // default 1024
	WriteBufferSize     int // default 1024
}

// Default returns the default server configuration.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8080",
		MaxConnections:      1000,
		HeartbeatSeconds:    30,
		CleanupSeconds:      60,
		StaleTimeoutSeconds: 300,
		AuthTimeoutSeconds:  5,
		ReadBufferSize:      1024,
		WriteBufferSize:     1024,
	}
}

// FromEnv loads configuration from environment variables, falling back
// to defaults for any missing values.
func FromEnv() *Config {
	cfg := Default()

	if addr := os.Getenv("WS_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.JWTSecret = os.Getenv("WS_JWT_SECRET")

	intEnv("WS_MAX_CONNECTIONS", &cfg.MaxConnections)
	intEnv("WS_HEARTBEAT_SECONDS", &cfg.HeartbeatSeconds)
	intEnv("WS_CLEANUP_SECONDS", &cfg.CleanupSeconds)
	intEnv("WS_STALE_TIMEOUT_SECONDS", &cfg.StaleTimeoutSeconds)
	intEnv("WS_AUTH_TIMEOUT_SECONDS", &cfg.AuthTimeoutSeconds)
	intEnv("WS_READ_BUFFER", &cfg.ReadBufferSize)
	intEnv("WS_WRITE_BUFFER", &cfg.WriteBufferSize)
	return cfg
}

func intEnv(name string, dst *int) {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			*dst = v
		}
	}
}
