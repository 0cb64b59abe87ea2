// Package config loads client settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything a race view needs to connect.
type Config struct {
	// ServerURL is the HTTP API base, e.g. https://api.itchyfingers.dev.
	ServerURL string
	// SocketURL is the realtime endpoint, e.g. wss://api.itchyfingers.dev/ws.
	SocketURL string
	// Token is the bearer token identifying the user; empty means guest.
	Token string
	// AllowAnonymous permits joining without a token.
	AllowAnonymous bool

	DialTimeout       time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	// HistoryPath is the local results database; empty disables history.
	HistoryPath string
}

// Load reads the configuration, honoring a .env file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerURL:         getEnv("ITCHY_SERVER_URL", "http://localhost:8080"),
		SocketURL:         getEnv("ITCHY_SOCKET_URL", "ws://localhost:8080/ws"),
		Token:             getEnv("ITCHY_TOKEN", ""),
		AllowAnonymous:    getEnvBool("ITCHY_ALLOW_ANONYMOUS", true),
		DialTimeout:       getEnvDuration("ITCHY_DIAL_TIMEOUT", 10*time.Second),
		ReconnectAttempts: getEnvInt("ITCHY_RECONNECT_ATTEMPTS", 4),
		ReconnectDelay:    getEnvDuration("ITCHY_RECONNECT_DELAY", 2*time.Second),
		HistoryPath:       getEnv("ITCHY_HISTORY_PATH", ""),
	}

	if cfg.ServerURL == "" || cfg.SocketURL == "" {
		return nil, fmt.Errorf("config: server and socket URLs are required")
	}
	if cfg.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("config: reconnect attempts must not be negative")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
