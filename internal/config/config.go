package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPPort    int
	NATSURL     string
	DatabaseURL string

	MaxAttempts  int
	FetchTimeout time.Duration

	APIBaseURL string
}

func Load() *Config {
	return &Config{
		HTTPPort:     getEnvInt("HTTP_PORT", 8080),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		MaxAttempts:  getEnvInt("MAX_ATTEMPTS", 3),
		FetchTimeout: time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 2)) * time.Second,
		APIBaseURL:   getEnv("API_BASE_URL", "http://localhost:8080"),
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
