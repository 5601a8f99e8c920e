package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries process-level settings for the API server.
type Config struct {
	Addr            string
	PGDSN           string
	LockWait        time.Duration
	RateBurst       int
	RatePerSec      int
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment, consulting a local .env
// file first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	lockWait, err := getEnvDuration("TALLYD_LOCK_WAIT", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	shutdown, err := getEnvDuration("TALLYD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Addr:            getEnvString("TALLYD_ADDR", ":8080"),
		PGDSN:           getEnvString("TALLYD_PG_DSN", ""),
		LockWait:        lockWait,
		RateBurst:       getEnvInt("TALLYD_RATE_BURST", 20),
		RatePerSec:      getEnvInt("TALLYD_RATE_PER_SEC", 10),
		MaxBodyBytes:    getEnvInt64("TALLYD_MAX_BODY_BYTES", 1<<20),
		ShutdownTimeout: shutdown,
	}, nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, value, err)
		}
		return duration, nil
	}
	return defaultValue, nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
