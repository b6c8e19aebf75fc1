package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load copies KEY=value pairs from dotenv files into the process environment
// without overriding variables that are already set. It defaults to ./.env.
// A missing file is reported as an error; main treats that as "environment
// only".
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns $key, or fallback when it is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt parses $key as a base-10 int. Anything unparsable yields fallback.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value of the environment variable named
// by key (e.g. "5s", "250ms"), or fallback if the variable is unset, empty, not
// a valid duration, or not positive.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
