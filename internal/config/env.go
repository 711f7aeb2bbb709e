package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// envString reads an environment variable, falling back when unset.
func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// envInt reads an environment variable as a base-10 integer. A value that
// does not parse is logged and the fallback used.
func envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("ignoring invalid integer in environment", "key", key, "value", value)
		return fallback
	}
	return parsed
}

// envSeconds reads an environment variable as a whole number of seconds.
func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

// envBool reads an environment variable as a boolean, accepting the forms
// strconv.ParseBool does.
func envBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		slog.Warn("ignoring invalid boolean in environment", "key", key, "value", value)
		return fallback
	}
	return parsed
}
