package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// envReader resolves environment variables and logs every fallback it takes.
type envReader struct {
	log zerolog.Logger
}

// str returns an environment variable value or fallback if empty.
func (e envReader) str(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		e.log.Debug().Str("env", key).Str("default", fallback).Msg("env not set; using default")
		return fallback
	}
	return value
}

// optional returns a trimmed environment variable value, or "" when unset.
func (e envReader) optional(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// csv parses a comma-delimited environment variable into a string slice.
func (e envReader) csv(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		e.log.Debug().Str("env", key).Strs("default", fallback).Msg("env not set; using default list")
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		e.log.Debug().Str("env", key).Strs("default", fallback).Msg("env parsed empty list; using default")
		return fallback
	}
	return out
}

// integer parses an integer environment variable with fallback.
func (e envReader) integer(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		e.log.Debug().Str("env", key).Int("default", fallback).Msg("env not set; using default")
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return value, nil
}

// float parses a float environment variable with fallback.
func (e envReader) float(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		e.log.Debug().Str("env", key).Float64("default", fallback).Msg("env not set; using default")
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return value, nil
}

// duration parses a duration environment variable with fallback.
func (e envReader) duration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		e.log.Debug().Str("env", key).Dur("default", fallback).Msg("env not set; using default")
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return value, nil
}

// boolean parses a boolean environment variable with fallback.
func (e envReader) boolean(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		e.log.Debug().Str("env", key).Bool("default", fallback).Msg("env not set; using default")
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return value, nil
}
