package config

import (
	"runtime"
	"time"
)

// Supported history backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     Duration(100 * time.Millisecond),
		MaxInterval:         Duration(10 * time.Second),
		MaxElapsedTime:      Duration(2 * time.Minute),
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// DefaultBreakerConfig returns the default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Timeout:             Duration(30 * time.Second),
		ConsecutiveFailures: 5,
	}
}

// DefaultConfig returns the built-in configuration: one worker per CPU, fail-fast,
// and a SQLite history under .buildgraph/.
func DefaultConfig() *BuildConfig {
	return &BuildConfig{
		Buildfile: "buildgraph.yaml",
		Workers:   runtime.NumCPU(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		History: HistoryConfig{
			Backend: BackendSQLite,
			Path:    ".buildgraph/history.db",
			Retry:   DefaultRetryConfig(),
			Breaker: DefaultBreakerConfig(),
		},
		Groups: map[string]GroupConfig{},
	}
}
