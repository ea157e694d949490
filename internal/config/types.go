package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes JSON as a string ("250ms", "30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `json:"level"`  // "debug", "info", "warn", "error"
	Format string `json:"format"` // "text" or "json"
}

// RetryConfig configures exponential backoff around history store calls.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
}

// BreakerConfig configures the circuit breaker in front of the history store.
type BreakerConfig struct {
	MaxRequests         uint32   `json:"max_requests"`         // Probes allowed while half-open
	Timeout             Duration `json:"timeout"`              // How long the breaker stays open
	ConsecutiveFailures uint32   `json:"consecutive_failures"` // Failures before tripping
}

// HistoryConfig selects and tunes the execution history backend.
type HistoryConfig struct {
	Backend string        `json:"backend"` // "memory", "sqlite" or "badger"
	Path    string        `json:"path"`    // Database file (sqlite) or directory (badger)
	Retry   RetryConfig   `json:"retry"`
	Breaker BreakerConfig `json:"breaker"`
}

// GroupConfig dedicates workers to units that declare the group.
type GroupConfig struct {
	Workers int `json:"workers"`
}

// BuildConfig is the top-level configuration.
type BuildConfig struct {
	Buildfile         string                 `json:"buildfile"`
	Workers           int                    `json:"workers"`
	ContinueOnFailure bool                   `json:"continue_on_failure"`
	Rerun             bool                   `json:"rerun"`
	Log               LogConfig              `json:"log"`
	History           HistoryConfig          `json:"history"`
	Groups            map[string]GroupConfig `json:"groups,omitempty"`
	MetricsAddr       string                 `json:"metrics_addr,omitempty"`
}
