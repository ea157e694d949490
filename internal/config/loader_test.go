package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalConfig  string
		projectConfig string
		check         func(t *testing.T, cfg *BuildConfig)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *BuildConfig) {
				if cfg.Workers != runtime.NumCPU() {
					t.Errorf("workers = %d, want %d", cfg.Workers, runtime.NumCPU())
				}
				if cfg.History.Backend != BackendSQLite {
					t.Errorf("backend = %q, want sqlite", cfg.History.Backend)
				}
				if cfg.History.Breaker.ConsecutiveFailures != 5 {
					t.Errorf("breaker failures = %d, want 5", cfg.History.Breaker.ConsecutiveFailures)
				}
			},
		},
		{
			name:         "Global only - overrides scalar and keeps nested defaults",
			globalConfig: `{"workers": 3, "history": {"backend": "badger", "path": "/tmp/h"}}`,
			check: func(t *testing.T, cfg *BuildConfig) {
				if cfg.Workers != 3 {
					t.Errorf("workers = %d, want 3", cfg.Workers)
				}
				if cfg.History.Backend != BackendBadger || cfg.History.Path != "/tmp/h" {
					t.Errorf("history = %+v", cfg.History)
				}
				if cfg.History.Retry.InitialInterval.Std() != 100*time.Millisecond {
					t.Errorf("retry defaults lost: %+v", cfg.History.Retry)
				}
			},
		},
		{
			name:          "Project overrides global - project wins",
			globalConfig:  `{"workers": 3, "continue_on_failure": true}`,
			projectConfig: `{"workers": 7, "log": {"level": "debug"}}`,
			check: func(t *testing.T, cfg *BuildConfig) {
				if cfg.Workers != 7 {
					t.Errorf("workers = %d, want 7", cfg.Workers)
				}
				if !cfg.ContinueOnFailure {
					t.Error("continue_on_failure from global config lost")
				}
				if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
					t.Errorf("log = %+v, want debug/text", cfg.Log)
				}
			},
		},
		{
			name:          "Groups merge by name",
			globalConfig:  `{"groups": {"docker": {"workers": 1}, "tests": {"workers": 2}}}`,
			projectConfig: `{"groups": {"tests": {"workers": 4}}}`,
			check: func(t *testing.T, cfg *BuildConfig) {
				if len(cfg.Groups) != 2 {
					t.Fatalf("groups = %v, want 2 entries", cfg.Groups)
				}
				if cfg.Groups["docker"].Workers != 1 || cfg.Groups["tests"].Workers != 4 {
					t.Errorf("groups = %v", cfg.Groups)
				}
			},
		},
		{
			name:         "Durations parse from strings",
			globalConfig: `{"history": {"breaker": {"timeout": "5s"}, "retry": {"max_elapsed_time": "1m30s"}}}`,
			check: func(t *testing.T, cfg *BuildConfig) {
				if cfg.History.Breaker.Timeout.Std() != 5*time.Second {
					t.Errorf("breaker timeout = %v", cfg.History.Breaker.Timeout.Std())
				}
				if cfg.History.Retry.MaxElapsedTime.Std() != 90*time.Second {
					t.Errorf("max elapsed = %v", cfg.History.Retry.MaxElapsedTime.Std())
				}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != "" {
				globalPath = writeFile(t, tmpDir, "global.json", tt.globalConfig)
			}
			projectPath := ""
			if tt.projectConfig != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	globalPath := writeFile(t, t.TempDir(), "global.json", "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global.json") {
		t.Errorf("error does not name the file: %v", err)
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Buildfile != "buildgraph.yaml" {
		t.Errorf("buildfile = %q, want default", cfg.Buildfile)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *BuildConfig)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*BuildConfig) {}},
		{name: "zero workers", mutate: func(c *BuildConfig) { c.Workers = 0 }, wantErr: "workers must be at least 1"},
		{name: "unknown backend", mutate: func(c *BuildConfig) { c.History.Backend = "redis" }, wantErr: `unknown history backend "redis"`},
		{name: "sqlite without path", mutate: func(c *BuildConfig) { c.History.Path = "" }, wantErr: "needs a path"},
		{name: "memory without path", mutate: func(c *BuildConfig) { c.History.Backend = BackendMemory; c.History.Path = "" }},
		{name: "empty group", mutate: func(c *BuildConfig) { c.Groups["docker"] = GroupConfig{} }, wantErr: `group "docker"`},
		{name: "bad level", mutate: func(c *BuildConfig) { c.Log.Level = "loud" }, wantErr: "unknown log level"},
		{name: "bad format", mutate: func(c *BuildConfig) { c.Log.Format = "xml" }, wantErr: "unknown log format"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
