package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/buildgraph/internal/config"
)

const testBuildfile = `units:
  - name: compile
    command: mkdir -p out && cp src.txt out/compiled.txt
    inputs: [src.txt]
    outputs: [out/compiled.txt]
  - name: package
    command: cp out/compiled.txt out/app.txt
    inputs: [out/compiled.txt]
    outputs: [out/app.txt]
    depends_on: [compile]
`

// project writes a build file and its source into a temp dir and returns the
// flags pointing the CLI at it.
func project(t *testing.T, buildfile, backend string) (dir string, flags []string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	dir = t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "buildgraph.yaml"), []byte(buildfile), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src.txt"), []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	flags = []string{
		"--file", filepath.Join(dir, "buildgraph.yaml"),
		"--config", filepath.Join(dir, "config.json"),
		"--history-backend", backend,
		"--history-path", filepath.Join(dir, "history.db"),
		"--log-level", "error",
	}
	return dir, flags
}

// execute runs the CLI with args and returns what it printed to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, _, err := executeFull(t, args...)
	return out, err
}

func executeFull(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestRunCommand_SecondBuildUpToDate(t *testing.T) {
	dir, flags := project(t, testBuildfile, config.BackendSQLite)

	out, err := execute(t, append([]string{"run"}, flags...)...)
	if err != nil {
		t.Fatalf("first run: %v\n%s", err, out)
	}
	assertContains(t, out, "> compile\n", "> package\n", "BUILD SUCCESSFUL", "2 actionable units: 2 executed, 0 up-to-date")

	out, err = execute(t, append([]string{"run"}, flags...)...)
	if err != nil {
		t.Fatalf("second run: %v\n%s", err, out)
	}
	assertContains(t, out, "> compile UP-TO-DATE", "> package UP-TO-DATE", "0 executed, 2 up-to-date")

	if err := os.WriteFile(filepath.Join(dir, "src.txt"), []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, append([]string{"run"}, flags...)...)
	if err != nil {
		t.Fatalf("third run: %v\n%s", err, out)
	}
	assertContains(t, out, "2 executed, 0 up-to-date")

	data, err := os.ReadFile(filepath.Join(dir, "out", "app.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2" {
		t.Errorf("app.txt = %q, want v2", data)
	}
}

func TestRunCommand_Failure(t *testing.T) {
	const bf = `units:
  - name: broken
    command: exit 3
  - name: after
    depends_on: [broken]
  - name: other
    command: "true"
`
	_, flags := project(t, bf, config.BackendMemory)

	out, err := execute(t, append([]string{"run", "--workers", "1"}, flags...)...)
	if err == nil {
		t.Fatalf("expected build failure\n%s", out)
	}
	assertContains(t, out, "> broken FAILED", "> after SKIPPED", "BUILD FAILED")
}

func TestRunCommand_UnknownUnit(t *testing.T) {
	_, flags := project(t, testBuildfile, config.BackendMemory)
	if _, err := execute(t, append([]string{"run", "deploy"}, flags...)...); err == nil {
		t.Fatal("expected error for unknown unit")
	}
}

func TestRunCommand_Trace(t *testing.T) {
	_, flags := project(t, testBuildfile, config.BackendMemory)

	out, spans, err := executeFull(t, append([]string{"run", "--trace", "compile"}, flags...)...)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	assertContains(t, spans, `"Name": "buildgraph.Build"`, `"Name": "compile"`, "build.id")
}

func TestPlanCommand(t *testing.T) {
	_, flags := project(t, testBuildfile, config.BackendMemory)

	out, err := execute(t, append([]string{"plan"}, flags...)...)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := "  1. compile\n  2. package (after compile)\n"
	if out != want {
		t.Errorf("plan output = %q, want %q", out, want)
	}

	out, err = execute(t, append([]string{"plan", "--exclude", "compile", "package"}, flags...)...)
	if err != nil {
		t.Fatalf("plan with exclude: %v", err)
	}
	if out != "  1. package\n" {
		t.Errorf("plan output = %q, want only package", out)
	}
}

func TestHistoryCommands(t *testing.T) {
	_, flags := project(t, testBuildfile, config.BackendSQLite)

	if out, err := execute(t, append([]string{"run"}, flags...)...); err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	out, err := execute(t, append([]string{"history", "list"}, flags...)...)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if got := listedUnits(out); strings.Join(got, ",") != "compile,package" {
		t.Errorf("listed units = %v, want [compile package]\n%s", got, out)
	}

	out, err = execute(t, append([]string{"history", "forget", "compile"}, flags...)...)
	if err != nil {
		t.Fatalf("history forget: %v", err)
	}
	assertContains(t, out, "forgot compile")

	out, err = execute(t, append([]string{"history", "list"}, flags...)...)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if got := listedUnits(out); strings.Join(got, ",") != "package" {
		t.Errorf("listed units after forget = %v, want [package]", got)
	}
}

func listedUnits(out string) []string {
	var units []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n")[1:] {
		if fields := strings.Fields(line); len(fields) > 0 {
			units = append(units, fields[0])
		}
	}
	return units
}

func TestConfigShowAppliesFlags(t *testing.T) {
	_, flags := project(t, testBuildfile, config.BackendMemory)

	out, err := execute(t, append([]string{"config", "show", "--log-format", "json"}, flags...)...)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	var cfg config.BuildConfig
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if cfg.History.Backend != config.BackendMemory || cfg.Log.Format != "json" || cfg.Log.Level != "error" {
		t.Errorf("flags not applied: %+v", cfg)
	}
}

func TestConfigSaveThenLoad(t *testing.T) {
	dir, flags := project(t, testBuildfile, config.BackendBadger)

	if _, err := execute(t, append([]string{"config", "save"}, flags...)...); err != nil {
		t.Fatalf("config save: %v", err)
	}
	cfg, err := config.Load("", filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.History.Backend != config.BackendBadger {
		t.Errorf("saved backend = %q, want badger", cfg.History.Backend)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "unit", "compile")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("not a JSON record: %v: %s", err, out)
	}
	if rec["unit"] != "compile" {
		t.Errorf("unit attribute = %v", rec["unit"])
	}

	if _, err := newLogger(config.LogConfig{Level: "loud"}, &buf); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRunCommand_CancelKillsRunningCommand(t *testing.T) {
	const bf = `units:
  - name: slow
    command: echo $$ > slow.pid; exec sleep 30
  - name: after
    command: touch after.txt
    depends_on: [slow]
`
	dir, flags := project(t, bf, config.BackendMemory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"run", "--workers", "2"}, flags...))

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	pidFile := filepath.Join(dir, "slow.pid")
	var pid int
	deadline := time.Now().Add(5 * time.Second)
	for pid == 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow unit never started")
		}
		if data, err := os.ReadFile(pidFile); err == nil {
			pid, _ = strconv.Atoi(strings.TrimSpace(string(data)))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancelled build to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("build did not stop after cancellation")
	}

	if err := syscall.Kill(pid, 0); !errors.Is(err, syscall.ESRCH) {
		t.Errorf("sleep process %d still alive after cancellation (kill -0: %v)", pid, err)
	}
	assertContains(t, out.String(), "> slow FAILED", "> after SKIPPED", "BUILD FAILED")
	if _, err := os.Stat(filepath.Join(dir, "after.txt")); !os.IsNotExist(err) {
		t.Errorf("dependent unit ran after cancellation: %v", err)
	}
}

func TestRunCommand_ProgressAndOutput(t *testing.T) {
	const bf = `units:
  - name: greet
    command: echo hello from greet
`
	_, flags := project(t, bf, config.BackendMemory)

	out, err := execute(t, append([]string{"run", "--progress", "--output"}, flags...)...)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	assertContains(t, out, "  greet | hello from greet\n", "  [1/1] 0 running, 0 waiting\n", "> greet\n")
	if strings.Contains(out, "events dropped") {
		t.Errorf("console dropped events:\n%s", out)
	}
}
