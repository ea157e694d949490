package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/buildgraph/internal/action"
	"github.com/aristath/buildgraph/internal/buildfile"
	"github.com/aristath/buildgraph/internal/changes"
	"github.com/aristath/buildgraph/internal/config"
	"github.com/aristath/buildgraph/internal/ctxlog"
	"github.com/aristath/buildgraph/internal/engine"
	"github.com/aristath/buildgraph/internal/events"
	"github.com/aristath/buildgraph/internal/history"
	"github.com/aristath/buildgraph/internal/scheduler"
)

// options holds flag values shared by the commands.
type options struct {
	configPath     string
	file           string
	logLevel       string
	logFormat      string
	historyBackend string
	historyPath    string

	workers           int
	continueOnFailure bool
	rerun             bool
	exclude           []string
	metricsAddr       string
	trace             bool
	progress          bool
	showOutput        bool
	global            bool
}

func newRootCmd() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:   "buildgraph",
		Short: "Run units of work in dependency order, skipping what is up to date",
		Long: `buildgraph reads units and their dependencies from a build file, plans
them in dependency order and runs them on a pool of workers. Units whose
inputs and outputs have not changed since their last run are skipped.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", filepath.Join(".buildgraph", "config.json"), "project configuration file")
	pf.StringVarP(&o.file, "file", "f", "", "build file (default from config, buildgraph.yaml)")
	pf.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&o.logFormat, "log-format", "", "log format: text or json")
	pf.StringVar(&o.historyBackend, "history-backend", "", "history store: memory, sqlite or badger")
	pf.StringVar(&o.historyPath, "history-path", "", "history database file or directory")

	root.AddCommand(
		newRunCmd(o),
		newPlanCmd(o),
		newHistoryCmd(o),
		newConfigCmd(o),
	)
	return root
}

func newRunCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [unit...]",
		Short: "Build the named units and their dependencies (all units if none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, o, args)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&o.workers, "workers", "w", 0, "number of workers (default from config)")
	f.BoolVar(&o.continueOnFailure, "continue", false, "keep running units that do not depend on a failure")
	f.BoolVar(&o.rerun, "rerun", false, "ignore history and run every unit")
	f.StringSliceVarP(&o.exclude, "exclude", "x", nil, "units to leave out of the plan")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while building")
	f.BoolVar(&o.trace, "trace", false, "write build and unit spans to stderr")
	f.BoolVar(&o.progress, "progress", false, "print plan progress after each unit")
	f.BoolVar(&o.showOutput, "output", false, "echo command output, prefixed with the unit name")
	return cmd
}

func newPlanCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [unit...]",
		Short: "Print the execution order without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPlan(cmd, o, args)
		},
	}
	cmd.Flags().StringSliceVarP(&o.exclude, "exclude", "x", nil, "units to leave out of the plan")
	return cmd
}

func newHistoryCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear recorded executions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List recorded executions",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return listHistory(cmd, o)
			},
		},
		&cobra.Command{
			Use:   "forget unit...",
			Short: "Remove the recorded execution of units so they run next time",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return forgetHistory(cmd, o, args)
			},
		},
	)
	return cmd
}

func newConfigCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or save the effective configuration",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the merged configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	save := &cobra.Command{
		Use:   "save",
		Short: "Write the merged configuration, including flag overrides, to the project (or global) file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, o)
			if err != nil {
				return err
			}
			path := o.configPath
			if o.global {
				if path = globalConfigPath(); path == "" {
					return errors.New("cannot locate home directory for the global configuration")
				}
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", path)
			return nil
		},
	}
	save.Flags().BoolVar(&o.global, "global", false, "write ~/.buildgraph/config.json instead of the project file")
	cmd.AddCommand(show, save)
	return cmd
}

func globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".buildgraph", "config.json")
}

// loadConfig merges defaults, the global and project files, then flags the user set.
func loadConfig(cmd *cobra.Command, o *options) (*config.BuildConfig, error) {
	cfg, err := config.Load(globalConfigPath(), o.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	set := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}
	if set("file") {
		cfg.Buildfile = o.file
	}
	if set("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if set("history-backend") {
		cfg.History.Backend = o.historyBackend
	}
	if set("history-path") {
		cfg.History.Path = o.historyPath
	}
	if set("workers") {
		cfg.Workers = o.workers
	}
	if set("continue") {
		cfg.ContinueOnFailure = o.continueOnFailure
	}
	if set("rerun") {
		cfg.Rerun = o.rerun
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = o.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// session is what every command needs: config, logger and the parsed build file.
type session struct {
	cfg    *config.BuildConfig
	logger *slog.Logger
	graph  *buildfile.Graph
	root   string // Directory holding the build file; unit paths are relative to it
}

func openSession(cmd *cobra.Command, o *options, needGraph bool) (*session, error) {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger}
	if !needGraph {
		return s, nil
	}

	if s.graph, err = buildfile.Load(cfg.Buildfile); err != nil {
		return nil, err
	}
	if s.root, err = filepath.Abs(filepath.Dir(cfg.Buildfile)); err != nil {
		return nil, fmt.Errorf("resolving build root: %w", err)
	}
	return s, nil
}

func (s *session) openHistory(ctx context.Context) (history.Store, func(), error) {
	store, err := history.Open(ctx, s.cfg.History, s.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening history: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			s.logger.Error("closing history", "error", err)
		}
	}, nil
}

func runBuild(cmd *cobra.Command, o *options, args []string) error {
	s, err := openSession(cmd, o, true)
	if err != nil {
		return err
	}
	ctx := ctxlog.WithLogger(cmd.Context(), s.logger)

	units, err := s.graph.Resolve(args)
	if err != nil {
		return err
	}
	filter, err := s.graph.ExcludeFilter(o.exclude)
	if err != nil {
		return err
	}

	store, closeStore, err := s.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	snap := changes.FileTreeSnapshotter{Root: s.root}
	repo := changes.NewRepository(store, snap, snap, changes.Options{Rerun: s.cfg.Rerun})

	bus := events.NewEventBus()
	out := newConsole(cmd.OutOrStdout(), o.progress, o.showOutput)
	consoleDone := out.attach(bus)

	procs := action.NewProcessManager()
	stopKill := context.AfterFunc(ctx, func() {
		s.logger.Warn("shutdown signal received, killing running commands", "count", procs.Count())
		if err := procs.KillAll(); err != nil {
			s.logger.Error("killing commands", "error", err)
		}
	})
	defer stopKill()

	var metrics *engine.Metrics
	if s.cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = engine.NewMetrics(reg)
		shutdown := serveMetrics(s.cfg.MetricsAddr, reg, s.logger)
		defer shutdown()
	}

	var tracer trace.Tracer
	if o.trace {
		tp, err := newTracerProvider(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				s.logger.Error("flushing traces", "error", err)
			}
		}()
		tracer = tp.Tracer("buildgraph/engine")
	}

	groups := make(map[string]int, len(s.cfg.Groups))
	for name, g := range s.cfg.Groups {
		groups[name] = g.Workers
	}

	runner := &action.CommandAction{Root: s.root, Procs: procs, Bus: bus}
	executer, err := engine.New(engine.Options{
		Workers:       s.cfg.Workers,
		FailurePolicy: scheduler.PolicyFor(s.cfg.ContinueOnFailure),
		Filter:        filter,
		Groups:        groups,
		Repository:    repo,
		Action:        runner.Func(),
		Bus:           bus,
		Metrics:       metrics,
		Tracer:        tracer,
		Logger:        s.logger,
	})
	if err != nil {
		return err
	}

	result, buildErr := executer.Execute(ctx, units)
	bus.Close()
	<-consoleDone

	if result != nil {
		out.summary(result, buildErr)
	}
	return buildErr
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
}

func printPlan(cmd *cobra.Command, o *options, args []string) error {
	s, err := openSession(cmd, o, true)
	if err != nil {
		return err
	}
	units, err := s.graph.Resolve(args)
	if err != nil {
		return err
	}
	filter, err := s.graph.ExcludeFilter(o.exclude)
	if err != nil {
		return err
	}

	runner := &action.CommandAction{Root: s.root}
	executer, err := engine.New(engine.Options{Filter: filter, Action: runner.Func(), Logger: s.logger})
	if err != nil {
		return err
	}
	infos, err := executer.Plan(units)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for i, info := range infos {
		line := fmt.Sprintf("%3d. %s", i+1, info.Unit.ID())
		if len(info.Dependencies) > 0 {
			deps := make([]string, len(info.Dependencies))
			for j, dep := range info.Dependencies {
				deps[j] = dep.ID()
			}
			line += " (after " + strings.Join(deps, ", ") + ")"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func listHistory(cmd *cobra.Command, o *options) error {
	s, err := openSession(cmd, o, false)
	if err != nil {
		return err
	}
	ctx := ctxlog.WithLogger(cmd.Context(), s.logger)
	store, closeStore, err := s.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	lister, ok := store.(history.Lister)
	if !ok {
		return fmt.Errorf("history backend %q cannot list records", s.cfg.History.Backend)
	}
	records, err := lister.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UnitID < records[j].UnitID })

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tRECORDED\tINPUTS\tOUTPUTS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", r.UnitID, r.RecordedAt.Format(time.RFC3339), len(r.InputSnapshot), len(r.OutputSnapshot))
	}
	return tw.Flush()
}

func forgetHistory(cmd *cobra.Command, o *options, ids []string) error {
	s, err := openSession(cmd, o, false)
	if err != nil {
		return err
	}
	ctx := ctxlog.WithLogger(cmd.Context(), s.logger)
	store, closeStore, err := s.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, id := range ids {
		if err := store.Remove(ctx, id); err != nil {
			return fmt.Errorf("forgetting %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", id)
	}
	return nil
}
