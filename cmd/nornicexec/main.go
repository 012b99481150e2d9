// Package main provides the nornicexec CLI entry point.
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
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicexec/pkg/config"
	"github.com/orneryd/nornicexec/pkg/engine"
	"github.com/orneryd/nornicexec/pkg/exec"
	"github.com/orneryd/nornicexec/pkg/logging"
	"github.com/orneryd/nornicexec/pkg/metrics"
	"github.com/orneryd/nornicexec/pkg/planner"
	"github.com/orneryd/nornicexec/pkg/result"
	"github.com/orneryd/nornicexec/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nornicexec",
		Short: "nornicexec - graph query execution engine",
		Long: `nornicexec runs declarative graph queries against a fixture graph.

A query is a YAML list of steps (fetchIndex, match, traverse, filter,
project, orderBy, aggregate, forEach, while, retry, ...). Each step becomes
one step of a pull-based execution plan.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML config file (environment variables still apply)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nornicexec v%s (%s)\n", version, commit)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	rootCmd.AddCommand(initCmd)

	runCmd := &cobra.Command{
		Use:   "run [query.yaml]",
		Short: "Execute a query and print its rows",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	addQueryFlags(runCmd)
	runCmd.Flags().String("format", "table", "Output format: table or json")
	runCmd.Flags().Int("repeat", 1, "Execute the query this many times")
	runCmd.Flags().Bool("profile", false, "Print per-step row counts and cost")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address and wait for Ctrl+C")
	rootCmd.AddCommand(runCmd)

	explainCmd := &cobra.Command{
		Use:   "explain [query.yaml]",
		Short: "Print the execution plan of a query without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runExplain,
	}
	addQueryFlags(explainCmd)
	explainCmd.Flags().Bool("json", false, "Print the plan as structured data")
	rootCmd.AddCommand(explainCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("fixture", "", "Graph fixture (YAML) to load before running")
	cmd.Flags().StringToString("param", nil, "Query parameter as name=value; values are parsed as YAML")
}

// ============================================================================
// Setup
// ============================================================================

type session struct {
	cfg    *config.Config
	logger *slog.Logger
	close  func()
}

func setup(cmd *cobra.Command) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = strings.ToUpper(level)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Memory.ApplyRuntimeMemory()

	logger, closeLog := logging.Setup(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)
	return &session{cfg: cfg, logger: logger, close: closeLog}, nil
}

// open creates the engine and loads the fixture named by --fixture.
func (s *session) open(cmd *cobra.Command, sink metrics.Sink) (*engine.Engine, error) {
	eng, err := engine.Open(s.cfg, engine.WithLogger(s.logger), engine.WithSink(sink))
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("fixture"); path != "" {
		f, err := storage.LoadFixture(path)
		if err != nil {
			eng.Close()
			return nil, err
		}
		if err := eng.LoadFixture(f); err != nil {
			eng.Close()
			return nil, err
		}
	}
	return eng, nil
}

// loadQuery reads the descriptor and merges --param values over its params.
func loadQuery(cmd *cobra.Command, path string) (*planner.QuerySpec, error) {
	q, err := planner.LoadQuery(path)
	if err != nil {
		return nil, err
	}
	raw, _ := cmd.Flags().GetStringToString("param")
	if len(raw) == 0 {
		return q, nil
	}
	if q.Params == nil {
		q.Params = make(map[string]any, len(raw))
	}
	for name, text := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(text), &v); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		q.Params[name] = v
	}
	return q, nil
}

// ============================================================================
// Commands
// ============================================================================

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return err
	}
	configPath := filepath.Join(dir, "nornicexec.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}
	content := "# nornicexec configuration\n# NORNICEXEC_* environment variables override these values.\n" + string(data)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  nornicexec run query.yaml --fixture graph.yaml --config %s\n", configPath)
	return nil
}

func runExplain(cmd *cobra.Command, args []string) error {
	s, err := setup(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	eng, err := s.open(cmd, metrics.NopSink{})
	if err != nil {
		return err
	}
	defer eng.Close()

	q, err := loadQuery(cmd, args[0])
	if err != nil {
		return err
	}
	st := eng.Query(q)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		plan, err := st.Build(nil)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, plan.ToResult().ToMap())
	}
	text, err := eng.Explain(cmd.Context(), st)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	s, err := setup(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown format %q", format)
	}
	repeat, _ := cmd.Flags().GetInt("repeat")
	if profile, _ := cmd.Flags().GetBool("profile"); profile {
		s.cfg.Execution.Profiling = true
	}
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = s.cfg.Metrics.ListenAddress
	}

	sinks := []metrics.Sink{metrics.NewLogSink(logging.Component(s.logger, "metrics"))}
	var prom *metrics.PrometheusSink
	if s.cfg.Metrics.Enabled {
		prom = metrics.NewPrometheusSink(s.cfg.Metrics.Namespace)
		sinks = append(sinks, prom)
	}

	eng, err := s.open(cmd, metrics.NewMultiSink(sinks...))
	if err != nil {
		return err
	}
	defer eng.Close()

	q, err := loadQuery(cmd, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if addr != "" && prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			s.logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		for i := 0; i < repeat; i++ {
			if err := execute(ctx, eng, eng.Query(q), format, i == repeat-1, s.cfg.Execution.Profiling); err != nil {
				return err
			}
		}
		if srv == nil {
			return nil
		}
		fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop")
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// execute runs st once. Rows are printed only when show is set so that
// repeated runs report timing without flooding the terminal.
func execute(ctx context.Context, eng *engine.Engine, st engine.Statement, format string, show, profile bool) error {
	start := time.Now()
	rs, err := eng.Execute(ctx, st)
	if err != nil {
		return err
	}
	defer rs.Close()

	rows, err := exec.Drain(rs)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if show {
		switch format {
		case "json":
			for _, r := range rows {
				if err := writeJSON(os.Stdout, r.ToMap()); err != nil {
					return err
				}
			}
		default:
			writeTable(os.Stdout, rows)
		}
		fmt.Fprintf(os.Stderr, "%d row(s) in %v\n", len(rows), elapsed.Round(time.Microsecond))
	}

	if profile {
		if pp, ok := rs.(exec.PlanProvider); ok {
			writeProfile(os.Stderr, pp.ExecutionPlan().Profile())
		}
	}
	return nil
}

// ============================================================================
// Output
// ============================================================================

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// writeTable prints rows with the union of their columns in first-seen order.
func writeTable(w io.Writer, rows []*result.Result) {
	var columns []string
	seen := make(map[string]bool)
	for _, r := range rows {
		for _, name := range r.PropertyNames() {
			if !seen[name] {
				seen[name] = true
				columns = append(columns, name)
			}
		}
	}
	if len(columns) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for _, r := range rows {
		cells := make([]string, len(columns))
		for i, c := range columns {
			if v, ok := r.GetProperty(c); ok {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

func writeProfile(w io.Writer, profile map[string]exec.StepStats) {
	steps := make([]string, 0, len(profile))
	for name := range profile {
		steps = append(steps, name)
	}
	sort.Strings(steps)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tROWS\tCOST")
	for _, name := range steps {
		st := profile[name]
		fmt.Fprintf(tw, "%s\t%d\t%v\n", name, st.Rows, st.Cost)
	}
	tw.Flush()
}
