// Command alphredcore runs the Alphred workflow execution core: materialize
// a run from a published tree, drive it with the single-step executor, and
// issue run-control operations, all against the SQLite store at ALPHRED_DB_PATH.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/hansjm10/alphred-sub002/workflow"
	"github.com/hansjm10/alphred-sub002/workflow/background"
	"github.com/hansjm10/alphred-sub002/workflow/store"
)

// coreMetrics registers the executor/background-manager Prometheus
// instrumentation against the default registerer, the same one
// runServeMetrics exposes on /metrics.
var coreMetrics = workflow.NewMetrics(nil)

// coreTracer opens one span per claimed-node attempt. No exporter is
// configured by default; a deployment that wants spans shipped somewhere
// registers a span processor on this TracerProvider before driving runs.
var coreTracer = newCoreTracer()

func newCoreTracer() trace.Tracer {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Tracer("alphredcore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "materialize":
		err = runMaterialize(args)
	case "step":
		err = runStep(args)
	case "run":
		err = runRun(args)
	case "cancel", "pause", "resume", "retry":
		err = runControl(command, args)
	case "serve-metrics":
		err = runServeMetrics(args)
	case "enqueue":
		err = runEnqueue(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: alphredcore <command> [flags]

commands:
  materialize -tree <key>               materialize a run from a published tree
  step        -run <id>                 execute one claimed run-node attempt
  run         -run <id> [-max-steps n]  drive a run to completion
  cancel|pause|resume|retry -run <id>   issue a run-control operation
  enqueue -run <id>                     hand a run to the background execution manager and wait for it to settle
  serve-metrics -addr <host:port>       serve Prometheus metrics until killed`)
}

func dbPath() string {
	if p := os.Getenv("ALPHRED_DB_PATH"); p != "" {
		return p
	}
	return "./alphred.db"
}

func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(ctx, dbPath())
}

func runMaterialize(args []string) error {
	fs := flag.NewFlagSet("materialize", flag.ExitOnError)
	treeKey := fs.String("tree", "", "published tree key to materialize a run from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *treeKey == "" {
		return fmt.Errorf("materialize: -tree is required")
	}

	ctx := context.Background()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	run, nodes, err := workflow.MaterializeRun(ctx, db, *treeKey)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run": run, "runNodes": nodes})
}

func executorOptions() workflow.ExecutorOptions {
	return workflow.ExecutorOptions{
		Resolver: unconfiguredProviderResolver,
		Metrics:  coreMetrics,
		Tracer:   coreTracer,
		OnRunTerminal: func(runID int64, status workflow.RunStatus) {
			slog.Info("run reached terminal state", "run_id", runID, "status", status)
		},
	}
}

// unconfiguredProviderResolver is the default Resolver: agent-provider
// implementations are out of this core's scope, so a deployment wires its
// own Resolver in before driving real workflow runs.
func unconfiguredProviderResolver(providerName string) (workflow.Provider, error) {
	return nil, workflow.WrapInvalidRequest(fmt.Sprintf("no provider registered for %q", providerName), nil)
}

func runStep(args []string) error {
	fs := flag.NewFlagSet("step", flag.ExitOnError)
	runID := fs.Int64("run", 0, "workflow run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == 0 {
		return fmt.Errorf("step: -run is required")
	}

	ctx := context.Background()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := workflow.ExecuteNextRunnableNode(ctx, db, *runID, executorOptions())
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runID := fs.Int64("run", 0, "workflow run id")
	maxSteps := fs.Int("max-steps", 1000, "maximum executor steps before bailing out")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == 0 {
		return fmt.Errorf("run: -run is required")
	}

	ctx := context.Background()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := workflow.ExecuteRun(ctx, db, *runID, executorOptions(), *maxSteps)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runControl(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	runID := fs.Int64("run", 0, "workflow run id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == 0 {
		return fmt.Errorf("%s: -run is required", action)
	}

	ctx := context.Background()
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var result workflow.ControlResult
	switch action {
	case "cancel":
		result, err = workflow.CancelRun(ctx, db, *runID, coreMetrics)
	case "pause":
		result, err = workflow.PauseRun(ctx, db, *runID, coreMetrics)
	case "resume":
		result, err = workflow.ResumeRun(ctx, db, *runID, coreMetrics)
	case "retry":
		result, err = workflow.RetryRun(ctx, db, *runID, coreMetrics)
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runServeMetrics(args []string) error {
	fs := flag.NewFlagSet("serve-metrics", flag.ExitOnError)
	addr := fs.String("addr", ":9090", "address to serve /metrics on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	slog.Info("serving metrics", "addr", *addr)
	return http.ListenAndServe(*addr, mux)
}

// runEnqueue hands a run to a background.Manager and blocks until that run
// is no longer in flight, for CLI callers that want the single-flight and
// debounced-reschedule guarantees of background.Manager without embedding
// alphredcore as a library.
func runEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	runID := fs.Int64("run", 0, "workflow run id")
	maxSteps := fs.Int("max-steps", 1000, "maximum executor steps before bailing out")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == 0 {
		return fmt.Errorf("enqueue: -run is required")
	}

	newSession := func() (workflow.Store, func() error, error) {
		ctx := context.Background()
		db, err := openStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}

	mgr := background.NewManager(newSession, executorOptions(), *maxSteps)
	if !mgr.EnqueueAndWait(*runID) {
		return fmt.Errorf("enqueue: run %d already has a background task in flight", *runID)
	}
	return printJSON(map[string]any{"runId": *runID, "enqueued": true})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
