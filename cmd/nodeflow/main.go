// nodeflow is the workflow engine CLI.
//
//	nodeflow validate <definition.json>      check a workflow definition
//	nodeflow run <definition.json> [input]   execute a workflow and print the trace
//	nodeflow serve                           run the dispatcher and scheduler
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tevix/nodeflow/internal/engine"
	"github.com/tevix/nodeflow/internal/handlers"
	"github.com/tevix/nodeflow/internal/logging"
	"github.com/tevix/nodeflow/internal/metrics"
	"github.com/tevix/nodeflow/internal/scheduler"
	"github.com/tevix/nodeflow/internal/store"
	"github.com/tevix/nodeflow/internal/validation"
	"github.com/tevix/nodeflow/pkg/schema"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(cfg, logger, os.Args[2:])
	case "run":
		err = cmdRun(cfg, logger, os.Args[2:])
	case "serve":
		err = cmdServe(cfg, logger)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: nodeflow <command>

commands:
  validate <definition.json>      check a workflow definition
  run <definition.json> [input]   execute a workflow and print the trace
  serve                           run the dispatcher and scheduler`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(base))
}

// setup opens the store and wires the registry and validator.
func setup(cfg Config, logger *slog.Logger) (*store.LibSQLStore, *handlers.Registry, *validation.DefinitionValidator, error) {
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("migrate: %w", err)
	}

	reg := handlers.NewRegistry()
	err = handlers.RegisterBuiltins(reg, handlers.BuiltinConfig{
		DB:     st.DB(),
		Logger: logger,
		HTTP:   handlers.HTTPConfig{DefaultTimeout: cfg.nodeTimeout()},
		SMTP: handlers.SMTPConfig{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			From: cfg.SMTPFrom,
		},
	})
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("register handlers: %w", err)
	}

	validator, err := validation.NewDefinitionValidator(reg)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("build validator: %w", err)
	}
	return st, reg, validator, nil
}

func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

func cmdValidate(cfg Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("validate requires a definition file")
	}
	st, _, validator, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	if err := validator.Validate(def); err != nil {
		return err
	}
	fmt.Printf("%s: valid (%d nodes, %d connections)\n", args[0], len(def.Nodes), len(def.Connections))
	return nil
}

func cmdRun(cfg Config, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("run requires a definition file")
	}
	st, reg, validator, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	if err := validator.Validate(def); err != nil {
		return err
	}

	var input map[string]any
	if len(args) > 1 {
		if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
			return fmt.Errorf("parse input: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wf := &store.Workflow{
		ID:         uuid.NewString(),
		Name:       args[0],
		Status:     schema.WorkflowStatusActive,
		Definition: *def,
		Version:    1,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := st.CreateWorkflow(ctx, wf); err != nil {
		return err
	}

	run := &store.WorkflowRun{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		Status:          schema.RunStatusQueued,
		TriggeredBy:     schema.TriggerInfo{Type: "manual"},
		InputData:       input,
		CreatedAt:       time.Now(),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		return err
	}

	eng := engine.New(st, reg, logger, metrics.NewUnregistered(), engine.Config{
		DefaultNodeTimeout: cfg.nodeTimeout(),
		DefaultMaxRetries:  cfg.MaxRetries,
	})
	ok, execErr := eng.Execute(ctx, run.ID)

	records, err := st.ListNodeRecords(ctx, run.ID)
	if err == nil {
		fmt.Println("node trace:")
		for _, rec := range records {
			line := fmt.Sprintf("  %2d. %-24s %-20s %-8s attempts=%d %dms",
				rec.Order, rec.NodeID, rec.NodeType, rec.Status, rec.Attempts, rec.DurationMs)
			if rec.ErrorMessage != "" {
				line += "  " + rec.ErrorMessage
			}
			fmt.Println(line)
		}
	}

	final, err := st.GetRun(ctx, run.ID)
	if err == nil {
		fmt.Printf("run %s: %s (%dms)\n", run.ID, final.Status, final.DurationMs)
		if len(final.OutputData) > 0 {
			out, _ := json.MarshalIndent(final.OutputData, "", "  ")
			fmt.Println(string(out))
		}
	}

	if execErr != nil {
		return execErr
	}
	if !ok {
		return fmt.Errorf("run did not complete")
	}
	return nil
}

func cmdServe(cfg Config, logger *slog.Logger) error {
	st, reg, _, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	eng := engine.New(st, reg, logger, m, engine.Config{
		DefaultNodeTimeout: cfg.nodeTimeout(),
		DefaultMaxRetries:  cfg.MaxRetries,
	})
	dispatcher := engine.NewDispatcher(eng, cfg.PoolSize, cfg.QueueSize, logger, m)
	dispatcher.Start(ctx)

	sched := scheduler.New(st, dispatcher, logger, cfg.schedulerInterval())
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// Pick up runs that were queued before startup.
	queued := schema.RunStatusQueued
	if runs, err := st.ListRuns(ctx, store.RunFilter{Status: &queued}); err == nil {
		for _, r := range runs {
			if err := dispatcher.Enqueue(r.ID); err != nil {
				logger.Warn("failed to enqueue pending run", "run_id", r.ID, "error", err)
			}
		}
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("nodeflow serving", "db", cfg.DBPath, "pool", cfg.PoolSize)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = sched.Stop()
	dispatcher.Shutdown()
	logger.Info("nodeflow stopped")
	return nil
}
