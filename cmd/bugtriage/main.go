// Package main implements the entry point for the bug triage pipeline.
// The pipeline turns incoming bug reports into triaged, formatted GitHub
// issues over a NATS JetStream message bus, with per-request lifecycle
// state in a TTL key-value bucket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ianlintner/AI-Pipeline/config"
	"github.com/ianlintner/AI-Pipeline/model"
	"github.com/ianlintner/AI-Pipeline/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "bugtriage"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.LogLevel = cliCfg.LogLevel
	}

	logger := setupLogger(cfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting bug triage pipeline",
		"version", Version,
		"build_time", BuildTime,
		"nats_url", cfg.NATS.URL,
		"llm", cfg.LLM.Enabled())

	ctx := context.Background()
	supervisor := service.New(cfg, service.WithLogger(logger))
	if err := supervisor.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize pipeline: %w", err)
	}

	if cliCfg.SubmitPath != "" {
		return submitAndWait(ctx, supervisor, cliCfg)
	}

	return runWithSignalHandling(ctx, supervisor, cliCfg)
}

// runWithSignalHandling starts the pipeline and blocks until a
// shutdown signal arrives.
func runWithSignalHandling(ctx context.Context, supervisor *service.Supervisor, cliCfg *CLIConfig) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := supervisor.Start(signalCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	healthServer := startHealthServer(supervisor, cliCfg.HealthPort)

	slog.Info("Bug triage pipeline started")
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = healthServer.Shutdown(shutdownCtx)
		cancel()
	}

	if err := supervisor.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Bug triage pipeline shutdown complete")
	return nil
}

// startHealthServer serves the aggregated health report. Port 0
// disables it.
func startHealthServer(supervisor *service.Supervisor, port int) *http.Server {
	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/health", supervisor.Monitor())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health server failed", "error", err)
		}
	}()

	slog.Info("Health endpoint up", "address", server.Addr)
	return server
}

// submitAndWait runs the pipeline long enough to process a single bug
// report from a JSON file, then prints the final state.
func submitAndWait(ctx context.Context, supervisor *service.Supervisor, cliCfg *CLIConfig) error {
	report, err := loadReport(cliCfg.SubmitPath)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, cliCfg.SubmitWait)
	defer cancel()

	if err := supervisor.Start(runCtx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer func() {
		if err := supervisor.Stop(cliCfg.ShutdownTimeout); err != nil {
			slog.Warn("Shutdown incomplete", "error", err)
		}
	}()

	requestID, err := supervisor.Submit(runCtx, report)
	if err != nil {
		return fmt.Errorf("submit bug report: %w", err)
	}
	slog.Info("Bug report submitted", "request_id", requestID, "bug_report_id", report.ID)

	state, err := waitForTerminal(runCtx, supervisor, requestID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("render final state: %w", err)
	}
	fmt.Println(string(out))

	if state.Status == model.StatusFailed {
		return fmt.Errorf("request failed: %s", state.ErrorMessage)
	}
	return nil
}

func loadReport(path string) (*model.BugReport, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read bug report: %w", err)
	}
	var report model.BugReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("parse bug report: %w", err)
	}
	return &report, nil
}

func waitForTerminal(ctx context.Context, supervisor *service.Supervisor, requestID string) (*model.RequestState, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for request %s", requestID)
		case <-ticker.C:
			state, err := supervisor.GetStatus(ctx, requestID)
			if err != nil {
				continue
			}
			if state.Status.Terminal() {
				return state, nil
			}
			slog.Debug("Request in flight",
				"request_id", requestID,
				"status", state.Status,
				"step", state.CurrentStep)
		}
	}
}
