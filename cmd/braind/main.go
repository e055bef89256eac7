// Braind is the task orchestration daemon: it classifies incoming tasks,
// routes them across a fleet of model providers, and maintains the
// persistent memory store with approval gating and undo.
//
// Configuration is loaded from ~/.config/braind/config.yaml overridden by
// BRAIND_-prefixed environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	braind
//
//	# Use an explicit config file
//	braind -config /etc/braind/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/spatialai/braind/internal/approval"
	"github.com/spatialai/braind/internal/classifier"
	"github.com/spatialai/braind/internal/config"
	"github.com/spatialai/braind/internal/embeddings"
	"github.com/spatialai/braind/internal/logging"
	"github.com/spatialai/braind/internal/memory"
	"github.com/spatialai/braind/internal/orchestrator"
	"github.com/spatialai/braind/internal/provider"
	"github.com/spatialai/braind/internal/router"
	"github.com/spatialai/braind/internal/secrets"
	"github.com/spatialai/braind/internal/telemetry"
	"github.com/spatialai/braind/internal/undo"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  braind           Start the braind daemon\n")
			fmt.Fprintf(os.Stderr, "  braind version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("braind: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("braind\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run constructs the daemon bottom-up and blocks until ctx is cancelled:
// config, telemetry, logging, then the stores and the orchestrator, then
// the background maintenance loops.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}

	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	zlog := logger.Underlying()
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "Starting braind",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("models", len(cfg.Models)),
		zap.Bool("telemetry", tel.IsEnabled()))

	embedder, err := embeddings.New(cfg.Embedding, cfg.Memory.VectorSize, zlog)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	mem, err := memory.New(cfg.Memory, embedder, zlog)
	if err != nil {
		return fmt.Errorf("failed to open memory store: %w", err)
	}
	defer mem.Close()

	approvals, err := approval.New(filepath.Join(cfg.DataDir, "approval.db"), cfg.Approval, zlog)
	if err != nil {
		return fmt.Errorf("failed to open approval store: %w", err)
	}
	defer approvals.Close()

	undoStack, err := undo.New(filepath.Join(cfg.DataDir, "undo.db"), cfg.Undo, zlog)
	if err != nil {
		return fmt.Errorf("failed to open undo store: %w", err)
	}
	defer undoStack.Close()

	fleet, err := provider.NewFleet(cfg.Models)
	if err != nil {
		return fmt.Errorf("failed to create provider fleet: %w", err)
	}
	rt, err := router.New(cfg.Routing, fleet, zlog)
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}

	scrubber, err := secrets.New(secrets.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to create scrubber: %w", err)
	}

	orch, err := orchestrator.New(classifier.New(), scrubber, secrets.NewDeepScanner(), rt, mem, approvals, undoStack, zlog)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	sweeper := approval.NewSweeper(approvals, cfg.Approval.SweepInterval.Duration(), zlog,
		approval.WithExpiryHook(orch.HandleExpiry))
	sweeper.Start()
	defer sweeper.Stop()

	scheduler := memory.NewScheduler(mem, zlog,
		memory.WithInterval(cfg.Memory.BackfillEvery.Duration()))
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info(ctx, "braind ready",
		zap.String("memory_db", cfg.Memory.DBPath),
		zap.String("vector_path", cfg.Memory.VectorPath),
		zap.Duration("approval_sweep", cfg.Approval.SweepInterval.Duration()),
		zap.Duration("memory_maintenance", cfg.Memory.BackfillEvery.Duration()))

	<-ctx.Done()
	logger.Info(context.Background(), "Shutting down")
	return nil
}

// initTelemetry maps the daemon config onto the telemetry package config.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := telemetry.NewDefaultConfig()
	tcfg.Enabled = cfg.Telemetry.Enabled
	tcfg.ServiceVersion = version
	if cfg.Telemetry.ServiceName != "" {
		tcfg.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.Endpoint = cfg.Telemetry.OTLPEndpoint
	}
	return telemetry.New(ctx, tcfg)
}

// initLogger builds the structured logger, bridged to OTEL when telemetry
// is exporting.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	lcfg := logging.NewDefaultConfig()
	lcfg.Level = level
	lcfg.Format = cfg.Logging.Format
	lcfg.Output.OTEL = tel.IsEnabled()
	return logging.New(lcfg, tel.LoggerProvider())
}
