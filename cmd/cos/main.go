// Package main is the entry point for the CoS supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cosdev/cos/internal/agent"
	"github.com/cosdev/cos/internal/common/config"
	"github.com/cosdev/cos/internal/common/logger"
	"github.com/cosdev/cos/internal/events"
	"github.com/cosdev/cos/internal/learning"
	"github.com/cosdev/cos/internal/orchestrator"
	"github.com/cosdev/cos/internal/schedule"
	"github.com/cosdev/cos/internal/state"
	"github.com/cosdev/cos/internal/task"
	v1 "github.com/cosdev/cos/pkg/api/v1"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare data directories: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting CoS supervisor...", zap.String("work_dir", cfg.Paths.WorkDir))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (NATS when configured, in-memory otherwise)
	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = closeBus() }()
	eventBus := provided.Bus

	// 5. Stores: state, learning, schedule
	stateStore := state.NewStore(cfg.Paths.StateFile(), log)
	if _, err := stateStore.Load(); err != nil {
		log.Fatal("Failed to load state", zap.Error(err))
	}

	learningStore, err := learning.NewStore(cfg.Paths.LearningFile(), cfg.Learning, log)
	if err != nil {
		log.Fatal("Failed to load learning store", zap.Error(err))
	}

	scheduleStore, err := schedule.NewStore(cfg.Paths.ScheduleFile(), learningStore, log)
	if err != nil {
		log.Fatal("Failed to load schedule store", zap.Error(err))
	}

	// 6. Agent registry and task files
	registry := agent.NewRegistry(stateStore, eventBus, cfg.Paths.AgentsDir(), log)
	userFile := task.NewFile(cfg.Paths.UserTasksFile(), v1.TaskOriginUser, log)
	sysFile := task.NewFile(cfg.Paths.SystemTasksFile(), v1.TaskOriginInternal, log)

	// 7. Watch the task files for external edits
	watcher := task.NewWatcher(cfg.Paths.UserTasksFile(), cfg.Paths.SystemTasksFile(), eventBus, log)
	go func() {
		if err := watcher.Run(ctx); err != nil && err != context.Canceled {
			log.Error("Task watcher exited", zap.Error(err))
		}
	}()

	// 8. Orchestrator
	service := orchestrator.New(
		cfg.Orchestrator, cfg.Apps,
		stateStore, learningStore, scheduleStore,
		registry, userFile, sysFile,
		eventBus, log,
		orchestrator.Options{ReportsDir: cfg.Paths.ReportsDir()},
	)
	if err := service.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("CoS supervisor started")

	// 9. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down CoS supervisor...")

	// 10. Graceful shutdown: stop dispatching, leave live agents to the spawner
	cancel()
	service.Stop()

	log.Info("CoS supervisor stopped")
}
