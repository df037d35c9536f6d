package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/batch"
	"github.com/fieldsync/fieldsync/config"
	"github.com/fieldsync/fieldsync/credential"
	"github.com/fieldsync/fieldsync/errors"
	"github.com/fieldsync/fieldsync/logger"
	"github.com/fieldsync/fieldsync/portal"
	"github.com/fieldsync/fieldsync/schedule"
	"github.com/fieldsync/fieldsync/server"
	"github.com/fieldsync/fieldsync/worksync"
)

// DaemonCmd runs the fieldsync daemon: scheduler loop, batch executor,
// and the HTTP/WebSocket API server.
var DaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the fieldsync daemon",
	Long: `Run the scheduler loop, batch executor, and API server in foreground.

The daemon will:
- Evaluate sync schedules on a fixed tick and fire the due ones
- Process automation job batches with a bounded worker pool
- Serve the HTTP API and WebSocket event stream
- Run until interrupted (Ctrl+C) with graceful shutdown`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if cfg.Portal.BaseURL == "" {
			return errors.New("portal.base_url must be configured to run the daemon")
		}

		if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
			cfg.Batch.Workers = workers
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		portalClient, err := portal.NewClient(cfg.Portal, credential.Credential{
			Username: cfg.Portal.ServiceUsername,
			Secret:   cfg.Portal.ServiceSecret,
		}, logger.Logger)
		if err != nil {
			return err
		}

		registry := batch.NewRegistry()
		defer registry.Close()

		batchStore := batch.NewStore(database)
		queue := batch.NewQueue(batchStore, registry, cfg.Batch.MaxAttempts, logger.Logger)

		executor := batch.NewExecutorWithContext(ctx, batchStore, queue, registry, portalClient, batch.ExecutorConfig{
			Workers:        cfg.Batch.Workers,
			PollInterval:   time.Duration(cfg.Batch.PollIntervalSeconds) * time.Second,
			RetryBackoff:   time.Duration(cfg.Batch.RetryBackoffSeconds) * time.Second,
			StepsPerSecond: cfg.Batch.StepsPerSecond,
			RegistryGrace:  time.Duration(cfg.Batch.RegistryGraceSeconds) * time.Second,
		}, logger.Logger)

		scheduleStore := schedule.NewStore(database)
		executionStore := schedule.NewExecutionStore(database)

		credentials := credential.NewStaticSource(cfg.Credentials)
		runners := schedule.NewRunnerRegistry()
		runners.Register(schedule.TaskKindWorkOrderSync,
			worksync.NewRunner(portalClient, credentials, queue, logger.Logger))

		srv := server.New(cfg.Server.Addr, scheduleStore, executionStore, queue, executor, nil, logger.Logger)

		ticker := schedule.NewTickerWithContext(ctx, scheduleStore, executionStore, runners, srv, schedule.TickerConfig{
			Interval:          time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
			FailureCeiling:    cfg.Scheduler.FailureCeiling,
			MaxConcurrentRuns: cfg.Scheduler.MaxConcurrentRuns,
		}, logger.Logger)
		srv.AttachTicker(ticker)

		watcher, err := config.NewConfigWatcher()
		if err != nil {
			logger.Warnw("Config watcher unavailable", "error", err)
		} else if watcher != nil {
			defer watcher.Close()
			watcher.OnReload(func(updated *config.Config) {
				logger.Infow("Configuration reloaded", "file", config.ConfigFileUsed())
			})
		}

		executor.Start()
		ticker.Start()

		serverErr := make(chan error, 1)
		go func() {
			serverErr <- srv.Start()
		}()

		fmt.Println("fieldsync daemon started")
		fmt.Printf("  Listen addr: %s\n", cfg.Server.Addr)
		fmt.Printf("  Workers: %d\n", cfg.Batch.Workers)
		fmt.Printf("  Scheduler tick: %ds\n", cfg.Scheduler.TickSeconds)
		fmt.Printf("  Database: %s\n", cfg.Database.Path)
		fmt.Println("\nPress Ctrl+C for graceful shutdown")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigChan:
			fmt.Println("\nShutting down...")
		case err := <-serverErr:
			if err != nil {
				logger.Errorw("Server failed", "error", err)
			}
		}

		// Stop components in reverse order of startup
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("Server shutdown error", "error", err)
		}

		ticker.Stop()
		executor.Stop()
		cancel()

		fmt.Println("fieldsync daemon stopped")
		return nil
	},
}

func init() {
	DaemonCmd.Flags().Int("workers", 0, "Override the number of batch workers")
}
