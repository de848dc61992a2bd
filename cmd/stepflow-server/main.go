// Command stepflow-server runs the workflow orchestration engine with its
// REST and websocket API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stepflow-io/stepflow/pkg/api/transport"
	"github.com/stepflow-io/stepflow/pkg/config"
	"github.com/stepflow-io/stepflow/pkg/domain/workflow"
	"github.com/stepflow-io/stepflow/pkg/engine"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/broadcast"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/executor"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/locking"
	"github.com/stepflow-io/stepflow/pkg/infrastructure/persistence/procstore"
	"github.com/stepflow-io/stepflow/pkg/logger"
)

// Populated at build time with -ldflags.
var (
	version    = "dev"
	commitHash = ""
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:          "stepflow-server",
		Short:        "Durable workflow orchestration engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("stepflow-server %s (%s)\n", version, commitHash)
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}

func runServe(cfg config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogJSON)

	store, err := procstore.NewBoltStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	var redisClient redis.UniversalClient
	if cfg.CacheURI != "" {
		opts, err := redis.ParseURL(cfg.CacheURI)
		if err != nil {
			return fmt.Errorf("invalid cache_uri: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	bus, err := buildBroadcaster(cfg, log)
	if err != nil {
		return err
	}

	locks, err := buildLocks(cfg, redisClient)
	if err != nil {
		return err
	}

	registry := workflow.NewRegistry()

	var worker *executor.Worker
	eng, err := engine.New(engine.Options{
		Registry: registry,
		Store:    store,
		Settings: store,
		Locks:    locks,
		Bus:      bus,
		NewExecutor: func(runner executor.Runner) executor.Context {
			if cfg.Executor == executor.BackendQueue {
				worker = executor.NewWorker(redisClient, runner, executor.WorkerOptions{
					Concurrency: cfg.MaxWorkers,
				}, log)
				return executor.NewQueue(redisClient, store, log)
			}
			pool := executor.NewThreadpool(runner, store, cfg.MaxWorkers, log)
			pool.Testing = cfg.Testing
			return pool
		},
		CommitHash:           commitHash,
		WorkerStatusInterval: cfg.WorkerStatusInterval(),
		Logger:               log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerDone := make(chan struct{})
	if worker != nil {
		go func() {
			defer close(workerDone)
			worker.Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	// Re-arm Running rows left over from a prior crash.
	if status, err := eng.Status(ctx); err == nil && !status.GlobalLock {
		if _, err := eng.SetGlobalLock(ctx, false); err != nil {
			log.Warn().Err(err).Msg("boot recovery failed")
		}
	}

	server := transport.NewServer(transport.Options{
		Engine:           eng,
		AuthToken:        cfg.AuthToken,
		EnableWebsockets: cfg.EnableWebsockets,
		Logger:           log,
	})
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("executor", cfg.Executor).Msg("stepflow server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	<-workerDone
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown failed")
	}
	return nil
}

func buildBroadcaster(cfg config.Config, log zerolog.Logger) (broadcast.Broadcaster, error) {
	if !cfg.EnableWebsockets {
		return broadcast.Noop{}, nil
	}
	if cfg.WebsocketBroadcasterURL == config.MemoryBroadcasterURL {
		return broadcast.NewMemory(), nil
	}
	opts, err := redis.ParseURL(cfg.WebsocketBroadcasterURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket_broadcaster_url: %w", err)
	}
	return broadcast.NewRedis(redis.NewClient(opts), log), nil
}

func buildLocks(cfg config.Config, redisClient redis.UniversalClient) (locking.Manager, error) {
	if !cfg.EnableDistlock {
		return locking.Disabled{}, nil
	}
	if cfg.DistlockBackend == config.DistlockRedis {
		return locking.NewRedisManager(redisClient), nil
	}
	return locking.NewMemoryManager(), nil
}
