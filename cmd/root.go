// Package cmd implements the subflowctl command line: start, resume,
// abort, and inspect processes, run a queue worker, and sample executor
// status. All environment access happens here; the internal packages take
// assembled settings by value.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/arcavia/subflow/internal/config"
	"github.com/arcavia/subflow/internal/dispatch"
	"github.com/arcavia/subflow/internal/engine"
	"github.com/arcavia/subflow/internal/queue"
	"github.com/arcavia/subflow/internal/store"
	"github.com/arcavia/subflow/internal/store/postgres"
	"github.com/arcavia/subflow/internal/store/sqlite"
	"github.com/arcavia/subflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "subflowctl",
	Short: "Subflow drives durable workflow processes for network subscriptions.",
	Long: `Subflow is a workflow orchestration engine for provisioning and lifecycle-managing network subscriptions.
It executes long-running, resumable processes against a durable store, with interactive suspension points,
retry semantics, and pluggable executors (local thread pool or distributed worker queue).`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// runtime bundles everything a subcommand needs, assembled once from the
// environment.
type runtime struct {
	settings config.Settings
	store    store.Store
	api      *engine.API
	pool     *dispatch.ThreadPool
	dispatch dispatch.Dispatcher
	broker   *queue.Broker
	logger   *slog.Logger
}

// buildRuntime reads the environment and wires the engine: store by
// DATABASE_URI scheme, executor by EXECUTOR, workflows from the
// process-wide default registry.
func buildRuntime(ctx context.Context) (*runtime, error) {
	settings, err := config.SettingsFromEnv(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	st, err := openStore(ctx, settings, logger)
	if err != nil {
		return nil, err
	}

	durability := engine.NewDurability(st, nil, logger)
	api := engine.NewAPI(st, workflow.Default, durability)

	pool := dispatch.NewThreadPool(settings.MaxWorkers, logger)
	pool.Testing = settings.Testing
	pool.OnFailure = durability.LogProcessException

	rt := &runtime{settings: settings, store: st, api: api, pool: pool, logger: logger}

	switch settings.Executor {
	case config.ExecutorCelery:
		opts, err := redis.ParseURL(settings.CacheURI)
		if err != nil {
			return nil, fmt.Errorf("parse CACHE_URI: %w", err)
		}
		rt.broker = queue.NewBroker(redis.NewClient(opts))
		rt.dispatch = dispatch.NewQueueExecutor(rt.broker, st, logger)
	default:
		rt.dispatch = dispatch.NewThreadPoolExecutor(pool, api)
	}
	return rt, nil
}

func openStore(ctx context.Context, settings config.Settings, logger *slog.Logger) (store.Store, error) {
	uri := settings.DatabaseURI
	if strings.HasPrefix(uri, "postgres://") || strings.HasPrefix(uri, "postgresql://") {
		return postgres.Open(ctx, uri, postgres.WithLogger(logger))
	}
	return sqlite.Open(ctx, uri, sqlite.WithLogger(logger))
}

func (rt *runtime) close() {
	rt.pool.Wait()
	_ = rt.store.Close()
}
