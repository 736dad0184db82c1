package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/foldline-works/foldline/internal/assembly"
	"github.com/foldline-works/foldline/internal/core/config"
	"github.com/foldline-works/foldline/internal/core/domain"
	"github.com/foldline-works/foldline/internal/core/station"
	"github.com/foldline-works/foldline/internal/core/storage"
	"github.com/foldline-works/foldline/internal/core/storage/postgres"
	"github.com/foldline-works/foldline/internal/core/storage/readmodel"
	"github.com/foldline-works/foldline/internal/core/storage/sqlite"
	"github.com/foldline-works/foldline/internal/engine"
	"github.com/foldline-works/foldline/internal/httpapi"
	"github.com/foldline-works/foldline/internal/migrations"
	"github.com/foldline-works/foldline/internal/projection"
)

// eventStore is what main needs from either database adapter.
type eventStore interface {
	storage.EventStore
	DB() *sql.DB
	Close() error
}

func main() {
	configPath := flag.String("config", "foldline.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	// 2. Initialize Storage. The read-model store folds events inside every
	// append transaction, so it exists before the adapter does.
	views := readmodel.NewStore()

	store, err := openStore(cfg, views)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 3. Initialize Projections (query service + rebuilder)
	queries := projection.NewService(store.DB(), views)
	rebuilder := projection.NewRebuilder(store.DB(), store, views)

	// Finish any rebuild a previous process left half done. With nothing
	// pending this is four watermark reads.
	for _, name := range projection.Names() {
		if err := rebuilder.Resume(context.Background(), name); err != nil {
			slog.Error("Failed to catch up projection", "projection", name, "error", err)
			os.Exit(1)
		}
	}

	// 4. Initialize Station Enforcement
	var authorizer engine.StationAuthorizer
	if cfg.Stations.Enforce {
		registry, err := station.NewRegistry(cfg.Stations.ConfigDir)
		if err != nil {
			slog.Error("Failed to load station registry", "error", err, "dir", cfg.Stations.ConfigDir)
			os.Exit(1)
		}
		authorizer = registry
		slog.Info("Station enforcement enabled", "stations", len(registry.All()), "dir", cfg.Stations.ConfigDir)
	} else {
		slog.Info("Station enforcement disabled by config")
	}

	// 5. Initialize Engine
	eng := engine.New(store, authorizer, domain.Policy{
		AllowRework:   cfg.Quality.AllowRework,
		MaxFanOut:     cfg.Quality.MaxFanOut,
		GatherTimeout: cfg.Assembly.GatherWindow(),
	}, cfg.Engine.MaxRetries, cfg.Engine.SnapshotCacheSize)

	// 6. Initialize Assembly Watchdog
	var sweeper *assembly.Sweeper
	if cfg.Assembly.SweepEnabled {
		submit := func(ctx context.Context, env domain.Envelope, cmd domain.Command) error {
			_, err := eng.Submit(ctx, env, cmd)
			return err
		}
		sweeper = assembly.NewSweeper(queries, submit,
			cfg.Assembly.GatherWindow(), cfg.Assembly.SweepEvery(), cfg.Assembly.SweepBatchSize)
	}

	// 7. Initialize Server
	srv := httpapi.NewServer(fmtAddr(cfg.Server.Host, cfg.Server.Port), store.DB(), cfg.Server.Mode)
	api := httpapi.NewService(eng, queries, rebuilder, cfg.Server.MaxBodySizeMB)
	api.RegisterRoutes(srv.Engine)

	// 8. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sweeper != nil {
		go func() {
			if err := sweeper.Start(ctx); err != nil {
				slog.Error("Watchdog stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Assembly watchdog disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// openStore builds the event store the config names. Postgres migrates on a
// throwaway connection first because the adapter validates the schema as it
// opens; sqlite bootstraps its own schema.
func openStore(cfg *config.Config, views *readmodel.Store) (eventStore, error) {
	switch cfg.Database.Type {
	case "postgres":
		if err := migrateDatabase(cfg.Database.DSN, cfg.Database.AutoMigrate); err != nil {
			return nil, err
		}
		return postgres.NewAdapter(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, views)
	case "sqlite":
		return sqlite.NewAdapter(cfg.Database.DSN, views)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}

func migrateDatabase(dsn string, autoMigrate bool) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migration: %w", err)
	}
	defer db.Close()
	return migrations.Run(db, autoMigrate)
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
