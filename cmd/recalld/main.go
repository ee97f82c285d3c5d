// Package main provides the entry point for the recall daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/recall/internal/cache"
	"github.com/thebtf/recall/internal/config"
	"github.com/thebtf/recall/internal/embedding"
	"github.com/thebtf/recall/internal/health"
	"github.com/thebtf/recall/internal/index"
	"github.com/thebtf/recall/internal/query"
	"github.com/thebtf/recall/internal/search"
	"github.com/thebtf/recall/internal/server"
	"github.com/thebtf/recall/internal/sources"
	"github.com/thebtf/recall/internal/vector"
	"github.com/thebtf/recall/internal/vector/memory"
	"github.com/thebtf/recall/internal/vector/pgvector"
	"github.com/thebtf/recall/internal/vector/remote"
	vsqlite "github.com/thebtf/recall/internal/vector/sqlite"
	"github.com/thebtf/recall/internal/warming"
	"github.com/thebtf/recall/pkg/models"
)

var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Daemon failed")
	}
}

func run() error {
	log.Info().Str("version", Version).Msg("Starting recall daemon")

	if err := config.EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	manager := config.NewManager(cfg)

	cacheStore, err := newCacheStore(cfg)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	defer cacheStore.Close()

	provider, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}
	defer provider.Close()

	vectorStore, err := newVectorStore(cfg, provider.Dimensions())
	if err != nil {
		return fmt.Errorf("vector backend: %w", err)
	}
	defer vectorStore.Close()

	engine := search.NewEngine(provider, vectorStore, cacheStore, log.Logger)

	registry := sources.NewStaticRegistry(log.Logger)
	if err := registry.Register(models.DataSource{
		ID:     "local",
		Name:   "local index",
		Type:   cfg.Vector.Backend,
		Active: true,
	}, vectorStore.Health); err != nil {
		return fmt.Errorf("register local source: %w", err)
	}

	monitor := health.NewMonitor(cfg.Monitor, nil, log.Logger)

	var warmer *warming.Warmer
	processor := query.NewProcessor(query.Deps{
		Cache:    cacheStore,
		Engine:   engine,
		Registry: registry,
		OnUsage: func(fp string, ms int64, contributing []string) {
			warmer.Track(fp, ms, contributing)
		},
		OnComplete: monitor.Record,
	}, cfg.Query, log.Logger)
	warmer = warming.NewWarmer(cacheStore, processor, cfg.Warming, log.Logger)

	indexer := index.NewIndexer(provider, vectorStore, cacheStore, cfg.Index, log.Logger)

	healthSvc := health.NewService(health.Deps{
		Cache:    cacheStore,
		Registry: registry,
		Provider: provider,
		Engine:   engine,
		Monitor:  monitor,
	}, cfg.Monitor, log.Logger)

	// Hot config updates propagate to every component with tunable knobs.
	manager.OnChange(func(next *config.Config) {
		processor.UpdateConfig(next.Query)
		warmer.UpdateConfig(next.Warming)
		monitor.UpdateConfig(next.Monitor)
		healthSvc.UpdateConfig(next.Monitor)
		indexer.UpdateConfig(next.Index)
		log.Info().Msg("Configuration applied")
	})

	srv := server.New(server.Deps{
		Processor: processor,
		Health:    healthSvc,
		Monitor:   monitor,
		Cache:     cacheStore,
		Config:    manager,
		Indexer:   indexer,
		Warmer:    warmer,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); warmer.Run(ctx) }()
	go func() { defer wg.Done(); monitor.Run(ctx) }()
	go func() { defer wg.Done(); healthSvc.Run(ctx) }()

	if watcher, werr := config.NewWatcher(config.SettingsPath(), manager, log.Logger); werr != nil {
		log.Warn().Err(werr).Msg("Config watcher unavailable")
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start(cfg.HTTPPort) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancel()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}

	cancel()
	wg.Wait()

	log.Info().Msg("Daemon shutdown complete")
	return nil
}

// newCacheStore builds the cache store from the configured backend.
func newCacheStore(cfg *config.Config) (*cache.Store, error) {
	ttls := cache.TTLs{
		QueryResult:  time.Duration(cfg.Cache.QueryResultTTLSec) * time.Second,
		Embedding:    time.Duration(cfg.Cache.EmbeddingTTLSec) * time.Second,
		ChangeRecord: time.Duration(cfg.Cache.ChangeRecordTTLSec) * time.Second,
	}

	switch cfg.Cache.Backend {
	case "redis":
		backend, err := cache.NewRedisBackend(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.MaxMemoryBytes, log.Logger)
		if err != nil {
			return nil, err
		}
		return cache.NewStore(backend, ttls, log.Logger), nil
	case "memory", "":
		return cache.NewStore(cache.NewMemoryBackend(cfg.Cache.MaxMemoryBytes), ttls, log.Logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// newVectorStore builds the vector store from the configured backend.
func newVectorStore(cfg *config.Config, dimensions int) (vector.Store, error) {
	switch cfg.Vector.Backend {
	case "sqlite":
		return vsqlite.NewStore(cfg.Vector.SQLitePath)
	case "pgvector":
		return pgvector.NewStore(cfg.Vector.PostgresDSN, dimensions)
	case "remote":
		return remote.NewStore(cfg.Vector.RemoteURL)
	case "memory", "":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Vector.Backend)
	}
}
