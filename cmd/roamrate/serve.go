package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roamrate/roamrate/internal/bandit"
	"github.com/roamrate/roamrate/internal/compete"
	"github.com/roamrate/roamrate/internal/config"
	"github.com/roamrate/roamrate/internal/drift"
	"github.com/roamrate/roamrate/internal/experiment"
	"github.com/roamrate/roamrate/internal/features"
	"github.com/roamrate/roamrate/internal/httpapi"
	"github.com/roamrate/roamrate/internal/outcomes"
	"github.com/roamrate/roamrate/internal/pricing"
	"github.com/roamrate/roamrate/internal/registry"
	"github.com/roamrate/roamrate/internal/retrain"
	"github.com/roamrate/roamrate/internal/scheduler"
	"github.com/roamrate/roamrate/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pricing API and background jobs",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	metrics := telemetry.New()

	store, err := outcomes.Open(cfg.Storage.OutcomesPath)
	if err != nil {
		return fmt.Errorf("open outcome store: %w", err)
	}
	defer store.Close()

	reg := registry.New(cfg.Registry)

	gateway, memCache := buildGateway(cfg)

	resultLog, err := experiment.OpenResultLog(cfg.Storage.ExperimentLog)
	if err != nil {
		return fmt.Errorf("open experiment log: %w", err)
	}
	defer resultLog.Close()
	experiments := experiment.NewManager(cfg.Experiments, resultLog)

	bandits := bandit.NewManager(cfg.Bandit)
	if err := bandits.LoadFile(cfg.Storage.BanditSnapshot); err != nil {
		log.Warn().Err(err).Msg("bandit snapshot not restored")
	}

	hub := httpapi.NewHub(metrics, log.Logger)
	pipeline := pricing.New(catalog, cfg.Pricing, log.Logger).
		WithCompetitors(gateway).
		WithModels(reg).
		WithRouter(experiments).
		WithBandit(bandits).
		WithSink(hub).
		WithMetrics(metrics)

	handlers := httpapi.NewHandlers(pipeline, store, reg, bandits, metrics, hub, log.Logger)
	handlers.Version = version
	server := httpapi.NewServer(handlers, cfg.HTTP, log.Logger)

	sched := buildScheduler(cfg, store, reg, bandits, memCache)

	// Warm the model cache for the configured catalog before taking traffic.
	warmIDs := make([]string, 0, len(cfg.Properties))
	for id := range cfg.Properties {
		warmIDs = append(warmIDs, id)
	}
	reg.WarmUp(cmd.Context(), warmIDs, registry.ModelConversion)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := sched.Start(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if serr := bandits.SaveFile(cfg.Storage.BanditSnapshot); serr != nil {
		log.Error().Err(serr).Msg("bandit snapshot not saved on shutdown")
	}
	if memCache != nil {
		memCache.Stop()
	}
	return err
}

// buildGateway assembles the competitor rate gateway from config: a mock or
// HTTP upstream behind either the in-memory cache or Redis.
func buildGateway(cfg config.Config) (*compete.Gateway, *compete.MemoryCache) {
	var source compete.Source
	if cfg.Competitors.UseMock || cfg.Competitors.BaseURL == "" {
		coords := func(propertyID string) (float64, float64, bool) {
			p, ok := cfg.Properties[propertyID]
			if !ok {
				return 0, 0, false
			}
			return p.Latitude, p.Longitude, true
		}
		source = &compete.MockSource{Coords: coords}
	} else {
		src := compete.DefaultHTTPSourceConfig()
		src.BaseURL = cfg.Competitors.BaseURL
		source = compete.NewHTTPSource(src)
	}

	ttl := cfg.Competitors.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	var cache compete.BandCache
	var memCache *compete.MemoryCache
	if cfg.Competitors.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Competitors.RedisAddr})
		cache = compete.NewRedisCache(client, ttl)
		log.Info().Str("addr", cfg.Competitors.RedisAddr).Msg("competitor band cache on redis")
	} else {
		memCache = compete.NewMemoryCache(ttl, 4096)
		cache = memCache
	}
	return compete.NewGateway(source, cache, cfg.Competitors.Gateway), memCache
}

// buildScheduler binds the maintenance jobs to their runners.
func buildScheduler(cfg config.Config, store *outcomes.Store, reg *registry.Registry, bandits *bandit.Manager, memCache *compete.MemoryCache) *scheduler.Scheduler {
	sched := scheduler.New(cfg.Scheduler, log.Logger)

	orch := retrain.New(store, reg, cfg.Retrain)
	sched.Register(scheduler.JobRetrainSweep, func(ctx context.Context) error {
		summary, err := orch.Sweep(ctx, nil, registry.ModelConversion)
		if err != nil {
			return err
		}
		log.Info().
			Int("deployed", summary.Deployed).
			Int("held_back", summary.TrainedNotDeployed).
			Int("skipped", summary.Skipped).
			Msg("retrain sweep finished")
		return nil
	})

	monitor := drift.NewMonitor(drift.New(cfg.Drift), store)
	sched.Register(scheduler.JobDriftMonitor, func(ctx context.Context) error {
		props, err := store.Properties(ctx)
		if err != nil {
			return err
		}
		for _, id := range props {
			report, err := monitor.MonitorProperty(ctx, id, features.CanonicalNames(), 30, 7)
			if err != nil {
				log.Warn().Err(err).Str("property", id).Msg("drift check failed")
				continue
			}
			if report.Summary.TriggerRetrain {
				log.Warn().
					Str("property", id).
					Strs("features", report.Summary.DriftedList).
					Msg("drift threshold crossed, retraining")
				res := orch.Retrain(ctx, id, registry.ModelConversion)
				log.Info().Str("property", id).Str("action", res.Action).Msg("drift-triggered retrain")
			}
		}
		return nil
	})

	sched.Register(scheduler.JobBanditSnapshot, func(context.Context) error {
		return bandits.SaveFile(cfg.Storage.BanditSnapshot)
	})

	sched.Register(scheduler.JobCacheSweep, func(context.Context) error {
		if memCache != nil {
			memCache.SweepExpired()
		}
		return nil
	})

	return sched
}
