package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/collab-edit/internal/archive"
	"github.com/example/collab-edit/internal/config"
	"github.com/example/collab-edit/internal/observability"
	"github.com/example/collab-edit/internal/persist"
	"github.com/example/collab-edit/internal/room"
	"github.com/example/collab-edit/internal/roster"
	"github.com/example/collab-edit/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store := persist.NewStore(resources.Postgres)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ensure database schema")
	}

	writer := persist.NewWriter(store, cfg.WriteDebounce, logger)
	rosterSvc := roster.NewService(resources.Redis, logger, roster.WithMemberTTL(cfg.PresenceTTL))

	registry := room.NewRegistry(store, writer, rosterSvc, logger, room.Config{
		RoomTTL:      cfg.RoomTTL,
		HistoryLimit: cfg.HistoryLimit,
	})

	archiveWorker := archive.NewWorker(registry, resources.Object, cfg.ObjectBucket, logger, archive.Config{
		Interval:     cfg.ArchiveInterval,
		MinRevisions: cfg.ArchiveMinRevs,
	})
	archiveWorker.Start(ctx)

	gateway, err := ws.NewGateway(registry, logger, ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := resources.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("server dependencies initialized")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	// Pending debounced writes must reach the database before the pool goes
	// away.
	writer.Flush(shutdownCtx)

	logger.Info().Msg("shutdown complete")
}
