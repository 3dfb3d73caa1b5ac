package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"crewmap-svr/internal/api"
	"crewmap-svr/internal/auth"
	"crewmap-svr/internal/channel"
	"crewmap-svr/internal/config"
	"crewmap-svr/internal/grpcclient"
	"crewmap-svr/internal/identity"
	"crewmap-svr/internal/observability"
	"crewmap-svr/internal/pipeline"
	"crewmap-svr/internal/server"
	"crewmap-svr/internal/snapshot"
	"crewmap-svr/internal/store"
	"crewmap-svr/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("Starting crewmap-svr...", "port", cfg.HTTPPort, "transport", cfg.Transport)

	if err := run(cfg, logger); err != nil {
		logger.Error("crewmap-svr stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenSQLite(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	// ----- transporte push -----
	var (
		transport channel.Transport
		publisher pipeline.Publisher
		rdb       *redis.Client
	)
	switch cfg.Transport {
	case "memory":
		mem := channel.NewMemoryTransport()
		transport, publisher = mem, mem
	default:
		rdb, err = store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("redis connected", "addr", cfg.RedisAddr)
		transport = store.NewRedisTransport(rdb, logger)
		publisher = store.NewRedisPublisher(rdb)
	}

	// ----- identidad: directorio gRPC primero, roster local después -----
	resolvers := identity.Chain{}
	if cfg.DirectoryAddr != "" {
		dir, err := grpcclient.NewDirectory(cfg.DirectoryAddr)
		if err != nil {
			return err
		}
		defer dir.Close()
		resolvers = append(resolvers, dir)
	}
	resolvers = append(resolvers, db)
	identities := identity.NewCache(resolvers, cfg.IdentityTTL, cfg.IdentityRetryAfter, logger)

	fetcher := snapshot.NewFetcher(db, logger)
	opts := tracker.Options{
		PollInterval:   cfg.FallbackPollInterval,
		IdentityRetry:  cfg.IdentityRetryAfter,
		ResubscribeMin: cfg.ResubscribeMin,
		ResubscribeMax: cfg.ResubscribeMax,
	}
	sessions := api.NewSessions(func() *tracker.Session {
		return tracker.NewSession(transport, fetcher, identities, opts, logger)
	}, logger)

	ready := func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return err
		}
		if rdb != nil {
			return rdb.Ping(ctx).Err()
		}
		return nil
	}

	authProvider := auth.NewProvider(cfg.JWTSecret)
	processor := pipeline.NewProcessor(db, publisher, logger)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.Deps{
			Auth:     authProvider,
			Sessions: sessions,
			Ingest:   processor,
			History:  db,
			Ready:    ready,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := observability.StartMetricsServer(cfg.MetricsPort); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	tcpDone := make(chan struct{})
	if cfg.DeviceTCPPort != "" {
		devices := server.NewTCPServer(authProvider, processor, logger)
		go func() {
			defer close(tcpDone)
			if err := devices.ListenAndServe(ctx, ":"+cfg.DeviceTCPPort); err != nil {
				logger.Error("device listener failed", "error", err)
			}
		}()
	} else {
		close(tcpDone)
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		stop()
		<-tcpDone
		sessions.CloseAll()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-tcpDone
	sessions.CloseAll()
	identities.Wait()
	return err
}
