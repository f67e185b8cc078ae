package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lmittmann/tint"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/0xc0d3d00d/heatmap/internal/config"
	"github.com/0xc0d3d00d/heatmap/internal/domain"
	"github.com/0xc0d3d00d/heatmap/internal/evolution"
	"github.com/0xc0d3d00d/heatmap/internal/fanout"
	"github.com/0xc0d3d00d/heatmap/internal/gateway"
	"github.com/0xc0d3d00d/heatmap/internal/metrics"
	"github.com/0xc0d3d00d/heatmap/internal/mirror"
	"github.com/0xc0d3d00d/heatmap/internal/orchestrator"
	"github.com/0xc0d3d00d/heatmap/internal/server"
	"github.com/0xc0d3d00d/heatmap/internal/staticdata"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level := new(slog.LevelVar)
	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
		}),
	))

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}
	if l, err := cfg.Level(); err == nil {
		level.Set(l)
	}

	gw, err := gateway.NewClient(cfg.Gateway.RestEndpoint, gateway.WithAPIKey(cfg.Gateway.APIKey))
	if err != nil {
		slog.ErrorContext(ctx, "failed to create gateway client", "error", err)
		os.Exit(1)
	}
	if err := checkGateway(ctx, gw, cfg.Gateway.SessionID); err != nil {
		slog.ErrorContext(ctx, "gateway is not reachable", "endpoint", cfg.Gateway.RestEndpoint, "error", err)
		os.Exit(1)
	}

	var fetcher evolution.Fetcher = gw
	if cfg.StaticKlinesDir != "" {
		slog.InfoContext(ctx, "using static klines", "dir", cfg.StaticKlinesDir)
		fetcher = staticdata.New(fs, cfg.StaticKlinesDir)
	}

	provider, err := metrics.NewPrometheusProvider()
	if err != nil {
		slog.ErrorContext(ctx, "failed to create metrics provider", "error", err)
		os.Exit(1)
	}
	m, err := metrics.New(provider)
	if err != nil {
		slog.ErrorContext(ctx, "failed to create metrics", "error", err)
		os.Exit(1)
	}

	registry := fanout.NewRegistry(fanout.WithMetrics(m))

	orchestratorOpts := []orchestrator.Option{
		orchestrator.WithSessionID(cfg.Gateway.SessionID),
		orchestrator.WithComputeInterval(cfg.ComputeEvery()),
		orchestrator.WithMaxDays(cfg.MaxDays()),
		orchestrator.WithPublisher(registry),
		orchestrator.WithMetrics(m),
	}

	var redisMirror *mirror.Redis
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer client.Close()
		redisMirror = mirror.NewRedis(client, cfg.Redis.Key, cfg.Redis.Channel, cfg.Redis.TTL)
		orchestratorOpts = append(orchestratorOpts, orchestrator.WithPublisher(redisMirror))
	}

	newEngine := func(key domain.Key, fine, coarse domain.Interval) (orchestrator.Engine, error) {
		engine, err := evolution.New(evolution.Config{
			Key:            key,
			FineInterval:   fine,
			CoarseInterval: coarse,
			Periods:        cfg.DataPeriods,
		}, fetcher, evolution.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
	orch := orchestrator.New(gw, newEngine, orchestratorOpts...)

	stream := gateway.NewStream(cfg.Gateway.WsEndpoint, cfg.Gateway.SessionID, orch,
		gateway.WithStreamAPIKey(cfg.Gateway.APIKey))

	srv, err := server.New(ctx, cfg.ListenAddress, registry, server.WithReadiness(orch.Active))
	if err != nil {
		slog.ErrorContext(ctx, "failed to create server", "error", err)
		os.Exit(1)
	}

	g, gCtx := errgroup.WithContext(ctx)
	// Start subscriber server
	g.Go(func() error {
		slog.InfoContext(ctx, "starting server", "listen_address", cfg.ListenAddress)
		if err := runHttpServer(ctx, cfg.ListenAddress, srv); err != nil {
			slog.ErrorContext(ctx, "failed to start server", "error", err)
			cancel()
			return err
		}
		return nil
	})

	// Gateway notifications
	g.Go(func() error {
		return stream.Run(gCtx)
	})

	// Subscription reconciliation
	g.Go(func() error {
		return orch.Run(gCtx)
	})

	if redisMirror != nil {
		g.Go(func() error {
			return redisMirror.Run(gCtx)
		})
	}

	// Handle graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		slog.Info("shutting down server gracefully")

		orch.Shutdown(shutdownCtx)
		registry.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server terminated", "err", err)
	}
}

// checkGateway fails when the gateway cannot be reached. A missing session is not
// fatal, the gateway creates it on the first stream connection.
func checkGateway(ctx context.Context, gw *gateway.Client, sessionID string) error {
	if err := gw.Ping(ctx); err != nil {
		return err
	}
	exists, err := gw.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !exists {
		slog.WarnContext(ctx, "session does not exist yet", "session_id", sessionID)
	}
	return nil
}

func runHttpServer(ctx context.Context, listenAddress string, srv *server.Server) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return err
	}

	err = srv.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}
