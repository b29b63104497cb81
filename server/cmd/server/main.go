package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/facerelay/facerelay/server/internal/api"
	"github.com/facerelay/facerelay/server/internal/cluster"
	"github.com/facerelay/facerelay/server/internal/config"
	"github.com/facerelay/facerelay/server/internal/dispatch"
	"github.com/facerelay/facerelay/server/internal/health"
	"github.com/facerelay/facerelay/server/internal/logger"
	"github.com/facerelay/facerelay/server/internal/metrics"
	"github.com/facerelay/facerelay/server/internal/registry"
	"github.com/facerelay/facerelay/server/internal/relay"
	"github.com/facerelay/facerelay/server/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars and defaults apply without it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	log, level := logger.New(cfg.Logging)
	slog.SetDefault(log)

	slog.Info("facerelay-server starting",
		"config", *configPath,
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"path", cfg.Server.Path,
		"echo_to_sender", cfg.Relay.EchoToSender,
		"cluster", cfg.Cluster.Enabled(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *configPath, level); err != nil {
		slog.Error("facerelay-server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("facerelay-server stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string, level *slog.LevelVar) error {
	reg := registry.New()
	m := metrics.New()
	m.SetActiveFunc(reg.Count)

	srv := transport.New(transport.Options{
		PingInterval:   cfg.EngineIO.PingInterval,
		PingTimeout:    cfg.EngineIO.PingTimeout,
		UpgradeTimeout: cfg.EngineIO.UpgradeTimeout,
		MaxPayload:     cfg.EngineIO.MaxPayload,
		SendQueue:      cfg.EngineIO.SendQueue,
		AllowEIO3:      cfg.Server.AllowEIO3,
		CORSOrigin:     cfg.Server.CORSOrigin,
	}, m)
	disp := dispatch.New(reg, srv, m)
	disp.SetPolicy(dispatch.PolicyFor(cfg.Relay.EchoToSender))
	svc := relay.New(reg, disp, srv, m)
	srv.SetHandler(svc)

	node := uuid.NewString()
	var bridge *cluster.Bridge
	if cfg.Cluster.Enabled() {
		b, err := cluster.Connect(ctx, cfg.Cluster.NATSURL, cfg.Cluster.Subject, svc)
		if err != nil {
			return err
		}
		bridge = b
		node = b.Node()
		svc.SetPublisher(b)
	}

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(c *config.Config) {
				level.Set(logger.ParseLevel(c.Logging.Level))
				disp.SetPolicy(dispatch.PolicyFor(c.Relay.EchoToSender))
				slog.Info("config reloaded",
					"level", c.Logging.Level,
					"echo_to_sender", c.Relay.EchoToSender,
				)
			})
			if err != nil {
				slog.Warn("config watch disabled", "err", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(api.RequestLogger)

	path := strings.TrimSuffix(cfg.Server.Path, "/") + "/"
	r.Handle(path, srv)
	r.Handle(path+"*", srv)
	r.Handle("/metrics", m.Handler())
	api.NewHandler(reg, m, disp, node).Mount(r)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           otelhttp.NewHandler(r, cfg.Logging.Service),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var hs *health.Server
	var grpcLis net.Listener
	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
		}
		grpcLis = lis
		hs = health.New()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort, "socketio_path", path)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if hs != nil {
		g.Go(func() error { return hs.Serve(grpcLis) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("facerelay-server shutting down", "connections", reg.Count())

		shCtx, shCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shCancel()

		if hs != nil {
			hs.SetServing(false)
		}
		if err := srv.Shutdown(shCtx); err != nil {
			slog.Warn("transport shutdown", "err", err)
		}
		if err := httpSrv.Shutdown(shCtx); err != nil {
			slog.Warn("HTTP shutdown", "err", err)
		}
		if hs != nil {
			hs.Shutdown(shCtx)
		}
		if bridge != nil {
			if err := bridge.Close(); err != nil {
				slog.Warn("cluster close", "err", err)
			}
		}
		return nil
	})

	return g.Wait()
}
