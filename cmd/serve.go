package main

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gridoc/internal/config"
	"gridoc/internal/handler"
	"gridoc/internal/query"
	"gridoc/internal/service"
)

const (
	healthInterval    = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var serveCMD = &cobra.Command{
	Use:   "serve",
	Short: "serve",
	Long:  `run the HTTP API and the gRPC health endpoint`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if err := serve(cmd.Context(), cfg, log); err != nil {
			log.Error("server exited", zap.Error(err))
			return err
		}
		log.Info("server exited properly")
		return nil
	},
}

func init() {
	rootCMD.AddCommand(serveCMD)
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			log.Error("close backends", zap.Error(err))
		}
	}()

	revisions := service.NewRevisionService(b.repo, b.blobs, b.locker, log.Named("revisions"))

	queryOptions := query.DefaultOptions
	queryOptions.DefaultLimit = cfg.Query.DefaultLimit
	queryOptions.MaxLimit = cfg.Query.MaxLimit

	files := handler.NewFileHandler(revisions, log.Named("http"), queryOptions, cfg.Server.MaxUploadBytes)
	router := handler.NewRouter(files, revisions, log.Named("http"), handler.RouterOptions{
		BasePath:       cfg.Server.BasePath,
		Version:        version,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	var grpcServer *grpc.Server
	if cfg.Server.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			return errors.Wrapf(err, "listen grpc on %s", cfg.Server.GRPCPort)
		}

		grpcServer = grpc.NewServer()
		healthServer := health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)

		g.Go(func() error {
			log.Info("starting gRPC server", zap.String("addr", lis.Addr().String()))
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return errors.Wrap(err, "serve grpc")
			}
			return nil
		})

		g.Go(func() error {
			watchHealth(gctx, revisions, healthServer, log)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve http")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if grpcServer != nil {
			// health Watch streams never finish on their own
			stopped := make(chan struct{})
			go func() {
				grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-shutdownCtx.Done():
				grpcServer.Stop()
			}
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown http server")
		}
		return nil
	})

	return g.Wait()
}

// watchHealth mirrors the backend ping into the gRPC health status until ctx
// is done.
func watchHealth(ctx context.Context, pinger interface{ Ping(context.Context) error }, hs *health.Server, log *zap.Logger) {
	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, healthInterval/2)
		defer cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err := pinger.Ping(pingCtx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("backend health check failed", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
	}

	check()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
