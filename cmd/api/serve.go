package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"cytolab.org/internal/detector"
	"cytolab.org/internal/httpapi"
	"cytolab.org/internal/ingest"
	"cytolab.org/internal/notify"
	"cytolab.org/internal/obs"
	"cytolab.org/internal/stream"
	"cytolab.org/internal/sweep"
	"cytolab.org/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the token sweeper and the gRPC health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	// Инициализация observability (регистрация метрик, build info, трейсинг)
	obs.Init()
	obs.InitBuildInfo(obs.BuildInfo{Service: "cytolab-api", Version: version, Commit: commit, Env: cfg.Env})
	shutdownTracing := telemetry.Setup(telemetry.Config{
		ServiceName: "cytolab-api",
		Version:     version,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
	}, log)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, closer, err := mailProvider(cfg, log)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	mail := notify.NewDispatcher(provider, notify.WithDispatcherLogger(log))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mail.Close(sctx); err != nil {
			log.Warn().Err(err).Msg("mail queue not drained")
		}
	}()

	authSvc, err := newAuthService(cfg, store, mail, log)
	if err != nil {
		return err
	}

	resolver, err := imageResolver(ctx, cfg, log)
	if err != nil {
		return err
	}
	det, err := detector.New(cfg.DetectorURL, detector.WithTimeout(cfg.DetectorTimeout))
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	events := stream.New(64)
	ing, err := ingest.NewService(store, resolver, det,
		ingest.WithPublisher(events),
		ingest.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	sweeper, err := sweep.New(authSvc.SweepExpired, cfg.SweepInterval, sweep.WithLogger(log))
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	clients, err := httpapi.NewClientResolver(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	limiter := httpapi.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitIdleTTL, httpapi.WithClientResolver(clients))
	limiter.Start(ctx)
	defer limiter.Stop()

	probe := httpapi.ReadyProbe{DB: store.DB()}
	api, err := httpapi.New(httpapi.Deps{
		Auth:    authSvc,
		Lab:     store,
		Ingest:  ing,
		Stream:  events,
		Ready:   probe,
		Limiter: limiter,
		Logger:  log,
		Version: version,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              listenAddr(cfg.Port),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE and detector calls outlive a fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("commit", commit).Msg("starting cytolab-api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	var gs *grpc.Server
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs = grpc.NewServer()
		healthpb.RegisterHealthServer(gs, httpapi.NewHealthServer(probe))
		go func() {
			log.Info().Str("addr", cfg.GRPCHealthAddr).Msg("grpc health listening")
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if gs != nil {
		gs.GracefulStop()
	}
	if serr := srv.Shutdown(sctx); serr != nil {
		log.Warn().Err(serr).Msg("http shutdown")
	}
	log.Info().Msg("stopped")
	return err
}

func listenAddr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}
