package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/venugopal1902/email-verifier/internal/api"
	"github.com/venugopal1902/email-verifier/internal/app"
	"github.com/venugopal1902/email-verifier/internal/config"
	"github.com/venugopal1902/email-verifier/internal/pkg/distlock"
	"github.com/venugopal1902/email-verifier/internal/pkg/logger"
	"github.com/venugopal1902/email-verifier/internal/worker"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %w", addr, err)
	}
	return ln.Close()
}

func main() {
	cfg, err := config.LoadFromEnv(envOr("CONFIG_PATH", "config/config.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	app.InitLogger(cfg, "verifier-api")
	log := logger.Named("server")

	addr := cfg.Server.Addr()
	if err := checkPortAvailable(addr); err != nil {
		log.Fatal().Err(err).Msg("pre-flight check failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initialise")
	}
	defer a.Close()
	go a.Ring.Start(ctx)

	// With the in-process queue nothing else can consume, so the API
	// process runs the file workers itself.
	if _, local := a.Jobs.(*worker.LocalDispatcher); local {
		go func() {
			if err := a.Jobs.Consume(ctx, a.Service.ProcessFile, a.Service.FailFile); err != nil {
				log.Error().Err(err).Msg("local consumer stopped")
			}
		}()
		recovery := worker.NewQueueRecoveryWorker(a.Files, a.Jobs, worker.DefaultRecoveryInterval, worker.DefaultStaleAge).
			WithLock(distlock.NewLock(nil, a.DB, "verifier:queue-recovery", 0))
		go recovery.Start(ctx)
		log.Info().Int("workers", cfg.Scheduler.Workers).Msg("in-process file workers started")
	}

	handlers := api.NewHandlers(a.Service, int64(cfg.Server.MaxUploadMB)<<20)
	srv := &http.Server{
		Addr: addr,
		Handler: api.SetupRoutes(handlers, api.RouteOptions{
			AllowedOrigins: cfg.Server.CORSOrigins,
			Gatherer:       a.Registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-done
	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("server stopped")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
