// Package main is the entry point for useraggd, the user-activity event
// aggregation service.
//
// # Application Architecture
//
// The process initializes, in order:
//
//  1. Configuration: layered load via Koanf v2 (defaults, config file, env).
//  2. Logging: zerolog, configured from the loaded Logging settings.
//  3. Supervisor tree: a three-layer suture tree (ingest, aggregation, api).
//  4. Aggregation pipeline: Consumer -> Fanout -> Aggregator -> PostgresStore,
//     wired as a single ingest-layer service so the pipeline's own ordered
//     shutdown (stop consuming, then final flush, then release) runs before
//     suture considers the service stopped. See DESIGN.md for why this is
//     wired as one service rather than split across the ingest and
//     aggregation layers.
//  5. HTTP observability surface: liveness/readiness, /metrics, and the
//     per-user/per-key counter lookups, wired as an api-layer service.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger a graceful shutdown: the supervisor tree's
// root context is canceled, which stops the consumer, performs a final
// aggregator flush, and shuts the HTTP server down within its configured
// timeout.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverstack/useraggd/internal/eventagg"
	"github.com/riverstack/useraggd/internal/httpapi"
	"github.com/riverstack/useraggd/internal/logging"
	"github.com/riverstack/useraggd/internal/supervisor"
	"github.com/riverstack/useraggd/internal/supervisor/services"
)

func main() {
	cfg, err := eventagg.LoadConfig()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().Msg("starting useraggd with supervisor tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slogLogger := logging.NewSlogLogger()
	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create supervisor tree")
	}

	svc, err := eventagg.NewService(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create aggregation pipeline")
	}

	// The pipeline owns the consumer-stop -> final-flush -> fanout-complete
	// ordering itself (see Service.Stop); it is wired as a single
	// ingest-layer service rather than split across ingest/aggregation so
	// that invariant survives supervisor-triggered shutdown.
	tree.AddIngestService(svc)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpapi.NewRouter(svc),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))
	logging.Info().Str("addr", httpServer.Addr).Msg("http observability server added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor shutdown error")
		}
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("services failed to stop within timeout")
		for _, s := range unstopped {
			logging.Warn().Str("service", s.Name).Msg("service failed to stop")
		}
	}

	logging.Info().Msg("useraggd stopped gracefully")
}
