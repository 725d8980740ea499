// Command lumend runs the context-management daemon: a token store, a
// semantic resurrection index, and the session state machine that
// orchestrates them, served over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"lumen/internal/config"
	"lumen/internal/embedclient"
	"lumen/internal/genclient"
	"lumen/internal/httpapi"
	"lumen/internal/logging"
	"lumen/internal/semanticindex"
	"lumen/internal/session"
	"lumen/internal/telemetry"
	"lumen/internal/tokenstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("lumend: fatal")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(cfg.LogPath, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn().Err(err).Msg("lumend: telemetry shutdown")
		}
	}()

	var metrics telemetry.Metrics
	if cfg.OTel.Enabled {
		metrics = telemetry.NewOtelMetrics()
	} else {
		metrics = telemetry.NewMockMetrics()
	}

	store, err := tokenstore.NewFromConfig(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("construct token store: %w", err)
	}
	defer func() {
		if err := store.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("lumend: token store close")
		}
	}()

	index, err := semanticindex.NewFromConfig(ctx, cfg.Vector, cfg.Redis, metrics)
	if err != nil {
		return fmt.Errorf("construct semantic index: %w", err)
	}
	defer func() {
		if err := index.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("lumend: semantic index close")
		}
	}()

	embed := embedclient.New(cfg.Embedding)
	gen := genclient.New(cfg.Tokenizer, cfg.Generation)

	ctrl := session.New(store, index, embed, gen, cfg.Budget)
	ctrl.SetMetrics(metrics)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: httpapi.NewServer(ctrl),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("lumend: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
