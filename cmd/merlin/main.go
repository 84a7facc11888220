package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/antoniostano/merlin/internal/config"
	"github.com/antoniostano/merlin/internal/gateway"
	"github.com/antoniostano/merlin/internal/httpapi"
	"github.com/antoniostano/merlin/internal/observability"
	"github.com/antoniostano/merlin/internal/pipeline"
	"github.com/antoniostano/merlin/internal/store"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	transcriptStore, relationStore, err := store.New(ctx, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer transcriptStore.Close()
	defer relationStore.Close()

	client, err := gateway.NewClient(gateway.Config{
		Mode:          cfg.GatewayMode,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		GeminiBaseURL: cfg.GeminiBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("gateway init failed")
	}
	log.Info().Str("mode", cfg.GatewayMode).Str("model", cfg.Model).Msg("model gateway ready")

	pipe := pipeline.New(transcriptStore, relationStore, client, pipeline.Settings{
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		Language:     cfg.DriverLanguage,
	}, metrics)

	api := httpapi.New(cfg, pipe, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}
