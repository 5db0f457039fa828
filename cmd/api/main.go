package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/api"
	"marketing-orchestrator/internal/app"
	"marketing-orchestrator/internal/config"
	"marketing-orchestrator/internal/events"
	"marketing-orchestrator/internal/interaction"
	"marketing-orchestrator/internal/logging"
	"marketing-orchestrator/internal/queue"
	"marketing-orchestrator/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Configure(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	jobs, err := queue.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open queue")
	}
	defer jobs.Close()

	hub := events.NewHub()
	bridge := events.NewRedisBridge(jobs.Client(), cfg.EventsChannel)
	go func() {
		if err := bridge.Forward(ctx, hub); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("component", "events").Msg("event bridge stopped")
		}
	}()

	gate := app.NewGate(cfg, st, app.NewProviders(cfg), bridge)
	limiter := ratelimit.NewTokenBucket(jobs.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(api.Deps{
		Jobs:               jobs,
		Approvals:          gate,
		Emails:             st,
		Interactions:       interaction.NewHandler(cfg.SlackSigningSecret, cfg.SignatureMaxSkew, gate),
		Events:             hub,
		Limiter:            limiter,
		BearerToken:        cfg.APIBearerToken,
		EmailWebhookSecret: cfg.EmailWebhookSecret,
		Version:            cfg.Env,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.APIBearerToken == "" {
		log.Warn().Str("component", "api").Msg("API_BEARER_TOKEN is empty; producer routes are unauthenticated")
	}
	log.Info().Str("component", "api").Str("addr", httpServer.Addr).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Str("component", "api").Msg("shutdown")
	}
}
