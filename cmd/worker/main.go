package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"marketing-orchestrator/internal/app"
	"marketing-orchestrator/internal/config"
	"marketing-orchestrator/internal/events"
	"marketing-orchestrator/internal/logging"
	"marketing-orchestrator/internal/media"
	"marketing-orchestrator/internal/notify"
	"marketing-orchestrator/internal/provider"
	"marketing-orchestrator/internal/queue"
	"marketing-orchestrator/internal/scheduler"
	"marketing-orchestrator/internal/telemetry"
	"marketing-orchestrator/internal/worker"
	"marketing-orchestrator/internal/workflow"
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

	pipeline, err := media.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init media pipeline")
	}

	bridge := events.NewRedisBridge(jobs.Client(), cfg.EventsChannel)
	providers := app.NewProviders(cfg)
	gate := app.NewGate(cfg, st, providers, bridge)
	notifier := notify.NewFailureNotifier(providers.Chat, bridge)

	flows := workflow.New(workflow.Deps{
		Store:       st,
		Approvals:   gate,
		Drafter:     provider.TemplateDrafter{Hashtags: []string{"#TipRun"}},
		Images:      provider.Unavailable{Name: "image generator"},
		Media:       pipeline,
		Publisher:   providers.Publisher,
		Emailer:     providers.Emailer,
		Messages:    providers.Chat,
		Researcher:  provider.Unavailable{Name: "research agent"},
		Listener:    provider.Unavailable{Name: "social listener"},
		Competitors: cfg.Competitors(),
	})

	var runners []worker.Runner
	for _, name := range jobs.Queues() {
		policy, err := jobs.Policy(name)
		if err != nil {
			log.Fatal().Err(err).Msg("queue policy")
		}
		p := worker.NewPool(name, jobs, notifier, worker.Options{
			Concurrency:      policy.Concurrency,
			PollInterval:     cfg.WorkerPollInterval,
			MaintenanceBatch: int64(cfg.MaintenanceBatch),
			LeaseExtension:   cfg.VisibilityTimeout,
		})
		flows.Register(p)
		runners = append(runners, p)
	}
	pools := len(runners)

	if cfg.SchedulerEnabled {
		loc, err := app.Location(cfg.SchedulerTimezone)
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler")
		}
		sched := scheduler.New(jobs, loc)
		if err := sched.Register(scheduler.Only(scheduler.DefaultEntries(), flows.Configured)...); err != nil {
			log.Fatal().Err(err).Msg("register schedules")
		}
		runners = append(runners, sched)
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("component", "worker").Msg("metrics server stopped")
		}
	}()
	defer metrics.Close()

	log.Info().Str("component", "worker").Int("queues", pools).
		Dur("visibility", cfg.VisibilityTimeout).Bool("scheduler", cfg.SchedulerEnabled).Msg("worker started")
	if err := worker.Run(ctx, runners...); err != nil {
		log.Error().Err(err).Str("component", "worker").Msg("worker stopped")
	}
}
