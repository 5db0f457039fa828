// Package app builds the collaborators shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"marketing-orchestrator/internal/approval"
	"marketing-orchestrator/internal/config"
	"marketing-orchestrator/internal/events"
	"marketing-orchestrator/internal/provider"
	"marketing-orchestrator/internal/store"
)

// Providers are the external services configured for this deployment.
type Providers struct {
	Chat      *provider.Slack
	Publisher *provider.LateDev
	Emailer   *provider.Resend
}

// NewProviders builds provider clients. Missing credentials surface as
// permanent errors on first use rather than at startup.
func NewProviders(cfg config.Config) Providers {
	return Providers{
		Chat:      provider.NewSlack(cfg.SlackBotToken, cfg.SlackChannels()),
		Publisher: provider.NewLateDev(cfg.LateBaseURL, cfg.LateAPIKey, cfg.LateAccounts(), nil),
		Emailer:   provider.NewResend(cfg.ResendBaseURL, cfg.ResendAPIKey, cfg.EmailFrom, nil),
	}
}

// NewGate wires the approval gate onto the store and providers.
func NewGate(cfg config.Config, st *store.Store, p Providers, ev events.Publisher) *approval.Gate {
	return approval.New(approval.Config{
		Store:     st,
		Publisher: p.Publisher,
		Emailer:   p.Emailer,
		Messages:  p.Chat,
		Prompter:  p.Chat,
		Events:    ev,
		TTL:       cfg.ApprovalTTL,
	})
}

// OpenStore connects to Postgres and applies pending migrations.
func OpenStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

// Location resolves the scheduler time zone, falling back to UTC.
func Location(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", name, err)
	}
	return loc, nil
}
