package app

import (
	"context"
	"fmt"
	"log"

	"github.com/stagecast/stagecast/internal/avatar"
	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/httpapi"
	"github.com/stagecast/stagecast/internal/journal"
	"github.com/stagecast/stagecast/internal/lifecycle"
	"github.com/stagecast/stagecast/internal/observability"
	"github.com/stagecast/stagecast/internal/relay"
	"github.com/stagecast/stagecast/internal/state"
	"github.com/stagecast/stagecast/internal/token"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Hub       *relay.Hub
	Presenter *lifecycle.Presenter
	Store     *state.Store
	Metrics   *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	jstore, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}

	store := state.NewStore(cfg.StateDefaults())

	var provider avatar.Provider
	if cfg.HeyGenAPIKey != "" {
		provider = avatar.NewHeyGenProvider(avatar.HeyGenConfig{
			APIKey:  cfg.HeyGenAPIKey,
			BaseURL: cfg.HeyGenAPIBaseURL,
			Timeout: cfg.HeyGenTimeout,
		})
	} else {
		// Without an API key the relay still runs end to end against an
		// in-memory provider, which is what local development wants.
		log.Printf("app: HEYGEN_API_KEY not set, using in-memory avatar provider")
		provider = avatar.NewMockProvider()
	}

	tokens := token.NewBroker(provider, cfg.TokenCacheTTL, metrics)
	hub := relay.NewHub(store, tokens, jstore, metrics)

	var presenter *lifecycle.Presenter
	if cfg.PresenterEnabled {
		presenter = lifecycle.NewPresenter(hub, provider, tokens, store, metrics, lifecycle.PresenterConfig{
			HandshakeTimeout: cfg.HandshakeTimeout,
			SettleInterval:   cfg.ChangeSettleInterval,
		})
	}

	api := httpapi.New(cfg, hub, store, tokens, provider, jstore, metrics)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Hub:       hub,
		Presenter: presenter,
		Store:     store,
		Metrics:   metrics,
		Cleanup: func() error {
			return jstore.Close()
		},
	}, nil
}
