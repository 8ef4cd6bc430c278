package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/api/handlers"
	"github.com/yomibot/backend/internal/cache"
	"github.com/yomibot/backend/internal/identify"
	"github.com/yomibot/backend/internal/llm"
	"github.com/yomibot/backend/internal/query"
	"github.com/yomibot/backend/internal/search/web"
	"github.com/yomibot/backend/internal/storage/sqlite"
	"github.com/yomibot/backend/internal/wiki"
	"github.com/yomibot/backend/internal/wom"
	"github.com/yomibot/backend/pkg/config"
	"github.com/yomibot/backend/pkg/httpclient"
	"github.com/yomibot/backend/pkg/logger"
	"github.com/yomibot/backend/pkg/retry"
)

// application holds every long-lived component built from the config.
type application struct {
	cfg     *config.Config
	store   cache.Store
	usage   *llm.UsageTable
	gateway *llm.Gateway
	history *sqlite.Client
	engine  *query.Engine
	closers []func() error
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("Failed to close component", zap.Error(err))
		}
	}
}

// checks returns the readiness probes for /ready.
func (a *application) checks() map[string]handlers.Pinger {
	checks := map[string]handlers.Pinger{}
	if a.history != nil {
		checks["sqlite"] = a.history
	}
	if p, ok := a.store.(handlers.Pinger); ok {
		checks["redis"] = p
	}
	return checks
}

func openStore(cfg *config.Config) (cache.Store, func() error, error) {
	switch cfg.Cache.Backend {
	case "redis":
		store, err := cache.NewRedisStore(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := cache.NewFileStore(cfg.Cache.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() error { return nil }, nil
	}
}

func newGateway(ctx context.Context, cfg config.LLMConfig, usage *llm.UsageTable) (*llm.Gateway, error) {
	httpClient := httpclient.New(httpclient.WithTimeout(time.Duration(cfg.TimeoutSec) * time.Second))

	var backends []llm.Backend
	for _, m := range cfg.Models {
		switch m.Provider {
		case "gemini":
			b, err := llm.NewGeminiBackend(ctx, m.Name, m.Model, m.APIKey, httpClient)
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		case "openai":
			backends = append(backends, llm.NewOpenAIBackend(m.Name, m.Model, m.APIKey, m.BaseURL, httpClient))
		}
	}

	return llm.NewGateway(llm.GatewayConfig{
		Priority:    cfg.Priority,
		Cooldown:    time.Duration(cfg.CooldownMinutes) * time.Minute,
		Timeout:     time.Duration(cfg.TimeoutSec) * time.Second,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Retry:       retry.DefaultConfig(),
	}, usage, backends...)
}

func buildApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{cfg: cfg}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	app.store = store
	app.closers = append(app.closers, closeStore)

	app.usage = llm.NewUsageTable(store)
	if err := app.usage.Load(ctx); err != nil {
		logger.Warn("Failed to restore model usage", zap.Error(err))
	}

	app.gateway, err = newGateway(ctx, cfg.LLM, app.usage)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to create model gateway: %w", err)
	}

	if cfg.SQLite.Enabled {
		app.history, err = sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		app.closers = append(app.closers, app.history.Close)
		if err := app.history.InitSchema(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	wikiClient := wiki.NewClient(wiki.Config{
		BaseURL:        cfg.Wiki.BaseURL,
		UserAgent:      cfg.Wiki.UserAgent,
		TTL:            time.Duration(cfg.Wiki.CacheTTLHours) * time.Hour,
		MaxConcurrency: cfg.Wiki.MaxConcurrency,
	}, httpclient.New(httpclient.WithTimeout(time.Duration(cfg.Wiki.TimeoutSec)*time.Second)), store)

	womClient := wom.NewClient(wom.Config{
		BaseURL:   cfg.WOM.BaseURL,
		SiteURL:   cfg.WOM.SiteURL,
		GroupID:   cfg.WOM.GroupID,
		APIKey:    cfg.WOM.APIKey,
		UserAgent: cfg.WOM.UserAgent,
		PlayerTTL: time.Duration(cfg.WOM.PlayerTTLMinutes) * time.Minute,
		RosterTTL: time.Duration(cfg.WOM.RosterTTLMinutes) * time.Minute,
		MetricTTL: time.Duration(cfg.WOM.MetricTTLMinutes) * time.Minute,
	}, httpclient.New(httpclient.WithTimeout(time.Duration(cfg.WOM.TimeoutSec)*time.Second)), store)

	identifier := identify.New(app.gateway, identify.NewImageFetcher(httpclient.New(httpclient.DefaultConfig())))

	deps := query.Deps{
		Identifier: identifier,
		Wiki:       wikiClient,
		Players:    womClient,
		Generator:  app.gateway,
	}
	if app.history != nil {
		deps.History = app.history
	}

	searchClient := web.NewClient(web.Config{
		Endpoint:        cfg.Search.Endpoint,
		APIKey:          cfg.Search.APIKey,
		UserAgent:       cfg.Wiki.UserAgent,
		Count:           cfg.Search.Count,
		MaxRetries:      cfg.Search.MaxRetries,
		DefaultReset:    time.Duration(cfg.Search.DefaultResetSec) * time.Second,
		MaxContentChars: cfg.Search.MaxContentChars,
		TTL:             time.Duration(cfg.Search.CacheTTLHours) * time.Hour,
	}, httpclient.New(httpclient.WithTimeout(time.Duration(cfg.Search.TimeoutSec)*time.Second)), store)
	web.SetMinInterval(time.Duration(cfg.Search.MinIntervalMs) * time.Millisecond)
	if cfg.Search.Enabled && searchClient.Enabled() {
		deps.Search = searchClient
	} else {
		logger.Warn("Web search disabled; answers rely on the wiki and player data only")
	}

	app.engine = query.NewEngine(query.Config{
		EscalationThreshold:  cfg.Query.EscalationThreshold,
		MaxLength:            cfg.Query.MaxLength,
		CitationBudget:       cfg.Query.CitationBudget,
		MaxIterations:        cfg.Agentic.MaxIterations,
		SynthesisTemperature: cfg.Query.SynthesisTemperature,
	}, deps)

	return app, nil
}
