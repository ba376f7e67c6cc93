package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/rcliao/agent-context/internal/budget"
	"github.com/rcliao/agent-context/internal/catalog"
	"github.com/rcliao/agent-context/internal/contextstate"
	"github.com/rcliao/agent-context/internal/embedding"
	"github.com/rcliao/agent-context/internal/events"
	"github.com/rcliao/agent-context/internal/generate"
	"github.com/rcliao/agent-context/internal/metrics"
	"github.com/rcliao/agent-context/internal/orchestrator"
	"github.com/rcliao/agent-context/internal/store"
)

// app wires the engine components from the loaded config.
type app struct {
	store     *store.SQLiteStore
	catalog   *catalog.Catalog
	bus       *events.Bus
	contexts  *contextstate.Manager
	allocator *budget.Allocator
	orch      *orchestrator.Orchestrator
	logger    *slog.Logger
	metrics   *http.Server
}

func newApp() (*app, error) {
	logger := slog.Default()
	s, err := openStore()
	if err != nil {
		return nil, err
	}

	emb, err := embedding.New(embedding.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
		Dims:     cfg.Embedding.Dims,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	cat := catalog.New(s, emb, logger)

	bus := events.NewBus(logger)
	bus.Subscribe("log", func(_ context.Context, e events.Event) error {
		logger.Debug("context event", "type", e.Type, "session_id", e.SessionID, "event_id", e.ID)
		return nil
	})

	contexts := contextstate.New(contextstate.Deps{
		Store:    s,
		Hydrator: cat,
		Bus:      bus,
		Logger:   logger,
	}, contextstate.Config{
		MaxItemsPerType:    cfg.Context.MaxItemsPerType,
		CacheTTL:           cfg.Context.CacheTTL,
		HydrateConcurrency: cfg.Context.HydrateConcurrency,
	})

	bc := budget.DefaultConfig()
	bc.DefaultMaxBudget = cfg.Budget.MaxTokens
	bc.WarningRatio = cfg.Budget.WarningRatio
	bc.CriticalRatio = cfg.Budget.CriticalRatio
	allocator := budget.New(bc, nil, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:     s,
		Contexts:  contexts,
		Allocator: allocator,
		Searcher:  cat,
		Generator: generate.NewStrategy(smartGenerator(logger), generate.NewLocalGenerator(), cfg.Generation.Timeout, logger),
		Logger:    logger,
	}, orchestrator.Config{
		MaxBudget:     cfg.Budget.MaxTokens,
		GenerateCount: cfg.Generation.Count,
		Temperature:   cfg.Generation.Temperature,
	})

	a := &app{
		store:     s,
		catalog:   cat,
		bus:       bus,
		contexts:  contexts,
		allocator: allocator,
		orch:      orch,
		logger:    logger,
	}
	if metricsAddr != "" {
		a.serveMetrics(metricsAddr)
	}
	return a, nil
}

// smartGenerator returns the configured model-backed generator, or nil when
// generation is local only.
func smartGenerator(logger *slog.Logger) generate.Generator {
	gc := cfg.Generation
	switch gc.Provider {
	case "openai":
		return generate.NewOpenAIGenerator(generate.OpenAIConfig{
			BaseURL:   gc.BaseURL,
			APIKey:    gc.APIKey,
			Model:     gc.Model,
			MaxTokens: gc.MaxTokens,
		}, logger)
	case "ollama":
		url := gc.BaseURL
		if url == "" {
			url = "http://localhost:11434/v1"
		}
		model := gc.Model
		if model == "" {
			model = "llama3.2"
		}
		return generate.NewOpenAIGenerator(generate.OpenAIConfig{
			BaseURL:   url,
			APIKey:    "ollama",
			Model:     model,
			MaxTokens: gc.MaxTokens,
		}, logger)
	}
	return nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)
}

func (a *app) Close() {
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.metrics.Shutdown(ctx)
	}
	a.bus.Wait()
	a.store.Close()
}

func mustApp() *app {
	a, err := newApp()
	if err != nil {
		exitErr("open", err)
	}
	return a
}
