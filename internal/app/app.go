// Package app assembles the document chatbot from its parts: configuration,
// database pool, Genkit model/embedder registration, vector index, history
// store, ingestion, the answer pipeline, and the HTTP API.
//
// Setup wires everything in dependency order and returns an App whose Close
// releases all resources. Construction failures clean up whatever was already
// initialized.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docsmith/docchat/db"
	"github.com/docsmith/docchat/internal/api"
	"github.com/docsmith/docchat/internal/chatbot"
	"github.com/docsmith/docchat/internal/config"
	"github.com/docsmith/docchat/internal/database"
	"github.com/docsmith/docchat/internal/history"
	"github.com/docsmith/docchat/internal/index"
	"github.com/docsmith/docchat/internal/ingest"
	"github.com/docsmith/docchat/internal/observability"
	"github.com/docsmith/docchat/internal/pipeline"
)

// App holds the assembled application.
type App struct {
	Config  *config.Config
	Genkit  *genkit.Genkit
	Pool    *pgxpool.Pool
	Service *chatbot.Service
	Server  *api.Server

	logger       *slog.Logger
	traceCleanup func()
}

// Setup creates and initializes the application.
// Call Close to release resources.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, logger: logger}

	// On error, release everything already initialized.
	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	// Tracing must be registered before genkit.Init so model and embedder
	// spans reach the exporter.
	if cfg.TracingEnabled {
		a.traceCleanup = provideTracing(ctx, cfg, logger)
	}

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, embedder, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	idx := index.NewPostgres(pool, embedder, logger)
	store := history.NewPostgres(pool, logger)

	staging, err := ingest.NewStaging(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("creating upload staging: %w", err)
	}
	ingestor := ingest.New(idx, ingest.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap), logger)

	runner := pipeline.New(g, qualifiedModelName(cfg), idx, logger,
		pipeline.WithTopK(cfg.TopK))

	a.Service = chatbot.New(store, ingestor, staging, runner, logger)

	srv, err := api.NewServer(api.ServerConfig{
		Logger:           logger,
		Service:          a.Service,
		Pool:             pool,
		CORSOrigins:      cfg.CORSOrigins,
		TrustProxy:       cfg.TrustProxy,
		ChatRatePerMin:   cfg.ChatRatePerMin,
		UploadRatePerMin: cfg.UploadRatePerMin,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = srv

	return a, nil
}

// Close releases application resources. Safe to call on a partially
// initialized App.
func (a *App) Close() {
	if a.Pool != nil {
		a.Pool.Close()
		a.Pool = nil
	}
	if a.traceCleanup != nil {
		a.traceCleanup()
		a.traceCleanup = nil
	}
}

// provideTracing sets up the OTLP exporter on Genkit's TracerProvider and
// returns a cleanup that flushes pending spans.
func provideTracing(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.TracingEndpoint,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		logger.Warn("tracing setup failed, continuing without", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: cleanup runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations, then opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	pool, err := database.NewPool(ctx, cfg.PostgresURL())
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// provideGenkit initializes Genkit for the configured provider and returns
// the embedder registered by that provider's plugin.
//
// Gemini models are auto-discovered from the plugin; Ollama requires explicit
// model and embedder registration.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, ai.Embedder, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)

		embedder := ollama.Embedder(g, cfg.OllamaHost)
		if embedder == nil {
			return nil, nil, fmt.Errorf("ollama embedder %q not found", cfg.EmbedderModel)
		}
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)
		return g, embedder, nil

	default: // gemini
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with gemini provider")
		}
		embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		if embedder == nil {
			return nil, nil, fmt.Errorf("gemini embedder %q not found", cfg.EmbedderModel)
		}
		logger.Info("initialized genkit with gemini provider", "model", cfg.ModelName)
		return g, embedder, nil
	}
}

// qualifiedModelName prefixes the configured model with its Genkit provider
// namespace, e.g. "gemini-1.5-flash" becomes "googleai/gemini-1.5-flash".
func qualifiedModelName(cfg *config.Config) string {
	switch cfg.Provider {
	case config.ProviderOllama:
		return "ollama/" + cfg.ModelName
	default:
		return "googleai/" + cfg.ModelName
	}
}
