package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/tabular-rag/internal/config"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
	"github.com/kirillkom/tabular-rag/internal/core/usecase"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/extractor/tabular"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/llm/groq"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/source/spreadsheet"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/vector/memory"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/tabular-rag/internal/observability/metrics"
)

// Options tune process-specific wiring. Registry receives the ingestion
// metrics; a nil Registry gets a private one.
type Options struct {
	Service  string
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	// Queue and Runs are nil when NATS_URL or POSTGRES_DSN are empty.
	Queue ports.IngestQueue
	Runs  ports.IngestionRunReader

	IngestUC     *usecase.IngestUseCase
	ChatUC       *usecase.ChatUseCase
	CollectionUC *usecase.CollectionUseCase
	DatasetUC    *usecase.DatasetUseCase

	IngestMetrics *metrics.IngestionMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	service := opts.Service
	if service == "" {
		service = "api"
	}
	ingestMetrics := metrics.NewIngestionMetrics(service, opts.Registry)

	storage, err := localfs.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("init dataset storage: %w", err)
	}
	reader := spreadsheet.NewReader(storage, cfg.DataFile)

	ollamaClient := ollama.New(cfg.OllamaURL)
	retryCfg := resilience.LinearConfig(cfg.EmbedRetryAttempts, cfg.EmbedRetryBaseDelay)
	retryCfg.OnRetry = ingestMetrics.ObserveRetry
	embedder, err := ollama.NewEmbedder(ollamaClient, cfg.EmbedModel,
		ollama.WithConcurrency(cfg.EmbedConcurrency),
		ollama.WithRateLimit(cfg.EmbedRateLimitRPS),
		ollama.WithEmbedTimeout(cfg.EmbedTimeout),
		ollama.WithRetry(resilience.NewExecutor(retryCfg)),
		ollama.WithEmbedLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	vectorDB, err := newVectorStore(cfg)
	if err != nil {
		embedder.Close()
		return nil, err
	}

	chatModel, err := newChatModel(cfg, ollamaClient)
	if err != nil {
		embedder.Close()
		return nil, err
	}

	closers := []func(){embedder.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	ingestOpts := []usecase.IngestOption{
		usecase.WithIngestionObserver(ingestMetrics),
		usecase.WithIngestLogger(logger),
	}
	var runs ports.IngestionRunReader
	if cfg.PostgresDSN != "" {
		repo, db, err := openRunLedger(ctx, cfg.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		ingestOpts = append(ingestOpts, usecase.WithRunStore(repo))
		runs = usecase.NewRunLedgerUseCase(repo)
	} else {
		logger.Info("run_ledger_disabled", "reason", "POSTGRES_DSN is empty")
	}

	var queue ports.IngestQueue
	if cfg.NATSURL != "" {
		breakerCfg := resilience.DefaultConfig()
		breakerCfg.BreakerEnabled = cfg.ResilienceBreakerEnabled
		breakerCfg.OnRetry = ingestMetrics.ObserveRetry
		q, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: resilience.NewExecutor(breakerCfg),
			Logger:             logger,
			LagObserver:        ingestMetrics.ObserveQueueLag,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("init ingest queue: %w", err)
		}
		closers = append(closers, q.Close)
		queue = q
	} else {
		logger.Info("async_ingestion_disabled", "reason", "NATS_URL is empty")
	}

	ingestUC := usecase.NewIngestUseCase(reader, tabular.New(nil), embedder, vectorDB, ingestOpts...)
	chatUC := usecase.NewChatUseCase(embedder, vectorDB, chatModel,
		usecase.WithChatDefaults(usecase.ChatDefaults{
			TopK:        cfg.RAGTopK,
			MaxTokens:   cfg.RAGMaxTokens,
			Temperature: cfg.RAGTemperature,
		}),
		usecase.WithChatLogger(logger),
	)

	return &App{
		Config: cfg,
		Logger: logger,
		Queue:  queue,
		Runs:   runs,

		IngestUC:     ingestUC,
		ChatUC:       chatUC,
		CollectionUC: usecase.NewCollectionUseCase(embedder, vectorDB),
		DatasetUC:    usecase.NewDatasetUseCase(reader, reader.Workbook(), storage),

		IngestMetrics: ingestMetrics,

		closeFn: closeAll,
	}, nil
}

func newVectorStore(cfg config.Config) (ports.VectorStore, error) {
	switch cfg.VectorStore {
	case config.VectorStoreMemory:
		return memory.New(cfg.VectorCollection), nil
	case config.VectorStoreQdrant:
		storeCfg := qdrant.ExecutorConfig()
		storeCfg.BreakerEnabled = cfg.ResilienceBreakerEnabled
		return qdrant.New(cfg.QdrantURL, cfg.VectorCollection,
			qdrant.WithExecutor(resilience.NewExecutor(storeCfg)),
		), nil
	default:
		return nil, fmt.Errorf("unknown vector store %q", cfg.VectorStore)
	}
}

func newChatModel(cfg config.Config, client *ollama.Client) (ports.ChatModel, error) {
	switch cfg.GenerationProvider {
	case config.ProviderOllama:
		return ollama.NewChatModel(client, cfg.OllamaGenModel), nil
	case config.ProviderGroq:
		model, err := groq.New(groq.Config{
			APIKey:  cfg.GroqAPIKey,
			BaseURL: cfg.GroqBaseURL,
			Model:   cfg.GroqModel,
		})
		if err != nil {
			return nil, fmt.Errorf("init groq chat model: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.GenerationProvider)
	}
}

func openRunLedger(ctx context.Context, dsn string) (*postgres.IngestionRunRepository, *sql.DB, error) {
	db, err := postgres.OpenDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	repo := postgres.NewIngestionRunRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repo, db, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
