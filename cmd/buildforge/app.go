package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/buildforge/audit"
	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/bus"
	"github.com/c360studio/buildforge/checkpoint"
	"github.com/c360studio/buildforge/config"
	"github.com/c360studio/buildforge/dispatch"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/metrics"
	"github.com/c360studio/buildforge/model"
	"github.com/c360studio/buildforge/notify"
	"github.com/c360studio/buildforge/pipeline"
	"github.com/c360studio/buildforge/project"
	"github.com/c360studio/buildforge/prompts"
	"github.com/c360studio/buildforge/retrieval"
	"github.com/c360studio/buildforge/service"
	"github.com/c360studio/buildforge/storage"
	"github.com/c360studio/buildforge/tools"
	"github.com/c360studio/buildforge/tools/builtin"
)

// EnvEmbeddingKey is the bearer token for the embeddings endpoint.
const EnvEmbeddingKey = "OPENAI_API_KEY"

// AppOptions are the CLI switches that affect wiring.
type AppOptions struct {
	// EmbeddedNATS starts an in-process server when nats.url is empty.
	EmbeddedNATS bool
}

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	promRegistry *prometheus.Registry
	metrics      *metrics.Metrics
	queue        *dispatch.Queue

	// NATS
	embedded *bus.EmbeddedServer
	nats     *bus.Client
	notifier *notify.Async

	// Storage
	db    *sql.DB
	redis *redis.Client

	Models   *model.Registry
	Router   *model.Router
	Tools    *tools.Registry
	Prompts  *prompts.Set
	Recorder *audit.Recorder
	Gate     *billing.Gate
	Projects project.Store
	Driver   *pipeline.Driver
	Service  *service.Service
}

// NewApp connects the configured backends and builds the pipeline.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts AppOptions) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.promRegistry = prometheus.NewRegistry()
	a.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.promRegistry)

	queueCfg := cfg.Audit.Queue
	if queueCfg.Name == "" {
		queueCfg.Name = "audit"
	}
	a.queue = dispatch.New(queueCfg, dispatch.WithLogger(logger), dispatch.WithMetrics(a.metrics))

	if err := a.connectNATS(ctx, opts); err != nil {
		return nil, err
	}
	if err := a.connectStorage(ctx); err != nil {
		return nil, err
	}

	a.notifier = notify.NewAsync(a.buildNotifier(), a.queue)
	a.Recorder = a.buildRecorder()

	ledger, err := a.buildLedger()
	if err != nil {
		return nil, err
	}
	a.Gate = billing.NewGate(ledger,
		billing.WithCost(cfg.Billing.Cost),
		billing.WithAuditor(a.Recorder),
		billing.WithMetrics(a.metrics),
		billing.WithLogger(logger))

	if a.db != nil {
		a.Projects = project.NewPostgresStore(a.db)
	} else {
		a.Projects = project.NewMemoryStore()
	}

	a.Models, err = model.NewRegistryFromConfig(cfg.Models.RegistryConfig)
	if err != nil {
		return nil, fmt.Errorf("model registry: %w", err)
	}
	a.Router = model.NewRouter(a.Models,
		model.WithAuditor(a.Recorder),
		model.WithMetrics(a.metrics),
		model.WithLogger(logger))

	clientOpts := []llm.ClientOption{
		llm.WithTimeout(cfg.Models.Timeout),
		llm.WithStreamTimeout(cfg.Models.StreamTimeout),
		llm.WithLogger(logger),
		llm.WithMetrics(a.metrics),
	}
	recordOpts := []tools.RecordingOption{
		tools.WithAuditor(a.Recorder),
		tools.WithMetrics(a.metrics),
		tools.WithLogger(logger),
	}
	if a.nats != nil {
		callStore, err := llm.NewCallStore(ctx, a.nats, cfg.NATS.TrajectoryTTL, llm.WithStoreLogger(logger))
		if err != nil {
			logger.Warn("Failed to initialize LLM call store for trajectory tracking", "error", err)
		} else {
			clientOpts = append(clientOpts, llm.WithCallStore(callStore))
		}
		toolStore, err := llm.NewToolCallStore(ctx, a.nats, cfg.NATS.TrajectoryTTL, llm.WithToolCallStoreLogger(logger))
		if err != nil {
			logger.Warn("Failed to initialize tool call store for trajectory tracking", "error", err)
		} else {
			recordOpts = append(recordOpts, tools.WithCallRecorder(toolStore))
		}
	}
	gateway := llm.NewClient(a.Models, clientOpts...)

	a.Tools, err = builtin.NewRegistry(builtin.Config{
		DocsAllowlist: cfg.Tools.DocsAllowlist,
		DocsMaxChars:  cfg.Tools.DocsMaxChars,
	}, recordOpts...)
	if err != nil {
		return nil, err
	}

	a.Prompts, err = prompts.New(prompts.WithDir(cfg.Pipeline.PromptsDir), prompts.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	agent := pipeline.NewAgentNode(a.Router, llm.NewFactory(gateway), a.Tools, a.Prompts,
		pipeline.WithAgentAuditor(a.Recorder),
		pipeline.WithAgentMetrics(a.metrics),
		pipeline.WithAgentLogger(logger))

	a.Driver = pipeline.NewDriver(agent,
		pipeline.WithConfig(cfg.Pipeline.Config),
		pipeline.WithRetriever(a.buildRetriever()),
		pipeline.WithRefunder(a.Gate),
		pipeline.WithProjects(a.Projects),
		pipeline.WithNotifier(a.notifier),
		pipeline.WithAuditor(a.Recorder),
		pipeline.WithCheckpoints(a.buildCheckpoints()),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(logger))

	a.Service = service.New(a.Driver, a.Gate,
		service.WithProjects(a.Projects),
		service.WithAlerter(a.notifier),
		service.WithDefaultComplexity(model.ParseComplexity(cfg.Pipeline.DefaultComplexity)),
		service.WithLogger(logger))

	return a, nil
}

func (a *App) connectNATS(ctx context.Context, opts AppOptions) error {
	url := a.cfg.NATS.URL
	if url == "" && opts.EmbeddedNATS {
		srv, err := bus.StartEmbedded("")
		if err != nil {
			return err
		}
		a.embedded = srv
		url = srv.ClientURL()
		a.logger.Info("Started embedded NATS server", "url", url)
	}
	if url == "" {
		return nil
	}

	client, err := bus.Connect(ctx, url, bus.WithName(a.cfg.NATS.Name), bus.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.nats = client
	return nil
}

func (a *App) connectStorage(ctx context.Context) error {
	if a.cfg.Database.URL != "" {
		db, err := storage.OpenPostgres(ctx, a.cfg.Database)
		if err != nil {
			return err
		}
		a.db = db
	}
	if a.cfg.Redis.URL != "" {
		rdb, err := storage.OpenRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return err
		}
		a.redis = rdb
	}
	return nil
}

func (a *App) buildRecorder() *audit.Recorder {
	opts := []audit.Option{audit.WithQueue(a.queue), audit.WithAlerter(a.notifier), audit.WithLogger(a.logger)}
	if a.cfg.HasSink(config.SinkLog) {
		opts = append(opts, audit.WithSink(audit.NewLogSink(a.logger)))
	}
	if a.cfg.HasSink(config.SinkNATS) && a.nats != nil {
		opts = append(opts, audit.WithSink(audit.NewNATSSink(a.nats)))
	}
	if a.cfg.HasSink(config.SinkPostgres) && a.db != nil {
		usage := audit.NewUsageRecorder(a.db)
		opts = append(opts, audit.WithSink(usage), audit.WithUsageSink(usage))
	}
	return audit.NewRecorder(opts...)
}

func (a *App) buildLedger() (billing.Ledger, error) {
	switch a.cfg.Billing.Ledger {
	case config.LedgerPostgres:
		if a.db == nil {
			return nil, fmt.Errorf("postgres ledger: %w", storage.ErrNotConfigured)
		}
		return billing.NewPostgresLedger(a.db), nil
	case config.LedgerRedis:
		if a.redis == nil {
			return nil, fmt.Errorf("redis ledger: %w", storage.ErrNotConfigured)
		}
		return billing.NewRedisLedger(a.redis), nil
	default:
		return billing.NewMemoryLedger(a.cfg.Billing.SeedBalances), nil
	}
}

func (a *App) buildNotifier() notify.Delivery {
	if a.nats != nil {
		return notify.NewNATSNotifier(a.nats)
	}
	return notify.NewLogNotifier(a.logger)
}

func (a *App) buildCheckpoints() checkpoint.Store {
	if a.redis != nil {
		return checkpoint.NewRedisStore(a.redis, a.cfg.Pipeline.CheckpointTTL)
	}
	return checkpoint.NewMemoryStore()
}

func (a *App) buildRetriever() retrieval.Retriever {
	if !a.cfg.Retrieval.Enabled || a.db == nil {
		return retrieval.Nop{}
	}
	var embedder retrieval.Embedder = retrieval.ZeroEmbedder{}
	if a.cfg.Retrieval.EmbeddingURL != "" {
		embedder = llm.NewEmbeddingClient(a.cfg.Retrieval.EmbeddingURL, a.cfg.Retrieval.EmbeddingModel, os.Getenv(EnvEmbeddingKey))
	}
	return retrieval.NewPGVector(a.db, embedder,
		retrieval.WithLimit(a.cfg.Retrieval.Limit),
		retrieval.WithLogger(a.logger))
}

// NATS returns the bus client, or nil when messaging is not configured.
func (a *App) NATS() *bus.Client {
	return a.nats
}

// WatchPrompts reloads prompt overrides until ctx is done, when enabled.
func (a *App) WatchPrompts(ctx context.Context) {
	if !a.cfg.Pipeline.WatchPrompts || a.cfg.Pipeline.PromptsDir == "" {
		return
	}
	go func() {
		if err := a.Prompts.Watch(ctx, 500*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("Prompt watcher stopped", "error", err)
		}
	}()
}

// ServeMetrics exposes /metrics until ctx is done, when metrics.listen is set.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.cfg.Metrics.Listen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promRegistry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("Serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

// Close drains async work and releases connections.
func (a *App) Close() {
	if a.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.queue.Close(ctx); err != nil {
			a.logger.Warn("Audit queue did not drain", "error", err)
		}
		cancel()
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			a.logger.Warn("Failed to drain NATS connection", "error", err)
		}
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
