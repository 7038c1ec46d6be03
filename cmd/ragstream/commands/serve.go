package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragstream/internal/assembler"
	"github.com/54b3r/ragstream/internal/budget"
	"github.com/54b3r/ragstream/internal/janitor"
	"github.com/54b3r/ragstream/internal/liveness"
	"github.com/54b3r/ragstream/internal/llm"
	"github.com/54b3r/ragstream/internal/logging"
	"github.com/54b3r/ragstream/internal/orchestrator"
	"github.com/54b3r/ragstream/internal/queue"
	"github.com/54b3r/ragstream/internal/registry"
	"github.com/54b3r/ragstream/internal/server"
	"github.com/54b3r/ragstream/internal/tracing"
)

const (
	defaultInactiveThreshold  = 10 * time.Second
	defaultCompletedRetention = 5 * time.Minute
)

// NewServeCmd constructs the `ragstream serve` command, which starts the
// HTTP server together with the worker pool and the background sweeps.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server, worker pool and sweeps",
		Long: `Start the ragstream HTTP server.

Prompts posted to /chat are assembled with the session's history, queued in
a durable SQLite queue and streamed back as the model generates. At most one
job per upstream slot runs at a time; the slot count is read from the llama
server's /props endpoint, falling back to MAX_CONCURRENT_REQUESTS_FALLBACK.

Examples:
  ragstream serve
  ragstream serve --port 9090
  LLM_SERVER_API=ollama OLLAMA_MODEL=llama3 ragstream serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Resolved here rather than as flag defaults so values from the
			// config file, applied in PersistentPreRunE, are honoured.
			if host == "" {
				host = getEnvOrDefault("RAGSTREAM_HOST", "127.0.0.1")
			}
			if port == 0 {
				port = getEnvInt("RAGSTREAM_PORT", 3001)
			}

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)
			return runServe(ctx, log, host, port)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Host address to bind to (default: $RAGSTREAM_HOST or 127.0.0.1)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port to listen on (default: $RAGSTREAM_PORT or 3001)")

	return cmd
}

// runServe wires every component and runs them until ctx ends or one fails.
func runServe(ctx context.Context, log *slog.Logger, host string, port int) error {
	flush, _ := tracing.Setup(tracing.ConfigFromEnv(), log)
	defer flush()

	// Upstream model.
	conn, err := llm.NewFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("serve: failed to initialise LLM connector: %w", err)
	}
	slots := llm.DiscoverSlots(ctx, conn, getEnvInt("MAX_CONCURRENT_REQUESTS_FALLBACK", 1), log)
	nCtx := contextSize(ctx, conn, log)
	chunkTokens, chunkOverlap := budget.ChunkSizing(nCtx, chunkLimits())
	log.Info("chunk sizing", slog.Int("n_ctx", nCtx), slog.Int("chunk_tokens", chunkTokens), slog.Int("chunk_overlap", chunkOverlap))

	// Embeddings and vector store.
	chunker, err := buildChunker(log)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	store, qdrantStore, err := buildVectorStore(log)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Durable queue. Jobs left active by a previous process go back to
	// waiting; their clients are gone so the inactive sweep will drop them.
	dbPath := getEnvOrDefault("QUEUE_DB_PATH", "")
	if dbPath == "" {
		if dbPath, err = queue.DefaultDBPath(); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	jobs, err := queue.Open(dbPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer func() { _ = jobs.Close() }()
	if n, err := jobs.RequeueActive(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	} else if n > 0 {
		log.Info("queue: requeued jobs left active by a previous run", slog.Int64("count", n))
	}
	log.Info("queue: opened", slog.String("path", dbPath))

	reg := prometheus.DefaultRegisterer
	queueMetrics := queue.NewMetrics(reg)

	window := getEnvMillis("INACTIVE_THRESHOLD", defaultInactiveThreshold)
	live := liveness.New(window, log)
	channels := registry.New()

	// The prompt and the response share the context window.
	promptTokens := max(nCtx-llm.SettingsFromEnv().MaxTokens, 0)
	asm, err := assembler.New(assembler.Config{
		Embedder:      chunker,
		Store:         store,
		ChunkTokens:   chunkTokens,
		ChunkOverlap:  chunkOverlap,
		Instructions:  os.Getenv("LLM_PROMPT_INSTRUCTIONS"),
		ContextTokens: promptTokens,
		Logger:        logging.Component(log, "assembler"),
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	var routes server.Router
	if getEnvBool("USE_SEMANTIC_ROUTES", false) {
		rt, err := buildRouter(store, chunker, log)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		routes = rt
		log.Info("semantic routes enabled")
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Connector:      conn,
		Embedder:       chunker,
		Store:          store,
		Queue:          jobs,
		Channels:       channels,
		Liveness:       live,
		ChunkTokens:    chunkTokens,
		ChunkOverlap:   chunkOverlap,
		RetryDelay:     getEnvMillis("RETRY_DELAY", orchestrator.DefaultRetryDelay),
		PersistPartial: getEnvBool("PERSIST_PARTIAL_ON_DISCONNECT", true),
		Logger:         logging.Component(log, "orchestrator"),
		Metrics:        orchestrator.NewMetrics(reg),
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	pool := queue.NewPool(jobs, orch.Handle, queue.PoolConfig{
		Concurrency: slots,
		Logger:      logging.Component(log, "pool"),
		Metrics:     queueMetrics,
	})
	sweeper := queue.NewSweeper(jobs, live, queue.SweeperConfig{
		InactiveInterval: window,
		Retention:        getEnvMillis("COMPLETED_JOB_CLEANUP_DELAY", defaultCompletedRetention),
		OnEvict:          func(job queue.Job) { channels.Release(job.RequestID) },
		Logger:           logging.Component(log, "sweeper"),
		Metrics:          queueMetrics,
	})
	jan, err := janitor.New(janitor.Config{
		Store:    store,
		MaxAge:   getEnvDuration("COLLECTION_MAX_AGE", janitor.DefaultMaxAge),
		Schedule: getEnvOrDefault("COLLECTION_CLEANUP_SCHEDULE", janitor.DefaultSchedule),
		Logger:   logging.Component(log, "janitor"),
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	pingers := []server.Pinger{server.NewPinger("queue", jobs.Ping)}
	if p, ok := conn.(interface{ Ping(context.Context) error }); ok {
		pingers = append(pingers, server.NewPinger("llm", p.Ping))
	}
	if qdrantStore != nil {
		pingers = append(pingers, server.NewQdrantPinger(qdrantStore.Client()))
	}

	srv, err := server.New(server.Deps{
		Assembler:   asm,
		Router:      routes,
		Queue:       jobs,
		Collections: store,
		Channels:    channels,
		Liveness:    live,
	}, &server.Config{
		Host:      host,
		Port:      port,
		Logger:    log,
		Pingers:   pingers,
		APIKey:    os.Getenv("RAGSTREAM_API_KEY"),
		RateLimit: getEnvFloat("RAGSTREAM_RATE_LIMIT", 0),
		RateBurst: getEnvInt("RAGSTREAM_RATE_BURST", 0),
	})
	if err != nil {
		return fmt.Errorf("serve: failed to create server: %w", err)
	}

	log.Info("serve starting",
		slog.String("llm", getEnvOrDefault("LLM_SERVER_API", llm.BackendLlama)),
		slog.Int("slots", pool.Concurrency()),
		slog.Duration("inactive_threshold", window),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return jan.Run(gctx) })
	return g.Wait()
}
