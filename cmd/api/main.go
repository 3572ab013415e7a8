// Package main implements the fusegraph API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/plexara/fusegraph/engine/graph"
	"github.com/plexara/fusegraph/engine/ingest"
	"github.com/plexara/fusegraph/engine/search"
	"github.com/plexara/fusegraph/engine/vector"
	"github.com/plexara/fusegraph/pkg/embed"
	"github.com/plexara/fusegraph/pkg/metrics"
	"github.com/plexara/fusegraph/pkg/mid"
	"github.com/plexara/fusegraph/pkg/nlp"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	IndexDir   string
	VectorDim  int
	Neo4jURL   string
	Neo4jUser  string
	Neo4jPass  string
	OllamaURL  string
	EmbedModel string
	NLPURL     string
	NATSURL    string
	CORSOrigin string
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		IndexDir:   envOr("INDEX_DIR", "./data"),
		VectorDim:  envIntOr("VECTOR_DIM", 384),
		Neo4jURL:   envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:  envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:  envOr("NEO4J_PASS", "password"),
		OllamaURL:  envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel: envOr("EMBED_MODEL", "all-minilm"),
		NLPURL:     envOr("NLP_URL", "http://localhost:8090"),
		NATSURL:    envOr("NATS_URL", ""),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()

	// --- Vector index (process-owned, on disk) ---
	index, err := vector.Open(cfg.IndexDir, cfg.VectorDim, logger)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer index.Close()
	logger.Info("vector index open", "dir", cfg.IndexDir, "dim", index.Dim(), "live", index.Live())

	// --- Neo4j ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	store := graph.New(driver, logger)

	// --- Embedding model (explicit warm-up; a cold model fails queries,
	// not startup) ---
	embedder, err := embed.New(embed.Opts{
		ServerURL: cfg.OllamaURL,
		Model:     cfg.EmbedModel,
		Dim:       cfg.VectorDim,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("embedding client: %w", err)
	}
	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	if err := embedder.WarmUp(warmCtx); err != nil {
		logger.Warn("embedding model not warm, queries will fail until it is", "err", err)
	}
	cancelWarm()

	// --- NER sidecar (optional; degraded until it answers a ping) ---
	extractor := nlp.NewClient(nlp.Opts{BaseURL: cfg.NLPURL})
	if err := extractor.Ping(ctx); err != nil {
		logger.Warn("NER sidecar unavailable, entity expansion disabled", "err", err)
	}

	// --- Pipeline + search service ---
	pipeline, err := ingest.New(embedder, index, store, extractor, ingest.Opts{
		Logger:  logger,
		Metrics: reg,
	})
	if err != nil {
		return fmt.Errorf("ingest pipeline: %w", err)
	}
	defer pipeline.Close()

	svc := search.New(embedder, extractor, index, store, search.Options{
		Logger:  logger,
		Metrics: reg,
	})

	// --- Optional NATS for async ingestion ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("fusegraph-api"))
		if err != nil {
			logger.Warn("NATS unavailable, async ingestion disabled", "err", err)
		} else {
			defer nc.Close()
		}
	}

	api := &apiServer{
		svc:       svc,
		pipeline:  pipeline,
		store:     store,
		index:     index,
		embedder:  embedder,
		extractor: extractor,
		nc:        nc,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", api.handleHealth)
	mux.HandleFunc("POST /v1/search/vector", api.handleVectorSearch)
	mux.HandleFunc("GET /v1/search/graph", api.handleGraphSearch)
	mux.HandleFunc("POST /v1/search/hybrid", api.handleHybridSearch)
	mux.HandleFunc("POST /v1/documents", api.handleIngest)
	mux.HandleFunc("GET /v1/documents/{id}", api.handleGetNode)
	mux.HandleFunc("PUT /v1/documents/{id}", api.handleUpdateNode)
	mux.HandleFunc("DELETE /v1/documents/{id}", api.handleDeleteNode)
	mux.HandleFunc("POST /v1/edges", api.handleCreateEdge)
	mux.HandleFunc("GET /v1/debug", api.handleDebug)
	mux.HandleFunc("GET /v1/debug/documents", api.handleDebugDocuments)
	mux.Handle("GET /metrics", reg.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("fusegraph-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
