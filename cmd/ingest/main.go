// Command ingest runs the document ingestion worker: it joins the NATS queue
// group on the ingest subject and feeds documents through the pipeline into
// the vector index and Neo4j.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/plexara/fusegraph/engine/graph"
	"github.com/plexara/fusegraph/engine/ingest"
	"github.com/plexara/fusegraph/engine/vector"
	"github.com/plexara/fusegraph/pkg/embed"
	"github.com/plexara/fusegraph/pkg/metrics"
	"github.com/plexara/fusegraph/pkg/natsutil"
	"github.com/plexara/fusegraph/pkg/nlp"
)

var met = metrics.New()

func main() {
	var (
		indexDir    = flag.String("index", "./data", "vector index directory")
		vectorDim   = flag.Int("dim", 384, "embedding dimension")
		natsURL     = flag.String("nats", nats.DefaultURL, "NATS server URL")
		neo4jURL    = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", "password", "Neo4j password")
		ollamaURL   = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		ollamaModel = flag.String("model", "all-minilm", "Ollama embedding model")
		nlpURL      = flag.String("nlp", "http://localhost:8090", "NER sidecar URL")
		workers     = flag.Int("workers", 0, "link workers (0 = auto)")
		metricsPort = flag.Int("metrics-port", 9091, "metrics listen port")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.ServeAsync(*metricsPort)

	index, err := vector.Open(*indexDir, *vectorDim, logger)
	if err != nil {
		logger.Error("open vector index failed", "error", err)
		os.Exit(1)
	}
	defer index.Close()

	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		logger.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	store := graph.New(driver, logger)

	embedder, err := embed.New(embed.Opts{
		ServerURL: *ollamaURL,
		Model:     *ollamaModel,
		Dim:       *vectorDim,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("embedding client failed", "error", err)
		os.Exit(1)
	}
	warmCtx, cancelWarm := context.WithTimeout(ctx, 60*time.Second)
	err = embedder.WarmUp(warmCtx)
	cancelWarm()
	if err != nil {
		// a worker with a cold model would only shuttle messages to the DLQ
		logger.Error("embedding model warm-up failed", "error", err)
		os.Exit(1)
	}

	extractor := nlp.NewClient(nlp.Opts{BaseURL: *nlpURL})
	if err := extractor.Ping(ctx); err != nil {
		logger.Warn("NER sidecar unavailable, entity linking disabled", "err", err)
	}

	pipeline, err := ingest.New(embedder, index, store, extractor, ingest.Opts{
		Workers: *workers,
		Logger:  logger,
		Metrics: met,
	})
	if err != nil {
		logger.Error("pipeline build failed", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	nc, err := nats.Connect(*natsURL,
		nats.Name("fusegraph-ingest"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	sub, err := ingest.StartConsumer(nc, pipeline, logger)
	if err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}
	defer sub.Drain()

	parked := met.Counter("ingest_dlq_total", "Documents parked on the DLQ")
	dlqSub, err := natsutil.Subscribe(nc, ingest.DLQSubject, func(_ context.Context, m ingest.DLQMessage) {
		parked.Inc()
		logger.Warn("document parked on DLQ",
			"title", m.Input.Title, "retries", m.Retries, "error", m.Error)
	})
	if err != nil {
		logger.Error("DLQ subscribe failed", "error", err)
		os.Exit(1)
	}
	defer dlqSub.Unsubscribe()

	logger.Info("ingest worker running",
		"subject", ingest.IngestSubject, "queue", ingest.IngestQueue)
	<-ctx.Done()
	logger.Info("shutting down")
}
