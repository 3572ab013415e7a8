// Package ingest turns raw documents into indexed chunk nodes: clean,
// detect language, chunk, embed, store, then derive RELATED_TO edges from
// vector similarity and MENTIONS edges from named entities.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/plexara/fusegraph/engine/domain"
	"github.com/plexara/fusegraph/engine/vector"
	"github.com/plexara/fusegraph/pkg/fn"
	"github.com/plexara/fusegraph/pkg/metrics"
	"github.com/plexara/fusegraph/pkg/nlp"
)

// Embedder produces embeddings for chunk texts.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex is the slice of the vector index the pipeline needs.
type VectorIndex interface {
	Add(embedding []float32, docID string) (int64, error)
	Remove(docID string) error
	Update(docID string, embedding []float32) (int64, error)
	Search(query []float32, k int) ([]vector.Hit, error)
}

// GraphStore is the slice of the graph store the pipeline needs.
type GraphStore interface {
	CreateDocument(ctx context.Context, doc domain.Document) error
	MergeEntity(ctx context.Context, e domain.Entity) (domain.Entity, error)
	CreateEdge(ctx context.Context, e domain.Edge) error
	DeleteEdgesByType(ctx context.Context, nodeID string, types []domain.RelType) error
	DeleteNode(ctx context.Context, id string) error
	UpdateNodeProps(ctx context.Context, id string, props map[string]any) (domain.Node, error)
	Get(ctx context.Context, id string) (domain.Node, error)
}

// EntityExtractor names entities in chunk text. A degraded extractor skips
// entity linking without failing ingestion.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]nlp.Entity, error)
	Degraded() bool
}

// Opts tunes the pipeline. Zero values take defaults.
type Opts struct {
	ChunkSize    int
	ChunkOverlap int
	// Workers bounds the pool used for per-chunk linking work.
	Workers int
	// Retry governs the embedding stage; a zero value takes fn.DefaultRetry.
	Retry   fn.RetryOpts
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Pipeline ingests, updates, and deletes documents across the vector index
// and the graph store.
type Pipeline struct {
	embed    Embedder
	vectors  VectorIndex
	graph    GraphStore
	extract  EntityExtractor
	splitter textsplitter.RecursiveCharacter
	pool     *ants.Pool
	retry    fn.RetryOpts
	logger   *slog.Logger

	ingested *metrics.Counter
	chunks   *metrics.Counter
}

// New builds the pipeline and its worker pool. Close releases the pool.
func New(embed Embedder, vectors VectorIndex, graph GraphStore, extract EntityExtractor, opts Opts) (*Pipeline, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = domain.DefaultChunkSize
	}
	if opts.ChunkOverlap < 0 {
		opts.ChunkOverlap = domain.DefaultChunkOverlap
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU() / 2
		if opts.Workers < 1 {
			opts.Workers = 1
		}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = fn.DefaultRetry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("ingest: pool: %w", err)
	}
	p := &Pipeline{
		embed:   embed,
		vectors: vectors,
		graph:   graph,
		extract: extract,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(opts.ChunkSize),
			textsplitter.WithChunkOverlap(opts.ChunkOverlap),
		),
		pool:   pool,
		retry:  opts.Retry,
		logger: opts.Logger,
	}
	if opts.Metrics != nil {
		p.ingested = opts.Metrics.Counter("ingest_documents_total", "Documents ingested")
		p.chunks = opts.Metrics.Counter("ingest_chunks_total", "Chunk nodes created")
	}
	return p, nil
}

func (p *Pipeline) Close() {
	p.pool.Release()
}

// --- Pipeline stages ---

// Clean strips markup and normalizes whitespace.
var Clean fn.Stage[DocumentInput, cleanedDoc] = func(_ context.Context, in DocumentInput) fn.Result[cleanedDoc] {
	if err := domain.ValidateDocumentInput(in.Text); err != nil {
		return fn.Err[cleanedDoc](err)
	}
	text := cleanText(in.Text)
	if text == "" {
		return fn.Err[cleanedDoc](domain.NewValidationError("text", "empty after cleaning"))
	}
	return fn.Ok(cleanedDoc{Input: in, Text: text, Lang: detectLang(text)})
}

// chunk splits the cleaned text; short content falls back to a single chunk.
func (p *Pipeline) chunk(_ context.Context, doc cleanedDoc) fn.Result[chunkedDoc] {
	parts, err := p.splitter.SplitText(doc.Text)
	if err != nil {
		return fn.Err[chunkedDoc](fmt.Errorf("ingest: chunk: %w", err))
	}
	if len(parts) == 0 {
		parts = []string{doc.Text}
	}
	return fn.Ok(chunkedDoc{cleanedDoc: doc, Chunks: parts})
}

func (p *Pipeline) embedChunks(ctx context.Context, doc chunkedDoc) fn.Result[embeddedDoc] {
	embeddings, err := p.embed.EmbedBatch(ctx, doc.Chunks)
	if err != nil {
		return fn.Err[embeddedDoc](fmt.Errorf("ingest: embed: %w", err))
	}
	return fn.Ok(embeddedDoc{chunkedDoc: doc, Embeddings: embeddings})
}

// Ingest runs the full pipeline for one document. Each chunk becomes its own
// Document node; the returned id is the first chunk's. Chunk storage is
// sequential so vector ids follow chunk order; the derived-edge linking runs
// on the worker pool once every chunk is in the index.
func (p *Pipeline) Ingest(ctx context.Context, in DocumentInput) (IngestResult, error) {
	stage := fn.Then(fn.Then(Clean, p.chunk), fn.RetryStage(p.retry, p.embedChunks))
	doc, err := stage(ctx, in).Unwrap()
	if err != nil {
		return IngestResult{}, err
	}
	p.logger.Info("ingesting document",
		"title", in.Title, "lang", doc.Lang, "chunks", len(doc.Chunks))

	type storedChunk struct {
		docID     string
		vectorID  int64
		text      string
		embedding []float32
	}
	stored := make([]storedChunk, 0, len(doc.Chunks))
	for i, text := range doc.Chunks {
		docID := uuid.NewString()
		vectorID, err := p.vectors.Add(doc.Embeddings[i], docID)
		if err != nil {
			return IngestResult{}, fmt.Errorf("ingest: index chunk %d: %w", i, err)
		}
		node := domain.Document{
			ID:         docID,
			Text:       text,
			Title:      chunkTitle(in.Title, i),
			VectorID:   vectorID,
			Lang:       doc.Lang,
			ChunkIndex: i,
			Metadata:   in.Metadata,
		}
		if err := p.graph.CreateDocument(ctx, node); err != nil {
			// keep the stores aligned: the vector must not outlive the node
			if rmErr := p.vectors.Remove(docID); rmErr != nil {
				p.logger.Error("orphaned vector after node create failure",
					"doc_id", docID, "error", rmErr)
			}
			return IngestResult{}, fmt.Errorf("ingest: store chunk %d: %w", i, err)
		}
		stored = append(stored, storedChunk{docID: docID, vectorID: vectorID, text: text, embedding: doc.Embeddings[i]})
		if p.chunks != nil {
			p.chunks.Inc()
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		linkErr error
	)
	for _, c := range stored {
		c := c
		wg.Add(1)
		submitErr := p.pool.Submit(func() {
			defer wg.Done()
			if err := p.linkChunk(ctx, c.docID, c.vectorID, c.text, c.embedding); err != nil {
				mu.Lock()
				if linkErr == nil {
					linkErr = err
				}
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			return IngestResult{}, fmt.Errorf("ingest: submit link work: %w", submitErr)
		}
	}
	wg.Wait()
	if linkErr != nil {
		return IngestResult{}, linkErr
	}

	if p.ingested != nil {
		p.ingested.Inc()
	}
	return IngestResult{ID: stored[0].docID, Lang: doc.Lang, Chunks: len(stored)}, nil
}

// linkChunk derives the chunk's edges: RELATED_TO from vector similarity and
// MENTIONS from named entities.
func (p *Pipeline) linkChunk(ctx context.Context, docID string, vectorID int64, text string, embedding []float32) error {
	if err := p.linkSemantic(ctx, docID, vectorID, embedding); err != nil {
		return err
	}
	return p.linkEntities(ctx, docID, text)
}

// linkSemantic connects the chunk to its nearest neighbors above the
// similarity threshold. The chunk itself is always among the hits and is
// skipped, as is anything at or below the threshold.
func (p *Pipeline) linkSemantic(ctx context.Context, docID string, vectorID int64, embedding []float32) error {
	hits, err := p.vectors.Search(embedding, domain.MaxSemanticNeighbors+1)
	if err != nil {
		return fmt.Errorf("ingest: semantic neighbors: %w", err)
	}
	neighbors := fn.Filter(hits, func(h vector.Hit) bool {
		return h.VectorID != vectorID && h.DocID != docID && h.Score > domain.SemanticEdgeThreshold
	})
	if len(neighbors) > domain.MaxSemanticNeighbors {
		neighbors = neighbors[:domain.MaxSemanticNeighbors]
	}
	for _, h := range neighbors {
		edge := domain.Edge{
			Source:   docID,
			Target:   h.DocID,
			Type:     domain.RelRelatedTo,
			Weight:   h.Score,
			Metadata: map[string]any{"type": "semantic"},
		}
		if err := p.graph.CreateEdge(ctx, edge); err != nil {
			return fmt.Errorf("ingest: semantic edge: %w", err)
		}
		p.logger.Debug("semantic edge", "source", docID, "target", h.DocID, "score", h.Score)
	}
	return nil
}

// linkEntities merges entity nodes for the chunk's named entities and wires
// MENTIONS edges. A degraded extractor is a no-op; a failing one is logged
// and skipped, never fatal.
func (p *Pipeline) linkEntities(ctx context.Context, docID, text string) error {
	if p.extract == nil || p.extract.Degraded() {
		return nil
	}
	entities, err := p.extract.Extract(ctx, text)
	if err != nil {
		p.logger.Warn("entity extraction failed, skipping entity links",
			"doc_id", docID, "error", err)
		return nil
	}
	for _, ent := range entities {
		merged, err := p.graph.MergeEntity(ctx, domain.Entity{
			ID:   uuid.NewString(),
			Name: ent.Name,
			Type: ent.Type,
		})
		if err != nil {
			return fmt.Errorf("ingest: merge entity %q: %w", ent.Name, err)
		}
		edge := domain.Edge{
			Source: docID,
			Target: merged.ID,
			Type:   domain.RelMentions,
			Weight: 1.0,
		}
		if err := p.graph.CreateEdge(ctx, edge); err != nil {
			return fmt.Errorf("ingest: mentions edge: %w", err)
		}
	}
	return nil
}

// derivedEdgeTypes are the relationship types ingestion owns and may rebuild.
var derivedEdgeTypes = []domain.RelType{domain.RelRelatedTo, domain.RelMentions}

// Update applies a partial node update. When RegenEmbedding is set and the
// node is a document with indexed text, the vector is replaced and the
// derived edges are rebuilt from scratch.
func (p *Pipeline) Update(ctx context.Context, id string, upd NodeUpdate) (domain.Node, error) {
	props := map[string]any{}
	if upd.Text != nil {
		props["text"] = *upd.Text
	}
	if upd.Title != nil {
		props["title"] = *upd.Title
	}
	for k, v := range upd.Metadata {
		props[k] = v
	}

	var node domain.Node
	var err error
	if len(props) > 0 {
		node, err = p.graph.UpdateNodeProps(ctx, id, props)
	} else {
		node, err = p.graph.Get(ctx, id)
	}
	if err != nil {
		return domain.Node{}, err
	}
	if !upd.RegenEmbedding || node.Kind != domain.KindDocument {
		return node, nil
	}

	text, _ := node.Props["text"].(string)
	if text == "" {
		return node, nil
	}
	embedding, err := p.embed.Embed(ctx, text)
	if err != nil {
		return domain.Node{}, fmt.Errorf("ingest: re-embed %s: %w", id, err)
	}
	vectorID, err := p.vectors.Update(id, embedding)
	if err != nil {
		return domain.Node{}, fmt.Errorf("ingest: update vector %s: %w", id, err)
	}
	if _, err := p.graph.UpdateNodeProps(ctx, id, map[string]any{"vector_id": vectorID}); err != nil {
		return domain.Node{}, err
	}
	if err := p.graph.DeleteEdgesByType(ctx, id, derivedEdgeTypes); err != nil {
		return domain.Node{}, fmt.Errorf("ingest: drop derived edges %s: %w", id, err)
	}
	if err := p.linkSemantic(ctx, id, vectorID, embedding); err != nil {
		return domain.Node{}, err
	}
	if err := p.linkEntities(ctx, id, text); err != nil {
		return domain.Node{}, err
	}
	return p.graph.Get(ctx, id)
}

// Delete removes the node from the graph and its vector from the index. A
// node without a vector (entities) only touches the graph.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	if err := p.graph.DeleteNode(ctx, id); err != nil {
		return err
	}
	if err := p.vectors.Remove(id); err != nil {
		return fmt.Errorf("ingest: remove vector %s: %w", id, err)
	}
	return nil
}
