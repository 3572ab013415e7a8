// Package search implements the retrieval service: pure vector search, graph
// traversal search, and the hybrid pipeline that merges vector hits with
// entity-expanded graph neighbors and ranks the union by fused score.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/plexara/fusegraph/engine/domain"
	"github.com/plexara/fusegraph/engine/graph"
	"github.com/plexara/fusegraph/engine/vector"
	"github.com/plexara/fusegraph/pkg/fn"
	"github.com/plexara/fusegraph/pkg/metrics"
	"github.com/plexara/fusegraph/pkg/nlp"
)

// Embedder produces a query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EntityExtractor names entities in free text. Degraded reports that the
// extractor is running without its backing model; callers skip expansion
// rather than fail the query.
type EntityExtractor interface {
	Extract(ctx context.Context, text string) ([]nlp.Entity, error)
	Degraded() bool
}

// VectorSearcher is the slice of the vector index the service needs.
type VectorSearcher interface {
	Search(query []float32, k int) ([]vector.Hit, error)
	Dim() int
}

// GraphStore is the slice of the graph store the service needs.
type GraphStore interface {
	DocumentsByIDs(ctx context.Context, ids []string) (map[string]domain.Document, error)
	FindDocumentsByEntityName(ctx context.Context, names []string, limit int) ([]graph.EntityDoc, error)
	ConnectivityScores(ctx context.Context, ids []string) (map[string]float64, error)
	Traverse(ctx context.Context, startID string, depth int, filter []domain.RelType) (domain.Subgraph, error)
}

// Options tunes the hybrid pipeline. Zero values fall back to defaults.
type Options struct {
	// CandidateMultiplier widens the vector pass so fusion has headroom to
	// reorder: the index is asked for topK * CandidateMultiplier hits.
	CandidateMultiplier int
	// ExpansionLimit caps documents pulled in per entity-expansion query.
	ExpansionLimit int
	Logger         *slog.Logger
	Metrics        *metrics.Registry
}

// HybridRequest is one hybrid query. Nil weights take the service defaults.
// QueryEmbedding, when set, bypasses the embedder; its dimension must match
// the index. GraphExpandDepth is validated and capped; expansion itself is
// single-hop, so any accepted depth above zero contributes hop-1 provenance.
type HybridRequest struct {
	Query            string
	QueryEmbedding   []float32
	TopK             int
	GraphExpandDepth int
	VectorWeight     *float64
	GraphWeight      *float64
}

// HybridResponse echoes the effective weights alongside the ranked results.
type HybridResponse struct {
	Query        string                `json:"query"`
	VectorWeight float64               `json:"vector_weight"`
	GraphWeight  float64               `json:"graph_weight"`
	Results      []domain.ScoredResult `json:"results"`
}

// Service answers vector, graph, and hybrid queries. It owns no storage; the
// index and graph store are injected.
type Service struct {
	embed   Embedder
	extract EntityExtractor
	vectors VectorSearcher
	graph   GraphStore

	multiplier     int
	expansionLimit int
	logger         *slog.Logger

	queries  *metrics.Counter
	duration *metrics.Histogram
}

func New(embed Embedder, extract EntityExtractor, vectors VectorSearcher, store GraphStore, opts Options) *Service {
	s := &Service{
		embed:          embed,
		extract:        extract,
		vectors:        vectors,
		graph:          store,
		multiplier:     opts.CandidateMultiplier,
		expansionLimit: opts.ExpansionLimit,
		logger:         opts.Logger,
	}
	if s.multiplier <= 0 {
		s.multiplier = domain.VectorSearchMultiplier
	}
	if s.expansionLimit <= 0 {
		s.expansionLimit = domain.EntityExpansionLimit
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.Metrics != nil {
		s.queries = opts.Metrics.Counter("search_queries_total", "Search queries served across all modes")
		s.duration = opts.Metrics.Histogram("search_duration_seconds", "Search latency by query", []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5})
	}
	return s
}

// VectorSearch ranks documents by embedding similarity only. Hits whose
// document node is missing from the graph are dropped with a consistency
// warning rather than failing the query.
func (s *Service) VectorSearch(ctx context.Context, query string, topK int) ([]domain.ScoredResult, error) {
	defer s.observe(time.Now())
	topK = domain.ClampTopK(topK)

	embedding, err := s.queryEmbedding(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	hits, err := s.vectors.Search(embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("search: vector: %w", err)
	}
	docs, err := s.resolveHits(ctx, hits)
	if err != nil {
		return nil, err
	}

	results := make([]domain.ScoredResult, 0, len(hits))
	for _, h := range hits {
		doc, ok := docs[h.DocID]
		if !ok {
			continue
		}
		results = append(results, domain.ScoredResult{
			ID:          doc.ID,
			Text:        doc.Text,
			VectorScore: h.Score,
			FinalScore:  h.Score,
			Info:        map[string]any{"vector_id": h.VectorID},
		})
	}
	return results, nil
}

// GraphSearch traverses the graph from a start node. Relationship type names
// are validated against the closed enum before any Cypher is built.
func (s *Service) GraphSearch(ctx context.Context, startID string, depth int, relTypes []string) (domain.Subgraph, error) {
	defer s.observe(time.Now())
	if startID == "" {
		return domain.Subgraph{}, domain.NewValidationError("start_id", startID)
	}
	filter, err := domain.ParseRelTypes(relTypes)
	if err != nil {
		return domain.Subgraph{}, err
	}
	return s.graph.Traverse(ctx, startID, domain.ClampDepth(depth), filter)
}

// HybridSearch runs the full pipeline: vector hits and entity extraction in
// parallel, candidate assembly, connectivity lookup, score fusion, topK
// truncation.
func (s *Service) HybridSearch(ctx context.Context, req HybridRequest) (HybridResponse, error) {
	defer s.observe(time.Now())

	topK := domain.ClampTopK(req.TopK)
	if req.GraphExpandDepth > domain.MaxGraphDepth {
		return HybridResponse{}, domain.NewValidationError("graph_expand_depth", fmt.Sprintf("%d", req.GraphExpandDepth))
	}
	vw := domain.DefaultVectorWeight
	if req.VectorWeight != nil {
		vw = *req.VectorWeight
	}
	gw := domain.DefaultGraphWeight
	if req.GraphWeight != nil {
		gw = *req.GraphWeight
	}
	resp := HybridResponse{Query: req.Query, VectorWeight: vw, GraphWeight: gw, Results: []domain.ScoredResult{}}

	var (
		hits     []vector.Hit
		entities []nlp.Entity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		embedding, err := s.queryEmbedding(gctx, req.Query, req.QueryEmbedding)
		if err != nil {
			return err
		}
		hits, err = s.vectors.Search(embedding, topK*s.multiplier)
		if err != nil {
			return fmt.Errorf("search: vector: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		entities = s.extractEntities(gctx, req.Query)
		return nil
	})
	if err := g.Wait(); err != nil {
		return resp, err
	}

	docs, err := s.resolveHits(ctx, hits)
	if err != nil {
		return resp, err
	}

	asm := newAssembler()
	for _, h := range hits {
		doc, ok := docs[h.DocID]
		if !ok {
			continue
		}
		asm.seedVector(doc.ID, doc.Text, h.Score)
	}

	if len(entities) > 0 {
		names := make([]string, 0, len(entities))
		for _, e := range entities {
			names = append(names, e.Name)
		}
		expanded, err := s.graph.FindDocumentsByEntityName(ctx, names, s.expansionLimit)
		if err != nil {
			return resp, fmt.Errorf("search: entity expansion: %w", err)
		}
		for _, ed := range expanded {
			asm.addExpansion(ed.Doc, ed.Weight)
		}
	}

	if asm.empty() {
		return resp, nil
	}
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	connectivity, err := s.graph.ConnectivityScores(ctx, asm.ids())
	if err != nil {
		return resp, fmt.Errorf("search: connectivity: %w", err)
	}

	alpha, beta := normalizeWeights(vw, gw)
	ranked := fuse(asm.list(), connectivity, alpha, beta)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	resp.Results = ranked
	return resp, nil
}

// queryEmbedding returns the provided embedding after a dimension check, or
// embeds the query text.
func (s *Service) queryEmbedding(ctx context.Context, query string, provided []float32) ([]float32, error) {
	if len(provided) > 0 {
		if len(provided) != s.vectors.Dim() {
			return nil, domain.NewValidationError("query_embedding", fmt.Sprintf("dimension %d, want %d", len(provided), s.vectors.Dim()))
		}
		return provided, nil
	}
	if query == "" {
		return nil, domain.NewValidationError("query", query)
	}
	embedding, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search: embed query: %w", err)
	}
	return embedding, nil
}

// extractEntities is best effort. A degraded or failing extractor reduces
// the hybrid query to its vector half instead of failing it.
func (s *Service) extractEntities(ctx context.Context, query string) []nlp.Entity {
	if s.extract == nil || s.extract.Degraded() {
		return nil
	}
	entities, err := s.extract.Extract(ctx, query)
	if err != nil {
		s.logger.Warn("entity extraction failed, continuing vector-only", "error", err)
		return nil
	}
	return entities
}

// resolveHits fetches document nodes for the vector hits. An id present in
// the index but absent from the graph is drift between the two stores; it is
// logged and the hit degrades out of the result set.
func (s *Service) resolveHits(ctx context.Context, hits []vector.Hit) (map[string]domain.Document, error) {
	if len(hits) == 0 {
		return map[string]domain.Document{}, nil
	}
	ids := fn.Map(hits, func(h vector.Hit) string { return h.DocID })
	docs, err := s.graph.DocumentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: resolve documents: %w", err)
	}
	for _, h := range hits {
		if _, ok := docs[h.DocID]; !ok {
			s.logger.Warn("document indexed but missing from graph", "doc_id", h.DocID, "vector_id", h.VectorID)
		}
	}
	return docs, nil
}

func (s *Service) observe(start time.Time) {
	if s.queries != nil {
		s.queries.Inc()
	}
	if s.duration != nil {
		s.duration.Since(start)
	}
}
