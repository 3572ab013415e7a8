package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/plexara/fusegraph/engine/domain"
	"github.com/plexara/fusegraph/engine/graph"
	"github.com/plexara/fusegraph/engine/ingest"
	"github.com/plexara/fusegraph/engine/search"
	"github.com/plexara/fusegraph/engine/vector"
	"github.com/plexara/fusegraph/pkg/embed"
	"github.com/plexara/fusegraph/pkg/natsutil"
	"github.com/plexara/fusegraph/pkg/nlp"
)

type apiServer struct {
	svc       *search.Service
	pipeline  *ingest.Pipeline
	store     *graph.Store
	index     *vector.Index
	embedder  *embed.Client
	extractor *nlp.Client
	nc        *nats.Conn
	logger    *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps the domain error taxonomy onto HTTP status codes.
func (s *apiServer) writeErr(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"embedder_warm": s.embedder.Ready(),
		"nlp_degraded":  s.extractor.Degraded(),
		"vectors_live":  s.index.Live(),
	})
}

type vectorSearchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

func (s *apiServer) handleVectorSearch(w http.ResponseWriter, r *http.Request) {
	var req vectorSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	results, err := s.svc.VectorSearch(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *apiServer) handleGraphSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	depth := domain.DefaultGraphDepth
	if v := q.Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "depth must be an integer"})
			return
		}
		depth = n
	}
	var relTypes []string
	if v := q.Get("rel_types"); v != "" {
		relTypes = strings.Split(v, ",")
	}
	sub, err := s.svc.GraphSearch(r.Context(), q.Get("start_id"), depth, relTypes)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type hybridSearchRequest struct {
	Query            string    `json:"query"`
	VectorWeight     *float64  `json:"vector_weight,omitempty"`
	GraphWeight      *float64  `json:"graph_weight,omitempty"`
	TopK             int       `json:"top_k"`
	GraphExpandDepth int       `json:"graph_expand_depth"`
	QueryEmbedding   []float32 `json:"query_embedding,omitempty"`
}

func (s *apiServer) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	resp, err := s.svc.HybridSearch(r.Context(), search.HybridRequest{
		Query:            req.Query,
		QueryEmbedding:   req.QueryEmbedding,
		TopK:             req.TopK,
		GraphExpandDepth: req.GraphExpandDepth,
		VectorWeight:     req.VectorWeight,
		GraphWeight:      req.GraphWeight,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingest.DocumentInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	// async mode hands the document to the worker pool via NATS
	if r.URL.Query().Get("async") == "true" {
		if s.nc == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async ingestion not configured"})
			return
		}
		if err := natsutil.Publish(r.Context(), s.nc, ingest.IngestSubject, req); err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
		return
	}
	res, err := s.pipeline.Ingest(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *apiServer) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *apiServer) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var upd ingest.NodeUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	node, err := s.pipeline.Update(r.Context(), r.PathValue("id"), upd)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *apiServer) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *apiServer) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var edge domain.Edge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.store.CreateEdge(r.Context(), edge); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

func (s *apiServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.NodeCounts(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	rels, err := s.store.RelationshipCounts(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":         nodes,
		"relationships": rels,
		"vectors": map[string]any{
			"count": s.index.Count(),
			"live":  s.index.Live(),
			"dim":   s.index.Dim(),
		},
	})
}

func (s *apiServer) handleDebugDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > domain.MaxSearchResults {
		limit = 25
	}
	docs, err := s.store.ListDocuments(r.Context(), offset, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}
