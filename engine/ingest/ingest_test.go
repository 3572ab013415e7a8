package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plexara/fusegraph/engine/domain"
	"github.com/plexara/fusegraph/engine/vector"
	"github.com/plexara/fusegraph/pkg/fn"
	"github.com/plexara/fusegraph/pkg/nlp"
)

type fakeEmbedder struct {
	dim int
	// failBatches makes the next n EmbedBatch calls fail.
	failBatches int
	batchCalls  int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.batchCalls++
	if f.failBatches > 0 {
		f.failBatches--
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = f.Embed(ctx, texts[i])
	}
	return out, nil
}

type fakeVectors struct {
	mu      sync.Mutex
	nextID  int64
	added   map[string]int64
	removed []string
	updated []string
	hits    []vector.Hit
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{added: map[string]int64{}}
}

func (f *fakeVectors) Add(embedding []float32, docID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.added[docID] = id
	return id, nil
}

func (f *fakeVectors) Remove(docID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, docID)
	delete(f.added, docID)
	return nil
}

func (f *fakeVectors) Update(docID string, embedding []float32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, docID)
	id := f.nextID
	f.nextID++
	f.added[docID] = id
	return id, nil
}

func (f *fakeVectors) Search(query []float32, k int) ([]vector.Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

type fakeGraph struct {
	mu           sync.Mutex
	docs         map[string]domain.Document
	entities     map[string]domain.Entity // keyed name|type
	edges        []domain.Edge
	deletedEdges [][]domain.RelType
	deletedNodes []string
	createDocErr error
	nodes        map[string]domain.Node
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		docs:     map[string]domain.Document{},
		entities: map[string]domain.Entity{},
		nodes:    map[string]domain.Node{},
	}
}

func (f *fakeGraph) CreateDocument(ctx context.Context, doc domain.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createDocErr != nil {
		return f.createDocErr
	}
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeGraph) MergeEntity(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := e.Name + "|" + e.Type
	if existing, ok := f.entities[key]; ok {
		return existing, nil
	}
	f.entities[key] = e
	return e, nil
}

func (f *fakeGraph) CreateEdge(ctx context.Context, e domain.Edge) error {
	if err := domain.ValidateEdge(e); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edges = append(f.edges, e)
	return nil
}

func (f *fakeGraph) DeleteEdgesByType(ctx context.Context, nodeID string, types []domain.RelType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedEdges = append(f.deletedEdges, types)
	return nil
}

func (f *fakeGraph) DeleteNode(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.nodes, id)
	f.deletedNodes = append(f.deletedNodes, id)
	return nil
}

func (f *fakeGraph) UpdateNodeProps(ctx context.Context, id string, props map[string]any) (domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	if !ok {
		return domain.Node{}, domain.ErrNotFound
	}
	for k, v := range props {
		node.Props[k] = v
	}
	f.nodes[id] = node
	return node, nil
}

func (f *fakeGraph) Get(ctx context.Context, id string) (domain.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	node, ok := f.nodes[id]
	if !ok {
		return domain.Node{}, domain.ErrNotFound
	}
	return node, nil
}

func (f *fakeGraph) edgesOfType(t domain.RelType) []domain.Edge {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Edge
	for _, e := range f.edges {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeExtractor struct {
	entities []nlp.Entity
	degraded bool
	err      error
}

func (f *fakeExtractor) Extract(ctx context.Context, text string) ([]nlp.Entity, error) {
	return f.entities, f.err
}

func (f *fakeExtractor) Degraded() bool { return f.degraded }

func newTestPipeline(t *testing.T, v *fakeVectors, g *fakeGraph, x *fakeExtractor, opts Opts) *Pipeline {
	t.Helper()
	p, err := New(&fakeEmbedder{dim: 4}, v, g, x, opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<p>Hello <b>world</b></p>", "Hello world"},
		{"a  \n\t b", "a b"},
		{"Fish &amp; chips &lt;now&gt;", "Fish & chips <now>"},
		{"plain text", "plain text"},
		{"<div><span></span></div>", ""},
	}
	for _, tt := range tests {
		if got := cleanText(tt.in); got != tt.want {
			t.Errorf("cleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDetectLang(t *testing.T) {
	en := "The cat sat on the mat and watched the rain fall softly against the window while the kettle whistled in the kitchen and the evening settled over the quiet street outside."
	if got := detectLang(en); got != "en" {
		t.Errorf("english text detected as %q", got)
	}
	fr := "Le petit garçon marchait lentement le long de la rivière en regardant les bateaux passer sous le vieux pont de pierre pendant que le soleil descendait derrière les collines."
	if got := detectLang(fr); got != "fr" {
		t.Errorf("french text detected as %q", got)
	}
	if got := detectLang(""); got != "unknown" {
		t.Errorf("empty text detected as %q, want unknown", got)
	}
	if got := detectLang("1024 2048 4096"); got != "unknown" {
		t.Errorf("numeric text detected as %q, want unknown", got)
	}
}

func TestChunkTitle(t *testing.T) {
	if got := chunkTitle("Report", 0); got != "Report (Chunk 1)" {
		t.Errorf("got %q", got)
	}
	if got := chunkTitle("", 2); got != "Chunk 3" {
		t.Errorf("got %q", got)
	}
}

func TestIngestCreatesChunkNodes(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{})

	res, err := p.Ingest(context.Background(), DocumentInput{
		Title:    "Notes",
		Text:     "<p>The quick brown fox jumps over the lazy dog. It was a fine day, and the old river ran quietly past the village while the children played along the bank.</p>",
		Metadata: map[string]any{"source": "test"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Chunks < 1 {
		t.Fatalf("got %d chunks, want at least 1", res.Chunks)
	}
	if res.Lang != "en" {
		t.Errorf("lang = %q, want en", res.Lang)
	}
	if len(g.docs) != res.Chunks {
		t.Fatalf("graph has %d documents, want %d", len(g.docs), res.Chunks)
	}
	first, ok := g.docs[res.ID]
	if !ok {
		t.Fatalf("result id %s not among created documents", res.ID)
	}
	if first.ChunkIndex != 0 {
		t.Errorf("result id points at chunk %d, want 0", first.ChunkIndex)
	}
	if first.Title != "Notes (Chunk 1)" {
		t.Errorf("chunk title %q", first.Title)
	}
	if first.VectorID != v.added[first.ID] {
		t.Errorf("node vector_id %d does not match index %d", first.VectorID, v.added[first.ID])
	}
	if strings.Contains(first.Text, "<p>") {
		t.Errorf("chunk text not cleaned: %q", first.Text)
	}
}

func TestIngestMultipleChunks(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{ChunkSize: 40, ChunkOverlap: 5})

	long := strings.Repeat("the meeting covered quarterly results and planning. ", 10)
	res, err := p.Ingest(context.Background(), DocumentInput{Title: "Minutes", Text: long})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Chunks < 2 {
		t.Fatalf("got %d chunks, want several for long input", res.Chunks)
	}
	if len(v.added) != res.Chunks {
		t.Errorf("index holds %d vectors, want %d", len(v.added), res.Chunks)
	}
	indexes := map[int]bool{}
	for _, d := range g.docs {
		indexes[d.ChunkIndex] = true
	}
	for i := 0; i < res.Chunks; i++ {
		if !indexes[i] {
			t.Errorf("missing chunk index %d", i)
		}
	}
}

func TestIngestRejectsEmptyText(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{})

	if _, err := p.Ingest(context.Background(), DocumentInput{Text: ""}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
	if _, err := p.Ingest(context.Background(), DocumentInput{Text: "<br/><hr/>"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("markup-only text: got %v, want ErrInvalidInput", err)
	}
	if len(v.added) != 0 || len(g.docs) != 0 {
		t.Error("rejected input must not touch the stores")
	}
}

func TestIngestRollsBackVectorOnGraphFailure(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	g.createDocErr = domain.ErrStoreUnavailable
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{})

	_, err := p.Ingest(context.Background(), DocumentInput{Text: "some perfectly good text for the index"})
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	if len(v.added) != 0 {
		t.Errorf("vector left behind after graph failure: %v", v.added)
	}
	if len(v.removed) == 0 {
		t.Error("expected rollback removal of the orphaned vector")
	}
}

func TestIngestSemanticEdges(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	// neighbor list the index will return for every chunk: one strong
	// neighbor, one below threshold, and the chunk itself (vector id 0).
	v.hits = []vector.Hit{
		{Score: 0.99, VectorID: 0, DocID: "self-placeholder"},
		{Score: 0.92, VectorID: 100, DocID: "near"},
		{Score: 0.50, VectorID: 101, DocID: "far"},
	}
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{})

	res, err := p.Ingest(context.Background(), DocumentInput{Text: "the fox and the hound went to town for the day"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	related := g.edgesOfType(domain.RelRelatedTo)
	if len(related) != 1 {
		t.Fatalf("got %d RELATED_TO edges, want 1: %+v", len(related), related)
	}
	e := related[0]
	if e.Source != res.ID || e.Target != "near" {
		t.Errorf("edge %s -> %s, want %s -> near", e.Source, e.Target, res.ID)
	}
	if e.Weight != 0.92 {
		t.Errorf("edge weight %v, want the similarity score", e.Weight)
	}
}

func TestIngestEntityLinks(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	x := &fakeExtractor{entities: []nlp.Entity{
		{Name: "Acme Corp", Type: "ORG"},
		{Name: "Acme Corp", Type: "ORG"}, // duplicate mention merges
	}}
	p := newTestPipeline(t, v, g, x, Opts{})

	res, err := p.Ingest(context.Background(), DocumentInput{Text: "the report from Acme Corp covered the last of the year"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(g.entities) != 1 {
		t.Fatalf("got %d entities, want 1 (merged)", len(g.entities))
	}
	mentions := g.edgesOfType(domain.RelMentions)
	if len(mentions) != 2 {
		t.Fatalf("got %d MENTIONS edges, want 2", len(mentions))
	}
	for _, e := range mentions {
		if e.Source != res.ID {
			t.Errorf("mention source %s, want %s", e.Source, res.ID)
		}
		if e.Weight != 1.0 {
			t.Errorf("mention weight %v, want 1.0", e.Weight)
		}
	}
}

func TestIngestExtractorFailureIsNotFatal(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	p := newTestPipeline(t, v, g, &fakeExtractor{err: errors.New("ner down")}, Opts{})

	if _, err := p.Ingest(context.Background(), DocumentInput{Text: "the text of the day was short and it was fine"}); err != nil {
		t.Fatalf("extractor failure must not fail ingestion: %v", err)
	}
}

func TestUpdateRegeneratesEmbeddingAndEdges(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	g.nodes["doc1"] = domain.Node{
		Kind:  domain.KindDocument,
		Props: map[string]any{"id": "doc1", "text": "old text"},
	}
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{})

	newText := "the new text is about the same things as it was before"
	node, err := p.Update(context.Background(), "doc1", NodeUpdate{Text: &newText, RegenEmbedding: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := node.Props["text"]; got != newText {
		t.Errorf("text prop %v, want updated", got)
	}
	if len(v.updated) != 1 || v.updated[0] != "doc1" {
		t.Errorf("vector updates %v, want [doc1]", v.updated)
	}
	if len(g.deletedEdges) != 1 {
		t.Fatalf("derived edges not rebuilt: %v", g.deletedEdges)
	}
	types := g.deletedEdges[0]
	if len(types) != 2 || types[0] != domain.RelRelatedTo || types[1] != domain.RelMentions {
		t.Errorf("deleted edge types %v", types)
	}
}

func TestUpdateWithoutRegenLeavesVectorAlone(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	g.nodes["doc1"] = domain.Node{
		Kind:  domain.KindDocument,
		Props: map[string]any{"id": "doc1", "text": "text"},
	}
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{})

	title := "Renamed"
	if _, err := p.Update(context.Background(), "doc1", NodeUpdate{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(v.updated) != 0 {
		t.Errorf("vector touched without regen request: %v", v.updated)
	}
}

func TestUpdateMissingNode(t *testing.T) {
	p := newTestPipeline(t, newFakeVectors(), newFakeGraph(), &fakeExtractor{degraded: true}, Opts{})
	text := "x"
	if _, err := p.Update(context.Background(), "ghost", NodeUpdate{Text: &text}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesBothSides(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	g.nodes["doc1"] = domain.Node{Kind: domain.KindDocument, Props: map[string]any{"id": "doc1"}}
	v.added["doc1"] = 7
	p := newTestPipeline(t, v, g, &fakeExtractor{degraded: true}, Opts{})

	if err := p.Delete(context.Background(), "doc1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(g.deletedNodes) != 1 {
		t.Error("node not deleted from graph")
	}
	if len(v.removed) != 1 || v.removed[0] != "doc1" {
		t.Errorf("vector removals %v, want [doc1]", v.removed)
	}
}

func TestDeleteMissingNodePropagates(t *testing.T) {
	v := newFakeVectors()
	p := newTestPipeline(t, v, newFakeGraph(), &fakeExtractor{degraded: true}, Opts{})
	if err := p.Delete(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if len(v.removed) != 0 {
		t.Error("vector removal attempted for a node the graph never had")
	}
}

func TestIngestRetriesTransientEmbedFailure(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	emb := &fakeEmbedder{dim: 4, failBatches: 2}
	p, err := New(emb, v, g, &fakeExtractor{degraded: true}, Opts{
		Retry: fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(p.Close)

	res, err := p.Ingest(context.Background(), DocumentInput{
		Title: "Flaky",
		Text:  "plain text that embeds on the third attempt",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Chunks != 1 {
		t.Fatalf("chunks = %d, want 1", res.Chunks)
	}
	if emb.batchCalls != 3 {
		t.Fatalf("embed batch calls = %d, want 3", emb.batchCalls)
	}
}

func TestIngestEmbedFailureExhaustsRetries(t *testing.T) {
	v := newFakeVectors()
	g := newFakeGraph()
	emb := &fakeEmbedder{dim: 4, failBatches: 10}
	p, err := New(emb, v, g, &fakeExtractor{degraded: true}, Opts{
		Retry: fn.RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(p.Close)

	_, err = p.Ingest(context.Background(), DocumentInput{Title: "Down", Text: "never embeds"})
	if err == nil {
		t.Fatal("expected error once retries are exhausted")
	}
	if emb.batchCalls != 2 {
		t.Fatalf("embed batch calls = %d, want 2", emb.batchCalls)
	}
	if len(v.added) != 0 {
		t.Fatal("vectors stored despite embed failure")
	}
}
