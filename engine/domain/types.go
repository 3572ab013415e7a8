// Package domain defines core domain types, constants, and validation for the
// fusegraph retrieval engine. It acts as the validation gate at service entry points.
package domain

// NodeKind distinguishes the two node variants held in the graph.
type NodeKind string

const (
	KindDocument NodeKind = "Document"
	KindEntity   NodeKind = "Entity"
)

// Document is a text fragment stored as a graph node. VectorID links it to
// the live entry in the vector index; -1 means no vector is attached.
type Document struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	Title      string         `json:"title"`
	VectorID   int64          `json:"vector_id"`
	Lang       string         `json:"lang"`
	ChunkIndex int            `json:"chunk_index"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Entity is a named entity extracted from document text. Entities are
// deduplicated by (Name, Type); the ID is assigned on first creation.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// RelType is a relationship type drawn from a closed whitelist. Anything
// outside the whitelist is rejected before it reaches the query-building
// layer.
type RelType string

const (
	RelRelatedTo  RelType = "RELATED_TO"
	RelMentions   RelType = "MENTIONS"
	RelContains   RelType = "CONTAINS"
	RelPartOf     RelType = "PART_OF"
	RelBelongsTo  RelType = "BELONGS_TO"
	RelReferences RelType = "REFERENCES"
)

// AllowedRelTypes is the closed set of relationship types.
var AllowedRelTypes = map[RelType]bool{
	RelRelatedTo: true, RelMentions: true, RelContains: true,
	RelPartOf: true, RelBelongsTo: true, RelReferences: true,
}

// AllowedEntityTypes is the set of NER type tags accepted from the extractor.
var AllowedEntityTypes = map[string]bool{
	"ORG": true, "PERSON": true, "GPE": true, "DATE": true,
	"LOC": true, "PRODUCT": true, "EVENT": true,
}

// Edge is a directed, weighted relationship between two nodes. At most one
// edge exists per (Source, Target, Type); re-creation merges weight and
// metadata onto the existing edge.
type Edge struct {
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Type     RelType        `json:"type"`
	Weight   float64        `json:"weight"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is a graph node together with its outgoing edges, as returned by Get.
type Node struct {
	Kind  NodeKind       `json:"kind"`
	Props map[string]any `json:"props"`
	Edges []Edge         `json:"edges"`
}

// Candidate is a per-query document under consideration before fusion.
// VectorScore, GraphHops, and ExpansionWeight are nil when the corresponding
// signal did not produce the candidate. Never persisted.
type Candidate struct {
	ID              string
	Text            string
	VectorScore     *float64
	GraphHops       *int
	ExpansionWeight *float64
}

// ScoredResult is a single ranked result of a search operation.
type ScoredResult struct {
	ID          string         `json:"id"`
	Text        string         `json:"text"`
	VectorScore float64        `json:"vector_score"`
	GraphScore  float64        `json:"graph_score"`
	FinalScore  float64        `json:"final_score"`
	Info        map[string]any `json:"info,omitempty"`
}

// Subgraph is the induced subgraph returned by a graph traversal. Edges is
// deduplicated by (source, target, type); Ranked holds the same edges in
// descending weight order, ties broken by discovery order.
type Subgraph struct {
	Nodes  []map[string]any `json:"nodes"`
	Edges  []Edge           `json:"edges"`
	Ranked []Edge           `json:"ranked_edges,omitempty"`
}

// Search and ingestion limits.
const (
	MaxSearchResults       = 100
	DefaultTopK            = 10
	MaxGraphDepth          = 5
	DefaultGraphDepth      = 2
	DefaultChunkSize       = 256
	DefaultChunkOverlap    = 12
	SemanticEdgeThreshold  = 0.85
	MaxSemanticNeighbors   = 5
	VectorSearchMultiplier = 3
	DefaultVectorWeight    = 0.7
	DefaultGraphWeight     = 0.3
	EntityExpansionLimit   = 50
)
