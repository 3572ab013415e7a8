// Package graph provides the Neo4j-backed connectivity store: node and edge
// lifecycle, bounded-depth traversal, connectivity-weight aggregation, and
// entity-to-document expansion. Relationship types are a closed enum; no
// untrusted string is ever interpolated into Cypher.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/plexara/fusegraph/engine/domain"
	"github.com/plexara/fusegraph/pkg/fn"
	"github.com/plexara/fusegraph/pkg/repo"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// session is the minimal interface needed from a neo4j session.
type session interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// opener abstracts session creation so tests can inject fakes.
type opener interface {
	OpenSession(ctx context.Context) session
}

// Store owns all graph operations. Calls are blocking I/O against Neo4j;
// callers must not hold unrelated locks while waiting on them.
type Store struct {
	opener    opener
	documents *repo.Neo4jRepo[domain.Document, string]
	logger    *slog.Logger
}

// New creates a Store on top of a Neo4j driver.
func New(driver neo4j.DriverWithContext, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		opener:    &driverOpener{driver: driver},
		documents: newDocumentRepo(driver),
		logger:    logger,
	}
}

// storeErr tags a driver failure as StoreUnavailable so callers can
// distinguish "system down" from "no data".
func storeErr(op string, err error) error {
	return fmt.Errorf("graph: %s: %w: %w", op, err, domain.ErrStoreUnavailable)
}

// Get returns a node with its outgoing edges.
func (s *Store) Get(ctx context.Context, id string) (domain.Node, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n {id: $id})
		OPTIONAL MATCH (n)-[r]->(target)
		RETURN n, collect({
			target_id: coalesce(target.id, elementId(target)),
			type: type(r),
			weight: coalesce(r.weight, 1.0)
		}) AS rels`
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return domain.Node{}, storeErr("get", err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return domain.Node{}, storeErr("get", err)
		}
		return domain.Node{}, fmt.Errorf("graph: node %s: %w", id, domain.ErrNotFound)
	}

	rec := res.Record()
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Node{}, storeErr("get", err)
	}

	out := domain.Node{Kind: kindFromLabels(node.Labels), Props: node.Props}
	if raw, ok := rec.Get("rels"); ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				m, ok := item.(map[string]any)
				if !ok || m["target_id"] == nil {
					continue
				}
				e := domain.Edge{
					Source: id,
					Type:   domain.RelType(str(m["type"])),
					Weight: num(m["weight"], 1.0),
				}
				e.Target = str(m["target_id"])
				out.Edges = append(out.Edges, e)
			}
		}
	}
	return out, nil
}

// CreateDocument creates a Document node. Identity is the id property;
// nodes are created once and mutated only via UpdateNodeProps.
func (s *Store) CreateDocument(ctx context.Context, doc domain.Document) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `CREATE (d:Document {
			id: $id, text: $text, title: $title,
			vector_id: $vector_id, lang: $lang, chunk_index: $chunk_index
		})
		SET d += $metadata
		RETURN d`
	res, err := sess.Run(ctx, cypher, map[string]any{
		"id":          doc.ID,
		"text":        doc.Text,
		"title":       doc.Title,
		"vector_id":   doc.VectorID,
		"lang":        doc.Lang,
		"chunk_index": doc.ChunkIndex,
		"metadata":    nonNil(doc.Metadata),
	})
	if err != nil {
		return storeErr("create document", err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return storeErr("create document", err)
		}
		return fmt.Errorf("graph: create document %s: no row returned", doc.ID)
	}
	return nil
}

// MergeEntity deduplicates entities by (name, type): an existing node is
// returned unchanged, otherwise one is created with the supplied id.
func (s *Store) MergeEntity(ctx context.Context, e domain.Entity) (domain.Entity, error) {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MERGE (e:Entity {name: $name, type: $type})
		ON CREATE SET e.id = $id
		RETURN e`
	res, err := sess.Run(ctx, cypher, map[string]any{
		"name": e.Name, "type": e.Type, "id": e.ID,
	})
	if err != nil {
		return domain.Entity{}, storeErr("merge entity", err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return domain.Entity{}, storeErr("merge entity", err)
		}
		return domain.Entity{}, fmt.Errorf("graph: merge entity %s: no row returned", e.Name)
	}
	node, _, err := neo4j.GetRecordValue[dbtype.Node](res.Record(), "e")
	if err != nil {
		return domain.Entity{}, storeErr("merge entity", err)
	}
	return domain.Entity{
		ID:   str(node.Props["id"]),
		Name: str(node.Props["name"]),
		Type: str(node.Props["type"]),
	}, nil
}

// UpdateNodeProps patches node properties. The id property is immutable and
// silently dropped from the patch.
func (s *Store) UpdateNodeProps(ctx context.Context, id string, props map[string]any) (domain.Node, error) {
	patch := make(map[string]any, len(props))
	for k, v := range props {
		if k == "id" {
			continue
		}
		patch[k] = v
	}
	if len(patch) > 0 {
		sess := s.opener.OpenSession(ctx)
		cypher := `MATCH (n {id: $id}) SET n += $props RETURN n`
		res, err := sess.Run(ctx, cypher, map[string]any{"id": id, "props": patch})
		if err != nil {
			sess.Close(ctx)
			return domain.Node{}, storeErr("update node", err)
		}
		if !res.Next(ctx) {
			sess.Close(ctx)
			if err := res.Err(); err != nil {
				return domain.Node{}, storeErr("update node", err)
			}
			return domain.Node{}, fmt.Errorf("graph: node %s: %w", id, domain.ErrNotFound)
		}
		sess.Close(ctx)
	}
	return s.Get(ctx, id)
}

// CreateEdge creates or updates a directed edge. The relationship type must
// come from the closed whitelist; re-creating the same (source, target, type)
// merges weight and metadata rather than duplicating. Missing endpoints fail
// with an EdgeError before anything is written.
func (s *Store) CreateEdge(ctx context.Context, e domain.Edge) error {
	if err := domain.ValidateEdge(e); err != nil {
		return err
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	// e.Type passed validation against the closed enum, so interpolation
	// here cannot carry untrusted input.
	cypher := fmt.Sprintf(`MATCH (source {id: $source_id})
		MATCH (target {id: $target_id})
		MERGE (source)-[r:%s]->(target)
		SET r.weight = $weight
		SET r += $metadata
		RETURN r`, e.Type)
	res, err := sess.Run(ctx, cypher, map[string]any{
		"source_id": e.Source,
		"target_id": e.Target,
		"weight":    e.Weight,
		"metadata":  nonNil(e.Metadata),
	})
	if err != nil {
		return storeErr("create edge", err)
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return storeErr("create edge", err)
		}
		return domain.NewEdgeError(e.Source, e.Target, domain.ErrNotFound)
	}
	return nil
}

// DeleteNode removes a node and all incident edges in both directions.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (n {id: $id}) DETACH DELETE n RETURN count(n) AS deleted`
	res, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return storeErr("delete node", err)
	}
	if res.Next(ctx) {
		if deleted, ok := res.Record().Get("deleted"); ok {
			if n, ok := deleted.(int64); ok && n == 0 {
				return fmt.Errorf("graph: node %s: %w", id, domain.ErrNotFound)
			}
		}
	}
	return res.Err()
}

// DeleteEdgesByType removes only outgoing edges of the given types.
func (s *Store) DeleteEdgesByType(ctx context.Context, nodeID string, types []domain.RelType) error {
	pattern, err := relPattern(types)
	if err != nil {
		return err
	}
	if pattern == "" {
		return fmt.Errorf("graph: delete edges: empty type filter: %w", domain.ErrInvalidInput)
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(`MATCH (n {id: $id})-[r%s]->() DELETE r`, pattern)
	res, err := sess.Run(ctx, cypher, map[string]any{"id": nodeID})
	if err != nil {
		return storeErr("delete edges", err)
	}
	for res.Next(ctx) {
	}
	return res.Err()
}

// Traverse returns the induced subgraph reachable within maxDepth hops of
// startID, following undirected reachability for node collection while
// reporting edges as stored. Depth 0 yields just the start node.
func (s *Store) Traverse(ctx context.Context, startID string, maxDepth int, filter []domain.RelType) (domain.Subgraph, error) {
	pattern, err := relPattern(filter)
	if err != nil {
		return domain.Subgraph{}, err
	}
	depth := domain.ClampDepth(maxDepth)

	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	// The zero-length pattern keeps the start node in the set even when it
	// has no edges; OPTIONAL MATCH keeps isolated nodes in the rows.
	cypher := fmt.Sprintf(`MATCH (start {id: $start_id})-[%s*0..%d]-(n)
		WITH collect(DISTINCT n) AS nodes
		UNWIND nodes AS source
		OPTIONAL MATCH (source)-[r%s]->(target)
		WHERE target IN nodes
		RETURN source, r, target`, pattern, depth, pattern)
	res, err := sess.Run(ctx, cypher, map[string]any{"start_id": startID})
	if err != nil {
		return domain.Subgraph{}, storeErr("traverse", err)
	}

	sub := domain.Subgraph{}
	seenNodes := make(map[string]bool)
	seenEdges := make(map[string]bool)

	for res.Next(ctx) {
		rec := res.Record()

		source, ok := nodeValue(rec, "source")
		if !ok {
			continue
		}
		sourceID := nodeID(source)
		if !seenNodes[sourceID] {
			seenNodes[sourceID] = true
			sub.Nodes = append(sub.Nodes, nodeProps(source, sourceID))
		}

		target, ok := nodeValue(rec, "target")
		if !ok {
			continue // isolated node row
		}
		targetID := nodeID(target)
		if !seenNodes[targetID] {
			seenNodes[targetID] = true
			sub.Nodes = append(sub.Nodes, nodeProps(target, targetID))
		}

		rel, ok := relValue(rec, "r")
		if !ok {
			continue
		}
		key := sourceID + "\x00" + targetID + "\x00" + rel.Type
		if seenEdges[key] {
			continue
		}
		seenEdges[key] = true
		sub.Edges = append(sub.Edges, domain.Edge{
			Source: sourceID,
			Target: targetID,
			Type:   domain.RelType(rel.Type),
			Weight: num(rel.Props["weight"], 1.0),
		})
	}
	if err := res.Err(); err != nil {
		return domain.Subgraph{}, storeErr("traverse", err)
	}
	if len(sub.Nodes) == 0 {
		return domain.Subgraph{}, fmt.Errorf("graph: node %s: %w", startID, domain.ErrNotFound)
	}

	// Relevance ordering: weight descending, discovery order on ties.
	sub.Ranked = make([]domain.Edge, len(sub.Edges))
	copy(sub.Ranked, sub.Edges)
	sort.SliceStable(sub.Ranked, func(i, j int) bool {
		return sub.Ranked[i].Weight > sub.Ranked[j].Weight
	})
	return sub, nil
}

// ConnectivityScores sums incident edge weights (both directions) for each
// id, with missing weights counting as 1.0. Ids without edges map to 0.0,
// never absent. A row for an id outside the request is drift and is dropped
// with a warning.
func (s *Store) ConnectivityScores(ctx context.Context, ids []string) (map[string]float64, error) {
	scores := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return scores, nil
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `UNWIND $ids AS cid
		MATCH (c {id: cid})
		OPTIONAL MATCH (c)-[r]-(nbr)
		RETURN cid, sum(coalesce(r.weight, 1.0)) AS adj_weight`
	res, err := sess.Run(ctx, cypher, map[string]any{"ids": ids})
	if err != nil {
		return nil, storeErr("connectivity scores", err)
	}

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}
	for res.Next(ctx) {
		rec := res.Record()
		cid, _ := rec.Get("cid")
		id := str(cid)
		if !requested[id] {
			s.logger.Warn("graph: connectivity row for unknown candidate", "id", id)
			continue
		}
		w, _ := rec.Get("adj_weight")
		scores[id] = num(w, 0.0)
	}
	if err := res.Err(); err != nil {
		return nil, storeErr("connectivity scores", err)
	}
	for _, id := range ids {
		if _, ok := scores[id]; !ok {
			scores[id] = 0.0
		}
	}
	return scores, nil
}

// EntityDoc is a document reached by expanding a query entity, with the
// weight of the traversed edge.
type EntityDoc struct {
	Doc    domain.Document
	Weight float64
}

// FindDocumentsByEntityName matches Entity names case-insensitively and
// follows their edges to Document nodes, capped at limit. Ordering beyond
// store iteration order is not guaranteed.
func (s *Store) FindDocumentsByEntityName(ctx context.Context, names []string, limit int) ([]EntityDoc, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = domain.EntityExpansionLimit
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `UNWIND $names AS name
		MATCH (e:Entity) WHERE toLower(e.name) = toLower(name)
		MATCH (e)-[r]-(d:Document)
		RETURN d, coalesce(r.weight, 1.0) AS edge_weight
		LIMIT $limit`
	res, err := sess.Run(ctx, cypher, map[string]any{"names": names, "limit": int64(limit)})
	if err != nil {
		return nil, storeErr("entity expansion", err)
	}

	var out []EntityDoc
	for res.Next(ctx) {
		rec := res.Record()
		node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "d")
		if err != nil {
			continue
		}
		w, _ := rec.Get("edge_weight")
		out = append(out, EntityDoc{
			Doc:    documentFromProps(node.Props),
			Weight: num(w, 1.0),
		})
	}
	if err := res.Err(); err != nil {
		return nil, storeErr("entity expansion", err)
	}
	return out, nil
}

// DocumentsByIDs fetches Document nodes in one round trip. Ids that do not
// resolve are simply absent from the map; the caller decides whether that is
// drift worth reporting.
func (s *Store) DocumentsByIDs(ctx context.Context, ids []string) (map[string]domain.Document, error) {
	out := make(map[string]domain.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	sess := s.opener.OpenSession(ctx)
	defer sess.Close(ctx)

	cypher := `UNWIND $ids AS did
		MATCH (d:Document {id: did})
		RETURN d`
	res, err := sess.Run(ctx, cypher, map[string]any{"ids": fn.Unique(ids)})
	if err != nil {
		return nil, storeErr("documents by ids", err)
	}
	for res.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](res.Record(), "d")
		if err != nil {
			continue
		}
		doc := documentFromProps(node.Props)
		out[doc.ID] = doc
	}
	if err := res.Err(); err != nil {
		return nil, storeErr("documents by ids", err)
	}
	return out, nil
}

// relPattern renders a validated relationship filter as ":A|B". Empty filter
// means all types and renders as "".
func relPattern(types []domain.RelType) (string, error) {
	if len(types) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(types))
	for _, t := range types {
		if _, err := domain.ParseRelType(string(t)); err != nil {
			return "", err
		}
		parts = append(parts, string(t))
	}
	return ":" + strings.Join(parts, "|"), nil
}
