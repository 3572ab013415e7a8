package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/plexara/fusegraph/engine/domain"
)

// driverOpener adapts neo4j.DriverWithContext to the opener interface.
type driverOpener struct {
	driver neo4j.DriverWithContext
}

func (o *driverOpener) OpenSession(ctx context.Context) session {
	return &sessionAdapter{sess: o.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// sessionAdapter adapts neo4j.SessionWithContext to the session interface.
type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	res, err := a.sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return &resultAdapter{res: res}, nil
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

type resultAdapter struct {
	res neo4j.ResultWithContext
}

func (r *resultAdapter) Next(ctx context.Context) bool { return r.res.Next(ctx) }
func (r *resultAdapter) Record() *neo4j.Record         { return r.res.Record() }
func (r *resultAdapter) Err() error                    { return r.res.Err() }

// kindFromLabels maps Neo4j labels to the node kind, defaulting to Document.
func kindFromLabels(labels []string) domain.NodeKind {
	for _, l := range labels {
		if l == string(domain.KindEntity) {
			return domain.KindEntity
		}
	}
	return domain.KindDocument
}

// documentFromProps builds a Document from raw node properties. Properties
// outside the fixed schema land in Metadata.
func documentFromProps(props map[string]any) domain.Document {
	doc := domain.Document{
		ID:       str(props["id"]),
		Text:     str(props["text"]),
		Title:    str(props["title"]),
		Lang:     str(props["lang"]),
		VectorID: -1,
	}
	if v, ok := props["vector_id"]; ok {
		doc.VectorID = int64(num(v, -1))
	}
	if v, ok := props["chunk_index"]; ok {
		doc.ChunkIndex = int(num(v, 0))
	}
	for k, v := range props {
		switch k {
		case "id", "text", "title", "lang", "vector_id", "chunk_index":
		default:
			if doc.Metadata == nil {
				doc.Metadata = make(map[string]any)
			}
			doc.Metadata[k] = v
		}
	}
	return doc
}

// documentToMap flattens a Document into node properties.
func documentToMap(doc domain.Document) map[string]any {
	m := map[string]any{
		"id":          doc.ID,
		"text":        doc.Text,
		"title":       doc.Title,
		"vector_id":   doc.VectorID,
		"lang":        doc.Lang,
		"chunk_index": doc.ChunkIndex,
	}
	for k, v := range doc.Metadata {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// nodeValue reads a non-null node value from a record.
func nodeValue(rec *neo4j.Record, key string) (dbtype.Node, bool) {
	raw, ok := rec.Get(key)
	if !ok || raw == nil {
		return dbtype.Node{}, false
	}
	node, ok := raw.(dbtype.Node)
	return node, ok
}

// relValue reads a non-null relationship value from a record.
func relValue(rec *neo4j.Record, key string) (dbtype.Relationship, bool) {
	raw, ok := rec.Get(key)
	if !ok || raw == nil {
		return dbtype.Relationship{}, false
	}
	rel, ok := raw.(dbtype.Relationship)
	return rel, ok
}

// nodeID prefers the id property, falling back to the element id.
func nodeID(node dbtype.Node) string {
	if id := str(node.Props["id"]); id != "" {
		return id
	}
	return node.ElementId
}

// nodeProps copies node properties, guaranteeing an id key for consumers.
func nodeProps(node dbtype.Node, id string) map[string]any {
	out := make(map[string]any, len(node.Props)+2)
	for k, v := range node.Props {
		out[k] = v
	}
	out["id"] = id
	out["labels"] = node.Labels
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num coerces Neo4j numeric values to float64 with a fallback for nulls.
func num(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return fallback
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
