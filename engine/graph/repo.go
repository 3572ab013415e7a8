package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/plexara/fusegraph/engine/domain"
	"github.com/plexara/fusegraph/pkg/repo"
)

// newDocumentRepo creates a generic Neo4j-backed repository for Document
// nodes, used for paginated listing on the debug surface.
func newDocumentRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.Document, string] {
	return repo.NewNeo4jRepo[domain.Document, string](
		driver,
		"Document",
		documentToMap,
		documentFromRecord,
	)
}

func documentFromRecord(rec *neo4j.Record) (domain.Document, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Document{}, err
	}
	return documentFromProps(node.Props), nil
}

// ListDocuments pages through Document nodes.
func (s *Store) ListDocuments(ctx context.Context, offset, limit int) ([]domain.Document, error) {
	if s.documents == nil {
		return nil, nil
	}
	return s.documents.List(ctx, repo.ListOpts{Offset: offset, Limit: limit})
}
