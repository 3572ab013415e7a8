// Command verify sweeps the graph and the vector index for drift: every
// Document node's vector_id must resolve to a live index entry mapped back to
// the same document, and every live index entry must have its Document node.
// Drift is reported, never repaired.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/plexara/fusegraph/engine/graph"
	"github.com/plexara/fusegraph/engine/vector"
)

const pageSize = 500

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	indexDir := envOr("INDEX_DIR", "./data")
	vectorDim := envIntOr("VECTOR_DIM", 384)
	neo4jURL := envOr("NEO4J_URL", "neo4j://localhost:7687")
	neo4jUser := envOr("NEO4J_USER", "neo4j")
	neo4jPass := envOr("NEO4J_PASS", "password")

	index, err := vector.Open(indexDir, vectorDim, nil)
	if err != nil {
		log.Fatalf("open vector index: %v", err)
	}
	defer index.Close()

	driver, err := neo4j.NewDriverWithContext(neo4jURL, neo4j.BasicAuth(neo4jUser, neo4jPass, ""))
	if err != nil {
		log.Fatalf("neo4j connect: %v", err)
	}
	defer driver.Close(ctx)
	store := graph.New(driver, nil)

	var scanned, missingVector, mismatched int
	seen := map[int64]bool{}

	for offset := 0; ; offset += pageSize {
		docs, err := store.ListDocuments(ctx, offset, pageSize)
		if err != nil {
			log.Fatalf("list documents (offset %d): %v", offset, err)
		}
		if len(docs) == 0 {
			break
		}
		for _, doc := range docs {
			scanned++
			if doc.VectorID < 0 {
				continue // never indexed, nothing to check
			}
			seen[doc.VectorID] = true
			mapped, ok := index.DocumentID(doc.VectorID)
			if !ok {
				missingVector++
				log.Printf("DRIFT node %s: vector_id %d not live in index", doc.ID, doc.VectorID)
				continue
			}
			if mapped != doc.ID {
				mismatched++
				log.Printf("DRIFT node %s: vector_id %d maps to %s", doc.ID, doc.VectorID, mapped)
			}
		}
	}

	// reverse direction: live vectors whose document node is gone
	var orphanedVectors int
	for vectorID, docID := range index.Mappings() {
		if seen[vectorID] {
			continue
		}
		orphanedVectors++
		log.Printf("DRIFT vector %d: document %s missing from graph", vectorID, docID)
	}

	log.Printf("Scanned %d documents, %d live vectors", scanned, index.Live())
	log.Printf("Drift: %d missing vectors, %d mismatched mappings, %d orphaned vectors",
		missingVector, mismatched, orphanedVectors)
	if missingVector+mismatched+orphanedVectors > 0 {
		os.Exit(1)
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
