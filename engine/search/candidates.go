package search

import "github.com/plexara/fusegraph/engine/domain"

// assembler builds the merged candidate set for a hybrid query. Vector hits
// seed it; entity-expansion documents are merged in afterwards. Insertion
// order is preserved so the downstream stable sort is deterministic.
type assembler struct {
	order []string
	byID  map[string]*domain.Candidate
}

func newAssembler() *assembler {
	return &assembler{byID: make(map[string]*domain.Candidate)}
}

// seedVector records a vector hit. A later duplicate hit for the same
// document keeps the first (higher-ranked) score.
func (a *assembler) seedVector(id, text string, score float64) {
	if _, ok := a.byID[id]; ok {
		return
	}
	s := score
	a.byID[id] = &domain.Candidate{ID: id, Text: text, VectorScore: &s}
	a.order = append(a.order, id)
}

// addExpansion merges a document reached through entity expansion. A
// candidate already present from the vector pass keeps its vector score and
// gains graph provenance; a fresh one enters graph-only. The expansion weight
// is diagnostic provenance, last write wins when several entities reach the
// same document.
func (a *assembler) addExpansion(doc domain.Document, weight float64) {
	hops := 1
	w := weight
	if c, ok := a.byID[doc.ID]; ok {
		if c.GraphHops == nil {
			c.GraphHops = &hops
		}
		c.ExpansionWeight = &w
		return
	}
	a.byID[doc.ID] = &domain.Candidate{
		ID:              doc.ID,
		Text:            doc.Text,
		GraphHops:       &hops,
		ExpansionWeight: &w,
	}
	a.order = append(a.order, doc.ID)
}

func (a *assembler) empty() bool { return len(a.order) == 0 }

// list returns candidates in insertion order.
func (a *assembler) list() []domain.Candidate {
	out := make([]domain.Candidate, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, *a.byID[id])
	}
	return out
}

func (a *assembler) ids() []string {
	return append([]string(nil), a.order...)
}
