package search

import (
	"math"
	"testing"

	"github.com/plexara/fusegraph/engine/domain"
)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }

func TestNormalizeWeights(t *testing.T) {
	tests := []struct {
		name      string
		vw, gw    float64
		alpha     float64
		beta      float64
	}{
		{"defaults", 0.7, 0.3, 0.7, 0.3},
		{"equal", 0.5, 0.5, 0.5, 0.5},
		{"unnormalized", 2, 6, 0.25, 0.75},
		{"vector only", 1, 0, 1, 0},
		{"graph only", 0, 1, 0, 1},
		{"both zero", 0, 0, 1, 0},
		{"both negative", -1, -2, 1, 0},
		{"negative floored", -1, 3, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alpha, beta := normalizeWeights(tt.vw, tt.gw)
			if math.Abs(alpha-tt.alpha) > 1e-12 || math.Abs(beta-tt.beta) > 1e-12 {
				t.Errorf("got (%v, %v), want (%v, %v)", alpha, beta, tt.alpha, tt.beta)
			}
			if math.Abs(alpha+beta-1) > 1e-12 {
				t.Errorf("alpha+beta = %v, want 1", alpha+beta)
			}
		})
	}
}

func TestConnectivityNorm(t *testing.T) {
	if got := connectivityNorm(0, 5); got != 0 {
		t.Errorf("norm(0) = %v, want 0", got)
	}
	if got := connectivityNorm(-3, 5); got != 0 {
		t.Errorf("norm(-3) = %v, want 0", got)
	}
	// strictly increasing in connectivity, bounded below 1
	prev := 0.0
	for _, c := range []float64{0.5, 1, 2, 5, 20, 100} {
		cur := connectivityNorm(c, 5)
		if cur <= prev {
			t.Errorf("norm(%v) = %v not greater than norm at previous point %v", c, cur, prev)
		}
		if cur >= 1 {
			t.Errorf("norm(%v) = %v, want < 1", c, cur)
		}
		prev = cur
	}
}

func TestGraphScaleFloor(t *testing.T) {
	// mean below 1 floors at 1
	conn := map[string]float64{"a": 0.2, "b": 0.4}
	if got := graphScale(conn, []string{"a", "b"}); got != 1 {
		t.Errorf("scale = %v, want 1", got)
	}
	// mean above 1 is the mean over the candidate set, absent ids count as 0
	conn = map[string]float64{"a": 6}
	if got := graphScale(conn, []string{"a", "b"}); got != 3 {
		t.Errorf("scale = %v, want 3", got)
	}
	if got := graphScale(nil, nil); got != 1 {
		t.Errorf("scale on empty set = %v, want 1", got)
	}
}

func TestFuseGraphSignalBreaksVectorTie(t *testing.T) {
	cands := []domain.Candidate{
		{ID: "sparse", Text: "a", VectorScore: fptr(0.8)},
		{ID: "dense", Text: "b", VectorScore: fptr(0.8)},
	}
	conn := map[string]float64{"dense": 10, "sparse": 0}

	results := fuse(cands, conn, 0.5, 0.5)
	if results[0].ID != "dense" {
		t.Fatalf("top result = %s, want dense", results[0].ID)
	}
	if results[0].FinalScore <= results[1].FinalScore {
		t.Errorf("dense score %v not above sparse %v", results[0].FinalScore, results[1].FinalScore)
	}
	for _, r := range results {
		if r.FinalScore < 0 || r.FinalScore > 1 {
			t.Errorf("%s: final score %v out of [0,1]", r.ID, r.FinalScore)
		}
	}
}

func TestFusePureVectorIgnoresGraph(t *testing.T) {
	cands := []domain.Candidate{
		{ID: "a", VectorScore: fptr(0.6)},
		{ID: "b", VectorScore: fptr(0.9)},
	}
	conn := map[string]float64{"a": 100, "b": 0}

	results := fuse(cands, conn, 1, 0)
	if results[0].ID != "b" {
		t.Fatalf("top result = %s, want b", results[0].ID)
	}
	for _, r := range results {
		if r.GraphScore != 0 {
			t.Errorf("%s: graph component %v, want 0 when beta=0", r.ID, r.GraphScore)
		}
	}
	if math.Abs(results[0].FinalScore-0.9) > 1e-12 {
		t.Errorf("final score %v, want 0.9", results[0].FinalScore)
	}
}

func TestFuseHopsAttenuateGraphComponent(t *testing.T) {
	cands := []domain.Candidate{
		{ID: "direct", GraphHops: iptr(0)},
		{ID: "expanded", GraphHops: iptr(1)},
	}
	conn := map[string]float64{"direct": 4, "expanded": 4}

	results := fuse(cands, conn, 0, 1)
	if results[0].ID != "direct" {
		t.Fatalf("top result = %s, want direct", results[0].ID)
	}
	if math.Abs(results[0].GraphScore-2*results[1].GraphScore) > 1e-12 {
		t.Errorf("one hop should halve the graph component: got %v vs %v",
			results[0].GraphScore, results[1].GraphScore)
	}
}

func TestFuseClampsVectorScore(t *testing.T) {
	cands := []domain.Candidate{
		{ID: "hot", VectorScore: fptr(1.7)},
		{ID: "cold", VectorScore: fptr(-0.4)},
	}
	results := fuse(cands, nil, 1, 0)
	if results[0].VectorScore != 1 {
		t.Errorf("vector component %v, want clamped to 1", results[0].VectorScore)
	}
	if results[1].VectorScore != 0 {
		t.Errorf("vector component %v, want clamped to 0", results[1].VectorScore)
	}
}

func TestFuseStableOnTies(t *testing.T) {
	cands := []domain.Candidate{
		{ID: "first", VectorScore: fptr(0.5)},
		{ID: "second", VectorScore: fptr(0.5)},
		{ID: "third", VectorScore: fptr(0.5)},
	}
	results := fuse(cands, nil, 1, 0)
	for i, want := range []string{"first", "second", "third"} {
		if results[i].ID != want {
			t.Errorf("rank %d = %s, want %s (assembly order must hold on ties)", i, results[i].ID, want)
		}
	}
}

func TestFuseMissingSignalsDefaultToZero(t *testing.T) {
	// graph-only candidate with nil hops treats hops as 0; nil vector score is 0
	cands := []domain.Candidate{{ID: "g"}}
	conn := map[string]float64{"g": 2}

	results := fuse(cands, conn, 0.5, 0.5)
	r := results[0]
	if r.VectorScore != 0 {
		t.Errorf("vector component %v, want 0", r.VectorScore)
	}
	want := connectivityNorm(2, 2) // scale = mean = 2; hops default 0
	if math.Abs(r.GraphScore-want) > 1e-12 {
		t.Errorf("graph component %v, want %v", r.GraphScore, want)
	}
}

func TestAssemblerMergePreservesVectorScore(t *testing.T) {
	a := newAssembler()
	a.seedVector("doc1", "text one", 0.9)
	a.seedVector("doc2", "text two", 0.8)
	a.addExpansion(domain.Document{ID: "doc2", Text: "stale copy"}, 0.6)
	a.addExpansion(domain.Document{ID: "doc3", Text: "text three"}, 0.4)

	cands := a.list()
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3", len(cands))
	}
	merged := cands[1]
	if merged.ID != "doc2" || merged.VectorScore == nil || *merged.VectorScore != 0.8 {
		t.Errorf("merged candidate lost its vector score: %+v", merged)
	}
	if merged.Text != "text two" {
		t.Errorf("merged candidate text overwritten: %q", merged.Text)
	}
	if merged.GraphHops == nil || *merged.GraphHops != 1 {
		t.Errorf("merged candidate missing hop provenance: %+v", merged)
	}
	fresh := cands[2]
	if fresh.VectorScore != nil {
		t.Errorf("graph-only candidate should have nil vector score: %+v", fresh)
	}
	if fresh.ExpansionWeight == nil || *fresh.ExpansionWeight != 0.4 {
		t.Errorf("graph-only candidate missing expansion weight: %+v", fresh)
	}
}

func TestAssemblerLastExpansionWeightWins(t *testing.T) {
	a := newAssembler()
	a.addExpansion(domain.Document{ID: "d"}, 0.3)
	a.addExpansion(domain.Document{ID: "d"}, 0.7)
	a.addExpansion(domain.Document{ID: "d"}, 0.5)

	cands := a.list()
	if len(cands) != 1 {
		t.Fatalf("got %d candidates, want 1", len(cands))
	}
	if *cands[0].ExpansionWeight != 0.5 {
		t.Errorf("expansion weight %v, want the last written 0.5", *cands[0].ExpansionWeight)
	}
	if *cands[0].GraphHops != 1 {
		t.Errorf("hops %d, want 1", *cands[0].GraphHops)
	}
}
