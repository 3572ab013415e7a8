package search

import (
	"math"
	"sort"

	"github.com/plexara/fusegraph/engine/domain"
)

// normalizeWeights turns the caller-supplied vector and graph weights into
// fusion coefficients that sum to 1. Negative weights are floored at zero.
// When both weights are zero the query degenerates to pure vector ranking.
func normalizeWeights(vectorWeight, graphWeight float64) (alpha, beta float64) {
	if vectorWeight < 0 {
		vectorWeight = 0
	}
	if graphWeight < 0 {
		graphWeight = 0
	}
	total := vectorWeight + graphWeight
	if total <= 0 {
		return 1, 0
	}
	return vectorWeight / total, graphWeight / total
}

// graphScale returns the normalization scale for connectivity values: the
// mean connectivity over the candidate set, floored at 1 so sparse graphs do
// not inflate the graph signal.
func graphScale(connectivity map[string]float64, ids []string) float64 {
	if len(ids) == 0 {
		return 1
	}
	var sum float64
	for _, id := range ids {
		sum += connectivity[id]
	}
	mean := sum / float64(len(ids))
	if mean < 1 {
		return 1
	}
	return mean
}

// connectivityNorm maps a raw connectivity weight into [0,1) with
// diminishing returns. Zero connectivity maps to exactly zero.
func connectivityNorm(connectivity, scale float64) float64 {
	if connectivity <= 0 {
		return 0
	}
	return 1 - math.Exp(-connectivity/scale)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// fuse combines vector similarity and graph connectivity into a single final
// score per candidate and returns the full candidate set ranked by it. The
// sort is stable, so candidates with equal scores keep assembly order. The
// caller truncates to its topK.
func fuse(candidates []domain.Candidate, connectivity map[string]float64, alpha, beta float64) []domain.ScoredResult {
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	scale := graphScale(connectivity, ids)

	results := make([]domain.ScoredResult, 0, len(candidates))
	for _, c := range candidates {
		var vectorComponent float64
		if c.VectorScore != nil {
			vectorComponent = clamp01(*c.VectorScore)
		}

		var graphComponent float64
		conn := connectivity[c.ID]
		if beta > 0 {
			hops := 0
			if c.GraphHops != nil {
				hops = *c.GraphHops
			}
			graphComponent = connectivityNorm(conn, scale) / float64(1+hops)
		}

		r := domain.ScoredResult{
			ID:          c.ID,
			Text:        c.Text,
			VectorScore: vectorComponent,
			GraphScore:  graphComponent,
			FinalScore:  alpha*vectorComponent + beta*graphComponent,
			Info: map[string]any{
				"connectivity": conn,
			},
		}
		if c.GraphHops != nil {
			r.Info["graph_hops"] = *c.GraphHops
		}
		if c.ExpansionWeight != nil {
			r.Info["expansion_weight"] = *c.ExpansionWeight
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].FinalScore > results[j].FinalScore
	})
	return results
}
