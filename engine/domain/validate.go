package domain

import "fmt"

// ParseRelType validates a relationship type string against the whitelist.
func ParseRelType(s string) (RelType, error) {
	rt := RelType(s)
	if !AllowedRelTypes[rt] {
		return "", fmt.Errorf("%q: %w", s, ErrInvalidRelType)
	}
	return rt, nil
}

// ParseRelTypes validates a relationship-type filter. A nil or empty filter
// is valid and means "all types".
func ParseRelTypes(types []string) ([]RelType, error) {
	if len(types) == 0 {
		return nil, nil
	}
	out := make([]RelType, 0, len(types))
	for _, s := range types {
		rt, err := ParseRelType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, nil
}

// ClampTopK bounds a requested result count to [1, MaxSearchResults],
// defaulting when unset.
func ClampTopK(k int) int {
	if k <= 0 {
		return DefaultTopK
	}
	if k > MaxSearchResults {
		return MaxSearchResults
	}
	return k
}

// ClampDepth bounds a traversal depth to [0, MaxGraphDepth]. Negative depth
// falls back to the default; depth 0 is valid and means "start node only".
func ClampDepth(depth int) int {
	if depth < 0 {
		return DefaultGraphDepth
	}
	if depth > MaxGraphDepth {
		return MaxGraphDepth
	}
	return depth
}

// ValidateEdge checks an edge before it reaches the store layer.
func ValidateEdge(e Edge) error {
	if e.Source == "" {
		return NewValidationError("source", e.Source)
	}
	if e.Target == "" {
		return NewValidationError("target", e.Target)
	}
	if _, err := ParseRelType(string(e.Type)); err != nil {
		return err
	}
	if e.Weight < 0 {
		return NewValidationError("weight", fmt.Sprintf("%g", e.Weight))
	}
	return nil
}

// ValidateDocumentInput checks raw ingestion input.
func ValidateDocumentInput(text string) error {
	if text == "" {
		return NewValidationError("text", "")
	}
	return nil
}
