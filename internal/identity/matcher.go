// Package identity performs 1:1 face verification: scoring a probe
// vector against the enrolled embeddings of one claimed identity. This
// is verification, not open-set identification: the search is never
// widened past the claimed student at check-in time.
package identity

import (
	"context"
	"fmt"

	"smartattend/internal/embedding"
)

// Match failure reasons.
const (
	ReasonNoEnrolledEmbeddings = "no_enrolled_embeddings"
	ReasonBelowThreshold       = "below_threshold"
)

// Candidate is one enrolled embedding scored against the probe.
type Candidate struct {
	EmbeddingID int64
	Similarity  float64
}

// Source is the similarity-search boundary. Implementations restrict
// the search to embeddings owned by ownerID and return candidates in
// descending similarity order.
type Source interface {
	SearchNearest(ctx context.Context, ownerID int64, probe embedding.Vector) ([]Candidate, error)
}

// Result is the verification verdict for one probe.
type Result struct {
	Matched    bool
	Similarity float64
	BestID     int64
	Reason     string
}

// Matcher scores probes against enrolled identities.
type Matcher struct {
	source Source
}

// NewMatcher builds a matcher over a similarity-search source.
func NewMatcher(source Source) *Matcher {
	return &Matcher{source: source}
}

// Match returns the best similarity for the claimed identity and whether
// it clears the threshold. The threshold comparison is inclusive.
func (m *Matcher) Match(ctx context.Context, probe embedding.Vector, ownerID int64, threshold float64) (Result, error) {
	candidates, err := m.source.SearchNearest(ctx, ownerID, probe)
	if err != nil {
		return Result{}, fmt.Errorf("similarity search for %d: %w", ownerID, err)
	}
	if len(candidates) == 0 {
		return Result{Reason: ReasonNoEnrolledEmbeddings}, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Similarity > best.Similarity {
			best = c
		}
	}

	r := Result{
		Matched:    best.Similarity >= threshold,
		Similarity: best.Similarity,
		BestID:     best.EmbeddingID,
	}
	if !r.Matched {
		r.Reason = ReasonBelowThreshold
	}
	return r, nil
}
