package storage

import (
	"math"
	"sort"
)

// scoreEpsilon is the floating-point tolerance within which two similarity
// scores are considered equal for tie-breaking.
const scoreEpsilon = 1e-9

// CosineSimilarity calculates the cosine similarity between two vectors.
//
// Returns a value between -1.0 and 1.0, or 0.0 if the vectors have different
// dimensions or zero norm.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Rank scores candidate records against the query embedding, applies the
// minimum-score floor, sorts by score descending (CreatedAt descending when
// scores tie within tolerance), and truncates to the limit.
//
// Backends without native vector indexes fetch filtered candidate rows and
// delegate ordering to this helper so that all backends rank identically.
func Rank(records []*VectorRecord, embedding []float64, opts *SearchOptions) []*VectorRecord {
	ranked := make([]*VectorRecord, 0, len(records))
	for _, rec := range records {
		rec.Score = CosineSimilarity(embedding, rec.Embedding)
		if opts.MinScore > 0 && rec.Score < opts.MinScore {
			continue
		}
		ranked = append(ranked, rec)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if math.Abs(ranked[i].Score-ranked[j].Score) < scoreEpsilon {
			return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
		}
		return ranked[i].Score > ranked[j].Score
	})

	if opts.Limit > 0 && len(ranked) > opts.Limit {
		ranked = ranked[:opts.Limit]
	}
	return ranked
}
