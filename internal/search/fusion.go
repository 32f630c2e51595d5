// Package search implements the fusion ranker that merges keyword and
// vector candidate lists into a single ranked sequence.
package search

import (
	"sort"
	"time"
)

// Candidate is one scored hit from a single search path. Key and UpdatedAt
// ride along so ties can be broken deterministically after fusion.
type Candidate struct {
	ID        int64
	Key       string
	UpdatedAt time.Time
	Score     float64
}

// Fused is a candidate after weighted merging of both search paths.
type Fused struct {
	ID        int64
	Key       string
	UpdatedAt time.Time

	// VectorScore and KeywordScore are the min-max normalized per-path
	// scores in [0, 1]; a path that did not return the record contributes 0.
	VectorScore  float64
	KeywordScore float64

	// Score is vectorWeight*VectorScore + keywordWeight*KeywordScore.
	Score float64
}

// Fuse merges the two candidate lists. Each list's scores are normalized to
// [0, 1] independently (a singleton or uniform list normalizes to 1.0 for
// every member), then combined with the given weights. Records absent from
// one list contribute 0 for that term. The result is sorted by fused score
// descending, ties broken by UpdatedAt descending then Key ascending, and
// truncated to limit. A negative limit keeps everything.
func Fuse(vectorHits, keywordHits []Candidate, vectorWeight, keywordWeight float64, limit int) []Fused {
	merged := make(map[int64]*Fused, len(vectorHits)+len(keywordHits))

	add := func(c Candidate) *Fused {
		f, ok := merged[c.ID]
		if !ok {
			f = &Fused{ID: c.ID, Key: c.Key, UpdatedAt: c.UpdatedAt}
			merged[c.ID] = f
		}
		return f
	}

	for i, norm := range normalize(vectorHits) {
		add(vectorHits[i]).VectorScore = norm
	}
	for i, norm := range normalize(keywordHits) {
		add(keywordHits[i]).KeywordScore = norm
	}

	results := make([]Fused, 0, len(merged))
	for _, f := range merged {
		f.Score = vectorWeight*f.VectorScore + keywordWeight*f.KeywordScore
		results = append(results, *f)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.Key < b.Key
	})

	if limit >= 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// normalize min-max scales the candidates' scores to [0, 1]. When the list
// is a singleton or all scores are equal there is no range to scale over,
// so every member maps to 1.0 rather than dividing by zero.
func normalize(hits []Candidate) []float64 {
	if len(hits) == 0 {
		return nil
	}

	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}

	norms := make([]float64, len(hits))
	if hi == lo {
		for i := range norms {
			norms[i] = 1.0
		}
		return norms
	}

	for i, h := range hits {
		norms[i] = (h.Score - lo) / (hi - lo)
	}
	return norms
}
