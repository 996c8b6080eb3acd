package impl

import (
	"context"
	"log"

	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// LemmaMatchStrategy retrieves by lemma overlap and verifies candidates with
// stem-boundary matching, so "niyet" admits "niyetli" but never "medeniyet".
type LemmaMatchStrategy struct {
	store services.Store
}

func NewLemmaMatchStrategy(store services.Store) *LemmaMatchStrategy {
	return &LemmaMatchStrategy{store: store}
}

func (s *LemmaMatchStrategy) Name() string { return "LemmaMatchStrategy" }

func (s *LemmaMatchStrategy) Search(ctx context.Context, query, userID string, limit, offset int, intent models.Intent, filters models.SearchFilters) ([]*models.ChunkHit, error) {
	lemmas := FilterQueryLemmas(GetLemmas(query))
	if len(lemmas) == 0 {
		return nil, nil
	}
	if len(lemmas) > 5 {
		lemmas = lemmas[:5]
	}

	cl := candidateLimit(limit)
	f := filters
	f.ExcludePDF = shouldExcludePDFInFirstPass(filters)

	rows, err := s.store.SearchLemma(ctx, userID, lemmas, f, cl)
	if err != nil {
		log.Printf("LemmaMatchStrategy failed: %v", err)
		return nil, nil
	}

	// Fallback: no hits and no scope constraint, retry with PDF included.
	if len(rows) == 0 && filters.ResourceType == "" && filters.ItemID == "" {
		log.Printf("LemmaMatchStrategy: no results without PDF content, trying with PDF fallback")
		f.ExcludePDF = false
		rows, err = s.store.SearchLemma(ctx, userID, lemmas, f, cl)
		if err != nil {
			log.Printf("LemmaMatchStrategy PDF fallback failed: %v", err)
			return nil, nil
		}
	}

	results := make([]*models.ChunkHit, 0, limit)
	for _, r := range rows {
		haystack := r.NormalizedText
		if haystack == "" {
			haystack = r.Text
		}
		hitCount := CountLemmaStemHits(haystack, lemmas)
		if hitCount <= 0 {
			continue
		}
		// Reject single-token single-hit matches whose only occurrence is an
		// inner substring of the title.
		if len(lemmas) == 1 && hitCount == 1 && ContainsInnerSubstringOnly(r.Title, lemmas[0]) {
			continue
		}
		titleBoost := 0.0
		for _, lemma := range lemmas {
			if ContainsLemmaStemBoundary(r.Title, lemma) {
				titleBoost = 4.0
				break
			}
		}
		score := 70.0 + float64(hitCount)*5.0 + titleBoost
		if score > 95.0 {
			score = 95.0
		}
		r.Score = score
		r.MatchType = "lemma_fuzzy"
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
