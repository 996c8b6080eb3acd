package impl

import (
	"context"
	"log"
	"strings"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// ExactMatchStrategy retrieves exact (de-accented) matches with a two-pass
// plan: token-AND full-text first, LIKE substring backfill, then a
// PDF-inclusive retry when the query is unscoped. Every candidate is verified
// against a word-boundary matcher before it is returned.
type ExactMatchStrategy struct {
	store services.Store
	cfg   *config.SearchConfig
}

func NewExactMatchStrategy(store services.Store, cfg *config.SearchConfig) *ExactMatchStrategy {
	return &ExactMatchStrategy{store: store, cfg: cfg}
}

func (s *ExactMatchStrategy) Name() string { return "ExactMatchStrategy" }

func shouldExcludePDFInFirstPass(filters models.SearchFilters) bool {
	if strings.TrimSpace(filters.ItemID) != "" {
		return false
	}
	return strings.TrimSpace(filters.ResourceType) == ""
}

func (s *ExactMatchStrategy) shouldUseFullText(query string) bool {
	tokens := FullTextTokens(query)
	if len(tokens) >= 2 {
		return true
	}
	return len(tokens) == 1 && s.cfg.ExactSingleTokenEnabled
}

func (s *ExactMatchStrategy) minRowsForBackfill() int {
	v := s.cfg.ExactMinRowsForBackfill
	if v < 1 {
		v = 1
	}
	if v > 500 {
		v = 500
	}
	return v
}

func candidateLimit(limit int) int {
	cl := limit * 4
	if cl < limit+40 {
		cl = limit + 40
	}
	if cl > 2500 {
		cl = 2500
	}
	return cl
}

func mergeHitsPreferFirst(primary, secondary []*models.ChunkHit, maxRows int) []*models.ChunkHit {
	out := make([]*models.ChunkHit, 0, maxRows)
	seen := make(map[string]bool)
	for _, h := range primary {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
		if len(out) >= maxRows {
			return out
		}
	}
	for _, h := range secondary {
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		out = append(out, h)
		if len(out) >= maxRows {
			break
		}
	}
	return out
}

func (s *ExactMatchStrategy) Search(ctx context.Context, query, userID string, limit, offset int, intent models.Intent, filters models.SearchFilters) ([]*models.ChunkHit, error) {
	qDeaccented := DeaccentText(query)
	cl := candidateLimit(limit)
	minRows := s.minRowsForBackfill()
	tokens := FullTextTokens(query)
	useFullText := s.cfg.ExactFullTextEnabled && len(tokens) > 0 && s.shouldUseFullText(query)

	run := func(includePDF bool) ([]*models.ChunkHit, string) {
		f := filters
		f.ExcludePDF = !includePDF && shouldExcludePDFInFirstPass(filters)

		matchMode := "exact_deaccented"
		var rows []*models.ChunkHit
		if useFullText {
			tokenRows, err := s.store.SearchExactTokens(ctx, userID, tokens, f, cl)
			if err != nil {
				log.Printf("ExactMatchStrategy full-text pass disabled for this request: %v", err)
			} else {
				rows = tokenRows
				matchMode = "exact_fulltext"
				if len(rows) < minRows {
					likeRows, lerr := s.store.SearchExact(ctx, userID, qDeaccented, f, cl)
					if lerr == nil {
						rows = mergeHitsPreferFirst(rows, likeRows, cl)
						matchMode = "exact_fulltext_backfill"
					}
				}
			}
		}
		if len(rows) == 0 {
			likeRows, err := s.store.SearchExact(ctx, userID, qDeaccented, f, cl)
			if err != nil {
				log.Printf("ExactMatchStrategy failed: %v", err)
				return nil, matchMode
			}
			rows = likeRows
			matchMode = "exact_deaccented"
		}
		return rows, matchMode
	}

	rows, matchMode := run(false)

	// Fallback pass with PDF included, only when the query is not scoped.
	if len(rows) == 0 && filters.ResourceType == "" && filters.ItemID == "" {
		log.Printf("ExactMatchStrategy: no first-pass results, trying PDF-inclusive fallback")
		rows, matchMode = run(true)
	}

	results := make([]*models.ChunkHit, 0, limit)
	for _, r := range rows {
		haystack := r.NormalizedText
		if haystack == "" {
			haystack = r.Text
		}
		if !ContainsExactTermBoundary(haystack, qDeaccented) {
			continue
		}
		r.Score = 100.0
		r.MatchType = matchMode
		results = append(results, r)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}
