package impl

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// SemanticMatchStrategy embeds the query and retrieves vector neighbours with
// intent-dependent sweeps over short and long chunks.
type SemanticMatchStrategy struct {
	store     services.Store
	embedder  services.Embedder
	outputDim int
}

func NewSemanticMatchStrategy(store services.Store, embedder services.Embedder, outputDim int) *SemanticMatchStrategy {
	return &SemanticMatchStrategy{store: store, embedder: embedder, outputDim: outputDim}
}

func (s *SemanticMatchStrategy) Name() string { return "SemanticMatchStrategy" }

func (s *SemanticMatchStrategy) Search(ctx context.Context, query, userID string, limit, offset int, intent models.Intent, filters models.SearchFilters) ([]*models.ChunkHit, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query}, "RETRIEVAL_QUERY", s.outputDim)
	if err != nil || len(vectors) == 0 {
		if err != nil {
			return nil, fmt.Errorf("semantic embed: %w", err)
		}
		return nil, nil
	}
	vec := vectors[0]

	run := func(customLimit int, lengthFilter string, excludePDF bool) []*models.ChunkHit {
		f := filters
		f.LengthFilter = lengthFilter
		f.ExcludePDF = excludePDF && shouldExcludePDFInFirstPass(filters)
		rows, rerr := s.store.SearchVector(ctx, userID, vec, f, customLimit)
		if rerr != nil {
			log.Printf("SemanticMatchStrategy pass failed: %v", rerr)
			return nil
		}
		return rows
	}

	sweep := func(excludePDF bool) []*models.ChunkHit {
		var rows []*models.ChunkHit
		switch intent {
		case models.IntentDirect, models.IntentFollowUp:
			sweepLimit := limit / 2
			if sweepLimit < 5 {
				sweepLimit = 5
			}
			rows = append(rows, run(sweepLimit, "", excludePDF)...)
			rows = append(rows, run(sweepLimit, "SHORT", excludePDF)...)
		case models.IntentNarrative:
			rows = append(rows, run(15, "", excludePDF)...)
			rows = append(rows, run(10, "LONG", excludePDF)...)
		default:
			rows = append(rows, run(limit, "", excludePDF)...)
		}
		return rows
	}

	rows := sweep(true)
	if len(rows) == 0 && filters.ResourceType == "" && filters.ItemID == "" {
		log.Printf("SemanticMatchStrategy: no results without PDF content, trying with PDF fallback")
		rows = sweep(false)
	}

	seen := make(map[string]bool)
	results := make([]*models.ChunkHit, 0, len(rows))
	for _, r := range rows {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		score := (1.0 - r.Distance) * 100.0
		if score < 0 {
			score = 0
		}
		r.Score = score
		r.MatchType = "semantic"
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
