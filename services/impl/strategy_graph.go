package impl

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// GraphRetrievalError forces the assembler's degradation path; the graph side
// channel fails loud instead of silently returning nothing.
type GraphRetrievalError struct {
	Err error
}

func (e *GraphRetrievalError) Error() string { return "graph traversal failed: " + e.Err.Error() }
func (e *GraphRetrievalError) Unwrap() error { return e.Err }

// relTypeWeights maps relation-type fragments to score modifiers. Matching is
// by substring so "IS_A_TYPE" still resolves to "IS_A".
var relTypeWeights = []struct {
	key    string
	weight float64
}{
	{"DIRECT_CITATION", 1.0},
	{"QUOTES", 1.0},
	{"IS_A", 0.9},
	{"DEFINES", 0.9},
	{"PART_OF", 0.9},
	{"SEMANTIC_SIMILARITY", 0.7},
	{"SYNONYM", 0.7},
	{"RELATED_TO", 0.6},
	{"ASSOCIATED_WITH", 0.6},
	{"CO_OCCURRENCE", 0.4},
}

// GraphCandidate is a graph-sourced hit before standardisation.
type GraphCandidate struct {
	Content    string  `json:"content"`
	Page       int     `json:"page"`
	Title      string  `json:"title"`
	SourceType string  `json:"type"`
	GraphScore float64 `json:"graph_score"`
	Reason     string  `json:"reason"`
}

// GraphTraverseStrategy maps a query onto seed concepts and runs a 1-hop
// traversal: seed -> relation -> neighbor -> chunks. Results are cached.
type GraphTraverseStrategy struct {
	store     services.Store
	embedder  services.Embedder
	extractor services.ConceptExtractor
	cache     services.CacheService
	cfg       *config.GraphConfig
	outputDim int
}

func NewGraphTraverseStrategy(store services.Store, embedder services.Embedder, extractor services.ConceptExtractor, cache services.CacheService, cfg *config.GraphConfig, outputDim int) *GraphTraverseStrategy {
	return &GraphTraverseStrategy{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		cache:     cache,
		cfg:       cfg,
		outputDim: outputDim,
	}
}

func (s *GraphTraverseStrategy) Name() string { return "GraphTraverseStrategy" }

func typeModifierFor(relType string) float64 {
	upper := strings.ToUpper(relType)
	for _, entry := range relTypeWeights {
		if strings.Contains(upper, entry.key) {
			return entry.weight
		}
	}
	return 0.5
}

// GetGraphCandidates runs the traversal and returns scored candidates.
func (s *GraphTraverseStrategy) GetGraphCandidates(ctx context.Context, query, userID string, limit, offset int) ([]GraphCandidate, error) {
	cacheKey := GenerateCacheKey("graph_candidates", query, userID, "", limit, "")
	if s.cache != nil {
		var cached []GraphCandidate
		if hit, _ := s.cache.Get(ctx, cacheKey, &cached); hit {
			return cached, nil
		}
	}

	conceptIDs, err := s.resolveSeedConcepts(ctx, query)
	if err != nil {
		return nil, &GraphRetrievalError{Err: err}
	}
	if len(conceptIDs) == 0 {
		log.Printf("GraphTraverseStrategy: no concepts found for query")
		return nil, nil
	}

	rows, err := s.store.GraphNeighbors(ctx, userID, conceptIDs, s.cfg.ConceptStrengthMin, limit, offset)
	if err != nil {
		return nil, &GraphRetrievalError{Err: err}
	}

	candidates := make([]GraphCandidate, 0, len(rows))
	for _, r := range rows {
		linkWeight := r.Weight
		if linkWeight == 0 {
			linkWeight = 1.0
		}
		finalScore := linkWeight * typeModifierFor(r.RelType)
		// "Confident but wrong" guard.
		if finalScore < 0.5 {
			continue
		}
		reason := fmt.Sprintf("Linked via %s (%s, w=%.2f)", r.RelatedConcept, r.RelType, finalScore)
		if r.Strength > 0 {
			reason = fmt.Sprintf("Linked via %s (%s, w=%.2f, s=%.2f)", r.RelatedConcept, r.RelType, finalScore, r.Strength)
		}
		candidates = append(candidates, GraphCandidate{
			Content:    r.Text,
			Page:       r.PageNumber,
			Title:      r.Title,
			SourceType: r.SourceType,
			GraphScore: finalScore,
			Reason:     reason,
		})
	}

	if s.cache != nil && len(candidates) > 0 {
		_ = s.cache.Set(ctx, cacheKey, candidates, 3600)
	}
	return candidates, nil
}

// resolveSeedConcepts maps the query onto entry concepts: name substring match
// first, then LLM-assisted extraction, then description-vector NN.
func (s *GraphTraverseStrategy) resolveSeedConcepts(ctx context.Context, query string) ([]int64, error) {
	conceptIDs, err := s.store.ConceptsByText(ctx, query)
	if err != nil {
		return nil, err
	}

	if len(conceptIDs) == 0 && s.extractor != nil {
		names, xerr := s.extractor.ExtractConcepts(ctx, query)
		if xerr == nil && len(names) > 0 {
			ids, berr := s.store.ConceptsByNames(ctx, names)
			if berr == nil {
				conceptIDs = append(conceptIDs, ids...)
			}
		}
	}

	if len(conceptIDs) == 0 && s.embedder != nil {
		vectors, eerr := s.embedder.Embed(ctx, []string{query}, "RETRIEVAL_QUERY", s.outputDim)
		if eerr == nil && len(vectors) > 0 {
			ids, verr := s.store.ConceptsByVector(ctx, vectors[0], 5)
			if verr == nil {
				conceptIDs = append(conceptIDs, ids...)
			}
		}
	}

	seen := make(map[int64]bool, len(conceptIDs))
	out := conceptIDs[:0]
	for _, id := range conceptIDs {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *GraphTraverseStrategy) Search(ctx context.Context, query, userID string, limit, offset int, intent models.Intent, filters models.SearchFilters) ([]*models.ChunkHit, error) {
	candidates, err := s.GetGraphCandidates(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	hits := make([]*models.ChunkHit, 0, len(candidates))
	for _, c := range candidates {
		hit := &models.ChunkHit{
			Title:      c.Title,
			Text:       c.Content,
			PageNumber: c.Page,
			SourceType: "GRAPH_RELATION",
			Score:      c.GraphScore,
			MatchType:  "graph",
		}
		hit.Ann().GraphScore = c.GraphScore
		hits = append(hits, hit)
	}
	return hits, nil
}
