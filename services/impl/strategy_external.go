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

// ExternalKBStrategy turns pre-populated external knowledge-base edges into
// synthetic candidate chunks. Read-only; the edges are written by sync jobs.
type ExternalKBStrategy struct {
	store services.Store
	cfg   *config.ExternalKBConfig
}

func NewExternalKBStrategy(store services.Store, cfg *config.ExternalKBConfig) *ExternalKBStrategy {
	return &ExternalKBStrategy{store: store, cfg: cfg}
}

func (s *ExternalKBStrategy) Name() string { return "ExternalKBStrategy" }

func (s *ExternalKBStrategy) providerGraphWeight(provider string) float64 {
	switch strings.ToUpper(provider) {
	case "WIKIDATA":
		return s.cfg.WikidataWeight
	case "OPENALEX":
		return s.cfg.OpenAlexWeight
	case "DBPEDIA":
		return s.cfg.DBpediaWeight
	case "ORKG":
		return s.cfg.ORKGWeight
	default:
		return 0.10
	}
}

// GetCandidates fetches edges for one item and scores them against the question.
func (s *ExternalKBStrategy) GetCandidates(ctx context.Context, userID, itemID, question string, limit int, minConfidence float64) ([]*models.ChunkHit, error) {
	if !s.cfg.Enabled || itemID == "" || userID == "" {
		return nil, nil
	}
	hardLimit := limit
	if hardLimit < 1 {
		hardLimit = 5
	}
	if hardLimit > 10 {
		hardLimit = 10
	}
	floor := minConfidence
	if floor <= 0 {
		floor = s.cfg.MinConfidence
	}

	qtokens := make(map[string]bool)
	for _, tok := range Tokenize(DeaccentText(question)) {
		if len(tok) >= 3 {
			qtokens[tok] = true
		}
	}

	edges, err := s.store.ExternalEdges(ctx, userID, itemID, hardLimit*8)
	if err != nil {
		log.Printf("external_kb candidate read failed for item %s: %v", itemID, err)
		return nil, nil
	}

	out := make([]*models.ChunkHit, 0, hardLimit)
	for _, edge := range edges {
		providerName := strings.ToUpper(edge.Provider)
		if providerName == "" {
			providerName = "EXTERNAL"
		}
		src := strings.TrimSpace(edge.SrcLabel)
		dst := strings.TrimSpace(edge.DstLabel)
		haystack := strings.ToLower(src + " " + dst)
		match := 0
		for tok := range qtokens {
			if strings.Contains(haystack, tok) {
				match++
			}
		}
		overlapBonus := 0.08 * float64(match)
		if overlapBonus > 0.35 {
			overlapBonus = 0.35
		}
		score := edge.Weight + overlapBonus
		// Secondary providers stay supportive, not dominant.
		if providerName == "DBPEDIA" || providerName == "ORKG" {
			score *= 0.92
		}
		if score < floor {
			continue
		}
		providerWeight := s.providerGraphWeight(providerName)
		if providerWeight < 0.03 {
			providerWeight = 0.03
		}
		if providerWeight > 0.30 {
			providerWeight = 0.30
		}
		relType := edge.RelType
		if relType == "" {
			relType = "RELATED_TO"
		}
		humanRel := strings.ToLower(strings.ReplaceAll(relType, "_", " "))
		hit := &models.ChunkHit{
			Title:      fmt.Sprintf("External KB (%s)", providerName),
			Text:       strings.TrimSpace(src + " " + humanRel + " " + dst),
			SourceType: "EXTERNAL_KB",
			Score:      score,
			MatchType:  "external_kb",
		}
		hit.Ann().ExternalWeight = providerWeight
		out = append(out, hit)
	}

	// Highest-scored edges first, capped at the hard limit.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Score > out[i].Score {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > hardLimit {
		out = out[:hardLimit]
	}
	return out, nil
}

func (s *ExternalKBStrategy) Search(ctx context.Context, query, userID string, limit, offset int, intent models.Intent, filters models.SearchFilters) ([]*models.ChunkHit, error) {
	return s.GetCandidates(ctx, userID, filters.ItemID, query, limit, 0)
}
