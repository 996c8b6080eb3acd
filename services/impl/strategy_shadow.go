package impl

import (
	"context"
	"log"
	"strings"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// OdlShadowRescueStrategy adds candidates from the shadow table written by the
// secondary extractor. It only serves PDF-like scopes and is purely additive.
type OdlShadowRescueStrategy struct {
	store services.Store
	cfg   *config.SearchConfig
}

func NewOdlShadowRescueStrategy(store services.Store, cfg *config.SearchConfig) *OdlShadowRescueStrategy {
	return &OdlShadowRescueStrategy{store: store, cfg: cfg}
}

func (s *OdlShadowRescueStrategy) Name() string { return "OdlShadowRescueStrategy" }

var shadowPDFContentTypes = map[string]bool{"PDF": true, "EPUB": true, "PDF_CHUNK": true}
var shadowResourceTypes = map[string]bool{"BOOK": true, "PDF": true, "PDF_CHUNK": true, "EPUB": true}

func (s *OdlShadowRescueStrategy) Search(ctx context.Context, query, userID string, limit, offset int, intent models.Intent, filters models.SearchFilters) ([]*models.ChunkHit, error) {
	if ct := strings.ToUpper(strings.TrimSpace(filters.ContentType)); ct != "" && !shadowPDFContentTypes[ct] {
		return nil, nil
	}
	if rt := strings.ToUpper(strings.TrimSpace(filters.ResourceType)); rt != "" && !shadowResourceTypes[rt] {
		return nil, nil
	}
	if !s.cfg.OdlRescueEnabled {
		return nil, nil
	}

	queryText := strings.TrimSpace(query)
	if queryText == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 8
	}
	qDeaccented := DeaccentText(queryText)
	lemmas := FilterQueryLemmas(GetLemmas(queryText))
	if len(lemmas) > 6 {
		lemmas = lemmas[:6]
	}

	cl := limit * 24
	if cl < 200 {
		cl = 200
	}
	if cl > 1200 {
		cl = 1200
	}

	rows, err := s.store.ShadowCandidates(ctx, userID, filters, cl)
	if err != nil {
		log.Printf("OdlShadowRescueStrategy failed: %v", err)
		return nil, nil
	}

	out := make([]*models.ChunkHit, 0, limit)
	for _, r := range rows {
		if r.Text == "" {
			continue
		}
		haystack := r.NormalizedText
		if haystack == "" {
			haystack = r.Text
		}

		exactHit := ContainsExactTermBoundary(haystack, qDeaccented)
		lemmaHits := 0
		if len(lemmas) > 0 {
			lemmaHits = CountLemmaStemHits(haystack, lemmas)
		}
		if !exactHit && lemmaHits <= 0 {
			continue
		}

		var score float64
		if exactHit {
			tokenBonus := float64(len(strings.Fields(queryText))) * 2.0
			if tokenBonus > 20.0 {
				tokenBonus = 20.0
			}
			lemmaBonus := float64(lemmaHits) * 2.0
			if lemmaBonus > 10.0 {
				lemmaBonus = 10.0
			}
			score = 65.0 + tokenBonus + lemmaBonus
			r.MatchType = "odl_shadow_exact"
		} else {
			lemmaBonus := float64(lemmaHits) * 5.0
			if lemmaBonus > 35.0 {
				lemmaBonus = 35.0
			}
			score = 40.0 + lemmaBonus
			r.MatchType = "odl_shadow_lemma"
		}

		if r.Title != "" {
			titleHit := ContainsExactTermBoundary(r.Title, qDeaccented)
			if !titleHit {
				for _, lemma := range lemmas {
					if ContainsLemmaStemBoundary(r.Title, lemma) {
						titleHit = true
						break
					}
				}
			}
			if titleHit {
				score += 4.0
			}
		}

		if score > 99.0 {
			score = 99.0
		}
		r.Score = score
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
