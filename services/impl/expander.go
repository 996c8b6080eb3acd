package impl

import (
	"context"
	"fmt"
	"strings"

	"github.com/tomehub/tomehub/services"
)

// llmQueryExpander asks the lite model for semantic variations of a query.
// Variations feed extra semantic passes with a reduced fetch budget.
type llmQueryExpander struct {
	llm       services.LLMProvider
	liteModel string
	cache     services.CacheService
}

func NewQueryExpander(llm services.LLMProvider, liteModel string, cache services.CacheService) services.QueryExpander {
	return &llmQueryExpander{llm: llm, liteModel: liteModel, cache: cache}
}

const expanderPrompt = `Aşağıdaki arama sorgusu için anlamca eşdeğer %d farklı Türkçe arama sorgusu üret.
Her satıra bir sorgu yaz, numara veya açıklama ekleme.

SORGU: %s
`

func (e *llmQueryExpander) ExpandQuery(ctx context.Context, query string, maxVariations int) ([]string, error) {
	if maxVariations <= 0 || e.llm == nil {
		return nil, nil
	}
	if maxVariations > 3 {
		maxVariations = 3
	}

	cacheKey := GenerateCacheKey("query_expand", query, "", "", maxVariations, e.liteModel)
	if e.cache != nil {
		var cached []string
		if hit, _ := e.cache.Get(ctx, cacheKey, &cached); hit {
			return cached, nil
		}
	}

	prompt := fmt.Sprintf(expanderPrompt, maxVariations, query)
	result, err := e.llm.GenerateText(ctx, e.liteModel, prompt, services.GenerateOptions{TimeoutSeconds: 6})
	if err != nil {
		return nil, err
	}

	variations := make([]string, 0, maxVariations)
	for _, line := range strings.Split(result.Text, "\n") {
		v := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if v == "" || strings.EqualFold(v, query) {
			continue
		}
		variations = append(variations, v)
		if len(variations) >= maxVariations {
			break
		}
	}

	if e.cache != nil && len(variations) > 0 {
		_ = e.cache.Set(ctx, cacheKey, variations, 1800)
	}
	return variations, nil
}
