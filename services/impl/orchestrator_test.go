package impl

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomehub/tomehub/models"
)

func TestOrchestratorExactBoundarySemantics(t *testing.T) {
	store := testCorpus()
	orch := newTestOrchestrator(store, nil, nil)

	t.Run("deaccented exact match", func(t *testing.T) {
		resp, err := orch.Search(context.Background(), models.SearchRequest{
			Query: "kufur", Intent: models.IntentDirect, Limit: 10,
		}, "u1")
		require.NoError(t, err)
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, "c2", resp.Results[0].ID)
		assert.Equal(t, 100.0, resp.Results[0].Score)
	})

	t.Run("inner-word match falls through to semantic safety net", func(t *testing.T) {
		// Corpus with only "medeniyet": lexical passes must reject "niyet".
		store := newFakeStore()
		store.chunks = append(store.chunks, &models.ChunkHit{
			ID: "m1", BookID: "b3", Title: "Medeniyet Tarihi",
			SourceType: "BOOK_CHUNK", PageNumber: 1,
			Text: "Medeniyet kavramının tarihsel gelişimi uzun bir süreçtir ve toplumların ortak mirasını anlatır.",
		})
		store.chunks[0].NormalizedText = NormalizeMatchText(store.chunks[0].Text)

		orch := newTestOrchestrator(store, nil, nil)
		resp, err := orch.Search(context.Background(), models.SearchRequest{
			Query: "niyet", Intent: models.IntentDirect, Limit: 10,
		}, "u1")
		require.NoError(t, err)

		// Lexical buckets rejected the inner-substring candidate; the safety
		// net ran semantic instead.
		require.NotEmpty(t, resp.Results)
		assert.Equal(t, "semantic", resp.Results[0].MatchType)
		reason, _ := resp.Metadata["router_reason"].(string)
		assert.Contains(t, reason, "semantic_fallback_no_lexical_hits")
		buckets, _ := resp.Metadata["selected_buckets"].([]string)
		assert.Contains(t, buckets, "semantic")
	})
}

func TestOrchestratorVisibilityInvariant(t *testing.T) {
	store := testCorpus()
	store.visibility["c1"] = models.VisibilityExcludedByDefault
	store.visibility["c2"] = models.VisibilityNeverRetrieve
	orch := newTestOrchestrator(store, nil, nil)

	t.Run("default scope hides excluded and never-retrieve", func(t *testing.T) {
		resp, err := orch.Search(context.Background(), models.SearchRequest{
			Query: "vicdan", Limit: 20, VisibilityScope: "default",
		}, "u1")
		require.NoError(t, err)
		for _, hit := range resp.Results {
			assert.NotEqual(t, "c1", hit.ID)
			assert.NotEqual(t, "c2", hit.ID)
		}
	})

	t.Run("all scope admits excluded but never never-retrieve", func(t *testing.T) {
		resp, err := orch.Search(context.Background(), models.SearchRequest{
			Query: "vicdan", Limit: 20, VisibilityScope: "all",
		}, "u1")
		require.NoError(t, err)
		ids := make(map[string]bool)
		for _, hit := range resp.Results {
			ids[hit.ID] = true
			assert.NotEqual(t, "c2", hit.ID)
		}
		assert.True(t, ids["c1"])
	})
}

func TestOrchestratorConcatOrdering(t *testing.T) {
	store := testCorpus()
	orch := newTestOrchestrator(store, nil, nil)

	resp, err := orch.Search(context.Background(), models.SearchRequest{
		Query: "vicdan", Limit: 20,
	}, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	// Within a bucket label, priority ascends and score descends on ties.
	bucketOf := func(mt string) string {
		if strings.Contains(mt, "semantic") {
			return "semantic"
		}
		if strings.Contains(mt, "lemma") || strings.Contains(mt, "fuzzy") {
			return "lemma"
		}
		return "exact"
	}
	for i := 0; i+1 < len(resp.Results); i++ {
		a, b := resp.Results[i], resp.Results[i+1]
		if bucketOf(a.MatchType) != bucketOf(b.MatchType) {
			continue
		}
		pa, pb := sourcePriority(a), sourcePriority(b)
		if bucketOf(a.MatchType) == "semantic" {
			continue // semantic keeps its own score order
		}
		assert.LessOrEqual(t, pa, pb)
		if pa == pb {
			assert.GreaterOrEqual(t, a.Score, b.Score)
		}
	}

	// No duplicates after fusion.
	seen := make(map[string]bool)
	for _, hit := range resp.Results {
		key := itemKey(hit)
		assert.False(t, seen[key], "duplicate hit %s", key)
		seen[key] = true
	}
}

func TestOrchestratorPaginationBoundary(t *testing.T) {
	store := testCorpus()
	orch := newTestOrchestrator(store, nil, nil)

	resp, err := orch.Search(context.Background(), models.SearchRequest{
		Query: "vicdan", Limit: 1, Offset: 0,
	}, "u1")
	require.NoError(t, err)

	assert.LessOrEqual(t, len(resp.Results), 1)
	// total_count still reports the full fused size.
	assert.GreaterOrEqual(t, resp.TotalCount, len(resp.Results))
	total, ok := resp.Metadata["total_count"].(int)
	require.True(t, ok)
	assert.Equal(t, resp.TotalCount, total)
}

func TestOrchestratorRouterDisabled(t *testing.T) {
	store := testCorpus()
	cfg := testSearchConfig()
	cfg.ModeRoutingEnabled = false
	orch := newTestOrchestrator(store, nil, cfg)

	resp, err := orch.Search(context.Background(), models.SearchRequest{
		Query: "vicdan nedir", Intent: models.IntentDirect, Limit: 10,
	}, "u1")
	require.NoError(t, err)

	buckets, ok := resp.Metadata["selected_buckets"].([]string)
	require.True(t, ok)
	assert.Equal(t, []string{"exact", "lemma", "semantic"}, buckets)
	assert.Equal(t, "mode_routing_disabled", resp.Metadata["router_reason"])
}

func TestOrchestratorMixPolicy(t *testing.T) {
	store := testCorpus()
	orch := newTestOrchestrator(store, nil, nil)

	resp, err := orch.Search(context.Background(), models.SearchRequest{
		Query:           "vicdan",
		Limit:           20,
		ResultMixPolicy: "lexical_then_semantic_tail",
	}, "u1")
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	// Lexical hits strictly precede the semantic tail.
	seenSemantic := false
	for _, hit := range resp.Results {
		isSemantic := strings.Contains(strings.ToLower(hit.MatchType), "semantic")
		if isSemantic {
			seenSemantic = true
		} else {
			assert.False(t, seenSemantic, "lexical hit after semantic tail started")
		}
	}

	assert.Equal(t, "lexical_then_semantic_tail", resp.Metadata["result_mix_policy"])
	// Single-token query engages the dynamic cap policy.
	assert.Equal(t, "dynamic_single_token", resp.Metadata["semantic_tail_policy"])
}

func TestOrchestratorCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCacheServiceWithRedis(client)

	store := testCorpus()
	orch := newTestOrchestrator(store, cache, nil)

	req := models.SearchRequest{Query: "vicdan", Limit: 10}

	first, err := orch.Search(context.Background(), req, "u1")
	require.NoError(t, err)
	assert.Equal(t, false, first.Metadata["cached"])

	second, err := orch.Search(context.Background(), req, "u1")
	require.NoError(t, err)
	assert.Equal(t, true, second.Metadata["cached"])

	// Round-trip idempotence: the cached payload mirrors the first response.
	require.Equal(t, len(first.Results), len(second.Results))
	for i := range first.Results {
		assert.Equal(t, first.Results[i].ID, second.Results[i].ID)
		assert.Equal(t, first.Results[i].Score, second.Results[i].Score)
	}
	assert.Equal(t, first.TotalCount, second.TotalCount)
}

func TestOrchestratorAnalyticsLogWritten(t *testing.T) {
	store := testCorpus()
	orch := newTestOrchestrator(store, nil, nil)

	_, err := orch.Search(context.Background(), models.SearchRequest{
		Query: "vicdan", Limit: 10, SessionID: "sess-1",
	}, "u1")
	require.NoError(t, err)

	require.Len(t, store.logs, 1)
	entry := store.logs[0]
	assert.Equal(t, "u1", entry.UserID)
	assert.Equal(t, "vicdan", entry.Query)
	assert.Equal(t, "sess-1", entry.SessionID)
	assert.NotEmpty(t, entry.StrategyDetails)
	assert.Contains(t, string(entry.StrategyDetails), "router_reason")
}

func TestDynamicSingleTokenSemanticCap(t *testing.T) {
	assert.Equal(t, 5, dynamicSingleTokenSemanticCap(0))
	assert.Equal(t, 5, dynamicSingleTokenSemanticCap(9))
	assert.Equal(t, 4, dynamicSingleTokenSemanticCap(10))
	assert.Equal(t, 3, dynamicSingleTokenSemanticCap(20))
	assert.Equal(t, 2, dynamicSingleTokenSemanticCap(31))
}

func TestPassesSemanticNoiseGuard(t *testing.T) {
	longText := strings.Repeat("anlamlı içerik ", 20)

	t.Run("normal chunk passes", func(t *testing.T) {
		assert.True(t, passesSemanticNoiseGuard(&models.ChunkHit{
			Title: "Kitap", Text: longText, SourceType: "HIGHLIGHT",
		}))
	})

	t.Run("short content rejected", func(t *testing.T) {
		assert.False(t, passesSemanticNoiseGuard(&models.ChunkHit{
			Title: "Kitap", Text: "kısa", SourceType: "HIGHLIGHT",
		}))
	})

	t.Run("placeholder content rejected", func(t *testing.T) {
		assert.False(t, passesSemanticNoiseGuard(&models.ChunkHit{
			Title: "Kitap", Text: "website deneme " + longText, SourceType: "WEBSITE",
		}))
	})

	t.Run("deneme title with short content rejected", func(t *testing.T) {
		assert.False(t, passesSemanticNoiseGuard(&models.ChunkHit{
			Title: "deneme kitabı", Text: strings.Repeat("a", 100), SourceType: "HIGHLIGHT",
		}))
	})

	t.Run("unknown source type rejected", func(t *testing.T) {
		assert.False(t, passesSemanticNoiseGuard(&models.ChunkHit{
			Title: "Kitap", Text: longText, SourceType: "SOMETHING_ELSE",
		}))
	})
}
