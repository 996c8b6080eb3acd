package impl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomehub/tomehub/models"
)

func newTestAssembler(store *fakeStore) (*ContextAssemblerImpl, *SearchOrchestrator) {
	cfg := testConfig()
	orch := newTestOrchestrator(store, nil, &cfg.Search)
	llm := NewLLMClient(&cfg.LLM)
	assembler := NewContextAssembler(store, orch, nil, nil, NewPassageClassifier(), llm, nil, cfg)
	return assembler, orch
}

func TestAssemblerComparePolicy(t *testing.T) {
	store := testCorpus()
	assembler, _ := newTestAssembler(store)

	t.Run("explicit targets run the fan-out", func(t *testing.T) {
		ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
			Question:      "bu görüşü diğer kitaplarla karşılaştır",
			CompareMode:   models.CompareExplicitOnly,
			TargetBookIDs: []string{"b1", "b2"},
		}, "u1")
		require.NoError(t, err)
		require.NotNil(t, ragCtx)

		assert.Equal(t, true, ragCtx.Metadata["compare_applied"])
		assert.Equal(t, "TEXT_PRIMARY_NOTES_SECONDARY_V1", ragCtx.Metadata["evidence_policy"])
		used, _ := ragCtx.Metadata["target_books_used"].([]string)
		assert.Equal(t, []string{"b1", "b2"}, used)

		// Secondaries never exceed a third of primaries (rounded down).
		primaries, secondaries := 0, 0
		lastPrimaryIdx, firstSecondaryIdx := -1, -1
		for i, c := range ragCtx.Chunks {
			if c.Annotation == nil {
				continue
			}
			if c.Annotation.ComparePrimary {
				primaries++
				lastPrimaryIdx = i
			}
			if c.Annotation.CompareSecondary {
				secondaries++
				if firstSecondaryIdx == -1 {
					firstSecondaryIdx = i
				}
			}
		}
		if primaries > 0 {
			assert.LessOrEqual(t, secondaries, primaries/3)
		}
		_ = lastPrimaryIdx
		_ = firstSecondaryIdx
	})

	t.Run("unauthorized targets are dropped silently", func(t *testing.T) {
		ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
			Question:      "iki kitabı karşılaştır",
			CompareMode:   models.CompareExplicitOnly,
			TargetBookIDs: []string{"b1", "b2", "intruder"},
		}, "u1")
		require.NoError(t, err)
		require.NotNil(t, ragCtx)

		unauthorized, _ := ragCtx.Metadata["unauthorized_target_book_ids"].([]string)
		assert.Equal(t, []string{"intruder"}, unauthorized)

		used, _ := ragCtx.Metadata["target_books_used"].([]string)
		authorized := map[string]bool{"b1": true, "b2": true, "b3": true}
		for _, bid := range used {
			assert.True(t, authorized[bid], "unauthorized book %s used", bid)
		}
	})

	t.Run("target cap is enforced", func(t *testing.T) {
		store := testCorpus()
		for i := 0; i < 12; i++ {
			store.books[string(rune('d'+i))+"x"] = true
		}
		assembler, _ := newTestAssembler(store)
		var targets []string
		for bid := range store.books {
			targets = append(targets, bid)
		}
		ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
			Question:      "hepsini karşılaştır",
			CompareMode:   models.CompareExplicitOnly,
			TargetBookIDs: targets,
		}, "u1")
		require.NoError(t, err)
		require.NotNil(t, ragCtx)
		used, _ := ragCtx.Metadata["target_books_used"].([]string)
		assert.LessOrEqual(t, len(used), 8)
		assert.Equal(t, true, ragCtx.Metadata["target_books_truncated"])
	})
}

func TestAssemblerCompareTimeout(t *testing.T) {
	store := testCorpus()
	store.searchDelay = 60 * time.Millisecond
	cfg := testConfig()
	cfg.Compare.TimeoutMs = 5 // clamped to the 50ms floor
	orch := newTestOrchestrator(store, nil, &cfg.Search)
	llm := NewLLMClient(&cfg.LLM)
	assembler := NewContextAssembler(store, orch, nil, nil, NewPassageClassifier(), llm, nil, cfg)

	ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
		Question:      "vicdan görüşünü diğer kitaplarla karşılaştır",
		CompareMode:   models.CompareExplicitOnly,
		TargetBookIDs: []string{"b1", "b2", "b3"},
	}, "u1")
	require.NoError(t, err)
	require.NotNil(t, ragCtx)

	assert.Equal(t, true, ragCtx.Metadata["latency_budget_hit"])
	assert.Equal(t, "timeout_partial_results", ragCtx.Metadata["compare_degrade_reason"])
	// Partial chunks are still returned.
	assert.NotEmpty(t, ragCtx.Chunks)
}

func TestAssemblerAutoResolvedTargets(t *testing.T) {
	store := testCorpus()
	assembler, _ := newTestAssembler(store)

	ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
		Question:  "Ahlak Felsefesi ve Vicdan Üzerine kitaplarındaki vicdan görüşlerini karşılaştır",
		ScopeMode: models.ScopeBookFirst,
	}, "u1")
	require.NoError(t, err)
	require.NotNil(t, ragCtx)

	auto, _ := ragCtx.Metadata["auto_resolved_target_book_ids"].([]string)
	assert.ElementsMatch(t, []string{"b1", "b2"}, auto)

	used, _ := ragCtx.Metadata["target_books_used"].([]string)
	assert.Contains(t, used, "b1")
	assert.Contains(t, used, "b2")
}

func TestAssemblerNotesVsSingleExpansion(t *testing.T) {
	store := testCorpus()
	assembler, _ := newTestAssembler(store)

	ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
		Question:      "bu kitabı notlarımla karşılaştır, highlight farkı var mı",
		ContextBookID: "b1",
	}, "u1")
	require.NoError(t, err)
	require.NotNil(t, ragCtx)

	used, _ := ragCtx.Metadata["target_books_used"].([]string)
	assert.Contains(t, used, "b1")
	assert.Contains(t, used, "__USER_NOTES__")
}

func TestAssemblerIntentAndMode(t *testing.T) {
	store := testCorpus()
	assembler, _ := newTestAssembler(store)

	ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
		Question: "vicdan nedir",
	}, "u1")
	require.NoError(t, err)
	require.NotNil(t, ragCtx)

	assert.Equal(t, models.IntentDirect, ragCtx.Intent)
	assert.Equal(t, models.ComplexityHigh, ragCtx.Complexity)
	// The corpus holds a definitional vicdan chunk, so the gate never falls
	// back to plain synthesis for this question.
	assert.Contains(t, []models.AnswerMode{models.AnswerModeQuote, models.AnswerModeHybrid}, ragCtx.Mode)
	assert.NotEmpty(t, ragCtx.Chunks)
	assert.Contains(t, ragCtx.Keywords, "vicdan")

	assert.GreaterOrEqual(t, ragCtx.Confidence, 0.5)
	assert.LessOrEqual(t, ragCtx.Confidence, 5.0)

	// Graph is skipped for DIRECT intent under the default config.
	assert.Equal(t, true, ragCtx.Metadata["graph_skipped_by_intent"])
}

func TestAssemblerReturnsNilWithoutEvidence(t *testing.T) {
	store := newFakeStore()
	assembler, _ := newTestAssembler(store)

	ragCtx, err := assembler.GetRAGContext(context.Background(), models.AnswerRequest{
		Question: "hiçbir şeyle eşleşmeyen soru",
	}, "u1")
	require.NoError(t, err)
	assert.Nil(t, ragCtx)
}

func TestShouldRewriteWithHistory(t *testing.T) {
	history := []models.ChatTurn{{Role: "user", Content: "vicdan nedir"}}

	assert.True(t, shouldRewriteWithHistory("peki bu ne", history))
	assert.True(t, shouldRewriteWithHistory("bunu açıkla", history))
	assert.False(t, shouldRewriteWithHistory("vicdan kavramının tarihsel gelişimini ve felsefi köklerini detaylı anlat", history))
	assert.False(t, shouldRewriteWithHistory("soru", nil))
}

func TestInferExplorerBookIDs(t *testing.T) {
	hits := []*models.ChunkHit{
		{BookID: "b1"}, {BookID: "b2"}, {BookID: "b1"},
		{BookID: "b3"}, {BookID: "b1"}, {BookID: "b2"},
	}
	ids := inferExplorerBookIDs(hits, 2)
	require.Len(t, ids, 2)
	assert.Equal(t, "b1", ids[0])
	assert.Equal(t, "b2", ids[1])
}
