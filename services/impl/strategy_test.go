package impl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomehub/tomehub/models"
)

func TestExactMatchStrategy(t *testing.T) {
	store := testCorpus()
	strategy := NewExactMatchStrategy(store, testSearchConfig())

	t.Run("deaccented hit scores 100", func(t *testing.T) {
		hits, err := strategy.Search(context.Background(), "kufur", "u1", 10, 0, models.IntentDirect, models.SearchFilters{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "c2", hits[0].ID)
		assert.Equal(t, 100.0, hits[0].Score)
	})

	t.Run("inner-word candidates are rejected", func(t *testing.T) {
		hits, err := strategy.Search(context.Background(), "niyet", "u1", 10, 0, models.IntentDirect, models.SearchFilters{})
		require.NoError(t, err)
		// Only c2 carries "niyet" on a boundary; c3's "medeniyet" must not leak.
		for _, h := range hits {
			assert.NotEqual(t, "c3", h.ID)
		}
		require.Len(t, hits, 1)
		assert.Equal(t, "c2", hits[0].ID)
	})
}

func TestLemmaMatchStrategy(t *testing.T) {
	store := testCorpus()
	strategy := NewLemmaMatchStrategy(store)

	t.Run("stem variants score with hit count", func(t *testing.T) {
		hits, err := strategy.Search(context.Background(), "niyet", "u1", 10, 0, models.IntentSynthesis, models.SearchFilters{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "c2", hits[0].ID)
		// c2 holds "niyet" and "niyetli": 70 + 2*5 = 80.
		assert.Equal(t, 80.0, hits[0].Score)
		assert.Equal(t, "lemma_fuzzy", hits[0].MatchType)
	})

	t.Run("score is capped at 95", func(t *testing.T) {
		store := newFakeStore()
		text := ""
		for i := 0; i < 10; i++ {
			text += "vicdan vicdanlı vicdansız "
		}
		store.chunks = append(store.chunks, &models.ChunkHit{
			ID: "x1", BookID: "b1", Title: "Vicdan", SourceType: "HIGHLIGHT",
			Text: text, NormalizedText: NormalizeMatchText(text),
		})
		strategy := NewLemmaMatchStrategy(store)
		hits, err := strategy.Search(context.Background(), "vicdan", "u1", 10, 0, models.IntentSynthesis, models.SearchFilters{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, 95.0, hits[0].Score)
	})

	t.Run("title-only inner substring single hit is rejected", func(t *testing.T) {
		store := newFakeStore()
		store.chunks = append(store.chunks, &models.ChunkHit{
			ID: "t1", BookID: "b1", Title: "Medeniyet", SourceType: "HIGHLIGHT",
			Text:           "niyet kavramı burada bir kez geçiyor",
			NormalizedText: NormalizeMatchText("niyet kavramı burada bir kez geçiyor"),
		})
		strategy := NewLemmaMatchStrategy(store)
		hits, err := strategy.Search(context.Background(), "niyet", "u1", 10, 0, models.IntentSynthesis, models.SearchFilters{})
		require.NoError(t, err)
		// Single lemma, single content hit, and the title match is only an
		// inner substring: rejected.
		assert.Empty(t, hits)
	})
}

func TestSemanticMatchStrategy(t *testing.T) {
	store := testCorpus()
	strategy := NewSemanticMatchStrategy(store, &fakeEmbedder{dim: 8}, 8)

	hits, err := strategy.Search(context.Background(), "vicdan nedir", "u1", 10, 0, models.IntentSynthesis, models.SearchFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	// Scores are (1-dist)*100, sorted descending, tagged semantic.
	for i := 0; i+1 < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i].Score, hits[i+1].Score)
	}
	assert.Equal(t, "semantic", hits[0].MatchType)
	assert.InDelta(t, 90.0, hits[0].Score, 0.01)
}

func TestOdlShadowRescueStrategy(t *testing.T) {
	cfg := testSearchConfig()
	cfg.OdlRescueEnabled = true

	store := testCorpus()
	store.shadow = append(store.shadow, &models.ChunkHit{
		ID: "odl:s1", BookID: "b1", Title: "Gölge Kitap", SourceType: "ODL_SHADOW",
		Text:           "vicdan kavramı gölge çıkarımda da geçiyor, vicdanlı olmak önemlidir",
		NormalizedText: NormalizeMatchText("vicdan kavramı gölge çıkarımda da geçiyor, vicdanlı olmak önemlidir"),
	})
	strategy := NewOdlShadowRescueStrategy(store, cfg)

	t.Run("exact boundary hit scores in the exact band", func(t *testing.T) {
		hits, err := strategy.Search(context.Background(), "vicdan", "u1", 8, 0, models.IntentSynthesis, models.SearchFilters{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "odl_shadow_exact", hits[0].MatchType)
		// 65 + min(20, 1*2) + min(10, 2*2) + 4 title boost... title has no
		// vicdan, so 65 + 2 + 4 = 71.
		assert.Equal(t, 71.0, hits[0].Score)
	})

	t.Run("disabled flag returns nothing", func(t *testing.T) {
		off := testSearchConfig()
		strategy := NewOdlShadowRescueStrategy(store, off)
		hits, err := strategy.Search(context.Background(), "vicdan", "u1", 8, 0, models.IntentSynthesis, models.SearchFilters{})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("non-pdf scope returns nothing", func(t *testing.T) {
		hits, err := strategy.Search(context.Background(), "vicdan", "u1", 8, 0, models.IntentSynthesis, models.SearchFilters{ResourceType: "WEBSITE"})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestExternalKBStrategy(t *testing.T) {
	store := testCorpus()
	store.edges["b1"] = []*models.ExternalEdge{
		{RelType: "INFLUENCED_BY", Weight: 0.6, Provider: "WIKIDATA", SrcLabel: "Ahlak Felsefesi", DstLabel: "Kant"},
		{RelType: "RELATED_TO", Weight: 0.2, Provider: "DBPEDIA", SrcLabel: "Ahlak", DstLabel: "Etik"},
	}
	cfg := testConfig().ExternalKB
	cfg.Enabled = true
	strategy := NewExternalKBStrategy(store, &cfg)

	t.Run("edges become synthetic chunks above the floor", func(t *testing.T) {
		hits, err := strategy.GetCandidates(context.Background(), "u1", "b1", "ahlak felsefesi etkileri", 5, 0.45)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "EXTERNAL_KB", hits[0].SourceType)
		assert.Contains(t, hits[0].Text, "influenced by")
		assert.Contains(t, hits[0].Title, "WIKIDATA")
		// The low-weight DBPEDIA edge fell below the confidence floor.
	})

	t.Run("disabled returns nothing", func(t *testing.T) {
		off := testConfig().ExternalKB
		strategy := NewExternalKBStrategy(store, &off)
		hits, err := strategy.GetCandidates(context.Background(), "u1", "b1", "soru", 5, 0.45)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestGraphTypeModifier(t *testing.T) {
	assert.Equal(t, 1.0, typeModifierFor("DIRECT_CITATION"))
	assert.Equal(t, 0.9, typeModifierFor("IS_A_TYPE"))
	assert.Equal(t, 0.9, typeModifierFor("DEFINES"))
	assert.Equal(t, 0.7, typeModifierFor("SYNONYM"))
	assert.Equal(t, 0.6, typeModifierFor("RELATED_TO"))
	assert.Equal(t, 0.4, typeModifierFor("CO_OCCURRENCE"))
	assert.Equal(t, 0.5, typeModifierFor("UNKNOWN_REL"))
}

func TestGraphTraverseStrategy(t *testing.T) {
	store := testCorpus()
	store.conceptHits = []int64{1}
	store.graphRows = []*models.GraphNeighborRow{
		{ChunkID: "c1", Text: "vicdan üzerine bağlantılı metin parçası burada yer alıyor", Title: "Ahlak Felsefesi", RelatedConcept: "ahlak", RelType: "DEFINES", Weight: 0.8, Strength: 0.6},
		{ChunkID: "c3", Text: "zayıf bağlantı", Title: "Medeniyet Tarihi", RelatedConcept: "tarih", RelType: "CO_OCCURRENCE", Weight: 0.9, Strength: 0.4},
	}
	cfg := testConfig()
	strategy := NewGraphTraverseStrategy(store, &fakeEmbedder{dim: 8}, nil, nil, &cfg.Graph, 8)

	candidates, err := strategy.GetGraphCandidates(context.Background(), "vicdan", "u1", 10, 0)
	require.NoError(t, err)

	// DEFINES edge: 0.8*0.9 = 0.72 kept; CO_OCCURRENCE: 0.9*0.4 = 0.36 dropped.
	require.Len(t, candidates, 1)
	assert.InDelta(t, 0.72, candidates[0].GraphScore, 0.001)
	assert.Contains(t, candidates[0].Reason, "DEFINES")
}

func TestSpellCorrector(t *testing.T) {
	store := testCorpus()
	corrector := NewSpellCorrector(store)

	t.Run("near-miss token corrected from vocabulary", func(t *testing.T) {
		corrected, err := corrector.Correct(context.Background(), "u1", "vicdsn")
		require.NoError(t, err)
		assert.Equal(t, "vicdan", corrected)
	})

	t.Run("known token left alone", func(t *testing.T) {
		corrected, err := corrector.Correct(context.Background(), "u1", "vicdan")
		require.NoError(t, err)
		assert.Equal(t, "vicdan", corrected)
	})

	t.Run("short tokens untouched", func(t *testing.T) {
		corrected, err := corrector.Correct(context.Background(), "u1", "ve")
		require.NoError(t, err)
		assert.Equal(t, "ve", corrected)
	})
}
