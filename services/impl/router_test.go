package impl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomehub/tomehub/models"
)

func TestSemanticRouterRoute(t *testing.T) {
	router := &SemanticRouter{}

	t.Run("direct intent takes fast_exact", func(t *testing.T) {
		decision := router.Route("vicdan tanımı", models.IntentDirect, "balanced")
		assert.Equal(t, "fast_exact", decision.RetrievalMode)
		assert.Equal(t, []string{"exact", "lemma"}, decision.SelectedBuckets)
		assert.Equal(t, "intent=DIRECT", decision.Reason)
	})

	t.Run("citation seeking takes fast_exact", func(t *testing.T) {
		decision := router.Route("uzun bir soru cümlesi burada", models.IntentCitationSeeking, "balanced")
		assert.Equal(t, "fast_exact", decision.RetrievalMode)
	})

	t.Run("direct lookup pattern", func(t *testing.T) {
		decision := router.Route("bu alıntı hangi sayfa içinde geçiyor", models.IntentSynthesis, "balanced")
		assert.Equal(t, "fast_exact", decision.RetrievalMode)
		assert.Contains(t, decision.Reason, "pattern:")
	})

	t.Run("quoted substring pattern", func(t *testing.T) {
		decision := router.Route(`kitapta "tam olarak bu cümle" geçiyor mu diye bakar mısın`, models.IntentSynthesis, "balanced")
		assert.Equal(t, "fast_exact", decision.RetrievalMode)
	})

	t.Run("conceptual hint with multiple tokens", func(t *testing.T) {
		decision := router.Route("vicdan nedir", models.IntentSynthesis, "balanced")
		assert.Equal(t, "semantic_focus", decision.RetrievalMode)
		assert.Equal(t, []string{"lemma", "semantic", "exact"}, decision.SelectedBuckets)
		assert.Equal(t, "conceptual_hint", decision.Reason)
	})

	t.Run("conceptual hint survives punctuation", func(t *testing.T) {
		decision := router.Route("adalet kavramı nedir?", models.IntentSynthesis, "balanced")
		assert.Equal(t, "semantic_focus", decision.RetrievalMode)
	})

	t.Run("short query stays balanced", func(t *testing.T) {
		decision := router.Route("kitap", models.IntentSynthesis, "balanced")
		assert.Equal(t, "balanced", decision.RetrievalMode)
		assert.Equal(t, "short_query", decision.Reason)
	})

	t.Run("default falls back to configured mode", func(t *testing.T) {
		decision := router.Route("uzun ve alakasız bir cümle yazıyorum buraya şimdi", models.IntentSynthesis, "balanced")
		assert.Equal(t, "balanced", decision.RetrievalMode)
	})
}

func TestBucketsForMode(t *testing.T) {
	assert.Equal(t, []string{"exact", "lemma"}, BucketsForMode("fast_exact"))
	assert.Equal(t, []string{"lemma", "semantic", "exact"}, BucketsForMode("semantic_focus"))
	assert.Equal(t, []string{"exact", "lemma", "semantic"}, BucketsForMode("balanced"))
	assert.Equal(t, []string{"exact", "lemma", "semantic"}, BucketsForMode("unknown"))
}

func TestToStrategyFlags(t *testing.T) {
	flags := ToStrategyFlags([]string{"exact", "semantic"})
	assert.True(t, flags.RunExact)
	assert.False(t, flags.RunLemma)
	assert.True(t, flags.RunSemantic)
}

func TestComputeRRF(t *testing.T) {
	t.Run("three rankings get lexical-first default weights", func(t *testing.T) {
		rankings := [][]string{{"a", "b"}, {"b", "c"}, {"c", "a"}}
		scores := ComputeRRF(rankings, 60, nil)
		// a: 0.5/61 + 0.25/62 ; b: 0.5/62 + 0.25/61 ; a should outrank b.
		assert.Greater(t, scores["a"], scores["b"])
	})

	t.Run("explicit weights honoured", func(t *testing.T) {
		rankings := [][]string{{"a"}, {"b"}}
		scores := ComputeRRF(rankings, 60, []float64{0.9, 0.1})
		assert.Greater(t, scores["a"], scores["b"])
	})

	t.Run("rrf formula", func(t *testing.T) {
		scores := ComputeRRF([][]string{{"x"}}, 60, []float64{1.0})
		assert.InDelta(t, 1.0/61.0, scores["x"], 1e-9)
	})
}
