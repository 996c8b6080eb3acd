package impl

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomehub/tomehub/models"
)

func newTestAnswerEngine(store *fakeStore, answerText string) (*AnswerEngineImpl, *fakeLLMProvider) {
	cfg := testConfig()
	orch := newTestOrchestrator(store, nil, &cfg.Search)
	llm := NewLLMClient(&cfg.LLM)
	gemini := &fakeLLMProvider{name: ProviderGemini, response: answerText}
	llm.gemini = gemini
	llm.qwen = &fakeLLMProvider{name: ProviderQwen, response: answerText}
	assembler := NewContextAssembler(store, orch, nil, nil, NewPassageClassifier(), llm, nil, cfg)
	engine := NewAnswerEngine(store, assembler, llm, cfg)
	return engine, gemini
}

func richAnswer() string {
	body := strings.Repeat("Bu konuda bağlam oldukça zengindir ve notlar arasında güçlü ilişkiler vardır. ", 5)
	return "## Doğrudan Tanımlar\n\"Vicdan, insanın içindeki ahlaki pusuladır.\" [Kaynak: Ahlak Felsefesi]\n\n" +
		"## Bağlamsal Analiz\n" + body + "\n\n## Sonuç\nKısa ve dengeli bir özet."
}

func TestAnalyticShortCircuit(t *testing.T) {
	store := testCorpus()
	engine, gemini := newTestAnswerEngine(store, richAnswer())

	t.Run("counts lemma occurrences without calling the LLM", func(t *testing.T) {
		resp, err := engine.GenerateAnswer(context.Background(), models.AnswerRequest{
			Question:      "vicdan kelimesi kaç kez geçiyor",
			ContextBookID: "b1",
		}, "u1")
		require.NoError(t, err)

		assert.Equal(t, "analytic", resp.Metadata["status"])
		assert.Contains(t, resp.Answer, "2 kez geçiyor")
		assert.Equal(t, 0, gemini.calls)

		analytics, ok := resp.Metadata["analytics"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "word_count", analytics["type"])
		assert.Equal(t, 2, analytics["count"])
	})

	t.Run("requires a book context", func(t *testing.T) {
		resp, err := engine.GenerateAnswer(context.Background(), models.AnswerRequest{
			Question: "vicdan kelimesi kaç kez geçiyor",
		}, "u1")
		require.NoError(t, err)
		assert.Equal(t, "analytic", resp.Metadata["status"])
		analytics := resp.Metadata["analytics"].(map[string]any)
		assert.Equal(t, "book_id_required", analytics["error"])
	})
}

func TestGenerateAnswerQuoteFlow(t *testing.T) {
	store := testCorpus()
	engine, _ := newTestAnswerEngine(store, richAnswer())

	resp, err := engine.GenerateAnswer(context.Background(), models.AnswerRequest{
		Question: "vicdan nedir",
	}, "u1")
	require.NoError(t, err)

	assert.Contains(t, resp.Answer, "## Doğrudan Tanımlar")
	assert.Contains(t, resp.Answer, "## Bağlamsal Analiz")
	assert.NotEmpty(t, resp.Sources)

	// The metadata envelope carries the stable keys.
	for _, key := range []string{
		"retrieval_fusion_mode", "retrieval_path", "router_mode",
		"selected_buckets", "executed_strategies",
		"latency_budget_applied", "graph_timeout_triggered", "noise_guard_applied",
		"compare_applied", "target_books_used", "unauthorized_target_book_ids",
		"per_book_evidence_count", "evidence_policy", "quote_target_count",
		"llm_generation_timeout_applied", "secondary_fallback_applied",
		"fallback_reason", "model_name", "model_tier",
	} {
		assert.Contains(t, resp.Metadata, key, "missing metadata key %s", key)
	}

	// Sources mirror used chunks in post-fusion order with snippets.
	for i, src := range resp.Sources {
		assert.Equal(t, i+1, src.ID)
		assert.NotEmpty(t, src.Title)
		assert.LessOrEqual(t, len(src.Snippet), 400)
	}
}

func TestGenerateAnswerNoContext(t *testing.T) {
	store := newFakeStore()
	engine, _ := newTestAnswerEngine(store, richAnswer())

	resp, err := engine.GenerateAnswer(context.Background(), models.AnswerRequest{
		Question: "tamamen eşleşmeyen bir soru",
	}, "u1")
	require.NoError(t, err)
	assert.Equal(t, "failed", resp.Metadata["status"])
	assert.Contains(t, resp.Answer, "İlgili içerik bulunamadı")
}

func TestComputeQuoteTargetCount(t *testing.T) {
	store := testCorpus()
	engine, _ := newTestAnswerEngine(store, richAnswer())

	t.Run("confidence 4.3 yields four quotes", func(t *testing.T) {
		assert.Equal(t, 4, engine.computeQuoteTargetCount(4.3, 10))
	})

	t.Run("top band yields max", func(t *testing.T) {
		assert.Equal(t, 5, engine.computeQuoteTargetCount(4.8, 10))
	})

	t.Run("low confidence yields min", func(t *testing.T) {
		assert.Equal(t, 2, engine.computeQuoteTargetCount(2.0, 10))
	})

	t.Run("bounded by evidence", func(t *testing.T) {
		assert.Equal(t, 3, engine.computeQuoteTargetCount(4.8, 3))
	})
}

func TestAnswerLooksUnderfilled(t *testing.T) {
	store := testCorpus()
	engine, _ := newTestAnswerEngine(store, richAnswer())

	t.Run("short answer is underfilled", func(t *testing.T) {
		assert.True(t, engine.answerLooksUnderfilled("kısa cevap", models.AnswerModeQuote))
	})

	t.Run("rich answer passes", func(t *testing.T) {
		assert.False(t, engine.answerLooksUnderfilled(richAnswer(), models.AnswerModeQuote))
	})

	t.Run("quote answer missing headings is underfilled", func(t *testing.T) {
		long := strings.Repeat("uzun bir paragraf metni burada. ", 30) + "\n\n" + strings.Repeat("ikinci paragraf. ", 30)
		assert.True(t, engine.answerLooksUnderfilled(long, models.AnswerModeQuote))
	})
}

func TestExtractTargetTerm(t *testing.T) {
	assert.Equal(t, "vicdan", extractTargetTerm(`"vicdan" kelimesi kaç kez geçiyor`))
	assert.Equal(t, "vicdan", extractTargetTerm("vicdan kelimesi kaç kez geçiyor"))
}

func TestIsAnalyticWordCount(t *testing.T) {
	assert.True(t, isAnalyticWordCount("vicdan kelimesi kaç kez geçiyor"))
	assert.True(t, isAnalyticWordCount("bu kelime kaç defa geçiyor"))
	assert.False(t, isAnalyticWordCount("vicdan nedir"))
}
