package impl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomehub/tomehub/models"
)

func TestClassifyQuestionIntent(t *testing.T) {
	t.Run("direct definition question", func(t *testing.T) {
		intent, complexity := ClassifyQuestionIntent("vicdan nedir")
		assert.Equal(t, models.IntentDirect, intent)
		// "vicdan" is a philosophical keyword, so complexity is HIGH.
		assert.Equal(t, models.ComplexityHigh, complexity)
	})

	t.Run("comparative question", func(t *testing.T) {
		intent, _ := ClassifyQuestionIntent("iki kitap arasındaki benzerliği anlat")
		assert.Equal(t, models.IntentComparative, intent)
	})

	t.Run("synthesis default", func(t *testing.T) {
		intent, complexity := ClassifyQuestionIntent("yazarın genel dünya görüşünü özetle")
		assert.Equal(t, models.IntentSynthesis, intent)
		assert.Equal(t, models.ComplexityLow, complexity)
	})
}

func TestIsDefinitional(t *testing.T) {
	assert.True(t, IsDefinitional("Vicdan, insanın içindeki ahlaki pusuladır.", "vicdan"))
	assert.True(t, IsDefinitional("vicdan nedir sorusuna cevap", "vicdan"))
	assert.False(t, IsDefinitional("dün hava çok güzeldi", "vicdan"))
}

func TestCalculateAnswerabilityScore(t *testing.T) {
	t.Run("keyword plus definitional", func(t *testing.T) {
		hit := &models.ChunkHit{Text: "Vicdan, insanın içindeki ahlaki pusuladır ve önemli bir kavramdır."}
		score, features := CalculateAnswerabilityScore(hit, []string{"vicdan"})
		assert.GreaterOrEqual(t, score, 4.0)
		assert.Contains(t, features, models.FeatureKeywordMatch)
		assert.Contains(t, features, models.FeatureDefinitional)
	})

	t.Run("personal comment counts", func(t *testing.T) {
		hit := &models.ChunkHit{Text: "vicdan üzerine bir metin", Comment: "bence çok önemli bir nokta"}
		score, features := CalculateAnswerabilityScore(hit, []string{"vicdan"})
		assert.Contains(t, features, models.FeaturePersonalComment)
		assert.GreaterOrEqual(t, score, 2.0)
	})

	t.Run("no keyword means no definitional", func(t *testing.T) {
		hit := &models.ChunkHit{Text: "tamamen alakasız bir metin parçası"}
		_, features := CalculateAnswerabilityScore(hit, []string{"vicdan"})
		assert.NotContains(t, features, models.FeatureKeywordMatch)
		assert.NotContains(t, features, models.FeatureDefinitional)
	})
}

func TestClassifyChunkLevels(t *testing.T) {
	classifier := NewPassageClassifier()

	t.Run("keyword plus definitional is level A", func(t *testing.T) {
		hit := &models.ChunkHit{Text: "Vicdan, insanın içindeki ahlaki pusuladır."}
		level := ClassifyChunk([]string{"vicdan"}, hit, classifier)
		assert.Equal(t, "A", level)
		assert.Equal(t, "A", hit.Ann().Level)
	})

	t.Run("keyword only is at least level B", func(t *testing.T) {
		hit := &models.ChunkHit{Text: "burada vicdan kelimesi sadece geçiyor, başka bir şey anlatılıyor"}
		level := ClassifyChunk([]string{"vicdan"}, hit, classifier)
		assert.Contains(t, []string{"A", "B"}, level)
	})

	t.Run("no signal is level C", func(t *testing.T) {
		hit := &models.ChunkHit{Text: "tamamen alakasız uzun bir paragraf burada yer alıyor ve hiçbir özellik taşımıyor, sıradan bir anlatım sürüp gidiyor"}
		level := ClassifyChunk([]string{"vicdan"}, hit, classifier)
		assert.Equal(t, "C", level)
	})
}

func TestDetermineAnswerMode(t *testing.T) {
	withScore := func(score float64, features ...string) *models.ChunkHit {
		h := &models.ChunkHit{Text: "metin"}
		h.Ann().AnswerabilityScore = score
		h.Ann().Features = features
		return h
	}

	t.Run("direct high complexity with evidence goes hybrid", func(t *testing.T) {
		chunks := []*models.ChunkHit{
			withScore(3, models.FeatureKeywordMatch, models.FeatureDefinitional),
		}
		mode := DetermineAnswerMode(chunks, models.IntentDirect, models.ComplexityHigh)
		assert.Equal(t, models.AnswerModeHybrid, mode)
	})

	t.Run("direct with definitional evidence quotes", func(t *testing.T) {
		chunks := []*models.ChunkHit{
			withScore(4, models.FeatureKeywordMatch, models.FeatureDefinitional),
		}
		mode := DetermineAnswerMode(chunks, models.IntentDirect, models.ComplexityLow)
		assert.Equal(t, models.AnswerModeQuote, mode)
	})

	t.Run("comparative with decent evidence quotes", func(t *testing.T) {
		chunks := []*models.ChunkHit{withScore(2, models.FeatureKeywordMatch)}
		mode := DetermineAnswerMode(chunks, models.IntentComparative, models.ComplexityLow)
		assert.Equal(t, models.AnswerModeQuote, mode)
	})

	t.Run("three keyword matches quote regardless of intent", func(t *testing.T) {
		chunks := []*models.ChunkHit{
			withScore(1, models.FeatureKeywordMatch),
			withScore(1, models.FeatureKeywordMatch),
			withScore(1, models.FeatureKeywordMatch),
		}
		mode := DetermineAnswerMode(chunks, models.IntentSynthesis, models.ComplexityLow)
		assert.Equal(t, models.AnswerModeQuote, mode)
	})

	t.Run("no evidence synthesises", func(t *testing.T) {
		chunks := []*models.ChunkHit{withScore(0)}
		mode := DetermineAnswerMode(chunks, models.IntentSynthesis, models.ComplexityLow)
		assert.Equal(t, models.AnswerModeSynthesis, mode)
	})
}

func TestBuildEpistemicContext(t *testing.T) {
	var hits []*models.ChunkHit
	for i := 0; i < 15; i++ {
		h := &models.ChunkHit{Title: "Kitap", Text: "metin parçası"}
		h.Ann().AnswerabilityScore = float64(i)
		h.Ann().Level = "B"
		h.Ann().PassageType = "SITUATIONAL"
		h.Ann().Quotability = "MEDIUM"
		hits = append(hits, h)
	}

	contextStr, used := BuildEpistemicContext(hits, models.AnswerModeQuote)

	// Capped at 12 blocks, sorted by score descending.
	require.Len(t, used, 12)
	assert.Equal(t, float64(14), used[0].Ann().AnswerabilityScore)
	assert.Contains(t, contextStr, "[ID: 1 |")
	assert.Contains(t, contextStr, "Level: B")
	assert.Contains(t, contextStr, "★★ BAĞLAMDA KULLAN")
}

func TestBuildEpistemicContextMarkers(t *testing.T) {
	levelA := &models.ChunkHit{Title: "A Kitabı", Text: "tanım metni"}
	levelA.Ann().Level = "A"
	levelA.Ann().AnswerabilityScore = 5
	levelA.Ann().Quotability = "HIGH"
	levelA.Ann().PassageType = "DEFINITION"

	levelC := &models.ChunkHit{Title: "C Kitabı", Text: "bağlam metni"}
	levelC.Ann().Level = "C"
	levelC.Ann().Quotability = "LOW"
	levelC.Ann().PassageType = "SITUATIONAL"

	contextStr, _ := BuildEpistemicContext([]*models.ChunkHit{levelA, levelC}, models.AnswerModeQuote)
	assert.Contains(t, contextStr, "★★★ DOĞRUDAN ALINTI YAP")
	assert.Contains(t, contextStr, "★ SENTEZ YAP")
}

func TestClassifyNetworkStatus(t *testing.T) {
	mk := func(level string) *models.ChunkHit {
		h := &models.ChunkHit{Text: "metin"}
		h.Ann().Level = level
		return h
	}

	t.Run("strong evidence in network", func(t *testing.T) {
		status, _ := ClassifyNetworkStatus("soru", []*models.ChunkHit{mk("A"), mk("A")})
		assert.Equal(t, models.NetworkInNetwork, status)
	})

	t.Run("mixed evidence is hybrid", func(t *testing.T) {
		status, _ := ClassifyNetworkStatus("soru", []*models.ChunkHit{mk("A"), mk("B")})
		assert.Equal(t, models.NetworkHybrid, status)
	})

	t.Run("no evidence out of network", func(t *testing.T) {
		status, reason := ClassifyNetworkStatus("soru", nil)
		assert.Equal(t, models.NetworkOutOfNetwork, status)
		assert.Equal(t, "no_evidence", reason)
	})
}

func TestPromptForMode(t *testing.T) {
	t.Run("quote prompt carries mandatory headings", func(t *testing.T) {
		prompt := PromptForMode(models.AnswerModeQuote, "BAĞLAM", "vicdan nedir", 4.3, models.NetworkInNetwork, 4)
		assert.Contains(t, prompt, "## Doğrudan Tanımlar")
		assert.Contains(t, prompt, "## Bağlamsal Analiz")
		assert.Contains(t, prompt, "## Sonuç")
		assert.Contains(t, prompt, "4 adet tanım")
	})

	t.Run("hybrid prompt has two-view layout", func(t *testing.T) {
		prompt := PromptForMode(models.AnswerModeHybrid, "BAĞLAM", "soru", 4.5, models.NetworkHybrid, 3)
		assert.Contains(t, prompt, "## Karşıt Görüşler")
		assert.Contains(t, prompt, "## Bağlamsal Kanıtlar")
	})

	t.Run("out of network requires disclaimer instruction", func(t *testing.T) {
		prompt := PromptForMode(models.AnswerModeSynthesis, "BAĞLAM", "soru", 2.0, models.NetworkOutOfNetwork, 2)
		assert.Contains(t, prompt, "Notlarınızda bu konuda yeterli bilgi bulamadım")
	})

	t.Run("style follows confidence", func(t *testing.T) {
		analytic := PromptForMode(models.AnswerModeSynthesis, "c", "q", 4.2, models.NetworkInNetwork, 2)
		concise := PromptForMode(models.AnswerModeSynthesis, "c", "q", 2.0, models.NetworkInNetwork, 2)
		assert.Contains(t, analytic, "ÇÖZÜMLEYİCİ")
		assert.Contains(t, concise, "TEMKİNLİ")
	})
}

func TestBuildMemoryAugmentedContext(t *testing.T) {
	history := []models.ChatTurn{
		{Role: "user", Content: "ilk soru"},
		{Role: "assistant", Content: "ilk cevap"},
	}
	out := BuildMemoryAugmentedContext("özet metni", history, 6, "kanıt bloğu")

	assert.Contains(t, out, "KONUŞMA ÖZETİ (LONG-TERM MEMORY)")
	assert.Contains(t, out, "SON YAZIŞMALAR (SHORT-TERM MEMORY)")
	assert.Contains(t, out, "KAYNAK DOKÜMANLAR (FOUND EVIDENCE)")

	// Zone order: summary before history before evidence.
	assert.Less(t, strings.Index(out, "KONUŞMA ÖZETİ"), strings.Index(out, "SON YAZIŞMALAR"))
	assert.Less(t, strings.Index(out, "SON YAZIŞMALAR"), strings.Index(out, "KAYNAK DOKÜMANLAR"))
}
