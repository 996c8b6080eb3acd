package impl

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// AnswerEngineImpl turns an assembled context into a grounded answer: prompt
// build, provider-routed generation with fallback, recovery and sources.
type AnswerEngineImpl struct {
	store     services.Store
	assembler services.ContextAssembler
	llm       *LLMClient

	llmCfg   *config.LLMConfig
	graphCfg *config.GraphConfig
	perfCfg  *config.PerfConfig
}

func NewAnswerEngine(store services.Store, assembler services.ContextAssembler, llm *LLMClient, cfg *config.Config) *AnswerEngineImpl {
	return &AnswerEngineImpl{
		store:     store,
		assembler: assembler,
		llm:       llm,
		llmCfg:    &cfg.LLM,
		graphCfg:  &cfg.Graph,
		perfCfg:   &cfg.Perf,
	}
}

var analyticCountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`kac (kez|kere|defa) gec`),
	regexp.MustCompile(`kac (kez|kere|defa) kullanil`),
	regexp.MustCompile(`ne kadar gec`),
	regexp.MustCompile(`how many times`),
}

// isAnalyticWordCount detects "how many times does X occur" questions.
func isAnalyticWordCount(question string) bool {
	norm := NormalizeMatchText(question)
	for _, p := range analyticCountPatterns {
		if p.MatchString(norm) {
			return true
		}
	}
	return false
}

var analyticTermQuoted = regexp.MustCompile(`"([^"]+)"`)

// extractTargetTerm pulls the counted term out of the question: a quoted
// phrase wins, else the first non-stopword before the count phrase.
func extractTargetTerm(question string) string {
	if m := analyticTermQuoted.FindStringSubmatch(question); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	norm := NormalizeMatchText(question)
	idx := strings.Index(norm, "kac ")
	if idx < 0 {
		idx = strings.Index(norm, "how many")
	}
	if idx > 0 {
		head := strings.Fields(norm[:idx])
		for i := len(head) - 1; i >= 0; i-- {
			tok := head[i]
			if len(tok) >= 3 && !turkishStopWords[tok] && tok != "kelimesi" && tok != "kelime" {
				return tok
			}
		}
	}
	keywords := ExtractCoreConcepts(question)
	for _, kw := range keywords {
		norm := DeaccentText(kw)
		if norm != "kac" && norm != "kez" && norm != "kere" && norm != "defa" && norm != "geciyor" && norm != "kelimesi" {
			return kw
		}
	}
	return ""
}

// computeQuoteTargetCount bands the desired verbatim-quote count 2-5 by
// confidence, bounded by the evidence size.
func (e *AnswerEngineImpl) computeQuoteTargetCount(confidenceScore float64, chunkCount int) int {
	minQuotes := e.llmCfg.QuoteDynamicMin
	if minQuotes < 1 {
		minQuotes = 2
	}
	maxQuotes := e.llmCfg.QuoteDynamicMax
	if maxQuotes < minQuotes {
		maxQuotes = minQuotes
	}
	defaultQuotes := minQuotes
	if defaultQuotes < 2 {
		defaultQuotes = 2
	}
	if defaultQuotes > 5 {
		defaultQuotes = 5
	}

	if !e.llmCfg.QuoteDynamicCountEnabled {
		if chunkCount > 0 && chunkCount < defaultQuotes {
			return chunkCount
		}
		return defaultQuotes
	}

	var desired int
	switch {
	case confidenceScore >= 4.6:
		desired = maxQuotes
	case confidenceScore >= 4.1:
		desired = 4
	case confidenceScore >= 3.4:
		desired = 3
	default:
		desired = minQuotes
	}
	if desired > maxQuotes {
		desired = maxQuotes
	}
	if desired < minQuotes {
		desired = minQuotes
	}
	if chunkCount > 0 && desired > chunkCount {
		desired = chunkCount
	}
	if desired < minQuotes {
		desired = minQuotes
	}
	return desired
}

// graphEnrichedContext appends semantic-bridge sentences discovered between
// the retrieved chunks' concepts. Used only for SYNTHESIS mode.
func (e *AnswerEngineImpl) graphEnrichedContext(ctx context.Context, chunks []*models.ChunkHit) string {
	if len(chunks) == 0 || e.store == nil {
		return ""
	}
	target := chunks
	if len(target) > 10 {
		target = target[:10]
	}
	var chunkIDs []string
	for _, c := range target {
		if c.ID != "" {
			chunkIDs = append(chunkIDs, c.ID)
		}
	}
	if len(chunkIDs) == 0 {
		return ""
	}

	conceptRows, err := e.store.ConceptsForChunks(ctx, chunkIDs)
	if err != nil || len(conceptRows) == 0 {
		return ""
	}
	seen := make(map[int64]bool)
	var conceptIDs []int64
	for _, row := range conceptRows {
		if !seen[row.ConceptID] {
			seen[row.ConceptID] = true
			conceptIDs = append(conceptIDs, row.ConceptID)
		}
	}
	if len(conceptIDs) > 20 {
		conceptIDs = conceptIDs[:20]
	}

	relations, err := e.store.RelationsForConcepts(ctx, conceptIDs, 15)
	if err != nil || len(relations) == 0 {
		return ""
	}
	bridgeSet := make(map[string]bool)
	var bridges []string
	for _, rel := range relations {
		bridge := fmt.Sprintf("[BRIDGE] %s is connected to %s via '%s' relationship.", rel.SrcName, rel.DstName, rel.RelType)
		if !bridgeSet[bridge] {
			bridgeSet[bridge] = true
			bridges = append(bridges, bridge)
		}
	}
	if len(bridges) == 0 {
		return ""
	}
	return "\nSEMANTIC BRIDGES (Graph Insights):\n" + strings.Join(bridges, "\n")
}

// GenerateAnswer runs the full answer pipeline for one question.
func (e *AnswerEngineImpl) GenerateAnswer(ctx context.Context, req models.AnswerRequest, userID string) (*models.AnswerResponse, error) {
	// Analytic short-circuit: deterministic lemma count, no LLM involved.
	if isAnalyticWordCount(req.Question) {
		return e.analyticAnswer(ctx, req, userID)
	}

	// 1. Retrieve context.
	ragCtx, err := e.assembler.GetRAGContext(ctx, req, userID)
	if err != nil {
		return nil, err
	}
	if ragCtx == nil {
		return &models.AnswerResponse{
			Answer:   "Üzgünüm, şu an cevap üretemiyorum. İlgili içerik bulunamadı.",
			Sources:  []models.Source{},
			Metadata: map[string]any{"status": "failed"},
		}, nil
	}

	chunks := ragCtx.Chunks
	answerMode := ragCtx.Mode
	avgConf := ragCtx.Confidence
	keywords := ragCtx.Keywords
	quoteTargetCount := e.computeQuoteTargetCount(avgConf, len(chunks))
	contextBudgetApplied := e.perfCfg.ContextBudgetEnabled && req.Mode != "EXPLORER"

	// 2. Build context string; the graph bridge runs in parallel for
	// SYNTHESIS mode with its own tight timeout.
	levelCounts := ragCtx.LevelCounts
	evidenceMeta := fmt.Sprintf("[SİSTEM NOTU: Kullanıcının kütüphanesinde '%s' ile ilgili toplam %d adet doğrudan not bulundu.]",
		strings.Join(keywords, ", "), levelCounts["A"]+levelCounts["B"])

	graphBridgeUsed := false
	graphBridgeAttempted := false
	graphBridgeTimeout := false

	bridgeCh := make(chan string, 1)
	if answerMode == models.AnswerModeSynthesis {
		graphBridgeAttempted = true
		bridgeCtx, bridgeCancel := context.WithTimeout(ctx, time.Duration(e.graphCfg.BridgeTimeoutMs)*time.Millisecond)
		go func() {
			defer bridgeCancel()
			bridgeCh <- e.graphEnrichedContext(bridgeCtx, chunks)
		}()
	}

	contextStrBase, usedChunks := BuildEpistemicContext(chunks, answerMode)
	contextStr := evidenceMeta + "\n\n" + contextStrBase

	if graphBridgeAttempted {
		select {
		case insight := <-bridgeCh:
			if insight != "" {
				graphBridgeUsed = true
				contextStr = insight + "\n\n" + contextStr
			}
		case <-time.After(time.Duration(e.graphCfg.BridgeTimeoutMs+50) * time.Millisecond):
			graphBridgeTimeout = true
		}
	}

	// 3. Sources mirror the used chunks in their post-fusion order.
	sources := make([]models.Source, 0, len(usedChunks))
	for i, c := range usedChunks {
		snippet := c.Text
		if len(snippet) > 400 {
			snippet = snippet[:400]
		}
		sources = append(sources, models.Source{
			ID:         i + 1,
			Title:      orDefault(c.Title, "Unknown"),
			PageNumber: c.PageNumber,
			Snippet:    snippet,
			Score:      c.Score,
		})
	}

	fullContextStr := BuildMemoryAugmentedContext(req.SessionSummary, req.ChatHistory, e.llmCfg.ChatPromptTurns, contextStr)
	prompt := PromptForMode(answerMode, fullContextStr, req.Question, avgConf, ragCtx.NetworkStatus, quoteTargetCount)

	// 4. Provider routing: Qwen pilot for explorer-heavy generation, Gemini
	// flash otherwise.
	routeMode := RouteModeDefault
	providerHint := ""
	allowSecondaryFallback := false
	modelName := e.llm.ModelForTier(ModelTierFlash)
	if e.llmCfg.ExplorerQwenPilotEnabled && req.Mode == "EXPLORER" {
		routeMode = RouteModeExplorerQwenPilot
		providerHint = e.llmCfg.ExplorerPrimaryProvider
		modelName = e.llmCfg.ExplorerPrimaryModel
		allowSecondaryFallback = true
	}

	maxOutputTokens := 0
	var llmTimeoutS float64
	llmGenerationTimeoutApplied := false
	if e.perfCfg.OutputBudgetEnabled && req.Mode != "EXPLORER" {
		maxOutputTokens = e.perfCfg.MaxOutputTokensStandard
		if maxOutputTokens < 128 {
			maxOutputTokens = 650
		}
		llmTimeoutS = 18.0
		llmGenerationTimeoutApplied = true
	}

	fallbackState := &FallbackState{}
	result, err := e.llm.Generate(ctx, GenerateParams{
		Model:                  modelName,
		Prompt:                 prompt,
		Task:                   "search_generate_answer",
		ModelTier:              ModelTierFlash,
		MaxOutputTokens:        maxOutputTokens,
		TimeoutSeconds:         llmTimeoutS,
		ProviderHint:           providerHint,
		RouteMode:              routeMode,
		AllowSecondaryFallback: allowSecondaryFallback,
		AllowProFallback:       e.llmCfg.ProFallbackEnabled,
		FallbackState:          fallbackState,
	})
	answer := "Cevap üretilemedi."
	if err != nil {
		log.Printf("Answer generation failed after fallbacks: %v", err)
		meta := mergeMeta(ragCtx.Metadata, map[string]any{
			"status":          "degraded",
			"fallback_reason": err.Error(),
		})
		return &models.AnswerResponse{
			Answer:   "Üzgünüm, şu an cevap üretemiyorum. Lütfen daha sonra tekrar deneyin.",
			Sources:  sources,
			Metadata: meta,
		}, nil
	}
	if strings.TrimSpace(result.Text) != "" {
		answer = result.Text
	}

	// 5. Short-answer recovery: one stricter regeneration when the answer is
	// underfilled, kept only if materially longer.
	shortAnswerRecoveryApplied := false
	if e.answerLooksUnderfilled(answer, answerMode) && req.Mode != "EXPLORER" {
		recoveryMode := models.AnswerModeSynthesis
		if answerMode == models.AnswerModeHybrid {
			recoveryMode = models.AnswerModeHybrid
		}
		recoveryConf := avgConf
		if recoveryConf < 4.0 {
			recoveryConf = 4.0
		}
		recoveryPrompt := PromptForMode(recoveryMode, fullContextStr, req.Question, recoveryConf, ragCtx.NetworkStatus, quoteTargetCount)
		recoveryPrompt += "\n\nADDITIONAL REQUIREMENT:\n" +
			"- Do not answer in a single paragraph.\n" +
			"- Provide at least 3 substantial paragraphs.\n" +
			"- Explain reasoning with concrete links to the provided context.\n"

		recoveryMaxTokens := 1600
		if e.perfCfg.OutputBudgetEnabled && maxOutputTokens > recoveryMaxTokens {
			recoveryMaxTokens = maxOutputTokens
		}
		var recoveryTimeout float64
		if llmTimeoutS > 0 {
			recoveryTimeout = 25.0
		}

		recoveryResult, rerr := e.llm.Generate(ctx, GenerateParams{
			Model:                  modelName,
			Prompt:                 recoveryPrompt,
			Task:                   "search_generate_answer_recovery",
			ModelTier:              ModelTierFlash,
			MaxOutputTokens:        recoveryMaxTokens,
			TimeoutSeconds:         recoveryTimeout,
			ProviderHint:           providerHint,
			RouteMode:              routeMode,
			AllowSecondaryFallback: allowSecondaryFallback,
			FallbackState:          fallbackState,
		})
		if rerr == nil && recoveryResult != nil {
			recovered := strings.TrimSpace(recoveryResult.Text)
			if len(recovered) >= 260 && len(recovered) > len(strings.TrimSpace(answer))+40 {
				answer = recovered
				result = recoveryResult
				shortAnswerRecoveryApplied = true
			}
		} else if rerr != nil {
			log.Printf("Short answer recovery skipped: %v", rerr)
		}
	}

	// 6. Metadata echo.
	meta := mergeMeta(ragCtx.Metadata, map[string]any{
		"model_name":                     result.ModelUsed,
		"model_tier":                     result.ModelTier,
		"provider_name":                  result.ProviderName,
		"model_fallback_applied":         result.FallbackApplied,
		"secondary_fallback_applied":     result.SecondaryFallbackApplied,
		"fallback_reason":                result.FallbackReason,
		"llm_generation_timeout_applied": llmGenerationTimeoutApplied,
		"context_budget_applied":         contextBudgetApplied,
		"quote_target_count":             quoteTargetCount,
		"short_answer_recovery_applied":  shortAnswerRecoveryApplied,
		"graph_bridge_attempted":         graphBridgeAttempted,
		"graph_bridge_used":              graphBridgeUsed,
		"graph_bridge_timeout_triggered": graphBridgeTimeout,
		"answer_mode":                    string(answerMode),
		"confidence":                     avgConf,
		"intent":                         string(ragCtx.Intent),
		"network_status":                 string(ragCtx.NetworkStatus),
	})

	return &models.AnswerResponse{
		Answer:   answer,
		Sources:  sources,
		Metadata: meta,
	}, nil
}

// answerLooksUnderfilled checks the richness thresholds for the recovery pass.
func (e *AnswerEngineImpl) answerLooksUnderfilled(answer string, answerMode models.AnswerMode) bool {
	trimmed := strings.TrimSpace(answer)
	normalized := strings.ToLower(trimmed)
	headingCount := strings.Count(answer, "## ")
	paragraphs := 0
	for _, p := range regexp.MustCompile(`\n\s*\n`).Split(answer, -1) {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	return len(trimmed) < 520 ||
		paragraphs < 2 ||
		((answerMode == models.AnswerModeQuote || answerMode == models.AnswerModeHybrid) && headingCount < 2) ||
		(strings.Contains(normalized, "doğrudan tanımlar") &&
			!strings.Contains(normalized, "bağlamsal analiz") &&
			!strings.Contains(normalized, "bağlamsal kanıtlar"))
}

// analyticAnswer computes the deterministic word-count reply.
func (e *AnswerEngineImpl) analyticAnswer(ctx context.Context, req models.AnswerRequest, userID string) (*models.AnswerResponse, error) {
	if req.ContextBookID == "" {
		return &models.AnswerResponse{
			Answer:  "Analitik sayım için önce bir kitap seçmelisin.",
			Sources: []models.Source{},
			Metadata: map[string]any{
				"status":    "analytic",
				"analytics": map[string]any{"type": "word_count", "error": "book_id_required"},
			},
		}, nil
	}
	term := extractTargetTerm(req.Question)
	if term == "" {
		return &models.AnswerResponse{
			Answer:  "Sayılacak kelimeyi belirtir misin?",
			Sources: []models.Source{},
			Metadata: map[string]any{
				"status":    "analytic",
				"analytics": map[string]any{"type": "word_count", "error": "term_missing"},
			},
		}, nil
	}
	count, err := e.store.LemmaOccurrences(ctx, userID, req.ContextBookID, term)
	if err != nil {
		return nil, fmt.Errorf("analytic count: %w", err)
	}
	contexts, _ := e.store.KeywordContexts(ctx, userID, req.ContextBookID, term, 10)
	answer := fmt.Sprintf("%q kelimesi bu kitapta toplam %d kez geçiyor.", term, count)
	return &models.AnswerResponse{
		Answer:  answer,
		Sources: []models.Source{},
		Metadata: map[string]any{
			"status": "analytic",
			"analytics": map[string]any{
				"type":     "word_count",
				"term":     term,
				"count":    count,
				"match":    "lemma",
				"scope":    "book_chunks",
				"contexts": contexts,
			},
		},
	}, nil
}

func mergeMeta(base, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
