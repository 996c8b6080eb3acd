package impl

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

const userNotesTarget = "__USER_NOTES__"

var rewriteTriggerTokens = map[string]bool{
	"bu": true, "bunu": true, "buna": true, "bunun": true, "bundan": true,
	"su": true, "sunu": true, "boyle": true, "soyle": true,
	"o": true, "onu": true, "ona": true, "onun": true, "ondan": true,
	"bunlar": true, "onlar": true, "ikisi": true, "ikisinin": true, "ikisinde": true,
	"ayni": true, "fark": true, "farki": true, "iliski": true, "ilgili": true,
	"devam": true, "peki": true, "ya": true, "pekiya": true,
}

var rewriteLeadinPhrases = []string{
	"peki", "o zaman", "bu durumda", "buna gore",
	"bununla", "bunun icin", "buradan",
}

var rewriteGreetingTokens = map[string]bool{
	"merhaba": true, "selam": true, "selamlar": true, "hey": true,
	"hi": true, "hello": true, "gunaydin": true,
	"iyiaksamlar": true, "iyiaksam": true, "iyigunler": true,
}

var notesCompareTokens = []string{"not", "note", "highlight", "vurgu"}

// ContextAssembler builds the evidence set for one question: rewrite, compare
// fan-out, hybrid retrieval, graph and external candidates, epistemic grading
// and the answer-mode gate.
type ContextAssemblerImpl struct {
	store        services.Store
	orchestrator *SearchOrchestrator
	graph        *GraphTraverseStrategy
	externalKB   *ExternalKBStrategy
	classifier   services.PassageClassifier
	llm          *LLMClient
	cache        services.CacheService

	searchCfg  *config.SearchConfig
	compareCfg *config.CompareConfig
	graphCfg   *config.GraphConfig
	kbCfg      *config.ExternalKBConfig
	llmCfg     *config.LLMConfig
	perfCfg    *config.PerfConfig
}

func NewContextAssembler(
	store services.Store,
	orchestrator *SearchOrchestrator,
	graph *GraphTraverseStrategy,
	externalKB *ExternalKBStrategy,
	classifier services.PassageClassifier,
	llm *LLMClient,
	cache services.CacheService,
	cfg *config.Config,
) *ContextAssemblerImpl {
	return &ContextAssemblerImpl{
		store:        store,
		orchestrator: orchestrator,
		graph:        graph,
		externalKB:   externalKB,
		classifier:   classifier,
		llm:          llm,
		cache:        cache,
		searchCfg:    &cfg.Search,
		compareCfg:   &cfg.Compare,
		graphCfg:     &cfg.Graph,
		kbCfg:        &cfg.ExternalKB,
		llmCfg:       &cfg.LLM,
		perfCfg:      &cfg.Perf,
	}
}

func chunkMapKey(h *models.ChunkHit) string {
	text := h.Text
	if len(text) > 20 {
		text = text[:20]
	}
	return h.Title + "_" + text
}

// shouldRewriteWithHistory gates the LLM rewrite on anaphora signals.
func shouldRewriteWithHistory(question string, history []models.ChatTurn) bool {
	if len(history) == 0 {
		return false
	}
	q := strings.TrimSpace(question)
	if q == "" {
		return false
	}
	qASCII := strings.ToLower(DeaccentText(q))
	tokens := Tokenize(qASCII)

	if len(tokens) <= 4 {
		return true
	}
	for _, prefix := range rewriteLeadinPhrases {
		if strings.HasPrefix(qASCII, prefix) {
			return true
		}
	}
	for _, tok := range tokens {
		if rewriteTriggerTokens[tok] {
			return true
		}
	}
	if strings.Contains(q, "?") && len(tokens) <= 8 {
		return true
	}
	return false
}

// rewriteGuardSkipReason skips the rewrite entirely when the query is already
// lexically specific. Flag-off keeps legacy behaviour.
func (a *ContextAssemblerImpl) rewriteGuardSkipReason(question string) string {
	if !a.perfCfg.RewriteGuardEnabled {
		return ""
	}
	q := strings.TrimSpace(question)
	if q == "" {
		return "empty_query"
	}
	qASCII := strings.ToLower(DeaccentText(q))
	tokens := Tokenize(qASCII)
	if len(tokens) == 0 {
		return "empty_query"
	}
	if len(tokens) == 1 && rewriteGreetingTokens[tokens[0]] {
		return "standalone_greeting"
	}
	if len(tokens) == 1 {
		return ""
	}

	hasLeadin := false
	for _, prefix := range rewriteLeadinPhrases {
		if strings.HasPrefix(qASCII, prefix) {
			hasLeadin = true
			break
		}
	}
	hasTrigger := false
	for _, tok := range tokens {
		if rewriteTriggerTokens[tok] {
			hasTrigger = true
			break
		}
	}
	hasShortQuestionSignal := strings.Contains(q, "?") && len(tokens) <= 8

	if len(tokens) >= 2 && len(tokens) <= 7 && !hasLeadin && !hasTrigger && !hasShortQuestionSignal {
		return "standalone_short_query"
	}
	if !hasLeadin && !hasTrigger && !hasShortQuestionSignal {
		return "lexically_specific_query"
	}
	return ""
}

func historyFingerprint(history []models.ChatTurn, maxTurns int) string {
	if len(history) == 0 {
		return ""
	}
	start := len(history) - maxTurns
	if start < 0 {
		start = 0
	}
	var parts []string
	for _, msg := range history[start:] {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		if len(content) > 220 {
			content = content[:220]
		}
		parts = append(parts, strings.ToLower(msg.Role)+":"+content)
	}
	return strings.Join(parts, "\n")
}

// rewriteQueryWithHistory rewrites a short follow-up into standalone form via
// the lite model, bounded at 4 seconds and cached for 30 minutes.
func (a *ContextAssemblerImpl) rewriteQueryWithHistory(ctx context.Context, question string, history []models.ChatTurn) string {
	if len(history) == 0 {
		return question
	}
	if reason := a.rewriteGuardSkipReason(question); reason != "" {
		return question
	}
	if !shouldRewriteWithHistory(question, history) {
		return question
	}

	maxTurns := a.llmCfg.ChatPromptTurns
	cacheKey := ""
	if a.cache != nil {
		fingerprint := historyFingerprint(history, maxTurns)
		cacheKey = GenerateCacheKey("query_rewrite", question+"\n"+fingerprint, "", "", maxTurns, a.searchCfg.LLMModelVersion)
		var cached string
		if hit, _ := a.cache.Get(ctx, cacheKey, &cached); hit && strings.TrimSpace(cached) != "" {
			return cached
		}
	}

	start := len(history) - maxTurns
	if start < 0 {
		start = 0
	}
	var sb strings.Builder
	for _, msg := range history[start:] {
		role := "Asistan"
		if msg.Role == "user" {
			role = "Kullanıcı"
		}
		sb.WriteString(role + ": " + msg.Content + "\n")
	}

	rewriteCtx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()
	result, err := a.llm.Generate(rewriteCtx, GenerateParams{
		Model:          a.llm.ModelForTier(ModelTierLite),
		Prompt:         RewritePrompt(sb.String(), question),
		Task:           "query_rewrite",
		ModelTier:      ModelTierLite,
		TimeoutSeconds: 4,
	})
	if err != nil {
		log.Printf("Query rewriting failed: %v", err)
		return question
	}
	rewritten := strings.TrimSpace(result.Text)
	if rewritten == "" {
		return question
	}
	maxLen := len(question) * 3
	if maxLen < 220 {
		maxLen = 220
	}
	if len(rewritten) > maxLen {
		return question
	}
	if a.cache != nil && cacheKey != "" {
		_ = a.cache.Set(ctx, cacheKey, rewritten, 1800)
	}
	return rewritten
}

// resolveBookIDsFromQuestion matches catalog titles against the question text.
func (a *ContextAssemblerImpl) resolveBookIDsFromQuestion(ctx context.Context, userID, question string) []string {
	catalog, err := a.store.BookTitleCatalog(ctx, userID)
	if err != nil {
		return nil
	}
	normQuestion := NormalizeMatchText(question)
	var resolved []string
	for _, ref := range catalog {
		normTitle := NormalizeMatchText(ref.Title)
		if normTitle == "" || len(normTitle) < 3 {
			continue
		}
		if strings.Contains(normQuestion, normTitle) {
			resolved = append(resolved, ref.ItemID)
		}
	}
	return resolved
}

func (a *ContextAssemblerImpl) comparePolicyEnabled(userID string) bool {
	if a.compareCfg.PolicyEnabled {
		return true
	}
	for _, uid := range a.compareCfg.CanaryUIDs {
		if strings.TrimSpace(uid) == userID {
			return true
		}
	}
	return false
}

// GetRAGContext assembles the evidence set for a single question.
func (a *ContextAssemblerImpl) GetRAGContext(ctx context.Context, req models.AnswerRequest, userID string) (*models.RAGContext, error) {
	// 0. Query rewriting (memory layer).
	effectiveQuery := req.Question
	if len(req.ChatHistory) > 0 {
		effectiveQuery = a.rewriteQueryWithHistory(ctx, req.Question, req.ChatHistory)
	}

	// 1. Intent and keywords, classified early to guide retrieval.
	intent, complexity := ClassifyQuestionIntent(effectiveQuery)
	keywords := ExtractCoreConcepts(effectiveQuery)

	allChunks := make(map[string]*models.ChunkHit)
	var insertionOrder []string
	// insert replaces an existing entry unless it is compare-marked:
	// compare-marked chunks win deduplication over later insertions.
	insert := func(hit *models.ChunkHit) {
		key := chunkMapKey(hit)
		if existing, ok := allChunks[key]; ok {
			if existing.Annotation != nil && existing.Annotation.CompareTarget &&
				(hit.Annotation == nil || !hit.Annotation.CompareTarget) {
				return
			}
			allChunks[key] = hit
			return
		}
		allChunks[key] = hit
		insertionOrder = append(insertionOrder, key)
	}
	// insertIfAbsent never displaces an earlier chunk; graph, external-KB and
	// supplementary merges are additive only.
	insertIfAbsent := func(hit *models.ChunkHit) {
		key := chunkMapKey(hit)
		if _, ok := allChunks[key]; ok {
			return
		}
		allChunks[key] = hit
		insertionOrder = append(insertionOrder, key)
	}

	// Compare policy: per-book fan-out retrieval.
	compareFocusQuery := effectiveQuery
	if len(keywords) > 0 {
		compareFocusQuery = keywords[0]
	}
	compareState := a.runComparePolicy(ctx, req, userID, effectiveQuery, compareFocusQuery, intent, insert)

	// 2. Parallel retrieval: one orchestrator call plus a tight graph future.
	searchReq := models.SearchRequest{
		Query:           effectiveQuery,
		Limit:           req.Limit,
		Offset:          req.Offset,
		Intent:          intent,
		ResourceType:    req.ResourceType,
		VisibilityScope: req.VisibilityScope,
		ContentType:     req.ContentType,
		IngestionType:   req.IngestionType,
		SessionID:       req.SessionID,
	}
	if !compareState.compareApplied {
		searchReq.BookID = req.ContextBookID
	}

	graphSkippedByIntent := false
	graphLatencyBudgetApplied := false
	var graphCandidates []GraphCandidate
	graphTimeoutTriggered := false
	var degradations []models.Degradation

	graphLimit := req.Limit
	if graphLimit <= 0 {
		graphLimit = 15
	}
	type graphOutcome struct {
		candidates []GraphCandidate
		err        error
		timedOut   bool
	}
	graphCh := make(chan graphOutcome, 1)
	graphStarted := false
	if a.graphCfg.DirectSkip && (intent == models.IntentDirect || intent == models.IntentFollowUp) {
		graphSkippedByIntent = true
	} else if a.graph != nil {
		graphLatencyBudgetApplied = true
		graphStarted = true
		graphCtx, graphCancel := context.WithTimeout(ctx, time.Duration(a.graphCfg.TimeoutMs)*time.Millisecond)
		go func() {
			defer graphCancel()
			candidates, err := a.graph.GetGraphCandidates(graphCtx, effectiveQuery, userID, graphLimit, req.Offset)
			graphCh <- graphOutcome{candidates: candidates, err: err, timedOut: graphCtx.Err() != nil}
		}()
	}

	var questionResults []*models.ChunkHit
	vecMeta := map[string]any{}
	var searchLogID *int64

	searchResp, err := a.orchestrator.Search(ctx, searchReq, userID)
	if err != nil {
		log.Printf("Vector search failed: %v", err)
		degradations = append(degradations, models.Degradation{
			Component: "VECTOR_SEARCH", Reason: err.Error(), Severity: "HIGH",
		})
	} else {
		questionResults = searchResp.Results
		vecMeta = searchResp.Metadata
		if raw, ok := vecMeta["search_log_id"]; ok {
			if id, ok := raw.(int64); ok {
				searchLogID = &id
			}
		}
	}

	if graphStarted {
		select {
		case outcome := <-graphCh:
			switch {
			case outcome.timedOut:
				graphTimeoutTriggered = true
			case outcome.err != nil:
				log.Printf("Graph retrieval failed: %v", outcome.err)
				degradations = append(degradations, models.Degradation{
					Component: "GRAPH_SERVICE", Reason: outcome.err.Error(), Severity: "HIGH",
				})
			default:
				graphCandidates = outcome.candidates
			}
		case <-time.After(time.Duration(a.graphCfg.TimeoutMs+50) * time.Millisecond):
			graphTimeoutTriggered = true
		}
		if graphTimeoutTriggered {
			degradations = append(degradations, models.Degradation{
				Component: "GRAPH_SERVICE",
				Reason:    fmt.Sprintf("timeout>%dms", a.graphCfg.TimeoutMs),
				Severity:  "MEDIUM",
			})
		}
	}

	// Merge orchestrator results.
	for _, c := range questionResults {
		insert(c)
	}

	// Merge graph candidates through the noise guard.
	noiseGuardApplied := a.searchCfg.NoiseGuardEnabled
	graphFilteredCount := 0
	for _, c := range graphCandidates {
		hit := &models.ChunkHit{
			Title:      orDefault(c.Title, "Unknown"),
			Text:       c.Content,
			PageNumber: c.Page,
			SourceType: "GRAPH_RELATION",
			Score:      c.GraphScore,
			MatchType:  "graph",
		}
		hit.Ann().GraphScore = c.GraphScore
		hit.Ann().Level = "B"
		if noiseGuardApplied && !passesSemanticNoiseGuard(hit) {
			graphFilteredCount++
			continue
		}
		insertIfAbsent(hit)
	}

	// External KB candidates, explorer mode only.
	kbState := a.runExternalKB(ctx, req, userID, effectiveQuery, questionResults, allChunks, insertIfAbsent)

	// 3. Supplementary keyword pass, gated on sparse evidence.
	supplementaryApplied, supplementarySkippedReason := a.runSupplementary(ctx, req, userID, effectiveQuery, keywords, intent, questionResults, allChunks, insertIfAbsent)

	combined := make([]*models.ChunkHit, 0, len(insertionOrder))
	for _, key := range insertionOrder {
		combined = append(combined, allChunks[key])
	}
	if len(combined) == 0 && req.Mode != "EXPLORER" {
		return nil, nil
	}
	if len(combined) > 100 {
		combined = combined[:100]
	}

	// 4. Epistemic scoring and graph/external re-scoring.
	for _, chunk := range combined {
		ClassifyChunk(keywords, chunk, a.classifier)
		ann := chunk.Ann()

		switch chunk.SourceType {
		case "GRAPH_RELATION":
			// Invisible bridges may carry zero keyword score; restore from the
			// graph confidence weight (0.5->1.5, 1.0->3.5).
			gScore := ann.GraphScore
			if gScore == 0 {
				gScore = 0.5
			}
			boost := 1.5 + (gScore-0.5)*4.0
			if boost > ann.AnswerabilityScore {
				ann.AnswerabilityScore = boost
				if boost >= 3.0 {
					ann.Level = "A"
				} else if boost >= 1.0 {
					ann.Level = "B"
				}
			}
		case "EXTERNAL_KB":
			extWeight := ann.ExternalWeight
			if extWeight == 0 {
				extWeight = 0.15
			}
			extBoost := extWeight * 3.2
			if extBoost < 0.4 {
				extBoost = 0.4
			}
			if extBoost > 1.3 {
				extBoost = 1.3
			}
			if extBoost > ann.AnswerabilityScore {
				ann.AnswerabilityScore = extBoost
				ann.Level = "B"
			}
		}
	}

	// Passage weighting: top-40 standard plus all "gold" (score>=2) additions.
	standardTop := combined
	if len(standardTop) > 40 {
		standardTop = standardTop[:40]
	}
	finalIDs := make(map[string]bool)
	finalChunks := make([]*models.ChunkHit, 0, len(standardTop))
	for _, c := range standardTop {
		finalIDs[chunkMapKey(c)] = true
		finalChunks = append(finalChunks, c)
	}
	for _, chunk := range combined {
		if chunk.Ann().AnswerabilityScore >= 2 {
			cid := chunkMapKey(chunk)
			if !finalIDs[cid] {
				finalChunks = append(finalChunks, chunk)
				finalIDs[cid] = true
			}
		}
	}

	// Weighted sort.
	weightedScore := func(chunk *models.ChunkHit) float64 {
		ann := chunk.Ann()
		base := ann.AnswerabilityScore
		isLit := len(chunk.Text) > 300 && ann.Level != "A"

		if chunk.SourceType == "EXTERNAL_KB" {
			extWeight := ann.ExternalWeight
			if extWeight < 0.05 {
				extWeight = 0.05
			}
			if extWeight > 0.30 {
				extWeight = 0.30
			}
			return base * extWeight
		}

		weight := 1.0
		if intent == models.IntentNarrative || intent == models.IntentSocietal {
			if isLit {
				weight = 1.2
			}
		} else {
			switch {
			case ann.Level == "A":
				weight = 1.2
			case ann.Level == "B":
				weight = 0.9
			case isLit:
				weight = 0.4
			}
		}
		return base * weight
	}
	sort.SliceStable(finalChunks, func(i, j int) bool {
		return weightedScore(finalChunks[i]) > weightedScore(finalChunks[j])
	})

	// Answer mode and confidence.
	answerMode := DetermineAnswerMode(finalChunks, intent, complexity)
	top5 := finalChunks
	if len(top5) > 5 {
		top5 = top5[:5]
	}
	var confSum float64
	for _, c := range top5 {
		confSum += c.Ann().AnswerabilityScore
	}
	avgConf := 0.0
	if len(top5) > 0 {
		avgConf = confSum / float64(len(top5))
	}
	confidence := avgConf
	if confidence < 0.5 {
		confidence = 0.5
	}
	if confidence > 5.0 {
		confidence = 5.0
	}

	networkStatus, networkReason := ClassifyNetworkStatus(req.Question, finalChunks)

	levelCounts := map[string]int{"A": 0, "B": 0, "C": 0}
	sourceTitles := make(map[string]bool)
	sourceTypes := make(map[string]bool)
	for _, c := range finalChunks {
		levelCounts[orDefault(c.Ann().Level, "C")]++
		if t := strings.ToLower(strings.TrimSpace(c.Title)); t != "" {
			sourceTitles[t] = true
		}
		if st := strings.ToUpper(strings.TrimSpace(c.SourceType)); st != "" {
			sourceTypes[st] = true
		}
	}

	retrievalPath := str(vecMeta["retrieval_path"], "hybrid")
	if graphLatencyBudgetApplied && !graphSkippedByIntent {
		retrievalPath += "+graph"
	}

	metadata := map[string]any{
		"degradations":                     degradations,
		"status":                           statusFor(degradations),
		"graph_candidates_count":           len(graphCandidates),
		"external_graph_candidates_count":  kbState.candidatesCount,
		"vector_candidates_count":          len(questionResults),
		"source_diversity_count":           len(sourceTitles),
		"source_type_diversity_count":      len(sourceTypes),
		"academic_scope":                   kbState.academicScope,
		"external_kb_used":                 kbState.used,
		"wikidata_qid":                     kbState.wikidataQID,
		"openalex_used":                    kbState.openAlexUsed,
		"dbpedia_used":                     kbState.dbpediaUsed,
		"orkg_used":                        kbState.orkgUsed,
		"retrieval_fusion_mode":            str(vecMeta["retrieval_fusion_mode"], a.searchCfg.FusionMode),
		"retrieval_path":                   retrievalPath,
		"router_mode":                      str(vecMeta["router_mode"], "static"),
		"router_reason":                    vecMeta["router_reason"],
		"retrieval_mode":                   str(vecMeta["retrieval_mode"], "balanced"),
		"selected_buckets":                 vecMeta["selected_buckets"],
		"executed_strategies":              vecMeta["executed_strategies"],
		"latency_budget_applied":           graphLatencyBudgetApplied,
		"graph_timeout_triggered":          graphTimeoutTriggered,
		"graph_skipped_by_intent":          graphSkippedByIntent,
		"noise_guard_applied":              noiseGuardApplied,
		"noise_guard_filtered_graph_count": graphFilteredCount,
		"supplementary_keyword_search_applied": supplementaryApplied,
		"supplementary_search_skipped_reason":  supplementarySkippedReason,
		"expansion_skipped_reason":         vecMeta["expansion_skipped_reason"],
		"compare_applied":                  compareState.compareApplied,
		"target_books_used":                compareState.targetBooksUsed,
		"target_books_truncated":           compareState.targetBooksTruncated,
		"unauthorized_target_book_ids":     compareState.unauthorizedTargets,
		"auto_resolved_target_book_ids":    compareState.autoResolvedTargets,
		"compare_focus_query":              compareFocusQuery,
		"latency_budget_hit":               compareState.latencyBudgetHit,
		"evidence_policy":                  compareState.evidencePolicy,
		"per_book_evidence_count":          compareState.perBookEvidenceCount,
		"compare_degrade_reason":           compareState.degradeReason,
		"compare_mode":                     string(req.CompareMode),
		"level_counts":                     levelCounts,
	}

	if searchLogID != nil && a.store != nil {
		_ = a.store.AppendSearchLogDiagnostics(ctx, *searchLogID, map[string]any{
			"vector_candidates_count":         len(questionResults),
			"graph_candidates_count":          len(graphCandidates),
			"external_graph_candidates_count": kbState.candidatesCount,
			"degradations":                    degradations,
			"retrieval_path":                  retrievalPath,
			"latency_budget_applied":          graphLatencyBudgetApplied,
			"graph_timeout_triggered":         graphTimeoutTriggered,
			"graph_skipped_by_intent":         graphSkippedByIntent,
			"level_counts":                    levelCounts,
		})
	}

	return &models.RAGContext{
		Chunks:        finalChunks,
		Intent:        intent,
		Complexity:    complexity,
		Mode:          answerMode,
		Confidence:    confidence,
		NetworkStatus: networkStatus,
		NetworkReason: networkReason,
		Keywords:      keywords,
		SearchLogID:   searchLogID,
		LevelCounts:   levelCounts,
		Metadata:      metadata,
	}, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func str(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func statusFor(degradations []models.Degradation) string {
	if len(degradations) > 0 {
		return "partial"
	}
	return "healthy"
}

type compareState struct {
	compareApplied       bool
	targetBooksUsed      []string
	targetBooksTruncated bool
	unauthorizedTargets  []string
	autoResolvedTargets  []string
	perBookEvidenceCount map[string]int
	latencyBudgetHit     bool
	degradeReason        string
	evidencePolicy       string
}

// runComparePolicy performs the per-book fan-out when compare mode applies.
func (a *ContextAssemblerImpl) runComparePolicy(ctx context.Context, req models.AnswerRequest, userID, effectiveQuery, compareFocusQuery string, intent models.Intent, insert func(*models.ChunkHit)) compareState {
	state := compareState{
		perBookEvidenceCount: map[string]int{},
		evidencePolicy:       "standard",
		targetBooksUsed:      []string{},
		unauthorizedTargets:  []string{},
		autoResolvedTargets:  []string{},
	}

	targets := make([]string, 0, len(req.TargetBookIDs))
	for _, b := range req.TargetBookIDs {
		if t := strings.TrimSpace(b); t != "" {
			targets = append(targets, t)
		}
	}

	policyEnabled := a.comparePolicyEnabled(userID)
	qNorm := strings.ToLower(effectiveQuery)
	notesVsSingle := req.ContextBookID != "" && len(targets) == 0 && containsAnyToken(qNorm, notesCompareTokens)

	if notesVsSingle {
		targets = []string{strings.TrimSpace(req.ContextBookID), userNotesTarget}
	} else if len(targets) == 0 {
		resolved := a.resolveBookIDsFromQuestion(ctx, userID, effectiveQuery)
		if len(resolved) >= 2 {
			state.autoResolvedTargets = resolved
			targets = append(targets, resolved...)
		}
	}

	// Drop unauthorized targets silently into the metadata list.
	authorized, err := a.store.UserBookIDs(ctx, userID)
	if err != nil {
		authorized = nil
	}
	var filtered []string
	seen := make(map[string]bool)
	for _, bid := range targets {
		if bid == "" || seen[bid] {
			continue
		}
		if bid == userNotesTarget {
			seen[bid] = true
			filtered = append(filtered, bid)
			continue
		}
		if len(authorized) > 0 && !authorized[bid] {
			state.unauthorizedTargets = append(state.unauthorizedTargets, bid)
			continue
		}
		seen[bid] = true
		filtered = append(filtered, bid)
	}
	targets = filtered

	compareRequested := req.CompareMode == models.CompareExplicitOnly || policyEnabled || notesVsSingle
	state.compareApplied = compareRequested && len(targets) >= 2
	if !state.compareApplied {
		return state
	}

	maxTargets := a.compareCfg.TargetMax
	if maxTargets < 2 {
		maxTargets = 2
	}
	if len(targets) > maxTargets {
		targets = targets[:maxTargets]
		state.targetBooksTruncated = true
	}
	state.targetBooksUsed = targets
	state.evidencePolicy = "TEXT_PRIMARY_NOTES_SECONDARY_V1"

	primaryLimit := a.compareCfg.PrimaryPerBook
	if primaryLimit < 1 {
		primaryLimit = 6
	}
	secondaryLimit := a.compareCfg.SecondaryPerBook
	if secondaryLimit < 0 {
		secondaryLimit = 2
	}
	timeoutMs := a.compareCfg.TimeoutMs
	if timeoutMs < 50 {
		timeoutMs = 50
	}
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	var primaryRows, secondaryRows []*models.ChunkHit
	for _, bid := range targets {
		if time.Now().After(deadline) {
			state.latencyBudgetHit = true
			state.degradeReason = "timeout_partial_results"
			break
		}

		if bid == userNotesTarget {
			resp, serr := a.orchestrator.Search(ctx, models.SearchRequest{
				Query:           compareFocusQuery,
				Limit:           secondaryLimit,
				Intent:          intent,
				ResourceType:    "ALL_NOTES",
				VisibilityScope: req.VisibilityScope,
				ContentType:     req.ContentType,
				IngestionType:   req.IngestionType,
				SessionID:       req.SessionID,
			}, userID)
			if serr != nil {
				log.Printf("Compare fan-out search failed for target %s: %v", bid, serr)
				state.perBookEvidenceCount[bid] = 0
				continue
			}
			count := 0
			for _, c := range resp.Results {
				ann := c.Ann()
				ann.CompareTarget = true
				ann.CompareBookID = userNotesTarget
				ann.CompareSecondary = true
				secondaryRows = append(secondaryRows, c)
				count++
			}
			state.perBookEvidenceCount[bid] = count
			continue
		}

		resp, serr := a.orchestrator.Search(ctx, models.SearchRequest{
			Query:           compareFocusQuery,
			Limit:           primaryLimit,
			Intent:          intent,
			BookID:          bid,
			ResourceType:    "BOOK",
			VisibilityScope: req.VisibilityScope,
			ContentType:     req.ContentType,
			IngestionType:   req.IngestionType,
			SessionID:       req.SessionID,
		}, userID)
		if serr != nil {
			log.Printf("Compare fan-out search failed for target %s: %v", bid, serr)
			state.perBookEvidenceCount[bid] = 0
			continue
		}
		count := 0
		for _, c := range resp.Results {
			ann := c.Ann()
			ann.CompareTarget = true
			ann.CompareBookID = bid
			ann.ComparePrimary = true
			primaryRows = append(primaryRows, c)
			count++
		}
		state.perBookEvidenceCount[bid] = count
	}

	// Secondaries stay at most 1/3 of primaries.
	ratio := a.compareCfg.SecondaryMaxRatio
	if ratio <= 0 {
		ratio = 3
	}
	maxSecondary := 0
	if len(primaryRows) > 0 {
		maxSecondary = len(primaryRows) / ratio
	}
	if maxSecondary > 0 && len(secondaryRows) > maxSecondary {
		secondaryRows = secondaryRows[:maxSecondary]
	} else if maxSecondary == 0 {
		secondaryRows = nil
	}

	for _, c := range primaryRows {
		insert(c)
	}
	for _, c := range secondaryRows {
		insert(c)
	}
	return state
}

func containsAnyToken(haystack string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(haystack, tok) {
			return true
		}
	}
	return false
}

type externalKBState struct {
	used            bool
	candidatesCount int
	academicScope   bool
	wikidataQID     string
	openAlexUsed    bool
	dbpediaUsed     bool
	orkgUsed        bool
}

// runExternalKB injects external knowledge-base candidates in explorer mode.
func (a *ContextAssemblerImpl) runExternalKB(ctx context.Context, req models.AnswerRequest, userID, effectiveQuery string, questionResults []*models.ChunkHit, allChunks map[string]*models.ChunkHit, insert func(*models.ChunkHit)) externalKBState {
	state := externalKBState{}
	if req.Mode != "EXPLORER" || !a.kbCfg.Enabled || a.externalKB == nil {
		return state
	}

	var candidateBookIDs []string
	if req.ContextBookID != "" {
		candidateBookIDs = []string{strings.TrimSpace(req.ContextBookID)}
	} else {
		candidateBookIDs = inferExplorerBookIDs(questionResults, 3)
		if len(candidateBookIDs) == 0 {
			var pool []*models.ChunkHit
			for _, c := range allChunks {
				pool = append(pool, c)
			}
			candidateBookIDs = inferExplorerBookIDs(pool, 3)
		}
	}

	extLimitTotal := a.kbCfg.MaxCandidates
	if extLimitTotal < 1 {
		extLimitTotal = 1
	}
	if extLimitTotal > 10 {
		extLimitTotal = 10
	}
	perBookLimit := extLimitTotal
	if perBookLimit > 3 {
		perBookLimit = 3
	}

	seenExternal := make(map[string]bool)
	var external []*models.ChunkHit
	for _, bookID := range candidateBookIDs {
		if bookID == "" {
			continue
		}
		meta, _ := a.store.ExternalMeta(ctx, userID, bookID)
		if meta != nil {
			state.academicScope = state.academicScope || meta.AcademicScope
			if state.wikidataQID == "" {
				state.wikidataQID = meta.WikidataQID
			}
			state.openAlexUsed = state.openAlexUsed || meta.OpenAlexID != ""
			state.dbpediaUsed = state.dbpediaUsed || meta.DBpediaURI != ""
			state.orkgUsed = state.orkgUsed || meta.ORKGID != ""
		}

		candidates, err := a.externalKB.GetCandidates(ctx, userID, bookID, effectiveQuery, perBookLimit, a.kbCfg.MinConfidence)
		if err != nil {
			continue
		}
		for _, candidate := range candidates {
			text := candidate.Text
			if len(text) > 80 {
				text = text[:80]
			}
			cKey := candidate.Title + "_" + text
			if seenExternal[cKey] {
				continue
			}
			seenExternal[cKey] = true
			external = append(external, candidate)
			if len(external) >= extLimitTotal {
				break
			}
		}
		if len(external) >= extLimitTotal {
			break
		}
	}

	state.candidatesCount = len(external)
	state.used = len(external) > 0
	for _, c := range external {
		c.Ann().Level = "B"
		insert(c)
	}
	return state
}

func inferExplorerBookIDs(hits []*models.ChunkHit, hardLimit int) []string {
	counts := make(map[string]int)
	limit := len(hits)
	if limit > 60 {
		limit = 60
	}
	for _, chunk := range hits[:limit] {
		bookID := strings.TrimSpace(chunk.BookID)
		if bookID == "" {
			continue
		}
		counts[bookID]++
	}
	type pair struct {
		id    string
		count int
	}
	ordered := make([]pair, 0, len(counts))
	for id, count := range counts {
		ordered = append(ordered, pair{id, count})
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].count > ordered[j].count })
	if hardLimit < 1 {
		hardLimit = 1
	}
	out := make([]string, 0, hardLimit)
	for _, p := range ordered {
		out = append(out, p.id)
		if len(out) >= hardLimit {
			break
		}
	}
	return out
}

// runSupplementary fills evidence gaps with a keyword search when the pool is
// sparse. Returns (applied, skippedReason).
func (a *ContextAssemblerImpl) runSupplementary(ctx context.Context, req models.AnswerRequest, userID, effectiveQuery string, keywords []string, intent models.Intent, questionResults []*models.ChunkHit, allChunks map[string]*models.ChunkHit, insert func(*models.ChunkHit)) (bool, string) {
	if len(keywords) == 0 {
		return false, "no_keywords"
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	gapFillThreshold := limit
	if gapFillThreshold < 10 {
		gapFillThreshold = 10
	}
	if gapFillThreshold > 20 {
		gapFillThreshold = 20
	}

	shouldRun := false
	if !a.perfCfg.SupplementaryGateEnabled {
		shouldRun = len(allChunks) < gapFillThreshold
	} else {
		lowEvidenceThreshold := limit / 2
		if lowEvidenceThreshold < 4 {
			lowEvidenceThreshold = 4
		}
		if lowEvidenceThreshold > 10 {
			lowEvidenceThreshold = 10
		}
		sparsePrimary := len(questionResults) <= lowEvidenceThreshold
		sparseCombined := len(allChunks) < gapFillThreshold
		shouldRun = sparsePrimary && sparseCombined
		if !shouldRun {
			return false, "sufficient_primary_evidence"
		}
	}
	if !shouldRun {
		return false, ""
	}

	kwCount := len(keywords)
	if kwCount > 2 {
		kwCount = 2
	}
	searchKW := strings.TrimSpace(strings.Join(keywords[:kwCount], " "))
	if searchKW == "" || searchKW == effectiveQuery {
		return false, "keyword_variant_missing"
	}

	kwLimit := limit
	if kwLimit < 8 {
		kwLimit = 8
	}
	if kwLimit > 14 {
		kwLimit = 14
	}
	resp, err := a.orchestrator.Search(ctx, models.SearchRequest{
		Query:           searchKW,
		Limit:           kwLimit,
		Intent:          intent,
		ResourceType:    req.ResourceType,
		VisibilityScope: req.VisibilityScope,
		ContentType:     req.ContentType,
		IngestionType:   req.IngestionType,
		SessionID:       req.SessionID,
		ResultMixPolicy: mixPolicyLexicalTail,
		SemanticTailCap: a.searchCfg.SmartSemanticTailCap,
	}, userID)
	if err != nil {
		return false, ""
	}
	for _, c := range resp.Results {
		insert(c)
	}
	return true, ""
}
