package impl

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

const (
	semanticMixPolicyVersion = "v4"
	mixPolicyLexicalTail     = "lexical_then_semantic_tail"

	// orchestratorWorkers bounds all parallel strategy work for one request.
	orchestratorWorkers = 6
)

// SearchOrchestrator coordinates the hybrid search pipeline: routing, parallel
// strategy execution, rescue passes, fusion, mix policy, analytics and cache.
type SearchOrchestrator struct {
	store    services.Store
	cache    services.CacheService
	searchCfg *config.SearchConfig
	perfCfg  *config.PerfConfig

	router   *SemanticRouter
	exact    *ExactMatchStrategy
	lemma    *LemmaMatchStrategy
	semantic *SemanticMatchStrategy
	shadow   *OdlShadowRescueStrategy
	expander services.QueryExpander
	spell    services.SpellCorrector
}

func NewSearchOrchestrator(
	store services.Store,
	cache services.CacheService,
	searchCfg *config.SearchConfig,
	perfCfg *config.PerfConfig,
	exact *ExactMatchStrategy,
	lemma *LemmaMatchStrategy,
	semantic *SemanticMatchStrategy,
	shadow *OdlShadowRescueStrategy,
	expander services.QueryExpander,
	spell services.SpellCorrector,
) *SearchOrchestrator {
	return &SearchOrchestrator{
		store:     store,
		cache:     cache,
		searchCfg: searchCfg,
		perfCfg:   perfCfg,
		router:    &SemanticRouter{},
		exact:     exact,
		lemma:     lemma,
		semantic:  semantic,
		shadow:    shadow,
		expander:  expander,
		spell:     spell,
	}
}

func itemKey(h *models.ChunkHit) string {
	if h.ID != "" {
		return h.ID
	}
	text := h.Text
	if len(text) > 40 {
		text = text[:40]
	}
	return fmt.Sprintf("%s_%d_%s", h.Title, h.PageNumber, text)
}

func intentWeights(intent models.Intent) map[string]float64 {
	switch intent {
	case models.IntentDirect, models.IntentCitationSeeking, models.IntentFollowUp:
		return map[string]float64{"exact": 0.55, "lemma": 0.30, "semantic": 0.15}
	case models.IntentSynthesis, models.IntentNarrative, models.IntentSocietal, models.IntentComparative:
		return map[string]float64{"exact": 0.20, "lemma": 0.20, "semantic": 0.60}
	default:
		return map[string]float64{"exact": 0.34, "lemma": 0.33, "semantic": 0.33}
	}
}

func dynamicSingleTokenSemanticCap(lexicalTotal int) int {
	switch {
	case lexicalTotal > 30:
		return 2
	case lexicalTotal >= 20:
		return 3
	case lexicalTotal >= 10:
		return 4
	default:
		return 5
	}
}

func sourcePriority(h *models.ChunkHit) float64 {
	switch h.SourceType {
	case "HIGHLIGHT":
		return 1
	case "INSIGHT":
		return 2
	case "NOTE", "NOTES":
		return 3
	}
	if h.Comment != "" {
		return 2.5
	}
	return 4
}

func sortBucket(bucket []*models.ChunkHit) {
	sort.SliceStable(bucket, func(i, j int) bool {
		pi, pj := sourcePriority(bucket[i]), sourcePriority(bucket[j])
		if pi != pj {
			return pi < pj
		}
		return bucket[i].Score > bucket[j].Score
	})
}

// noiseSourceAllowlist is the set of source types the semantic tail accepts.
var noiseSourceAllowlist = map[string]bool{
	"PDF": true, "EPUB": true, "PDF_CHUNK": true, "BOOK": true, "BOOK_CHUNK": true,
	"HIGHLIGHT": true, "INSIGHT": true, "NOTES": true, "NOTE": true,
	"PERSONAL_NOTE": true, "ARTICLE": true, "ARTICLE_BODY": true,
	"WEBSITE": true, "WEBSITE_BODY": true, "GRAPH_RELATION": true,
}

// passesSemanticNoiseGuard keeps meaning-rich chunks and rejects obvious
// placeholder/test/template rows from the semantic tail.
func passesSemanticNoiseGuard(h *models.ChunkHit) bool {
	content := strings.TrimSpace(h.Text)
	contentLC := strings.ToLower(content)
	titleLC := strings.ToLower(strings.TrimSpace(h.Title))
	sourceType := strings.ToUpper(strings.TrimSpace(h.SourceType))

	if sourceType != "" && !noiseSourceAllowlist[sourceType] {
		return false
	}
	if len(content) < 60 {
		return false
	}
	if strings.Contains(contentLC, "website deneme") {
		return false
	}
	if (sourceType == "WEBSITE" || sourceType == "WEBSITE_BODY" || sourceType == "ARTICLE" || sourceType == "ARTICLE_BODY") && len(content) < 100 {
		return false
	}
	if strings.HasPrefix(contentLC, "title:") && len(content) < 220 {
		return false
	}
	if strings.HasPrefix(contentLC, "author:") && len(content) < 220 {
		return false
	}
	if strings.Contains(titleLC, "deneme") && len(content) < 180 {
		return false
	}
	if strings.Contains(titleLC, "unknown") && len(content) < 220 {
		return false
	}
	return true
}

type orchestratorState struct {
	queryOriginal          string
	queryCorrected         string
	queryCorrectionApplied bool
	typoRescueApplied      bool
	lemmaSeedApplied       bool
	semanticTailPolicy     string
	typoRescueAddedExact   int
	typoRescueAddedLemma   int
	lemmaSeedAdded         int
	expansionSkippedReason string

	bucketExact    []*models.ChunkHit
	bucketLemma    []*models.ChunkHit
	bucketSemantic []*models.ChunkHit

	variationCount       int
	semanticVariationHits int

	executedStrategies []string
	strategyTimingMs   map[string]int64
	timingMu           sync.Mutex
}

func (st *orchestratorState) recordTiming(label string, start time.Time) {
	st.timingMu.Lock()
	st.strategyTimingMs[label] += time.Since(start).Milliseconds()
	st.timingMu.Unlock()
}

// Search runs the orchestrated pipeline and returns results plus diagnostics.
func (o *SearchOrchestrator) Search(ctx context.Context, req models.SearchRequest, userID string) (*models.SearchResponse, error) {
	startTime := time.Now()
	intent := req.Intent
	if intent == "" {
		intent = models.IntentSynthesis
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	st := &orchestratorState{
		queryOriginal:      req.Query,
		queryCorrected:     req.Query,
		semanticTailPolicy: "default",
		strategyTimingMs:   make(map[string]int64),
	}
	log.Printf("[ORCHESTRATOR] SEARCH: %q | UID: %s | Intent: %s", req.Query, userID, intent)

	// Fetch pool sizing: a large pool keeps fusion stable on later pages.
	internalPoolLimit := 320
	if intent == models.IntentDirect || intent == models.IntentCitationSeeking {
		internalPoolLimit = 700
	}
	defaultTailCap := o.searchCfg.SmartSemanticTailCap
	if defaultTailCap <= 0 {
		defaultTailCap = 6
	}
	tailCapForFetch := defaultTailCap
	if req.SemanticTailCap > 0 {
		tailCapForFetch = req.SemanticTailCap
	}
	semanticFetchLimit := 20
	if req.ResultMixPolicy == mixPolicyLexicalTail {
		semanticFetchLimit = tailCapForFetch * 6
		if semanticFetchLimit < 24 {
			semanticFetchLimit = 24
		}
		if semanticFetchLimit > 72 {
			semanticFetchLimit = 72
		}
	}

	// Router decision.
	routerReason := "static_all"
	selectedBuckets := []string{"exact", "lemma", "semantic"}
	retrievalMode := "balanced"
	noiseGuardApplied := o.searchCfg.NoiseGuardEnabled

	if o.searchCfg.ModeRoutingEnabled {
		if o.searchCfg.RouterMode == "rule_based" {
			decision := o.router.Route(req.Query, intent, o.searchCfg.DefaultMode)
			selectedBuckets = decision.SelectedBuckets
			routerReason = decision.Reason
			retrievalMode = decision.RetrievalMode
		} else {
			retrievalMode = o.searchCfg.DefaultMode
			selectedBuckets = BucketsForMode(retrievalMode)
			routerReason = "static_mode:" + retrievalMode
		}
	} else {
		routerReason = "mode_routing_disabled"
	}
	routeFlags := ToStrategyFlags(selectedBuckets)

	// Cache probe. The key embeds every routing flag plus model versions so
	// code upgrades are cache-safe without manual flushes.
	cacheKey := ""
	if o.cache != nil {
		cacheKey = GenerateCacheKey("search", req.Query, userID, req.BookID, limit, o.searchCfg.EmbeddingModelVersion)
		cacheKey += fmt.Sprintf("_int:%s_off:%d_router:%s", intent, req.Offset, o.searchCfg.RouterMode)
		cacheKey += fmt.Sprintf("_mix:%s_semcap:%d_mixver:%s", req.ResultMixPolicy, req.SemanticTailCap, semanticMixPolicyVersion)
		cacheKey += fmt.Sprintf("_rmode:%s_noise:%t_modegate:%t", retrievalMode, noiseGuardApplied, o.searchCfg.ModeRoutingEnabled)
		cacheKey += fmt.Sprintf("_typo:%t_lemseed:%t_dyntail:%t", o.searchCfg.TypoRescueEnabled, o.searchCfg.LemmaSeedFallbackEnabled, o.searchCfg.DynamicSingleTokenSemanticCapEnabled)
		cacheKey += fmt.Sprintf("_vis:%s_ct:%s_it:%s", req.VisibilityScope, req.ContentType, req.IngestionType)

		var cached models.SearchResponse
		if hit, _ := o.cache.Get(ctx, cacheKey, &cached); hit {
			log.Printf("[ORCHESTRATOR] Cache HIT")
			if cached.Metadata == nil {
				cached.Metadata = map[string]any{}
			}
			cached.Metadata["cached"] = true
			cached.Metadata["CACHE_HIT"] = true
			cached.Metadata["CACHE_LAYER"] = "L1_OR_L2"
			return &cached, nil
		}
	}

	filters := models.SearchFilters{
		ItemID:          req.BookID,
		ResourceType:    req.ResourceType,
		ContentType:     req.ContentType,
		IngestionType:   req.IngestionType,
		VisibilityScope: req.VisibilityScope,
	}

	o.runStrategies(ctx, st, req, userID, intent, filters, routeFlags, internalPoolLimit, semanticFetchLimit)

	initialExactRaw := len(st.bucketExact)
	initialLemmaRaw := len(st.bucketLemma)
	initialLexicalRaw := initialExactRaw + initialLemmaRaw

	o.typoRescue(ctx, st, userID, intent, filters, routeFlags, internalPoolLimit, initialLexicalRaw)
	o.lemmaSeedFallback(ctx, st, userID, intent, filters, routeFlags, limit)
	routerReason = o.semanticSafetyNet(ctx, st, req.Query, userID, intent, filters, routeFlags, internalPoolLimit, routerReason, &selectedBuckets)

	bucketRawCounts := map[string]any{
		"initial_exact_raw_count":        initialExactRaw,
		"initial_lemma_raw_count":        initialLemmaRaw,
		"initial_lexical_raw_count":      initialLexicalRaw,
		"exact_raw_count":                len(st.bucketExact),
		"lemma_raw_count":                len(st.bucketLemma),
		"semantic_raw_count":             len(st.bucketSemantic),
		"semantic_variation_query_count": st.variationCount,
		"semantic_variation_hit_count":   st.semanticVariationHits,
		"typo_rescue_added_exact":        st.typoRescueAddedExact,
		"typo_rescue_added_lemma":        st.typoRescueAddedLemma,
		"lemma_seed_added_exact":         st.lemmaSeedAdded,
	}

	finalList := o.fuse(st, intent)

	var lexicalTotal, semanticTotalRaw, semanticTailAdded *int
	var semanticTailCapValue *int
	mixPolicyApplied := ""
	if req.ResultMixPolicy == mixPolicyLexicalTail {
		finalList, lexicalTotal, semanticTotalRaw, semanticTailAdded, semanticTailCapValue = o.applyMixPolicy(st, finalList, req.SemanticTailCap, defaultTailCap, noiseGuardApplied)
		mixPolicyApplied = mixPolicyLexicalTail
	}

	totalFound := len(finalList)
	start := req.Offset
	if start > totalFound {
		start = totalFound
	}
	end := start + limit
	if end > totalFound {
		end = totalFound
	}
	topCandidates := finalList[start:end]

	durationMs := time.Since(startTime).Milliseconds()

	metadata := map[string]any{
		"total_count":               totalFound,
		"cached":                    false,
		"duration_ms":               durationMs,
		"retrieval_fusion_mode":     o.searchCfg.FusionMode,
		"retrieval_path":            "hybrid",
		"retrieval_steps":           bucketRawCounts,
		"router_mode":               o.searchCfg.RouterMode,
		"router_reason":             routerReason,
		"retrieval_mode":            retrievalMode,
		"selected_buckets":          selectedBuckets,
		"executed_strategies":       st.executedStrategies,
		"lexical_total":             derefOrNil(lexicalTotal),
		"semantic_total_raw":        derefOrNil(semanticTotalRaw),
		"semantic_tail_cap":         derefOrNil(semanticTailCapValue),
		"semantic_tail_added":       derefOrNil(semanticTailAdded),
		"semantic_tail_policy":      st.semanticTailPolicy,
		"result_mix_policy":         mixPolicyApplied,
		"query_original":            st.queryOriginal,
		"query_corrected":           st.queryCorrected,
		"query_correction_applied":  st.queryCorrectionApplied,
		"typo_rescue_applied":       st.typoRescueApplied,
		"lemma_seed_fallback_applied": st.lemmaSeedApplied,
		"visibility_scope":          req.VisibilityScope,
		"content_type_filter":       req.ContentType,
		"ingestion_type_filter":     req.IngestionType,
		"latency_budget_applied":    false,
		"graph_timeout_triggered":   false,
		"noise_guard_applied":       noiseGuardApplied,
		"expansion_skipped_reason":  st.expansionSkippedReason,
		"strategy_timing_ms":        st.strategyTimingMs,
		"CACHE_HIT":                 false,
		"CACHE_LAYER":               "MISS",
	}

	// Analytics: best-effort, never fails the request.
	if logID := o.logSearch(ctx, userID, req, intent, topCandidates, durationMs, metadata); logID != 0 {
		metadata["search_log_id"] = logID
	}

	response := &models.SearchResponse{
		Results:    topCandidates,
		TotalCount: totalFound,
		Metadata:   metadata,
	}

	if o.cache != nil && cacheKey != "" {
		if err := o.cache.Set(ctx, cacheKey, response, o.searchCfg.CacheL1TTLSeconds); err != nil {
			log.Printf("Search cache set failed: %v", err)
		}
	}

	return response, nil
}

func derefOrNil(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// runStrategies dispatches the routed strategies plus expansion variations on
// a bounded worker pool and collects bucketed results.
func (o *SearchOrchestrator) runStrategies(
	ctx context.Context,
	st *orchestratorState,
	req models.SearchRequest,
	userID string,
	intent models.Intent,
	filters models.SearchFilters,
	routeFlags RouteFlags,
	internalPoolLimit, semanticFetchLimit int,
) {
	sem := semaphore.NewWeighted(orchestratorWorkers)
	var wg sync.WaitGroup
	var mu sync.Mutex

	// Expansion starts first so it overlaps with the strategy passes.
	expansionLimit := o.searchCfg.ExpansionMaxVariations
	if expansionLimit > 3 {
		expansionLimit = 3
	}
	var variations []string
	expansionDone := make(chan struct{})
	if expansionLimit > 0 && o.expander != nil && routeFlags.RunSemantic {
		expansionTimeout := 6 * time.Second
		if o.perfCfg.ExpansionTailFixEnabled {
			expansionTimeout = 2 * time.Second
		}
		expCtx, expCancel := context.WithTimeout(ctx, expansionTimeout)
		go func() {
			defer close(expansionDone)
			defer expCancel()
			vars, err := o.expander.ExpandQuery(expCtx, req.Query, expansionLimit)
			if err != nil {
				if expCtx.Err() != nil {
					st.expansionSkippedReason = "expansion_timeout"
				} else {
					st.expansionSkippedReason = "expansion_error"
				}
				return
			}
			variations = vars
		}()
	} else {
		close(expansionDone)
		if expansionLimit <= 0 {
			st.expansionSkippedReason = "expansion_disabled"
		}
	}

	runOne := func(label string, fn func(context.Context) ([]*models.ChunkHit, error), sink *[]*models.ChunkHit) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			started := time.Now()
			res, err := fn(ctx)
			st.recordTiming(label, started)
			if err != nil {
				log.Printf("Strat %s failed: %v", label, err)
				return
			}
			if len(res) > 0 {
				mu.Lock()
				*sink = append(*sink, res...)
				mu.Unlock()
				log.Printf("Strat %s returned %d hits", label, len(res))
			}
		}()
	}

	if routeFlags.RunExact && o.exact != nil {
		st.executedStrategies = append(st.executedStrategies, o.exact.Name())
		runOne(o.exact.Name(), func(c context.Context) ([]*models.ChunkHit, error) {
			return o.exact.Search(c, req.Query, userID, internalPoolLimit, 0, intent, filters)
		}, &st.bucketExact)
	}
	if routeFlags.RunLemma && o.lemma != nil {
		st.executedStrategies = append(st.executedStrategies, o.lemma.Name())
		runOne(o.lemma.Name(), func(c context.Context) ([]*models.ChunkHit, error) {
			return o.lemma.Search(c, req.Query, userID, internalPoolLimit, 0, intent, filters)
		}, &st.bucketLemma)
	}
	if routeFlags.RunSemantic && o.semantic != nil {
		st.executedStrategies = append(st.executedStrategies, o.semantic.Name())
		runOne(o.semantic.Name(), func(c context.Context) ([]*models.ChunkHit, error) {
			return o.semantic.Search(c, req.Query, userID, semanticFetchLimit, 0, intent, filters)
		}, &st.bucketSemantic)
	}
	// The shadow rescue is additive: it feeds the exact bucket tail.
	if o.shadow != nil && o.searchCfg.OdlRescueEnabled {
		st.executedStrategies = append(st.executedStrategies, o.shadow.Name())
		runOne(o.shadow.Name(), func(c context.Context) ([]*models.ChunkHit, error) {
			return o.shadow.Search(c, req.Query, userID, 8, 0, intent, filters)
		}, &st.bucketExact)
	}

	wg.Wait()
	<-expansionDone

	// Variation passes run after the primary sweep resolves.
	if routeFlags.RunSemantic && o.semantic != nil && len(variations) > 0 {
		st.variationCount = len(variations)
		variationFetchLimit := semanticFetchLimit / 2
		if variationFetchLimit < 12 {
			variationFetchLimit = 12
		}
		var varWG sync.WaitGroup
		for _, varQuery := range variations {
			varQuery := varQuery
			varWG.Add(1)
			go func() {
				defer varWG.Done()
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)
				started := time.Now()
				res, err := o.semantic.Search(ctx, varQuery, userID, variationFetchLimit, 0, intent, filters)
				st.recordTiming("SemanticMatchStrategy_Var", started)
				if err != nil || len(res) == 0 {
					return
				}
				mu.Lock()
				st.bucketSemantic = append(st.bucketSemantic, res...)
				st.semanticVariationHits += len(res)
				mu.Unlock()
			}()
		}
		varWG.Wait()
	}
}

// typoRescue re-runs the lexical strategies once with a corrected query when
// the raw lexical yield is very low.
func (o *SearchOrchestrator) typoRescue(ctx context.Context, st *orchestratorState, userID string, intent models.Intent, filters models.SearchFilters, routeFlags RouteFlags, internalPoolLimit, initialLexicalRaw int) {
	if !o.searchCfg.TypoRescueEnabled || initialLexicalRaw > 2 || o.spell == nil {
		return
	}
	if !routeFlags.RunExact && !routeFlags.RunLemma {
		return
	}
	corrected, err := o.spell.Correct(ctx, userID, st.queryOriginal)
	if err != nil || corrected == "" || corrected == st.queryOriginal {
		return
	}
	st.queryCorrected = corrected
	st.queryCorrectionApplied = true
	st.typoRescueApplied = true

	rescueLimit := internalPoolLimit
	if rescueLimit > 160 {
		rescueLimit = 160
	}

	if routeFlags.RunExact && o.exact != nil {
		if rescued, rerr := o.exact.Search(ctx, corrected, userID, rescueLimit, 0, intent, filters); rerr == nil && len(rescued) > 0 {
			st.bucketExact = append(st.bucketExact, rescued...)
			st.typoRescueAddedExact = len(rescued)
		}
	}
	if routeFlags.RunLemma && o.lemma != nil {
		if rescued, rerr := o.lemma.Search(ctx, corrected, userID, rescueLimit, 0, intent, filters); rerr == nil && len(rescued) > 0 {
			st.bucketLemma = append(st.bucketLemma, rescued...)
			st.typoRescueAddedLemma = len(rescued)
		}
	}
}

// lemmaSeedFallback runs Exact for up to 2 seed lemmas when the lemma bucket
// came back empty.
func (o *SearchOrchestrator) lemmaSeedFallback(ctx context.Context, st *orchestratorState, userID string, intent models.Intent, filters models.SearchFilters, routeFlags RouteFlags, limit int) {
	if !o.searchCfg.LemmaSeedFallbackEnabled || !routeFlags.RunExact || o.exact == nil || len(st.bucketLemma) > 0 {
		return
	}
	sourceQuery := st.queryOriginal
	if st.queryCorrectionApplied {
		sourceQuery = st.queryCorrected
	}
	rawLemmas := FilterQueryLemmas(GetLemmas(sourceQuery))
	var seedLemmas []string
	seenNorm := make(map[string]bool)
	for _, lemma := range rawLemmas {
		norm := DeaccentText(strings.TrimSpace(lemma))
		if len(norm) < 3 || seenNorm[norm] {
			continue
		}
		seenNorm[norm] = true
		seedLemmas = append(seedLemmas, strings.TrimSpace(lemma))
		if len(seedLemmas) >= 2 {
			break
		}
	}
	if len(seedLemmas) == 0 {
		return
	}
	st.lemmaSeedApplied = true
	seedLimit := limit * 4
	if seedLimit < 40 {
		seedLimit = 40
	}
	if seedLimit > 120 {
		seedLimit = 120
	}
	for _, seed := range seedLemmas {
		seedHits, err := o.exact.Search(ctx, seed, userID, seedLimit, 0, intent, filters)
		if err != nil {
			log.Printf("Lemma-seed fallback failed for %q: %v", seed, err)
			continue
		}
		for _, hit := range seedHits {
			hit.MatchType = "exact_lemma_seed"
			st.bucketExact = append(st.bucketExact, hit)
		}
		st.lemmaSeedAdded += len(seedHits)
	}
}

// semanticSafetyNet forces one semantic pass when lexical-only routing
// produced nothing at all.
func (o *SearchOrchestrator) semanticSafetyNet(ctx context.Context, st *orchestratorState, query, userID string, intent models.Intent, filters models.SearchFilters, routeFlags RouteFlags, internalPoolLimit int, routerReason string, selectedBuckets *[]string) string {
	if len(st.bucketExact) > 0 || len(st.bucketLemma) > 0 || len(st.bucketSemantic) > 0 {
		return routerReason
	}
	if o.semantic == nil || routeFlags.RunSemantic {
		return routerReason
	}
	log.Printf("Router produced zero lexical hits; enabling semantic safety fallback for %q", query)
	fallbackLimit := internalPoolLimit
	if fallbackLimit < 20 {
		fallbackLimit = 20
	}
	if fallbackLimit > 100 {
		fallbackLimit = 100
	}
	res, err := o.semantic.Search(ctx, query, userID, fallbackLimit, 0, intent, filters)
	if err != nil {
		log.Printf("Semantic safety fallback failed: %v", err)
		return routerReason
	}
	if len(res) > 0 {
		st.bucketSemantic = append(st.bucketSemantic, res...)
		st.executedStrategies = append(st.executedStrategies, "SemanticMatchStrategy_SafetyFallback")
		hasSemantic := false
		for _, b := range *selectedBuckets {
			if b == "semantic" {
				hasSemantic = true
			}
		}
		if !hasSemantic {
			*selectedBuckets = append(*selectedBuckets, "semantic")
		}
		return routerReason + "+semantic_fallback_no_lexical_hits"
	}
	return routerReason
}

// fuse merges the buckets either via weighted RRF or via strict concatenation.
func (o *SearchOrchestrator) fuse(st *orchestratorState, intent models.Intent) []*models.ChunkHit {
	if o.searchCfg.FusionMode == "rrf" {
		return o.fuseRRF(st, intent)
	}
	return o.fuseConcat(st)
}

func (o *SearchOrchestrator) fuseRRF(st *orchestratorState, intent models.Intent) []*models.ChunkHit {
	type bucketDef struct {
		name          string
		bucket        []*models.ChunkHit
		priority      int
		fallbackMatch string
	}
	bucketDefs := []bucketDef{
		{"exact", st.bucketExact, 0, "content_exact"},
		{"lemma", st.bucketLemma, 1, "content_fuzzy"},
		{"semantic", st.bucketSemantic, 2, "semantic"},
	}

	candidatePool := make(map[string]*models.ChunkHit)
	var rankings [][]string
	var weights []float64
	weightsByIntent := intentWeights(intent)

	for _, def := range bucketDefs {
		var ranking []string
		for _, item := range def.bucket {
			key := itemKey(item)
			ranking = append(ranking, key)
			if existing, ok := candidatePool[key]; ok {
				if item.Score > existing.Score {
					existing.Score = item.Score
				}
				continue
			}
			if item.MatchType == "" {
				item.MatchType = def.fallbackMatch
			}
			item.Ann().BucketPriority = def.priority
			candidatePool[key] = item
		}
		if len(ranking) > 0 {
			rankings = append(rankings, ranking)
			weights = append(weights, weightsByIntent[def.name])
		}
	}

	rrfScores := ComputeRRF(rankings, 60, weights)
	fused := make([]*models.ChunkHit, 0, len(rrfScores))
	for key, sc := range rrfScores {
		item, ok := candidatePool[key]
		if !ok {
			continue
		}
		item.Ann().RRFScore = sc
		fused = append(fused, item)
	}
	sort.SliceStable(fused, func(i, j int) bool {
		si, sj := fused[i].Ann().RRFScore, fused[j].Ann().RRFScore
		if si != sj {
			return si > sj
		}
		// Tie-break: lower bucket priority first, then raw score.
		pi, pj := fused[i].Ann().BucketPriority, fused[j].Ann().BucketPriority
		if pi != pj {
			return pi < pj
		}
		return fused[i].Score > fused[j].Score
	})
	return fused
}

func (o *SearchOrchestrator) fuseConcat(st *orchestratorState) []*models.ChunkHit {
	// Strict concatenation: EXACT > LEMMA > SEMANTIC, dedup keeps earliest.
	sortBucket(st.bucketExact)
	sortBucket(st.bucketLemma)

	var finalList []*models.ChunkHit
	seen := make(map[string]bool)
	addBatch := func(batch []*models.ChunkHit, matchLabel string) {
		for _, item := range batch {
			key := itemKey(item)
			if seen[key] {
				continue
			}
			seen[key] = true
			if item.MatchType == "" {
				item.MatchType = matchLabel
			}
			finalList = append(finalList, item)
		}
	}
	addBatch(st.bucketExact, "content_exact")
	addBatch(st.bucketLemma, "content_fuzzy")
	addBatch(st.bucketSemantic, "semantic")
	return finalList
}

// applyMixPolicy splits lexical from semantic hits, guards the semantic tail
// for noise, applies the adaptive floor and cap, and reassembles the list.
func (o *SearchOrchestrator) applyMixPolicy(st *orchestratorState, finalList []*models.ChunkHit, reqTailCap, defaultTailCap int, noiseGuardApplied bool) ([]*models.ChunkHit, *int, *int, *int, *int) {
	tailCap := defaultTailCap
	if reqTailCap > 0 {
		tailCap = reqTailCap
	}

	var lexicalList, semanticListRaw []*models.ChunkHit
	seen := make(map[string]bool)
	for _, item := range finalList {
		key := itemKey(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		if strings.Contains(strings.ToLower(item.MatchType), "semantic") {
			semanticListRaw = append(semanticListRaw, item)
		} else {
			lexicalList = append(lexicalList, item)
		}
	}

	lexicalSourceTypes := make(map[string]bool)
	for _, item := range lexicalList {
		if item.SourceType != "" {
			lexicalSourceTypes[strings.ToUpper(item.SourceType)] = true
		}
	}

	semanticList := semanticListRaw
	if noiseGuardApplied {
		semanticList = nil
		for _, item := range semanticListRaw {
			if passesSemanticNoiseGuard(item) {
				semanticList = append(semanticList, item)
			}
		}
	}
	sort.SliceStable(semanticList, func(i, j int) bool { return semanticList[i].Score > semanticList[j].Score })

	// Adaptive confidence floor: skip low-score noise while still allowing a
	// tail for low-score corpora.
	semanticScored := semanticList
	if noiseGuardApplied && len(semanticList) > 0 {
		topScore := semanticList[0].Score
		if topScore > 0 {
			floor := topScore * 0.35
			if floor < 2.0 {
				floor = 2.0
			}
			semanticScored = nil
			for _, item := range semanticList {
				if item.Score >= floor {
					semanticScored = append(semanticScored, item)
				}
			}
		}
	}
	if len(semanticScored) == 0 && len(semanticList) > 0 {
		ceil := tailCap
		if ceil < 3 {
			ceil = 3
		}
		if ceil > len(semanticList) {
			ceil = len(semanticList)
		}
		semanticScored = semanticList[:ceil]
	}

	// Prefer source types already present in the lexical hits, then backfill.
	semanticOrdered := semanticScored
	if len(lexicalSourceTypes) > 0 {
		var preferred, secondary []*models.ChunkHit
		for _, item := range semanticScored {
			if lexicalSourceTypes[strings.ToUpper(item.SourceType)] {
				preferred = append(preferred, item)
			} else {
				secondary = append(secondary, item)
			}
		}
		semanticOrdered = append(preferred, secondary...)
	}

	semanticTotalRaw := len(semanticListRaw)
	lexicalTotal := len(lexicalList)
	if o.searchCfg.DynamicSingleTokenSemanticCapEnabled && TokenCount(st.queryOriginal) == 1 {
		st.semanticTailPolicy = "dynamic_single_token"
		tailCap = dynamicSingleTokenSemanticCap(lexicalTotal)
	}
	if tailCap > len(semanticOrdered) {
		tailCap = len(semanticOrdered)
	}
	semanticTail := semanticOrdered[:tailCap]
	semanticTailAdded := len(semanticTail)

	out := append(lexicalList, semanticTail...)
	return out, &lexicalTotal, &semanticTotalRaw, &semanticTailAdded, &tailCap
}

// logSearch writes the analytics row with the structured diagnostics envelope.
func (o *SearchOrchestrator) logSearch(ctx context.Context, userID string, req models.SearchRequest, intent models.Intent, results []*models.ChunkHit, durationMs int64, diagnostics map[string]any) int64 {
	if o.store == nil {
		return 0
	}
	entry := &models.SearchLog{
		UserID:      userID,
		Query:       req.Query,
		Intent:      string(intent),
		SessionID:   req.SessionID,
		ResultCount: len(results),
		DurationMs:  int(durationMs),
	}
	if len(results) > 0 {
		entry.TopResultID = results[0].ID
		entry.TopResultScore = results[0].Score
	}
	if blob, err := models.ConvertToJSON(diagnostics); err == nil {
		entry.StrategyDetails = blob
	}
	logID, err := o.store.LogSearch(ctx, entry)
	if err != nil {
		log.Printf("Search log failed: %v", err)
		return 0
	}
	return logID
}
