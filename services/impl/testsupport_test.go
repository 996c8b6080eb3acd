package impl

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tomehub/tomehub/config"
	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// fakeStore is an in-memory Store over a small deterministic corpus.
type fakeStore struct {
	mu     sync.Mutex
	chunks []*models.ChunkHit
	// visibility per chunk id; unset means DEFAULT
	visibility map[string]models.SearchVisibility
	books      map[string]bool
	catalog    []models.BookRef
	edges      map[string][]*models.ExternalEdge
	shadow     []*models.ChunkHit
	vocab      []string

	logs        []*models.SearchLog
	nextLogID   int64
	vectorDim   int
	vectors     map[string][]float32
	graphRows   []*models.GraphNeighborRow
	conceptHits []int64

	searchCalls []models.SearchFilters

	// searchDelay slows every search call, for latency-budget tests.
	searchDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		visibility: map[string]models.SearchVisibility{},
		books:      map[string]bool{},
		edges:      map[string][]*models.ExternalEdge{},
		vectors:    map[string][]float32{},
		vectorDim:  8,
		nextLogID:  1,
	}
}

// testCorpus seeds the deterministic 4-item fixture used across the suite.
func testCorpus() *fakeStore {
	s := newFakeStore()
	s.books["b1"] = true
	s.books["b2"] = true
	s.books["b3"] = true
	s.catalog = []models.BookRef{
		{ItemID: "b1", Title: "Ahlak Felsefesi", Author: "A. Yazar"},
		{ItemID: "b2", Title: "Vicdan Üzerine", Author: "B. Yazar"},
		{ItemID: "b3", Title: "Medeniyet Tarihi", Author: "C. Yazar"},
	}
	add := func(h *models.ChunkHit) {
		h.NormalizedText = NormalizeMatchText(h.Text)
		s.chunks = append(s.chunks, h)
	}
	add(&models.ChunkHit{
		ID: "c1", BookID: "b1", Title: "Ahlak Felsefesi",
		SourceType: "HIGHLIGHT", PageNumber: 12,
		Text: "Vicdan, insanın içindeki ahlaki pusuladır ve vicdan kişisel yargının temelidir. Bu tanım üzerinde iki görüş vardır.",
	})
	add(&models.ChunkHit{
		ID: "c2", BookID: "b2", Title: "Vicdan Üzerine",
		SourceType: "INSIGHT", PageNumber: 45,
		Text: "Küfür kavramı toplumsal bağlamda değişkendir, ancak niyet her zaman önemlidir ve niyetli davranış ayrı değerlendirilir.",
	})
	add(&models.ChunkHit{
		ID: "c3", BookID: "b3", Title: "Medeniyet Tarihi",
		SourceType: "BOOK_CHUNK", PageNumber: 102,
		Text: "Medeniyet kavramının tarihsel gelişimi uzun bir süreçtir ve toplumların ortak mirasını anlatır. Bu süreç yüzyıllar boyunca devam etmiştir.",
	})
	add(&models.ChunkHit{
		ID: "c4", BookID: "b1", Title: "Ahlak Felsefesi",
		SourceType: "NOTE", PageNumber: 0,
		Comment: "bence vicdan degismez",
		Text:    "Kişisel not: adalet ve özgürlük kavramları birbirine bağlıdır, bir yandan bireysel diğer yandan toplumsal boyutu vardır.",
	})
	s.vocab = []string{"vicdan", "ahlak", "kufur", "niyet", "medeniyet", "adalet", "ozgurluk"}
	return s
}

func (s *fakeStore) visibilityOf(id string) models.SearchVisibility {
	if v, ok := s.visibility[id]; ok {
		return v
	}
	return models.VisibilityDefault
}

func (s *fakeStore) passesFilters(h *models.ChunkHit, filters models.SearchFilters) bool {
	vis := s.visibilityOf(h.ID)
	scope := strings.ToLower(filters.VisibilityScope)
	if scope != "all" {
		if vis != models.VisibilityDefault {
			return false
		}
	} else if vis == models.VisibilityNeverRetrieve {
		return false
	}
	if filters.ItemID != "" && h.BookID != filters.ItemID {
		return false
	}
	switch strings.ToUpper(filters.ResourceType) {
	case "":
	case "BOOK":
		switch h.SourceType {
		case "PDF", "EPUB", "PDF_CHUNK", "BOOK_CHUNK", "HIGHLIGHT", "INSIGHT":
		default:
			return false
		}
	case "ALL_NOTES":
		switch h.SourceType {
		case "HIGHLIGHT", "INSIGHT", "NOTE":
		default:
			return false
		}
	case "PERSONAL_NOTE":
		if h.SourceType != "NOTE" {
			return false
		}
	default:
		if h.SourceType != strings.ToUpper(filters.ResourceType) {
			return false
		}
	}
	if filters.ContentType != "" && h.SourceType != strings.ToUpper(filters.ContentType) {
		return false
	}
	if filters.ExcludePDF {
		switch h.SourceType {
		case "PDF", "EPUB", "PDF_CHUNK":
			return false
		}
	}
	switch filters.LengthFilter {
	case "SHORT":
		if len(h.Text) >= 600 {
			return false
		}
	case "LONG":
		if len(h.Text) <= 600 {
			return false
		}
	}
	return true
}

func cloneHit(h *models.ChunkHit) *models.ChunkHit {
	c := *h
	c.Annotation = nil
	return &c
}

func (s *fakeStore) SearchExact(ctx context.Context, userID, pattern string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	s.mu.Lock()
	s.searchCalls = append(s.searchCalls, filters)
	s.mu.Unlock()
	if s.searchDelay > 0 {
		time.Sleep(s.searchDelay)
	}
	var out []*models.ChunkHit
	needle := NormalizeMatchText(pattern)
	for _, h := range s.chunks {
		if !s.passesFilters(h, filters) {
			continue
		}
		if strings.Contains(h.NormalizedText, needle) {
			out = append(out, cloneHit(h))
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) SearchExactTokens(ctx context.Context, userID string, tokens []string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	var out []*models.ChunkHit
	for _, h := range s.chunks {
		if !s.passesFilters(h, filters) {
			continue
		}
		all := true
		for _, tok := range tokens {
			if !strings.Contains(h.NormalizedText, NormalizeMatchText(tok)) {
				all = false
				break
			}
		}
		if all {
			out = append(out, cloneHit(h))
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) SearchLemma(ctx context.Context, userID string, lemmas []string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	var out []*models.ChunkHit
	for _, h := range s.chunks {
		if !s.passesFilters(h, filters) {
			continue
		}
		for _, lemma := range lemmas {
			if strings.Contains(h.NormalizedText, NormalizeMatchText(lemma)) {
				out = append(out, cloneHit(h))
				break
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) SearchVector(ctx context.Context, userID string, vector []float32, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	var out []*models.ChunkHit
	for i, h := range s.chunks {
		if !s.passesFilters(h, filters) {
			continue
		}
		c := cloneHit(h)
		c.Distance = 0.1 + float64(i)*0.1
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) GraphNeighbors(ctx context.Context, userID string, seeds []int64, minStrength float64, limit, offset int) ([]*models.GraphNeighborRow, error) {
	return s.graphRows, nil
}

func (s *fakeStore) ConceptsByText(ctx context.Context, text string) ([]int64, error) {
	return s.conceptHits, nil
}

func (s *fakeStore) ConceptsByNames(ctx context.Context, names []string) ([]int64, error) {
	return nil, nil
}

func (s *fakeStore) ConceptsByVector(ctx context.Context, vector []float32, limit int) ([]int64, error) {
	return nil, nil
}

func (s *fakeStore) ConceptsForChunks(ctx context.Context, chunkIDs []string) ([]*models.ChunkConceptRow, error) {
	return nil, nil
}

func (s *fakeStore) RelationsForConcepts(ctx context.Context, conceptIDs []int64, limit int) ([]*models.ConceptRelationRow, error) {
	return nil, nil
}

func (s *fakeStore) ExternalEdges(ctx context.Context, userID, itemID string, limit int) ([]*models.ExternalEdge, error) {
	return s.edges[itemID], nil
}

func (s *fakeStore) ExternalMeta(ctx context.Context, userID, itemID string) (*models.ExternalMeta, error) {
	return &models.ExternalMeta{}, nil
}

func (s *fakeStore) ShadowCandidates(ctx context.Context, userID string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	var out []*models.ChunkHit
	for _, h := range s.shadow {
		out = append(out, cloneHit(h))
	}
	return out, nil
}

func (s *fakeStore) BookTitleCatalog(ctx context.Context, userID string) ([]models.BookRef, error) {
	return s.catalog, nil
}

func (s *fakeStore) UserBookIDs(ctx context.Context, userID string) (map[string]bool, error) {
	out := make(map[string]bool, len(s.books))
	for k, v := range s.books {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) LemmaOccurrences(ctx context.Context, userID, itemID, term string) (int, error) {
	total := 0
	for _, h := range s.chunks {
		if h.BookID != itemID {
			continue
		}
		total += CountLemmaStemHits(h.NormalizedText, []string{term})
	}
	return total, nil
}

func (s *fakeStore) KeywordContexts(ctx context.Context, userID, itemID, term string, limit int) ([]models.KeywordContext, error) {
	var out []models.KeywordContext
	for _, h := range s.chunks {
		if h.BookID != itemID {
			continue
		}
		if CountLemmaStemHits(h.NormalizedText, []string{term}) > 0 {
			out = append(out, models.KeywordContext{Snippet: h.Text, PageNumber: h.PageNumber, Title: h.Title})
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) UserLemmaVocabulary(ctx context.Context, userID string, limit int) ([]string, error) {
	return s.vocab, nil
}

func (s *fakeStore) LogSearch(ctx context.Context, entry *models.SearchLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextLogID
	s.nextLogID++
	s.logs = append(s.logs, entry)
	return entry.ID, nil
}

func (s *fakeStore) AppendSearchLogDiagnostics(ctx context.Context, logID int64, diagnostics map[string]any) error {
	return nil
}

var _ services.Store = (*fakeStore)(nil)

// fakeEmbedder returns a constant vector.
type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, taskType string, outputDim int) ([][]float32, error) {
	dim := f.dim
	if dim <= 0 {
		dim = 8
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = 0.5
		}
		out[i] = vec
	}
	return out, nil
}

// fakeLLMProvider returns a canned response or error.
type fakeLLMProvider struct {
	name     string
	response string
	err      error
	calls    int
	mu       sync.Mutex
}

func (f *fakeLLMProvider) Name() string { return f.name }

func (f *fakeLLMProvider) GenerateText(ctx context.Context, model, prompt string, opts services.GenerateOptions) (*services.GenerateResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &services.GenerateResult{
		Text:         f.response,
		ModelUsed:    model,
		ProviderName: f.name,
	}, nil
}

// noopExpander returns no variations.
type noopExpander struct{}

func (noopExpander) ExpandQuery(ctx context.Context, query string, maxVariations int) ([]string, error) {
	return nil, nil
}

// noopSpell returns the query unchanged.
type noopSpell struct{}

func (noopSpell) Correct(ctx context.Context, userID, query string) (string, error) {
	return query, nil
}

func testSearchConfig() *config.SearchConfig {
	return &config.SearchConfig{
		ModeRoutingEnabled:                   true,
		RouterMode:                           "rule_based",
		DefaultMode:                          "balanced",
		FusionMode:                           "concat",
		NoiseGuardEnabled:                    true,
		TypoRescueEnabled:                    true,
		LemmaSeedFallbackEnabled:             true,
		DynamicSingleTokenSemanticCapEnabled: true,
		SmartSemanticTailCap:                 6,
		ExpansionMaxVariations:               0,
		ExactFullTextEnabled:                 true,
		ExactSingleTokenEnabled:              true,
		ExactMinRowsForBackfill:              1,
		CacheL1TTLSeconds:                    300,
		EmbeddingModelVersion:                "emb-test",
		LLMModelVersion:                      "llm-test",
	}
}

func testPerfConfig() *config.PerfConfig {
	return &config.PerfConfig{MaxOutputTokensStandard: 650}
}

func newTestOrchestrator(store *fakeStore, cache services.CacheService, searchCfg *config.SearchConfig) *SearchOrchestrator {
	if searchCfg == nil {
		searchCfg = testSearchConfig()
	}
	embedder := &fakeEmbedder{dim: 8}
	exact := NewExactMatchStrategy(store, searchCfg)
	lemma := NewLemmaMatchStrategy(store)
	semantic := NewSemanticMatchStrategy(store, embedder, 8)
	shadow := NewOdlShadowRescueStrategy(store, searchCfg)
	return NewSearchOrchestrator(store, cache, searchCfg, testPerfConfig(), exact, lemma, semantic, shadow, noopExpander{}, noopSpell{})
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Search = *testSearchConfig()
	cfg.Perf = *testPerfConfig()
	cfg.Compare = config.CompareConfig{
		PolicyEnabled:     true,
		TargetMax:         8,
		PrimaryPerBook:    6,
		SecondaryPerBook:  2,
		TimeoutMs:         2500,
		SecondaryMaxRatio: 3,
	}
	cfg.Graph = config.GraphConfig{TimeoutMs: 120, BridgeTimeoutMs: 650, DirectSkip: true, ConceptStrengthMin: 0.3}
	cfg.ExternalKB = config.ExternalKBConfig{
		Enabled: false, MaxCandidates: 5, MinConfidence: 0.45,
		WikidataWeight: 0.15, OpenAlexWeight: 0.12, DBpediaWeight: 0.08, ORKGWeight: 0.08,
	}
	cfg.LLM = config.LLMConfig{
		ModelLite: "lite-model", ModelFlash: "flash-model", ModelPro: "pro-model",
		ExplorerRPMCap: 35, ExplorerSecondaryMaxPerRequest: 1, ProFallbackMaxPerRequest: 1,
		TimeoutSeconds: 30, ChatPromptTurns: 6,
		QuoteDynamicCountEnabled: true, QuoteDynamicMin: 2, QuoteDynamicMax: 5,
		ExplorerFallbackProvider: "gemini", ExplorerPrimaryProvider: "qwen", ExplorerPrimaryModel: "qwen-plus",
	}
	cfg.Embedding = config.EmbeddingConfig{OutputDim: 8, TimeoutSeconds: 5}
	return cfg
}
