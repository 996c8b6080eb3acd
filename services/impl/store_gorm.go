package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tomehub/tomehub/models"
	"github.com/tomehub/tomehub/services"
)

// gormStore implements services.Store on top of gorm/postgres.
//
// Vector search loads the filtered candidate set and ranks by cosine distance
// in process. A personal library stays small enough for this to hold; swapping
// in an indexed ANN backend only requires replacing SearchVector.
type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) services.Store {
	return &gormStore{db: db}
}

func (s *gormStore) applyFilters(q *gorm.DB, filters models.SearchFilters) *gorm.DB {
	rt := strings.ToUpper(strings.TrimSpace(filters.ResourceType))
	switch rt {
	case "":
	case "BOOK":
		q = q.Where("c.content_type IN ?", []string{"PDF", "EPUB", "PDF_CHUNK", "BOOK_CHUNK", "HIGHLIGHT", "INSIGHT"})
	case "ALL_NOTES":
		q = q.Where("c.content_type IN ?", []string{"HIGHLIGHT", "INSIGHT", "NOTE"})
	case "PERSONAL_NOTE":
		q = q.Where("c.content_type = ?", "NOTE")
	case "ARTICLE":
		q = q.Where("c.content_type = ?", "ARTICLE_BODY")
	case "WEBSITE":
		q = q.Where("c.content_type = ?", "WEBSITE_BODY")
	default:
		// Strict mode for raw/legacy content types.
		q = q.Where("c.content_type = ?", rt)
	}

	if bid := strings.TrimSpace(filters.ItemID); bid != "" {
		q = q.Where("c.item_id = ?", bid)
	}

	scope := strings.ToLower(strings.TrimSpace(filters.VisibilityScope))
	if scope != "all" {
		scope = "default"
	}
	if scope == "all" {
		q = q.Where("COALESCE(l.search_visibility, 'DEFAULT') <> ?", string(models.VisibilityNeverRetrieve))
	} else {
		q = q.Where("COALESCE(l.search_visibility, 'DEFAULT') = ?", string(models.VisibilityDefault))
	}

	if ct := strings.ToUpper(strings.TrimSpace(filters.ContentType)); ct != "" {
		q = q.Where("c.content_type = ?", ct)
	}
	if it := strings.ToUpper(strings.TrimSpace(filters.IngestionType)); it != "" {
		q = q.Where("c.ingestion_type = ?", it)
	}
	if filters.ExcludePDF {
		q = q.Where("c.content_type NOT IN ?", []string{"PDF", "EPUB", "PDF_CHUNK"})
	}
	switch filters.LengthFilter {
	case "SHORT":
		q = q.Where("LENGTH(c.text) < 600")
	case "LONG":
		q = q.Where("LENGTH(c.text) > 600")
	}
	return q
}

type chunkRow struct {
	ID             string
	Title          string
	Text           string
	NormalizedText string
	ContentType    string
	PageNumber     int
	Tags           []byte
	Summary        string
	Comment        string
	ItemID         string
	Vector         []byte
	RagWeight      float64
}

func (s *gormStore) baseQuery(ctx context.Context, userID string) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("tomehub_content AS c").
		Select(`c.id, c.title, c.text, c.normalized_text, c.content_type,
			c.page_number, c.tags, l.summary_text AS summary, c.comment, c.item_id, c.vector, c.rag_weight`).
		Joins("LEFT JOIN tomehub_library_items l ON c.item_id = l.item_id AND c.user_id = l.user_id").
		Where("c.user_id = ?", userID).
		Where("c.ai_eligible = ?", true)
}

func rowToHit(r chunkRow) *models.ChunkHit {
	return &models.ChunkHit{
		ID:             r.ID,
		Title:          r.Title,
		Text:           r.Text,
		NormalizedText: r.NormalizedText,
		SourceType:     r.ContentType,
		PageNumber:     r.PageNumber,
		Tags:           string(r.Tags),
		Summary:        r.Summary,
		Comment:        r.Comment,
		BookID:         r.ItemID,
	}
}

func (s *gormStore) SearchExact(ctx context.Context, userID, pattern string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	var rows []chunkRow
	q := s.applyFilters(s.baseQuery(ctx, userID), filters).
		Where(`c.normalized_text LIKE ? ESCAPE '\'`, ContainsLikePattern(pattern)).
		Order("c.id DESC").
		Limit(limit)
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("exact search: %w", err)
	}
	hits := make([]*models.ChunkHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, rowToHit(r))
	}
	return hits, nil
}

func (s *gormStore) SearchExactTokens(ctx context.Context, userID string, tokens []string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	q := s.applyFilters(s.baseQuery(ctx, userID), filters)
	for _, tok := range tokens {
		q = q.Where(`c.normalized_text LIKE ? ESCAPE '\'`, ContainsLikePattern(tok))
	}
	var rows []chunkRow
	if err := q.Order("c.id DESC").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("exact token search: %w", err)
	}
	hits := make([]*models.ChunkHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, rowToHit(r))
	}
	return hits, nil
}

func (s *gormStore) SearchLemma(ctx context.Context, userID string, lemmas []string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	if len(lemmas) == 0 {
		return nil, nil
	}
	q := s.applyFilters(s.baseQuery(ctx, userID), filters)
	conds := make([]string, 0, len(lemmas))
	args := make([]any, 0, len(lemmas))
	for _, lemma := range lemmas {
		conds = append(conds, "c.lemmas::text LIKE ?")
		args = append(args, `%"`+EscapeLikeLiteral(lemma)+`"%`)
	}
	q = q.Where(strings.Join(conds, " OR "), args...)
	var rows []chunkRow
	if err := q.Order("c.id DESC").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("lemma search: %w", err)
	}
	hits := make([]*models.ChunkHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, rowToHit(r))
	}
	return hits, nil
}

func (s *gormStore) SearchVector(ctx context.Context, userID string, vector []float32, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	var rows []chunkRow
	q := s.applyFilters(s.baseQuery(ctx, userID), filters).
		Where("c.vector IS NOT NULL")
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	type scored struct {
		hit  *models.ChunkHit
		dist float64
	}
	candidates := make([]scored, 0, len(rows))
	for _, r := range rows {
		var vec []float32
		if err := json.Unmarshal(r.Vector, &vec); err != nil || len(vec) != len(vector) {
			continue
		}
		dist := cosineDistance(vector, vec)
		ragWeight := r.RagWeight
		if ragWeight <= 0 {
			ragWeight = 1.0
		}
		hit := rowToHit(r)
		hit.Distance = dist / ragWeight
		candidates = append(candidates, scored{hit: hit, dist: hit.Distance})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	hits := make([]*models.ChunkHit, 0, len(candidates))
	for _, c := range candidates {
		hits = append(hits, c.hit)
	}
	return hits, nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1.0
	}
	return 1.0 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func (s *gormStore) GraphNeighbors(ctx context.Context, userID string, seedConceptIDs []int64, minStrength float64, limit, offset int) ([]*models.GraphNeighborRow, error) {
	if len(seedConceptIDs) == 0 {
		return nil, nil
	}
	var rows []*models.GraphNeighborRow
	err := s.db.WithContext(ctx).
		Table("tomehub_relations AS r").
		Select(`ct.id AS chunk_id, ct.text, ct.title, ct.page_number,
			ct.content_type AS source_type, ct.item_id AS book_id,
			cn.name AS related_concept, r.rel_type, r.weight, COALESCE(cc.strength, 0) AS strength`).
		Joins("JOIN tomehub_concepts cn ON r.dst_id = cn.id OR r.src_id = cn.id").
		Joins("JOIN tomehub_concept_chunks cc ON cn.id = cc.concept_id").
		Joins("JOIN tomehub_content ct ON cc.chunk_id = ct.id").
		Where("r.src_id IN ? OR r.dst_id IN ?", seedConceptIDs, seedConceptIDs).
		Where("cn.id NOT IN ?", seedConceptIDs).
		Where("ct.user_id = ?", userID).
		Where("ct.ai_eligible = ?", true).
		Where("cc.strength IS NULL OR cc.strength >= ?", minStrength).
		Offset(offset).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("graph neighbors: %w", err)
	}
	return rows, nil
}

func (s *gormStore) ConceptsByText(ctx context.Context, text string) ([]int64, error) {
	norm := NormalizeMatchText(text)
	if norm == "" {
		return nil, nil
	}
	var ids []int64
	err := s.db.WithContext(ctx).
		Table("tomehub_concepts").
		Select("id").
		Where("? LIKE '%' || LOWER(name) || '%'", norm).
		Limit(10).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("concepts by text: %w", err)
	}
	return ids, nil
}

func (s *gormStore) ConceptsByNames(ctx context.Context, names []string) ([]int64, error) {
	if len(names) == 0 {
		return nil, nil
	}
	lowered := make([]string, 0, len(names))
	for _, n := range names {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(n)))
	}
	var ids []int64
	err := s.db.WithContext(ctx).
		Table("tomehub_concepts").
		Select("id").
		Where("LOWER(name) IN ?", lowered).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("concepts by names: %w", err)
	}
	return ids, nil
}

func (s *gormStore) ConceptsByVector(ctx context.Context, vector []float32, limit int) ([]int64, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	type conceptVec struct {
		ID                int64
		DescriptionVector []byte
	}
	var rows []conceptVec
	err := s.db.WithContext(ctx).
		Table("tomehub_concepts").
		Select("id, description_vector").
		Where("description_vector IS NOT NULL").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("concepts by vector: %w", err)
	}
	type scored struct {
		id   int64
		dist float64
	}
	candidates := make([]scored, 0, len(rows))
	for _, r := range rows {
		var vec []float32
		if err := json.Unmarshal(r.DescriptionVector, &vec); err != nil || len(vec) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{id: r.ID, dist: cosineDistance(vector, vec)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.id)
	}
	return ids, nil
}

func (s *gormStore) ConceptsForChunks(ctx context.Context, chunkIDs []string) ([]*models.ChunkConceptRow, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	var rows []*models.ChunkConceptRow
	err := s.db.WithContext(ctx).
		Table("tomehub_concept_chunks AS cc").
		Select("cc.chunk_id, c.id AS concept_id, c.name AS concept_name").
		Joins("JOIN tomehub_concepts c ON c.id = cc.concept_id").
		Where("cc.chunk_id IN ?", chunkIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("concepts for chunks: %w", err)
	}
	return rows, nil
}

func (s *gormStore) RelationsForConcepts(ctx context.Context, conceptIDs []int64, limit int) ([]*models.ConceptRelationRow, error) {
	if len(conceptIDs) == 0 {
		return nil, nil
	}
	var rows []*models.ConceptRelationRow
	err := s.db.WithContext(ctx).
		Table("tomehub_relations AS r").
		Select("c1.name AS src_name, r.rel_type, c2.name AS dst_name").
		Joins("JOIN tomehub_concepts c1 ON r.src_id = c1.id").
		Joins("JOIN tomehub_concepts c2 ON r.dst_id = c2.id").
		Where("r.src_id IN ? OR r.dst_id IN ?", conceptIDs, conceptIDs).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("relations for concepts: %w", err)
	}
	return rows, nil
}

func (s *gormStore) ExternalEdges(ctx context.Context, userID, itemID string, limit int) ([]*models.ExternalEdge, error) {
	type edgeRow struct {
		ID       int64
		RelType  string
		Weight   float64
		Provider string
		SrcLabel string
		DstLabel string
	}
	var rows []edgeRow
	err := s.db.WithContext(ctx).
		Table("tomehub_external_edges AS e").
		Select("e.id, e.rel_type, e.weight, e.provider, src.label AS src_label, dst.label AS dst_label").
		Joins("JOIN tomehub_external_entities src ON src.id = e.src_entity_id").
		Joins("JOIN tomehub_external_entities dst ON dst.id = e.dst_entity_id").
		Where("e.item_id = ? AND e.user_id = ?", itemID, userID).
		Order("e.updated_at DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("external edges: %w", err)
	}
	edges := make([]*models.ExternalEdge, 0, len(rows))
	for _, r := range rows {
		edges = append(edges, &models.ExternalEdge{
			ID:       r.ID,
			UserID:   userID,
			ItemID:   itemID,
			RelType:  r.RelType,
			Weight:   r.Weight,
			Provider: r.Provider,
			SrcLabel: r.SrcLabel,
			DstLabel: r.DstLabel,
		})
	}
	return edges, nil
}

func (s *gormStore) ExternalMeta(ctx context.Context, userID, itemID string) (*models.ExternalMeta, error) {
	var meta models.ExternalMeta
	err := s.db.WithContext(ctx).
		Table("tomehub_external_meta").
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Limit(1).
		Scan(&meta).Error
	if err != nil {
		return &models.ExternalMeta{}, nil
	}
	return &meta, nil
}

func (s *gormStore) ShadowCandidates(ctx context.Context, userID string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error) {
	type shadowRow struct {
		ID             string
		Title          string
		Text           string
		NormalizedText string
		PageNumber     int
		ChunkIndex     int
		ItemID         string
		ContentHash    string
	}
	q := s.db.WithContext(ctx).
		Table("tomehub_content_odl_shadow AS s").
		Select("s.id, s.title, s.text, s.normalized_text, s.page_number, s.chunk_index, s.item_id, s.content_hash").
		Joins("LEFT JOIN tomehub_library_items l ON s.item_id = l.item_id AND s.user_id = l.user_id").
		Where("s.user_id = ?", userID).
		Where("s.status = ?", "READY")
	if bid := strings.TrimSpace(filters.ItemID); bid != "" {
		q = q.Where("s.item_id = ?", bid)
	}
	scope := strings.ToLower(strings.TrimSpace(filters.VisibilityScope))
	if scope == "all" {
		q = q.Where("COALESCE(l.search_visibility, 'DEFAULT') <> ?", string(models.VisibilityNeverRetrieve))
	} else {
		q = q.Where("COALESCE(l.search_visibility, 'DEFAULT') = ?", string(models.VisibilityDefault))
	}
	var rows []shadowRow
	if err := q.Order("s.created_at DESC, s.page_number, s.chunk_index").Limit(limit).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("shadow candidates: %w", err)
	}
	hits := make([]*models.ChunkHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, &models.ChunkHit{
			ID:             "odl:" + r.ID,
			Title:          r.Title,
			Text:           r.Text,
			NormalizedText: r.NormalizedText,
			SourceType:     "ODL_SHADOW",
			PageNumber:     r.PageNumber,
			BookID:         r.ItemID,
		})
	}
	return hits, nil
}

func (s *gormStore) BookTitleCatalog(ctx context.Context, userID string) ([]models.BookRef, error) {
	var refs []models.BookRef
	err := s.db.WithContext(ctx).
		Table("tomehub_library_items").
		Select("item_id, title, author").
		Where("user_id = ?", userID).
		Scan(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("book title catalog: %w", err)
	}
	return refs, nil
}

func (s *gormStore) UserBookIDs(ctx context.Context, userID string) (map[string]bool, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Table("tomehub_library_items").
		Select("item_id").
		Where("user_id = ?", userID).
		Scan(&ids).Error
	if err != nil {
		return nil, fmt.Errorf("user book ids: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (s *gormStore) LemmaOccurrences(ctx context.Context, userID, itemID, term string) (int, error) {
	var rows []chunkRow
	err := s.db.WithContext(ctx).
		Table("tomehub_content AS c").
		Select("c.id, c.normalized_text, c.text").
		Where("c.user_id = ? AND c.item_id = ?", userID, itemID).
		Where("c.ai_eligible = ?", true).
		Scan(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("lemma occurrences: %w", err)
	}
	total := 0
	for _, r := range rows {
		haystack := r.NormalizedText
		if haystack == "" {
			haystack = r.Text
		}
		total += CountLemmaStemHits(haystack, []string{term})
	}
	return total, nil
}

func (s *gormStore) KeywordContexts(ctx context.Context, userID, itemID, term string, limit int) ([]models.KeywordContext, error) {
	var rows []chunkRow
	err := s.db.WithContext(ctx).
		Table("tomehub_content AS c").
		Select("c.id, c.title, c.text, c.normalized_text, c.page_number").
		Where("c.user_id = ? AND c.item_id = ?", userID, itemID).
		Where("c.ai_eligible = ?", true).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("keyword contexts: %w", err)
	}
	var out []models.KeywordContext
	for _, r := range rows {
		haystack := r.NormalizedText
		if haystack == "" {
			haystack = NormalizeMatchText(r.Text)
		}
		if CountLemmaStemHits(haystack, []string{term}) == 0 {
			continue
		}
		out = append(out, models.KeywordContext{
			Snippet:    kwicSnippet(r.Text, term),
			PageNumber: r.PageNumber,
			Title:      r.Title,
		})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// kwicSnippet centres a short window on the first occurrence of the term.
func kwicSnippet(text, term string) string {
	norm := NormalizeMatchText(text)
	needle := NormalizeMatchText(term)
	idx := strings.Index(norm, needle)
	if idx < 0 {
		if len(text) > 160 {
			return text[:160]
		}
		return text
	}
	start := idx - 60
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + 60
	if end > len(norm) {
		end = len(norm)
	}
	return "…" + strings.TrimSpace(norm[start:end]) + "…"
}

func (s *gormStore) UserLemmaVocabulary(ctx context.Context, userID string, limit int) ([]string, error) {
	var blobs [][]byte
	err := s.db.WithContext(ctx).
		Table("tomehub_content").
		Select("lemmas").
		Where("user_id = ?", userID).
		Where("lemmas IS NOT NULL").
		Limit(limit).
		Scan(&blobs).Error
	if err != nil {
		return nil, fmt.Errorf("lemma vocabulary: %w", err)
	}
	seen := make(map[string]bool)
	var vocab []string
	for _, blob := range blobs {
		var lemmas []string
		if err := json.Unmarshal(blob, &lemmas); err != nil {
			continue
		}
		for _, lemma := range lemmas {
			norm := DeaccentText(strings.TrimSpace(lemma))
			if len(norm) < 3 || seen[norm] {
				continue
			}
			seen[norm] = true
			vocab = append(vocab, norm)
		}
	}
	return vocab, nil
}

func (s *gormStore) LogSearch(ctx context.Context, entry *models.SearchLog) (int64, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return 0, fmt.Errorf("log search: %w", err)
	}
	return entry.ID, nil
}

func (s *gormStore) AppendSearchLogDiagnostics(ctx context.Context, logID int64, diagnostics map[string]any) error {
	if logID == 0 || len(diagnostics) == 0 {
		return nil
	}
	var current models.SearchLog
	if err := s.db.WithContext(ctx).First(&current, logID).Error; err != nil {
		// Missing row or missing column: analytics are best-effort.
		log.Printf("search log diagnostics append skipped: %v", err)
		return nil
	}
	merged := map[string]any{}
	if len(current.StrategyDetails) > 0 {
		_ = json.Unmarshal(current.StrategyDetails, &merged)
	}
	for k, v := range diagnostics {
		merged[k] = v
	}
	blob, err := json.Marshal(merged)
	if err != nil {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Model(&models.SearchLog{}).
		Where("id = ?", logID).
		Update("strategy_details", blob).Error; err != nil {
		log.Printf("search log diagnostics update skipped: %v", err)
	}
	return nil
}
