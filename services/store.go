package services

import (
	"context"

	"github.com/tomehub/tomehub/models"
)

// Store is the narrow set of typed queries the retrieval core depends on.
// The SQL dialect and schema plumbing behind it are implementation details.
type Store interface {
	// SearchExact returns candidates whose normalized_text contains the pattern.
	// Callers re-verify hits with a word-boundary matcher; the store only narrows.
	SearchExact(ctx context.Context, userID, pattern string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error)

	// SearchExactTokens runs the token-AND full-text pass used as the exact
	// strategy's primary path when enough tokens are present.
	SearchExactTokens(ctx context.Context, userID string, tokens []string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error)

	// SearchLemma returns candidates whose lemma set contains any query lemma.
	SearchLemma(ctx context.Context, userID string, lemmas []string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error)

	// SearchVector returns nearest neighbours by cosine distance divided by rag_weight.
	SearchVector(ctx context.Context, userID string, vector []float32, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error)

	// GraphNeighbors returns chunks reachable by a 1-hop concept traversal from
	// the seed concepts, carrying relation type and weight per row.
	GraphNeighbors(ctx context.Context, userID string, seedConceptIDs []int64, minStrength float64, limit, offset int) ([]*models.GraphNeighborRow, error)

	// ConceptsByText returns concept ids whose name or alias matches the query text.
	ConceptsByText(ctx context.Context, text string) ([]int64, error)

	// ConceptsByNames batch-resolves concept names to ids.
	ConceptsByNames(ctx context.Context, names []string) ([]int64, error)

	// ConceptsByVector returns the nearest concepts by description vector.
	ConceptsByVector(ctx context.Context, vector []float32, limit int) ([]int64, error)

	// ConceptsForChunks returns concept links for the given chunk ids (graph bridge).
	ConceptsForChunks(ctx context.Context, chunkIDs []string) ([]*models.ChunkConceptRow, error)

	// RelationsForConcepts returns relations touching any of the given concepts.
	RelationsForConcepts(ctx context.Context, conceptIDs []int64, limit int) ([]*models.ConceptRelationRow, error)

	// ExternalEdges returns pre-populated external KB edges for a user's item,
	// newest first, with entity labels resolved.
	ExternalEdges(ctx context.Context, userID, itemID string, limit int) ([]*models.ExternalEdge, error)

	// ExternalMeta returns the external-KB identity summary for an item.
	ExternalMeta(ctx context.Context, userID, itemID string) (*models.ExternalMeta, error)

	// ShadowCandidates returns READY rows from the ODL shadow table.
	ShadowCandidates(ctx context.Context, userID string, filters models.SearchFilters, limit int) ([]*models.ChunkHit, error)

	// BookTitleCatalog lists the user's items for compare-target resolution.
	BookTitleCatalog(ctx context.Context, userID string) ([]models.BookRef, error)

	// UserBookIDs returns the set of item ids the user owns.
	UserBookIDs(ctx context.Context, userID string) (map[string]bool, error)

	// LemmaOccurrences counts lemma-boundary occurrences of a term in a book.
	LemmaOccurrences(ctx context.Context, userID, itemID, term string) (int, error)

	// KeywordContexts returns KWIC snippets for a term in a book.
	KeywordContexts(ctx context.Context, userID, itemID, term string, limit int) ([]models.KeywordContext, error)

	// UserLemmaVocabulary returns distinct lemmas seen in the user's corpus,
	// used by the typo-rescue spell corrector.
	UserLemmaVocabulary(ctx context.Context, userID string, limit int) ([]string, error)

	// LogSearch appends an analytics row, best-effort. Returns the log id.
	LogSearch(ctx context.Context, entry *models.SearchLog) (int64, error)

	// AppendSearchLogDiagnostics merges extra keys into a log row's
	// strategy_details envelope. Unknown columns downgrade silently.
	AppendSearchLogDiagnostics(ctx context.Context, logID int64, diagnostics map[string]any) error
}
