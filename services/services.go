package services

import (
	"context"

	"github.com/tomehub/tomehub/models"
)

// CacheService is the multi-layer (L1 memory, L2 shared K/V) cache used by the
// orchestrator, the graph strategy, and the query rewriter.
type CacheService interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any, ttlSeconds int) error
	Invalidate(ctx context.Context, pattern string) error
	IsUsingRedis() bool
}

// Embedder turns text into fixed-dimension float vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string, taskType string, outputDim int) ([][]float32, error)
}

// GenerateOptions are the knobs accepted by an LLM provider call.
type GenerateOptions struct {
	Temperature      *float64
	MaxOutputTokens  int
	ResponseMimeType string
	TimeoutSeconds   float64
}

// GenerateResult is the uniform LLM generation result.
type GenerateResult struct {
	Text                     string
	ModelUsed                string
	ModelTier                string
	ProviderName             string
	FallbackApplied          bool
	SecondaryFallbackApplied bool
	FallbackReason           string
	PromptTokens             int
	CompletionTokens         int
}

// LLMProvider is a single text-generation backend.
type LLMProvider interface {
	Name() string
	GenerateText(ctx context.Context, model, prompt string, opts GenerateOptions) (*GenerateResult, error)
}

// SearchStrategy is a stateless retrieval primitive producing one bucket.
type SearchStrategy interface {
	Name() string
	Search(ctx context.Context, query, userID string, limit, offset int, intent models.Intent, filters models.SearchFilters) ([]*models.ChunkHit, error)
}

// SearchService runs the full hybrid search pipeline for one query.
type SearchService interface {
	Search(ctx context.Context, req models.SearchRequest, userID string) (*models.SearchResponse, error)
}

// ContextAssembler builds the evidence set for a single question.
type ContextAssembler interface {
	GetRAGContext(ctx context.Context, req models.AnswerRequest, userID string) (*models.RAGContext, error)
}

// AnswerEngine produces the final grounded answer.
type AnswerEngine interface {
	GenerateAnswer(ctx context.Context, req models.AnswerRequest, userID string) (*models.AnswerResponse, error)
}

// QueryExpander produces semantic query variations via an LLM.
type QueryExpander interface {
	ExpandQuery(ctx context.Context, query string, maxVariations int) ([]string, error)
}

// SpellCorrector proposes a corrected form of a query for typo rescue.
type SpellCorrector interface {
	Correct(ctx context.Context, userID, query string) (string, error)
}

// ConceptExtractor maps free text to concept names (LLM-assisted).
type ConceptExtractor interface {
	ExtractConcepts(ctx context.Context, text string) ([]string, error)
}

// PassageClassifier is the fast semantic classifier for passage type and
// quotability. Implementations must degrade to SITUATIONAL/MEDIUM.
type PassageClassifier interface {
	ClassifyPassage(text string) (passageType, quotability string)
}
