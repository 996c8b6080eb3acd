package models

import (
	"time"

	"gorm.io/datatypes"
)

// Intent classifies what kind of answer the user is after.
type Intent string

const (
	IntentDirect          Intent = "DIRECT"
	IntentCitationSeeking Intent = "CITATION_SEEKING"
	IntentFollowUp        Intent = "FOLLOW_UP"
	IntentNarrative       Intent = "NARRATIVE"
	IntentSocietal        Intent = "SOCIETAL"
	IntentComparative     Intent = "COMPARATIVE"
	IntentSynthesis       Intent = "SYNTHESIS"
)

// Complexity tags a question as needing single- or multi-perspective treatment.
type Complexity string

const (
	ComplexityLow  Complexity = "LOW"
	ComplexityHigh Complexity = "HIGH"
)

// AnswerMode is the terminal state of the answer pipeline.
type AnswerMode string

const (
	AnswerModeQuote     AnswerMode = "QUOTE"
	AnswerModeHybrid    AnswerMode = "HYBRID"
	AnswerModeSynthesis AnswerMode = "SYNTHESIS"
	AnswerModeAnalytic  AnswerMode = "ANALYTIC"
)

// NetworkStatus drives the prompt grounding rule.
type NetworkStatus string

const (
	NetworkInNetwork    NetworkStatus = "IN_NETWORK"
	NetworkOutOfNetwork NetworkStatus = "OUT_OF_NETWORK"
	NetworkHybrid       NetworkStatus = "HYBRID"
)

// ScopeMode hints where the retriever should look first.
type ScopeMode string

const (
	ScopeAuto           ScopeMode = "AUTO"
	ScopeBookFirst      ScopeMode = "BOOK_FIRST"
	ScopeHighlightFirst ScopeMode = "HIGHLIGHT_FIRST"
	ScopeGlobal         ScopeMode = "GLOBAL"
)

// CompareMode controls the per-book fan-out policy.
type CompareMode string

const (
	CompareExplicitOnly CompareMode = "EXPLICIT_ONLY"
	CompareAuto         CompareMode = "AUTO"
)

// SearchFilters is the filter set accepted by all store search queries.
type SearchFilters struct {
	ItemID          string `json:"item_id,omitempty"`
	ResourceType    string `json:"resource_type,omitempty"` // BOOK|ALL_NOTES|PERSONAL_NOTE|ARTICLE|WEBSITE|raw content type
	ContentType     string `json:"content_type,omitempty"`
	IngestionType   string `json:"ingestion_type,omitempty"`
	VisibilityScope string `json:"visibility_scope,omitempty"` // default|all
	ExcludePDF      bool   `json:"-"`
	LengthFilter    string `json:"-"` // SHORT|LONG, semantic sweeps only
}

// ChunkHit is a retrieval candidate: a chunk plus its scoring context.
type ChunkHit struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Text        string  `json:"content_chunk"`
	SourceType  string  `json:"source_type"`
	PageNumber  int     `json:"page_number"`
	Tags        string  `json:"tags,omitempty"`
	Summary     string  `json:"summary,omitempty"`
	Comment     string  `json:"comment,omitempty"`
	BookID      string  `json:"book_id"`
	Score       float64 `json:"score"`
	MatchType   string  `json:"match_type"`
	Distance    float64 `json:"-"`
	NormalizedText string `json:"-"`

	// Annotation carries diagnostic state attached by the assembler; it is
	// never persisted with the chunk.
	Annotation *Annotation `json:"annotation,omitempty"`
}

// Annotation holds per-request diagnostic state for a hit.
type Annotation struct {
	AnswerabilityScore float64  `json:"answerability_score"`
	Features           []string `json:"features,omitempty"`
	Level              string   `json:"epistemic_level,omitempty"` // A|B|C
	PassageType        string   `json:"passage_type,omitempty"`
	Quotability        string   `json:"quotability,omitempty"` // HIGH|MEDIUM|LOW
	GraphScore         float64  `json:"graph_score,omitempty"`
	ExternalWeight     float64  `json:"external_weight,omitempty"`
	RRFScore           float64  `json:"rrf_score,omitempty"`
	CompareTarget      bool     `json:"-"`
	CompareBookID      string   `json:"-"`
	ComparePrimary     bool     `json:"-"`
	CompareSecondary   bool     `json:"-"`
	BucketPriority     int      `json:"-"`
}

// Ann returns the hit's annotation, creating it on first use.
func (h *ChunkHit) Ann() *Annotation {
	if h.Annotation == nil {
		h.Annotation = &Annotation{}
	}
	return h.Annotation
}

// Epistemic feature names.
const (
	FeatureKeywordMatch    = "KEYWORD_MATCH"
	FeatureDefinitional    = "DEFINITIONAL"
	FeatureTheory          = "THEORY"
	FeatureModality        = "MODALITY"
	FeaturePersonalComment = "PERSONAL_COMMENT"
	FeatureEvaluative      = "EVALUATIVE"
)

// HasFeature reports whether the annotation carries the named feature.
func (a *Annotation) HasFeature(name string) bool {
	for _, f := range a.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Degradation records a recovered component failure for the metadata envelope.
type Degradation struct {
	Component string `json:"component"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
}

// SearchRequest is the request-layer-facing search contract.
type SearchRequest struct {
	Query           string `json:"query" binding:"required"`
	Limit           int    `json:"limit"`
	Offset          int    `json:"offset"`
	Intent          Intent `json:"intent,omitempty"`
	BookID          string `json:"book_id,omitempty"`
	ResourceType    string `json:"resource_type,omitempty"`
	VisibilityScope string `json:"visibility_scope,omitempty"`
	ContentType     string `json:"content_type,omitempty"`
	IngestionType   string `json:"ingestion_type,omitempty"`
	ResultMixPolicy string `json:"result_mix_policy,omitempty"`
	SemanticTailCap int    `json:"semantic_tail_cap,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
}

// SearchResponse carries fused results plus the diagnostics envelope.
type SearchResponse struct {
	Results    []*ChunkHit    `json:"results"`
	TotalCount int            `json:"total_count"`
	Metadata   map[string]any `json:"metadata"`
}

// ChatTurn is one prior message of the conversation.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnswerRequest is the request-layer-facing answer contract.
type AnswerRequest struct {
	Question        string      `json:"question" binding:"required"`
	ContextBookID   string      `json:"context_book_id,omitempty"`
	ChatHistory     []ChatTurn  `json:"chat_history,omitempty"`
	SessionSummary  string      `json:"session_summary,omitempty"`
	Limit           int         `json:"limit,omitempty"`
	Offset          int         `json:"offset,omitempty"`
	SessionID       string      `json:"session_id,omitempty"`
	ResourceType    string      `json:"resource_type,omitempty"`
	ScopeMode       ScopeMode   `json:"scope_mode,omitempty"`
	CompareMode     CompareMode `json:"compare_mode,omitempty"`
	TargetBookIDs   []string    `json:"target_book_ids,omitempty"`
	VisibilityScope string      `json:"visibility_scope,omitempty"`
	ContentType     string      `json:"content_type,omitempty"`
	IngestionType   string      `json:"ingestion_type,omitempty"`
	Mode            string      `json:"mode,omitempty"` // STANDARD|EXPLORER
}

// Source mirrors a used chunk into the answer payload.
type Source struct {
	ID         int     `json:"id"`
	Title      string  `json:"title"`
	PageNumber int     `json:"page_number"`
	Snippet    string  `json:"content"`
	Score      float64 `json:"score"`
}

// AnswerResponse is the answer-engine return value.
type AnswerResponse struct {
	Answer   string         `json:"answer"`
	Sources  []Source       `json:"sources"`
	Metadata map[string]any `json:"metadata"`
}

// RAGContext is the context assembler's output for one question.
type RAGContext struct {
	Chunks        []*ChunkHit    `json:"chunks"`
	Intent        Intent         `json:"intent"`
	Complexity    Complexity     `json:"complexity"`
	Mode          AnswerMode     `json:"mode"`
	Confidence    float64        `json:"confidence"`
	NetworkStatus NetworkStatus  `json:"network_status"`
	NetworkReason string         `json:"network_reason"`
	Keywords      []string       `json:"keywords"`
	SearchLogID   *int64         `json:"search_log_id,omitempty"`
	LevelCounts   map[string]int `json:"level_counts"`
	Metadata      map[string]any `json:"metadata"`
}

// SearchLog is the append-only analytics row.
type SearchLog struct {
	ID              int64          `json:"id" gorm:"primaryKey;autoIncrement;column:id"`
	UserID          string         `json:"user_id" gorm:"column:user_id;index"`
	Query           string         `json:"query" gorm:"column:query"`
	Intent          string         `json:"intent" gorm:"column:intent"`
	SessionID       string         `json:"session_id,omitempty" gorm:"column:session_id"`
	TopResultID     string         `json:"top_result_id,omitempty" gorm:"column:top_result_id"`
	TopResultScore  float64        `json:"top_result_score" gorm:"column:top_result_score"`
	ResultCount     int            `json:"result_count" gorm:"column:result_count"`
	DurationMs      int            `json:"duration_ms" gorm:"column:duration_ms"`
	StrategyDetails datatypes.JSON `json:"strategy_details,omitempty" gorm:"column:strategy_details"`
	CreatedAt       time.Time      `json:"created_at" gorm:"column:created_at"`
}

func (SearchLog) TableName() string { return "tomehub_search_logs" }

// KeywordContext is a KWIC snippet centred on a keyword occurrence.
type KeywordContext struct {
	Snippet    string `json:"snippet"`
	PageNumber int    `json:"page_number"`
	Title      string `json:"title"`
}
