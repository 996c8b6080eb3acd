package models

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ContentType identifies what kind of retrievable unit a chunk is.
type ContentType string

const (
	ContentTypeBookChunk   ContentType = "BOOK_CHUNK"
	ContentTypeHighlight   ContentType = "HIGHLIGHT"
	ContentTypeInsight     ContentType = "INSIGHT"
	ContentTypeNote        ContentType = "NOTE"
	ContentTypeArticleBody ContentType = "ARTICLE_BODY"
	ContentTypeWebsiteBody ContentType = "WEBSITE_BODY"
	ContentTypeItemSummary ContentType = "ITEM_SUMMARY"
	// Legacy PDF/EPUB raw chunk types still present in ingested corpora.
	ContentTypePDF      ContentType = "PDF"
	ContentTypeEPUB     ContentType = "EPUB"
	ContentTypePDFChunk ContentType = "PDF_CHUNK"
)

// IngestionType records how a chunk entered the library.
type IngestionType string

const (
	IngestionPDF    IngestionType = "PDF"
	IngestionEPUB   IngestionType = "EPUB"
	IngestionWeb    IngestionType = "WEB"
	IngestionManual IngestionType = "MANUAL"
	IngestionSync   IngestionType = "SYNC"
)

// SearchVisibility controls whether a chunk participates in retrieval.
type SearchVisibility string

const (
	VisibilityDefault           SearchVisibility = "DEFAULT"
	VisibilityExcludedByDefault SearchVisibility = "EXCLUDED_BY_DEFAULT"
	VisibilityNeverRetrieve     SearchVisibility = "NEVER_RETRIEVE"
)

// ItemType identifies the owning container of a chunk.
type ItemType string

const (
	ItemTypeBook         ItemType = "BOOK"
	ItemTypeArticle      ItemType = "ARTICLE"
	ItemTypeWebsite      ItemType = "WEBSITE"
	ItemTypePersonalNote ItemType = "PERSONAL_NOTE"
)

// Chunk is the retrievable unit stored per user.
type Chunk struct {
	ID               string           `json:"id" gorm:"primaryKey;column:id"`
	UserID           string           `json:"user_id" gorm:"column:user_id;index:idx_chunk_user"`
	ItemID           string           `json:"item_id" gorm:"column:item_id;index:idx_chunk_item"`
	Title            string           `json:"title" gorm:"column:title"`
	ContentType      ContentType      `json:"content_type" gorm:"column:content_type"`
	IngestionType    IngestionType    `json:"ingestion_type" gorm:"column:ingestion_type"`
	Text             string           `json:"text" gorm:"column:text;type:text"`
	NormalizedText   string           `json:"normalized_text" gorm:"column:normalized_text;type:text"`
	Lemmas           datatypes.JSON   `json:"lemmas" gorm:"column:lemmas"`
	PageNumber       int              `json:"page_number" gorm:"column:page_number"`
	ChunkIndex       int              `json:"chunk_index" gorm:"column:chunk_index"`
	Comment          string           `json:"comment,omitempty" gorm:"column:comment;type:text"`
	Tags             datatypes.JSON   `json:"tags,omitempty" gorm:"column:tags"`
	Vector           []float32        `json:"-" gorm:"-"`
	VectorJSON       datatypes.JSON   `json:"-" gorm:"column:vector"`
	RagWeight        float64          `json:"rag_weight" gorm:"column:rag_weight;default:1.0"`
	SearchVisibility SearchVisibility `json:"search_visibility" gorm:"column:search_visibility;default:DEFAULT"`
	AIEligible       bool             `json:"ai_eligible" gorm:"column:ai_eligible;default:true"`
	ContentHash      string           `json:"content_hash" gorm:"column:content_hash;index"`
	CreatedAt        time.Time        `json:"created_at" gorm:"column:created_at"`
}

func (Chunk) TableName() string { return "tomehub_content" }

// LibraryItem is the owning container for chunks.
type LibraryItem struct {
	ItemID           string           `json:"item_id" gorm:"primaryKey;column:item_id"`
	UserID           string           `json:"user_id" gorm:"primaryKey;column:user_id"`
	Type             ItemType         `json:"type" gorm:"column:type"`
	Title            string           `json:"title" gorm:"column:title"`
	Author           string           `json:"author" gorm:"column:author"`
	SearchVisibility SearchVisibility `json:"search_visibility" gorm:"column:search_visibility;default:DEFAULT"`
	SummaryText      string           `json:"summary_text,omitempty" gorm:"column:summary_text;type:text"`
	Tags             datatypes.JSON   `json:"tags,omitempty" gorm:"column:tags"`
	CreatedAt        time.Time        `json:"created_at" gorm:"column:created_at"`
}

func (LibraryItem) TableName() string { return "tomehub_library_items" }

// BookRef is a catalog row used for compare-target resolution.
type BookRef struct {
	ItemID string `json:"item_id"`
	Title  string `json:"title"`
	Author string `json:"author"`
}

var contentHashSpaces = regexp.MustCompile(`\s+`)

// CanonicalContentHash computes the fixed content-hash canonicalisation:
// CRLF->LF, trim, collapse whitespace, sha-256 hex.
func CanonicalContentHash(text string) string {
	canon := strings.ReplaceAll(text, "\r\n", "\n")
	canon = strings.TrimSpace(canon)
	canon = contentHashSpaces.ReplaceAllString(canon, " ")
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:])
}
