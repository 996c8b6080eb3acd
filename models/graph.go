package models

import (
	"time"

	"gorm.io/datatypes"
)

// Concept is a node in the shared property graph.
type Concept struct {
	ID                int64          `json:"id" gorm:"primaryKey;column:id"`
	Name              string         `json:"name" gorm:"column:name;uniqueIndex"`
	Description       string         `json:"description,omitempty" gorm:"column:description;type:text"`
	DescriptionVector datatypes.JSON `json:"-" gorm:"column:description_vector"`
	Aliases           datatypes.JSON `json:"aliases,omitempty" gorm:"column:aliases"`
}

func (Concept) TableName() string { return "tomehub_concepts" }

// Relation is a directed, weighted edge between two concepts.
type Relation struct {
	ID      int64   `json:"id" gorm:"primaryKey;column:id"`
	SrcID   int64   `json:"src_id" gorm:"column:src_id;index"`
	DstID   int64   `json:"dst_id" gorm:"column:dst_id;index"`
	RelType string  `json:"rel_type" gorm:"column:rel_type"`
	Weight  float64 `json:"weight" gorm:"column:weight"`
}

func (Relation) TableName() string { return "tomehub_relations" }

// ConceptChunkLink ties a concept to a chunk with a link strength.
type ConceptChunkLink struct {
	ConceptID     int64   `json:"concept_id" gorm:"primaryKey;column:concept_id"`
	ChunkID       string  `json:"chunk_id" gorm:"primaryKey;column:chunk_id"`
	Strength      float64 `json:"strength" gorm:"column:strength"`
	Justification string  `json:"justification,omitempty" gorm:"column:justification"`
}

func (ConceptChunkLink) TableName() string { return "tomehub_concept_chunks" }

// ExternalEntity is a knowledge-base record from an external provider.
type ExternalEntity struct {
	ID         int64  `json:"id" gorm:"primaryKey;column:id"`
	Provider   string `json:"provider" gorm:"column:provider;uniqueIndex:idx_ext_provider_id"`
	ExternalID string `json:"external_id" gorm:"column:external_id;uniqueIndex:idx_ext_provider_id"`
	EntityType string `json:"entity_type" gorm:"column:entity_type"` // BOOK|WORK|PAPER|AUTHOR|TOPIC
	Label      string `json:"label" gorm:"column:label"`
}

func (ExternalEntity) TableName() string { return "tomehub_external_entities" }

// ExternalEdge is a directed entity-to-entity edge scoped to a user's item.
type ExternalEdge struct {
	ID          int64     `json:"id" gorm:"primaryKey;column:id"`
	UserID      string    `json:"user_id" gorm:"column:user_id;index:idx_ext_edge_scope"`
	ItemID      string    `json:"item_id" gorm:"column:item_id;index:idx_ext_edge_scope"`
	SrcEntityID int64     `json:"src_entity_id" gorm:"column:src_entity_id"`
	DstEntityID int64     `json:"dst_entity_id" gorm:"column:dst_entity_id"`
	RelType     string    `json:"rel_type" gorm:"column:rel_type"`
	Weight      float64   `json:"weight" gorm:"column:weight"`
	Provider    string    `json:"provider" gorm:"column:provider"`
	SrcLabel    string    `json:"src_label" gorm:"-"`
	DstLabel    string    `json:"dst_label" gorm:"-"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"column:updated_at"`
}

func (ExternalEdge) TableName() string { return "tomehub_external_edges" }

// ExternalMeta summarises the external-KB identity of a library item.
type ExternalMeta struct {
	AcademicScope bool   `json:"academic_scope"`
	WikidataQID   string `json:"wikidata_qid,omitempty"`
	OpenAlexID    string `json:"openalex_id,omitempty"`
	DBpediaURI    string `json:"dbpedia_uri,omitempty"`
	ORKGID        string `json:"orkg_id,omitempty"`
}

// GraphNeighborRow is a 1-hop traversal result: a chunk reached through a
// neighbouring concept, with the relation that got us there.
type GraphNeighborRow struct {
	ChunkID        string  `json:"chunk_id"`
	Text           string  `json:"text"`
	Title          string  `json:"title"`
	PageNumber     int     `json:"page_number"`
	SourceType     string  `json:"source_type"`
	BookID         string  `json:"book_id"`
	RelatedConcept string  `json:"related_concept"`
	RelType        string  `json:"rel_type"`
	Weight         float64 `json:"weight"`
	Strength       float64 `json:"strength"`
}

// ChunkConceptRow links a chunk to one of its concepts (graph-bridge lookups).
type ChunkConceptRow struct {
	ChunkID     string `json:"chunk_id"`
	ConceptID   int64  `json:"concept_id"`
	ConceptName string `json:"concept_name"`
}

// ConceptRelationRow is a resolved relation with both concept names.
type ConceptRelationRow struct {
	SrcName string `json:"src_name"`
	RelType string `json:"rel_type"`
	DstName string `json:"dst_name"`
}

// ShadowChunk is a row in the ODL shadow table populated by the secondary extractor.
type ShadowChunk struct {
	ID             string    `json:"id" gorm:"primaryKey;column:id"`
	UserID         string    `json:"user_id" gorm:"column:user_id;index"`
	ItemID         string    `json:"item_id" gorm:"column:item_id;index"`
	Title          string    `json:"title" gorm:"column:title"`
	Text           string    `json:"text" gorm:"column:text;type:text"`
	NormalizedText string    `json:"normalized_text" gorm:"column:normalized_text;type:text"`
	Lemmas         datatypes.JSON `json:"lemmas" gorm:"column:lemmas"`
	PageNumber     int       `json:"page_number" gorm:"column:page_number"`
	ChunkIndex     int       `json:"chunk_index" gorm:"column:chunk_index"`
	ContentHash    string    `json:"content_hash" gorm:"column:content_hash"`
	Status         string    `json:"status" gorm:"column:status"` // READY gates retrieval
	CreatedAt      time.Time `json:"created_at" gorm:"column:created_at"`
}

func (ShadowChunk) TableName() string { return "tomehub_content_odl_shadow" }
