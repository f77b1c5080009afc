package domain

import (
	"fmt"
	"strings"
)

type SourceType string

const (
	SourceDocument   SourceType = "document"
	SourceStructured SourceType = "structured"
)

type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchFuzzy      MatchKind = "fuzzy"
	MatchNumeric    MatchKind = "numeric"
	MatchStructured MatchKind = "structured"
)

type CitationSource struct {
	Type         SourceType `json:"type"`
	Match        MatchKind  `json:"match"`
	DocumentID   string     `json:"document_id,omitempty"`
	ChunkID      string     `json:"chunk_id,omitempty"`
	DocumentType string     `json:"document_type,omitempty"`
	PropertyID   string     `json:"property_id,omitempty"`
	Period       string     `json:"period,omitempty"`
	Field        string     `json:"field,omitempty"`
	Position     *Position  `json:"position,omitempty"`
	Excerpt      string     `json:"excerpt"`
	Confidence   float64    `json:"confidence"`
}

// Identity is the document-plus-location key used for deduplication.
func (s CitationSource) Identity() string {
	if s.Type == SourceStructured {
		return strings.Join([]string{"structured", s.PropertyID, s.Period, s.Field}, "|")
	}
	loc := ""
	if s.Position != nil {
		loc = fmt.Sprintf("p%d:l%d", s.Position.Page, s.Position.Line)
	}
	return strings.Join([]string{"document", s.DocumentID, loc}, "|")
}

type Citation struct {
	Claim   Claim            `json:"claim"`
	Sources []CitationSource `json:"sources"`
}
