package domain

import (
	"fmt"
	"strings"
	"unicode"
)

type Position struct {
	Page int       `json:"page,omitempty"`
	Line int       `json:"line,omitempty"`
	BBox []float64 `json:"bbox,omitempty"`
}

// Chunk is produced by the ingestion pipeline and is read-only here.
type Chunk struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	Text         string    `json:"text"`
	PropertyID   string    `json:"property_id,omitempty"`
	Period       string    `json:"period,omitempty"`
	DocumentType string    `json:"document_type,omitempty"`
	Embedding    []float32 `json:"-"`
	Position     *Position `json:"position,omitempty"`
}

var knownDocumentTypes = map[string]struct{}{
	"rent_roll":           {},
	"operating_statement": {},
	"budget":              {},
	"appraisal":           {},
	"loan_agreement":      {},
	"lease":               {},
	"financial_statement": {},
	"report":              {},
}

const maxFilterValueLen = 128

type Filters struct {
	PropertyID   string `json:"property_id,omitempty"`
	Period       string `json:"period,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
}

func (f Filters) Normalize() Filters {
	return Filters{
		PropertyID:   strings.TrimSpace(f.PropertyID),
		Period:       strings.TrimSpace(f.Period),
		DocumentType: strings.ToLower(strings.TrimSpace(f.DocumentType)),
	}
}

// Validate checks shape only; filter values are opaque keys owned by the ingestion side.
func (f Filters) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"property_id", f.PropertyID},
		{"period", f.Period},
		{"document_type", f.DocumentType},
	}
	for _, field := range fields {
		if len(field.value) > maxFilterValueLen {
			return WrapError(ErrInvalidInput, "validate filters", fmt.Errorf("%s exceeds %d characters", field.name, maxFilterValueLen))
		}
		for _, r := range field.value {
			if !unicode.IsPrint(r) {
				return WrapError(ErrInvalidInput, "validate filters", fmt.Errorf("%s contains non-printable characters", field.name))
			}
		}
	}
	if f.DocumentType != "" {
		if _, ok := knownDocumentTypes[f.DocumentType]; !ok {
			return WrapError(ErrInvalidInput, "validate filters", fmt.Errorf("unknown document_type %q", f.DocumentType))
		}
	}
	return nil
}

func (f Filters) IsZero() bool {
	return f.PropertyID == "" && f.Period == "" && f.DocumentType == ""
}

func (f Filters) Matches(c Chunk) bool {
	if f.PropertyID != "" && !strings.EqualFold(f.PropertyID, c.PropertyID) {
		return false
	}
	if f.Period != "" && !strings.EqualFold(f.Period, c.Period) {
		return false
	}
	if f.DocumentType != "" && !strings.EqualFold(f.DocumentType, c.DocumentType) {
		return false
	}
	return true
}

// CorpusChange is emitted by the ingestion side whenever chunks are added or removed.
type CorpusChange struct {
	EventID    string `json:"event_id"`
	DocumentID string `json:"document_id"`
	Added      int    `json:"added"`
	Removed    int    `json:"removed"`
}

func (c CorpusChange) Records() int {
	n := c.Added + c.Removed
	if n < 0 {
		return 0
	}
	return n
}
