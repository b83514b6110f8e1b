// Package tabular turns dataset rows into embeddable documents.
package tabular

import (
	"fmt"
	"strings"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

const maxMetadataKeyLen = 50

type Extractor struct {
	template domain.FieldTemplate
}

// New returns an extractor whose full-record mode uses template. A nil
// template selects the trade-record template.
func New(template domain.FieldTemplate) *Extractor {
	if len(template) == 0 {
		template = domain.TradeRecordTemplate()
	}
	return &Extractor{template: template}
}

// Extract converts records into documents. Record i receives id
// row_<policy.Offset+i> whether or not earlier records were skipped, and
// metadata rowIndex i.
func (e *Extractor) Extract(records []domain.RawRecord, policy domain.ExtractionPolicy) ([]domain.Document, error) {
	template := policy.Template
	if len(template) == 0 {
		template = e.template
	}
	mode := policy.Mode
	if mode == "" {
		mode = domain.ExtractionFullRecord
	}
	field := policy.Field
	if mode == domain.ExtractionSingleField && field == "" {
		field = domain.DefaultSingleField
	}

	docs := make([]domain.Document, 0, len(records))
	for i, record := range records {
		var text string
		switch mode {
		case domain.ExtractionFullRecord:
			text = renderTemplate(template, record)
		case domain.ExtractionSingleField:
			value, ok := record.Get(field)
			if !ok || value.IsEmpty() {
				continue
			}
			text = value.String()
		default:
			return nil, domain.WrapError(domain.ErrInvalidInput, "extract", fmt.Errorf("unknown extraction mode %q", mode))
		}

		docs = append(docs, domain.Document{
			ID:       domain.DocumentID(policy.Offset + i),
			Text:     text,
			Metadata: SanitizeMetadata(record, i),
		})
	}

	if len(docs) == 0 {
		return nil, &domain.NoDocumentsError{TotalRows: len(records), Mode: mode, Field: field}
	}
	return docs, nil
}

func renderTemplate(template domain.FieldTemplate, record domain.RawRecord) string {
	parts := make([]string, 0, len(template))
	for _, f := range template {
		value := f.Placeholder
		if v, ok := record.Get(f.Column); ok && !v.IsEmpty() {
			value = v.String()
		}
		if f.UnitColumn != "" {
			unit := ""
			if v, ok := record.Get(f.UnitColumn); ok && !v.IsEmpty() {
				unit = v.String()
			}
			value += " " + unit
		}
		parts = append(parts, f.Label+": "+value+f.Suffix)
	}
	text := strings.Join(parts, ", ")
	if strings.TrimSpace(text) == "" {
		return "N/A"
	}
	return text
}

// SanitizeMetadata keeps every non-empty value under its sanitized key and
// sets rowIndex last so a column cannot shadow it.
func SanitizeMetadata(record domain.RawRecord, rowIndex int) domain.Metadata {
	meta := make(domain.Metadata, len(record.Columns)+1)
	for _, column := range record.Columns {
		if strings.TrimSpace(column) == "" {
			continue
		}
		key := SanitizeKey(column)
		if key == "" {
			continue
		}
		value, ok := record.Get(column)
		if !ok || value.IsEmpty() {
			continue
		}
		meta[key] = value
	}
	meta[domain.MetadataRowIndex] = domain.NumberValue(float64(rowIndex))
	return meta
}

// SanitizeKey maps a column name onto [A-Za-z0-9_]: other characters become
// underscores, runs collapse, edge underscores are trimmed and the result is
// cut to 50 bytes. It is idempotent.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	lastUnderscore := false
	for _, r := range key {
		isWord := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !isWord || r == '_' {
			if !lastUnderscore {
				b.WriteByte('_')
			}
			lastUnderscore = true
			continue
		}
		b.WriteRune(r)
		lastUnderscore = false
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > maxMetadataKeyLen {
		out = strings.TrimRight(out[:maxMetadataKeyLen], "_")
	}
	return out
}
