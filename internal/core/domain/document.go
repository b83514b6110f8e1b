package domain

import "strconv"

const (
	MetadataRowIndex = "rowIndex"
	documentIDPrefix = "row_"
)

// Document is one embeddable unit derived from a RawRecord.
type Document struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// DocumentID builds the stable id for the row at an absolute dataset index.
func DocumentID(absoluteIndex int) string {
	return documentIDPrefix + strconv.Itoa(absoluteIndex)
}

// RowIndexOf parses the absolute index back out of a document id.
func RowIndexOf(id string) (int, bool) {
	if len(id) <= len(documentIDPrefix) || id[:len(documentIDPrefix)] != documentIDPrefix {
		return 0, false
	}
	n, err := strconv.Atoi(id[len(documentIDPrefix):])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type ExtractionMode string

const (
	ExtractionFullRecord  ExtractionMode = "full_record"
	ExtractionSingleField ExtractionMode = "single_field"
)

const DefaultSingleField = "Item Description"

// ExtractionPolicy selects how a record becomes text. Offset is the absolute
// index of the first record handed to the extractor.
type ExtractionPolicy struct {
	Mode     ExtractionMode
	Field    string
	Offset   int
	Template FieldTemplate
}

// FieldTemplate is an ordered list of labelled fields rendered in
// full-record mode.
type FieldTemplate []TemplateField

// TemplateField renders as "<Label>: <Column value>[ <UnitColumn value>][<Suffix>]".
// Placeholder replaces an absent or blank value.
type TemplateField struct {
	Label       string
	Column      string
	Placeholder string
	UnitColumn  string
	Suffix      string
}

// TradeRecordTemplate is the default template for import/export records.
func TradeRecordTemplate() FieldTemplate {
	return FieldTemplate{
		{Label: "HS Code", Column: "HS Code", Placeholder: "N/A"},
		{Label: "Item", Column: "Item Description", Placeholder: "N/A"},
		{Label: "Importer", Column: "Importer ", Placeholder: "N/A"},
		{Label: "Supplier", Column: "Supplier Name", Placeholder: "N/A"},
		{Label: "Origin", Column: "origin", Placeholder: "N/A"},
		{Label: "Port", Column: "Port of Shipment", Placeholder: "N/A"},
		{Label: "Quantity", Column: "Quantity", Placeholder: "0", UnitColumn: "UOM"},
		{Label: "Value", Column: "Import Value in PKR", Placeholder: "0", Suffix: " PKR"},
	}
}
