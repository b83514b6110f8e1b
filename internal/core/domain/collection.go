package domain

type CollectionStats struct {
	Count          int    `json:"count"`
	CollectionName string `json:"collectionName"`
}

// DatasetPreview describes the configured dataset without loading it into
// the store.
type DatasetPreview struct {
	Filename  string           `json:"filename"`
	SheetName string           `json:"sheetName"`
	RowCount  int              `json:"rowCount"`
	Columns   []string         `json:"columns"`
	Data      []map[string]any `json:"data"`
}
