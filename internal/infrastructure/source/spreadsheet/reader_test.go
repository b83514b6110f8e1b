package spreadsheet

import (
	"context"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/storage/localfs"
)

func newStorage(t *testing.T) *localfs.Storage {
	t.Helper()
	storage, err := localfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("localfs.New() error = %v", err)
	}
	return storage
}

func saveWorkbook(t *testing.T, storage *localfs.Storage, name string, rows [][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatalf("SetSheetRow() error = %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("WriteToBuffer() error = %v", err)
	}
	if err := storage.Save(context.Background(), name, buf); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestParseCSVKeepsStringsAndToleratesRaggedRows(t *testing.T) {
	src := "\ufeffHS Code,Item Description,Quantity\n1006.3010,Basmati rice,120\n0101,Horses\n1001,Wheat,5,extra\n"

	dataset, err := ParseCSV(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ParseCSV() error = %v", err)
	}
	if dataset.SheetName != CSVSheetName || len(dataset.Records) != 3 {
		t.Fatalf("unexpected dataset %+v", dataset)
	}
	if dataset.Columns[0] != "HS Code" {
		t.Fatalf("expected BOM to be stripped, got %q", dataset.Columns[0])
	}

	first := dataset.Records[0]
	if v, _ := first.Get("Quantity"); v != domain.StringValue("120") {
		t.Fatalf("expected csv cells to stay strings, got %#v", v)
	}
	if _, ok := dataset.Records[1].Get("Quantity"); ok {
		t.Fatalf("expected missing trailing cell to be absent")
	}
	if v, ok := dataset.Records[2].Get("_3"); !ok || v.String() != "extra" {
		t.Fatalf("expected positional name for extra cell, got %v %v", v, ok)
	}
}

func TestReaderPrefersSiblingCSVExport(t *testing.T) {
	storage := newStorage(t)
	saveWorkbook(t, storage, "trade.xlsx", [][]any{{"Item Description"}, {"from workbook"}})
	if err := storage.Save(context.Background(), "trade.csv", strings.NewReader("Item Description\nfrom csv\n")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dataset, err := NewReader(storage, "trade.xlsx").ReadRecords(context.Background())
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if dataset.Filename != "trade.csv" || dataset.SheetName != CSVSheetName {
		t.Fatalf("expected csv export to be read, got %s/%s", dataset.Filename, dataset.SheetName)
	}
	if v, _ := dataset.Records[0].Get("Item Description"); v.String() != "from csv" {
		t.Fatalf("unexpected value %v", v)
	}
}

func TestReaderFallsBackToFirstSheet(t *testing.T) {
	storage := newStorage(t)
	saveWorkbook(t, storage, "trade.xlsx", [][]any{
		{"HS Code", "Item Description", "Quantity", "Item Description"},
		{"1006.3010", "Basmati rice", 120, "dup"},
		{"1001", "Wheat"},
	})

	dataset, err := NewReader(storage, "trade.xlsx").ReadRecords(context.Background())
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if dataset.SheetName != "Sheet1" || len(dataset.Records) != 2 {
		t.Fatalf("unexpected dataset %s with %d records", dataset.SheetName, len(dataset.Records))
	}
	if dataset.Columns[3] != "Item Description_1" {
		t.Fatalf("expected duplicate header to be suffixed, got %v", dataset.Columns)
	}

	rec := dataset.Records[0]
	if v, _ := rec.Get("Quantity"); v != domain.NumberValue(120) {
		t.Fatalf("expected numeric cell, got %#v", v)
	}
	if v, _ := rec.Get("HS Code"); v != domain.StringValue("1006.3010") {
		t.Fatalf("expected code to stay a string, got %#v", v)
	}
	if _, ok := dataset.Records[1].Get("Quantity"); ok {
		t.Fatalf("expected empty cell to be absent")
	}
}

func TestReaderErrors(t *testing.T) {
	storage := newStorage(t)

	if _, err := NewReader(storage, "").ReadRecords(context.Background()); !domain.IsKind(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewReader(storage, "trade.json").ReadRecords(context.Background()); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := NewReader(storage, "trade.xls").ReadRecords(context.Background()); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for legacy workbook, got %v", err)
	}
	if _, err := NewReader(storage, "missing.csv").ReadRecords(context.Background()); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkbookSourceIgnoresCSVExport(t *testing.T) {
	storage := newStorage(t)
	saveWorkbook(t, storage, "trade.xlsx", [][]any{{"Item Description"}, {"from workbook"}})
	if err := storage.Save(context.Background(), "trade.csv", strings.NewReader("Item Description\nfrom csv\n")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dataset, err := NewReader(storage, "trade.xlsx").Workbook().ReadRecords(context.Background())
	if err != nil {
		t.Fatalf("ReadRecords() error = %v", err)
	}
	if v, _ := dataset.Records[0].Get("Item Description"); v.String() != "from workbook" {
		t.Fatalf("unexpected value %v", v)
	}
	if _, err := NewReader(storage, "trade.csv").Workbook().ReadRecords(context.Background()); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for csv, got %v", err)
	}
}
