package spreadsheet

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
)

// CSVSheetName is reported for datasets read from CSV files.
const CSVSheetName = "CSV"

// Reader loads the configured dataset file from object storage. Workbook
// names resolve to a sibling CSV export when one exists.
type Reader struct {
	storage ports.ObjectStorage
	file    string
}

func NewReader(storage ports.ObjectStorage, file string) *Reader {
	return &Reader{storage: storage, file: file}
}

func (r *Reader) File() string {
	return r.file
}

// Workbook returns a source that reads the configured workbook itself and
// never substitutes the CSV export.
func (r *Reader) Workbook() ports.RecordSource {
	return workbookSource{r}
}

type workbookSource struct {
	r *Reader
}

func (w workbookSource) ReadRecords(ctx context.Context) (*domain.Dataset, error) {
	if strings.TrimSpace(w.r.file) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "read workbook", errors.New("DATA_FILE is not set"))
	}
	if ext := strings.ToLower(filepath.Ext(w.r.file)); ext != ".xlsx" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "read workbook", fmt.Errorf("%s is not an .xlsx workbook", w.r.file))
	}
	return w.r.readWorkbook(ctx, w.r.file)
}

func (r *Reader) ReadRecords(ctx context.Context) (*domain.Dataset, error) {
	if strings.TrimSpace(r.file) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "read dataset", errors.New("DATA_FILE is not set"))
	}

	ext := strings.ToLower(filepath.Ext(r.file))
	switch ext {
	case ".csv":
		return r.readCSV(ctx, r.file)
	case ".xlsx", ".xls":
		sibling := strings.TrimSuffix(r.file, filepath.Ext(r.file)) + ".csv"
		ok, err := r.storage.Exists(ctx, sibling)
		if err != nil {
			return nil, fmt.Errorf("check csv export %s: %w", sibling, err)
		}
		if ok {
			return r.readCSV(ctx, sibling)
		}
		if ext == ".xls" {
			return nil, domain.WrapError(domain.ErrNotFound, "read dataset",
				fmt.Errorf("legacy workbook %s needs a CSV export at %s", r.file, sibling))
		}
		return r.readWorkbook(ctx, r.file)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "read dataset", fmt.Errorf("unsupported dataset format %q", ext))
	}
}

func (r *Reader) readCSV(ctx context.Context, name string) (*domain.Dataset, error) {
	rc, err := r.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", name, err)
	}
	defer rc.Close()

	dataset, err := ParseCSV(rc)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtraction, "parse csv "+name, err)
	}
	dataset.Filename = name
	return dataset, nil
}

// ParseCSV reads a header row followed by data rows. Cells stay strings.
func ParseCSV(src io.Reader) (*domain.Dataset, error) {
	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &domain.Dataset{SheetName: CSVSheetName, Records: []domain.RawRecord{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	columns := append([]string(nil), header...)

	records := make([]domain.RawRecord, 0, 1024)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(records)+1, err)
		}
		values := make(map[string]domain.Scalar, len(row))
		for i, cell := range row {
			values[columnName(columns, i)] = domain.StringValue(cell)
		}
		records = append(records, domain.RawRecord{Columns: columns, Values: values})
	}

	return &domain.Dataset{
		SheetName: CSVSheetName,
		Columns:   columns,
		Records:   records,
	}, nil
}

// columnName names cells beyond the header by position.
func columnName(columns []string, i int) string {
	if i < len(columns) {
		return columns[i]
	}
	return fmt.Sprintf("_%d", i)
}

func (r *Reader) readWorkbook(ctx context.Context, name string) (*domain.Dataset, error) {
	rc, err := r.storage.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", name, err)
	}
	defer rc.Close()

	dataset, err := ParseWorkbook(rc)
	if err != nil {
		return nil, domain.WrapError(domain.ErrExtraction, "parse workbook "+name, err)
	}
	dataset.Filename = name
	return dataset, nil
}

// ParseWorkbook reads the first sheet. Cells are typed from their raw
// stored value; empty cells and blank rows are dropped.
func ParseWorkbook(src io.Reader) (*domain.Dataset, error) {
	f, err := excelize.OpenReader(src, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
	}

	dataset := &domain.Dataset{SheetName: sheet, Records: []domain.RawRecord{}}
	if len(rows) == 0 {
		return dataset, nil
	}
	dataset.Columns = headerNames(rows[0])

	for _, row := range rows[1:] {
		values := make(map[string]domain.Scalar, len(row))
		for i, cell := range row {
			if cell == "" {
				continue
			}
			values[columnName(dataset.Columns, i)] = domain.ParseCell(cell)
		}
		if len(values) == 0 {
			continue
		}
		dataset.Records = append(dataset.Records, domain.RawRecord{Columns: dataset.Columns, Values: values})
	}
	return dataset, nil
}

// headerNames fills blank headers and disambiguates duplicates with a
// numeric suffix.
func headerNames(row []string) []string {
	out := make([]string, len(row))
	used := make(map[string]bool, len(row))
	suffix := make(map[string]int)
	for i, name := range row {
		if name == "" {
			name = "__EMPTY"
		}
		candidate := name
		for used[candidate] {
			suffix[name]++
			candidate = fmt.Sprintf("%s_%d", name, suffix[name])
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}
