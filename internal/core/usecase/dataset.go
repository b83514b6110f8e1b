package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
)

var allowedDatasetExt = map[string]bool{".csv": true, ".xlsx": true, ".xls": true}

type DatasetUseCase struct {
	source   ports.RecordSource
	workbook ports.RecordSource
	storage  ports.ObjectStorage
}

func NewDatasetUseCase(source, workbook ports.RecordSource, storage ports.ObjectStorage) *DatasetUseCase {
	return &DatasetUseCase{
		source:   source,
		workbook: workbook,
		storage:  storage,
	}
}

// Preview reads the dataset and returns its row count with only the first
// row, since full datasets are large.
func (uc *DatasetUseCase) Preview(ctx context.Context) (*domain.DatasetPreview, error) {
	dataset, err := uc.source.ReadRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	preview := newPreview(dataset)
	if len(dataset.Records) > 0 {
		preview.Data = append(preview.Data, dataset.Records[0].Plain())
	}
	return preview, nil
}

// Workbook returns every row of the first sheet of the configured workbook.
func (uc *DatasetUseCase) Workbook(ctx context.Context) (*domain.DatasetPreview, error) {
	if uc.workbook == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "read workbook", errors.New("workbook source is not configured"))
	}
	dataset, err := uc.workbook.ReadRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("read workbook: %w", err)
	}
	preview := newPreview(dataset)
	for _, rec := range dataset.Records {
		preview.Data = append(preview.Data, rec.Plain())
	}
	return preview, nil
}

func newPreview(dataset *domain.Dataset) *domain.DatasetPreview {
	return &domain.DatasetPreview{
		Filename:  filepath.Base(dataset.Filename),
		SheetName: dataset.SheetName,
		RowCount:  len(dataset.Records),
		Columns:   dataset.Columns,
		Data:      make([]map[string]any, 0, 1),
	}
}

// Upload stores a dataset file under its sanitized base name and returns the
// storage key.
func (uc *DatasetUseCase) Upload(ctx context.Context, filename string, body io.Reader) (string, error) {
	key := sanitizeFilename(filename)
	if !allowedDatasetExt[strings.ToLower(filepath.Ext(key))] {
		return "", domain.WrapError(domain.ErrInvalidInput, "upload dataset", fmt.Errorf("unsupported file type %q", filepath.Ext(key)))
	}
	if err := uc.storage.Save(ctx, key, body); err != nil {
		return "", fmt.Errorf("save to object storage: %w", err)
	}
	return key, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == ".." {
		return "dataset.csv"
	}
	return base
}
