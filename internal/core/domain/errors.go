package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrExtraction        = errors.New("extraction failed")
	ErrEmbeddingBackend  = errors.New("embedding backend failure")
	ErrVectorStore       = errors.New("vector store failure")
	ErrGenerationBackend = errors.New("generation backend failure")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrTemporary         = errors.New("temporary failure")

	// ErrNoDocumentsExtracted is reported together with ErrExtraction.
	ErrNoDocumentsExtracted = errors.New("no valid documents extracted")

	ErrStreamAbandoned = errors.New("stream abandoned by consumer")
	ErrStreamConsumed  = errors.New("stream already consumed")

	// ErrEmbeddingFunctionInvoked is returned when a vector store path tries to
	// compute embeddings itself. Vectors are always supplied by the caller.
	ErrEmbeddingFunctionInvoked = errors.New("vector store embedding function invoked")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// NoDocumentsError reports an extraction that produced nothing to embed.
type NoDocumentsError struct {
	TotalRows int
	Mode      ExtractionMode
	Field     string
}

func (e *NoDocumentsError) Error() string {
	if e.Mode == ExtractionSingleField {
		return fmt.Sprintf("no valid documents found to embed: total rows %d, field %q empty in every row", e.TotalRows, e.Field)
	}
	return fmt.Sprintf("no valid documents found to embed: total rows %d", e.TotalRows)
}

func (e *NoDocumentsError) Unwrap() []error {
	return []error{ErrExtraction, ErrNoDocumentsExtracted}
}

// IngestionError aborts a run and carries what is needed to resume it.
type IngestionError struct {
	RunID        string
	Batch        int
	TotalBatches int
	Embedded     int
	// ResumeSkipRows is the absolute row index of the first document in the
	// failed batch.
	ResumeSkipRows int
	Err            error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf(
		"ingestion run %s failed at batch %d/%d after embedding %d documents (resume with skipRows=%d): %v",
		e.RunID, e.Batch, e.TotalBatches, e.Embedded, e.ResumeSkipRows, e.Err,
	)
}

func (e *IngestionError) Unwrap() error {
	return e.Err
}
