package ports

import (
	"context"
	"io"
	"iter"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// Ingestor is the inbound contract for the batch ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error)
}

// ChatService is the inbound contract for retrieval-augmented chat.
type ChatService interface {
	Retrieve(ctx context.Context, question string, topK int) (*domain.RetrievalContext, error)
	Stream(ctx context.Context, req domain.ChatRequest) (ChatStream, error)
	Generate(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)
}

// ChatStream is a single-use fragment sequence. Summary is valid only after
// Fragments was ranged to completion without error.
type ChatStream interface {
	Fragments() iter.Seq2[string, error]
	Summary() (domain.StreamSummary, bool)
}

// CollectionService exposes maintenance and similarity search on the store.
type CollectionService interface {
	QuerySimilar(ctx context.Context, text string, n int) ([]domain.Match, error)
	Stats(ctx context.Context) (domain.CollectionStats, error)
	Clear(ctx context.Context) error
}

// DatasetService manages the source dataset file.
type DatasetService interface {
	Preview(ctx context.Context) (*domain.DatasetPreview, error)
	Workbook(ctx context.Context) (*domain.DatasetPreview, error)
	Upload(ctx context.Context, filename string, body io.Reader) (string, error)
}

// IngestionRunReader exposes the run ledger.
type IngestionRunReader interface {
	GetRun(ctx context.Context, id string) (*domain.IngestionRunRecord, error)
}
