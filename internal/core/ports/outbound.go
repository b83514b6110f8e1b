package ports

import (
	"context"
	"io"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// RecordSource reads the tabular dataset.
type RecordSource interface {
	ReadRecords(ctx context.Context) (*domain.Dataset, error)
}

// DocumentExtractor turns raw records into embeddable documents.
type DocumentExtractor interface {
	Extract(records []domain.RawRecord, policy domain.ExtractionPolicy) ([]domain.Document, error)
}

// Embedder maps text to vectors. EmbedBatch preserves input order and fails
// as a whole.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore persists vectors keyed by document id.
type VectorStore interface {
	Add(ctx context.Context, ids []string, vectors [][]float32, texts []string, metadatas []domain.Metadata) error
	Query(ctx context.Context, vector []float32, k int) ([]domain.Match, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Collection() string
}

// ChatModel streams generated text. Stream calls onFragment for every
// non-empty fragment in order; a non-nil return from onFragment aborts
// generation and is returned wrapped.
type ChatModel interface {
	Stream(ctx context.Context, messages []domain.ChatMessage, opts domain.GenerationOptions, onFragment func(string) error) error
	Complete(ctx context.Context, messages []domain.ChatMessage, opts domain.GenerationOptions) (string, error)
}

// ObjectStorage stores uploaded dataset files.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// IngestQueue hands ingestion runs to background workers.
type IngestQueue interface {
	PublishIngestRequested(ctx context.Context, req domain.IngestRequest) error
	SubscribeIngestRequested(ctx context.Context, handler func(context.Context, domain.IngestRequest) error) error
}

// IngestionRunStore keeps an audit trail of ingestion runs. The orchestrator
// only writes to it.
type IngestionRunStore interface {
	Start(ctx context.Context, rec *domain.IngestionRunRecord) error
	Finish(ctx context.Context, rec *domain.IngestionRunRecord) error
	GetByID(ctx context.Context, id string) (*domain.IngestionRunRecord, error)
}

// IngestionObserver receives progress events from the orchestrator.
type IngestionObserver interface {
	RunStarted(run *domain.IngestionRun)
	BatchCompleted(run *domain.IngestionRun, size int)
	RunFinished(run *domain.IngestionRun, err error)
}
