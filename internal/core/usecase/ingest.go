package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
)

// IngestUseCase turns the configured dataset into stored embeddings, one
// batch at a time.
type IngestUseCase struct {
	source    ports.RecordSource
	extractor ports.DocumentExtractor
	embedder  ports.Embedder
	vectorDB  ports.VectorStore
	runs      ports.IngestionRunStore
	observer  ports.IngestionObserver
	logger    *slog.Logger
	now       func() time.Time
}

type IngestOption func(*IngestUseCase)

// WithRunStore records every run in an audit ledger.
func WithRunStore(runs ports.IngestionRunStore) IngestOption {
	return func(uc *IngestUseCase) {
		uc.runs = runs
	}
}

func WithIngestionObserver(observer ports.IngestionObserver) IngestOption {
	return func(uc *IngestUseCase) {
		uc.observer = observer
	}
}

func WithIngestLogger(logger *slog.Logger) IngestOption {
	return func(uc *IngestUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

func NewIngestUseCase(
	source ports.RecordSource,
	extractor ports.DocumentExtractor,
	embedder ports.Embedder,
	vectorDB ports.VectorStore,
	opts ...IngestOption,
) *IngestUseCase {
	uc := &IngestUseCase{
		source:    source,
		extractor: extractor,
		embedder:  embedder,
		vectorDB:  vectorDB,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *IngestUseCase) Ingest(ctx context.Context, req domain.IngestRequest) (*domain.IngestResult, error) {
	req, err := req.Normalize()
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ingest", err)
	}

	run := &domain.IngestionRun{
		ID:        req.RunID,
		SkipRows:  req.SkipRows,
		StartedAt: uc.now(),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	logger := uc.logger.With("run_id", run.ID)

	ledger := &domain.IngestionRunRecord{
		ID:        run.ID,
		Status:    domain.RunRunning,
		SkipRows:  req.SkipRows,
		BatchSize: req.BatchSize,
		StartedAt: run.StartedAt.UTC(),
	}
	uc.startLedger(ctx, logger, ledger)
	if uc.observer != nil {
		uc.observer.RunStarted(run)
	}

	docs, err := uc.prepare(ctx, logger, req)
	if err != nil {
		uc.finish(ctx, logger, run, ledger, nil, err)
		return nil, err
	}

	run.TotalDocuments = len(docs)
	run.TotalBatches = (len(docs) + req.BatchSize - 1) / req.BatchSize
	ledger.TotalDocuments = run.TotalDocuments
	ledger.TotalBatches = run.TotalBatches

	logger.Info("ingest_started",
		"documents", run.TotalDocuments,
		"batches", run.TotalBatches,
		"batch_size", req.BatchSize,
		"skip_rows", req.SkipRows,
		"mode", req.Policy.Mode,
	)

	for start := 0; start < len(docs); start += req.BatchSize {
		batch := docs[start:min(start+req.BatchSize, len(docs))]
		batchNum := start/req.BatchSize + 1

		if err := uc.processBatch(ctx, logger, run, batch, batchNum); err != nil {
			ingErr := &domain.IngestionError{
				RunID:          run.ID,
				Batch:          batchNum,
				TotalBatches:   run.TotalBatches,
				Embedded:       run.TotalEmbedded,
				ResumeSkipRows: resumePoint(batch[0], req.SkipRows),
				Err:            err,
			}
			logger.Error("ingest_batch_failed",
				"batch", batchNum,
				"total_batches", run.TotalBatches,
				"embedded", run.TotalEmbedded,
				"resume_skip_rows", ingErr.ResumeSkipRows,
				"elapsed_seconds", uc.now().Sub(run.StartedAt).Seconds(),
				"error", err,
			)
			uc.finish(ctx, logger, run, ledger, &ingErr.ResumeSkipRows, ingErr)
			return nil, ingErr
		}
	}

	elapsed := uc.now().Sub(run.StartedAt)
	result := &domain.IngestResult{
		RunID:         run.ID,
		TotalEmbedded: run.TotalEmbedded,
		TotalBatches:  run.TotalBatches,
		Elapsed:       elapsed,
		Message: fmt.Sprintf(
			"Successfully embedded %d documents in %d batches (%.1fs)",
			run.TotalEmbedded, run.TotalBatches, elapsed.Seconds(),
		),
	}
	logger.Info("ingest_completed",
		"documents", run.TotalEmbedded,
		"batches", run.TotalBatches,
		"elapsed_seconds", elapsed.Seconds(),
		"avg_ms_per_document", float64(elapsed.Milliseconds())/float64(max(run.TotalEmbedded, 1)),
	)
	uc.finish(ctx, logger, run, ledger, nil, nil)
	return result, nil
}

// prepare clears the store when asked, reads the dataset and extracts the
// documents of records[skipRows:].
func (uc *IngestUseCase) prepare(ctx context.Context, logger *slog.Logger, req domain.IngestRequest) ([]domain.Document, error) {
	if req.ClearExisting {
		if err := uc.vectorDB.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clear collection: %w", err)
		}
		logger.Info("ingest_collection_cleared", "collection", uc.vectorDB.Collection())
	}

	dataset, err := uc.source.ReadRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}

	records := dataset.Records
	if req.SkipRows > 0 {
		records = records[min(req.SkipRows, len(records)):]
		logger.Info("ingest_rows_skipped", "skip_rows", req.SkipRows, "remaining", len(records))
	}
	logger.Info("ingest_dataset_loaded", "file", dataset.Filename, "total_rows", len(dataset.Records))

	docs, err := uc.extractor.Extract(records, req.Policy)
	if err != nil {
		return nil, fmt.Errorf("extract documents: %w", err)
	}
	return docs, nil
}

func (uc *IngestUseCase) processBatch(
	ctx context.Context,
	logger *slog.Logger,
	run *domain.IngestionRun,
	batch []domain.Document,
	batchNum int,
) error {
	batchStart := uc.now()

	texts := make([]string, len(batch))
	ids := make([]string, len(batch))
	metadatas := make([]domain.Metadata, len(batch))
	for i, doc := range batch {
		texts[i] = doc.Text
		ids[i] = doc.ID
		metadatas[i] = doc.Metadata
	}

	vectors, err := uc.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(batch) {
		return domain.WrapError(
			domain.ErrEmbeddingBackend,
			"embed batch",
			fmt.Errorf("vectors/documents mismatch: %d/%d", len(vectors), len(batch)),
		)
	}
	embedTook := uc.now().Sub(batchStart)

	storeStart := uc.now()
	if err := uc.vectorDB.Add(ctx, ids, vectors, texts, metadatas); err != nil {
		return fmt.Errorf("store batch: %w", err)
	}
	storeTook := uc.now().Sub(storeStart)

	took := uc.now().Sub(batchStart)
	run.RecordBatch(len(batch), took)

	attrs := []any{
		"batch", batchNum,
		"total_batches", run.TotalBatches,
		"size", len(batch),
		"embed_seconds", embedTook.Seconds(),
		"store_seconds", storeTook.Seconds(),
		"batch_seconds", took.Seconds(),
		"avg_batch_seconds", run.AverageBatchTime().Seconds(),
		"embedded", run.TotalEmbedded,
		"total_documents", run.TotalDocuments,
		"percent_complete", run.PercentComplete(),
		"elapsed_seconds", uc.now().Sub(run.StartedAt).Seconds(),
		"eta_seconds", run.EstimatedRemaining().Seconds(),
	}
	if batchNum == 1 && len(metadatas) > 0 {
		attrs = append(attrs, "sample_metadata", metadatas[0].Plain())
	}
	logger.Info("ingest_batch_completed", attrs...)

	if uc.observer != nil {
		uc.observer.BatchCompleted(run, len(batch))
	}
	return nil
}

// resumePoint is the absolute row index of doc, the skipRows value that
// restarts a run at this document.
func resumePoint(doc domain.Document, skipRows int) int {
	if n, ok := domain.RowIndexOf(doc.ID); ok {
		return n
	}
	if v, ok := doc.Metadata[domain.MetadataRowIndex]; ok {
		if n, isNumber := v.Number(); isNumber {
			return skipRows + int(n)
		}
	}
	return skipRows
}

func (uc *IngestUseCase) startLedger(ctx context.Context, logger *slog.Logger, rec *domain.IngestionRunRecord) {
	if uc.runs == nil {
		return
	}
	if err := uc.runs.Start(ctx, rec); err != nil {
		logger.Warn("ingest_ledger_start_failed", "error", err)
	}
}

func (uc *IngestUseCase) finish(
	ctx context.Context,
	logger *slog.Logger,
	run *domain.IngestionRun,
	rec *domain.IngestionRunRecord,
	resume *int,
	runErr error,
) {
	if uc.observer != nil {
		uc.observer.RunFinished(run, runErr)
	}
	if uc.runs == nil {
		return
	}

	finishedAt := uc.now().UTC()
	rec.FinishedAt = &finishedAt
	rec.TotalEmbedded = run.TotalEmbedded
	rec.ResumeSkipRows = resume
	rec.Status = domain.RunSucceeded
	if runErr != nil {
		rec.Status = domain.RunFailed
		rec.Error = runErr.Error()
	}
	// Closed even when the caller cancelled.
	if err := uc.runs.Finish(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("ingest_ledger_finish_failed", "error", err)
	}
}
