package domain

import (
	"fmt"
	"time"
)

const DefaultBatchSize = 1000

// IngestRequest describes one ingestion run.
type IngestRequest struct {
	Policy        ExtractionPolicy `json:"-"`
	Field         string           `json:"field,omitempty"`
	UseFullRecord bool             `json:"useFullRecord"`
	BatchSize     int              `json:"batchSize,omitempty"`
	SkipRows      int              `json:"skipRows,omitempty"`
	ClearExisting bool             `json:"clearExisting,omitempty"`
	// RunID is optional; one is generated when empty.
	RunID string `json:"runId,omitempty"`
}

// Normalize resolves the extraction policy from the wire fields and applies
// defaults.
func (r IngestRequest) Normalize() (IngestRequest, error) {
	out := r
	if out.SkipRows < 0 {
		return out, fmt.Errorf("skipRows must be >= 0, got %d", out.SkipRows)
	}
	if out.BatchSize < 0 {
		return out, fmt.Errorf("batchSize must be >= 0, got %d", out.BatchSize)
	}
	if out.BatchSize == 0 {
		out.BatchSize = DefaultBatchSize
	}
	if out.Policy.Mode == "" {
		if out.UseFullRecord {
			out.Policy.Mode = ExtractionFullRecord
		} else {
			out.Policy.Mode = ExtractionSingleField
			out.Policy.Field = out.Field
		}
	}
	if out.Policy.Mode == ExtractionSingleField && out.Policy.Field == "" {
		out.Policy.Field = DefaultSingleField
	}
	out.Policy.Offset = out.SkipRows
	return out, nil
}

// IngestionRun is the progress state threaded through the batch loop.
type IngestionRun struct {
	ID             string
	TotalDocuments int
	TotalEmbedded  int
	TotalBatches   int
	BatchTimes     []time.Duration
	SkipRows       int
	StartedAt      time.Time
}

func (r *IngestionRun) RecordBatch(embedded int, took time.Duration) {
	r.TotalEmbedded += embedded
	r.BatchTimes = append(r.BatchTimes, took)
}

func (r *IngestionRun) AverageBatchTime() time.Duration {
	if len(r.BatchTimes) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range r.BatchTimes {
		total += d
	}
	return total / time.Duration(len(r.BatchTimes))
}

// EstimatedRemaining is the mean batch time multiplied by the batches left.
func (r *IngestionRun) EstimatedRemaining() time.Duration {
	remaining := r.TotalBatches - len(r.BatchTimes)
	if remaining <= 0 {
		return 0
	}
	return r.AverageBatchTime() * time.Duration(remaining)
}

func (r *IngestionRun) PercentComplete() float64 {
	if r.TotalDocuments == 0 {
		return 0
	}
	return float64(r.TotalEmbedded) / float64(r.TotalDocuments) * 100
}

type IngestResult struct {
	RunID         string        `json:"runId"`
	TotalEmbedded int           `json:"count"`
	TotalBatches  int           `json:"totalBatches"`
	Elapsed       time.Duration `json:"-"`
	Message       string        `json:"message"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// IngestionRunRecord is the audit row kept for every run.
type IngestionRunRecord struct {
	ID             string     `json:"id"`
	Status         RunStatus  `json:"status"`
	SkipRows       int        `json:"skipRows"`
	BatchSize      int        `json:"batchSize"`
	TotalDocuments int        `json:"totalDocuments"`
	TotalBatches   int        `json:"totalBatches"`
	TotalEmbedded  int        `json:"totalEmbedded"`
	ResumeSkipRows *int       `json:"resumeSkipRows,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}
