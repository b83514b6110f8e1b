package httpadapter

import (
	"errors"
	"net/http"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput), domain.IsKind(err, domain.ErrExtraction):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrEmbeddingBackend),
		domain.IsKind(err, domain.ErrVectorStore),
		domain.IsKind(err, domain.ErrGenerationBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`

	RunID          string `json:"runId,omitempty"`
	FailedBatch    int    `json:"failedBatch,omitempty"`
	TotalBatches   int    `json:"totalBatches,omitempty"`
	Embedded       *int   `json:"embedded,omitempty"`
	ResumeSkipRows *int   `json:"resumeSkipRows,omitempty"`
}

func newErrorResponse(err error) errorResponse {
	resp := errorResponse{Error: err.Error()}
	var ingErr *domain.IngestionError
	if errors.As(err, &ingErr) {
		resp.RunID = ingErr.RunID
		resp.FailedBatch = ingErr.Batch
		resp.TotalBatches = ingErr.TotalBatches
		embedded := ingErr.Embedded
		resume := ingErr.ResumeSkipRows
		resp.Embedded = &embedded
		resp.ResumeSkipRows = &resume
	}
	return resp
}
