package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
)

// RunLedgerUseCase reads back ingestion runs recorded by IngestUseCase.
type RunLedgerUseCase struct {
	runs ports.IngestionRunStore
}

func NewRunLedgerUseCase(runs ports.IngestionRunStore) *RunLedgerUseCase {
	return &RunLedgerUseCase{runs: runs}
}

func (uc *RunLedgerUseCase) GetRun(ctx context.Context, id string) (*domain.IngestionRunRecord, error) {
	if uc.runs == nil {
		return nil, domain.WrapError(domain.ErrNotFound, "get ingestion run", errors.New("run ledger is not configured"))
	}
	rec, err := uc.runs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get ingestion run: %w", err)
	}
	return rec, nil
}
