package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
)

type CollectionUseCase struct {
	embedder ports.Embedder
	vectorDB ports.VectorStore
}

func NewCollectionUseCase(embedder ports.Embedder, vectorDB ports.VectorStore) *CollectionUseCase {
	return &CollectionUseCase{
		embedder: embedder,
		vectorDB: vectorDB,
	}
}

func (uc *CollectionUseCase) QuerySimilar(ctx context.Context, text string, n int) ([]domain.Match, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "query similar", errors.New("query is required"))
	}
	if n <= 0 {
		n = domain.DefaultTopK
	}

	queryVector, err := uc.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := uc.vectorDB.Query(ctx, queryVector, n)
	if err != nil {
		return nil, fmt.Errorf("query vector db: %w", err)
	}
	return matches, nil
}

func (uc *CollectionUseCase) Stats(ctx context.Context) (domain.CollectionStats, error) {
	count, err := uc.vectorDB.Count(ctx)
	if err != nil {
		return domain.CollectionStats{}, fmt.Errorf("count collection: %w", err)
	}
	return domain.CollectionStats{
		Count:          count,
		CollectionName: uc.vectorDB.Collection(),
	}, nil
}

func (uc *CollectionUseCase) Clear(ctx context.Context) error {
	if err := uc.vectorDB.Clear(ctx); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	return nil
}
