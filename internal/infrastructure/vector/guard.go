// Package vector holds helpers shared by the vector store adapters.
package vector

import (
	"context"
	"fmt"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// EmbeddingFunction lets a store compute vectors for raw text.
type EmbeddingFunction func(ctx context.Context, texts []string) ([][]float32, error)

// ExternalEmbeddingGuard is installed in every store. Vectors always come from
// the embedding client, so any path that reaches it is a bug.
func ExternalEmbeddingGuard(_ context.Context, texts []string) ([][]float32, error) {
	return nil, domain.WrapError(
		domain.ErrEmbeddingFunctionInvoked,
		"vector store embed",
		fmt.Errorf("refusing to embed %d texts inside the store: vectors must be supplied by the caller", len(texts)),
	)
}

// ValidateAdd checks that the parallel slices of an upsert line up and fills
// missing vectors through embed.
func ValidateAdd(ctx context.Context, embed EmbeddingFunction, ids []string, vectors [][]float32, texts []string, metadatas []domain.Metadata) ([][]float32, error) {
	n := len(ids)
	if len(vectors) != n || len(texts) != n || len(metadatas) != n {
		return nil, domain.WrapError(domain.ErrInvalidInput, "vector store add", fmt.Errorf(
			"length mismatch: ids=%d vectors=%d texts=%d metadatas=%d", n, len(vectors), len(texts), len(metadatas)))
	}
	var missing []int
	for i, v := range vectors {
		if ids[i] == "" {
			return nil, domain.WrapError(domain.ErrInvalidInput, "vector store add", fmt.Errorf("empty id at position %d", i))
		}
		if len(v) == 0 {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return vectors, nil
	}
	if embed == nil {
		embed = ExternalEmbeddingGuard
	}
	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	computed, err := embed(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(computed) != len(missing) {
		return nil, domain.WrapError(domain.ErrVectorStore, "vector store add", fmt.Errorf("embedding function returned %d vectors for %d texts", len(computed), len(missing)))
	}
	out := make([][]float32, n)
	copy(out, vectors)
	for j, i := range missing {
		out[i] = computed[j]
	}
	return out, nil
}
