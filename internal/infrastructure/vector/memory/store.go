// Package memory is an in-process vector store using brute-force cosine
// distance. It backs tests and single-node runs without Qdrant.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/vector"
)

type entry struct {
	id       string
	vector   []float32
	norm     float64
	text     string
	metadata domain.Metadata
}

// Store is safe for concurrent reads during writes.
type Store struct {
	name  string
	embed vector.EmbeddingFunction

	mu        sync.RWMutex
	dimension int
	index     map[string]int
	entries   []entry
}

func New(name string) *Store {
	return &Store{
		name:  name,
		embed: vector.ExternalEmbeddingGuard,
		index: make(map[string]int),
	}
}

func (s *Store) Collection() string { return s.name }

// Add upserts by id. The first write fixes the collection dimensionality.
func (s *Store) Add(ctx context.Context, ids []string, vectors [][]float32, texts []string, metadatas []domain.Metadata) error {
	if len(ids) == 0 {
		return nil
	}
	vectors, err := vector.ValidateAdd(ctx, s.embed, ids, vectors, texts, metadatas)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dimension
	if dim == 0 {
		dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != dim {
			return domain.WrapError(domain.ErrVectorStore, "memory add", fmt.Errorf(
				"vector %s has dimension %d, collection %s expects %d", ids[i], len(v), s.name, dim))
		}
	}
	s.dimension = dim

	for i, id := range ids {
		e := entry{
			id:       id,
			vector:   append([]float32(nil), vectors[i]...),
			norm:     norm(vectors[i]),
			text:     texts[i],
			metadata: metadatas[i],
		}
		if pos, ok := s.index[id]; ok {
			s.entries[pos] = e
			continue
		}
		s.index[id] = len(s.entries)
		s.entries = append(s.entries, e)
	}
	return nil
}

// Query returns up to k matches by ascending cosine distance.
func (s *Store) Query(_ context.Context, query []float32, k int) ([]domain.Match, error) {
	if k <= 0 {
		k = domain.DefaultTopK
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return []domain.Match{}, nil
	}
	if len(query) != s.dimension {
		return nil, domain.WrapError(domain.ErrVectorStore, "memory query", fmt.Errorf(
			"query dimension %d, collection %s expects %d", len(query), s.name, s.dimension))
	}

	qn := norm(query)
	distances := make([]float64, len(s.entries))
	order := make([]int, len(s.entries))
	for i, e := range s.entries {
		distances[i] = 1 - cosine(query, qn, e.vector, e.norm)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return distances[order[a]] < distances[order[b]]
	})
	if k > len(order) {
		k = len(order)
	}

	out := make([]domain.Match, 0, k)
	for _, i := range order[:k] {
		e := s.entries[i]
		out = append(out, domain.Match{ID: e.id, Text: e.text, Metadata: e.metadata, Distance: distances[i]})
	}
	return out, nil
}

// QueryText exists for parity with stores that embed on their own; here it
// always hits the external embedding guard.
func (s *Store) QueryText(ctx context.Context, text string, k int) ([]domain.Match, error) {
	vectors, err := s.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, vectors[0], k)
}

func (s *Store) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Clear drops every entry and keeps the known dimensionality.
func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = make(map[string]int)
	return nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
