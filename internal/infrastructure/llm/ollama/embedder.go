package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/resilience"
)

const (
	defaultEmbedTimeout     = 30 * time.Second
	defaultEmbedConcurrency = 16
	defaultRetryAttempts    = 3
	defaultRetryBaseDelay   = time.Second
)

// Embedder calls POST /api/embeddings once per text. EmbedBatch fans out over
// a bounded worker pool.
type Embedder struct {
	client   *Client
	model    string
	timeout  time.Duration
	pool     *ants.Pool
	limiter  *rate.Limiter
	executor *resilience.Executor
	logger   *slog.Logger
}

type EmbedderOption func(*Embedder) error

// WithConcurrency bounds the number of in-flight embedding requests.
func WithConcurrency(size int) EmbedderOption {
	return func(e *Embedder) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return fmt.Errorf("create embedding pool: %w", err)
		}
		if e.pool != nil {
			e.pool.Release()
		}
		e.pool = pool
		return nil
	}
}

// WithRateLimit throttles requests to rps per second. Zero disables it.
func WithRateLimit(rps float64) EmbedderOption {
	return func(e *Embedder) error {
		if rps <= 0 {
			e.limiter = nil
			return nil
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

func WithEmbedTimeout(d time.Duration) EmbedderOption {
	return func(e *Embedder) error {
		if d > 0 {
			e.timeout = d
		}
		return nil
	}
}

// WithRetry replaces the retry policy used for every single embedding.
func WithRetry(exec *resilience.Executor) EmbedderOption {
	return func(e *Embedder) error {
		if exec != nil {
			e.executor = exec
		}
		return nil
	}
}

func WithEmbedLogger(logger *slog.Logger) EmbedderOption {
	return func(e *Embedder) error {
		if logger != nil {
			e.logger = logger
		}
		return nil
	}
}

func NewEmbedder(client *Client, model string, opts ...EmbedderOption) (*Embedder, error) {
	if client == nil {
		return nil, fmt.Errorf("ollama client is required")
	}
	if model == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "new embedder", fmt.Errorf("embedding model is required"))
	}

	e := &Embedder{
		client:   client,
		model:    model,
		timeout:  defaultEmbedTimeout,
		executor: resilience.NewExecutor(resilience.LinearConfig(defaultRetryAttempts, defaultRetryBaseDelay)),
		logger:   slog.Default(),
	}
	if err := WithConcurrency(defaultEmbedConcurrency)(e); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// Close releases the worker pool. The embedder must not be used afterwards.
func (e *Embedder) Close() {
	if e.pool != nil {
		e.pool.Release()
	}
}

func (e *Embedder) Model() string {
	return e.model
}

// Embed returns the vector for one text, retrying failed attempts with a
// linearly growing delay.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	attempts := 0
	var vector []float32
	err := e.executor.Execute(ctx, "ollama.embed", func(ctx context.Context) error {
		attempts++
		v, err := e.embedOnce(ctx, text)
		if err != nil {
			return err
		}
		vector = v
		return nil
	}, classifyEmbedError)
	if err != nil {
		return nil, wrapBackendError(
			domain.ErrEmbeddingBackend,
			"embed",
			fmt.Errorf("embed after %d attempts: %w", attempts, err),
		)
	}
	return vector, nil
}

func (e *Embedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	request := map[string]any{
		"model":  e.model,
		"prompt": text,
	}
	var response struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := e.client.postJSON(ctx, "/api/embeddings", request, &response, "embed"); err != nil {
		return nil, err
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embed: empty embedding in response")
	}
	return response.Embedding, nil
}

// EmbedBatch embeds every text concurrently. The result is index-aligned with
// texts; a single failure fails the call and skips work not yet started.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := make([][]float32, len(texts))
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel(err)
		})
	}

	for i, text := range texts {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		submitErr := e.pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			vector, err := e.Embed(ctx, text)
			if err != nil {
				fail(fmt.Errorf("text %d: %w", i, err))
				return
			}
			out[i] = vector
		})
		if submitErr != nil {
			wg.Done()
			fail(domain.WrapError(domain.ErrEmbeddingBackend, "embed batch", submitErr))
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		e.logger.Warn("embed_batch_failed", "size", len(texts), "error", firstErr)
		return nil, firstErr
	}
	for _, vector := range out {
		if vector == nil {
			return nil, domain.WrapError(domain.ErrEmbeddingBackend, "embed batch", ctx.Err())
		}
	}
	return out, nil
}
