package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/vector"
)

// pointNamespace scopes the UUIDv5 point ids derived from document ids.
var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("tabular-rag/qdrant/points"))

const (
	payloadDocID    = "doc_id"
	payloadText     = "text"
	payloadMetadata = "metadata"
)

// Client stores documents in one lazily created Qdrant collection with cosine
// distance. Document ids are mapped to deterministic UUIDs so re-adding an id
// overwrites the previous point.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor
	embed      vector.EmbeddingFunction

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

type Option func(*Client)

func WithExecutor(exec *resilience.Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.executor = exec
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// ExecutorConfig is the resilience policy for store calls. Each call is
// attempted once: a store failure aborts the enclosing operation, and only
// the circuit breaker stays active.
func ExecutorConfig() resilience.Config {
	cfg := resilience.DefaultConfig()
	cfg.RetryMaxAttempts = 1
	return cfg
}

func New(baseURL, collection string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   resilience.NewExecutor(ExecutorConfig()),
		embed:      vector.ExternalEmbeddingGuard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Collection() string {
	return c.collection
}

// PointID returns the Qdrant point id used for a document id.
func PointID(docID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID)).String()
}

func (c *Client) Add(ctx context.Context, ids []string, vectors [][]float32, texts []string, metadatas []domain.Metadata) error {
	if len(ids) == 0 {
		return nil
	}
	vectors, err := vector.ValidateAdd(ctx, c.embed, ids, vectors, texts, metadatas)
	if err != nil {
		return err
	}

	if err := c.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(ids))
	for i, id := range ids {
		points = append(points, point{
			ID:     PointID(id),
			Vector: vectors[i],
			Payload: map[string]any{
				payloadDocID:    id,
				payloadText:     texts[i],
				payloadMetadata: metadatas[i].Plain(),
			},
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	err = c.execute(ctx, "qdrant.upsert", func(ctx context.Context) error {
		_, err := c.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil, "upsert")
		return err
	})
	if err != nil {
		return wrapStoreError("qdrant add", err)
	}
	return nil
}

// Query returns the k nearest points by ascending cosine distance. A missing
// collection yields no matches.
func (c *Client) Query(ctx context.Context, queryVector []float32, k int) ([]domain.Match, error) {
	if k <= 0 {
		k = domain.DefaultTopK
	}
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        k,
		"with_payload": true,
	}

	var searchResp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	var status int
	err := c.execute(ctx, "qdrant.search", func(ctx context.Context) error {
		var err error
		status, err = c.do(ctx, http.MethodPost, path, reqBody, &searchResp, "search")
		return err
	})
	if status == http.StatusNotFound {
		return []domain.Match{}, nil
	}
	if err != nil {
		return nil, wrapStoreError("qdrant query", err)
	}

	out := make([]domain.Match, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.Match{
			ID:       getStringPayload(r.Payload, payloadDocID),
			Text:     getStringPayload(r.Payload, payloadText),
			Metadata: getMetadataPayload(r.Payload),
			Distance: 1 - r.Score,
		})
	}
	return out, nil
}

// QueryText always fails: this client never embeds text itself.
func (c *Client) QueryText(ctx context.Context, text string, k int) ([]domain.Match, error) {
	vectors, err := c.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return c.Query(ctx, vectors[0], k)
}

func (c *Client) Count(ctx context.Context) (int, error) {
	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", c.collection)
	var status int
	err := c.execute(ctx, "qdrant.count", func(ctx context.Context) error {
		var err error
		status, err = c.do(ctx, http.MethodPost, path, map[string]any{"exact": true}, &countResp, "count")
		return err
	})
	if status == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, wrapStoreError("qdrant count", err)
	}
	return countResp.Result.Count, nil
}

// Clear deletes the collection and recreates it with the last known vector
// size. When the size is unknown the collection is recreated on next Add.
func (c *Client) Clear(ctx context.Context) error {
	size, err := c.vectorSize(ctx)
	if err != nil {
		return wrapStoreError("qdrant clear", err)
	}

	path := fmt.Sprintf("/collections/%s", c.collection)
	var status int
	err = c.execute(ctx, "qdrant.delete_collection", func(ctx context.Context) error {
		var err error
		status, err = c.do(ctx, http.MethodDelete, path, nil, nil, "delete collection")
		return err
	})
	if err != nil && status != http.StatusNotFound {
		return wrapStoreError("qdrant clear", err)
	}

	c.ensureMu.Lock()
	c.ensuredCollection = false
	c.ensureMu.Unlock()

	if size > 0 {
		if err := c.ensureCollection(ctx, size); err != nil {
			return err
		}
	}
	return nil
}

// vectorSize returns the remembered vector size or reads it from the
// collection config. Zero means the collection does not exist yet.
func (c *Client) vectorSize(ctx context.Context) (int, error) {
	c.ensureMu.Lock()
	size := c.ensuredVectorSize
	c.ensureMu.Unlock()
	if size > 0 {
		return size, nil
	}

	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s", c.collection)
	status, err := c.do(ctx, http.MethodGet, path, nil, &info, "get collection")
	if status == http.StatusNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Result.Config.Params.Vectors.Size, nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}

	path := fmt.Sprintf("/collections/%s", c.collection)
	var status int
	err := c.execute(ctx, "qdrant.ensure_collection", func(ctx context.Context) error {
		var err error
		status, err = c.do(ctx, http.MethodPut, path, reqBody, nil, "ensure collection")
		if status == http.StatusConflict {
			return nil
		}
		return err
	})
	if err != nil {
		return wrapStoreError("qdrant ensure collection", err)
	}
	c.markCollectionEnsured(vectorSize)
	return nil
}

func (c *Client) markCollectionEnsured(vectorSize int) {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
}

func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	return c.executor.Execute(ctx, operation, fn, classifyQdrantError)
}

// do sends one request and decodes a 2xx body into out. It returns the HTTP
// status so callers can treat 404 specially.
func (c *Client) do(ctx context.Context, method, path string, payload any, out any, operation string) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return resp.StatusCode, &HTTPStatusError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(raw)),
		}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", operation, err)
		}
	}
	return resp.StatusCode, nil
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getMetadataPayload(payload map[string]any) domain.Metadata {
	raw, ok := payload[payloadMetadata].(map[string]any)
	if !ok {
		return domain.Metadata{}
	}
	meta := make(domain.Metadata, len(raw))
	for k, v := range raw {
		meta[k] = domain.ScalarOf(v)
	}
	return meta
}
