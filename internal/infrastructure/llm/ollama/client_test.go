package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/infrastructure/resilience"
)

func fastRetry() EmbedderOption {
	return WithRetry(resilience.NewExecutor(resilience.LinearConfig(3, time.Millisecond)))
}

func newTestEmbedder(t *testing.T, url string, opts ...EmbedderOption) *Embedder {
	t.Helper()
	embedder, err := NewEmbedder(New(url), "nomic-embed-text", append([]EmbedderOption{fastRetry()}, opts...)...)
	if err != nil {
		t.Fatalf("NewEmbedder() error = %v", err)
	}
	t.Cleanup(embedder.Close)
	return embedder
}

func decodePrompt(t *testing.T, r *http.Request) string {
	t.Helper()
	var payload struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return payload.Prompt
}

func TestEmbedBatchPreservesInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		prompt := decodePrompt(t, r)
		n, _ := strconv.Atoi(prompt)
		time.Sleep(time.Duration(rand.Intn(5)) * time.Millisecond)
		_, _ = fmt.Fprintf(w, `{"embedding":[%d,1]}`, n)
	}))
	defer server.Close()

	embedder := newTestEmbedder(t, server.URL, WithConcurrency(4))
	texts := make([]string, 40)
	for i := range texts {
		texts[i] = strconv.Itoa(i)
	}

	vectors, err := embedder.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(vectors))
	}
	for i, v := range vectors {
		if int(v[0]) != i {
			t.Fatalf("vector %d belongs to text %v", i, v[0])
		}
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	embedder := newTestEmbedder(t, "http://127.0.0.1:1")
	vectors, err := embedder.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != 0 {
		t.Fatalf("expected no vectors, got %d", len(vectors))
	}
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	for k := 0; k < 3; k++ {
		t.Run(fmt.Sprintf("failures=%d", k), func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) <= int32(k) {
					http.Error(w, "loading model", http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
			}))
			defer server.Close()

			vector, err := newTestEmbedder(t, server.URL).Embed(context.Background(), "hello")
			if err != nil {
				t.Fatalf("Embed() error = %v", err)
			}
			if len(vector) != 3 {
				t.Fatalf("unexpected vector %v", vector)
			}
			if got := atomic.LoadInt32(&calls); got != int32(k+1) {
				t.Fatalf("expected %d calls, got %d", k+1, got)
			}
		})
	}
}

func TestEmbedFailsAfterThreeAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newTestEmbedder(t, server.URL).Embed(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", got)
	}
	if !domain.IsKind(err, domain.ErrEmbeddingBackend) {
		t.Fatalf("expected embedding backend error, got %v", err)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected attempts and last body in error, got %v", err)
	}
}

func TestEmbedRetriesClientErrorsUntilAttemptsExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "invalid prompt", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestEmbedder(t, server.URL).Embed(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts against a 400 backend, got %d", got)
	}
	if !domain.IsKind(err, domain.ErrEmbeddingBackend) || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Fatalf("expected aggregated embedding backend error, got %v", err)
	}
}

func TestClassifyEmbedErrorStopsOnlyOnCancellation(t *testing.T) {
	if c := classifyEmbedError(fmt.Errorf("embed: %w", context.Canceled)); c.Retryable {
		t.Fatalf("cancellation must not be retried")
	}
	for _, err := range []error{
		&HTTPStatusError{Operation: "embed", StatusCode: http.StatusNotFound, Status: "404 Not Found"},
		context.DeadlineExceeded,
		errors.New("connection refused"),
	} {
		if c := classifyEmbedError(err); !c.Retryable {
			t.Fatalf("expected %v to be retryable", err)
		}
	}
}

func TestEmbedBatchFailsWholeBatchOnSingleFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if decodePrompt(t, r) == "bad" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"embedding":[1,2]}`))
	}))
	defer server.Close()

	vectors, err := newTestEmbedder(t, server.URL).EmbedBatch(context.Background(), []string{"a", "bad", "c"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if vectors != nil {
		t.Fatalf("expected no partial result, got %v", vectors)
	}
	if !domain.IsKind(err, domain.ErrEmbeddingBackend) {
		t.Fatalf("expected embedding backend error, got %v", err)
	}
}

func TestEmbedTimesOutSlowAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(`{"embedding":[1]}`))
	}))
	defer server.Close()

	embedder := newTestEmbedder(t, server.URL, WithEmbedTimeout(50*time.Millisecond))
	if _, err := embedder.Embed(context.Background(), "slow"); err != nil {
		t.Fatalf("expected retry after timeout to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls, got %d", got)
	}
}

func TestChatModelStreamsFragments(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		lines := []string{
			`{"message":{"role":"assistant","content":"Rice "},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":false}`,
			`{"message":{"role":"assistant","content":"imports"},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true}`,
		}
		for _, line := range lines {
			_, _ = fmt.Fprintln(w, line)
			w.(http.Flusher).Flush()
		}
	}))
	defer server.Close()

	model := NewChatModel(New(server.URL), "llama3.1:8b")
	var fragments []string
	err := model.Stream(context.Background(), []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "ctx"},
		{Role: domain.RoleUser, Content: "q"},
	}, domain.GenerationOptions{MaxTokens: 64, Temperature: 0.2}, func(s string) error {
		fragments = append(fragments, s)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(fragments, "|") != "Rice |imports" {
		t.Fatalf("unexpected fragments %q", fragments)
	}
	if captured["stream"] != true {
		t.Fatalf("expected stream=true, got %v", captured["stream"])
	}
	options, _ := captured["options"].(map[string]any)
	if options["num_predict"] != float64(64) {
		t.Fatalf("expected num_predict 64, got %v", options["num_predict"])
	}
}

func TestChatModelStreamStopsWhenConsumerAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			_, _ = fmt.Fprintf(w, `{"message":{"content":"t%d "},"done":false}`+"\n", i)
		}
		_, _ = fmt.Fprintln(w, `{"done":true}`)
	}))
	defer server.Close()

	model := NewChatModel(New(server.URL), "m")
	seen := 0
	err := model.Stream(context.Background(), nil, domain.GenerationOptions{}, func(string) error {
		seen++
		if seen == 2 {
			return domain.ErrStreamAbandoned
		}
		return nil
	})
	if !errors.Is(err, domain.ErrStreamAbandoned) {
		t.Fatalf("expected abandoned error, got %v", err)
	}
	if seen != 2 {
		t.Fatalf("expected producer to stop after 2 fragments, got %d", seen)
	}
}

func TestChatModelReportsStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintln(w, `{"message":{"content":"partial"},"done":false}`)
		_, _ = fmt.Fprintln(w, `{"error":"model crashed"}`)
	}))
	defer server.Close()

	err := NewChatModel(New(server.URL), "m").Stream(context.Background(), nil, domain.GenerationOptions{}, func(string) error { return nil })
	if !domain.IsKind(err, domain.ErrGenerationBackend) {
		t.Fatalf("expected generation backend error, got %v", err)
	}
	if !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected backend message, got %v", err)
	}
}

func TestChatModelCompleteIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewChatModel(New(server.URL), "m").Complete(context.Background(), nil, domain.GenerationOptions{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected 502 to be marked temporary, got %v", err)
	}
}
