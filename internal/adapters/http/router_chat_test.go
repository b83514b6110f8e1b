package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// sseEvents splits a recorded event stream into (event, data) pairs.
func sseEvents(t *testing.T, raw string) [][2]string {
	t.Helper()
	var events [][2]string
	for _, block := range strings.Split(raw, "\n\n") {
		if strings.TrimSpace(block) == "" {
			continue
		}
		var event string
		var data []string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = append(data, strings.TrimPrefix(line, "data: "))
			}
		}
		events = append(events, [2]string{event, strings.Join(data, "\n")})
	}
	return events
}

func TestChatStreamEmitsFragmentsThenDone(t *testing.T) {
	svc := newTestServices()
	chat := &chatFake{stream: &streamFake{fragments: []string{"Pakistan ", "imported\nrice", "."}}}
	svc.Chat = chat
	handler := newTestHandler(testConfig(), svc)

	res := postJSON(t, handler, "/v1/chat/stream", map[string]any{"message": "What rice was imported?"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := sseEvents(t, res.Body.String())
	if len(events) != 4 {
		t.Fatalf("expected 3 fragments and a done event, got %d: %q", len(events), res.Body.String())
	}
	if events[0][1] != "Pakistan " || events[1][1] != "imported\nrice" || events[2][1] != "." {
		t.Fatalf("unexpected fragments %q", events[:3])
	}

	var done streamDone
	if err := json.Unmarshal([]byte(events[3][1]), &done); err != nil {
		t.Fatalf("decode done event: %v", err)
	}
	if !done.Done || done.TokenCount != 3 {
		t.Fatalf("unexpected done event %+v", done)
	}
	if chat.last.TopK != 5 {
		t.Fatalf("expected configured top k, got %d", chat.last.TopK)
	}
}

func TestChatStreamBackendFailureEmitsErrorEvent(t *testing.T) {
	svc := newTestServices()
	svc.Chat = &chatFake{stream: &streamFake{
		fragments: []string{"partial"},
		err:       domain.WrapError(domain.ErrGenerationBackend, "chat stream", errors.New("connection reset")),
	}}
	handler := newTestHandler(testConfig(), svc)

	res := postJSON(t, handler, "/v1/chat/stream", map[string]any{"message": "q"})
	events := sseEvents(t, res.Body.String())
	if len(events) != 2 {
		t.Fatalf("expected fragment and error event, got %q", res.Body.String())
	}
	if events[1][0] != "error" || !strings.Contains(events[1][1], "connection reset") {
		t.Fatalf("unexpected error event %q", events[1])
	}
	if strings.Contains(res.Body.String(), `"done":true`) {
		t.Fatalf("failed stream must not report completion")
	}
}

func TestChatStreamRetrievalFailureKeepsStatus(t *testing.T) {
	svc := newTestServices()
	svc.Chat = &chatFake{streamErr: domain.WrapError(domain.ErrEmbeddingBackend, "retrieve", errors.New("ollama down"))}
	handler := newTestHandler(testConfig(), svc)

	res := postJSON(t, handler, "/v1/chat/stream", map[string]any{"message": "q"})
	if res.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON error, got %q", ct)
	}
}

func TestChatQueryReturnsBufferedAnswer(t *testing.T) {
	svc := newTestServices()
	chat := &chatFake{answer: "Basmati rice from India."}
	svc.Chat = chat
	handler := newTestHandler(testConfig(), svc)

	res := postJSON(t, handler, "/v1/chat/query", map[string]any{"message": "rice?", "topK": 3, "temperature": 0})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	var body chatQueryResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Response != "Basmati rice from India." || body.ContextsUsed != 2 {
		t.Fatalf("unexpected response %+v", body)
	}
	if chat.last.TopK != 3 || chat.last.Temperature == nil || *chat.last.Temperature != 0 {
		t.Fatalf("unexpected chat request %+v", chat.last)
	}
}

func TestWriteEventSplitsLines(t *testing.T) {
	var b strings.Builder
	if err := writeEvent(&b, "error", "a\nb"); err != nil {
		t.Fatalf("writeEvent() error = %v", err)
	}
	if b.String() != "event: error\ndata: a\ndata: b\n\n" {
		t.Fatalf("unexpected event %q", b.String())
	}
}
