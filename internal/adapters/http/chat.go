package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

type chatRequest struct {
	Message     string   `json:"message"`
	TopK        int      `json:"topK"`
	MaxTokens   int      `json:"maxTokens"`
	Temperature *float64 `json:"temperature"`
}

func (rt *Router) chatRequest(body chatRequest) domain.ChatRequest {
	req := domain.ChatRequest{
		Message:     strings.TrimSpace(body.Message),
		TopK:        body.TopK,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
	}
	if req.TopK <= 0 {
		req.TopK = rt.cfg.RAGTopK
	}
	return req
}

type streamDone struct {
	Done         bool  `json:"done"`
	ResponseTime int64 `json:"responseTime"`
	TokenCount   int   `json:"tokenCount"`
}

// chatStream relays generated fragments as server-sent events. Headers are
// only written once retrieval succeeded, so retrieval failures keep their
// JSON error status.
func (rt *Router) chatStream(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming is not supported"})
		return
	}

	start := time.Now()
	stream, err := rt.svc.Chat.Stream(r.Context(), rt.chatRequest(body))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	fragments := 0
	for fragment, err := range stream.Fragments() {
		if err != nil {
			rt.logger.Error("chat_stream_failed",
				"request_id", requestIDFromContext(r.Context()),
				"fragments", fragments,
				"error", err,
			)
			payload, _ := json.Marshal(errorResponse{Error: err.Error()})
			_ = writeEvent(w, "error", string(payload))
			flusher.Flush()
			return
		}
		if err := writeEvent(w, "", fragment); err != nil {
			rt.logger.Info("chat_stream_abandoned",
				"request_id", requestIDFromContext(r.Context()),
				"fragments", fragments,
				"error", err,
			)
			if rt.metrics != nil {
				rt.metrics.RecordStreamAbandoned(serviceName)
			}
			break
		}
		flusher.Flush()
		fragments++
	}
	if rt.metrics != nil {
		rt.metrics.RecordStreamFragments(serviceName, fragments)
	}

	summary, ok := stream.Summary()
	if !ok {
		return
	}
	if rt.metrics != nil {
		rt.metrics.RecordRAGObservation(serviceName, "chat_stream", summary.ContextsUsed, time.Since(start))
	}
	payload, _ := json.Marshal(streamDone{
		Done:         true,
		ResponseTime: time.Since(start).Milliseconds(),
		TokenCount:   summary.FragmentCount,
	})
	_ = writeEvent(w, "", string(payload))
	flusher.Flush()
}

// writeEvent writes one SSE event. Multi-line data is split over several
// data fields.
func writeEvent(w io.Writer, event, data string) error {
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

type chatQueryResponse struct {
	Response     string `json:"response"`
	ContextsUsed int    `json:"contextsUsed"`
	ResponseTime int64  `json:"responseTime"`
}

func (rt *Router) chatQuery(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	start := time.Now()
	resp, err := rt.svc.Chat.Generate(r.Context(), rt.chatRequest(body))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	elapsed := time.Since(start)
	if rt.metrics != nil {
		rt.metrics.RecordRAGObservation(serviceName, "chat_query", resp.ContextsUsed, elapsed)
	}
	writeJSON(w, http.StatusOK, chatQueryResponse{
		Response:     resp.Response,
		ContextsUsed: resp.ContextsUsed,
		ResponseTime: elapsed.Milliseconds(),
	})
}
