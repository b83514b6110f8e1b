package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

// ChatModel generates answers through POST /api/chat.
type ChatModel struct {
	client *Client
	model  string
}

func NewChatModel(client *Client, model string) *ChatModel {
	return &ChatModel{client: client, model: model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

func (m *ChatModel) request(messages []domain.ChatMessage, opts domain.GenerationOptions, stream bool) map[string]any {
	wire := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, chatMessage{Role: msg.Role, Content: msg.Content})
	}
	options := map[string]any{"temperature": opts.Temperature}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	return map[string]any{
		"model":    m.model,
		"messages": wire,
		"stream":   stream,
		"options":  options,
	}
}

// Stream reads the NDJSON response line by line and forwards each content
// delta. Returning an error from onFragment closes the response body.
func (m *ChatModel) Stream(
	ctx context.Context,
	messages []domain.ChatMessage,
	opts domain.GenerationOptions,
	onFragment func(string) error,
) error {
	resp, err := m.client.post(ctx, "/api/chat", m.request(messages, opts, true), "chat")
	if err != nil {
		return wrapBackendError(domain.ErrGenerationBackend, "ollama chat", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return domain.WrapError(domain.ErrGenerationBackend, "ollama chat", fmt.Errorf("decode stream chunk: %w", err))
		}
		if chunk.Error != "" {
			return domain.WrapError(domain.ErrGenerationBackend, "ollama chat", errors.New(chunk.Error))
		}
		if chunk.Message.Content != "" {
			if err := onFragment(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return wrapBackendError(domain.ErrGenerationBackend, "ollama chat", fmt.Errorf("read stream: %w", err))
	}
	return domain.WrapError(domain.ErrGenerationBackend, "ollama chat", errors.New("stream ended without done marker"))
}

func (m *ChatModel) Complete(ctx context.Context, messages []domain.ChatMessage, opts domain.GenerationOptions) (string, error) {
	var response struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := m.client.postJSON(ctx, "/api/chat", m.request(messages, opts, false), &response, "chat"); err != nil {
		return "", wrapBackendError(domain.ErrGenerationBackend, "ollama chat", err)
	}
	return response.Message.Content, nil
}
