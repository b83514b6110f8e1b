// Package groq generates answers through Groq's OpenAI-compatible chat API.
package groq

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.3-70b-versatile"
)

type ChatModel struct {
	llm   llms.Model
	model string
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

func New(cfg Config) (*ChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, domain.WrapError(domain.ErrConfiguration, "new groq chat model", errors.New("GROQ_API_KEY is required"))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")),
		openai.WithModel(cfg.Model),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "new groq chat model", err)
	}
	return &ChatModel{llm: llm, model: cfg.Model}, nil
}

func toMessageContent(messages []domain.ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		role := llms.ChatMessageTypeHuman
		switch msg.Role {
		case domain.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, msg.Content))
	}
	return out
}

func callOptions(opts domain.GenerationOptions) []llms.CallOption {
	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens), openai.WithLegacyMaxTokensField())
	}
	return callOpts
}

// Stream forwards every non-empty content delta to onFragment. The callback
// runs on the goroutine reading the response, so a slow consumer applies
// backpressure to the connection.
func (m *ChatModel) Stream(
	ctx context.Context,
	messages []domain.ChatMessage,
	opts domain.GenerationOptions,
	onFragment func(string) error,
) error {
	var consumerErr error
	callOpts := append(callOptions(opts), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		if err := onFragment(string(chunk)); err != nil {
			consumerErr = err
			return err
		}
		return nil
	}))

	_, err := m.llm.GenerateContent(ctx, toMessageContent(messages), callOpts...)
	if consumerErr != nil {
		return consumerErr
	}
	if err != nil {
		return classify("groq chat stream", err)
	}
	return nil
}

func (m *ChatModel) Complete(ctx context.Context, messages []domain.ChatMessage, opts domain.GenerationOptions) (string, error) {
	resp, err := m.llm.GenerateContent(ctx, toMessageContent(messages), callOptions(opts)...)
	if err != nil {
		return "", classify("groq chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}

// classify marks rate limits and upstream 5xx responses as temporary. The
// client library only exposes the status code in the message text.
func classify(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrGenerationBackend, operation, err)
	}
	msg := err.Error()
	for _, code := range []int{http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		if strings.Contains(msg, fmt.Sprintf("status code: %d", code)) {
			err = domain.WrapError(domain.ErrTemporary, operation, err)
			break
		}
	}
	return domain.WrapError(domain.ErrGenerationBackend, operation, err)
}
