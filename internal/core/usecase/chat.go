package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/tabular-rag/internal/core/domain"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
)

const tradeSystemPrompt = "You are a helpful assistant that answers questions about Pakistan's import and export data. \n" +
	"You have access to detailed trade records including HS codes, item descriptions, importers, suppliers, origins, ports, quantities, and values.\n" +
	"\n" +
	"Use the following context to answer the user's question. If the context doesn't contain enough information, say so.\n" +
	"\n" +
	"Context:\n"

// ChatDefaults fill the zero values of a ChatRequest.
type ChatDefaults struct {
	TopK        int
	MaxTokens   int
	Temperature float64
}

func DefaultChatDefaults() ChatDefaults {
	return ChatDefaults{
		TopK:        domain.DefaultTopK,
		MaxTokens:   domain.DefaultMaxTokens,
		Temperature: domain.DefaultTemperature,
	}
}

// ChatUseCase answers single questions grounded on retrieved trade records.
// It keeps no conversation state.
type ChatUseCase struct {
	embedder ports.Embedder
	vectorDB ports.VectorStore
	model    ports.ChatModel
	defaults ChatDefaults
	prompt   string
	logger   *slog.Logger
}

type ChatOption func(*ChatUseCase)

func WithChatDefaults(defaults ChatDefaults) ChatOption {
	return func(uc *ChatUseCase) {
		if defaults.TopK > 0 {
			uc.defaults.TopK = defaults.TopK
		}
		if defaults.MaxTokens > 0 {
			uc.defaults.MaxTokens = defaults.MaxTokens
		}
		if defaults.Temperature >= 0 {
			uc.defaults.Temperature = defaults.Temperature
		}
	}
}

// WithSystemPrompt replaces the framing placed before the context block.
func WithSystemPrompt(prompt string) ChatOption {
	return func(uc *ChatUseCase) {
		if strings.TrimSpace(prompt) != "" {
			uc.prompt = prompt
		}
	}
}

func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(uc *ChatUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

func NewChatUseCase(embedder ports.Embedder, vectorDB ports.VectorStore, model ports.ChatModel, opts ...ChatOption) *ChatUseCase {
	uc := &ChatUseCase{
		embedder: embedder,
		vectorDB: vectorDB,
		model:    model,
		defaults: DefaultChatDefaults(),
		prompt:   tradeSystemPrompt,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *ChatUseCase) Retrieve(ctx context.Context, question string, topK int) (*domain.RetrievalContext, error) {
	if strings.TrimSpace(question) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "retrieve", errors.New("message is required"))
	}
	if topK <= 0 {
		topK = uc.defaults.TopK
	}

	queryVector, err := uc.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := uc.vectorDB.Query(ctx, queryVector, topK)
	if err != nil {
		return nil, fmt.Errorf("query vector db: %w", err)
	}

	block := domain.NoContextPlaceholder
	if len(matches) > 0 {
		texts := make([]string, len(matches))
		for i, m := range matches {
			texts[i] = m.Text
		}
		block = strings.Join(texts, "\n\n")
	}

	uc.logger.Debug("rag_retrieval", "top_k", topK, "matches", len(matches))
	return &domain.RetrievalContext{Matches: matches, Block: block}, nil
}

func (uc *ChatUseCase) Stream(ctx context.Context, req domain.ChatRequest) (ports.ChatStream, error) {
	start := time.Now()
	retrieval, err := uc.Retrieve(ctx, req.Message, req.TopK)
	if err != nil {
		return nil, err
	}
	return &chatStream{
		ctx:          ctx,
		model:        uc.model,
		messages:     uc.buildMessages(req.Message, retrieval),
		opts:         uc.generationOptions(req),
		contextsUsed: retrieval.ContextsUsed(),
		start:        start,
	}, nil
}

func (uc *ChatUseCase) Generate(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	retrieval, err := uc.Retrieve(ctx, req.Message, req.TopK)
	if err != nil {
		return nil, err
	}

	text, err := uc.model.Complete(ctx, uc.buildMessages(req.Message, retrieval), uc.generationOptions(req))
	if err != nil {
		return nil, generationError("generate answer", err)
	}
	return &domain.ChatResponse{
		Response:     text,
		ContextsUsed: retrieval.ContextsUsed(),
	}, nil
}

func (uc *ChatUseCase) buildMessages(question string, retrieval *domain.RetrievalContext) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: uc.prompt + retrieval.Block},
		{Role: domain.RoleUser, Content: question},
	}
}

func (uc *ChatUseCase) generationOptions(req domain.ChatRequest) domain.GenerationOptions {
	opts := domain.GenerationOptions{
		MaxTokens:   req.MaxTokens,
		Temperature: uc.defaults.Temperature,
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = uc.defaults.MaxTokens
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	return opts
}

func generationError(operation string, err error) error {
	if domain.IsKind(err, domain.ErrGenerationBackend) {
		return err
	}
	return domain.WrapError(domain.ErrGenerationBackend, operation, err)
}

// chatStream pulls fragments from the backend on demand. The backend
// callback runs on the ranging goroutine, so at most one fragment is in
// flight.
type chatStream struct {
	ctx          context.Context
	model        ports.ChatModel
	messages     []domain.ChatMessage
	opts         domain.GenerationOptions
	contextsUsed int
	start        time.Time

	mu       sync.Mutex
	consumed bool
	summary  *domain.StreamSummary
}

func (s *chatStream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield("", domain.WrapError(domain.ErrStreamConsumed, "chat stream", errors.New("fragments can be ranged once")))
			return
		}
		s.consumed = true
		s.mu.Unlock()

		count := 0
		abandoned := false
		err := s.model.Stream(s.ctx, s.messages, s.opts, func(fragment string) error {
			if abandoned {
				return domain.ErrStreamAbandoned
			}
			count++
			if !yield(fragment, nil) {
				abandoned = true
				return domain.ErrStreamAbandoned
			}
			return nil
		})
		if abandoned {
			return
		}
		if err != nil {
			yield("", generationError("chat stream", err))
			return
		}

		s.mu.Lock()
		s.summary = &domain.StreamSummary{
			Elapsed:       time.Since(s.start),
			FragmentCount: count,
			ContextsUsed:  s.contextsUsed,
		}
		s.mu.Unlock()
	}
}

func (s *chatStream) Summary() (domain.StreamSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summary == nil {
		return domain.StreamSummary{}, false
	}
	return *s.summary, true
}
