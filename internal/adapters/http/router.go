package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kirillkom/tabular-rag/internal/config"
	"github.com/kirillkom/tabular-rag/internal/core/ports"
	"github.com/kirillkom/tabular-rag/internal/observability/metrics"
)

const serviceName = "api"

// Services are the inbound ports served over HTTP. Queue and Runs may be nil
// when NATS or Postgres are not configured.
type Services struct {
	Ingestor   ports.Ingestor
	Chat       ports.ChatService
	Collection ports.CollectionService
	Dataset    ports.DatasetService
	Runs       ports.IngestionRunReader
	Queue      ports.IngestQueue
}

type Router struct {
	cfg     config.Config
	svc     Services
	metrics *metrics.HTTPServerMetrics
	logger  *slog.Logger
}

type RouterOption func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) RouterOption {
	return func(rt *Router) {
		rt.metrics = m
	}
}

func WithLogger(logger *slog.Logger) RouterOption {
	return func(rt *Router) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

func NewRouter(cfg config.Config, svc Services, opts ...RouterOption) *Router {
	rt := &Router{
		cfg:    cfg,
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", rt.healthz)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/data/read", rt.readData)
		r.Post("/data/upload", rt.uploadData)
		r.Get("/excel/data", rt.readWorkbook)

		r.Post("/embeddings/embed", rt.embed)
		r.Post("/embeddings/query", rt.querySimilar)
		r.Get("/embeddings/stats", rt.stats)
		r.Delete("/embeddings/clear", rt.clear)

		r.Post("/chat/stream", rt.chatStream)
		r.Post("/chat/query", rt.chatQuery)

		r.Get("/ingestions/{runID}", rt.getIngestion)
	})

	var handler http.Handler = r
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIOverloadWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, newErrorResponse(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}
